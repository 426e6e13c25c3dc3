package diag

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// RegistrableDomain extracts the effective top-level-domain-plus-one (eTLD+1)
// from a target string that may be host:port, a URL, an IPv6 address, etc.
//
// Examples:
//
//	"https://data.marketpsych.example.co.uk/minutely" -> "example.co.uk"
//	"feeds.vendor.com:8443" -> "vendor.com"
//	"192.168.1.1:8080"      -> "192.168.1.1"
//	"localhost"             -> "localhost"
func RegistrableDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := target
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	// The Public Suffix List rejects IPs, localhost and bare TLDs; fall back
	// to the host itself for those.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// hostOf extracts just the hostname of a URL, without port.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
