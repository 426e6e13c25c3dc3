// Package buildinfo holds version information injected at build time via ldflags.
package buildinfo

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/psychfeed/psychfeed/internal/buildinfo.Version=1.0.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// UserAgent is the identity sent upstream on bulletin requests. The feed
// servers know this client as "psych", independent of the module name.
func UserAgent() string {
	return "psych/" + Version
}
