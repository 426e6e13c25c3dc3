package fetch

import (
	"errors"
	"fmt"
	"time"
)

// HTTPStatusError indicates the server responded, but with a non-200 status.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d from %s", e.StatusCode, e.URL)
}

// ErrNotModified marks a 304 reply to a conditional GET. It is terminal
// success for the connection: nothing to parse, nothing to publish.
var ErrNotModified = errors.New("fetch: not modified")

// MalformedResponseError indicates the response failed one of the acceptance
// gates (content type, size bounds, magic bytes).
type MalformedResponseError struct {
	URL    string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("fetch: malformed response from %s: %s", e.URL, e.Reason)
}

// ClockPanicError indicates the response file-modification time is further
// from the request time than the configured panic threshold allows.
type ClockPanicError struct {
	URL       string
	Offset    time.Duration
	Threshold time.Duration
}

func (e *ClockPanicError) Error() string {
	return fmt.Sprintf("fetch: clock panic on %s: filetime off by %s, threshold %s",
		e.URL, e.Offset, e.Threshold)
}
