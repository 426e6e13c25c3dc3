package omm

import "fmt"

// Token is an opaque per-session stream handle issued by a wire provider.
// Tokens are invalidated by logout and reissued on every reconnect.
type Token interface {
	TokenID() uint64
}

// EventType classifies asynchronous wire notifications.
type EventType uint8

const (
	EventLoginStatus EventType = iota + 1
	EventCmdError
)

// Event is one asynchronous notification from the wire: a login status
// transition or a command error. SessionName identifies the issuing session.
type Event struct {
	Type        EventType
	SessionName string

	// Login status fields
	Stream     StreamState
	Data       DataState
	StatusText string

	// Command error fields
	Err error
}

// SubmitError reports a wire rejection during submit. The publish layer logs
// it and continues with the remaining rows.
type SubmitError struct {
	Severity       string
	Classification string
	StatusText     string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("omm: submit rejected: severity=%s classification=%s status=%q",
		e.Severity, e.Classification, e.StatusText)
}

// ProviderConfig carries the per-session wire identity.
type ProviderConfig struct {
	SessionName    string
	ConnectionName string
	PublisherName  string
	Servers        []string
	DefaultPort    int
	MonitorName    string
}

// Wire is the downstream publisher fabric. Implementations must be safe for
// use from the scheduler thread and the event pump concurrently.
type Wire interface {
	// VerifyVersion checks that the wire runtime is usable before any
	// provider is created.
	VerifyVersion() error

	// CreateProvider opens one publishing session. Asynchronous login and
	// command-error notifications are posted to events.
	CreateProvider(cfg ProviderConfig, events *EventQueue) (ProviderHandle, error)
}

// ProviderHandle is one live publishing session on the wire.
type ProviderHandle interface {
	// RegisterLogin issues the streaming login request. Responses arrive on
	// the event queue.
	RegisterLogin(req LoginRequest) error

	// CreateItemStream allocates a token for one named item stream.
	CreateItemStream(name string) (Token, error)

	// SubmitRefresh publishes one refresh on the stream held by token.
	SubmitRefresh(msg *RefreshMsg, token Token) error

	// SubmitDirectory publishes the service directory on a throwaway stream.
	SubmitDirectory(dir *ServiceDirectory) error

	// RWFVersion reports the wire format version negotiated at login,
	// zero before the first successful login.
	RWFVersion() (major, minor int)

	Close() error
}
