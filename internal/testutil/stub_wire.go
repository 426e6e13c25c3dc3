package testutil

import (
	"sync"

	"github.com/psychfeed/psychfeed/internal/omm"
)

// StubWire is an in-memory omm.Wire for tests. It records every call and
// lets tests push login events through the real event queue.
type StubWire struct {
	mu        sync.Mutex
	handles   map[string]*StubProviderHandle
	VerifyErr error
	CreateErr error
}

func NewStubWire() *StubWire {
	return &StubWire{handles: make(map[string]*StubProviderHandle)}
}

func (w *StubWire) VerifyVersion() error { return w.VerifyErr }

func (w *StubWire) CreateProvider(cfg omm.ProviderConfig, events *omm.EventQueue) (omm.ProviderHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CreateErr != nil {
		return nil, w.CreateErr
	}
	h := &StubProviderHandle{
		SessionName: cfg.SessionName,
		Events:      events,
		RWFMajor:    14,
		RWFMinor:    1,
	}
	w.handles[cfg.SessionName] = h
	return h, nil
}

// Handle returns the handle created for a session name.
func (w *StubWire) Handle(sessionName string) *StubProviderHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handles[sessionName]
}

// StubToken is the token type issued by StubProviderHandle.
type StubToken struct {
	ID   uint64
	Name string
}

func (t *StubToken) TokenID() uint64 { return t.ID }

// SubmittedRefresh is one recorded SubmitRefresh call.
type SubmittedRefresh struct {
	Msg   *omm.RefreshMsg
	Token omm.Token
}

// StubProviderHandle records the wire traffic of one session.
type StubProviderHandle struct {
	mu sync.Mutex

	SessionName string
	Events      *omm.EventQueue

	Logins      []omm.LoginRequest
	StreamNames []string
	Refreshes   []SubmittedRefresh
	Directories []*omm.ServiceDirectory
	Closed      bool

	RWFMajor int
	RWFMinor int

	// Forced failures
	LoginErr        error
	CreateStreamErr error
	SubmitErr       error
	DirectoryErr    error

	nextTokenID uint64
}

func (h *StubProviderHandle) RegisterLogin(req omm.LoginRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.LoginErr != nil {
		return h.LoginErr
	}
	h.Logins = append(h.Logins, req)
	return nil
}

func (h *StubProviderHandle) CreateItemStream(name string) (omm.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.CreateStreamErr != nil {
		return nil, h.CreateStreamErr
	}
	h.nextTokenID++
	h.StreamNames = append(h.StreamNames, name)
	return &StubToken{ID: h.nextTokenID, Name: name}, nil
}

func (h *StubProviderHandle) SubmitRefresh(msg *omm.RefreshMsg, token omm.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SubmitErr != nil {
		return h.SubmitErr
	}
	h.Refreshes = append(h.Refreshes, SubmittedRefresh{Msg: msg, Token: token})
	return nil
}

func (h *StubProviderHandle) SubmitDirectory(dir *omm.ServiceDirectory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DirectoryErr != nil {
		return h.DirectoryErr
	}
	h.Directories = append(h.Directories, dir)
	return nil
}

func (h *StubProviderHandle) RWFVersion() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.RWFMajor, h.RWFMinor
}

func (h *StubProviderHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Closed = true
	return nil
}

// PostLogin pushes a login status event for this session through the queue.
func (h *StubProviderHandle) PostLogin(stream omm.StreamState, data omm.DataState, text string) bool {
	return h.Events.Post(omm.Event{
		Type:        omm.EventLoginStatus,
		SessionName: h.SessionName,
		Stream:      stream,
		Data:        data,
		StatusText:  text,
	})
}

// RefreshCount returns how many refreshes were submitted.
func (h *StubProviderHandle) RefreshCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Refreshes)
}

// RefreshAt returns a recorded refresh by index.
func (h *StubProviderHandle) RefreshAt(i int) SubmittedRefresh {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Refreshes[i]
}
