package provider

import (
	"sync/atomic"

	"github.com/psychfeed/psychfeed/internal/omm"
)

// tokenSlot wraps a token so atomic.Value always stores one concrete type.
type tokenSlot struct {
	tok omm.Token
}

// ItemStream is one downstream item, shared by every resource row that maps
// to the same ric. It holds one token slot per session; slots are written by
// the event pump on login transitions and read by the scheduler thread
// during publishing.
type ItemStream struct {
	RIC    string
	tokens []atomic.Value
}

func newItemStream(ric string, sessions int) *ItemStream {
	return &ItemStream{
		RIC:    ric,
		tokens: make([]atomic.Value, sessions),
	}
}

// Token returns the current token for the session index, nil when the
// session has never logged in or its tokens were discarded.
func (s *ItemStream) Token(sessionIndex int) omm.Token {
	v := s.tokens[sessionIndex].Load()
	if v == nil {
		return nil
	}
	return v.(tokenSlot).tok
}

func (s *ItemStream) setToken(sessionIndex int, tok omm.Token) {
	s.tokens[sessionIndex].Store(tokenSlot{tok: tok})
}

func (s *ItemStream) clearToken(sessionIndex int) {
	s.tokens[sessionIndex].Store(tokenSlot{})
}
