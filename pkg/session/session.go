// Package session owns the durable conversation state of every chat session
// and the per-session locks that serialize its mutation.
package session

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrStorage wraps every failure to read or write durable state.
	ErrStorage = errors.New("session storage error")

	// ErrNotFound is returned by a Backend when no record exists for an id.
	// Store methods never surface it; a missing session reads as empty.
	ErrNotFound = errors.New("session not found")

	// ErrNoChange may be returned from a WithLock callback to release the
	// lock without writing anything.
	ErrNoChange = errors.New("session unchanged")
)

// Turn is one completed user/assistant exchange.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Session is the durable state of one conversation.
type Session struct {
	ID           string    `json:"-"`
	SystemPrompt *string   `json:"system_prompt"`
	History      []Turn    `json:"history"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// New returns an empty session for id: no system prompt, no history.
func New(id string) *Session {
	return &Session{
		ID:      id,
		History: []Turn{},
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.SystemPrompt != nil {
		p := *s.SystemPrompt
		c.SystemPrompt = &p
	}
	c.History = slices.Clone(s.History)
	if c.History == nil {
		c.History = []Turn{}
	}
	return &c
}
