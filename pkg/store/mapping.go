package store

import (
	"fmt"
	"time"
)

// MaxHistoryEntries bounds conversation history to the most recent 20
// turns (a turn is one user message plus one model reply).
const MaxHistoryEntries = 40

// ProviderSession binds a conversation to one backend-specific session.
type ProviderSession struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is a single role-tagged history entry.
type Turn struct {
	Role string `json:"role"` // "user" or "model"
	Text string `json:"text"`
}

// Mapping is the durable document for one external conversation id.
type Mapping struct {
	Providers map[string]ProviderSession `json:"providers"`
	Metadata  map[string]interface{}     `json:"metadata"`
	History   []Turn                     `json:"history"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewMapping returns an empty mapping with initialized containers.
func NewMapping() *Mapping {
	now := time.Now().UTC()
	return &Mapping{
		Providers: make(map[string]ProviderSession),
		Metadata:  make(map[string]interface{}),
		History:   []Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Error is the single error type surfaced by the conversation store.
// Callers never receive a partial or zeroed mapping alongside it: a
// failed read is an error, not an empty "new conversation".
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("conversation store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
