package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBackendUnavailable means the server cannot take writes right now: the circuit breaker
	// is open, the server refused the dial, or it answered store_unavailable. Callers switch to
	// offline queueing instead of retrying.
	ErrBackendUnavailable = errors.New("client: backend unavailable")
	// ErrTransient marks a failure worth retrying with backoff.
	ErrTransient = errors.New("client: transient failure")
	// ErrValidation marks a request the server rejected as malformed. It is never retried.
	ErrValidation = errors.New("client: validation rejected")
	// ErrUnauthorized marks a missing, expired or foreign token.
	ErrUnauthorized = errors.New("client: unauthorized")
	// ErrNotFound marks a missing section or history version.
	ErrNotFound = errors.New("client: not found")
	// ErrNotConflicted is returned by Resolve when the section holds no conflict.
	ErrNotConflicted = errors.New("client: section is not conflicted")
	// ErrNothingPending is returned by SaveNow when the section has no pending save.
	ErrNothingPending = errors.New("client: nothing pending")
)

// SectionID names one section of the configured owner.
type SectionID struct {
	Type string
	Key  string
}

func (id SectionID) String() string {
	return id.Type + "/" + id.Key
}

// Section is the server's view of one section.
type Section struct {
	SectionType string          `json:"sectionType"`
	SectionKey  string          `json:"sectionKey"`
	Content     json.RawMessage `json:"content"`
	Version     int64           `json:"version"`
	LastSavedAt time.Time       `json:"lastSavedAt"`
}

// ID returns the section identity.
func (s Section) ID() SectionID {
	return SectionID{Type: s.SectionType, Key: s.SectionKey}
}

// HistoryEntry is one retained snapshot.
type HistoryEntry struct {
	Version    int64           `json:"version"`
	Content    json.RawMessage `json:"content"`
	SavedAt    time.Time       `json:"savedAt"`
	SaveMethod string          `json:"saveMethod"`
}

// SaveRequest is one save submitted to the server.
type SaveRequest struct {
	Section         SectionID
	Content         json.RawMessage
	ExpectedVersion *int64
	Method          string
	ConnectionID    string
}

// SaveOutcome is the server's answer to a save. A conflict is an outcome, not an error.
type SaveOutcome struct {
	Success        bool
	Version        int64
	SavedAt        time.Time
	Reason         string
	CurrentVersion int64
	CurrentContent json.RawMessage
}

// RemoteUpdate is a change observed through the push channel or a poll.
type RemoteUpdate struct {
	Section SectionID
	Version int64
	Content json.RawMessage
	Source  string
}

// APIError carries the server's failure payload.
type APIError struct {
	Status int
	Reason string
	Field  string
	Code   string
}

func (e *APIError) Error() string {
	detail := e.Reason
	if e.Field != "" {
		detail = fmt.Sprintf("%s (%s)", detail, e.Field)
	}
	if e.Code != "" {
		detail = fmt.Sprintf("%s [%s]", detail, e.Code)
	}
	return fmt.Sprintf("client: server returned %d: %s", e.Status, detail)
}

// Retryable reports whether err should be retried with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
