package client

import (
	"encoding/json"
	"time"
)

// EventType names a save queue notification.
type EventType string

const (
	EventSaveSuccess   EventType = "saveSuccess"
	EventSaveConflict  EventType = "saveConflict"
	EventSaveError     EventType = "saveError"
	EventSaveRetrying  EventType = "saveRetrying"
	EventSaveQueued    EventType = "saveQueued"
	EventRemoteApplied EventType = "remoteApplied"
)

// Update sources reported on remote events.
const (
	SourceRealtime   = "realtime"
	SourcePolling    = "polling"
	SourceResolution = "resolution"
)

// Event reports a transition of one section.
//
// For saveConflict, Content is the unsent local document and ServerVersion/ServerContent the
// state that won. For remoteApplied, Version and Content are the applied remote state.
type Event struct {
	Type          EventType
	Section       SectionID
	Version       int64
	Content       json.RawMessage
	ServerVersion int64
	ServerContent json.RawMessage
	Source        string
	Attempt       int
	RetryIn       time.Duration
	Err           error
}

// Listener receives events. It runs on the goroutine that caused the transition and must not
// block.
type Listener func(Event)

// State is the save lifecycle of one section.
type State int

const (
	StateIdle State = iota
	StateDirty
	StateDebouncing
	StateSending
	StateConflicted
	StateRetrying
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDirty:
		return "dirty"
	case StateDebouncing:
		return "debouncing"
	case StateSending:
		return "sending"
	case StateConflicted:
		return "conflicted"
	case StateRetrying:
		return "retrying"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Resolution is the explicit decision that clears a conflict.
type Resolution int

const (
	// KeepLocal re-sends the local document over the server's version.
	KeepLocal Resolution = iota
	// UseServer discards the local document and adopts the server's.
	UseServer
	// Merge sends a caller-supplied document over the server's version.
	Merge
)

// Decision reports what ApplyRemote did with an update.
type Decision int

const (
	// DecisionStale means the update was not newer than the known version and was dropped.
	DecisionStale Decision = iota
	// DecisionApplied means the update became the known state.
	DecisionApplied
	// DecisionDeferred means a save was in flight; the update is reconciled when it completes.
	DecisionDeferred
	// DecisionConflicted means unsent local edits exist and a conflict was raised.
	DecisionConflicted
)
