package realtime

import "encoding/json"

const (
	MessageTypeWelcome     = "welcome"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypeUpdate      = "update"
	MessageTypeError       = "error"

	SourceRealtime = "realtime"
	SourcePolling  = "polling"
)

// Message is the JSON text frame exchanged on the push channel.
type Message struct {
	Type         string          `json:"type"`
	ConnectionID string          `json:"connectionId,omitempty"`
	SectionType  string          `json:"sectionType,omitempty"`
	SectionKey   string          `json:"sectionKey,omitempty"`
	Version      int64           `json:"version,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	Source       string          `json:"source,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}
