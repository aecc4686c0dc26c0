package sections

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SaveMethod records how a history entry was produced.
type SaveMethod string

const (
	// SaveMethodAuto marks writes coming from the debounced client save queue.
	SaveMethodAuto SaveMethod = "auto"
	// SaveMethodManual marks explicit saves and trusted restores.
	SaveMethodManual SaveMethod = "manual"
	// SaveMethodRealtime marks writes relayed from a realtime session.
	SaveMethodRealtime SaveMethod = "realtime"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("sections: invalid owner id")
	// ErrInvalidSectionType indicates that a section type is empty or exceeds storage bounds.
	ErrInvalidSectionType = errors.New("sections: invalid section type")
	// ErrInvalidSectionKey indicates that a section key is empty or exceeds storage bounds.
	ErrInvalidSectionKey = errors.New("sections: invalid section key")
	// ErrInvalidContent indicates that section content is missing or not valid JSON.
	ErrInvalidContent = errors.New("sections: invalid content")
	// ErrInvalidVersion indicates that a version is not positive.
	ErrInvalidVersion = errors.New("sections: invalid version")
	// ErrInvalidSaveMethod indicates an unknown save method.
	ErrInvalidSaveMethod = errors.New("sections: invalid save method")
)

func newIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	value, err := newIdentifier(rawInput, ErrInvalidOwnerID)
	return OwnerID(value), err
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// SectionType represents a validated section type such as "widget" or "note".
type SectionType string

// NewSectionType validates raw input and returns a SectionType.
func NewSectionType(rawInput string) (SectionType, error) {
	value, err := newIdentifier(rawInput, ErrInvalidSectionType)
	return SectionType(value), err
}

func (t SectionType) String() string {
	return string(t)
}

// SectionKey represents a validated section key.
type SectionKey string

// NewSectionKey validates raw input and returns a SectionKey.
func NewSectionKey(rawInput string) (SectionKey, error) {
	value, err := newIdentifier(rawInput, ErrInvalidSectionKey)
	return SectionKey(value), err
}

func (k SectionKey) String() string {
	return string(k)
}

// Content is an opaque JSON document owned by the caller.
type Content json.RawMessage

// NewContent validates that the raw bytes hold a single JSON value.
func NewContent(raw []byte) (Content, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: malformed json", ErrInvalidContent)
	}
	return Content(trimmed), nil
}

// RawMessage exposes the content for JSON encoding.
func (c Content) RawMessage() json.RawMessage {
	return json.RawMessage(c)
}

func (c Content) String() string {
	return string(c)
}

// ParseSaveMethod maps raw input to a SaveMethod, defaulting to auto.
func ParseSaveMethod(rawInput string) (SaveMethod, error) {
	switch strings.ToLower(strings.TrimSpace(rawInput)) {
	case "", string(SaveMethodAuto):
		return SaveMethodAuto, nil
	case string(SaveMethodManual):
		return SaveMethodManual, nil
	case string(SaveMethodRealtime):
		return SaveMethodRealtime, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSaveMethod, rawInput)
	}
}

// SectionRef identifies one section document.
type SectionRef struct {
	OwnerID     OwnerID
	SectionType SectionType
	SectionKey  SectionKey
}

// NewSectionRef validates all three identity fields.
func NewSectionRef(ownerID, sectionType, sectionKey string) (SectionRef, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return SectionRef{}, err
	}
	kind, err := NewSectionType(sectionType)
	if err != nil {
		return SectionRef{}, err
	}
	key, err := NewSectionKey(sectionKey)
	if err != nil {
		return SectionRef{}, err
	}
	return SectionRef{OwnerID: owner, SectionType: kind, SectionKey: key}, nil
}

func (ref SectionRef) String() string {
	return ref.OwnerID.String() + "/" + ref.SectionType.String() + "/" + ref.SectionKey.String()
}

// SectionRecord models the persisted section document.
type SectionRecord struct {
	OwnerID         string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_sections_owner_type,priority:1"`
	SectionType     string `gorm:"column:section_type;primaryKey;size:190;not null;index:idx_sections_owner_type,priority:2"`
	SectionKey      string `gorm:"column:section_key;primaryKey;size:190;not null"`
	ContentJSON     string `gorm:"column:content_json;type:text;not null"`
	Version         int64  `gorm:"column:version;not null;default:1"`
	LastSavedAtMsec int64  `gorm:"column:last_saved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SectionRecord) TableName() string {
	return "dashboard_sections"
}

// Ref returns the record identity.
func (r SectionRecord) Ref() SectionRef {
	return SectionRef{
		OwnerID:     OwnerID(r.OwnerID),
		SectionType: SectionType(r.SectionType),
		SectionKey:  SectionKey(r.SectionKey),
	}
}

// HistoryEntry is an append-only snapshot written alongside every successful save.
type HistoryEntry struct {
	EntryID     string     `gorm:"column:entry_id;primaryKey;size:64;not null"`
	OwnerID     string     `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_history_section_version,priority:1"`
	SectionType string     `gorm:"column:section_type;size:190;not null;uniqueIndex:idx_history_section_version,priority:2"`
	SectionKey  string     `gorm:"column:section_key;size:190;not null;uniqueIndex:idx_history_section_version,priority:3"`
	Version     int64      `gorm:"column:version;not null;uniqueIndex:idx_history_section_version,priority:4"`
	ContentJSON string     `gorm:"column:content_json;type:text;not null"`
	SavedAtMsec int64      `gorm:"column:saved_at_ms;not null"`
	SaveMethod  SaveMethod `gorm:"column:save_method;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "dashboard_section_history"
}
