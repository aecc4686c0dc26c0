package sections

import (
	"context"
	"time"
)

// DefaultHistoryLimit is the number of history entries retained per section.
const DefaultHistoryLimit = 50

// Precondition selects the compare-and-set guard applied to a write.
type Precondition int

const (
	// PreconditionVersion requires the stored version to equal Write.ExpectedVersion.
	PreconditionVersion Precondition = iota
	// PreconditionAbsent requires that no record exists yet; the write creates version 1.
	PreconditionAbsent
	// PreconditionNone creates or overwrites unconditionally. Reserved for trusted recovery paths.
	PreconditionNone
)

func (p Precondition) String() string {
	switch p {
	case PreconditionVersion:
		return "version"
	case PreconditionAbsent:
		return "absent"
	case PreconditionNone:
		return "none"
	default:
		return "unknown"
	}
}

// Write describes one compare-and-set request.
type Write struct {
	Ref             SectionRef
	Content         Content
	Precondition    Precondition
	ExpectedVersion int64
	Method          SaveMethod
}

// WriteResult is returned for a committed write.
type WriteResult struct {
	Version int64
	SavedAt time.Time
}

// Store is the durable owner of section versions. CompareAndSet must be atomic per section:
// of two writes guarded by the same version exactly one commits and the other receives a
// *ConflictError carrying the committed state.
type Store interface {
	Get(ctx context.Context, ref SectionRef) (SectionRecord, error)
	List(ctx context.Context, ownerID OwnerID, sectionType SectionType) ([]SectionRecord, error)
	CompareAndSet(ctx context.Context, write Write) (WriteResult, error)
	History(ctx context.Context, ref SectionRef, limit int) ([]HistoryEntry, error)
	HistoryAt(ctx context.Context, ref SectionRef, version int64) (HistoryEntry, error)
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
