package sections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReasonVersionConflict is reported in a SaveResult when the compare-and-set lost.
const ReasonVersionConflict = "version_conflict"

const (
	opServiceNew = "sections.service.new"
	opSave       = "sections.save"
	opRestore    = "sections.restore"
	opFetch      = "sections.fetch"
	opGet        = "sections.get"
	opHistory    = "sections.history"

	fieldOwnerID     = "owner_id"
	fieldSectionType = "section_type"
	fieldSectionKey  = "section_key"

	reasonMissingStore     = "missing_store"
	reasonStoreUnavailable = "store_unavailable"
	reasonWriteFailed      = "write_failed"
	reasonQueryFailed      = "query_failed"
	reasonNotFound         = "not_found"
)

var (
	errMissingStore = errors.New("section store is required")
	noOpLogger      = zap.NewNop()
)

// ChangeNotice describes a committed write for propagation to subscribers.
type ChangeNotice struct {
	Ref     SectionRef
	Version int64
	Content Content
	SavedAt time.Time
	Method  SaveMethod
}

// Notifier receives committed writes. Implementations must not rely on the caller's context
// staying alive; the service invokes them off the request path.
type Notifier interface {
	SectionSaved(notice ChangeNotice, originConnectionID string)
}

// SaveObserver records save outcomes; the metrics collector implements it.
type SaveObserver interface {
	ObserveSave(outcome string, elapsed time.Duration)
}

// ServiceConfig wires the save coordinator.
type ServiceConfig struct {
	Store    Store
	Notifier Notifier
	Observer SaveObserver
	Logger   *zap.Logger
}

// Service is the server-side entry point for saves and reads of section documents.
type Service struct {
	store    Store
	notifier Notifier
	observer SaveObserver
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		logger:   logger,
	}, nil
}

// SaveRequest carries one client save.
type SaveRequest struct {
	OwnerID         string
	SectionType     string
	SectionKey      string
	Content         []byte
	ExpectedVersion *int64
	Method          SaveMethod
	ConnectionID    string
}

// SaveResult is the outcome of a save. A conflict is a normal result, not an error.
type SaveResult struct {
	Success        bool
	Reason         string
	Version        int64
	SavedAt        time.Time
	CurrentVersion int64
	CurrentContent Content
}

// Save validates the request and performs the compare-and-set. A request without an expected
// version may only create the section; saving over an existing section always requires the
// version the client last observed.
func (s *Service) Save(ctx context.Context, request SaveRequest) (SaveResult, error) {
	started := time.Now()
	if s.store == nil {
		s.logError(opSave, reasonMissingStore, errMissingStore)
		return SaveResult{}, newServiceError(opSave, reasonMissingStore, errMissingStore)
	}

	ref, content, err := validateSave(request)
	if err != nil {
		s.observe("invalid", started)
		return SaveResult{}, err
	}
	method := request.Method
	if method == "" {
		method = SaveMethodAuto
	}

	write := Write{Ref: ref, Content: content, Precondition: PreconditionAbsent, Method: method}
	if request.ExpectedVersion != nil {
		write.Precondition = PreconditionVersion
		write.ExpectedVersion = *request.ExpectedVersion
	}

	result, err := s.commit(ctx, opSave, write, request.ConnectionID)
	if err != nil {
		s.observe("error", started)
		return SaveResult{}, err
	}
	if result.Success {
		s.observe("saved", started)
	} else {
		s.observe("conflict", started)
	}
	return result, nil
}

// RestoreRequest asks to reinstate a retained history snapshot.
type RestoreRequest struct {
	OwnerID      string
	SectionType  string
	SectionKey   string
	Version      int64
	ConnectionID string
}

// Restore rewrites a history snapshot over the current record without a version guard. It is
// the trusted recovery path and is never reached by ordinary client saves.
func (s *Service) Restore(ctx context.Context, request RestoreRequest) (SaveResult, error) {
	if s.store == nil {
		s.logError(opRestore, reasonMissingStore, errMissingStore)
		return SaveResult{}, newServiceError(opRestore, reasonMissingStore, errMissingStore)
	}
	ref, err := validateRef(request.OwnerID, request.SectionType, request.SectionKey)
	if err != nil {
		return SaveResult{}, err
	}
	if request.Version <= 0 {
		return SaveResult{}, newValidationError("version", fmt.Errorf("%w: %d", ErrInvalidVersion, request.Version))
	}

	entry, err := s.store.HistoryAt(ctx, ref, request.Version)
	if errors.Is(err, ErrNotFound) {
		return SaveResult{}, newServiceError(opRestore, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opRestore, reasonStoreUnavailable, err, refFields(ref)...)
		return SaveResult{}, newServiceError(opRestore, reasonStoreUnavailable, err)
	}

	write := Write{
		Ref:          ref,
		Content:      Content(entry.ContentJSON),
		Precondition: PreconditionNone,
		Method:       SaveMethodManual,
	}
	s.loggerOrDefault().Info("restoring section snapshot",
		zap.String(fieldOwnerID, ref.OwnerID.String()),
		zap.String(fieldSectionType, ref.SectionType.String()),
		zap.String(fieldSectionKey, ref.SectionKey.String()),
		zap.Int64("restored_version", request.Version))
	return s.commit(ctx, opRestore, write, request.ConnectionID)
}

func (s *Service) commit(ctx context.Context, operation string, write Write, originConnectionID string) (SaveResult, error) {
	written, err := s.store.CompareAndSet(ctx, write)
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		s.loggerOrDefault().Debug("section save conflicted",
			zap.String(fieldOwnerID, write.Ref.OwnerID.String()),
			zap.String(fieldSectionType, write.Ref.SectionType.String()),
			zap.String(fieldSectionKey, write.Ref.SectionKey.String()),
			zap.Int64("current_version", conflict.CurrentVersion))
		return SaveResult{
			Success:        false,
			Reason:         ReasonVersionConflict,
			CurrentVersion: conflict.CurrentVersion,
			CurrentContent: conflict.CurrentContent,
		}, nil
	}
	if err != nil {
		reason := reasonWriteFailed
		if errors.Is(err, ErrStoreUnavailable) {
			reason = reasonStoreUnavailable
		}
		s.logError(operation, reason, err, refFields(write.Ref)...)
		return SaveResult{}, newServiceError(operation, reason, err)
	}

	if s.notifier != nil {
		notice := ChangeNotice{
			Ref:     write.Ref,
			Version: written.Version,
			Content: write.Content,
			SavedAt: written.SavedAt,
			Method:  write.Method,
		}
		go s.notify(notice, originConnectionID)
	}

	return SaveResult{Success: true, Version: written.Version, SavedAt: written.SavedAt}, nil
}

func (s *Service) notify(notice ChangeNotice, originConnectionID string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.loggerOrDefault().Error("section notifier panicked",
				zap.Any("panic", recovered),
				zap.String(fieldSectionKey, notice.Ref.SectionKey.String()))
		}
	}()
	s.notifier.SectionSaved(notice, originConnectionID)
}

// Fetch lists an owner's sections, optionally narrowed to one section type.
func (s *Service) Fetch(ctx context.Context, ownerID string, sectionType string) ([]SectionRecord, error) {
	if s.store == nil {
		s.logError(opFetch, reasonMissingStore, errMissingStore)
		return nil, newServiceError(opFetch, reasonMissingStore, errMissingStore)
	}
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return nil, newValidationError("ownerId", err)
	}
	var kind SectionType
	if sectionType != "" {
		kind, err = NewSectionType(sectionType)
		if err != nil {
			return nil, newValidationError("sectionType", err)
		}
	}
	records, err := s.store.List(ctx, owner, kind)
	if err != nil {
		s.logError(opFetch, reasonQueryFailed, err, zap.String(fieldOwnerID, owner.String()))
		return nil, newServiceError(opFetch, reasonQueryFailed, err)
	}
	return records, nil
}

// Get loads a single section.
func (s *Service) Get(ctx context.Context, ownerID, sectionType, sectionKey string) (SectionRecord, error) {
	if s.store == nil {
		s.logError(opGet, reasonMissingStore, errMissingStore)
		return SectionRecord{}, newServiceError(opGet, reasonMissingStore, errMissingStore)
	}
	ref, err := validateRef(ownerID, sectionType, sectionKey)
	if err != nil {
		return SectionRecord{}, err
	}
	record, err := s.store.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return SectionRecord{}, newServiceError(opGet, reasonNotFound, err)
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, refFields(ref)...)
		return SectionRecord{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return record, nil
}

// History returns retained snapshots newest first.
func (s *Service) History(ctx context.Context, ownerID, sectionType, sectionKey string, limit int) ([]HistoryEntry, error) {
	if s.store == nil {
		s.logError(opHistory, reasonMissingStore, errMissingStore)
		return nil, newServiceError(opHistory, reasonMissingStore, errMissingStore)
	}
	ref, err := validateRef(ownerID, sectionType, sectionKey)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.History(ctx, ref, limit)
	if err != nil {
		s.logError(opHistory, reasonQueryFailed, err, refFields(ref)...)
		return nil, newServiceError(opHistory, reasonQueryFailed, err)
	}
	return entries, nil
}

func validateSave(request SaveRequest) (SectionRef, Content, error) {
	ref, err := validateRef(request.OwnerID, request.SectionType, request.SectionKey)
	if err != nil {
		return SectionRef{}, nil, err
	}
	content, err := NewContent(request.Content)
	if err != nil {
		return SectionRef{}, nil, newValidationError("content", err)
	}
	if request.ExpectedVersion != nil && *request.ExpectedVersion <= 0 {
		return SectionRef{}, nil, newValidationError("expectedVersion",
			fmt.Errorf("%w: %d", ErrInvalidVersion, *request.ExpectedVersion))
	}
	return ref, content, nil
}

func validateRef(ownerID, sectionType, sectionKey string) (SectionRef, error) {
	owner, err := NewOwnerID(ownerID)
	if err != nil {
		return SectionRef{}, newValidationError("ownerId", err)
	}
	kind, err := NewSectionType(sectionType)
	if err != nil {
		return SectionRef{}, newValidationError("sectionType", err)
	}
	key, err := NewSectionKey(sectionKey)
	if err != nil {
		return SectionRef{}, newValidationError("sectionKey", err)
	}
	return SectionRef{OwnerID: owner, SectionType: kind, SectionKey: key}, nil
}

func refFields(ref SectionRef) []zap.Field {
	return []zap.Field{
		zap.String(fieldOwnerID, ref.OwnerID.String()),
		zap.String(fieldSectionType, ref.SectionType.String()),
		zap.String(fieldSectionKey, ref.SectionKey.String()),
	}
}

func (s *Service) observe(outcome string, started time.Time) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveSave(outcome, time.Since(started))
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sections service error", attrs...)
}
