package sections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	querySection        = "owner_id = ? AND section_type = ? AND section_key = ?"
	querySectionVersion = querySection + " AND version = ?"
	queryOwner          = "owner_id = ?"
	queryOwnerType      = "owner_id = ? AND section_type = ?"
	orderSectionAsc     = "section_type ASC, section_key ASC"
	orderVersionDesc    = "version DESC"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// GormStoreConfig wires the relational Section Store.
type GormStoreConfig struct {
	Database     *gorm.DB
	IDProvider   IDProvider
	Clock        func() time.Time
	HistoryLimit int
}

// GormStore implements Store on a relational database through gorm. The compare-and-set is a
// single conditional UPDATE whose affected-row count decides the outcome.
type GormStore struct {
	db           *gorm.DB
	idProvider   IDProvider
	clock        func() time.Time
	historyLimit int
}

// NewGormStore validates the configuration and returns a GormStore.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &GormStore{
		db:           cfg.Database,
		idProvider:   cfg.IDProvider,
		clock:        clock,
		historyLimit: limit,
	}, nil
}

// Get loads one section record.
func (s *GormStore) Get(ctx context.Context, ref SectionRef) (SectionRecord, error) {
	var record SectionRecord
	err := s.db.WithContext(ctx).
		Where(querySection, ref.OwnerID.String(), ref.SectionType.String(), ref.SectionKey.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SectionRecord{}, ErrNotFound
	}
	if err != nil {
		return SectionRecord{}, unavailable(err)
	}
	return record, nil
}

// List returns the owner's sections, optionally narrowed to one section type.
func (s *GormStore) List(ctx context.Context, ownerID OwnerID, sectionType SectionType) ([]SectionRecord, error) {
	query := s.db.WithContext(ctx)
	if sectionType == "" {
		query = query.Where(queryOwner, ownerID.String())
	} else {
		query = query.Where(queryOwnerType, ownerID.String(), sectionType.String())
	}
	var records []SectionRecord
	if err := query.Order(orderSectionAsc).Find(&records).Error; err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

// CompareAndSet applies the write, appends a history entry and trims history, all in one
// transaction.
func (s *GormStore) CompareAndSet(ctx context.Context, write Write) (WriteResult, error) {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return WriteResult{}, fmt.Errorf("sections: history id: %w", err)
	}
	savedAt := s.clock().UTC()

	var result WriteResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		version, err := s.applyWrite(tx, write, savedAt)
		if err != nil {
			return err
		}

		entry := HistoryEntry{
			EntryID:     entryID,
			OwnerID:     write.Ref.OwnerID.String(),
			SectionType: write.Ref.SectionType.String(),
			SectionKey:  write.Ref.SectionKey.String(),
			Version:     version,
			ContentJSON: write.Content.String(),
			SavedAtMsec: millis(savedAt),
			SaveMethod:  write.Method,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		if cutoff := version - int64(s.historyLimit); cutoff > 0 {
			if err := tx.Where(querySection+" AND version <= ?",
				write.Ref.OwnerID.String(), write.Ref.SectionType.String(), write.Ref.SectionKey.String(), cutoff).
				Delete(&HistoryEntry{}).Error; err != nil {
				return err
			}
		}

		result = WriteResult{Version: version, SavedAt: fromMillis(millis(savedAt))}
		return nil
	})
	if txErr != nil {
		var conflict *ConflictError
		if errors.As(txErr, &conflict) {
			return WriteResult{}, conflict
		}
		return WriteResult{}, unavailable(txErr)
	}
	return result, nil
}

func (s *GormStore) applyWrite(tx *gorm.DB, write Write, savedAt time.Time) (int64, error) {
	owner := write.Ref.OwnerID.String()
	kind := write.Ref.SectionType.String()
	key := write.Ref.SectionKey.String()

	switch write.Precondition {
	case PreconditionVersion:
		update := tx.Model(&SectionRecord{}).
			Where(querySectionVersion, owner, kind, key, write.ExpectedVersion).
			Updates(map[string]any{
				"content_json":     write.Content.String(),
				"version":          gorm.Expr("version + ?", 1),
				"last_saved_at_ms": millis(savedAt),
			})
		if update.Error != nil {
			return 0, update.Error
		}
		if update.RowsAffected == 0 {
			return 0, loadConflict(tx, write)
		}
		return write.ExpectedVersion + 1, nil

	case PreconditionAbsent:
		created, err := createFirstVersion(tx, write, savedAt)
		if err != nil {
			return 0, err
		}
		if !created {
			return 0, loadConflict(tx, write)
		}
		return 1, nil

	case PreconditionNone:
		update := tx.Model(&SectionRecord{}).
			Where(querySection, owner, kind, key).
			Updates(map[string]any{
				"content_json":     write.Content.String(),
				"version":          gorm.Expr("version + ?", 1),
				"last_saved_at_ms": millis(savedAt),
			})
		if update.Error != nil {
			return 0, update.Error
		}
		if update.RowsAffected == 0 {
			created, err := createFirstVersion(tx, write, savedAt)
			if err != nil {
				return 0, err
			}
			if !created {
				return 0, loadConflict(tx, write)
			}
			return 1, nil
		}
		var stored SectionRecord
		if err := tx.Select("version").Where(querySection, owner, kind, key).Take(&stored).Error; err != nil {
			return 0, err
		}
		return stored.Version, nil

	default:
		return 0, fmt.Errorf("sections: unsupported precondition %s", write.Precondition)
	}
}

func createFirstVersion(tx *gorm.DB, write Write, savedAt time.Time) (bool, error) {
	record := SectionRecord{
		OwnerID:         write.Ref.OwnerID.String(),
		SectionType:     write.Ref.SectionType.String(),
		SectionKey:      write.Ref.SectionKey.String(),
		ContentJSON:     write.Content.String(),
		Version:         1,
		LastSavedAtMsec: millis(savedAt),
	}
	create := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if create.Error != nil {
		return false, create.Error
	}
	return create.RowsAffected == 1, nil
}

func loadConflict(tx *gorm.DB, write Write) error {
	conflict := &ConflictError{}
	if write.Precondition == PreconditionVersion {
		expected := write.ExpectedVersion
		conflict.ExpectedVersion = &expected
	}
	var current SectionRecord
	err := tx.Where(querySection,
		write.Ref.OwnerID.String(), write.Ref.SectionType.String(), write.Ref.SectionKey.String()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conflict
	}
	if err != nil {
		return err
	}
	conflict.CurrentVersion = current.Version
	conflict.CurrentContent = Content(current.ContentJSON)
	return conflict
}

// History returns retained entries newest first.
func (s *GormStore) History(ctx context.Context, ref SectionRef, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	var entries []HistoryEntry
	err := s.db.WithContext(ctx).
		Where(querySection, ref.OwnerID.String(), ref.SectionType.String(), ref.SectionKey.String()).
		Order(orderVersionDesc).
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, unavailable(err)
	}
	return entries, nil
}

// HistoryAt loads the retained entry for one version.
func (s *GormStore) HistoryAt(ctx context.Context, ref SectionRef, version int64) (HistoryEntry, error) {
	var entry HistoryEntry
	err := s.db.WithContext(ctx).
		Where(querySectionVersion, ref.OwnerID.String(), ref.SectionType.String(), ref.SectionKey.String(), version).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return HistoryEntry{}, ErrNotFound
	}
	if err != nil {
		return HistoryEntry{}, unavailable(err)
	}
	return entry, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
