package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPresenceTimeout is the inactivity threshold after which an editing session is reaped.
const DefaultPresenceTimeout = 5 * time.Minute

var errMissingPresenceDatabase = errors.New("presence database handle is required")

// EditingSession is a liveness signal for one connection on one section. It never carries
// authority over content.
type EditingSession struct {
	OwnerID        string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	SectionKey     string `gorm:"column:section_key;primaryKey;size:190;not null"`
	ConnectionID   string `gorm:"column:connection_id;primaryKey;size:64;not null;index"`
	SectionType    string `gorm:"column:section_type;size:190;not null"`
	LastActivityMs int64  `gorm:"column:last_activity_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (EditingSession) TableName() string {
	return "editing_sessions"
}

type PresenceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Presence persists editing sessions.
type Presence struct {
	db      *gorm.DB
	clock   func() time.Time
	timeout time.Duration
	logger  *zap.Logger
}

func NewPresence(cfg PresenceConfig) (*Presence, error) {
	if cfg.Database == nil {
		return nil, errMissingPresenceDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultPresenceTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{db: cfg.Database, clock: clock, timeout: timeout, logger: logger}, nil
}

// Join creates or refreshes the session for the connection on the topic.
func (p *Presence) Join(ctx context.Context, topic Topic, connectionID string) error {
	session := EditingSession{
		OwnerID:        topic.OwnerID,
		SectionKey:     topic.SectionKey,
		ConnectionID:   connectionID,
		SectionType:    topic.SectionType,
		LastActivityMs: p.clock().UTC().UnixMilli(),
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "section_key"}, {Name: "connection_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"section_type", "last_activity_ms"}),
		}).
		Create(&session).Error
}

// Touch refreshes every session held by the connection.
func (p *Presence) Touch(ctx context.Context, ownerID, connectionID string) error {
	return p.db.WithContext(ctx).
		Model(&EditingSession{}).
		Where("owner_id = ? AND connection_id = ?", ownerID, connectionID).
		Update("last_activity_ms", p.clock().UTC().UnixMilli()).Error
}

// Leave deletes the connection's session on the topic.
func (p *Presence) Leave(ctx context.Context, topic Topic, connectionID string) error {
	return p.db.WithContext(ctx).
		Where("owner_id = ? AND section_key = ? AND connection_id = ?", topic.OwnerID, topic.SectionKey, connectionID).
		Delete(&EditingSession{}).Error
}

// LeaveAll deletes every session held by the connection.
func (p *Presence) LeaveAll(ctx context.Context, ownerID, connectionID string) error {
	return p.db.WithContext(ctx).
		Where("owner_id = ? AND connection_id = ?", ownerID, connectionID).
		Delete(&EditingSession{}).Error
}

// Active lists sessions on the section whose last activity is within the timeout.
func (p *Presence) Active(ctx context.Context, ownerID, sectionKey string) ([]EditingSession, error) {
	var sessions []EditingSession
	err := p.db.WithContext(ctx).
		Where("owner_id = ? AND section_key = ? AND last_activity_ms >= ?", ownerID, sectionKey, p.cutoff()).
		Order("connection_id ASC").
		Find(&sessions).Error
	return sessions, err
}

// Sweep deletes sessions idle for longer than the timeout and returns how many were removed.
func (p *Presence) Sweep(ctx context.Context) (int64, error) {
	result := p.db.WithContext(ctx).
		Where("last_activity_ms < ?", p.cutoff()).
		Delete(&EditingSession{})
	return result.RowsAffected, result.Error
}

func (p *Presence) cutoff() int64 {
	return p.clock().UTC().Add(-p.timeout).UnixMilli()
}

// RunSweeper reaps idle sessions every interval until ctx is cancelled.
func (p *Presence) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := p.Sweep(ctx)
			if err != nil {
				p.logger.Warn("presence sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				p.logger.Debug("presence sweep reaped sessions", zap.Int64("removed", removed))
			}
		}
	}
}
