package sections

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("entry-%04d", p.next), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&SectionRecord{}, &HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, historyLimit int) *GormStore {
	t.Helper()
	current := time.Unix(1700000000, 0).UTC()
	var clockMu sync.Mutex
	store, err := NewGormStore(GormStoreConfig{
		Database:   newTestDatabase(t),
		IDProvider: &sequenceIDProvider{},
		Clock: func() time.Time {
			clockMu.Lock()
			defer clockMu.Unlock()
			current = current.Add(time.Second)
			return current
		},
		HistoryLimit: historyLimit,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustRef(t *testing.T, owner, sectionType, key string) SectionRef {
	t.Helper()
	ref, err := NewSectionRef(owner, sectionType, key)
	if err != nil {
		t.Fatalf("unexpected section ref error: %v", err)
	}
	return ref
}

func mustContent(t *testing.T, raw string) Content {
	t.Helper()
	content, err := NewContent([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func versionPtr(value int64) *int64 {
	return &value
}
