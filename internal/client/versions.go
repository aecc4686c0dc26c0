package client

import "sync"

// VersionTable records the last version known for each section. The save queue and the
// subscriber share one table so acknowledged saves and applied remote updates agree.
type VersionTable struct {
	mu       sync.RWMutex
	versions map[SectionID]int64
}

func NewVersionTable() *VersionTable {
	return &VersionTable{versions: make(map[SectionID]int64)}
}

// Get returns the known version, zero when the section has never been seen.
func (t *VersionTable) Get(id SectionID) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.versions[id]
}

// Advance records version if it is newer than the known one and reports whether it was.
func (t *VersionTable) Advance(id SectionID, version int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version <= t.versions[id] {
		return false
	}
	t.versions[id] = version
	return true
}

// Set overwrites the known version. Conflict resolution uses it to adopt the server's version.
func (t *VersionTable) Set(id SectionID, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version <= 0 {
		delete(t.versions, id)
		return
	}
	t.versions[id] = version
}

func (t *VersionTable) expected(id SectionID) *int64 {
	version := t.Get(id)
	if version <= 0 {
		return nil
	}
	return &version
}
