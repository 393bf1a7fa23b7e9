package cache

import (
	"conductor/log"
	"os"
	"strings"
	"sync"
	"time"
)

// EntryVersion is the schema tag stored on every entry. Entries written by an
// older schema are treated as misses and deleted on lookup.
const EntryVersion = "1"

// Entry is a single cached result. An entry is valid only while its TTL has
// not expired and every tracked file still exists with an unchanged mtime.
type Entry struct {
	Key        string               `json:"key"`
	CreatedAt  time.Time            `json:"created_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
	FileMtimes map[string]time.Time `json:"file_mtimes"`
	Version    string               `json:"version"`
	Payload    interface{}          `json:"payload"`
}

// StoreConfig holds configuration for the cache store
type StoreConfig struct {
	// TTL is the default lifetime for entries (default: 30 minutes).
	TTL time.Duration
	// PersistencePath, if set, is a JSON file the store is loaded from and
	// saved to. A corrupt or unreadable file is treated as an empty store.
	PersistencePath string
}

// Store is a content-addressed key/value store with TTL and source-file
// modification-time validation. It may be shared across pool instances;
// writes are atomic per key.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	ttl         time.Duration
	persistPath string
}

// NewStore creates a new cache store with the given configuration.
func NewStore(config StoreConfig) *Store {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Minute
	}

	s := &Store{
		entries:     make(map[string]*Entry),
		ttl:         config.TTL,
		persistPath: config.PersistencePath,
	}

	if config.PersistencePath != "" {
		if err := s.loadState(); err != nil {
			log.WarningLog.Printf("failed to load cache state: %v", err)
		}
	}

	return s
}

// Get returns the payload for key if a valid entry exists. The files slice is
// the current set of tracked source files; an entry recorded without one of
// them is stale (a file added since the write invalidates the entry). Invalid
// entries are deleted lazily.
func (s *Store) Get(key string, files []string) (interface{}, bool) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if !s.validate(entry, files) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		log.DebugLog.Printf("cache entry %s invalidated on lookup", key)
		return nil, false
	}

	return entry.Payload, true
}

// Set stores payload under key, recording the current mtime of every tracked
// file. It uses the store's default TTL.
func (s *Store) Set(key string, payload interface{}, files []string) {
	s.SetWithTTL(key, payload, files, s.ttl)
}

// SetWithTTL stores payload under key with an explicit TTL.
func (s *Store) SetWithTTL(key string, payload interface{}, files []string, ttl time.Duration) {
	now := time.Now()
	entry := &Entry{
		Key:        key,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		FileMtimes: make(map[string]time.Time, len(files)),
		Version:    EntryVersion,
		Payload:    payload,
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			// A tracked file we cannot stat would never validate; skip the write.
			log.DebugLog.Printf("cache set %s skipped: stat %s: %v", key, path, err)
			return
		}
		entry.FileMtimes[path] = info.ModTime()
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	s.persist()
}

// Invalidate removes the entry for key. It returns true if an entry existed.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	if existed {
		s.persist()
	}
	return existed
}

// InvalidatePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (s *Store) InvalidatePrefix(prefix string) int {
	s.mu.Lock()
	count := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			count++
		}
	}
	s.mu.Unlock()

	if count > 0 {
		s.persist()
	}
	return count
}

// InvalidateAll removes every entry and returns the number removed.
func (s *Store) InvalidateAll() int {
	s.mu.Lock()
	count := len(s.entries)
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	if count > 0 {
		s.persist()
	}
	return count
}

// InvalidateFile removes every entry tracking the given file path and returns
// the number removed. Used by the file watcher for eager invalidation.
func (s *Store) InvalidateFile(path string) int {
	s.mu.Lock()
	count := 0
	for key, entry := range s.entries {
		if _, tracked := entry.FileMtimes[path]; tracked {
			delete(s.entries, key)
			count++
		}
	}
	s.mu.Unlock()

	if count > 0 {
		s.persist()
	}
	return count
}

// Sweep eagerly removes every entry that no longer validates, returning the
// number removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	count := 0
	for key, entry := range s.entries {
		if !s.validate(entry, nil) {
			delete(s.entries, key)
			count++
		}
	}
	s.mu.Unlock()

	if count > 0 {
		s.persist()
	}
	return count
}

// Len returns the number of entries currently stored, valid or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// TrackedFiles returns every file path tracked by at least one entry.
func (s *Store) TrackedFiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var paths []string
	for _, entry := range s.entries {
		for path := range entry.FileMtimes {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}
	return paths
}

// validate reports whether entry is still fresh: schema version matches, the
// TTL has not expired, every recorded file exists with an unchanged mtime,
// and every file in the current request was present at write time.
func (s *Store) validate(entry *Entry, files []string) bool {
	if entry.Version != EntryVersion {
		return false
	}
	if !time.Now().Before(entry.ExpiresAt) {
		return false
	}

	for path, recorded := range entry.FileMtimes {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		if !info.ModTime().Equal(recorded) {
			return false
		}
	}

	// Superset check: a file tracked now but absent from the recorded set
	// means the inputs grew since the write.
	for _, path := range files {
		if _, ok := entry.FileMtimes[path]; !ok {
			return false
		}
	}

	return true
}
