package cache

import (
	"conductor/log"
	"encoding/json"
	"os"
	"path/filepath"
)

// persist saves the current entries to disk. Persistence failures are logged
// and absorbed; the in-memory store stays authoritative.
func (s *Store) persist() {
	if s.persistPath == "" {
		return
	}

	s.mu.RLock()
	state := struct {
		Entries map[string]*Entry `json:"entries"`
	}{Entries: s.entries}
	data, err := json.MarshalIndent(state, "", "  ")
	s.mu.RUnlock()

	if err != nil {
		log.WarningLog.Printf("failed to marshal cache state: %v", err)
		return
	}

	dir := filepath.Dir(s.persistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WarningLog.Printf("failed to create cache directory: %v", err)
		return
	}

	// Write to a temp file first so a crash mid-write never corrupts the store.
	tmp := s.persistPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.WarningLog.Printf("failed to write cache state: %v", err)
		return
	}
	if err := os.Rename(tmp, s.persistPath); err != nil {
		log.WarningLog.Printf("failed to replace cache state: %v", err)
	}
}

// loadState restores entries from disk. A missing file is not an error; a
// corrupt file is discarded and the store starts empty (cache corruption is
// never fatal, it just means misses).
func (s *Store) loadState() error {
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	state := struct {
		Entries map[string]*Entry `json:"entries"`
	}{}

	if err := json.Unmarshal(data, &state); err != nil {
		log.WarningLog.Printf("discarding corrupt cache state: %v", err)
		return nil
	}

	s.mu.Lock()
	for key, entry := range state.Entries {
		if entry == nil || entry.Version != EntryVersion {
			continue
		}
		s.entries[key] = entry
	}
	s.mu.Unlock()

	return nil
}
