package cache

import (
	"conductor/log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()
	code := m.Run()
	os.Exit(code)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestStoreHitAndRepeatedReads(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "input.md", "hello")

	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{file})

	// Identical repeated reads stay valid.
	for i := 0; i < 3; i++ {
		payload, ok := store.Get("task-1", []string{file})
		require.True(t, ok)
		assert.Equal(t, "result", payload)
	}
}

func TestStoreMissOnUnknownKey(t *testing.T) {
	store := NewStore(StoreConfig{})
	_, ok := store.Get("nope", nil)
	assert.False(t, ok)
}

func TestStoreInvalidatesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "input.md", "hello")

	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{file})

	// Bump the mtime without rewriting content.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(file, future, future))

	_, ok := store.Get("task-1", []string{file})
	assert.False(t, ok)
	// Lazy deletion removed the entry.
	assert.Equal(t, 0, store.Len())
}

func TestStoreInvalidatesOnFileRemoval(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "input.md", "hello")

	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{file})

	require.NoError(t, os.Remove(file))

	_, ok := store.Get("task-1", []string{file})
	assert.False(t, ok)
}

func TestStoreInvalidatesOnTTLExpiry(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.SetWithTTL("task-1", "result", nil, 20*time.Millisecond)

	_, ok := store.Get("task-1", nil)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = store.Get("task-1", nil)
	assert.False(t, ok)
}

func TestStoreSupersetCheck(t *testing.T) {
	dir := t.TempDir()
	fileA := writeFile(t, dir, "a.md", "a")
	fileB := writeFile(t, dir, "b.md", "b")

	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{fileA})

	// Reading with the recorded set is a hit.
	_, ok := store.Get("task-1", []string{fileA})
	require.True(t, ok)

	// A new tracked file absent from the recorded set invalidates.
	_, ok = store.Get("task-1", []string{fileA, fileB})
	assert.False(t, ok)
}

func TestStoreSkipsWriteForMissingFile(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{"/does/not/exist"})

	assert.Equal(t, 0, store.Len())
}

func TestStoreInvalidateOperations(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.Set("prefetch:1.1", "a", nil)
	store.Set("prefetch:1.2", "b", nil)
	store.Set("other", "c", nil)

	assert.True(t, store.Invalidate("other"))
	assert.False(t, store.Invalidate("other"))

	assert.Equal(t, 2, store.InvalidatePrefix("prefetch:"))
	assert.Equal(t, 0, store.Len())

	store.Set("x", 1, nil)
	store.Set("y", 2, nil)
	assert.Equal(t, 2, store.InvalidateAll())
}

func TestStoreSweep(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.SetWithTTL("expired", "a", nil, 10*time.Millisecond)
	store.Set("fresh", "b", nil)

	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "input.md", "hello")
	statePath := filepath.Join(dir, "cache.json")

	store := NewStore(StoreConfig{PersistencePath: statePath})
	store.Set("task-1", "result", []string{file})

	reloaded := NewStore(StoreConfig{PersistencePath: statePath})
	payload, ok := reloaded.Get("task-1", []string{file})
	require.True(t, ok)
	assert.Equal(t, "result", payload)
}

func TestStorePersistenceCorruptFile(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "cache.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0644))

	// Corruption is absorbed: the store starts empty.
	store := NewStore(StoreConfig{PersistencePath: statePath})
	assert.Equal(t, 0, store.Len())
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "input.md", "hello")

	store := NewStore(StoreConfig{})
	store.Set("task-1", "result", []string{file})

	watcher, err := NewWatcher(store)
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(file, []byte("changed"), 0644))

	// The event is delivered asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, store.Len())
}
