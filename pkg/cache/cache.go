// Package cache provides a size-bounded content cache for remote objects.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	osfs "github.com/hack-pad/hackpadfs/os"

	"github.com/fruitsalade/cellbridge/pkg/models"
)

// Cache keeps fetched object content in a hackpadfs filesystem, evicting the
// least recently used unpinned entries when maxSize would be exceeded.
type Cache struct {
	fs      hackpadfs.FS
	maxSize int64 // Maximum cache size in bytes

	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	size    int64
}

// New creates a cache on top of fsys. The filesystem must support writes.
func New(fsys hackpadfs.FS, maxSize int64) *Cache {
	return &Cache{
		fs:      fsys,
		maxSize: maxSize,
		entries: make(map[string]*models.CacheEntry),
	}
}

// NewDir creates a cache persisted under dir on the host filesystem.
func NewDir(dir string, maxSize int64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	p, err := toFSPath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	sub, err := osfs.NewFS().Sub(p)
	if err != nil {
		return nil, fmt.Errorf("open cache dir: %w", err)
	}
	return New(sub, maxSize), nil
}

// NewMemory creates a cache that lives in memory only.
func NewMemory(maxSize int64) (*Cache, error) {
	fsys, err := mem.NewFS()
	if err != nil {
		return nil, fmt.Errorf("create memory fs: %w", err)
	}
	return New(fsys, maxSize), nil
}

// toFSPath converts an OS path into the unrooted form io/fs style
// filesystems expect.
func toFSPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	p := strings.TrimLeft(filepath.ToSlash(abs), "/")
	if p == "" {
		return ".", nil
	}
	return p, nil
}

func blobName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Put stores content under key, replacing any previous content.
// Content is written atomically (temp file then rename).
func (c *Cache) Put(key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read content: %w", err)
	}
	size := int64(len(data))

	c.mu.Lock()
	defer c.mu.Unlock()

	pins := 0
	if old, ok := c.entries[key]; ok {
		pins = old.Pins
		c.size -= old.Size
		delete(c.entries, key)
	}
	for c.size+size > c.maxSize {
		if !c.evictOldest() {
			break
		}
	}

	name := blobName(key)
	tempName := name + ".tmp"
	if err := hackpadfs.WriteFullFile(c.fs, tempName, data, 0644); err != nil {
		return 0, fmt.Errorf("write content: %w", err)
	}
	if err := hackpadfs.Rename(c.fs, tempName, name); err != nil {
		_ = hackpadfs.Remove(c.fs, tempName)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	c.entries[key] = &models.CacheEntry{
		Key:        key,
		LocalPath:  name,
		Size:       size,
		LastAccess: time.Now(),
		Pins:       pins,
	}
	c.size += size
	return size, nil
}

// Bytes returns the cached content for key.
func (c *Cache) Bytes(key string) ([]byte, bool, error) {
	entry, ok := c.touch(key)
	if !ok {
		return nil, false, nil
	}
	data, err := hackpadfs.ReadFile(c.fs, entry.LocalPath)
	if err != nil {
		return nil, true, fmt.Errorf("read cached %s: %w", key, err)
	}
	return data, true, nil
}

// ReadAt reads len(p) bytes of the cached content for key starting at off.
// It returns io.EOF when fewer bytes are available.
func (c *Cache) ReadAt(key string, p []byte, off int64) (int, error) {
	entry, ok := c.touch(key)
	if !ok {
		return 0, fmt.Errorf("not cached: %s", key)
	}
	if off >= entry.Size {
		return 0, io.EOF
	}
	f, err := c.fs.Open(entry.LocalPath)
	if err != nil {
		return 0, fmt.Errorf("open cached %s: %w", key, err)
	}
	defer f.Close()
	return hackpadfs.ReadAtFile(f, p, off)
}

func (c *Cache) touch(key string) (*models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry.LastAccess = time.Now()
	cp := *entry
	return &cp, true
}

// Forget removes key even when pinned. Used when the origin object is gone.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.drop(key, entry)
	}
}

// must be called with lock held
func (c *Cache) drop(key string, entry *models.CacheEntry) {
	_ = hackpadfs.Remove(c.fs, entry.LocalPath)
	c.size -= entry.Size
	delete(c.entries, key)
}

// Pin keeps key from being evicted until a matching Unpin. Pins nest.
func (c *Cache) Pin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("not cached: %s", key)
	}
	entry.Pins++
	return nil
}

// Unpin releases one Pin of key.
func (c *Cache) Unpin(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("not cached: %s", key)
	}
	if entry.Pins > 0 {
		entry.Pins--
	}
	return nil
}

// evictOldest removes the least recently used unpinned entry.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *models.CacheEntry
	var oldestKey string

	for key, entry := range c.entries {
		if entry.Pins > 0 {
			continue
		}
		if oldest == nil || entry.LastAccess.Before(oldest.LastAccess) {
			oldest = entry
			oldestKey = key
		}
	}
	if oldest == nil {
		return false
	}
	c.drop(oldestKey, oldest)
	return true
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.entries)
}

// IsCached returns true if key is cached.
func (c *Cache) IsCached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}
