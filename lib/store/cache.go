package store

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

const cacheVersion = "1.0"

type cacheEntry struct {
	Value  any    `json:"value"`
	Serial int    `json:"serial"`
	Time   string `json:"time,omitempty"`
	User   uint32 `json:"user"`
}

type cacheDocument struct {
	Magic    string                `json:"magic"`
	Version  string                `json:"version"`
	Contents map[string]cacheEntry `json:"contents"`
}

// Cache holds the values written for one configuration, either for one user
// or, when global, for every user at once.
type Cache struct {
	root    string
	path    string
	uid     uint32
	global  bool
	entries map[string]cacheEntry
	dirty   bool
}

func newCache(root, path string, uid uint32, global bool) *Cache {
	return &Cache{
		root:    root,
		path:    path,
		uid:     uid,
		global:  global,
		entries: make(map[string]cacheEntry),
	}
}

// checkPath refuses a cache file that resolves outside the cache directory.
func (c *Cache) checkPath() error {
	if _, ok := within(c.root, c.path); !ok {
		return oops.Wrapf(ErrInvalidPath, "cache %s is outside %s", c.path, c.root)
	}
	return nil
}

func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) UID() uint32 {
	return c.uid
}

func (c *Cache) IsGlobal() bool {
	return c.global
}

func (c *Cache) Dirty() bool {
	return c.dirty
}

// Load replaces the in-memory entries with the file content. A missing file
// leaves the cache empty.
func (c *Cache) Load() error {
	if err := c.checkPath(); err != nil {
		return err
	}
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.entries = make(map[string]cacheEntry)
		c.dirty = false
		return nil
	}
	if err != nil {
		return oops.Wrapf(err, "failed to read cache %s", c.path)
	}
	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return oops.Wrapf(ErrInvalidCache, "%s: %v", c.path, err)
	}
	if doc.Magic != CacheMagic {
		return oops.Wrapf(ErrInvalidCache, "%s: magic %q", c.path, doc.Magic)
	}
	if doc.Contents == nil {
		doc.Contents = make(map[string]cacheEntry)
	}
	c.entries = doc.Contents
	c.dirty = false
	return nil
}

// Save writes the cache when it has unsaved changes. The file is replaced
// atomically.
func (c *Cache) Save() error {
	if !c.dirty {
		return nil
	}
	if err := c.checkPath(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cacheDocument{
		Magic:    CacheMagic,
		Version:  cacheVersion,
		Contents: c.entries,
	}, "", "    ")
	if err != nil {
		return oops.Wrapf(err, "failed to encode cache %s", c.path)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return oops.Wrapf(err, "failed to create cache dir for %s", c.path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*")
	if err != nil {
		return oops.Wrapf(err, "failed to create temp file for %s", c.path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return oops.Wrapf(err, "failed to write cache %s", c.path)
	}
	if err := tmp.Close(); err != nil {
		return oops.Wrapf(err, "failed to write cache %s", c.path)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return oops.Wrapf(err, "failed to chmod cache %s", c.path)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		return oops.Wrapf(err, "failed to replace cache %s", c.path)
	}
	c.dirty = false
	log.WithFields(logger.Fields{
		"at":     "(Cache).Save",
		"path":   c.path,
		"uid":    c.uid,
		"global": c.global,
		"keys":   len(c.entries),
	}).Debug("cache_saved")
	return nil
}

// Get returns the cached value and the serial it was written under.
func (c *Cache) Get(key string) (any, int, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, 0, false
	}
	return e.Value, e.Serial, true
}

// Set stores value for key. It reports false when the stored value and
// serial were already the same.
func (c *Cache) Set(key string, value any, serial int, user uint32) bool {
	if e, ok := c.entries[key]; ok && e.Serial == serial && Equal(e.Value, value) {
		return false
	}
	c.entries[key] = cacheEntry{
		Value:  value,
		Serial: serial,
		Time:   time.Now().UTC().Format(time.RFC3339),
		User:   user,
	}
	c.dirty = true
	return true
}

// Remove drops key and reports whether it was present.
func (c *Cache) Remove(key string) bool {
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.dirty = true
	return true
}

// Keys returns the cached keys sorted.
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
