package store

import (
	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// File is one loaded configuration: its meta with overrides applied and the
// global cache shared by every user.
type File struct {
	store  *Store
	id     ConfigureID
	meta   *Meta
	global *Cache
}

// NewFile prepares a File for id. Nothing is read until Load.
func (s *Store) NewFile(id ConfigureID) *File {
	id.Subpath = cleanSubpath(id.Subpath)
	return &File{
		store:  s,
		id:     id,
		global: newCache(s.cacheRoot(), s.globalCachePath(id), 0, true),
	}
}

func (f *File) ID() ConfigureID {
	return f.id
}

// Meta returns the loaded meta, or nil before Load.
func (f *File) Meta() *Meta {
	return f.meta
}

func (f *File) GlobalCache() *Cache {
	return f.global
}

// Load reads the meta file, its overrides and the global cache.
func (f *File) Load() error {
	meta, err := f.store.loadMeta(f.id)
	if err != nil {
		return err
	}
	if err := f.global.Load(); err != nil {
		return err
	}
	f.meta = meta
	log.WithFields(logger.Fields{
		"at":      "(File).Load",
		"id":      f.id.String(),
		"meta":    meta.Path(),
		"version": meta.Version(),
		"keys":    len(meta.keys),
	}).Debug("loaded_file")
	return nil
}

// Reload returns a new File with freshly read meta that shares the global
// cache of f. f itself is left untouched so callers can compare both.
func (f *File) Reload() (*File, error) {
	meta, err := f.store.loadMeta(f.id)
	if err != nil {
		return nil, err
	}
	return &File{store: f.store, id: f.id, meta: meta, global: f.global}, nil
}

// NewUserCache returns an unloaded cache for uid.
func (f *File) NewUserCache(uid uint32) *Cache {
	return newCache(f.store.cacheRoot(), f.store.userCachePath(f.id, uid), uid, false)
}

func (f *File) cacheFor(item *Item, uc *Cache) *Cache {
	if item.Flags.Has(FlagGlobal) {
		return f.global
	}
	return uc
}

// CacheValue returns the cached value of key when one is in effect: the key is
// read-write and the value was written under the current serial.
func (f *File) CacheValue(key string, uc *Cache) (any, bool) {
	if f.meta == nil {
		return nil, false
	}
	item := f.meta.Item(key)
	if item == nil || item.Permission == ReadOnly {
		return nil, false
	}
	c := f.cacheFor(item, uc)
	if c == nil {
		return nil, false
	}
	v, serial, ok := c.Get(key)
	if !ok || serial != item.Serial {
		return nil, false
	}
	return v, true
}

// Value is the merged value of key as seen through uc.
func (f *File) Value(key string, uc *Cache) any {
	if v, ok := f.CacheValue(key, uc); ok {
		return v
	}
	if f.meta == nil {
		return nil
	}
	if item := f.meta.Item(key); item != nil {
		return item.Value
	}
	return nil
}

func (f *File) writableItem(key string) (*Item, error) {
	if f.meta == nil {
		return nil, oops.Wrapf(ErrUnknownKey, "%s: not loaded", f.id)
	}
	item := f.meta.Item(key)
	if item == nil {
		return nil, oops.Wrapf(ErrUnknownKey, "%s: %q", f.id, key)
	}
	if item.Permission == ReadOnly {
		return nil, oops.Wrapf(ErrPermissionDenied, "%s: %q", f.id, key)
	}
	return item, nil
}

// SetValue writes value for key into the cache that owns it and reports
// whether the merged value changed.
func (f *File) SetValue(key string, value any, uc *Cache, user uint32) (bool, error) {
	item, err := f.writableItem(key)
	if err != nil {
		return false, err
	}
	norm, err := Normalize(value)
	if err != nil {
		return false, oops.Wrapf(err, "%s: %q: unsupported value", f.id, key)
	}
	c := f.cacheFor(item, uc)
	if c == nil {
		return false, oops.Errorf("%s: %q: no user cache", f.id, key)
	}
	old := f.Value(key, uc)
	c.Set(key, norm, item.Serial, user)
	return !Equal(old, norm), nil
}

// Reset drops the cached value of key and reports whether the merged value
// changed.
func (f *File) Reset(key string, uc *Cache) (bool, error) {
	item, err := f.writableItem(key)
	if err != nil {
		return false, err
	}
	c := f.cacheFor(item, uc)
	if c == nil {
		return false, nil
	}
	old := f.Value(key, uc)
	c.Remove(key)
	return !Equal(old, f.Value(key, uc)), nil
}

// IsDefaultValue reports whether key is served from the meta value.
func (f *File) IsDefaultValue(key string, uc *Cache) bool {
	_, cached := f.CacheValue(key, uc)
	return !cached
}

// Save persists the global cache.
func (f *File) Save() error {
	return f.global.Save()
}
