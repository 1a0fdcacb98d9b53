package dconfig

import (
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/dsg-config/dconfigd/lib/store"
)

// InterappConfig is the shared-scope file of one name and subpath plus the
// per-user caches of it. Shared resources and application fallbacks borrow
// from it; only the manager creates or drops it.
type InterappConfig struct {
	file   *store.File
	caches map[uint32]*store.Cache
}

func (c *InterappConfig) File() *store.File {
	return c.file
}

func (c *InterappConfig) Cache(uid uint32) *store.Cache {
	return c.caches[uid]
}

func (c *InterappConfig) addCache(uid uint32, cache *store.Cache) {
	c.caches[uid] = cache
}

func (c *InterappConfig) uids() []uint32 {
	out := make([]uint32, 0, len(c.caches))
	for uid := range c.caches {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// removeCache saves and drops the cache of uid.
func (c *InterappConfig) removeCache(uid uint32) error {
	cache := c.caches[uid]
	if cache == nil {
		return nil
	}
	delete(c.caches, uid)
	return cache.Save()
}

func (c *InterappConfig) save() error {
	var result *multierror.Error
	for _, uid := range c.uids() {
		if err := c.caches[uid].Save(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.file.Save(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// interappManager owns every InterappConfig, keyed by shared resource key.
type interappManager struct {
	configs map[ResourceKey]*InterappConfig
}

func newInterappManager() *interappManager {
	return &interappManager{configs: make(map[ResourceKey]*InterappConfig)}
}

func (m *interappManager) config(key ResourceKey) *InterappConfig {
	return m.configs[key.Shared()]
}

func (m *interappManager) createConfig(key ResourceKey, file *store.File) *InterappConfig {
	c := &InterappConfig{file: file, caches: make(map[uint32]*store.Cache)}
	m.configs[key.Shared()] = c
	return c
}

// removeConfig saves and drops the config of key.
func (m *interappManager) removeConfig(key ResourceKey) error {
	c := m.configs[key.Shared()]
	if c == nil {
		return nil
	}
	delete(m.configs, key.Shared())
	return c.save()
}

func (m *interappManager) keys() []ResourceKey {
	out := make([]ResourceKey, 0, len(m.configs))
	for k := range m.configs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
