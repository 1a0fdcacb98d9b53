package dconfig

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// Resource is the single in-memory instance of one configuration file in
// one scope. It owns the user caches and connections of that file, except
// for shared resources whose file and caches belong to the interapp manager.
type Resource struct {
	key    ResourceKey
	srv    *Server
	file   *store.File
	conns  map[uint32]*Connection
	caches map[uint32]*store.Cache
}

func newResource(srv *Server, key ResourceKey) *Resource {
	return &Resource{
		key:    key,
		srv:    srv,
		conns:  make(map[uint32]*Connection),
		caches: make(map[uint32]*store.Cache),
	}
}

func (r *Resource) Key() ResourceKey {
	return r.key
}

func (r *Resource) File() *store.File {
	return r.file
}

func (r *Resource) uids() []uint32 {
	out := make([]uint32, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Resource) conn(uid uint32) *Connection {
	return r.conns[uid]
}

func connErr(cause, err error, key ConnectionKey) error {
	return fmt.Errorf("%w: %s: %w: %w", ErrConnectionCreate, key, cause, err)
}

// load reads the meta file. A shared resource reuses the file the interapp
// manager already holds.
func (r *Resource) load() error {
	if r.file != nil {
		return nil
	}
	if r.key.IsShared() {
		if ic := r.srv.interapp.config(r.key); ic != nil {
			r.file = ic.file
			return nil
		}
	}
	f := r.srv.store.NewFile(r.key.ConfigureID())
	if err := f.Load(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaLoad, r.key, err)
	}
	r.file = f
	return nil
}

// getOrCreateConnection returns the connection of uid, creating it when
// needed. The connection is published on the transport last, so a failure
// leaves the resource unchanged.
func (r *Resource) getOrCreateConnection(uid uint32) (*Connection, error) {
	if c := r.conns[uid]; c != nil {
		return c, nil
	}
	ck := ConnectionKey{Resource: r.key, UID: uid}

	var ic *InterappConfig
	var cache *store.Cache
	if r.key.IsShared() {
		ic = r.srv.interapp.config(r.key)
		if ic == nil {
			ic = r.srv.interapp.createConfig(r.key, r.file)
		} else if ic.file != r.file && len(r.conns) == 0 {
			r.file = ic.file
		}
		cache = ic.Cache(uid)
	}
	created := cache == nil
	if created {
		cache = r.file.NewUserCache(uid)
		if err := cache.Load(); err != nil {
			return nil, connErr(ErrCacheLoad, err, ck)
		}
	}

	conn := &Connection{key: ck, resource: r, file: r.file, cache: cache}
	if !r.key.IsShared() {
		if err := r.attachFallback(conn); err != nil {
			return nil, err
		}
	}
	if err := r.srv.transport.RegisterConnection(conn); err != nil {
		return nil, connErr(ErrEndpointRegistration, err, ck)
	}

	if ic != nil && created {
		ic.addCache(uid, cache)
	}
	r.caches[uid] = cache
	r.conns[uid] = conn
	log.WithFields(logger.Fields{
		"at":       "(Resource).getOrCreateConnection",
		"conn":     conn.Path(),
		"fallback": conn.fallback != nil,
	}).Info("created_connection")
	return conn, nil
}

// attachFallback links an application connection to the shared config of
// the same file, when a shared meta file exists.
func (r *Resource) attachFallback(conn *Connection) error {
	shared := r.key.Shared()
	if r.srv.store.MetaPath(shared.ConfigureID()) == "" {
		return nil
	}
	ic := r.srv.interapp.config(shared)
	if ic == nil {
		f := r.srv.store.NewFile(shared.ConfigureID())
		if err := f.Load(); err != nil {
			return connErr(ErrSchemaLoad, err, conn.key)
		}
		ic = r.srv.interapp.createConfig(shared, f)
	}
	if ic.Cache(conn.UID()) == nil {
		cache := ic.file.NewUserCache(conn.UID())
		if err := cache.Load(); err != nil {
			return connErr(ErrCacheLoad, err, conn.key)
		}
		ic.addCache(conn.UID(), cache)
	}
	conn.fallback = ic
	return nil
}

// removeConn saves the cache of uid and withdraws its connection.
func (r *Resource) removeConn(uid uint32) {
	conn := r.conns[uid]
	if conn == nil {
		return
	}
	delete(r.conns, uid)
	conn.closed = true
	r.srv.transport.UnregisterConnection(conn)

	cache := r.caches[uid]
	delete(r.caches, uid)
	if cache != nil {
		if err := cache.Save(); err != nil {
			log.WithError(err).WithField("conn", conn.Path()).Error("save_cache_failed")
		}
	}
	log.WithFields(logger.Fields{
		"at":   "(Resource).removeConn",
		"conn": conn.Path(),
	}).Info("removed_connection")
}

// save persists every live cache and the global cache.
func (r *Resource) save() error {
	var result *multierror.Error
	for _, uid := range r.uids() {
		if err := r.caches[uid].Save(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %w", ErrCacheSave, err))
		}
	}
	if err := r.file.Save(); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %w", ErrCacheSave, err))
	}
	return result.ErrorOrNil()
}

// userCache finds the cache of uid, including fallback-only caches of a
// shared resource.
func (r *Resource) userCache(uid uint32) *store.Cache {
	if c := r.caches[uid]; c != nil {
		return c
	}
	if r.key.IsShared() {
		if ic := r.srv.interapp.config(r.key); ic != nil {
			return ic.Cache(uid)
		}
	}
	return nil
}

func (r *Resource) doSyncConfigCache(key SyncKey) error {
	if key.Global {
		if err := r.file.Save(); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheSave, err)
		}
		return nil
	}
	cache := r.userCache(key.UID)
	if cache == nil {
		log.WithFields(logger.Fields{
			"at":  "(Resource).doSyncConfigCache",
			"key": r.key.String(),
			"uid": key.UID,
		}).Debug("sync_cache_gone")
		return nil
	}
	if err := cache.Save(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheSave, err)
	}
	return nil
}

// liveCaches lists the user caches reparse has to repair, sorted by uid. A
// shared resource also covers caches kept only for application fallbacks.
func (r *Resource) liveCaches() []*store.Cache {
	set := make(map[uint32]*store.Cache, len(r.caches))
	for uid, c := range r.caches {
		set[uid] = c
	}
	if r.key.IsShared() {
		if ic := r.srv.interapp.config(r.key); ic != nil {
			for uid, c := range ic.caches {
				set[uid] = c
			}
		}
	}
	return sortedCaches(set)
}

func sortedCaches(set map[uint32]*store.Cache) []*store.Cache {
	out := make([]*store.Cache, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out
}

// reparse reloads the meta file, purges cached values the new meta no longer
// honours and notifies every connection whose value changed.
func (r *Resource) reparse() error {
	oldFile := r.file
	newFile, err := oldFile.Reload()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaLoad, r.key, err)
	}
	caches := r.liveCaches()
	changes := diffCaches(oldFile, newFile, caches)
	var views []fallbackView
	if r.key.IsShared() {
		views = r.srv.snapshotFallbacks(r.key)
	}
	r.repairCaches(oldFile.Meta(), newFile.Meta(), caches)

	r.file = newFile
	for _, conn := range r.conns {
		conn.file = newFile
	}
	if r.key.IsShared() {
		if ic := r.srv.interapp.config(r.key); ic != nil && ic.file == oldFile {
			ic.file = newFile
		}
	}
	log.WithFields(logger.Fields{
		"at":      "(Resource).reparse",
		"key":     r.key.String(),
		"changes": len(changes),
	}).Info("reparsed_resource")

	for _, ch := range changes {
		r.notifyChange(ch)
	}
	r.srv.notifyFallbacks(views)
	return nil
}

func (r *Resource) repairCaches(oldMeta, newMeta *store.Meta, caches []*store.Cache) {
	for _, c := range caches {
		if repairCache(c, oldMeta, newMeta) {
			r.srv.syncer.push(SyncKey{Resource: r.key, UID: c.UID()})
		}
	}
	if repairCache(r.file.GlobalCache(), oldMeta, newMeta) {
		r.srv.syncer.push(globalSyncKey(r.key))
	}
}

func (r *Resource) notifyChange(ch valueChange) {
	if ch.global {
		for _, uid := range r.uids() {
			r.srv.emit(r.conns[uid].Path(), ch.key, true)
		}
	} else if conn := r.conns[ch.uid]; conn != nil {
		r.srv.emit(conn.Path(), ch.key, false)
	} else if !r.key.IsShared() {
		log.WithFields(logger.Fields{
			"at":  "(Resource).notifyChange",
			"key": r.key.String(),
			"uid": ch.uid,
		}).Warn("changed_cache_without_connection")
	}
}

// valueChanged records a write made through conn: the owning cache is queued
// for syncing and every affected connection is notified.
func (r *Resource) valueChanged(conn *Connection, key string) {
	global := r.file.Meta().IsGlobal(key)
	if global {
		r.srv.syncer.push(globalSyncKey(r.key))
	} else {
		r.srv.syncer.push(userSyncKey(conn.key))
	}
	r.notifyChange(valueChange{uid: conn.UID(), key: key, global: global})
	if r.key.IsShared() {
		r.srv.fanOutShared(r.key, key, conn.UID(), global)
	}
}

// requestSync queues the cache written through conn without notifying.
func (r *Resource) requestSync(conn *Connection, key string) {
	if r.file.Meta().IsGlobal(key) {
		r.srv.syncer.push(globalSyncKey(r.key))
		return
	}
	r.srv.syncer.push(userSyncKey(conn.key))
}

type valueChange struct {
	uid    uint32
	key    string
	global bool
}

// diffCaches lists the keys of the old meta whose effective value differs
// between the two files. User caches are compared on user keys in uid order,
// then the global cache on global keys.
func diffCaches(oldFile, newFile *store.File, users []*store.Cache) []valueChange {
	var changes []valueChange
	keys := oldFile.Meta().Keys()
	for _, uc := range users {
		for _, key := range keys {
			if oldFile.Meta().IsGlobal(key) {
				continue
			}
			if !store.Equal(oldFile.Value(key, uc), newFile.Value(key, uc)) {
				changes = append(changes, valueChange{uid: uc.UID(), key: key})
			}
		}
	}
	for _, key := range keys {
		if !oldFile.Meta().IsGlobal(key) {
			continue
		}
		if !store.Equal(oldFile.Value(key, nil), newFile.Value(key, nil)) {
			changes = append(changes, valueChange{key: key, global: true})
		}
	}
	return changes
}

// repairCache drops cached values of removed keys and of keys that became
// read-only. It reports whether anything was dropped.
func repairCache(c *store.Cache, oldMeta, newMeta *store.Meta) bool {
	removed := false
	for _, key := range oldMeta.Keys() {
		drop := !newMeta.Has(key) ||
			(oldMeta.Permission(key) == store.ReadWrite && newMeta.Permission(key) == store.ReadOnly)
		if drop && c.Remove(key) {
			removed = true
			log.WithFields(logger.Fields{
				"at":     "repairCache",
				"cache":  c.Path(),
				"uid":    c.UID(),
				"global": c.IsGlobal(),
				"key":    key,
			}).Debug("purged_cached_value")
		}
	}
	return removed
}
