package dconfig

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/user"
	"sort"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

// Options configures a Server.
type Options struct {
	Store     *store.Store
	Transport Transport

	// DelayRelease is how long an unreferenced connection is kept.
	DelayRelease time.Duration
	// SyncInterval is how long cache writes are collected before saving.
	SyncInterval time.Duration
	// ExitWhenIdle calls OnIdle each time the last resource is released.
	ExitWhenIdle bool
	OnIdle       func()
	// LookupUser fails for uids without a system account. Defaults to os/user.
	LookupUser func(uid uint32) error
}

// Server is the registry of live resources. All state is owned by its
// dispatcher loop; exported methods post onto the loop and wait.
type Server struct {
	store      *store.Store
	transport  Transport
	lookupUser func(uint32) error

	exitWhenIdle bool
	onIdle       func()

	loop      *loop
	refs      *refManager
	syncer    *syncCoalescer
	interapp  *interappManager
	resources map[ResourceKey]*Resource
	watched   mapset.Set[string]

	signatures mapset.Set[store.Signature]
	exited     bool
}

func lookupSystemUser(uid uint32) error {
	_, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	return err
}

// New creates a Server. Run must be called for it to process requests.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, oops.Wrapf(ErrInvalidConfiguration, "no store")
	}
	if opts.DelayRelease < 0 {
		return nil, oops.Wrapf(ErrInvalidConfiguration, "negative release delay %s", opts.DelayRelease)
	}
	if opts.SyncInterval < 0 {
		return nil, oops.Wrapf(ErrInvalidConfiguration, "negative sync interval %s", opts.SyncInterval)
	}
	if opts.Transport == nil {
		opts.Transport = nopTransport{}
	}
	if opts.LookupUser == nil {
		opts.LookupUser = lookupSystemUser
	}

	s := &Server{
		store:        opts.Store,
		transport:    opts.Transport,
		lookupUser:   opts.LookupUser,
		exitWhenIdle: opts.ExitWhenIdle,
		onIdle:       opts.OnIdle,
		loop:         newLoop(),
		interapp:     newInterappManager(),
		resources:    make(map[ResourceKey]*Resource),
		watched:      mapset.NewThreadUnsafeSet[string](),
	}
	s.refs = newRefManager(s.loop, opts.DelayRelease, s.onRelease)
	s.syncer = newSyncCoalescer(s.loop, opts.SyncInterval, s.onSync)

	sigs, err := s.store.Signatures()
	if err != nil {
		log.WithError(err).Warn("initial_signature_scan_failed")
		sigs = mapset.NewThreadUnsafeSet[store.Signature]()
	}
	s.signatures = sigs
	return s, nil
}

// Run processes requests until ctx is cancelled or Exit is called. Anything
// still live when the loop stops is saved.
func (s *Server) Run(ctx context.Context) error {
	log.WithFields(logger.Fields{
		"at":     "(Server).Run",
		"prefix": s.store.Prefix(),
		"delay":  s.refs.delay.String(),
	}).Info("server_started")
	s.loop.run(ctx)
	s.shutdown()
	return nil
}

// Do runs fn on the dispatcher loop. Connection methods must be called
// through it.
func (s *Server) Do(ctx context.Context, fn func() error) error {
	return s.loop.call(ctx, fn)
}

func (s *Server) checkUser(uid uint32) error {
	if err := s.lookupUser(uid); err != nil {
		return fmt.Errorf("%w: uid %d: %w", ErrUnknownUser, uid, err)
	}
	return nil
}

// Acquire returns the object path of the connection of uid to the given
// file, creating the resource and connection as needed, and counts one
// reference held by service.
func (s *Server) Acquire(ctx context.Context, service string, uid uint32, appID, name, subpath string) (string, error) {
	id := store.ConfigureID{AppID: appID, Name: name, Subpath: subpath}
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	if err := s.checkUser(uid); err != nil {
		return "", err
	}
	key := NewResourceKey(appID, name, subpath)
	var path string
	err := s.loop.call(ctx, func() error {
		p, err := s.acquire(service, uid, key)
		path = p
		return err
	})
	return path, err
}

func (s *Server) acquire(service string, uid uint32, key ResourceKey) (string, error) {
	r := s.resources[key]
	created := r == nil
	if created {
		r = newResource(s, key)
		if err := r.load(); err != nil {
			log.WithError(err).WithField("key", key.String()).Warn("load_resource_failed")
			return "", err
		}
	}
	conn, err := r.getOrCreateConnection(uid)
	if err != nil {
		log.WithError(err).WithField("key", key.String()).Warn("create_connection_failed")
		s.collectShared(key)
		return "", err
	}
	if created {
		s.resources[key] = r
		log.WithFields(logger.Fields{
			"at":  "(Server).acquire",
			"key": key.String(),
		}).Info("created_resource")
	}
	s.watch(service)
	count := s.refs.ref(service, conn.key)
	log.WithFields(logger.Fields{
		"at":      "(Server).acquire",
		"service": service,
		"conn":    conn.Path(),
		"count":   count,
	}).Debug("acquired_connection")
	return conn.Path(), nil
}

func (s *Server) watch(service string) {
	if s.watched.Contains(service) {
		return
	}
	s.watched.Add(service)
	s.transport.WatchService(service, func() {
		s.loop.post(func() { s.serviceGone(service) })
	})
}

func (s *Server) serviceGone(service string) {
	s.watched.Remove(service)
	if !s.refs.hasService(service) {
		return
	}
	log.WithField("service", service).Info("service_disappeared")
	s.refs.releaseService(service)
}

// Release drops one reference service holds on the connection at path.
func (s *Server) Release(ctx context.Context, service, path string) error {
	return s.loop.call(ctx, func() error {
		conn := s.connectionByPath(path)
		if conn == nil {
			return oops.Wrapf(ErrConnectionClosed, "no connection at %s", path)
		}
		s.refs.deref(service, conn.key)
		return nil
	})
}

func (s *Server) connectionByPath(path string) *Connection {
	for _, r := range s.resources {
		for _, c := range r.conns {
			if c.Path() == path {
				return c
			}
		}
	}
	return nil
}

// onRelease tears a connection down once no service references it.
func (s *Server) onRelease(ck ConnectionKey) {
	r := s.resources[ck.Resource]
	if r == nil {
		return
	}
	r.removeConn(ck.UID)
	if len(r.conns) == 0 {
		if err := r.save(); err != nil {
			log.WithError(err).WithField("key", ck.Resource.String()).Error("save_resource_failed")
		}
		delete(s.resources, ck.Resource)
		log.WithFields(logger.Fields{
			"at":  "(Server).onRelease",
			"key": ck.Resource.String(),
		}).Info("removed_resource")
	}
	s.collectShared(ck.Resource)
	s.checkIdle()
}

// collectShared drops the shared caches and the shared config of key's file
// once no live resource needs them.
func (s *Server) collectShared(key ResourceKey) {
	ic := s.interapp.config(key)
	if ic == nil {
		return
	}
	var live []*Resource
	for _, r := range s.resources {
		if r.key.SameFile(key) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		if err := s.interapp.removeConfig(key); err != nil {
			log.WithError(err).WithField("key", key.Shared().String()).Error("save_shared_config_failed")
		}
		log.WithField("key", key.Shared().String()).Debug("removed_shared_config")
		return
	}
	for _, uid := range ic.uids() {
		needed := false
		for _, r := range live {
			if c := r.conns[uid]; c != nil && (r.key.IsShared() || c.fallback == ic) {
				needed = true
				break
			}
		}
		if needed {
			continue
		}
		if err := ic.removeCache(uid); err != nil {
			log.WithError(err).WithField("uid", uid).Error("save_shared_cache_failed")
		}
	}
}

func (s *Server) checkIdle() {
	if !s.exitWhenIdle || len(s.resources) > 0 || s.onIdle == nil {
		return
	}
	log.Info("server_idle")
	s.onIdle()
}

func (s *Server) onSync(batch []SyncKey) {
	for _, key := range batch {
		r := s.resources[key.Resource]
		if r == nil {
			continue
		}
		if err := r.doSyncConfigCache(key); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"key":    key.Resource.String(),
				"uid":    key.UID,
				"global": key.Global,
			}).Error("sync_cache_failed")
		}
	}
}

func (s *Server) emit(path, key string, global bool) {
	s.transport.Emit(Notification{Path: path, Key: key, Global: global})
}

// fanOutShared notifies application connections that see a changed shared
// value through their fallback.
func (s *Server) fanOutShared(shared ResourceKey, key string, uid uint32, global bool) {
	for _, r := range s.sortedResources() {
		if r.key.IsShared() || !r.key.SameFile(shared) {
			continue
		}
		for _, u := range r.uids() {
			c := r.conns[u]
			if c.fallback == nil || (!global && u != uid) || !c.file.Meta().Has(key) {
				continue
			}
			if _, own := c.file.CacheValue(key, c.cache); own {
				continue
			}
			s.emit(c.Path(), key, global)
		}
	}
}

// fallbackView is what one application connection saw before a shared
// file was reparsed.
type fallbackView struct {
	conn   *Connection
	values map[string]any
}

func (s *Server) snapshotFallbacks(shared ResourceKey) []fallbackView {
	var views []fallbackView
	for _, r := range s.sortedResources() {
		if r.key.IsShared() || !r.key.SameFile(shared) {
			continue
		}
		for _, uid := range r.uids() {
			c := r.conns[uid]
			if c.fallback == nil {
				continue
			}
			v := fallbackView{conn: c, values: make(map[string]any)}
			for _, key := range c.file.Meta().Keys() {
				v.values[key] = c.value(key)
			}
			views = append(views, v)
		}
	}
	return views
}

// notifyFallbacks emits a change for every key whose value, as seen by an
// application connection, differs from the snapshot.
func (s *Server) notifyFallbacks(views []fallbackView) {
	for _, v := range views {
		if v.conn.closed {
			continue
		}
		meta := v.conn.file.Meta()
		for _, key := range meta.Keys() {
			old, ok := v.values[key]
			if !ok || store.Equal(old, v.conn.value(key)) {
				continue
			}
			s.emit(v.conn.Path(), key, meta.IsGlobal(key))
		}
	}
}

func (s *Server) sortedResources() []*Resource {
	out := make([]*Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

func (s *Server) identify(path string) (store.ConfigureID, error) {
	id, err := s.store.IdentifyPath(path)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalidResourcePath, err)
	}
	return id, nil
}

// matching returns the live resources a change to id affects. A shared file
// affects every scope of the same name.
func (s *Server) matching(id store.ConfigureID) []*Resource {
	var out []*Resource
	for _, r := range s.sortedResources() {
		if r.key.Name != id.Name {
			continue
		}
		if id.AppID != "" && r.key.AppID != id.AppID {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Update reparses every live resource backed by the meta or override file
// at path.
func (s *Server) Update(ctx context.Context, path string) error {
	id, err := s.identify(path)
	if err != nil {
		return err
	}
	return s.loop.call(ctx, func() error { return s.update(id) })
}

func (s *Server) update(id store.ConfigureID) error {
	log.WithFields(logger.Fields{
		"at": "(Server).update",
		"id": id.String(),
	}).Info("update_resource")

	var result *multierror.Error
	sharedLive := false
	for _, r := range s.matching(id) {
		if r.key.IsShared() {
			sharedLive = true
		}
		if err := r.reparse(); err != nil {
			log.WithError(err).WithField("key", r.key.String()).Error("reparse_failed")
			result = multierror.Append(result, err)
		}
	}
	if id.AppID == "" && !sharedLive {
		for _, key := range s.interapp.keys() {
			if key.Name != id.Name {
				continue
			}
			if err := s.reparseInterapp(key); err != nil {
				log.WithError(err).WithField("key", key.String()).Error("reparse_failed")
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// reparseInterapp refreshes a shared config kept alive only by application
// fallbacks.
func (s *Server) reparseInterapp(key ResourceKey) error {
	ic := s.interapp.config(key)
	oldFile := ic.file
	newFile, err := oldFile.Reload()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSchemaLoad, key, err)
	}
	caches := sortedCaches(ic.caches)
	views := s.snapshotFallbacks(key)
	for _, c := range caches {
		if repairCache(c, oldFile.Meta(), newFile.Meta()) {
			if err := c.Save(); err != nil {
				log.WithError(err).WithField("cache", c.Path()).Error("save_shared_cache_failed")
			}
		}
	}
	if repairCache(newFile.GlobalCache(), oldFile.Meta(), newFile.Meta()) {
		if err := newFile.Save(); err != nil {
			log.WithError(err).WithField("key", key.String()).Error("save_shared_cache_failed")
		}
	}
	ic.file = newFile
	s.notifyFallbacks(views)
	return nil
}

// Sync saves every live resource backed by the file at path immediately.
func (s *Server) Sync(ctx context.Context, path string) error {
	id, err := s.identify(path)
	if err != nil {
		return err
	}
	return s.loop.call(ctx, func() error {
		var result *multierror.Error
		for _, r := range s.matching(id) {
			if err := r.save(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	})
}

// Reload rescans the meta and override directories and updates every file
// that appeared, disappeared or changed since the previous scan.
func (s *Server) Reload(ctx context.Context) error {
	return s.loop.call(ctx, func() error {
		sigs, err := s.store.Signatures()
		if err != nil {
			return oops.Wrapf(err, "failed to scan configuration files")
		}
		changed := store.ChangedPaths(s.signatures, sigs)
		s.signatures = sigs

		var result *multierror.Error
		for _, path := range changed {
			id, err := s.store.IdentifyPath(path)
			if err != nil {
				log.WithError(err).WithField("path", path).Debug("reload_skipped_path")
				continue
			}
			if err := s.update(id); err != nil {
				result = multierror.Append(result, err)
			}
		}
		log.WithField("changed", len(changed)).Info("reloaded")
		return result.ErrorOrNil()
	})
}

// RemoveUserData closes every connection of uid and deletes its caches.
func (s *Server) RemoveUserData(ctx context.Context, uid uint32) error {
	if err := s.checkUser(uid); err != nil {
		return err
	}
	return s.loop.call(ctx, func() error {
		for _, r := range s.sortedResources() {
			if r.conns[uid] == nil {
				continue
			}
			ck := ConnectionKey{Resource: r.key, UID: uid}
			s.refs.dropConnection(ck)
			s.onRelease(ck)
		}
		return s.store.RemoveUserData(uid)
	})
}

// MaxDelayReleaseMS is the largest release delay, in milliseconds, that fits
// a time.Duration.
const MaxDelayReleaseMS = math.MaxInt64 / int64(time.Millisecond)

// SetDelayReleaseTime changes the release delay. Negative values and values
// above MaxDelayReleaseMS are rejected and the previous delay is kept.
func (s *Server) SetDelayReleaseTime(ctx context.Context, ms int64) error {
	if ms > MaxDelayReleaseMS {
		return oops.Wrapf(ErrInvalidConfiguration, "release delay %dms exceeds %dms", ms, MaxDelayReleaseMS)
	}
	return s.loop.call(ctx, func() error {
		return s.refs.setDelay(time.Duration(ms) * time.Millisecond)
	})
}

func (s *Server) DelayReleaseTime(ctx context.Context) (int64, error) {
	var ms int64
	err := s.loop.call(ctx, func() error {
		ms = s.refs.delay.Milliseconds()
		return nil
	})
	return ms, err
}

// ResourceCount returns the number of live resources.
func (s *Server) ResourceCount(ctx context.Context) (int, error) {
	var n int
	err := s.loop.call(ctx, func() error {
		n = len(s.resources)
		return nil
	})
	return n, err
}

// Exit releases every reference, saves every resource and stops the loop.
func (s *Server) Exit(ctx context.Context) error {
	err := s.loop.call(ctx, func() error {
		s.shutdown()
		return nil
	})
	s.loop.stop()
	if errors.Is(err, ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) shutdown() {
	if s.exited {
		return
	}
	s.exited = true
	s.refs.destroy()
	s.syncer.stop()
	for _, r := range s.sortedResources() {
		for _, uid := range r.uids() {
			r.removeConn(uid)
		}
		if err := r.file.Save(); err != nil {
			log.WithError(err).WithField("key", r.key.String()).Error("save_resource_failed")
		}
		delete(s.resources, r.key)
	}
	for _, key := range s.interapp.keys() {
		if err := s.interapp.removeConfig(key); err != nil {
			log.WithError(err).WithField("key", key.String()).Error("save_shared_config_failed")
		}
	}
	log.Info("server_exited")
}
