package dconfig

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsg-config/dconfigd/lib/store"
)

const unknownUID = 4242

type fakeTransport struct {
	mu           sync.Mutex
	objects      map[string]*Connection
	notes        []Notification
	watches      map[string]func()
	failRegister bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		objects: make(map[string]*Connection),
		watches: make(map[string]func()),
	}
}

func (f *fakeTransport) RegisterConnection(conn *Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRegister {
		return errors.New("object path in use")
	}
	f.objects[conn.Path()] = conn
	return nil
}

func (f *fakeTransport) UnregisterConnection(conn *Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, conn.Path())
}

func (f *fakeTransport) WatchService(service string, gone func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watches[service] = gone
}

func (f *fakeTransport) Emit(n Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fakeTransport) object(path string) *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[path]
}

func (f *fakeTransport) notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.notes...)
}

func (f *fakeTransport) resetNotifications() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = nil
}

func (f *fakeTransport) disconnect(service string) {
	f.mu.Lock()
	gone := f.watches[service]
	delete(f.watches, service)
	f.mu.Unlock()
	if gone != nil {
		gone()
	}
}

type fixture struct {
	t         *testing.T
	prefix    string
	store     *store.Store
	transport *fakeTransport
	srv       *Server
	ctx       context.Context
}

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) metaPath(appID, name string) string {
	return filepath.Join(f.prefix, store.DefaultLayout().MetaDirs[0], appID, name+".json")
}

func (f *fixture) writeMeta(appID, name, content string) string {
	p := f.metaPath(appID, name)
	writeFixture(f.t, p, content)
	return p
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prefix := t.TempDir()
	st := store.New(prefix, store.DefaultLayout())
	tr := newFakeTransport()
	return &fixture{t: t, prefix: prefix, store: st, transport: tr, ctx: context.Background()}
}

func (f *fixture) start(mutate func(*Options)) {
	f.t.Helper()
	opts := Options{
		Store:        f.store,
		Transport:    f.transport,
		DelayRelease: 0,
		SyncInterval: 10 * time.Millisecond,
		LookupUser: func(uid uint32) error {
			if uid == unknownUID {
				return errors.New("no such user")
			}
			return nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := New(opts)
	require.NoError(f.t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	f.t.Cleanup(func() {
		cancel()
		<-done
	})
	f.srv = srv
}

func (f *fixture) resourceCount() int {
	n, err := f.srv.ResourceCount(f.ctx)
	require.NoError(f.t, err)
	return n
}

func (f *fixture) value(path, key string) any {
	f.t.Helper()
	conn := f.transport.object(path)
	require.NotNil(f.t, conn, path)
	var v any
	require.NoError(f.t, f.srv.Do(f.ctx, func() error {
		var err error
		v, err = conn.Value(key)
		return err
	}))
	return v
}

func (f *fixture) setValue(path, key string, v any) {
	f.t.Helper()
	conn := f.transport.object(path)
	require.NotNil(f.t, conn, path)
	require.NoError(f.t, f.srv.Do(f.ctx, func() error { return conn.SetValue(key, v) }))
}

const reparseOld = `{"magic":"dsg.config.meta","version":"1.0","contents":{
  "a": {"value": 1, "permissions": "readwrite"},
  "b": {"value": 2, "permissions": "readwrite"},
  "c": {"value": 3, "permissions": "readwrite", "flags": ["global"]}
}}`

const reparseNew = `{"magic":"dsg.config.meta","version":"1.0","contents":{
  "a": {"value": 1, "permissions": "readonly"},
  "c": {"value": 4, "permissions": "readwrite", "flags": ["global"]}
}}`

func TestAcquireIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)

	p1, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	p2, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	assert.Equal(t, "/org_2eapp/example/1000", p1)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, f.resourceCount())

	var count int
	require.NoError(t, f.srv.Do(f.ctx, func() error {
		count = f.srv.refs.count(":1.1", f.transport.object(p1).Key())
		return nil
	}))
	assert.Equal(t, 2, count)

	require.NoError(t, f.srv.Release(f.ctx, ":1.1", p1))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.resourceCount())
	assert.NotNil(t, f.transport.object(p1))
}

func TestSimilarAppIDsGetOwnObjects(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.writeMeta("org_app", "example", reparseOld)
	f.start(nil)

	dotted, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	underscored, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org_app", "example", "")
	require.NoError(t, err)
	assert.NotEqual(t, dotted, underscored)
	assert.Equal(t, 2, f.resourceCount())

	f.setValue(underscored, "a", 9)
	assert.Equal(t, float64(1), f.value(dotted, "a"))
	assert.Equal(t, float64(9), f.value(underscored, "a"))
}

func TestAcquireErrors(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)

	_, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "missing", "")
	assert.ErrorIs(t, err, ErrSchemaLoad)
	assert.ErrorIs(t, err, store.ErrMetaNotFound)

	_, err = f.srv.Acquire(f.ctx, ":1.1", unknownUID, "org.app", "example", "")
	assert.ErrorIs(t, err, ErrUnknownUser)

	f.transport.mu.Lock()
	f.transport.failRegister = true
	f.transport.mu.Unlock()
	_, err = f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	assert.ErrorIs(t, err, ErrConnectionCreate)
	assert.ErrorIs(t, err, ErrEndpointRegistration)
	assert.Equal(t, 0, f.resourceCount())
}

func TestAcquireRejectsTraversal(t *testing.T) {
	f := newFixture(t)
	evil := filepath.Join(f.prefix, "evil", "example.json")
	// reachable from the first meta dir through ../../../../evil
	writeFixture(t, evil, reparseOld)
	path := f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)

	cases := []struct{ appID, name, subpath string }{
		{"../../../../evil", "example", ""},
		{"org.app", "../../../../../evil/example", ""},
		{"org.app", "a/b", ""},
		{"org.app", ".", ""},
		{"org.app", "..", ""},
		{"org.app", "", ""},
		{"..", "example", ""},
		{store.SharedScopeDir, "example", ""},
		{"org.app", "example", "../../x"},
		{"org.app", "example", `a\..\..\x`},
	}
	for _, c := range cases {
		_, err := f.srv.Acquire(f.ctx, ":1.1", 1000, c.appID, c.name, c.subpath)
		assert.ErrorIs(t, err, ErrInvalidName, "%+v", c)
		assert.ErrorIs(t, err, store.ErrInvalidID, "%+v", c)
	}
	assert.Equal(t, 0, f.resourceCount())

	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.setValue(p, "a", 3)
	require.NoError(t, f.srv.Sync(f.ctx, path))

	cacheDir := filepath.Join(f.prefix, store.DefaultLayout().CacheDir)
	var written []string
	err = filepath.WalkDir(f.prefix, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || p == evil || p == path {
			return err
		}
		written = append(written, p)
		rel, err := filepath.Rel(cacheDir, p)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "file outside cache dir: %s", p)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json")}, written)
}

func TestAcquireCorruptCache(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	writeFixture(t, filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json"), "garbage")
	f.start(nil)

	_, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	assert.ErrorIs(t, err, ErrConnectionCreate)
	assert.ErrorIs(t, err, ErrCacheLoad)

	_, err = f.srv.Acquire(f.ctx, ":1.1", 1001, "org.app", "example", "")
	require.NoError(t, err, "other users are unaffected")
}

func TestLastReleasePersistsAndReloads(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(func(o *Options) { o.SyncInterval = time.Hour })

	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.setValue(p, "a", 10)
	f.setValue(p, "c", 30)

	require.NoError(t, f.srv.Release(f.ctx, ":1.1", p))
	require.Eventually(t, func() bool { return f.resourceCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, f.transport.object(p))
	assert.FileExists(t, filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json"))

	p, err = f.srv.Acquire(f.ctx, ":1.2", 1000, "org.app", "example", "")
	require.NoError(t, err)
	assert.Equal(t, float64(10), f.value(p, "a"))
	assert.Equal(t, float64(30), f.value(p, "c"))
}

func TestReparseExample(t *testing.T) {
	f := newFixture(t)
	path := f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)

	p1, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	p2, err := f.srv.Acquire(f.ctx, ":1.2", 1001, "org.app", "example", "")
	require.NoError(t, err)
	f.setValue(p1, "a", 10)
	f.setValue(p1, "b", 20)
	f.transport.resetNotifications()

	writeFixture(t, path, reparseNew)
	require.NoError(t, f.srv.Update(f.ctx, path))

	assert.Equal(t, []Notification{
		{Path: p1, Key: "a"},
		{Path: p1, Key: "b"},
		{Path: p2, Key: "b"},
		{Path: p1, Key: "c", Global: true},
		{Path: p2, Key: "c", Global: true},
	}, f.transport.notifications())

	assert.Equal(t, float64(1), f.value(p1, "a"))
	assert.Equal(t, float64(4), f.value(p1, "c"))

	conn := f.transport.object(p1)
	require.NoError(t, f.srv.Do(f.ctx, func() error {
		assert.Empty(t, conn.cache.Keys(), "overrides of a and b are purged")
		_, err := conn.Value("b")
		assert.ErrorIs(t, err, store.ErrUnknownKey)
		return nil
	}))
}

func TestReparseAddedKeysDoNotNotify(t *testing.T) {
	f := newFixture(t)
	path := f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)

	writeFixture(t, path, `{"magic":"dsg.config.meta","contents":{
  "a": {"value": 1}, "b": {"value": 2}, "c": {"value": 3, "flags": ["global"]}, "d": {"value": 5}
}}`)
	require.NoError(t, f.srv.Update(f.ctx, path))
	assert.Empty(t, f.transport.notifications())
	assert.Equal(t, float64(5), f.value(p, "d"))
}

func TestUpdateRejectsUnknownPath(t *testing.T) {
	f := newFixture(t)
	f.start(nil)
	err := f.srv.Update(f.ctx, "/somewhere/else.json")
	assert.ErrorIs(t, err, ErrInvalidResourcePath)
	err = f.srv.Sync(f.ctx, "/somewhere/else.json")
	assert.ErrorIs(t, err, ErrInvalidResourcePath)

	// a recognised path without live resources is a no-op
	require.NoError(t, f.srv.Update(f.ctx, f.metaPath("org.app", "unused")))
}

func TestSyncWritesImmediately(t *testing.T) {
	f := newFixture(t)
	path := f.writeMeta("org.app", "example", reparseOld)
	f.start(func(o *Options) { o.SyncInterval = time.Hour })
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.setValue(p, "b", 7)

	cachePath := filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json")
	assert.NoFileExists(t, cachePath)
	require.NoError(t, f.srv.Sync(f.ctx, path))
	assert.FileExists(t, cachePath)
}

func TestCoalescedWritesReachDisk(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.setValue(p, "b", i)
	}
	cachePath := filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(cachePath)
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveUserData(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "one", reparseOld)
	f.writeMeta("org.app", "two", reparseOld)
	f.start(nil)

	a, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "one", "")
	require.NoError(t, err)
	b, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "two", "")
	require.NoError(t, err)
	other, err := f.srv.Acquire(f.ctx, ":1.2", 1001, "org.app", "one", "")
	require.NoError(t, err)
	f.setValue(a, "a", 11)
	f.setValue(b, "a", 12)
	f.setValue(other, "a", 13)

	require.NoError(t, f.srv.RemoveUserData(f.ctx, 1000))

	assert.Nil(t, f.transport.object(a))
	assert.Nil(t, f.transport.object(b))
	assert.Equal(t, float64(13), f.value(other, "a"))
	assert.NoDirExists(t, f.store.UserDataDir(1000))
	assert.Equal(t, 1, f.resourceCount())

	// uid 1001 keeps both its live value and its cache file
	require.NoError(t, f.srv.Sync(f.ctx, f.metaPath("org.app", "one")))
	data, err := os.ReadFile(filepath.Join(f.store.UserDataDir(1001), "org.app", "one.json"))
	require.NoError(t, err)
	var doc struct {
		Contents map[string]struct {
			Value any `json:"value"`
		} `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(13), doc.Contents["a"].Value)

	assert.ErrorIs(t, f.srv.RemoveUserData(f.ctx, unknownUID), ErrUnknownUser)
}

func TestSetDelayReleaseTime(t *testing.T) {
	f := newFixture(t)
	f.start(func(o *Options) { o.DelayRelease = 250 * time.Millisecond })

	err := f.srv.SetDelayReleaseTime(f.ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	ms, err := f.srv.DelayReleaseTime(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), ms)

	require.NoError(t, f.srv.SetDelayReleaseTime(f.ctx, 10))
	ms, err = f.srv.DelayReleaseTime(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ms)

	// one past the largest Duration in milliseconds would wrap negative
	for _, big := range []int64{MaxDelayReleaseMS + 1, 18446744073710, math.MaxInt64} {
		err = f.srv.SetDelayReleaseTime(f.ctx, big)
		assert.ErrorIs(t, err, ErrInvalidConfiguration, big)
	}
	ms, err = f.srv.DelayReleaseTime(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ms)

	require.NoError(t, f.srv.SetDelayReleaseTime(f.ctx, MaxDelayReleaseMS))
	ms, err = f.srv.DelayReleaseTime(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, MaxDelayReleaseMS, ms)
}

func TestNegativeDelayOption(t *testing.T) {
	_, err := New(Options{Store: store.New(t.TempDir(), store.DefaultLayout()), DelayRelease: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestServiceDisappearanceReleases(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(func(o *Options) { o.DelayRelease = time.Hour })

	p, err := f.srv.Acquire(f.ctx, ":1.9", 1000, "org.app", "example", "")
	require.NoError(t, err)
	require.NoError(t, f.srv.Release(f.ctx, ":1.9", p))
	assert.Equal(t, 1, f.resourceCount(), "release waits for the delay")

	f.transport.disconnect(":1.9")
	require.Eventually(t, func() bool { return f.resourceCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestExitWhenIdle(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	idle := make(chan struct{}, 1)
	f.start(func(o *Options) {
		o.ExitWhenIdle = true
		o.OnIdle = func() { idle <- struct{}{} }
	})
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	require.NoError(t, f.srv.Release(f.ctx, ":1.1", p))
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback not called")
	}
}

func TestSharedFallback(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("", "example", reparseOld)
	f.start(nil)

	shared, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "", "example", "")
	require.NoError(t, err)
	assert.Equal(t, "/_shared/example/1000", shared)
	app, err := f.srv.Acquire(f.ctx, ":1.2", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.transport.resetNotifications()

	f.setValue(shared, "a", 42)
	assert.Equal(t, float64(42), f.value(app, "a"), "app sees the shared value")
	assert.Equal(t, []Notification{
		{Path: shared, Key: "a"},
		{Path: app, Key: "a"},
	}, f.transport.notifications())

	f.setValue(app, "a", 7)
	assert.Equal(t, float64(7), f.value(app, "a"))
	assert.Equal(t, float64(42), f.value(shared, "a"))

	f.transport.resetNotifications()
	f.setValue(shared, "a", 43)
	assert.Equal(t, []Notification{{Path: shared, Key: "a"}}, f.transport.notifications(),
		"apps with their own value are not notified")

	require.NoError(t, f.srv.Release(f.ctx, ":1.1", shared))
	require.Eventually(t, func() bool { return f.resourceCount() == 1 }, time.Second, 5*time.Millisecond)

	var fallbackCache *store.Cache
	require.NoError(t, f.srv.Do(f.ctx, func() error {
		ic := f.srv.interapp.config(NewResourceKey("", "example", ""))
		if ic == nil {
			return errors.New("the app fallback should keep the shared config alive")
		}
		fallbackCache = ic.Cache(1000)
		return nil
	}))
	assert.NotNil(t, fallbackCache)

	require.NoError(t, f.srv.Release(f.ctx, ":1.2", app))
	require.Eventually(t, func() bool { return f.resourceCount() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.srv.Do(f.ctx, func() error {
		assert.Nil(t, f.srv.interapp.config(NewResourceKey("", "example", "")))
		return nil
	}))
}

func TestSharedUpdateWithoutSharedResource(t *testing.T) {
	f := newFixture(t)
	sharedPath := f.writeMeta("", "example", reparseOld)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)

	app, err := f.srv.Acquire(f.ctx, ":1.2", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.transport.resetNotifications()

	writeFixture(t, sharedPath, `{"magic":"dsg.config.meta","contents":{
  "a": {"value": 1}, "b": {"value": 2}, "c": {"value": 9, "flags": ["global"]}
}}`)
	require.NoError(t, f.srv.Update(f.ctx, sharedPath))

	// the app's own meta did not change; only the shared global default did,
	// and shared defaults do not show through a fallback
	assert.Empty(t, f.transport.notifications())
	assert.Equal(t, float64(3), f.value(app, "c"))
}

func TestReloadPicksUpChangedFiles(t *testing.T) {
	f := newFixture(t)
	path := f.writeMeta("org.app", "example", reparseOld)
	f.start(nil)
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)

	require.NoError(t, f.srv.Reload(f.ctx))
	assert.Empty(t, f.transport.notifications())

	writeFixture(t, path, reparseNew)
	require.NoError(t, f.srv.Reload(f.ctx))
	assert.Contains(t, f.transport.notifications(), Notification{Path: p, Key: "c", Global: true})
	assert.Equal(t, float64(4), f.value(p, "c"))
}

func TestExitSavesAndStops(t *testing.T) {
	f := newFixture(t)
	f.writeMeta("org.app", "example", reparseOld)
	f.start(func(o *Options) {
		o.SyncInterval = time.Hour
		o.DelayRelease = time.Hour
	})
	p, err := f.srv.Acquire(f.ctx, ":1.1", 1000, "org.app", "example", "")
	require.NoError(t, err)
	f.setValue(p, "b", 99)

	require.NoError(t, f.srv.Exit(f.ctx))
	assert.FileExists(t, filepath.Join(f.store.UserDataDir(1000), "org.app", "example.json"))
	assert.Nil(t, f.transport.object(p))

	_, err = f.srv.ResourceCount(f.ctx)
	assert.ErrorIs(t, err, ErrServerStopped)
}
