// Package daemon wires the store, the resource server, the bus and the
// optional watcher into one running process.
package daemon

import (
	"context"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/dsg-config/dconfigd/lib/bus"
	"github.com/dsg-config/dconfigd/lib/config"
	"github.com/dsg-config/dconfigd/lib/dconfig"
	"github.com/dsg-config/dconfigd/lib/service"
	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util"
	"github.com/dsg-config/dconfigd/lib/util/logger"
	"github.com/dsg-config/dconfigd/lib/util/signals"
	"github.com/dsg-config/dconfigd/lib/watcher"
)

var log = logger.GetLogger()

// lookupUser replaces the system account check when set.
var lookupUser func(uid uint32) error

// Daemon is a configured, not yet running dconfigd instance.
type Daemon struct {
	cfg     *config.DaemonConfig
	store   *store.Store
	bus     *bus.Server
	service *service.Service
	server  *dconfig.Server
	watcher *watcher.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds every component from cfg. cfg must already be validated.
func New(cfg *config.DaemonConfig) (*Daemon, error) {
	d := &Daemon{
		cfg:   cfg,
		store: store.New(cfg.Prefix, cfg.Layout()),
	}

	b, err := bus.NewServer(cfg.BusServerConfig())
	if err != nil {
		return nil, oops.Wrapf(err, "failed to create bus server")
	}
	d.bus = b
	d.service = service.New(b)

	d.server, err = dconfig.New(dconfig.Options{
		Store:        d.store,
		Transport:    d.service,
		DelayRelease: cfg.DelayRelease,
		SyncInterval: cfg.SyncInterval,
		ExitWhenIdle: cfg.ExitWhenIdle,
		OnIdle:       d.onIdle,
		LookupUser:   lookupUser,
	})
	if err != nil {
		return nil, err
	}
	if err := d.service.Attach(d.server); err != nil {
		return nil, err
	}

	if cfg.Watch.Enabled {
		d.watcher, err = watcher.New(d.store.SourceDirs(), cfg.Watch.Debounce, d.server)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Server returns the resource server.
func (d *Daemon) Server() *dconfig.Server {
	return d.server
}

func (d *Daemon) onIdle() {
	log.WithField("at", "(Daemon).onIdle").Info("no_resources_left_exiting")
	d.stop()
}

func (d *Daemon) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Run serves until ctx is cancelled, an interrupt arrives or the daemon
// goes idle with exit-when-idle set. The resource server is flushed before
// the bus goes down.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	reloadID := signals.RegisterReloadHandler(func() {
		if err := d.server.Reload(ctx); err != nil {
			log.WithError(err).Warn("reload_failed")
		}
	})
	defer signals.DeregisterReloadHandler(reloadID)
	interruptID := signals.RegisterInterruptHandler(d.stop)
	defer signals.DeregisterInterruptHandler(interruptID)

	log.WithFields(logger.Fields{
		"at":      "(Daemon).Run",
		"prefix":  d.cfg.Prefix,
		"address": d.cfg.Bus.Address,
		"watch":   d.watcher != nil,
	}).Info("daemon_starting")

	serverDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(serverDone)
		return d.server.Run(gctx)
	})
	g.Go(func() error {
		if err := d.bus.Start(); err != nil {
			return err
		}
		util.RegisterCloser(busCloser{d.bus})
		<-gctx.Done()
		if err := d.server.Exit(context.Background()); err != nil {
			log.WithError(err).Warn("server_exit_failed")
		}
		<-serverDone
		util.CloseAll()
		return nil
	})
	g.Go(func() error {
		return signals.Run(gctx)
	})
	if d.watcher != nil {
		g.Go(func() error {
			return d.watcher.Run(gctx)
		})
	}

	err := g.Wait()
	log.WithField("at", "(Daemon).Run").Info("daemon_stopped")
	return err
}

// busCloser adapts the bus server to io.Closer for util.CloseAll.
type busCloser struct {
	bus *bus.Server
}

func (c busCloser) Close() error {
	return c.bus.Stop()
}
