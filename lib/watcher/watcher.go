// Package watcher turns changes of meta and override files into updates of
// the live resources built from them.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/dconfig"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

const fileExt = ".json"

// Updater reparses the resources backed by a changed file.
type Updater interface {
	Update(ctx context.Context, path string) error
}

// Watcher watches directory trees and calls Update once per changed file
// after events have been quiet for the debounce interval.
type Watcher struct {
	dirs     []string
	debounce time.Duration
	updater  Updater

	fsw     *fsnotify.Watcher
	pending mapset.Set[string]
}

// New creates a Watcher over dirs. Directories that do not exist yet are
// skipped.
func New(dirs []string, debounce time.Duration, updater Updater) (*Watcher, error) {
	if updater == nil {
		return nil, oops.Errorf("watcher needs an updater")
	}
	if debounce < 0 {
		return nil, oops.Wrapf(dconfig.ErrInvalidConfiguration, "negative debounce %s", debounce)
	}
	return &Watcher{
		dirs:     dirs,
		debounce: debounce,
		updater:  updater,
		pending:  mapset.NewThreadUnsafeSet[string](),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.Wrapf(err, "failed to create file watcher")
	}
	defer fsw.Close()
	w.fsw = fsw

	for _, dir := range w.dirs {
		w.addTree(dir)
	}
	log.WithFields(logger.Fields{
		"at":       "(Watcher).Run",
		"dirs":     len(w.dirs),
		"watched":  len(fsw.WatchList()),
		"debounce": w.debounce.String(),
	}).Info("watcher_started")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
			if fire == nil && w.pending.Cardinality() > 0 {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).WithField("at", "(Watcher).Run").Warn("watch_error")
		case <-fire:
			fire = nil
			w.flush(ctx)
		}
	}
}

// addTree watches root and every directory below it.
func (w *Watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			log.WithError(err).WithField("dir", path).Warn("watch_dir_failed")
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("dir", root).Warn("walk_dir_failed")
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
			w.queueTree(ev.Name)
			return
		}
	}
	if !strings.HasSuffix(ev.Name, fileExt) {
		return
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
		return
	}
	w.pending.Add(ev.Name)
}

// queueTree queues the files of a directory that appeared with content, as
// happens when a package installs a whole tree at once.
func (w *Watcher) queueTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, fileExt) {
			w.pending.Add(path)
		}
		return nil
	})
}

func (w *Watcher) flush(ctx context.Context) {
	paths := w.pending.ToSlice()
	w.pending.Clear()
	sort.Strings(paths)
	for _, path := range paths {
		err := w.updater.Update(ctx, path)
		switch {
		case err == nil:
			log.WithField("path", path).Debug("watched_file_updated")
		case errors.Is(err, dconfig.ErrInvalidResourcePath):
			log.WithField("path", path).Debug("watched_file_ignored")
		default:
			log.WithError(err).WithField("path", path).Warn("watched_file_update_failed")
		}
	}
}
