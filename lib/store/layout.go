package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

const (
	// SharedScopeDir replaces the empty application id in cache paths.
	SharedScopeDir = "_shared"
	// GlobalCacheDir holds caches of global keys, next to the per-uid trees.
	GlobalCacheDir = "global"

	fileExt = ".json"
)

// ConfigureID identifies one configuration file. An empty AppID is the shared scope.
type ConfigureID struct {
	AppID   string
	Name    string
	Subpath string
}

// Validate rejects ids whose application id, name or subpath would step out
// of the directory they are joined onto.
func (id ConfigureID) Validate() error {
	if id.AppID != "" {
		if err := validElement("application id", id.AppID); err != nil {
			return err
		}
		if id.AppID == SharedScopeDir {
			return oops.Wrapf(ErrInvalidID, "application id %q is reserved", id.AppID)
		}
	}
	if err := validElement("name", id.Name); err != nil {
		return err
	}
	if strings.ContainsAny(id.Subpath, "\\\x00") {
		return oops.Wrapf(ErrInvalidID, "subpath %q", id.Subpath)
	}
	for _, seg := range strings.Split(id.Subpath, "/") {
		if seg == ".." {
			return oops.Wrapf(ErrInvalidID, "subpath %q", id.Subpath)
		}
	}
	return nil
}

func validElement(what, s string) error {
	if strings.TrimSpace(s) == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\\x00") {
		return oops.Wrapf(ErrInvalidID, "%s %q", what, s)
	}
	return nil
}

func (id ConfigureID) IsShared() bool {
	return id.AppID == ""
}

func (id ConfigureID) String() string {
	app := id.AppID
	if app == "" {
		app = SharedScopeDir
	}
	return fmt.Sprintf("%s/%s%s", app, id.Name, id.Subpath)
}

// Layout lists the directories, relative to the prefix, where meta files,
// override files and caches live.
type Layout struct {
	MetaDirs     []string
	OverrideDirs []string
	CacheDir     string
}

// DefaultLayout returns the standard directory layout.
func DefaultLayout() Layout {
	return Layout{
		MetaDirs:     []string{"usr/share/dsg/configs"},
		OverrideDirs: []string{"usr/share/dsg/configs/overrides", "etc/dsg/configs/overrides"},
		CacheDir:     "var/lib/dsg-config",
	}
}

// Store resolves configuration ids to files under a root prefix.
type Store struct {
	prefix string
	layout Layout
}

// New creates a Store rooted at prefix. An empty prefix means "/".
func New(prefix string, layout Layout) *Store {
	return &Store{prefix: prefix, layout: layout}
}

func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) abs(rel string) string {
	return filepath.Join(s.prefix, "/", rel)
}

func cleanSubpath(subpath string) string {
	if subpath == "" || subpath == "/" {
		return ""
	}
	return filepath.Clean("/" + subpath)
}

// subpathLevels returns subpath and its parents, deepest first, ending with "".
func subpathLevels(subpath string) []string {
	subpath = cleanSubpath(subpath)
	var levels []string
	for subpath != "" && subpath != "/" {
		levels = append(levels, subpath)
		subpath = filepath.Dir(subpath)
	}
	return append(levels, "")
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// MetaPath returns the meta file used for id, or "" when there is none.
// Subpaths are searched deepest first; an application without its own meta
// file falls back to the shared meta file of the same name.
func (s *Store) MetaPath(id ConfigureID) string {
	scopes := []string{id.AppID}
	if id.AppID != "" {
		scopes = append(scopes, "")
	}
	for _, app := range scopes {
		for _, level := range subpathLevels(id.Subpath) {
			for _, dir := range s.layout.MetaDirs {
				p := filepath.Join(s.abs(dir), app, level, id.Name+fileExt)
				if isFile(p) {
					return p
				}
			}
		}
	}
	return ""
}

// overridePaths lists override files for id in application order: directory
// by directory, shallow subpaths before deep ones, file names sorted.
func (s *Store) overridePaths(id ConfigureID) []string {
	levels := subpathLevels(id.Subpath)
	var paths []string
	for _, dir := range s.layout.OverrideDirs {
		for i := len(levels) - 1; i >= 0; i-- {
			d := filepath.Join(s.abs(dir), id.AppID, id.Name, levels[i])
			entries, err := os.ReadDir(d)
			if err != nil {
				continue
			}
			var names []string
			for _, e := range entries {
				if e.Type().IsRegular() && strings.HasSuffix(e.Name(), fileExt) {
					names = append(names, e.Name())
				}
			}
			sort.Strings(names)
			for _, n := range names {
				paths = append(paths, filepath.Join(d, n))
			}
		}
	}
	return paths
}

func scopeDir(appID string) string {
	if appID == "" {
		return SharedScopeDir
	}
	return appID
}

func (s *Store) cacheRoot() string {
	return s.abs(s.layout.CacheDir)
}

// UserDataDir is the directory holding every cache of uid.
func (s *Store) UserDataDir(uid uint32) string {
	return filepath.Join(s.cacheRoot(), strconv.FormatUint(uint64(uid), 10))
}

func (s *Store) userCachePath(id ConfigureID, uid uint32) string {
	return filepath.Join(s.UserDataDir(uid), scopeDir(id.AppID), cleanSubpath(id.Subpath), id.Name+fileExt)
}

func (s *Store) globalCachePath(id ConfigureID) string {
	return filepath.Join(s.cacheRoot(), GlobalCacheDir, scopeDir(id.AppID), cleanSubpath(id.Subpath), id.Name+fileExt)
}

// RemoveUserData deletes every cache file of uid.
func (s *Store) RemoveUserData(uid uint32) error {
	dir := s.UserDataDir(uid)
	if err := os.RemoveAll(dir); err != nil {
		return oops.Wrapf(err, "failed to remove user data %s", dir)
	}
	log.WithFields(logger.Fields{
		"at":  "(Store).RemoveUserData",
		"uid": uid,
		"dir": dir,
	}).Info("removed_user_data")
	return nil
}

func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// IdentifyPath maps a meta or override file path onto the configuration it
// belongs to. The file does not need to exist, so removed files can still be
// identified.
func (s *Store) IdentifyPath(path string) (ConfigureID, error) {
	absPath, err := filepath.Abs(path)
	if err != nil || !strings.HasSuffix(absPath, fileExt) {
		return ConfigureID{}, oops.Wrapf(ErrInvalidPath, "%s", path)
	}

	// override directories may be nested inside meta directories
	for _, dir := range s.layout.OverrideDirs {
		rel, ok := within(s.abs(dir), absPath)
		if !ok {
			continue
		}
		segs := strings.Split(rel, "/")
		switch {
		case len(segs) == 2:
			return ConfigureID{Name: segs[0]}, nil
		case len(segs) >= 3:
			return ConfigureID{
				AppID:   segs[0],
				Name:    segs[1],
				Subpath: cleanSubpath(strings.Join(segs[2:len(segs)-1], "/")),
			}, nil
		}
		return ConfigureID{}, oops.Wrapf(ErrInvalidPath, "%s", path)
	}

	for _, dir := range s.layout.MetaDirs {
		rel, ok := within(s.abs(dir), absPath)
		if !ok {
			continue
		}
		segs := strings.Split(rel, "/")
		name := strings.TrimSuffix(segs[len(segs)-1], fileExt)
		if len(segs) == 1 {
			return ConfigureID{Name: name}, nil
		}
		return ConfigureID{
			AppID:   segs[0],
			Name:    name,
			Subpath: cleanSubpath(strings.Join(segs[1:len(segs)-1], "/")),
		}, nil
	}
	return ConfigureID{}, oops.Wrapf(ErrInvalidPath, "%s", path)
}
