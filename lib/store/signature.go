package store

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Signature identifies one version of a meta or override file on disk.
type Signature struct {
	Path    string
	Size    int64
	ModTime int64
}

// SourceDirs returns the absolute meta and override directories.
func (s *Store) SourceDirs() []string {
	dirs := make([]string, 0, len(s.layout.MetaDirs)+len(s.layout.OverrideDirs))
	for _, dir := range s.layout.MetaDirs {
		dirs = append(dirs, s.abs(dir))
	}
	for _, dir := range s.layout.OverrideDirs {
		dirs = append(dirs, s.abs(dir))
	}
	return dirs
}

// Signatures scans every meta and override directory and returns the
// signature of each configuration file found.
func (s *Store) Signatures() (mapset.Set[Signature], error) {
	sigs := mapset.NewThreadUnsafeSet[Signature]()
	for _, root := range s.SourceDirs() {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if !d.Type().IsRegular() || !strings.HasSuffix(path, fileExt) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				// removed between readdir and stat
				return nil
			}
			sigs.Add(Signature{Path: path, Size: info.Size(), ModTime: info.ModTime().UnixNano()})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sigs, nil
}

// ChangedPaths returns the sorted paths whose signature is in only one of
// the two sets: files that appeared, disappeared or changed.
func ChangedPaths(old, cur mapset.Set[Signature]) []string {
	paths := mapset.NewThreadUnsafeSet[string]()
	for sig := range old.SymmetricDifference(cur).Iter() {
		paths.Add(sig.Path)
	}
	out := paths.ToSlice()
	sort.Strings(out)
	return out
}
