package dconfig

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/dsg-config/dconfigd/lib/store"
)

// ResourceKey identifies one live Resource. An empty AppID is the shared scope.
type ResourceKey struct {
	AppID   string
	Name    string
	Subpath string
}

// NewResourceKey builds a key with a normalized subpath ("" or "/a/b").
func NewResourceKey(appID, name, subpath string) ResourceKey {
	return ResourceKey{AppID: appID, Name: name, Subpath: normalizeSubpath(subpath)}
}

func normalizeSubpath(subpath string) string {
	if subpath == "" || subpath == "/" {
		return ""
	}
	cleaned := path.Clean("/" + subpath)
	if cleaned == "/" {
		return ""
	}
	return cleaned
}

func resourceKeyFromID(id store.ConfigureID) ResourceKey {
	return NewResourceKey(id.AppID, id.Name, id.Subpath)
}

func (k ResourceKey) ConfigureID() store.ConfigureID {
	return store.ConfigureID{AppID: k.AppID, Name: k.Name, Subpath: k.Subpath}
}

func (k ResourceKey) IsShared() bool {
	return k.AppID == ""
}

// Shared returns the shared-scope key of the same file.
func (k ResourceKey) Shared() ResourceKey {
	return ResourceKey{Name: k.Name, Subpath: k.Subpath}
}

// SameFile reports whether both keys name the same file in any scope.
func (k ResourceKey) SameFile(o ResourceKey) bool {
	return k.Name == o.Name && k.Subpath == o.Subpath
}

func (k ResourceKey) String() string {
	return k.ConfigureID().String()
}

// Path is the bus object path prefix of the resource. Each element is
// escaped on its own, so distinct keys never share a path.
func (k ResourceKey) Path() string {
	elems := []string{"", store.SharedScopeDir, escapeElement(k.Name)}
	if k.AppID != "" {
		elems[1] = escapeElement(k.AppID)
	}
	if k.Subpath != "" {
		for _, seg := range strings.Split(k.Subpath[1:], "/") {
			elems = append(elems, escapeElement(seg))
		}
	}
	return strings.Join(elems, "/")
}

// escapeElement keeps ASCII letters and digits and writes every other byte,
// '_' included, as '_' followed by two lowercase hex digits.
func escapeElement(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x", c)
	}
	return b.String()
}

// ConnectionKey identifies one Connection: a resource seen by one user.
type ConnectionKey struct {
	Resource ResourceKey
	UID      uint32
}

func (k ConnectionKey) Path() string {
	return k.Resource.Path() + "/" + strconv.FormatUint(uint64(k.UID), 10)
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s@%d", k.Resource, k.UID)
}

// SyncKey names a cache waiting to be persisted: one user's cache of a
// resource, or the resource's global cache.
type SyncKey struct {
	Resource ResourceKey
	UID      uint32
	Global   bool
}

func userSyncKey(k ConnectionKey) SyncKey {
	return SyncKey{Resource: k.Resource, UID: k.UID}
}

func globalSyncKey(k ResourceKey) SyncKey {
	return SyncKey{Resource: k, Global: true}
}

func (k SyncKey) less(o SyncKey) bool {
	if k.Resource != o.Resource {
		return k.Resource.String() < o.Resource.String()
	}
	if k.Global != o.Global {
		return !k.Global
	}
	return k.UID < o.UID
}
