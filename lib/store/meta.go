package store

import (
	"os"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

const (
	MetaMagic     = "dsg.config.meta"
	OverrideMagic = "dsg.config.override"
	CacheMagic    = "dsg.config.cache"
)

type Permission int

const (
	ReadWrite Permission = iota
	ReadOnly
)

func (p Permission) String() string {
	if p == ReadOnly {
		return "readonly"
	}
	return "readwrite"
}

func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(s) {
	case "", "readwrite":
		return ReadWrite, nil
	case "readonly":
		return ReadOnly, nil
	}
	return ReadWrite, oops.Wrapf(ErrInvalidMeta, "unknown permission %q", s)
}

type Visibility int

const (
	Private Visibility = iota
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "private"
}

func ParseVisibility(s string) (Visibility, error) {
	switch strings.ToLower(s) {
	case "", "private":
		return Private, nil
	case "public":
		return Public, nil
	}
	return Private, oops.Wrapf(ErrInvalidMeta, "unknown visibility %q", s)
}

// Flags are the per-key markers declared in a meta file.
type Flags int

const (
	// FlagNoOverride makes override files ignore the key.
	FlagNoOverride Flags = 1 << iota
	// FlagGlobal stores the key once per resource instead of once per user.
	FlagGlobal
	// FlagUserPublic lets other users read the key.
	FlagUserPublic
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

func parseFlag(s string) (Flags, error) {
	switch strings.ToLower(s) {
	case "nooverride":
		return FlagNoOverride, nil
	case "global":
		return FlagGlobal, nil
	case "user-public":
		return FlagUserPublic, nil
	}
	return 0, oops.Wrapf(ErrInvalidMeta, "unknown flag %q", s)
}

// Item is one key declared by a meta file, with overrides applied.
type Item struct {
	Key        string
	Value      any
	Serial     int
	Flags      Flags
	Permission Permission
	Visibility Visibility
	Overridden bool

	names        map[string]string
	descriptions map[string]string
}

// Meta is a parsed meta file: the ordered key list and each key's declaration.
type Meta struct {
	path    string
	version string
	keys    []string
	items   map[string]*Item
}

func (m *Meta) Path() string {
	return m.path
}

func (m *Meta) Version() string {
	return m.version
}

// Keys returns the declared keys in file order.
func (m *Meta) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Meta) Has(key string) bool {
	_, ok := m.items[key]
	return ok
}

func (m *Meta) Item(key string) *Item {
	return m.items[key]
}

func (m *Meta) Permission(key string) Permission {
	if it := m.items[key]; it != nil {
		return it.Permission
	}
	return ReadOnly
}

func (m *Meta) IsGlobal(key string) bool {
	if it := m.items[key]; it != nil {
		return it.Flags.Has(FlagGlobal)
	}
	return false
}

func (m *Meta) Flags(key string) Flags {
	if it := m.items[key]; it != nil {
		return it.Flags
	}
	return 0
}

func (m *Meta) Visibility(key string) Visibility {
	if it := m.items[key]; it != nil {
		return it.Visibility
	}
	return Private
}

func localized(values map[string]string, locale string) string {
	if v, ok := values[locale]; ok {
		return v
	}
	return values[""]
}

func (m *Meta) Name(key, locale string) string {
	if it := m.items[key]; it != nil {
		return localized(it.names, locale)
	}
	return ""
}

func (m *Meta) Description(key, locale string) string {
	if it := m.items[key]; it != nil {
		return localized(it.descriptions, locale)
	}
	return ""
}

// document is the envelope shared by meta, override and cache files.
type document struct {
	magic    string
	version  string
	keys     []string
	contents map[string]map[string]any
}

// parseDocument decodes a document keeping the order of its contents keys.
// JSON documents are valid YAML, so one decoder handles both.
func parseDocument(data []byte, magic string) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, oops.Wrapf(ErrInvalidMeta, "%v", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, oops.Wrapf(ErrInvalidMeta, "document is not an object")
	}

	doc := &document{contents: make(map[string]map[string]any)}
	top := root.Content[0]
	for i := 0; i+1 < len(top.Content); i += 2 {
		k, v := top.Content[i], top.Content[i+1]
		switch k.Value {
		case "magic":
			doc.magic = v.Value
		case "version":
			doc.version = v.Value
		case "contents":
			if v.Kind != yaml.MappingNode {
				return nil, oops.Wrapf(ErrInvalidMeta, "contents is not an object")
			}
			for j := 0; j+1 < len(v.Content); j += 2 {
				key := v.Content[j].Value
				var raw map[string]any
				if err := v.Content[j+1].Decode(&raw); err != nil {
					return nil, oops.Wrapf(ErrInvalidMeta, "key %q: %v", key, err)
				}
				if raw == nil {
					raw = map[string]any{}
				}
				if _, dup := doc.contents[key]; !dup {
					doc.keys = append(doc.keys, key)
				}
				doc.contents[key] = raw
			}
		}
	}
	if doc.magic != "" && doc.magic != magic {
		return nil, oops.Wrapf(ErrInvalidMeta, "magic %q, want %q", doc.magic, magic)
	}
	return doc, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func parseItem(key string, raw map[string]any) (*Item, error) {
	it := &Item{
		Key:          key,
		names:        make(map[string]string),
		descriptions: make(map[string]string),
	}
	var err error
	if it.Value, err = Normalize(raw["value"]); err != nil {
		return nil, oops.Wrapf(ErrInvalidMeta, "key %q value: %v", key, err)
	}
	it.Serial = toInt(raw["serial"])
	for _, f := range toStrings(raw["flags"]) {
		flag, err := parseFlag(f)
		if err != nil {
			return nil, err
		}
		it.Flags |= flag
	}
	perm, _ := raw["permissions"].(string)
	if it.Permission, err = ParsePermission(perm); err != nil {
		return nil, err
	}
	vis, _ := raw["visibility"].(string)
	if it.Visibility, err = ParseVisibility(vis); err != nil {
		return nil, err
	}
	for field, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case field == "name":
			it.names[""] = s
		case field == "description":
			it.descriptions[""] = s
		case strings.HasPrefix(field, "name[") && strings.HasSuffix(field, "]"):
			it.names[field[5:len(field)-1]] = s
		case strings.HasPrefix(field, "description[") && strings.HasSuffix(field, "]"):
			it.descriptions[field[12:len(field)-1]] = s
		}
	}
	return it, nil
}

func parseMeta(path string, data []byte) (*Meta, error) {
	doc, err := parseDocument(data, MetaMagic)
	if err != nil {
		return nil, oops.Wrapf(err, "meta %s", path)
	}
	m := &Meta{
		path:    path,
		version: doc.version,
		keys:    doc.keys,
		items:   make(map[string]*Item, len(doc.keys)),
	}
	for _, key := range doc.keys {
		it, err := parseItem(key, doc.contents[key])
		if err != nil {
			return nil, oops.Wrapf(err, "meta %s", path)
		}
		m.items[key] = it
	}
	return m, nil
}

// applyOverride layers one override document over m. Keys the meta file does
// not declare, and keys flagged nooverride, are skipped.
func (m *Meta) applyOverride(path string, data []byte) error {
	doc, err := parseDocument(data, OverrideMagic)
	if err != nil {
		return oops.Wrapf(err, "override %s", path)
	}
	for _, key := range doc.keys {
		it := m.items[key]
		if it == nil || it.Flags.Has(FlagNoOverride) {
			log.WithFields(logger.Fields{
				"at":       "(Meta).applyOverride",
				"override": path,
				"key":      key,
			}).Debug("override_key_skipped")
			continue
		}
		raw := doc.contents[key]
		if v, ok := raw["value"]; ok {
			if it.Value, err = Normalize(v); err != nil {
				return oops.Wrapf(ErrInvalidMeta, "override %s key %q: %v", path, key, err)
			}
			it.Overridden = true
		}
		if p, ok := raw["permissions"].(string); ok {
			if it.Permission, err = ParsePermission(p); err != nil {
				return oops.Wrapf(err, "override %s", path)
			}
		}
	}
	return nil
}

// loadMeta reads the meta file of id and applies its override files.
func (s *Store) loadMeta(id ConfigureID) (*Meta, error) {
	path := s.MetaPath(id)
	if path == "" {
		return nil, oops.Wrapf(ErrMetaNotFound, "%s", id)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Wrapf(ErrMetaNotFound, "%s: %v", path, err)
	}
	m, err := parseMeta(path, data)
	if err != nil {
		return nil, err
	}
	for _, op := range s.overridePaths(id) {
		data, err := os.ReadFile(op)
		if err != nil {
			log.WithError(err).WithField("override", op).Warn("override_unreadable")
			continue
		}
		if err := m.applyOverride(op, data); err != nil {
			return nil, err
		}
	}
	return m, nil
}
