package dconfig

import (
	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/store"
)

// Connection is one user's view of a Resource. Its methods must run on the
// dispatcher loop; use Server.Do from other goroutines.
type Connection struct {
	key      ConnectionKey
	resource *Resource
	file     *store.File
	cache    *store.Cache

	// borrowed from the interapp manager
	fallback *InterappConfig

	closed bool
}

func (c *Connection) Key() ConnectionKey {
	return c.key
}

func (c *Connection) Path() string {
	return c.key.Path()
}

func (c *Connection) UID() uint32 {
	return c.key.UID
}

func (c *Connection) Closed() bool {
	return c.closed
}

func (c *Connection) check(key string) error {
	if c.closed {
		return oops.Wrapf(ErrConnectionClosed, "%s", c.Path())
	}
	if key != "" && !c.file.Meta().Has(key) {
		return oops.Wrapf(store.ErrUnknownKey, "%s: %q", c.Path(), key)
	}
	return nil
}

func (c *Connection) KeyList() ([]string, error) {
	if err := c.check(""); err != nil {
		return nil, err
	}
	return c.file.Meta().Keys(), nil
}

func (c *Connection) Version() (string, error) {
	if err := c.check(""); err != nil {
		return "", err
	}
	return c.file.Meta().Version(), nil
}

func (c *Connection) Name(key, locale string) (string, error) {
	if err := c.check(key); err != nil {
		return "", err
	}
	return c.file.Meta().Name(key, locale), nil
}

func (c *Connection) Description(key, locale string) (string, error) {
	if err := c.check(key); err != nil {
		return "", err
	}
	return c.file.Meta().Description(key, locale), nil
}

func (c *Connection) Visibility(key string) (string, error) {
	if err := c.check(key); err != nil {
		return "", err
	}
	return c.file.Meta().Visibility(key).String(), nil
}

func (c *Connection) Permissions(key string) (string, error) {
	if err := c.check(key); err != nil {
		return "", err
	}
	return c.file.Meta().Permission(key).String(), nil
}

func (c *Connection) Flags(key string) (int, error) {
	if err := c.check(key); err != nil {
		return 0, err
	}
	return int(c.file.Meta().Flags(key)), nil
}

// fallbackValue returns the shared value that shows through when the
// connection has no cached value of its own.
func (c *Connection) fallbackValue(key string) (any, bool) {
	if c.fallback == nil {
		return nil, false
	}
	cache := c.fallback.Cache(c.key.UID)
	if cache == nil {
		return nil, false
	}
	return c.fallback.file.CacheValue(key, cache)
}

func (c *Connection) IsDefaultValue(key string) (bool, error) {
	if err := c.check(key); err != nil {
		return false, err
	}
	if !c.file.IsDefaultValue(key, c.cache) {
		return false, nil
	}
	_, shadowed := c.fallbackValue(key)
	return !shadowed, nil
}

// Value returns the effective value: the connection's cache, then the shared
// fallback, then the meta value.
func (c *Connection) Value(key string) (any, error) {
	if err := c.check(key); err != nil {
		return nil, err
	}
	return c.value(key), nil
}

func (c *Connection) value(key string) any {
	if v, ok := c.file.CacheValue(key, c.cache); ok {
		return v
	}
	if v, ok := c.fallbackValue(key); ok {
		return v
	}
	return c.file.Value(key, c.cache)
}

func (c *Connection) SetValue(key string, value any) error {
	if err := c.check(key); err != nil {
		return err
	}
	old := c.value(key)
	if _, err := c.file.SetValue(key, value, c.cache, c.key.UID); err != nil {
		return err
	}
	if store.Equal(old, c.value(key)) {
		c.resource.requestSync(c, key)
		return nil
	}
	c.resource.valueChanged(c, key)
	return nil
}

func (c *Connection) Reset(key string) error {
	if err := c.check(key); err != nil {
		return err
	}
	old := c.value(key)
	if _, err := c.file.Reset(key, c.cache); err != nil {
		return err
	}
	if store.Equal(old, c.value(key)) {
		c.resource.requestSync(c, key)
		return nil
	}
	c.resource.valueChanged(c, key)
	return nil
}
