package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dsg-config/dconfigd/lib/bus"
)

// Client calls the daemon's manager and connection objects.
type Client struct {
	*bus.Client
}

// Dial connects to the daemon's bus.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	c, err := bus.Dial(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{Client: c}, nil
}

// Acquire opens a connection for the calling user and returns its path.
func (c *Client) Acquire(ctx context.Context, appID, name, subpath string) (string, error) {
	var path string
	err := c.Call(ctx, ManagerPath, "acquireManager", AcquireParams{AppID: appID, Name: name, Subpath: subpath}, &path)
	return path, err
}

// AcquireFor opens a connection for uid.
func (c *Client) AcquireFor(ctx context.Context, uid uint32, appID, name, subpath string) (string, error) {
	var path string
	err := c.Call(ctx, ManagerPath, "acquireManagerV2", AcquireParams{UID: uid, AppID: appID, Name: name, Subpath: subpath}, &path)
	return path, err
}

func (c *Client) Update(ctx context.Context, path string) error {
	return c.Call(ctx, ManagerPath, "update", PathParams{Path: path}, nil)
}

func (c *Client) Sync(ctx context.Context, path string) error {
	return c.Call(ctx, ManagerPath, "sync", PathParams{Path: path}, nil)
}

func (c *Client) Reload(ctx context.Context) error {
	return c.Call(ctx, ManagerPath, "reload", nil, nil)
}

func (c *Client) RemoveUserData(ctx context.Context, uid uint32) error {
	return c.Call(ctx, ManagerPath, "removeUserData", UIDParams{UID: uid}, nil)
}

func (c *Client) SetDelayReleaseTime(ctx context.Context, ms int64) error {
	return c.Call(ctx, ManagerPath, "setDelayReleaseTime", DelayParams{MS: ms}, nil)
}

func (c *Client) DelayReleaseTime(ctx context.Context) (int64, error) {
	var ms int64
	err := c.Call(ctx, ManagerPath, "delayReleaseTime", nil, &ms)
	return ms, err
}

func (c *Client) SetVerbose(ctx context.Context, enable bool) error {
	method := "disableVerboseLogging"
	if enable {
		method = "enableVerboseLogging"
	}
	return c.Call(ctx, ManagerPath, method, nil, nil)
}

func (c *Client) ResourceSize(ctx context.Context) (int, error) {
	var n int
	err := c.Call(ctx, ManagerPath, "resourceSize", nil, &n)
	return n, err
}

func (c *Client) KeyList(ctx context.Context, conn string) ([]string, error) {
	var keys []string
	err := c.Call(ctx, conn, "keyList", nil, &keys)
	return keys, err
}

// Value returns the raw JSON value of key.
func (c *Client) Value(ctx context.Context, conn, key string) (json.RawMessage, error) {
	var v json.RawMessage
	err := c.Call(ctx, conn, "value", KeyParams{Key: key}, &v)
	if err == nil && len(v) == 0 {
		v = json.RawMessage("null")
	}
	return v, err
}

// SetValue stores value, which must be valid JSON.
func (c *Client) SetValue(ctx context.Context, conn, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("value of %s is not valid JSON", key)
	}
	return c.Call(ctx, conn, "setValue", SetValueParams{Key: key, Value: value}, nil)
}

func (c *Client) Reset(ctx context.Context, conn, key string) error {
	return c.Call(ctx, conn, "reset", KeyParams{Key: key}, nil)
}

func (c *Client) Release(ctx context.Context, conn string) error {
	return c.Call(ctx, conn, "release", nil, nil)
}
