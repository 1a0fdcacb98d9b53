package service

import (
	"context"
	"encoding/json"

	"github.com/dsg-config/dconfigd/lib/bus"
	"github.com/dsg-config/dconfigd/lib/dconfig"
)

// connectionMethods builds the object published for conn. Every method runs
// on the server's dispatcher loop.
func (s *Service) connectionMethods(conn *dconfig.Connection) bus.MethodTable {
	keyed := func(fn func(p KeyParams) (interface{}, error)) bus.HandlerFunc {
		return func(ctx context.Context, call *bus.Call) (interface{}, error) {
			var p KeyParams
			if err := call.Bind(&p); err != nil {
				return nil, err
			}
			var out interface{}
			err := s.srv.Do(ctx, func() error {
				var err error
				out, err = fn(p)
				return err
			})
			return out, err
		}
	}
	plain := func(fn func() (interface{}, error)) bus.HandlerFunc {
		return func(ctx context.Context, call *bus.Call) (interface{}, error) {
			var out interface{}
			err := s.srv.Do(ctx, func() error {
				var err error
				out, err = fn()
				return err
			})
			return out, err
		}
	}

	table := bus.MethodTable{
		"keyList": plain(func() (interface{}, error) { return conn.KeyList() }),
		"version": plain(func() (interface{}, error) { return conn.Version() }),
		"name": keyed(func(p KeyParams) (interface{}, error) {
			return conn.Name(p.Key, p.Language)
		}),
		"description": keyed(func(p KeyParams) (interface{}, error) {
			return conn.Description(p.Key, p.Language)
		}),
		"visibility":     keyed(func(p KeyParams) (interface{}, error) { return conn.Visibility(p.Key) }),
		"permissions":    keyed(func(p KeyParams) (interface{}, error) { return conn.Permissions(p.Key) }),
		"flags":          keyed(func(p KeyParams) (interface{}, error) { return conn.Flags(p.Key) }),
		"isDefaultValue": keyed(func(p KeyParams) (interface{}, error) { return conn.IsDefaultValue(p.Key) }),
		"value":          keyed(func(p KeyParams) (interface{}, error) { return conn.Value(p.Key) }),
		"reset": keyed(func(p KeyParams) (interface{}, error) {
			return nil, conn.Reset(p.Key)
		}),
		"setValue": s.setValue(conn),
		"release": func(ctx context.Context, call *bus.Call) (interface{}, error) {
			return nil, s.srv.Release(ctx, call.Caller.Service, conn.Path())
		},
	}
	for method, h := range table {
		table[method] = owned(conn.UID(), h)
	}
	return table
}

// owned lets only root and the connection's user through to h.
func owned(uid uint32, h bus.HandlerFunc) bus.HandlerFunc {
	return func(ctx context.Context, call *bus.Call) (interface{}, error) {
		if err := checkUID(call.Caller, uid); err != nil {
			return nil, err
		}
		return h(ctx, call)
	}
}

func (s *Service) setValue(conn *dconfig.Connection) bus.HandlerFunc {
	return func(ctx context.Context, call *bus.Call) (interface{}, error) {
		var p SetValueParams
		if err := call.Bind(&p); err != nil {
			return nil, err
		}
		if len(p.Value) == 0 {
			return nil, &bus.RPCError{Code: bus.ErrCodeInvalidParams, Message: "missing value"}
		}
		var v interface{}
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return nil, &bus.RPCError{Code: bus.ErrCodeInvalidParams, Message: "invalid value", Data: err.Error()}
		}
		return nil, s.srv.Do(ctx, func() error { return conn.SetValue(p.Key, v) })
	}
}
