package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// ErrObjectExists is returned when a path already has an object.
var ErrObjectExists = errors.New("object already registered")

// Caller identifies the peer that made a call.
type Caller struct {
	// Service is the unique peer name the server assigned, like ":1.7".
	Service string
	UID     uint32
	PID     int32
}

// Call is one method invocation as seen by a handler.
type Call struct {
	Caller Caller
	Path   string
	Method string
	Params json.RawMessage
}

// Bind decodes the params into v. A positional array is accepted when v is
// a pointer to a slice; otherwise params must be an object. Missing params
// leave v untouched.
func (c *Call) Bind(v interface{}) error {
	if len(c.Params) == 0 || string(c.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return &RPCError{Code: ErrCodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

// HandlerFunc handles one method of an object. Returning an *RPCError sends
// it unchanged; other errors go through the server's ErrorMapper.
type HandlerFunc func(ctx context.Context, call *Call) (interface{}, error)

// MethodTable maps method names to handlers.
type MethodTable map[string]HandlerFunc

// ObjectRegistry maps object paths to their method tables.
// Thread-safe for concurrent registration and dispatch.
type ObjectRegistry struct {
	mu      sync.RWMutex
	objects map[string]MethodTable
}

func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{objects: make(map[string]MethodTable)}
}

// Register publishes methods at path. A path can hold only one object.
func (r *ObjectRegistry) Register(path string, methods MethodTable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[path]; exists {
		return &RPCError{Code: ErrCodeFailed, Message: ErrObjectExists.Error(), Data: path}
	}
	r.objects[path] = methods

	log.WithFields(logger.Fields{
		"at":      "(ObjectRegistry).Register",
		"path":    path,
		"methods": len(methods),
	}).Debug("registered_object")
	return nil
}

// Unregister removes the object at path. Does nothing if none is registered.
func (r *ObjectRegistry) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[path]; !exists {
		return
	}
	delete(r.objects, path)

	log.WithFields(logger.Fields{
		"at":   "(ObjectRegistry).Unregister",
		"path": path,
	}).Debug("unregistered_object")
}

func (r *ObjectRegistry) IsRegistered(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.objects[path]
	return exists
}

// Paths returns the registered paths in sorted order.
func (r *ObjectRegistry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.objects))
	for p := range r.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Dispatch invokes call.Method on the object at call.Path.
//
// Error handling:
//   - Unknown path: ErrCodeUnknownObject
//   - Unknown method: ErrCodeMethodNotFound
//   - Handler errors are returned as they are
func (r *ObjectRegistry) Dispatch(ctx context.Context, call *Call) (interface{}, error) {
	r.mu.RLock()
	methods, exists := r.objects[call.Path]
	var handler HandlerFunc
	if exists {
		handler = methods[call.Method]
	}
	r.mu.RUnlock()

	if !exists {
		return nil, &RPCError{Code: ErrCodeUnknownObject, Message: "unknown object", Data: call.Path}
	}
	if handler == nil {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: "method not found", Data: call.Method}
	}
	return handler(ctx, call)
}
