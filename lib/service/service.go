package service

import (
	"errors"
	"sync"

	"github.com/samber/oops"

	"github.com/dsg-config/dconfigd/lib/bus"
	"github.com/dsg-config/dconfigd/lib/dconfig"
	"github.com/dsg-config/dconfigd/lib/store"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

// ErrAccessDenied is returned when a caller acts on another user's data.
var ErrAccessDenied = errors.New("access denied")

// Bus is the part of the bus server the service publishes on.
type Bus interface {
	RegisterObject(path string, methods bus.MethodTable) error
	UnregisterObject(path string)
	SetErrorMapper(fn bus.ErrorMapper)
	SetSubscribeFilter(fn bus.SubscribeFilter)
	Watch(name string, fn func())
	Subscribe(name, path string) bool
	Emit(path, method string, params interface{}) int
	Peer(name string) (bus.Credentials, bool)
	Describe(caller bus.Caller) bus.Identity
}

// Service publishes a dconfig.Server on a bus: the manager object at "/"
// and one object per connection. It is the server's Transport.
type Service struct {
	bus Bus
	srv *dconfig.Server

	// owners maps published connection paths to their uid.
	mu     sync.RWMutex
	owners map[string]uint32
}

// New creates a Service on b. Pass it as the Transport of the server, then
// call Attach with that server.
func New(b Bus) *Service {
	return &Service{bus: b, owners: make(map[string]uint32)}
}

// Attach registers the manager object for srv.
func (s *Service) Attach(srv *dconfig.Server) error {
	if srv == nil {
		return oops.Errorf("no server to attach")
	}
	s.srv = srv
	s.bus.SetErrorMapper(mapError)
	s.bus.SetSubscribeFilter(s.canSubscribe)
	if err := s.bus.RegisterObject(ManagerPath, s.managerMethods()); err != nil {
		return oops.Wrapf(err, "failed to register manager object")
	}
	log.WithField("at", "(Service).Attach").Info("manager_published")
	return nil
}

func (s *Service) RegisterConnection(conn *dconfig.Connection) error {
	if err := s.bus.RegisterObject(conn.Path(), s.connectionMethods(conn)); err != nil {
		return err
	}
	s.mu.Lock()
	s.owners[conn.Path()] = conn.UID()
	s.mu.Unlock()
	return nil
}

func (s *Service) UnregisterConnection(conn *dconfig.Connection) {
	s.mu.Lock()
	delete(s.owners, conn.Path())
	s.mu.Unlock()
	s.bus.UnregisterObject(conn.Path())
}

// canSubscribe keeps the signals of a connection with its user and root.
// Paths without a live connection cannot be subscribed to ahead of time.
func (s *Service) canSubscribe(caller bus.Caller, path string) error {
	if path == ManagerPath {
		return nil
	}
	s.mu.RLock()
	uid, ok := s.owners[path]
	s.mu.RUnlock()
	if !ok {
		return bus.NewRPCError(bus.ErrCodeUnknownObject, "no such object: "+path)
	}
	return checkUID(caller, uid)
}

// WatchService forwards disappearance of service to gone and logs who the
// service is.
func (s *Service) WatchService(service string, gone func()) {
	s.bus.Watch(service, gone)
	go s.logCaller(service)
}

func (s *Service) logCaller(service string) {
	cred, ok := s.bus.Peer(service)
	if !ok {
		return
	}
	id := s.bus.Describe(bus.Caller{Service: service, UID: cred.UID, PID: cred.PID})
	log.WithFields(logger.Fields{
		"at":      "(Service).WatchService",
		"service": id.Service,
		"uid":     id.UID,
		"user":    id.User,
		"pid":     id.PID,
		"process": id.Process,
	}).Info("watching_service")
}

func (s *Service) Emit(n dconfig.Notification) {
	s.bus.Emit(n.Path, SignalValueChanged, ValueChanged{Path: n.Path, Key: n.Key, Global: n.Global})
}

// mapError assigns bus error codes to daemon errors.
func mapError(err error) *bus.RPCError {
	switch {
	case errors.Is(err, ErrAccessDenied), errors.Is(err, store.ErrPermissionDenied):
		return bus.NewRPCError(bus.ErrCodeAccessDenied, err.Error())
	case errors.Is(err, dconfig.ErrConnectionClosed):
		return bus.NewRPCError(bus.ErrCodeUnknownObject, err.Error())
	case errors.Is(err, store.ErrUnknownKey), errors.Is(err, dconfig.ErrInvalidConfiguration),
		errors.Is(err, dconfig.ErrInvalidName):
		return bus.NewRPCError(bus.ErrCodeInvalidParams, err.Error())
	}
	return bus.NewRPCError(bus.ErrCodeFailed, err.Error())
}
