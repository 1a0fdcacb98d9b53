package bus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

// Methods every object answers without registering them.
const (
	MethodHello       = "hello"
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)

// ServerConfig holds the bus listener settings.
type ServerConfig struct {
	// Network is the listener network, normally "unix".
	Network string
	// Address is the socket path for unix networks.
	Address string
	// SocketMode is applied to a unix socket after it is created.
	SocketMode os.FileMode

	// RateLimit is the sustained number of requests per second per peer.
	RateLimit float64
	// Burst is the number of requests a peer may send at once.
	Burst int
	// MaxPeers bounds concurrent connections. Zero means no limit.
	MaxPeers int

	// MaxMessageSize bounds one request line in bytes.
	MaxMessageSize int
	// WriteTimeout bounds delivery of one response or signal.
	WriteTimeout time.Duration
	// IdentityTTL is how long resolved user names are cached.
	IdentityTTL time.Duration
}

// DefaultServerConfig returns the settings the daemon starts with.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Network:        "unix",
		Address:        "/run/dconfigd/bus.sock",
		SocketMode:     0o666,
		RateLimit:      500,
		Burst:          1000,
		MaxPeers:       256,
		MaxMessageSize: 1 << 20,
		WriteTimeout:   5 * time.Second,
		IdentityTTL:    time.Minute,
	}
}

// ErrorMapper turns a handler error into the error object sent to the peer.
type ErrorMapper func(err error) *RPCError

// SubscribeFilter decides whether caller may receive the signals of path.
// A non-nil error rejects the subscription.
type SubscribeFilter func(caller Caller, path string) error

// Server is the message bus: it accepts peers on a local socket, dispatches
// their calls to registered objects and pushes signals to subscribers.
type Server struct {
	config   *ServerConfig
	objects  *ObjectRegistry
	identity *identityCache
	mapError ErrorMapper
	canSub   SubscribeFilter

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	nextPeer uint64
	peers    map[string]*peer
	watches  map[string][]func()
}

// peer is one connected client.
type peer struct {
	name    string
	conn    net.Conn
	cred    Credentials
	limiter *rate.Limiter
	subs    mapset.Set[string]

	writeMu sync.Mutex
	enc     *json.Encoder
}

func (p *peer) caller() Caller {
	return Caller{Service: p.name, UID: p.cred.UID, PID: p.cred.PID}
}

// NewServer creates a bus server. Start must be called to accept peers.
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Address == "" {
		return nil, oops.Errorf("bus address is empty")
	}
	if config.RateLimit <= 0 || config.Burst <= 0 {
		return nil, oops.Errorf("bus rate limit must be positive, got %v/%d", config.RateLimit, config.Burst)
	}
	if config.MaxPeers < 0 {
		return nil, oops.Errorf("bus max peers must not be negative, got %d", config.MaxPeers)
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}
	if config.IdentityTTL <= 0 {
		config.IdentityTTL = DefaultServerConfig().IdentityTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		objects:  NewObjectRegistry(),
		identity: newIdentityCache(config.IdentityTTL),
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[string]*peer),
		watches:  make(map[string][]func()),
	}, nil
}

// SetErrorMapper installs the mapping used for non-RPCError handler errors.
func (s *Server) SetErrorMapper(fn ErrorMapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapError = fn
}

// SetSubscribeFilter installs the check run before a peer subscribes to a
// path on its own behalf.
func (s *Server) SetSubscribeFilter(fn SubscribeFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canSub = fn
}

// Start listens on the configured socket and begins accepting peers.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("bus server already running")
	}
	s.running = true
	s.mu.Unlock()

	listener, err := s.listen()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.listener = listener
	s.identity.start()

	log.WithFields(logger.Fields{
		"at":      "(Server).Start",
		"network": s.config.Network,
		"address": s.config.Address,
	}).Info("bus_server_started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.config.Network != "unix" {
		return net.Listen(s.config.Network, s.config.Address)
	}
	if err := os.MkdirAll(filepath.Dir(s.config.Address), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if fi, err := os.Lstat(s.config.Address); err == nil && fi.Mode()&os.ModeSocket != 0 {
		if err := os.Remove(s.config.Address); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", s.config.Address, err)
		}
	}
	listener, err := net.Listen(s.config.Network, s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	if s.config.SocketMode != 0 {
		if err := os.Chmod(s.config.Address, s.config.SocketMode); err != nil {
			listener.Close()
			return nil, fmt.Errorf("failed to set socket mode: %w", err)
		}
	}
	return listener, nil
}

// Stop closes the listener and every peer connection and waits for their
// goroutines. Watches of disconnected peers fire as usual.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			log.WithError(err).Warn("error_closing_listener")
		}
	}
	for _, p := range peers {
		p.conn.Close()
	}
	s.wg.Wait()
	s.identity.stop()

	log.WithField("at", "(Server).Stop").Info("bus_server_stopped")
	return nil
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "(Server).acceptLoop",
				"panic": r,
			}).Error("panic_in_accept_loop")
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.handleAcceptError(err) {
				return
			}
			continue
		}
		if s.shouldRejectConnection(conn) {
			continue
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleAcceptError reports whether the accept loop should exit.
func (s *Server) handleAcceptError(err error) bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	log.WithError(err).WithField("at", "(Server).acceptLoop").Warn("accept_failed")
	return false
}

func (s *Server) shouldRejectConnection(conn net.Conn) bool {
	if s.config.MaxPeers == 0 {
		return false
	}
	s.mu.Lock()
	n := len(s.peers)
	s.mu.Unlock()
	if n < s.config.MaxPeers {
		return false
	}
	log.WithFields(logger.Fields{
		"at":       "(Server).acceptLoop",
		"maxPeers": s.config.MaxPeers,
	}).Warn("max_peers_reached")
	conn.Close()
	return true
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	cred, err := peerCredentials(conn)
	if err != nil {
		log.WithError(err).WithField("at", "(Server).handleConnection").Warn("peer_credentials_unavailable")
		return
	}
	p := s.addPeer(conn, cred)
	defer s.removePeer(p)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), s.config.MaxMessageSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.handleLine(p, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).WithField("peer", p.name).Debug("peer_read_failed")
	}
}

func (s *Server) addPeer(conn net.Conn, cred Credentials) *peer {
	s.mu.Lock()
	s.nextPeer++
	p := &peer{
		name:    fmt.Sprintf(":1.%d", s.nextPeer),
		conn:    conn,
		cred:    cred,
		limiter: rate.NewLimiter(rate.Limit(s.config.RateLimit), s.config.Burst),
		subs:    mapset.NewSet[string](),
		enc:     json.NewEncoder(conn),
	}
	s.peers[p.name] = p
	s.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":   "(Server).addPeer",
		"peer": p.name,
		"uid":  cred.UID,
		"pid":  cred.PID,
	}).Debug("peer_connected")
	return p
}

// removePeer forgets p and runs the watches registered for its name.
func (s *Server) removePeer(p *peer) {
	s.mu.Lock()
	delete(s.peers, p.name)
	fns := s.watches[p.name]
	delete(s.watches, p.name)
	s.mu.Unlock()

	log.WithFields(logger.Fields{
		"at":      "(Server).removePeer",
		"peer":    p.name,
		"watches": len(fns),
	}).Debug("peer_disconnected")
	for _, fn := range fns {
		fn()
	}
}

func (s *Server) handleLine(p *peer, line []byte) {
	req, err := ParseRequest(line)
	if err != nil {
		var rpcErr *RPCError
		errors.As(err, &rpcErr)
		p.send(s.config.WriteTimeout, NewErrorResponse(nil, rpcErr))
		return
	}
	if !p.limiter.Allow() {
		log.WithFields(logger.Fields{
			"at":     "(Server).handleLine",
			"peer":   p.name,
			"method": req.Method,
		}).Warn("peer_rate_limit_exceeded")
		if !req.IsNotification() {
			p.send(s.config.WriteTimeout, NewErrorResponse(req.ID, NewRPCError(ErrCodeRateLimited, "rate limit exceeded")))
		}
		return
	}

	call := &Call{Caller: p.caller(), Path: req.Path, Method: req.Method, Params: req.Params}
	result, err := s.dispatch(p, call)
	if req.IsNotification() {
		return
	}
	if err != nil {
		p.send(s.config.WriteTimeout, NewErrorResponse(req.ID, s.toRPCError(err)))
		return
	}
	p.send(s.config.WriteTimeout, NewSuccessResponse(req.ID, result))
}

func (s *Server) dispatch(p *peer, call *Call) (interface{}, error) {
	log.WithFields(logger.Fields{
		"at":     "(Server).dispatch",
		"peer":   p.name,
		"path":   call.Path,
		"method": call.Method,
	}).Trace("call")

	switch call.Method {
	case MethodHello:
		return p.name, nil
	case MethodSubscribe:
		s.mu.Lock()
		canSub := s.canSub
		s.mu.Unlock()
		if canSub != nil {
			if err := canSub(call.Caller, call.Path); err != nil {
				return nil, err
			}
		}
		p.subs.Add(call.Path)
		return nil, nil
	case MethodUnsubscribe:
		p.subs.Remove(call.Path)
		return nil, nil
	}
	return s.objects.Dispatch(s.ctx, call)
}

func (s *Server) toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	s.mu.Lock()
	mapError := s.mapError
	s.mu.Unlock()
	if mapError != nil {
		if mapped := mapError(err); mapped != nil {
			return mapped
		}
	}
	return &RPCError{Code: ErrCodeFailed, Message: err.Error()}
}

// send writes one message. A peer that cannot take it within timeout is
// disconnected.
func (p *peer) send(timeout time.Duration, msg interface{}) bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if timeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := p.enc.Encode(msg); err != nil {
		log.WithError(err).WithField("peer", p.name).Debug("peer_write_failed")
		p.conn.Close()
		return false
	}
	return true
}

// RegisterObject publishes methods at path.
func (s *Server) RegisterObject(path string, methods MethodTable) error {
	return s.objects.Register(path, methods)
}

func (s *Server) UnregisterObject(path string) {
	s.objects.Unregister(path)
}

func (s *Server) HasObject(path string) bool {
	return s.objects.IsRegistered(path)
}

// Objects returns the registered object paths in sorted order.
func (s *Server) Objects() []string {
	return s.objects.Paths()
}

// Watch runs fn once when the peer called name disconnects. If no such peer
// is connected fn runs right away on its own goroutine.
func (s *Server) Watch(name string, fn func()) {
	s.mu.Lock()
	if _, ok := s.peers[name]; !ok {
		s.mu.Unlock()
		go fn()
		return
	}
	s.watches[name] = append(s.watches[name], fn)
	s.mu.Unlock()
}

// Subscribe routes signals of path to the peer called name.
func (s *Server) Subscribe(name, path string) bool {
	s.mu.Lock()
	p := s.peers[name]
	s.mu.Unlock()
	if p == nil {
		return false
	}
	p.subs.Add(path)
	return true
}

// Emit sends a signal to every peer subscribed to path.
func (s *Server) Emit(path, method string, params interface{}) int {
	s.mu.Lock()
	var targets []*peer
	for _, p := range s.peers {
		if p.subs.Contains(path) {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	sig := &Signal{JSONRPC: Version, Method: method, Path: path, Params: params}
	sent := 0
	for _, p := range targets {
		if p.send(s.config.WriteTimeout, sig) {
			sent++
		}
	}
	return sent
}

// Peer returns the credentials of a connected peer.
func (s *Server) Peer(name string) (Credentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[name]
	if !ok {
		return Credentials{}, false
	}
	return p.cred, true
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Describe resolves the user and process names of a caller.
func (s *Server) Describe(caller Caller) Identity {
	return s.identity.describe(caller)
}
