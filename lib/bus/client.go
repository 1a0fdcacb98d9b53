package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dsg-config/dconfigd/lib/util/logger"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("bus client closed")

// Message is a signal received by a client.
type Message struct {
	Method string
	Path   string
	Params json.RawMessage
}

// Client is a bus peer. It is safe for concurrent use.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan *envelope
	err     error

	signals chan Message
	done    chan struct{}
}

// Dial connects to the bus at address.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[uint64]chan *envelope),
		signals: make(chan Message, 1024),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Signals delivers signals of subscribed paths. The channel is closed when
// the connection ends. Signals are dropped while the channel is full.
func (c *Client) Signals() <-chan Message {
	return c.signals
}

// Call invokes method on the object at path and decodes the result into
// result, which may be nil.
func (c *Client) Call(ctx context.Context, path, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	ch := make(chan *envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      uint64      `json:"id"`
		Method  string      `json:"method"`
		Path    string      `json:"path,omitempty"`
		Params  interface{} `json:"params,omitempty"`
	}{Version, id, method, path, params}

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case env := <-ch:
		if env.Error != nil {
			return env.Error
		}
		if result == nil || len(env.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name asks the server for the unique name of this client.
func (c *Client) Name(ctx context.Context) (string, error) {
	var name string
	err := c.Call(ctx, "/", MethodHello, nil, &name)
	return name, err
}

// Subscribe asks for the signals of path.
func (c *Client) Subscribe(ctx context.Context, path string) error {
	return c.Call(ctx, path, MethodSubscribe, nil, nil)
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.signals)
	dec := json.NewDecoder(c.conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %w", ErrClientClosed, err)
			c.mu.Unlock()
			close(c.done)
			return
		}
		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch := c.pending[*env.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- &env
			}
		case env.Method != "":
			msg := Message{Method: env.Method, Path: env.Path, Params: env.Params}
			select {
			case c.signals <- msg:
			default:
				log.WithFields(logger.Fields{
					"at":     "(Client).readLoop",
					"path":   env.Path,
					"method": env.Method,
				}).Warn("signal_dropped")
			}
		case env.Error != nil:
			log.WithError(env.Error).WithField("at", "(Client).readLoop").Warn("server_rejected_request")
		}
	}
}
