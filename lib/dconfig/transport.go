package dconfig

// Notification tells the client of a connection that a key changed value.
type Notification struct {
	Path   string
	Key    string
	Global bool
}

// Transport exposes connections to clients. The server calls it from the
// dispatcher loop, so implementations must not call back into the server
// synchronously.
type Transport interface {
	// RegisterConnection publishes conn at conn.Path().
	RegisterConnection(conn *Connection) error
	// UnregisterConnection removes the object published for conn.
	UnregisterConnection(conn *Connection)
	// WatchService arranges for gone to be called once service disconnects.
	// gone runs on a transport goroutine.
	WatchService(service string, gone func())
	// Emit delivers a change notification to the clients of n.Path.
	Emit(n Notification)
}

type nopTransport struct{}

func (nopTransport) RegisterConnection(*Connection) error { return nil }
func (nopTransport) UnregisterConnection(*Connection)     {}
func (nopTransport) WatchService(string, func())          {}
func (nopTransport) Emit(Notification)                    {}
