package connection

import "context"

// HandlerFunc processes one inbound plaintext message addressed to
// conn. body is the decrypted message bytes; a non-nil return is packed
// and sent back inline as a synchronous reply. Per design, a handler
// produces at most one synchronous reply — Dispatch enforces this by
// construction, since a HandlerFunc can only return a single []byte.
type HandlerFunc func(ctx context.Context, reg *Registry, conn *Connection, body []byte) ([]byte, error)

// Module groups a related family of message handlers under their wire
// types, the way the Connections, Coordinate-Mediation, and Routing
// protocols each do, so they can all be registered into one shared
// Dispatcher.
type Module interface {
	Routes() map[string]HandlerFunc
}

// Dispatcher routes an inbound plaintext message to the handler
// registered for its @type, shared across every protocol module so a
// single connection's inbound session can serve requests from any of
// them.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

// AddHandler registers fn for msgType, overwriting any previous handler.
func (d *Dispatcher) AddHandler(msgType string, fn HandlerFunc) {
	d.handlers[msgType] = fn
}

// AddModule registers every route a module declares.
func (d *Dispatcher) AddModule(m Module) {
	for msgType, fn := range m.Routes() {
		d.AddHandler(msgType, fn)
	}
}

// Dispatch looks up msgType's handler and invokes it. A missing handler
// is reported as a ReportableError rather than silently dropped, so an
// unsupported protocol message surfaces to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, reg *Registry, conn *Connection, msgType string, body []byte) ([]byte, error) {
	fn, ok := d.handlers[msgType]
	if !ok {
		return nil, NewReportableError("unsupported-message-type", msgType)
	}
	return fn(ctx, reg, conn, body)
}
