package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/proxy-mediator/connection"
	"github.com/sage-x-project/proxy-mediator/internal/logger"
)

// Relay is a self-repairing WebSocket client that pulls forwarded
// envelopes pushed by the upstream mediator and feeds each one into the
// registry's HandleMessage, reconnecting with backoff on disconnect.
// This supplements the TODO the distilled spec dropped from the
// original daemon's startup sequence ("start self repairing WS
// connection to mediator to retrieve messages as a separate task").
type Relay struct {
	url        string
	reg        *connection.Registry
	log        logger.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewRelay builds a relay pulling from wsURL into reg.
func NewRelay(wsURL string, reg *connection.Registry, log logger.Logger) *Relay {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Relay{
		url:        wsURL,
		reg:        reg,
		log:        log,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

// Run connects and reconnects until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	backoff := r.minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.runOnce(ctx); err != nil {
			r.log.Warn("relay connection lost, retrying", logger.Error(err), logger.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
			continue
		}
		backoff = r.minBackoff
	}
}

func (r *Relay) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if _, err := r.reg.HandleMessage(ctx, payload); err != nil {
			r.log.Warn("failed to handle relayed message", logger.Error(err))
		}
	}
}
