// Package mediation implements the Coordinate-Mediation protocol: the
// local agent asks its upstream mediator for routing service, and
// updates the mediator's record of which keys should be routed to it.
// It is registered into the connection registry's shared dispatcher
// like any other protocol module.
package mediation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sage-x-project/proxy-mediator/connection"
	"github.com/sage-x-project/proxy-mediator/internal/logger"
)

const docURI = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/"

const (
	TypeMediateRequest         = docURI + "coordinate-mediation/1.0/mediate-request"
	TypeMediateGrant           = docURI + "coordinate-mediation/1.0/mediate-grant"
	TypeMediateDeny            = docURI + "coordinate-mediation/1.0/mediate-deny"
	TypeKeylistUpdate          = docURI + "coordinate-mediation/1.0/keylist-update"
	TypeKeylistUpdateResponse  = docURI + "coordinate-mediation/1.0/keylist-update-response"
)

// CodeMediationDenied is the reportable error code surfaced when the
// upstream mediator refuses mediation.
const CodeMediationDenied = "mediation-denied"

// KeylistAction is either "add" or "remove".
type KeylistAction string

const (
	ActionAdd    KeylistAction = "add"
	ActionRemove KeylistAction = "remove"
)

// Grant is what a granted mediation tells us: the mediator's own
// routing endpoint and keys to be used in any DIDDoc routed through it.
type Grant struct {
	Endpoint    string   `json:"endpoint"`
	RoutingKeys []string `json:"routing_keys"`
}

type mediateRequestMessage struct {
	Type string `json:"@type"`
}

type mediateGrantMessage struct {
	Type        string   `json:"@type"`
	Endpoint    string   `json:"endpoint"`
	RoutingKeys []string `json:"routing_keys"`
}

type mediateDenyMessage struct {
	Type   string `json:"@type"`
	Reason string `json:"reason,omitempty"`
}

type keylistUpdateItem struct {
	RecipientKey string        `json:"recipient_key"`
	Action       KeylistAction `json:"action"`
}

type keylistUpdateMessage struct {
	Type    string              `json:"@type"`
	Updates []keylistUpdateItem `json:"updates"`
}

type keylistUpdateResult struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
	Result       string `json:"result"`
}

type keylistUpdateResponseMessage struct {
	Type    string                 `json:"@type"`
	Updated []keylistUpdateResult  `json:"updated"`
}

// pendingGrant is resolved once by the matching mediate-grant or
// mediate-deny handler, the same one-shot pattern connection.Completion
// uses for handshake completion.
type pendingGrant struct {
	done chan struct{}
	once sync.Once
	err  error
	info Grant
}

// Client drives the Coordinate-Mediation protocol against one upstream
// mediator connection. Register its Routes on the registry's shared
// dispatcher before calling RequestMediation.
type Client struct {
	reg *connection.Registry

	mu      sync.Mutex
	pending *pendingGrant
}

// NewClient returns a mediation client bound to reg's shared
// dispatcher; callers must still call reg.Dispatcher().AddModule(client).
func NewClient(reg *connection.Registry) *Client {
	return &Client{reg: reg}
}

// Routes implements connection.Module.
func (c *Client) Routes() map[string]connection.HandlerFunc {
	return map[string]connection.HandlerFunc{
		TypeMediateGrant:          c.handleGrant,
		TypeMediateDeny:           c.handleDeny,
		TypeKeylistUpdateResponse: c.handleKeylistUpdateResponse,
	}
}

// RequestMediation sends a mediate-request on mediatorConn and blocks
// until the matching mediate-grant or mediate-deny arrives (as a later,
// independent call into the registry's HandleMessage), or ctx expires.
// A deny is surfaced as a ReportableError with CodeMediationDenied.
func (c *Client) RequestMediation(ctx context.Context, mediatorConn *connection.Connection) (Grant, error) {
	c.mu.Lock()
	p := &pendingGrant{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	if err := c.reg.SendMessage(ctx, mediatorConn, mediateRequestMessage{Type: TypeMediateRequest}); err != nil {
		return Grant{}, fmt.Errorf("sending mediate-request: %w", err)
	}

	select {
	case <-p.done:
		return p.info, p.err
	case <-ctx.Done():
		return Grant{}, ctx.Err()
	}
}

func (c *Client) handleGrant(_ context.Context, _ *connection.Registry, _ *connection.Connection, body []byte) ([]byte, error) {
	var msg mediateGrantMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	grant := Grant{Endpoint: msg.Endpoint, RoutingKeys: msg.RoutingKeys}
	c.resolve(grant, nil)
	return nil, nil
}

func (c *Client) handleDeny(_ context.Context, _ *connection.Registry, _ *connection.Connection, body []byte) ([]byte, error) {
	var msg mediateDenyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	err := connection.NewReportableError(CodeMediationDenied, msg.Reason)
	c.resolve(Grant{}, err)
	return nil, err
}

func (c *Client) resolve(grant Grant, err error) {
	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.info = grant
		p.err = err
		close(p.done)
	})
}

// SendKeylistUpdate asks the mediator to add or remove recipientKey
// from the set of keys it routes to us, and returns once the send has
// gone out; the response is logged when it arrives rather than
// synchronously awaited, since the daemon treats keylist updates as
// fire-and-forget housekeeping.
func (c *Client) SendKeylistUpdate(ctx context.Context, mediatorConn *connection.Connection, action KeylistAction, recipientKey string) error {
	msg := keylistUpdateMessage{
		Type: TypeKeylistUpdate,
		Updates: []keylistUpdateItem{
			{RecipientKey: recipientKey, Action: action},
		},
	}
	return c.reg.SendMessage(ctx, mediatorConn, msg)
}

func (c *Client) handleKeylistUpdateResponse(_ context.Context, reg *connection.Registry, _ *connection.Connection, body []byte) ([]byte, error) {
	var msg keylistUpdateResponseMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	for _, u := range msg.Updated {
		reg.Log().Debug("keylist update result",
			logger.String("recipient_key", u.RecipientKey),
			logger.String("action", u.Action),
			logger.String("result", u.Result),
		)
	}
	return nil, nil
}
