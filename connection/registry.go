// Package connection implements the connection-establishment and
// message-dispatch engine: the handshake state machine, the connection
// registry that indexes live connections by key, and the Connections
// protocol handlers that drive both through a peer exchange.
package connection

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mr-tron/base58"

	"github.com/sage-x-project/proxy-mediator/internal/logger"
)

// Inspector extracts the recipient key list from a packed envelope
// without decrypting it — the Envelope Inspector collaborator. Kept as
// an interface here so the registry never imports the envelope
// package directly; envelope.Inspector satisfies it.
type Inspector interface {
	Recipients(packed []byte) ([]string, error)
}

// Packer seals an outbound plaintext message for one or more
// recipients and opens inbound ones — the Envelope Packer collaborator.
// envelope.Packer satisfies it.
type Packer interface {
	Pack(senderKey ed25519.PrivateKey, recipients []ed25519.PublicKey, plaintext []byte) ([]byte, error)
	Unpack(recipientKey ed25519.PrivateKey, packed []byte) (plaintext []byte, senderKID string, err error)
}

// Transport delivers a packed message to target over the network. The
// in-memory implementation used by tests and the HTTP implementation
// used in production both satisfy this.
type Transport interface {
	Send(ctx context.Context, target *Target, payload []byte) error
}

// event is a minimal level-triggered broadcast, the Go stand-in for
// asyncio.Event: Set is idempotent, Wait returns once Set has been
// called (even if that happened before Wait was invoked).
type event struct {
	mu   sync.Mutex
	ch   chan struct{}
	once bool
}

func newEvent() *event { return &event{ch: make(chan struct{})} }

func (e *event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.once {
		e.once = true
		close(e.ch)
	}
}

func (e *event) Wait(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry is the connection registry: it owns every live connection,
// indexed by every key it is currently reachable under, and the shared
// dispatcher those connections' inbound sessions route through.
//
// Every registry-map and connection-state mutation runs inside run, on
// a single worker goroutine, so two concurrent inbound messages can
// never observe or produce a torn registry. The two genuine suspension
// points — waiting on a connection's Completion and sending over
// Transport — deliberately happen outside run, so a slow peer cannot
// block unrelated connections' message processing.
type Registry struct {
	endpoint   string
	inspector  Inspector
	packer     Packer
	transport  Transport
	dispatcher *Dispatcher
	log        logger.Logger

	cmds chan func()

	byKey              map[string]*Connection
	mediatorConnection *Connection
	mediatorEvent      *event
	agentConnection    *Connection
	agentInvitation    string
}

// NewRegistry builds a registry for the given service endpoint (used as
// serviceEndpoint in invitations and DIDDocs this mediator issues) and
// starts its single worker goroutine.
func NewRegistry(endpoint string, inspector Inspector, packer Packer, transport Transport, log logger.Logger) *Registry {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	r := &Registry{
		endpoint:      endpoint,
		inspector:     inspector,
		packer:        packer,
		transport:     transport,
		dispatcher:    NewDispatcher(),
		log:           log,
		cmds:          make(chan func()),
		byKey:         make(map[string]*Connection),
		mediatorEvent: newEvent(),
	}
	r.dispatcher.AddModule(connectionsModule{})
	go r.loop()
	return r
}

// Dispatcher exposes the shared dispatcher so other protocol modules
// (Coordinate-Mediation, Routing) can register their own routes on it.
func (r *Registry) Dispatcher() *Dispatcher { return r.dispatcher }

// SendMessage packs msg (any JSON-marshalable value carrying its own
// "@type") for conn's current target and sends it over Transport. It is
// the hook other protocol modules (Coordinate-Mediation, Routing) use
// to send on a connection without reaching into registry internals.
func (r *Registry) SendMessage(ctx context.Context, conn *Connection, msg interface{}) error {
	return r.sendJSON(ctx, conn, msg)
}

// Log exposes the registry's logger for protocol modules built outside
// this package.
func (r *Registry) Log() logger.Logger { return r.log }

// SendRaw sends an already-packed payload to conn's current target
// without packing it again. Routing's forward handler uses this:
// a forwarded message is already a packed envelope addressed to the
// agent, so it is relayed unmodified rather than unpacked and repacked.
func (r *Registry) SendRaw(ctx context.Context, conn *Connection, payload []byte) error {
	if conn.Target == nil {
		return fmt.Errorf("connection %s has no target to send to", conn.VerkeyB58)
	}
	return r.transport.Send(ctx, conn.Target, payload)
}

// Endpoint returns the service endpoint this registry advertises.
func (r *Registry) Endpoint() string { return r.endpoint }

func (r *Registry) loop() {
	for fn := range r.cmds {
		fn()
	}
}

// run executes fn on the registry's single worker goroutine and blocks
// until it has finished, giving the caller a synchronous call into
// otherwise-serialized state.
func (r *Registry) run(fn func()) {
	done := make(chan struct{})
	r.cmds <- func() {
		fn()
		close(done)
	}
	<-done
}

// Close stops the registry's worker goroutine. No further calls may be
// made against the registry afterward.
func (r *Registry) Close() { close(r.cmds) }

// AgentConnection returns the current agent-facing connection, or nil
// if one has not yet been established.
func (r *Registry) AgentConnection() *Connection {
	var conn *Connection
	r.run(func() { conn = r.agentConnection })
	return conn
}

// MediatorConnection returns the current connection to the upstream
// mediator, or nil if one has not yet been established.
func (r *Registry) MediatorConnection() *Connection {
	var conn *Connection
	r.run(func() { conn = r.mediatorConnection })
	return conn
}

// AgentInvitation returns the invitation URL most recently issued for
// the local agent to consume, or "" if none has been created yet.
func (r *Registry) AgentInvitation() string {
	var inv string
	r.run(func() { inv = r.agentInvitation })
	return inv
}

// SetAgentConnection records conn as the local agent's connection.
// Routing's forward handler checks AgentConnection to decide whether
// the agent side of the relay is up yet.
func (r *Registry) SetAgentConnection(conn *Connection) {
	r.run(func() { r.agentConnection = conn })
}

// MediatorInviteReceived blocks until ReceiveMediatorInvite has
// established the mediator connection, then returns it.
func (r *Registry) MediatorInviteReceived(ctx context.Context) (*Connection, error) {
	if err := r.mediatorEvent.Wait(ctx); err != nil {
		return nil, err
	}
	conn := r.MediatorConnection()
	if conn == nil {
		return nil, fmt.Errorf("mediator connection event fired without a connection set")
	}
	return conn, nil
}

// ReceiveMediatorInvite decodes and processes an invitation URL as the
// upstream mediator connection, recording it as such once established.
func (r *Registry) ReceiveMediatorInvite(ctx context.Context, inviteURL string) (*Connection, error) {
	conn, err := r.ReceiveInviteURL(ctx, inviteURL, "")
	if err != nil {
		return nil, err
	}
	r.run(func() { r.mediatorConnection = conn })
	r.mediatorEvent.Set()
	return conn, nil
}

// HandleMessage is the Envelope Inspector + Dispatcher pipeline: find
// every connection a packed message names as a recipient, unpack and
// dispatch the message once per connection, and return any synchronous
// reply produced. A packed message naming no known connection is a
// ConnectionNotFound error; nothing is mutated in that case.
func (r *Registry) HandleMessage(ctx context.Context, packed []byte) ([]byte, error) {
	recipients, err := r.inspector.Recipients(packed)
	if err != nil {
		return nil, &ErrInvalidEnvelope{Cause: err}
	}

	var conns []*Connection
	r.run(func() {
		seen := make(map[*Connection]bool)
		for _, kid := range recipients {
			if c, ok := r.byKey[kid]; ok && !seen[c] {
				seen[c] = true
				conns = append(conns, c)
			}
		}
	})
	if len(conns) == 0 {
		return nil, &ErrConnectionNotFound{Recipients: recipients}
	}

	var reply []byte
	for _, conn := range conns {
		r.log.Debug("handling message for connection", logger.String("verkey", conn.VerkeyB58))
		plaintext, _, err := r.packer.Unpack(conn.PrivateKey, packed)
		if err != nil {
			return nil, &ErrInvalidEnvelope{Cause: err}
		}
		var env envelopeMessage
		if err := json.Unmarshal(plaintext, &env); err != nil {
			return nil, &ErrInvalidEnvelope{Cause: err}
		}
		resp, err := r.dispatcher.Dispatch(ctx, r, conn, env.Type, plaintext)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			reply = resp
		}
	}
	return reply, nil
}

// CreateInvitation generates a fresh connection in invite_sent state,
// registers it under its own verkey, and returns it alongside the
// invitation URL a peer decodes to reach it.
func (r *Registry) CreateInvitation(multiuse bool) (*Connection, string, error) {
	conn, err := NewConnection(nil)
	if err != nil {
		return nil, "", err
	}
	conn.Multiuse = multiuse
	if err := conn.Transition(EventSendInvite); err != nil {
		return nil, "", err
	}

	r.run(func() { r.byKey[conn.VerkeyB58] = conn })

	invitation := Invitation{
		Id:              newMessageID(),
		Type:            TypeInvitation,
		Label:           "proxy-mediator",
		RecipientKeys:   []string{conn.VerkeyB58},
		ServiceEndpoint: r.endpoint,
		RoutingKeys:     []string{},
	}
	invJSON, err := json.Marshal(invitation)
	if err != nil {
		return nil, "", fmt.Errorf("marshaling invitation: %w", err)
	}
	url := fmt.Sprintf("%s?c_i=%s", r.endpoint, base64.URLEncoding.EncodeToString(invJSON))
	r.run(func() { r.agentInvitation = url })
	r.log.Debug("created invitation", logger.String("url", url))
	return conn, url, nil
}

// ReceiveInviteURL decodes a "...?c_i=<base64>" invitation URL and
// processes it. ownEndpoint is advertised in the connection request's
// DIDDoc as this agent's own service endpoint for the new relationship;
// "" advertises the registry's own endpoint instead (as
// ReceiveMediatorInvite does).
func (r *Registry) ReceiveInviteURL(ctx context.Context, inviteURL string, ownEndpoint string) (*Connection, error) {
	idx := strings.Index(inviteURL, "c_i=")
	if idx < 0 {
		return nil, fmt.Errorf("invitation url missing c_i parameter")
	}
	encoded := inviteURL[idx+len("c_i="):]
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, fmt.Errorf("decoding invitation payload: %w", err)
		}
	}
	var invite Invitation
	if err := json.Unmarshal(raw, &invite); err != nil {
		return nil, fmt.Errorf("decoding invitation: %w", err)
	}
	return r.ReceiveInvite(ctx, invite, ownEndpoint)
}

// ReceiveInvite processes a decoded invitation: creates a new
// connection targeting the inviter, registers it under both its own
// verkey and the invitation key (so the connection response, whose
// connection~sig signer is the invitation key, finds it), and sends a
// connection request.
func (r *Registry) ReceiveInvite(ctx context.Context, invite Invitation, ownEndpoint string) (*Connection, error) {
	if len(invite.RecipientKeys) == 0 {
		return nil, fmt.Errorf("invitation has no recipient keys")
	}
	invitationKey := invite.RecipientKeys[0]

	conn, err := NewConnection(&Target{
		Endpoint:   invite.ServiceEndpoint,
		Recipients: invite.RecipientKeys,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Transition(EventReceiveInvite); err != nil {
		return nil, err
	}

	r.run(func() {
		r.byKey[conn.VerkeyB58] = conn
		r.byKey[invitationKey] = conn
	})

	endpoint := ownEndpoint
	if endpoint == "" {
		endpoint = r.endpoint
	}
	request := connectionRequestMessage{
		Id:    newMessageID(),
		Type:  TypeRequest,
		Label: "proxy-mediator",
		Connection: ConnectionRequestBody{
			DID: conn.DID,
			DIDDoc: DIDDoc{
				Context: "https://w3id.org/did/v1",
				ID:      conn.DID,
				PublicKey: []DIDDocPublicKey{{
					ID:              conn.DID + "#keys-1",
					Type:            "Ed25519VerificationKey2018",
					Controller:      conn.DID,
					PublicKeyBase58: conn.VerkeyB58,
				}},
				Service: []DIDDocService{{
					ID:              conn.DID + "#indy",
					Type:            "IndyAgent",
					RecipientKeys:   []string{conn.VerkeyB58},
					RoutingKeys:     []string{},
					ServiceEndpoint: endpoint,
				}},
			},
		},
	}

	if err := conn.Transition(EventSendRequest); err != nil {
		return nil, err
	}
	if err := r.sendJSON(ctx, conn, request); err != nil {
		return nil, fmt.Errorf("sending connection request: %w", err)
	}
	return conn, nil
}

// sendJSON packs msg for conn's current target and sends it over
// Transport. It is the one place every outbound protocol message in
// this package funnels through.
func (r *Registry) sendJSON(ctx context.Context, conn *Connection, msg interface{}) error {
	if conn.Target == nil {
		return fmt.Errorf("connection %s has no target to send to", conn.VerkeyB58)
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling outbound message: %w", err)
	}
	recipients := make([]ed25519.PublicKey, 0, len(conn.Target.Recipients))
	for _, r58 := range conn.Target.Recipients {
		pub, err := base58.Decode(r58)
		if err != nil {
			return fmt.Errorf("decoding target recipient key: %w", err)
		}
		recipients = append(recipients, ed25519.PublicKey(pub))
	}
	packed, err := r.packer.Pack(conn.PrivateKey, recipients, plaintext)
	if err != nil {
		return fmt.Errorf("packing outbound message: %w", err)
	}
	return r.transport.Send(ctx, conn.Target, packed)
}
