package connection

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// Target holds the routing information needed to reach a peer: its
// verification keys and service endpoint, as carried in a DIDDoc
// service entry.
type Target struct {
	Endpoint   string
	Recipients []string // base58 Ed25519 verkeys
	RoutingKeys []string
}

// Update replaces the target's recipients and endpoint, as happens when
// a connection response reveals the peer's real DIDDoc.
func (t *Target) Update(recipients []string, endpoint string) {
	t.Recipients = recipients
	t.Endpoint = endpoint
}

// Connection is one handshake/relationship with a peer: its own keys,
// its current state, and (once its target is known) how to reach it.
//
// Connection does not lock its own fields; every field is only ever
// touched from inside Registry.run, so the registry's single worker
// goroutine is what actually serializes access.
type Connection struct {
	DID        string
	PrivateKey ed25519.PrivateKey
	VerkeyB58  string
	Target     *Target
	Multiuse   bool

	state      State
	completion *Completion
}

// NewConnection creates a connection with a fresh random Ed25519
// keypair, in the null state, optionally aimed at target (nil until the
// peer's DIDDoc is known).
func NewConnection(target *Target) (*Connection, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating connection keypair: %w", err)
	}
	return &Connection{
		DID:        didFromVerkey(pub),
		PrivateKey: priv,
		VerkeyB58:  base58.Encode(pub),
		Target:     target,
		state:      StateNull,
		completion: NewCompletion(),
	}, nil
}

// didFromVerkey derives an abbreviated did:sov identifier from a
// verkey's first 16 bytes, the convention used throughout the Indy
// connection protocol this handshake implements.
func didFromVerkey(pub ed25519.PublicKey) string {
	return "did:sov:" + base58.Encode(pub[:16])
}

// PublicKey returns the connection's own Ed25519 verification key.
func (c *Connection) PublicKey() ed25519.PublicKey {
	return c.PrivateKey.Public().(ed25519.PublicKey)
}

// State returns the connection's current handshake state.
func (c *Connection) State() State { return c.state }

// Transition applies event to the connection's state machine, updating
// its state on success.
func (c *Connection) Transition(event Event) error {
	next, err := Apply(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// IsCompleted reports whether this connection's completion has fired.
func (c *Connection) IsCompleted() bool { return c.completion.IsDone() }

// Complete fulfills this connection's completion with itself.
func (c *Connection) Complete() { c.completion.Fulfill(c) }

// Completion exposes the one-shot completion future callers may wait on.
func (c *Connection) Completion() *Completion { return c.completion }

// FromInvite transfers state and completion from an invitation
// connection to the relationship connection that replaces it, so
// anyone already waiting on the invitation's completion is released
// when the relationship connection completes instead.
func (c *Connection) FromInvite(invite *Connection) {
	c.state = invite.state
	c.completion = invite.completion
}
