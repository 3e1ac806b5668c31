package connection

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/proxy-mediator/envelope"
)

// directoryTransport is an in-memory Transport routing by endpoint
// name, standing in for the network in these tests: Send hands the
// packed bytes directly to the addressed registry's HandleMessage.
type directoryTransport struct {
	byEndpoint map[string]*Registry
}

func newDirectoryTransport() *directoryTransport {
	return &directoryTransport{byEndpoint: make(map[string]*Registry)}
}

func (t *directoryTransport) register(endpoint string, reg *Registry) {
	t.byEndpoint[endpoint] = reg
}

func (t *directoryTransport) Send(ctx context.Context, target *Target, payload []byte) error {
	reg, ok := t.byEndpoint[target.Endpoint]
	if !ok {
		return &ErrConnectionNotFound{Recipients: []string{target.Endpoint}}
	}
	_, err := reg.HandleMessage(ctx, payload)
	return err
}

func newTestRegistry(endpoint string, transport Transport) *Registry {
	return NewRegistry(endpoint, envelope.Inspector{}, envelope.Packer{}, transport, nil)
}

// TestFullHandshake runs invitation -> request -> response -> ping ->
// ping_response between two registries standing in for an inviter and
// an invitee, and checks both sides land in the complete state. It also
// checks the completion-transfer property: the inviter's original
// invitation connection and the relationship connection its Completion
// resolves to are two different *Connection values, since handleRequest
// replaces the invitation connection with a fresh one and carries the
// waiter over via FromInvite.
func TestFullHandshake(t *testing.T) {
	transport := newDirectoryTransport()
	alice := newTestRegistry("alice-endpoint", transport)
	bob := newTestRegistry("bob-endpoint", transport)
	transport.register("alice-endpoint", alice)
	transport.register("bob-endpoint", bob)
	defer alice.Close()
	defer bob.Close()

	bobInvite, inviteURL, err := bob.CreateInvitation(false)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	aliceConn, err := alice.ReceiveInviteURL(ctx, inviteURL, "alice-endpoint")
	require.NoError(t, err)

	completed, err := aliceConn.Completion().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, completed.State())

	bobCompleted, err := bobInvite.Completion().Wait(ctx)
	require.NoError(t, err)
	assert.NotSame(t, bobInvite, bobCompleted)
	assert.NotEqual(t, bobInvite.VerkeyB58, bobCompleted.VerkeyB58)
}

// TestHandleMessageUnknownRecipientIsNotFound is P1: an inbound packed
// message naming no known connection is rejected, not silently
// swallowed.
func TestHandleMessageUnknownRecipientIsNotFound(t *testing.T) {
	transport := newDirectoryTransport()
	reg := newTestRegistry("ep", transport)
	defer reg.Close()

	stranger, err := NewConnection(nil)
	require.NoError(t, err)

	packed, err := envelope.Pack(stranger.PrivateKey, []ed25519.PublicKey{stranger.PublicKey()}, []byte(`{"@type":"x"}`))
	require.NoError(t, err)

	// The stranger was never registered, so no known connection matches.
	_, perr := reg.HandleMessage(context.Background(), packed)
	require.Error(t, perr)

	var notFound *ErrConnectionNotFound
	assert.True(t, errors.As(perr, &notFound))
}

// TestHandleMessageInvalidEnvelopeIsRejected is P2: malformed packed
// bytes are reported as an invalid envelope, not misread as "no
// connection found".
func TestHandleMessageInvalidEnvelopeIsRejected(t *testing.T) {
	transport := newDirectoryTransport()
	reg := newTestRegistry("ep", transport)
	defer reg.Close()

	_, err := reg.HandleMessage(context.Background(), []byte("not a packed message"))
	require.Error(t, err)
	var invalid *ErrInvalidEnvelope
	assert.True(t, errors.As(err, &invalid))
}
