package connection

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/proxy-mediator/envelope"
)

// discardTransport accepts every payload and delivers none of it.
type discardTransport struct{}

func (discardTransport) Send(context.Context, *Target, []byte) error { return nil }

// TestMultiuseInvitation is scenario 2: a multi-use invitation survives
// being consumed by more than one peer. After each request the
// invitation key remains in the inviter's map, so A ends up with three
// live connections: the invite itself plus one relationship connection
// per invitee.
func TestMultiuseInvitation(t *testing.T) {
	transport := newDirectoryTransport()
	a := newTestRegistry("a-endpoint", transport)
	b1 := newTestRegistry("b1-endpoint", transport)
	b2 := newTestRegistry("b2-endpoint", transport)
	transport.register("a-endpoint", a)
	transport.register("b1-endpoint", b1)
	transport.register("b2-endpoint", b2)
	defer a.Close()
	defer b1.Close()
	defer b2.Close()

	aInvite, inviteURL, err := a.CreateInvitation(true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b1Conn, err := b1.ReceiveInviteURL(ctx, inviteURL, "b1-endpoint")
	require.NoError(t, err)
	_, err = b1Conn.Completion().Wait(ctx)
	require.NoError(t, err)

	a.run(func() {
		_, ok := a.byKey[aInvite.VerkeyB58]
		assert.True(t, ok, "invitation key must still be present after the first request")
	})

	b2Conn, err := b2.ReceiveInviteURL(ctx, inviteURL, "b2-endpoint")
	require.NoError(t, err)
	_, err = b2Conn.Completion().Wait(ctx)
	require.NoError(t, err)

	var keys []string
	a.run(func() {
		for k := range a.byKey {
			keys = append(keys, k)
		}
	})
	assert.Len(t, keys, 3, "invite connection plus one relationship connection per invitee")
}

// TestSignatureFailureAsymmetry is scenario 5: a response whose
// connection~sig does not verify leaves the requester's connection in
// the map under the invitation key (available for a legitimate retry)
// and never fulfills its completion signal, in contrast to a successful
// response which both pops and fulfills.
func TestSignatureFailureAsymmetry(t *testing.T) {
	transport := newDirectoryTransport()
	a := newTestRegistry("a-endpoint", transport)
	defer a.Close()

	aInvite, inviteURL, err := a.CreateInvitation(false)
	require.NoError(t, err)

	// b's connection request goes nowhere, so b's connection stays in
	// request_sent, waiting for a response.
	b := newTestRegistry("b-endpoint", discardTransport{})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bConn, err := b.ReceiveInviteURL(ctx, inviteURL, "b-endpoint")
	require.NoError(t, err)

	// Sign a connection block with an unrelated key, then corrupt the
	// signature bytes themselves so the field cannot verify under any
	// signer, forged or genuine.
	_, forgerPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	block := ConnectionBlock{
		DID: "did:sov:forged",
		DIDDoc: DIDDoc{
			Service: []DIDDocService{{ServiceEndpoint: "nowhere", RecipientKeys: []string{"bogus"}}},
		},
	}
	signed, err := SignConnectionBlock(forgerPriv, aInvite.VerkeyB58, block)
	require.NoError(t, err)
	signed.Signature = signed.Signature[:len(signed.Signature)-2] + "xx"

	resp := connectionResponseMessage{Id: newMessageID(), Type: TypeResponse, ConnectionSig: signed}
	respJSON, err := json.Marshal(resp)
	require.NoError(t, err)

	packed, err := envelope.Pack(nil, []ed25519.PublicKey{bConn.PublicKey()}, respJSON)
	require.NoError(t, err)

	_, err = b.HandleMessage(ctx, packed)
	require.Error(t, err)

	var stillThere *Connection
	b.run(func() { stillThere = b.byKey[aInvite.VerkeyB58] })
	assert.Same(t, bConn, stillThere, "connection must remain available for retry after a failed verification")
	assert.False(t, bConn.IsCompleted(), "completion must not fire on a forged response")
}

// TestTrustPingIdempotence is scenario 6: two successive pings received
// after completion each elicit one ping_response, and state stays
// complete throughout. The inviter's relationship connection is the
// one that receives trust pings, so the test drives pings at bob's
// (the inviter's) completed connection rather than alice's.
func TestTrustPingIdempotence(t *testing.T) {
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
	_, err = aliceConn.Completion().Wait(ctx)
	require.NoError(t, err)

	bobCompleted, err := bobInvite.Completion().Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StateComplete, bobCompleted.State())

	for i := 0; i < 2; i++ {
		ping := pingMessage{Id: newMessageID(), Type: TypePing}
		pingJSON, err := json.Marshal(ping)
		require.NoError(t, err)
		packed, err := envelope.Pack(nil, []ed25519.PublicKey{bobCompleted.PublicKey()}, pingJSON)
		require.NoError(t, err)

		_, err = bob.HandleMessage(ctx, packed)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, bobCompleted.State())
	}
}
