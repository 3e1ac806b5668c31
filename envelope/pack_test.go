package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	senderPub, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = senderPub

	recipPub, recipPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	plaintext := []byte(`{"@type":"test/1.0/hello","msg":"hi"}`)

	packed, err := Pack(senderPriv, []ed25519.PublicKey{recipPub}, plaintext)
	require.NoError(t, err)

	got, sender, err := Unpack(recipPriv, packed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	assert.NotEmpty(t, sender)
}

// TestPackMultiRecipientRoundTrip is R3: every recipient in the list
// can independently unpack the same message.
func TestPackMultiRecipientRoundTrip(t *testing.T) {
	_, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	const n = 4
	pubs := make([]ed25519.PublicKey, n)
	privs := make([]ed25519.PrivateKey, n)
	for i := 0; i < n; i++ {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		pubs[i] = pub
		privs[i] = priv
	}

	plaintext := []byte("shared message body")
	packed, err := Pack(senderPriv, pubs, plaintext)
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		got, _, err := Unpack(privs[i], packed)
		require.NoError(t, err, "recipient %d should be able to unpack", i)
		assert.Equal(t, plaintext, got)
	}
}

func TestUnpackWrongKeyFails(t *testing.T) {
	_, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	recipPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, wrongPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	packed, err := Pack(senderPriv, []ed25519.PublicKey{recipPub}, []byte("secret"))
	require.NoError(t, err)

	_, _, err = Unpack(wrongPriv, packed)
	assert.Error(t, err)
}

func TestPackTamperedCiphertextFailsToOpen(t *testing.T) {
	_, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	recipPub, recipPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	packed, err := Pack(senderPriv, []ed25519.PublicKey{recipPub}, []byte("secret"))
	require.NoError(t, err)

	tampered := append([]byte{}, packed...)
	tampered[len(tampered)-10] ^= 0xFF

	_, _, err = Unpack(recipPriv, tampered)
	assert.Error(t, err)
}
