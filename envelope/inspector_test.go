package envelope

import (
	"crypto/ed25519"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientsReadsKIDsWithoutDecrypting(t *testing.T) {
	_, senderPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	recip1Pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	recip2Pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	packed, err := Pack(senderPriv, []ed25519.PublicKey{recip1Pub, recip2Pub}, []byte("hello"))
	require.NoError(t, err)

	kids, err := Recipients(packed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{base58.Encode(recip1Pub), base58.Encode(recip2Pub)}, kids)
}

func TestRecipientsRejectsInvalidJSON(t *testing.T) {
	_, err := Recipients([]byte("not json"))
	assert.Error(t, err)
}

func TestRecipientsRejectsMissingProtectedHeader(t *testing.T) {
	_, err := Recipients([]byte(`{"iv":"x","ciphertext":"y","tag":"z"}`))
	assert.Error(t, err)
}
