package envelope

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// ed25519PubToX25519 converts an Ed25519 verification key to its
// birationally equivalent X25519 public key via the Edwards→Montgomery
// map, the same conversion the teacher's crypto/keys.EncryptWithEd25519Peer
// applies to a peer's verkey before performing ECDH.
func ed25519PubToX25519(pub ed25519.PublicKey) (*ecdh.PublicKey, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key length %d", len(pub))
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 point: %w", err)
	}
	return ecdh.X25519().NewPublicKey(point.BytesMontgomery())
}

// ed25519PrivToX25519 converts an Ed25519 signing key's seed to the
// corresponding X25519 scalar, per RFC 8032 §5.1.5: SHA-512 the seed,
// clamp the first half.
func ed25519PrivToX25519(priv ed25519.PrivateKey) (*ecdh.PrivateKey, error) {
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return ecdh.X25519().NewPrivateKey(scalar)
}
