package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfo = "proxy-mediator-envelope-v1"
	encAlg   = "XC20P" // XChaCha20-Poly1305, content encryption
)

// Packer implements connection.Packer.
type Packer struct{}

func (Packer) Pack(senderKey ed25519.PrivateKey, recipients []ed25519.PublicKey, plaintext []byte) ([]byte, error) {
	return Pack(senderKey, recipients, plaintext)
}

func (Packer) Unpack(recipientKey ed25519.PrivateKey, packed []byte) ([]byte, string, error) {
	return Unpack(recipientKey, packed)
}

// Pack is the Envelope Packer operation: it generates a random
// content-encryption key, wraps it once per recipient via an
// ephemeral-static X25519 key agreement derived from each recipient's
// Ed25519 verkey, and seals plaintext under the CEK with
// XChaCha20-Poly1305, authenticating the protected header as additional
// data so the recipient list cannot be tampered with independently of
// the ciphertext.
func Pack(senderKey ed25519.PrivateKey, recipients []ed25519.PublicKey, plaintext []byte) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("pack requires at least one recipient")
	}

	senderVerkey := ""
	if senderKey != nil {
		senderVerkey = base58.Encode(senderKey.Public().(ed25519.PublicKey))
	}

	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, cek); err != nil {
		return nil, fmt.Errorf("generating content key: %w", err)
	}

	recipInfos := make([]recipientInfo, 0, len(recipients))
	for _, recipPub := range recipients {
		wrapped, epkB64, ivB64, err := wrapCEK(cek, recipPub)
		if err != nil {
			return nil, fmt.Errorf("wrapping content key: %w", err)
		}
		recipInfos = append(recipInfos, recipientInfo{
			EncryptedKey: wrapped,
			Header: recipientHeader{
				KID:    base58.Encode(recipPub),
				Sender: senderVerkey,
				IV:     ivB64 + "." + epkB64,
			},
		})
	}

	header := protectedHeader{
		Enc:        encAlg,
		Typ:        "JWM/1.0",
		Recipients: recipInfos,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling protected header: %w", err)
	}
	protectedB64 := base64.RawURLEncoding.EncodeToString(headerJSON)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, fmt.Errorf("constructing content cipher: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, []byte(protectedB64))
	if len(sealed) < aead.Overhead() {
		return nil, fmt.Errorf("sealed content shorter than expected")
	}
	ciphertext := sealed[:len(sealed)-aead.Overhead()]
	tag := sealed[len(sealed)-aead.Overhead():]

	wire := wireEnvelope{
		Protected:  protectedB64,
		IV:         base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
		Tag:        base64.RawURLEncoding.EncodeToString(tag),
	}
	return json.Marshal(wire)
}

// Unpack is the Envelope Packer's inverse: it locates the protected
// header entry addressed to recipientKey's own verkey, unwraps the
// CEK, and opens the outer AEAD.
func Unpack(recipientKey ed25519.PrivateKey, packed []byte) ([]byte, string, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(packed, &wire); err != nil {
		return nil, "", fmt.Errorf("invalid packed message: %w", err)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(wire.Protected)
	if err != nil {
		return nil, "", fmt.Errorf("invalid protected header: %w", err)
	}
	var header protectedHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, "", fmt.Errorf("invalid protected header: %w", err)
	}

	ownKID := base58.Encode(recipientKey.Public().(ed25519.PublicKey))
	var match *recipientInfo
	for i := range header.Recipients {
		if header.Recipients[i].Header.KID == ownKID {
			match = &header.Recipients[i]
			break
		}
	}
	if match == nil {
		return nil, "", fmt.Errorf("no recipient entry for this key")
	}

	cek, err := unwrapCEK(match.EncryptedKey, match.Header.IV, recipientKey)
	if err != nil {
		return nil, "", fmt.Errorf("unwrapping content key: %w", err)
	}

	nonce, err := base64.RawURLEncoding.DecodeString(wire.IV)
	if err != nil {
		return nil, "", fmt.Errorf("invalid iv: %w", err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(wire.Ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	tag, err := base64.RawURLEncoding.DecodeString(wire.Tag)
	if err != nil {
		return nil, "", fmt.Errorf("invalid tag: %w", err)
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, "", fmt.Errorf("constructing content cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), []byte(wire.Protected))
	if err != nil {
		return nil, "", fmt.Errorf("opening content: %w", err)
	}
	return plaintext, match.Header.Sender, nil
}

// wrapCEK seals cek for recipPub: a fresh ephemeral X25519 keypair is
// generated, ECDH'd against recipPub (converted from Ed25519), and the
// shared secret run through HKDF-SHA256 to derive an AES-256-GCM key
// that wraps cek. Returns base64url(ciphertext), base64url(ephemeral
// pubkey), base64url(nonce).
func wrapCEK(cek []byte, recipPub ed25519.PublicKey) (wrappedB64, epkB64, ivB64 string, err error) {
	recipX, err := ed25519PubToX25519(recipPub)
	if err != nil {
		return "", "", "", err
	}
	ephPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", "", fmt.Errorf("generating ephemeral key: %w", err)
	}
	shared, err := ephPriv.ECDH(recipX)
	if err != nil {
		return "", "", "", fmt.Errorf("ecdh: %w", err)
	}

	transcript := append(append([]byte{}, ephPriv.PublicKey().Bytes()...), recipX.Bytes()...)
	wrapKey, err := deriveKey(shared, transcript)
	if err != nil {
		return "", "", "", err
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return "", "", "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", "", err
	}
	wrapped := gcm.Seal(nil, nonce, cek, transcript)

	return base64.RawURLEncoding.EncodeToString(wrapped),
		base64.RawURLEncoding.EncodeToString(ephPriv.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(nonce),
		nil
}

// unwrapCEK reverses wrapCEK. ivField is "<nonce>.<ephemeral pubkey>",
// the encoding wrapCEK packs into the recipient header's iv field.
func unwrapCEK(wrappedB64, ivField string, recipientKey ed25519.PrivateKey) ([]byte, error) {
	nonceB64, epkB64, ok := splitOnce(ivField, '.')
	if !ok {
		return nil, fmt.Errorf("malformed recipient iv field")
	}
	nonce, err := base64.RawURLEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	epkBytes, err := base64.RawURLEncoding.DecodeString(epkB64)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	epk, err := ecdh.X25519().NewPublicKey(epkBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	wrapped, err := base64.RawURLEncoding.DecodeString(wrappedB64)
	if err != nil {
		return nil, fmt.Errorf("invalid wrapped key: %w", err)
	}

	ownX, err := ed25519PrivToX25519(recipientKey)
	if err != nil {
		return nil, err
	}
	shared, err := ownX.ECDH(epk)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	transcript := append(append([]byte{}, epkBytes...), ownX.PublicKey().Bytes()...)
	wrapKey, err := deriveKey(shared, transcript)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, wrapped, transcript)
}

func deriveKey(shared, transcript []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, nil, append([]byte(hkdfInfo), transcript...))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

func splitOnce(s string, sep byte) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
