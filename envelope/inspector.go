// Package envelope implements the authcrypt-style packed message
// format: the Envelope Inspector, which reads a packed message's
// recipient key list without decrypting anything, and the Envelope
// Packer, which produces and consumes the actual ciphertext. This is
// the generalization, from one recipient to many, of the teacher's
// crypto/keys Ed25519-peer encryption helpers.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// wireEnvelope is the outer, unencrypted-except-for-ciphertext shape of
// a packed message, modeled on the aries-staticagent/DIDComm authcrypt
// envelope.
type wireEnvelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// protectedHeader is the base64url-encoded JSON inside "protected": the
// part of the envelope the Inspector is allowed to read.
type protectedHeader struct {
	Enc        string          `json:"enc"`
	Typ        string          `json:"typ"`
	Recipients []recipientInfo `json:"recipients"`
}

type recipientInfo struct {
	EncryptedKey string           `json:"encrypted_key"`
	Header       recipientHeader  `json:"header"`
}

type recipientHeader struct {
	KID   string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

// Inspector implements connection.Inspector: Recipients reads a packed
// message's protected header and returns the base58 verkey each
// recipient entry is addressed to, without touching the ciphertext.
type Inspector struct{}

// Recipients is the Envelope Inspector operation. It never attempts to
// decrypt; a malformed or truncated message is reported as an error,
// never silently treated as having no recipients.
func (Inspector) Recipients(packed []byte) ([]string, error) {
	return Recipients(packed)
}

// Recipients is the package-level form of Inspector.Recipients.
func Recipients(packed []byte) ([]string, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(packed, &wire); err != nil {
		return nil, fmt.Errorf("invalid packed message: %w", err)
	}
	if wire.Protected == "" {
		return nil, fmt.Errorf("invalid packed message: missing protected header")
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(wire.Protected)
	if err != nil {
		// Some senders pad their base64url; accept that too.
		if headerJSON, err = base64.URLEncoding.DecodeString(wire.Protected); err != nil {
			return nil, fmt.Errorf("invalid packed message protected header: %w", err)
		}
	}

	var header protectedHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("invalid packed message recipients: %w", err)
	}
	if len(header.Recipients) == 0 {
		return nil, fmt.Errorf("invalid packed message: no recipients")
	}

	kids := make([]string, 0, len(header.Recipients))
	for _, recip := range header.Recipients {
		if recip.Header.KID == "" {
			return nil, fmt.Errorf("invalid packed message: recipient missing kid")
		}
		kids = append(kids, recip.Header.KID)
	}
	return kids, nil
}
