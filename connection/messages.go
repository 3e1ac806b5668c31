package connection

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// docURI is the protocol family URI the handshake messages below are
// scoped under, matching the Indy connections HIPE.
const docURI = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/"

const (
	TypeInvitation    = docURI + "connections/1.0/invitation"
	TypeRequest       = docURI + "connections/1.0/request"
	TypeResponse      = docURI + "connections/1.0/response"
	TypePing          = docURI + "trust_ping/1.0/ping"
	TypePingResponse  = docURI + "trust_ping/1.0/ping_response"
)

// Invitation is the out-of-band message a connection's invitee decodes
// from a "?c_i=" invitation URL.
type Invitation struct {
	Id              string   `json:"@id"`
	Type            string   `json:"@type"`
	Label           string   `json:"label"`
	RecipientKeys   []string `json:"recipientKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RoutingKeys     []string `json:"routingKeys"`
}

// DIDDocPublicKey is one entry of a DIDDoc's publicKey array.
type DIDDocPublicKey struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Controller      string `json:"controller"`
	PublicKeyBase58 string `json:"publicKeyBase58"`
}

// DIDDocService is one entry of a DIDDoc's service array.
type DIDDocService struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	RecipientKeys   []string `json:"recipientKeys"`
	RoutingKeys     []string `json:"routingKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
}

// DIDDoc is the minimal subset of a did:sov DIDDoc the handshake uses
// to exchange routing information.
type DIDDoc struct {
	Context   string            `json:"@context"`
	ID        string            `json:"id"`
	PublicKey []DIDDocPublicKey `json:"publicKey"`
	Service   []DIDDocService   `json:"service"`
}

// ConnectionBlock is the payload signed into a response's connection~sig.
type ConnectionBlock struct {
	DID    string `json:"DID"`
	DIDDoc DIDDoc `json:"DIDDoc"`
}

// ConnectionRequestBody is the body of a connections/1.0/request message.
type ConnectionRequestBody struct {
	DID    string `json:"DID"`
	DIDDoc DIDDoc `json:"DIDDoc"`
}

type connectionRequestMessage struct {
	Id         string                `json:"@id"`
	Type       string                `json:"@type"`
	Label      string                `json:"label"`
	Connection ConnectionRequestBody `json:"connection"`
}

// SignedField is the connection~sig construction: a connection block
// signed by the sender's verkey, so the recipient can verify the
// sender controls the key it claims to without decrypting anything
// else in the message.
type SignedField struct {
	Type      string `json:"@type"`
	SigData   string `json:"sig_data"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

const signedFieldType = docURI + "signature/1.0/ed25519Sha512_single"

// SignConnectionBlock signs block with signerKey, producing the
// connection~sig field carried on a connections/1.0/response message.
// The signed bytes are an 8-byte big-endian timestamp prefix followed by
// the block's JSON encoding, matching the aries-staticagent signed-field
// convention this protocol was built against.
func SignConnectionBlock(signerKey ed25519.PrivateKey, signerVerkeyB58 string, block ConnectionBlock) (SignedField, error) {
	blockJSON, err := json.Marshal(block)
	if err != nil {
		return SignedField{}, fmt.Errorf("marshaling connection block: %w", err)
	}

	sigData := make([]byte, 8+len(blockJSON))
	binary.BigEndian.PutUint64(sigData[:8], uint64(time.Now().Unix()))
	copy(sigData[8:], blockJSON)

	sig := ed25519.Sign(signerKey, sigData)

	return SignedField{
		Type:      signedFieldType,
		SigData:   base64.URLEncoding.EncodeToString(sigData),
		Signature: base64.URLEncoding.EncodeToString(sig),
		Signer:    signerVerkeyB58,
	}, nil
}

// VerifyConnectionBlock verifies field's signature against its embedded
// signer verkey and decodes the connection block it carries.
func VerifyConnectionBlock(field SignedField) (ConnectionBlock, error) {
	var block ConnectionBlock

	sigData, err := base64.URLEncoding.DecodeString(field.SigData)
	if err != nil {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("decoding sig_data: %w", err)}
	}
	sig, err := base64.URLEncoding.DecodeString(field.Signature)
	if err != nil {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("decoding signature: %w", err)}
	}
	signerKey, err := base58.Decode(field.Signer)
	if err != nil {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("decoding signer verkey: %w", err)}
	}
	if len(signerKey) != ed25519.PublicKeySize {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("signer verkey has wrong length %d", len(signerKey))}
	}
	if !ed25519.Verify(ed25519.PublicKey(signerKey), sigData, sig) {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("signature does not verify")}
	}
	if len(sigData) < 8 {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("sig_data too short")}
	}
	if err := json.Unmarshal(sigData[8:], &block); err != nil {
		return block, &ErrSignatureVerificationFailed{Cause: fmt.Errorf("decoding connection block: %w", err)}
	}
	return block, nil
}

type connectionResponseMessage struct {
	Id            string      `json:"@id"`
	Type          string      `json:"@type"`
	Thread        thread      `json:"~thread"`
	ConnectionSig SignedField `json:"connection~sig"`
}

type thread struct {
	ThreadID string `json:"thid"`
}

type pingMessage struct {
	Id     string `json:"@id"`
	Type   string `json:"@type"`
	Thread thread `json:"~thread"`
}

// newMessageID returns a fresh random message identifier for a
// message's @id field, the same role session identifiers played
// elsewhere in the stack this protocol was pulled out of.
func newMessageID() string {
	return uuid.NewString()
}

// envelopeMessage is the generic shape every plaintext message shares:
// enough to read @id/@type before dispatching on it.
type envelopeMessage struct {
	Id   string `json:"@id"`
	Type string `json:"@type"`
}
