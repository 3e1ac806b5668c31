package connection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sage-x-project/proxy-mediator/internal/logger"
)

// connectionsModule registers the four handlers the connections/1.0
// protocol exposes on the shared dispatcher: request, response, ping,
// and ping_response. Its handlers are registry operations, not just
// message transforms, so they live in this package rather than being
// generic enough to stand alone.
type connectionsModule struct{}

func (connectionsModule) Routes() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		TypeRequest:      handleRequest,
		TypeResponse:     handleResponse,
		TypePing:         handlePing,
		TypePingResponse: handlePingResponse,
	}
}

// handleRequest is 4.4.5: a peer who received our invitation is
// requesting a relationship. The invitation connection is looked up by
// the recipient key the inbound envelope was addressed to (conn, the
// invite connection that matched in HandleMessage), popped from the
// registry (reinserted if multiuse), and a brand-new relationship
// connection is created targeting the peer's DIDDoc. The response is
// signed with the invitation connection's own key, proving to the peer
// that whoever replies is the same party who issued the invitation.
func handleRequest(ctx context.Context, reg *Registry, inviteConn *Connection, body []byte) ([]byte, error) {
	var req connectionRequestMessage
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ErrInvalidEnvelope{Cause: err}
	}

	var removed bool
	reg.run(func() {
		if reg.byKey[inviteConn.VerkeyB58] == inviteConn {
			delete(reg.byKey, inviteConn.VerkeyB58)
			removed = true
		}
		if removed && inviteConn.Multiuse {
			reg.byKey[inviteConn.VerkeyB58] = inviteConn
		}
	})

	// A multi-use invitation stays in invite_sent so later requests can
	// consume it too; only the relationship connection moves on.
	next, err := Apply(inviteConn.State(), EventReceiveRequest)
	if err != nil {
		return nil, err
	}
	if !inviteConn.Multiuse {
		inviteConn.state = next
	}

	if len(req.Connection.DIDDoc.Service) == 0 {
		return nil, fmt.Errorf("connection request DIDDoc has no service entry")
	}
	svc := req.Connection.DIDDoc.Service[0]

	conn, err := NewConnection(&Target{
		Endpoint:   svc.ServiceEndpoint,
		Recipients: svc.RecipientKeys,
	})
	if err != nil {
		return nil, err
	}
	reg.run(func() {
		conn.FromInvite(inviteConn)
		if inviteConn.Multiuse {
			// Each requester takes over the invitation's pending
			// completion and leaves a fresh one for the next requester.
			inviteConn.completion = NewCompletion()
		}
		reg.byKey[conn.VerkeyB58] = conn
	})
	conn.state = next

	block := ConnectionBlock{
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
				ID:              conn.DID + ";indy",
				Type:            "IndyAgent",
				RecipientKeys:   []string{conn.VerkeyB58},
				RoutingKeys:     []string{},
				ServiceEndpoint: reg.endpoint,
			}},
		},
	}

	if err := conn.Transition(EventSendResponse); err != nil {
		return nil, err
	}

	signed, err := SignConnectionBlock(inviteConn.PrivateKey, inviteConn.VerkeyB58, block)
	if err != nil {
		return nil, fmt.Errorf("signing connection block: %w", err)
	}

	response := connectionResponseMessage{
		Id:            newMessageID(),
		Type:          TypeResponse,
		Thread:        thread{ThreadID: req.Id},
		ConnectionSig: signed,
	}
	if err := reg.sendJSON(ctx, conn, response); err != nil {
		return nil, fmt.Errorf("sending connection response: %w", err)
	}
	conn.Complete()
	return nil, nil
}

// handleResponse is 4.4.6: our earlier connection request has been
// accepted. The pending connection is looked up by the connection~sig
// signer field, but is only popped from the registry once the signed
// block has verified: the fixed (robust) resolution of the Open
// Question about ordering. A failed verification leaves the pending
// connection in place so the peer (or an attacker who doesn't actually
// hold the key) gets a fresh ErrConnectionNotFound-free retry window
// rather than the legitimate peer losing its pending connection to a
// forged response.
func handleResponse(ctx context.Context, reg *Registry, _ *Connection, body []byte) ([]byte, error) {
	var resp connectionResponseMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ErrInvalidEnvelope{Cause: err}
	}

	signerKey := resp.ConnectionSig.Signer
	var conn *Connection
	reg.run(func() {
		conn = reg.byKey[signerKey]
	})
	if conn == nil {
		return nil, &ErrConnectionNotFound{Recipients: []string{signerKey}}
	}

	block, err := VerifyConnectionBlock(resp.ConnectionSig)
	if err != nil {
		return nil, err
	}

	reg.run(func() {
		if reg.byKey[signerKey] == conn {
			delete(reg.byKey, signerKey)
		}
	})

	if err := conn.Transition(EventReceiveResponse); err != nil {
		return nil, err
	}

	if len(block.DIDDoc.Service) == 0 {
		return nil, fmt.Errorf("response connection block DIDDoc has no service entry")
	}
	svc := block.DIDDoc.Service[0]
	conn.Target.Update(svc.RecipientKeys, svc.ServiceEndpoint)
	conn.Complete()

	reg.run(func() { reg.byKey[conn.VerkeyB58] = conn })

	if err := conn.Transition(EventSendPing); err != nil {
		return nil, err
	}
	ping := pingMessage{Id: newMessageID(), Type: TypePing, Thread: thread{ThreadID: resp.Id}}
	if err := reg.sendJSON(ctx, conn, ping); err != nil {
		return nil, fmt.Errorf("sending trust ping: %w", err)
	}
	reg.log.Debug("connection complete", logger.String("verkey", conn.VerkeyB58))
	return nil, nil
}

// handlePing is 4.4.7: the peer has completed its side and is
// confirming liveness. conn is already resolved by HandleMessage via
// the recipient key the ping was addressed to.
func handlePing(ctx context.Context, reg *Registry, conn *Connection, body []byte) ([]byte, error) {
	var ping pingMessage
	if err := json.Unmarshal(body, &ping); err != nil {
		return nil, &ErrInvalidEnvelope{Cause: err}
	}
	if err := conn.Transition(EventReceivePing); err != nil {
		return nil, err
	}
	response := pingMessage{Id: newMessageID(), Type: TypePingResponse, Thread: thread{ThreadID: ping.Id}}
	if err := conn.Transition(EventSendPingResponse); err != nil {
		return nil, err
	}
	if err := reg.sendJSON(ctx, conn, response); err != nil {
		return nil, fmt.Errorf("sending trust ping response: %w", err)
	}
	return nil, nil
}

// handlePingResponse is 4.4.8: final leg of the handshake, no reply.
func handlePingResponse(_ context.Context, _ *Registry, conn *Connection, _ []byte) ([]byte, error) {
	if err := conn.Transition(EventReceivePingResponse); err != nil {
		return nil, err
	}
	return nil, nil
}
