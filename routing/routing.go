// Package routing implements the inbound "forward" handler: unwrapping
// a forwarded envelope from the upstream mediator and handing it to the
// local agent connection unmodified, exactly as original_source's
// protocols/routing.py does.
package routing

import (
	"context"
	"encoding/json"

	"github.com/sage-x-project/proxy-mediator/connection"
)

const docURI = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/"

// TypeForward is the routing/1.0/forward message type.
const TypeForward = docURI + "routing/1.0/forward"

const (
	CodeAgentConnectionNotEstablished     = "agent-connection-not-established"
	CodeMediatorConnectionNotEstablished  = "mediator-connection-not-established"
	CodeForwardFromUnauthorizedConnection = "forward-from-unauthorized-connection"
)

type forwardMessage struct {
	Type string          `json:"@type"`
	To   string          `json:"to"`
	Msg  json.RawMessage `json:"msg"`
}

// Module implements connection.Module for the routing protocol.
type Module struct{}

func (Module) Routes() map[string]connection.HandlerFunc {
	return map[string]connection.HandlerFunc{
		TypeForward: handleForward,
	}
}

// handleForward is the routing/1.0/forward handler: it is only ever
// valid to receive this on the mediator connection, and only once both
// the agent and mediator connections have been established. The
// forwarded payload is already a packed envelope addressed to the
// agent, so it is sent on unmodified rather than unpacked and
// repacked.
func handleForward(ctx context.Context, reg *connection.Registry, conn *connection.Connection, body []byte) ([]byte, error) {
	var msg forwardMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &connection.ErrInvalidEnvelope{Cause: err}
	}

	agentConn := reg.AgentConnection()
	if agentConn == nil {
		return nil, connection.NewReportableError(CodeAgentConnectionNotEstablished,
			"connection to the agent has not yet been established")
	}

	mediatorConn := reg.MediatorConnection()
	if mediatorConn == nil {
		return nil, connection.NewReportableError(CodeMediatorConnectionNotEstablished,
			"connection to mediator has not yet been established; forward messages may only be received from the mediator connection")
	}

	if conn != mediatorConn {
		return nil, connection.NewReportableError(CodeForwardFromUnauthorizedConnection,
			"forward messages may only be received from the mediator connection")
	}

	return nil, reg.SendRaw(ctx, agentConn, []byte(msg.Msg))
}
