package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyFullInviterPath(t *testing.T) {
	s := StateNull
	var err error

	s, err = Apply(s, EventSendInvite)
	assert.NoError(t, err)
	assert.Equal(t, StateInviteSent, s)

	s, err = Apply(s, EventReceiveRequest)
	assert.NoError(t, err)
	assert.Equal(t, StateRequestReceived, s)

	s, err = Apply(s, EventSendResponse)
	assert.NoError(t, err)
	assert.Equal(t, StateResponseSent, s)

	s, err = Apply(s, EventReceivePing)
	assert.NoError(t, err)
	assert.Equal(t, StateComplete, s)

	// Complete self-loops.
	s, err = Apply(s, EventReceivePing)
	assert.NoError(t, err)
	assert.Equal(t, StateComplete, s)
	s, err = Apply(s, EventSendPingResponse)
	assert.NoError(t, err)
	assert.Equal(t, StateComplete, s)
}

func TestApplyFullInviteePath(t *testing.T) {
	s := StateNull
	var err error

	s, err = Apply(s, EventReceiveInvite)
	assert.NoError(t, err)
	assert.Equal(t, StateInviteReceived, s)

	s, err = Apply(s, EventSendRequest)
	assert.NoError(t, err)
	assert.Equal(t, StateRequestSent, s)

	s, err = Apply(s, EventReceiveResponse)
	assert.NoError(t, err)
	assert.Equal(t, StateResponseReceived, s)

	s, err = Apply(s, EventSendPing)
	assert.NoError(t, err)
	assert.Equal(t, StateComplete, s)

	s, err = Apply(s, EventReceivePingResponse)
	assert.NoError(t, err)
	assert.Equal(t, StateComplete, s)
}

func TestApplyRejectsIllegalTransitions(t *testing.T) {
	_, err := Apply(StateNull, EventSendResponse)
	assert.Error(t, err)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, StateNull, illegal.From)
	assert.Equal(t, EventSendResponse, illegal.Event)
}

func TestApplyRejectsEventFromUnknownState(t *testing.T) {
	_, err := Apply(State("bogus"), EventSendInvite)
	assert.Error(t, err)
}
