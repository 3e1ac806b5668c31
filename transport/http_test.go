package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/proxy-mediator/connection"
	"github.com/sage-x-project/proxy-mediator/envelope"
)

type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, target *connection.Target, payload []byte) error {
	return nil
}

func TestHandleInboundRejectsGarbage(t *testing.T) {
	reg := connection.NewRegistry("http://example/ep", envelope.Inspector{}, envelope.Packer{}, noopTransport{}, nil)
	defer reg.Close()
	srv := NewServer(reg, nil)

	_, inviteURL, err := reg.CreateInvitation(false)
	require.NoError(t, err)
	assert.Contains(t, inviteURL, "c_i=")

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("garbage")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleInvitationBeforeCreateReturns404(t *testing.T) {
	reg := connection.NewRegistry("http://example/ep", envelope.Inspector{}, envelope.Packer{}, noopTransport{}, nil)
	defer reg.Close()
	srv := NewServer(reg, nil)

	req := httptest.NewRequest(http.MethodGet, "/invitation", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleInvitationAfterCreate(t *testing.T) {
	reg := connection.NewRegistry("http://example/ep", envelope.Inspector{}, envelope.Packer{}, noopTransport{}, nil)
	defer reg.Close()
	srv := NewServer(reg, nil)

	_, inviteURL, err := reg.CreateInvitation(false)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/invitation", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inviteURL, rec.Body.String())
}
