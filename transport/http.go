// Package transport implements the non-core network edge: an HTTP
// inbound listener with a minimal admin surface, an HTTP outbound
// Transport, and a reconnecting WebSocket relay that pulls forwarded
// envelopes from the upstream mediator.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sage-x-project/proxy-mediator/connection"
	"github.com/sage-x-project/proxy-mediator/internal/logger"
)

// Server is the HTTP front-end: POST / delivers packed bytes to the
// registry, GET /invitation and GET /status are the admin surface, and
// GET /metrics serves Prometheus metrics.
type Server struct {
	reg *connection.Registry
	log logger.Logger
	mux *http.ServeMux
}

// NewServer builds the HTTP front-end around reg.
func NewServer(reg *connection.Registry, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	s := &Server{reg: reg, log: log, mux: http.NewServeMux()}
	s.mux.HandleFunc("/", s.handleInbound)
	s.mux.HandleFunc("/invitation", s.handleInvitation)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleInbound is the contract the core spec names: read the raw
// body, hand it to HandleMessage, write the returned bytes as the
// response body, or reply 202 Accepted if there is nothing to return.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	resp, err := s.reg.HandleMessage(r.Context(), body)
	if err != nil {
		s.log.Warn("failed to handle inbound message", logger.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.Copy(w, bytes.NewReader(resp))
}

func (s *Server) handleInvitation(w http.ResponseWriter, r *http.Request) {
	invitation := s.reg.AgentInvitation()
	if invitation == "" {
		http.Error(w, "no invitation has been created yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(invitation))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agent := s.reg.AgentConnection()
	mediator := s.reg.MediatorConnection()

	w.Header().Set("Content-Type", "application/json")
	status := struct {
		AgentState    string `json:"agent_state,omitempty"`
		MediatorState string `json:"mediator_state,omitempty"`
	}{}
	if agent != nil {
		status.AgentState = string(agent.State())
	}
	if mediator != nil {
		status.MediatorState = string(mediator.State())
	}
	_ = json.NewEncoder(w).Encode(status)
}

// HTTPTransport implements connection.Transport by POSTing the packed
// payload to the target's endpoint.
type HTTPTransport struct {
	Client *http.Client
}

// NewHTTPTransport returns a Transport using a client with a sane
// default timeout.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPTransport) Send(ctx context.Context, target *connection.Target, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
