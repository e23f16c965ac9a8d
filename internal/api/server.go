// Package api exposes the HTTP surface: a health probe and the websocket
// endpoints clients and gateways upgrade through.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/strandsec/strand/internal/channel"
	"github.com/strandsec/strand/internal/store"
	"github.com/strandsec/strand/internal/telemetry"
)

// Server wraps the HTTP server and mux for the channel endpoints.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the server wired with all routes.
func NewServer(listenAddress string, port int, deps channel.Deps, st *store.Store, tokens *TokenSigner, sink telemetry.Sink, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", HandleHealthz())
	mux.Handle("GET /client/websocket", HandleClientChannel(deps, st, tokens, sink, logger))
	mux.Handle("GET /gateway/websocket", HandleGatewayChannel(deps, st, tokens, sink, logger))

	return &Server{
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(listenAddress, strconv.Itoa(port)),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux: mux,
	}
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests. Live websockets are closed by their
// session contexts, not by the HTTP drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// HandleHealthz returns a handler for GET /healthz.
// No authentication is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write response: %v", err)
	}
}
