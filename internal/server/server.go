package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ssd-technologies/provenant/internal/anchor"
	"github.com/ssd-technologies/provenant/internal/capsule"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/lifecycle"
	"github.com/ssd-technologies/provenant/internal/ratelimit"
)

// Server is the HTTP API over the provenance core. Verification endpoints
// hand out hashes, proofs, and booleans only; decrypted payloads leave the
// server solely through the authenticated materialize route.
type Server struct {
	secret    string
	mux       *http.ServeMux
	keys      *keystore.Store
	capsules  *capsule.Manager
	chain     *ledger.Ledger
	anchors   *anchor.Engine
	lifecycle *lifecycle.Manager
	limiter   *ratelimit.Limiter
	hub       *feedHub
}

// New creates a Server with all routes registered, and wires the anchor
// engine's publications into the WebSocket feed.
func New(secret string, keys *keystore.Store, capsules *capsule.Manager, chain *ledger.Ledger,
	anchors *anchor.Engine, lc *lifecycle.Manager) *Server {
	s := &Server{
		secret:    secret,
		mux:       http.NewServeMux(),
		keys:      keys,
		capsules:  capsules,
		chain:     chain,
		anchors:   anchors,
		lifecycle: lc,
		limiter:   ratelimit.New(120, time.Minute),
		hub:       newFeedHub(),
	}
	anchors.OnAnchor(s.hub.broadcast)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Capsules
	s.mux.HandleFunc("POST /api/capsules", s.auth(s.handleCreateCapsule))
	s.mux.HandleFunc("GET /api/capsules/{id}", s.handleGetCapsule)
	s.mux.HandleFunc("POST /api/capsules/{id}/materialize", s.auth(s.handleMaterialize))
	s.mux.HandleFunc("POST /api/capsules/{id}/verify", s.limited(s.handleVerifyCapsule))

	// Ledger
	s.mux.HandleFunc("GET /api/ledger/tail", s.handleLedgerTail)
	s.mux.HandleFunc("GET /api/ledger/seq/{seq}", s.handleGetRecordBySeq)
	s.mux.HandleFunc("GET /api/ledger/{id}", s.handleGetRecord)
	s.mux.HandleFunc("POST /api/ledger/verify", s.limited(s.handleVerifyChain))

	// Anchors
	s.mux.HandleFunc("POST /api/anchors", s.auth(s.handleAnchorNow))
	s.mux.HandleFunc("GET /api/anchors/{id}", s.handleGetAnchor)
	s.mux.HandleFunc("GET /api/anchors/{id}/proof/{record}", s.limited(s.handleProveInclusion))
	s.mux.HandleFunc("POST /api/anchors/verify", s.limited(s.handleVerifyInclusion))
	s.mux.HandleFunc("GET /api/anchors/feed", s.limited(s.handleFeed))

	// Lifecycle
	s.mux.HandleFunc("POST /api/lifecycle/anchors", s.auth(s.handleCreateLifecycleAnchor))
	s.mux.HandleFunc("GET /api/lifecycle/anchors/{id}", s.handleGetLifecycleAnchor)
	s.mux.HandleFunc("GET /api/lifecycle/anchors/{id}/links", s.handleListLinks)
	s.mux.HandleFunc("GET /api/lifecycle/kinds/{kind}", s.handleListByKind)
	s.mux.HandleFunc("POST /api/lifecycle/links", s.auth(s.handleLink))

	// Erasure intake
	s.mux.HandleFunc("POST /api/subjects/{id}/erase", s.auth(s.handleErase))
}

// auth wraps a handler with bearer-secret authentication.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	}
}

// limited wraps a public verification handler with per-caller rate limiting.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "provenant",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
