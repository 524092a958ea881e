// Package api exposes the escrow engine over HTTP.
//
// Caller identity is taken from the X-Escrow-Caller header (base58). The
// signing layer in front of this service authenticates it; this package does not.
// Mutations are admitted through a sequencer so concurrent requests never
// collide on the engine's reentrancy guard.
package api

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"group-escrow/internal/escrow"
	"group-escrow/internal/observability"
	"group-escrow/internal/sequencer"
	"group-escrow/internal/storage"
	"group-escrow/internal/token"
	"group-escrow/internal/verification"
)

// CallerHeader carries the base58 identity of the account issuing a request.
const CallerHeader = "X-Escrow-Caller"

// Server holds the HTTP handlers' dependencies.
type Server struct {
	engine   *escrow.Engine
	seq      *sequencer.Sequencer
	verifier *verification.Verifier
	archive  storage.NotificationStore
	stream   http.Handler
	ledger   *token.Ledger
	logger   *log.Logger
}

// ServerOptions contains configuration for creating a Server.
type ServerOptions struct {
	Engine    *escrow.Engine
	Sequencer *sequencer.Sequencer
	Verifier  *verification.Verifier
	Archive   storage.NotificationStore // optional; enables /pools/{id}/notifications
	Stream    http.Handler              // optional; mounted at /ws
	Ledger    *token.Ledger             // optional; in-memory medium served under /medium
	Logger    *log.Logger
}

// NewServer creates a new API server.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Server{
		engine:   opts.Engine,
		seq:      opts.Sequencer,
		verifier: opts.Verifier,
		archive:  opts.Archive,
		stream:   opts.Stream,
		ledger:   opts.Ledger,
		logger:   logger,
	}
}

// Router registers HTTP routes and returns the handler with middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.withLogging)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.Handler())
	if s.stream != nil {
		r.Handle("/ws", s.stream)
	}

	if s.ledger != nil {
		r.Route("/medium", s.mediumRoutes)
	}

	r.Post("/documents/hash", s.handleHashDocument)
	r.Get("/verify", s.handleVerifyAll)

	r.Route("/pools", func(r chi.Router) {
		r.Get("/", s.handlePoolCount)
		r.Post("/", s.handleCreatePool)

		r.Route("/{poolID}", func(r chi.Router) {
			r.Get("/", s.handleGetPool)
			r.Get("/state", s.handleGetState)
			r.Get("/verify", s.handleVerifyPool)
			r.Get("/notifications", s.handleNotifications)

			r.Get("/tiers", s.handleGetTiers)
			r.Get("/tiers/{tierIndex}", s.handleGetTier)
			r.Get("/tiers/{tierIndex}/attestation", s.handleAttestationStatus)
			r.Post("/tiers/{tierIndex}/attest", s.handleAttest)

			r.Get("/contributions", s.handleListContributions)
			r.Get("/contributions/{address}", s.handleGetContribution)

			r.Post("/contribute", s.handleContribute)
			r.Post("/exit", s.handleExit)
			r.Post("/finalize", s.handleFinalize)
			r.Post("/refund", s.handleClaimRefund)
		})
	})

	return r
}
