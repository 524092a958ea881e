package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"group-escrow/internal/domain"
)

// MintRequest is the body of POST /medium/mint.
type MintRequest struct {
	Amount uint64 `json:"amount"`
}

// ApproveRequest is the body of POST /medium/approve.
type ApproveRequest struct {
	Amount uint64 `json:"amount"`
}

// AccountResponse reports an account's standing on the in-memory medium.
type AccountResponse struct {
	Account   domain.Address `json:"account"`
	Balance   uint64         `json:"balance"`
	Allowance uint64         `json:"allowance"` // granted to the escrow account
}

// mediumRoutes serves the in-memory ledger so a memory-mode deployment can
// fund and approve accounts. They act on the header-identified caller only.
func (s *Server) mediumRoutes(r chi.Router) {
	r.Post("/mint", s.handleMint)
	r.Post("/approve", s.handleApprove)
	r.Get("/accounts/{address}", s.handleMediumAccount)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())})
		return
	}
	var req MintRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if err := s.ledger.Mint(who, req.Amount); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	s.writeAccount(w, r, who)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())})
		return
	}
	var req ApproveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	if err := s.ledger.Approve(r.Context(), who, s.engine.Account(), req.Amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAccount(w, r, who)
}

func (s *Server) handleMediumAccount(w http.ResponseWriter, r *http.Request) {
	who, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	s.writeAccount(w, r, who)
}

func (s *Server) writeAccount(w http.ResponseWriter, r *http.Request, who domain.Address) {
	balance, err := s.ledger.BalanceOf(r.Context(), who)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		Account:   who,
		Balance:   balance,
		Allowance: s.ledger.Allowance(who, s.engine.Account()),
	})
}
