package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"group-escrow/internal/domain"
	"group-escrow/internal/escrow"
	"group-escrow/internal/sequencer"
)

// maxBodyBytes bounds request bodies. Documents hashed via /documents/hash are
// the largest payload.
const maxBodyBytes = 8 << 20

// TierRequest is one tier of a create-pool request.
type TierRequest struct {
	Threshold    uint64         `json:"threshold"`
	DocumentHash domain.Hash    `json:"document_hash"`
	Vendor       domain.Address `json:"vendor"`
}

// CreatePoolRequest is the body of POST /pools.
type CreatePoolRequest struct {
	Recipient       domain.Address `json:"recipient"`
	Deadline        int64          `json:"deadline"`
	CooldownSeconds int64          `json:"cooldown_seconds"`
	Tiers           []TierRequest  `json:"tiers"`
}

// AttestRequest is the body of POST /pools/{id}/tiers/{index}/attest.
type AttestRequest struct {
	ValidUntil int64 `json:"valid_until"`
}

// ContributeRequest is the body of POST /pools/{id}/contribute.
type ContributeRequest struct {
	Amount uint64 `json:"amount"`
}

// AmountResponse reports the value an operation moved.
type AmountResponse struct {
	PoolID uint64 `json:"pool_id"`
	Amount uint64 `json:"amount"`
}

func caller(r *http.Request) (domain.Address, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return domain.ZeroAddress, fmt.Errorf("missing %s header", CallerHeader)
	}
	return domain.ParseAddress(raw)
}

func poolIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "poolID"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid pool id %q", chi.URLParam(r, "poolID"))
	}
	return id, nil
}

func tierIndexParam(r *http.Request) (uint8, error) {
	idx, err := strconv.ParseUint(chi.URLParam(r, "tierIndex"), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid tier index %q", chi.URLParam(r, "tierIndex"))
	}
	return uint8(idx), nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

// mutation runs fn on the sequencer on behalf of the header-identified caller.
func (s *Server) mutation(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, who domain.Address, poolID uint64) (any, error)) {
	who, err := caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())})
		return
	}
	poolID, err := poolIDParam(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	resp, err := sequencer.Run(r.Context(), s.seq, func(ctx context.Context) (any, error) {
		return fn(ctx, who, poolID)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// query parses the pool id and writes fn's result.
func (s *Server) query(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, poolID uint64) (any, error)) {
	poolID, err := poolIDParam(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	resp, err := fn(r.Context(), poolID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	who, err := caller(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())})
		return
	}

	var req CreatePoolRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	params := escrow.CreatePoolParams{
		Recipient:       req.Recipient,
		Deadline:        req.Deadline,
		CooldownSeconds: req.CooldownSeconds,
	}
	for _, t := range req.Tiers {
		params.Thresholds = append(params.Thresholds, t.Threshold)
		params.DocumentHashes = append(params.DocumentHashes, t.DocumentHash)
		params.Vendors = append(params.Vendors, t.Vendor)
	}

	id, err := sequencer.Run(r.Context(), s.seq, func(ctx context.Context) (uint64, error) {
		return s.engine.CreatePool(ctx, who, params)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"pool_id": id})
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	idx, err := tierIndexParam(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	var req AttestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	s.mutation(w, r, func(ctx context.Context, who domain.Address, poolID uint64) (any, error) {
		commitment, err := s.engine.AttestQuote(ctx, who, poolID, idx, req.ValidUntil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pool_id": poolID, "tier_index": idx, "commitment": commitment}, nil
	})
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request) {
	var req ContributeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}

	s.mutation(w, r, func(ctx context.Context, who domain.Address, poolID uint64) (any, error) {
		credited, err := s.engine.Contribute(ctx, who, poolID, req.Amount)
		if err != nil {
			return nil, err
		}
		return AmountResponse{PoolID: poolID, Amount: credited}, nil
	})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, r, func(ctx context.Context, who domain.Address, poolID uint64) (any, error) {
		amount, err := s.engine.Exit(ctx, who, poolID)
		if err != nil {
			return nil, err
		}
		return AmountResponse{PoolID: poolID, Amount: amount}, nil
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, r, func(ctx context.Context, who domain.Address, poolID uint64) (any, error) {
		amount, err := s.engine.Finalize(ctx, who, poolID)
		if err != nil {
			return nil, err
		}
		return AmountResponse{PoolID: poolID, Amount: amount}, nil
	})
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	s.mutation(w, r, func(ctx context.Context, who domain.Address, poolID uint64) (any, error) {
		amount, err := s.engine.ClaimRefund(ctx, who, poolID)
		if err != nil {
			return nil, err
		}
		return AmountResponse{PoolID: poolID, Amount: amount}, nil
	})
}

func (s *Server) handlePoolCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.PoolCount(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"pool_count": n})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		return s.engine.Summarize(ctx, poolID)
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		state, err := s.engine.GetState(ctx, poolID)
		if err != nil {
			return nil, err
		}
		payable, err := s.engine.GetPayableTier(ctx, poolID)
		if err != nil {
			return nil, err
		}
		unlocked, err := s.engine.GetUnlockedTier(ctx, poolID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pool_id": poolID, "state": state, "payable_tier": payable, "unlocked_tier": unlocked}, nil
	})
}

func (s *Server) handleGetTiers(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		return s.engine.GetTiers(ctx, poolID)
	})
}

func (s *Server) handleGetTier(w http.ResponseWriter, r *http.Request) {
	idx, err := tierIndexParam(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		return s.engine.GetTier(ctx, poolID, idx)
	})
}

func (s *Server) handleAttestationStatus(w http.ResponseWriter, r *http.Request) {
	idx, err := tierIndexParam(r)
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		return s.engine.GetAttestationStatus(ctx, poolID, idx)
	})
}

func (s *Server) handleListContributions(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		cs, err := s.engine.ListContributions(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if cs == nil {
			cs = []domain.Contribution{}
		}
		return cs, nil
	})
}

func (s *Server) handleGetContribution(w http.ResponseWriter, r *http.Request) {
	who, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeBadRequest(w, r, err.Error())
		return
	}
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		amount, err := s.engine.GetContribution(ctx, poolID, who)
		if err != nil {
			return nil, err
		}
		return domain.Contribution{PoolID: poolID, Contributor: who, Amount: amount}, nil
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "notification archive not configured"})
		return
	}
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		if _, err := s.engine.GetPool(ctx, poolID); err != nil {
			return nil, err
		}
		ns, err := s.archive.GetByPoolID(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if ns == nil {
			ns = []domain.Notification{}
		}
		return ns, nil
	})
}

func (s *Server) handleVerifyPool(w http.ResponseWriter, r *http.Request) {
	s.query(w, r, func(ctx context.Context, poolID uint64) (any, error) {
		return s.verifier.VerifyPool(ctx, poolID)
	})
}

func (s *Server) handleVerifyAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.VerifyAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHashDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeBadRequest(w, r, fmt.Sprintf("read document: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.Hash{"document_hash": escrow.HashDocument(doc)})
}
