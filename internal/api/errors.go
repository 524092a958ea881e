package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"group-escrow/internal/escrow"
	"group-escrow/internal/sequencer"
	"group-escrow/internal/verification"
)

// errorResponse is the JSON error payload.
type errorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"class,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an engine error class to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sequencer.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, verification.ErrPoolNotFound):
		return http.StatusNotFound
	}

	switch escrow.Classify(err) {
	case escrow.ClassValidation:
		return http.StatusBadRequest
	case escrow.ClassAuthorization:
		return http.StatusForbidden
	case escrow.ClassExistence:
		return http.StatusNotFound
	case escrow.ClassState, escrow.ClassIdempotence, escrow.ClassReentrancy:
		return http.StatusConflict
	case escrow.ClassTransfer:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	class := escrow.Classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Printf("%s %s: %v request_id=%s", r.Method, r.URL.Path, err, RequestIDFromContext(r.Context()))
	}

	resp := errorResponse{Error: err.Error(), RequestID: RequestIDFromContext(r.Context())}
	if class != escrow.ClassUnknown {
		resp.Class = string(class)
	}
	writeJSON(w, status, resp)
}

// writeBadRequest reports a malformed request that never reached the engine.
func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: message, RequestID: RequestIDFromContext(r.Context())})
}
