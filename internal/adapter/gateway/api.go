package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"vmrelay/internal/domain"
)

const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return domain.NewDomainError("decodeJSON", domain.ErrInvalidInput, "request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return domain.NewDomainError("decodeJSON", domain.ErrInvalidInput, err.Error())
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	body := map[string]any{"error": err.Error()}
	if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
		body["code"] = code
	}
	respondJSON(w, httpStatus(err), body)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrFrameInvalid):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLimitReached):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrExecutorFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, err := s.deps.Auth.Authenticate(bearerToken(r))
		if err != nil {
			respondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(domain.ContextWithCaller(r.Context(), info.Name)))
	})
}

type abortRequest struct {
	SessionID string `json:"sessionId"`
}

// handleAbort serves POST /api/v1/executions/abort.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		respondError(w, domain.NewDomainError("Gateway.abort", domain.ErrInvalidInput, "sessionId is required"))
		return
	}
	aborted, err := s.deps.Executions.Abort(r.Context(), req.SessionID)
	if err != nil {
		respondError(w, err)
		return
	}
	s.logger.Info("abort requested", "session_id", req.SessionID, "aborted", aborted,
		"caller", domain.CallerFromContext(r.Context()))
	respondJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

// handleGetExecution serves GET /api/v1/executions/{id}.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Executions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleExecutionOutput serves GET /api/v1/executions/{id}/output?after=N.
func (s *Server) handleExecutionOutput(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, domain.NewDomainError("Gateway.output", domain.ErrInvalidInput, fmt.Sprintf("after: %v", err)))
			return
		}
		after = n
	}
	out, err := s.deps.Executions.Output(chi.URLParam(r, "id"), after)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleListExecutions serves GET /api/v1/executions?vmId=...
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Executions.List(r.URL.Query().Get("vmId"))
	if sessions == nil {
		sessions = []domain.ExecutionSession{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"executions": sessions})
}

// handleProvision serves POST /api/v1/vms.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Provisioner == nil {
		respondError(w, domain.NewDomainError("Gateway.provision", domain.ErrInvalidState, "provisioning is not configured"))
		return
	}
	var spec domain.VMSpec
	if err := decodeJSON(r, &spec); err != nil {
		respondError(w, err)
		return
	}
	trackingID, err := s.deps.Provisioner.Provision(r.Context(), spec)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"trackingId": trackingID})
}

// handleProgressHistory serves GET /api/v1/progress/{trackingId}.
func (s *Server) handleProgressHistory(w http.ResponseWriter, r *http.Request) {
	trackingID := chi.URLParam(r, "trackingId")
	events, err := s.deps.Progress.History(trackingID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"trackingId": trackingID, "events": events})
}
