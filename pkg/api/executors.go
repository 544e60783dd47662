package api

import (
	"fmt"
	"net/http"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/ingest"
	"github.com/cuemby/scanplane/pkg/registry"
	"github.com/cuemby/scanplane/pkg/types"
)

// RegisterExecutorRequest is the body of POST /api/v1/executors
type RegisterExecutorRequest struct {
	Name      string                  `json:"name"`
	Labels    map[string]string       `json:"labels,omitempty"`
	Capacity  types.ExecutorResources `json:"capacity"`
	PublicKey string                  `json:"publicKey,omitempty"`
}

// SetStatusRequest is the body of PUT /api/v1/executors/{id}/status
type SetStatusRequest struct {
	Status types.ExecutorStatus `json:"status"`
}

// redact hides the stored token hash
func redact(e *types.Executor) *types.Executor {
	out := *e
	out.TokenHash = ""
	return &out
}

func (s *Server) registerExecutor(w http.ResponseWriter, r *http.Request) {
	var req RegisterExecutorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	executor, err := s.executors.Register(r.Context(), registry.RegisterRequest{
		TenantID:  tenantFrom(r.Context()),
		Name:      req.Name,
		Labels:    req.Labels,
		Capacity:  req.Capacity,
		PublicKey: req.PublicKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, redact(executor))
}

func (s *Server) listExecutors(w http.ResponseWriter, r *http.Request) {
	executors, err := s.executors.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]*types.Executor, 0, len(executors))
	for _, e := range executors {
		out = append(out, redact(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setExecutorStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	executor, err := s.executors.SetStatus(r.Context(), tenantFrom(r.Context()), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(executor))
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, fmt.Errorf("%w: missing bearer token", errdefs.ErrUnauthenticated))
		return
	}
	var hb types.HeartbeatPayload
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &hb); err != nil {
			writeError(w, err)
			return
		}
	}

	executor, err := s.executors.Heartbeat(r.Context(), token, hb)
	if errdefs.IsNotFound(err) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unknown executor token"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(executor))
}

func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	var payload types.ResultPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if e := executorFrom(ctx); e != nil {
		ctx = ingest.WithCaller(ctx, e.ID)
	}
	stage, err := s.results.HandleResult(ctx, &payload)
	if err != nil {
		if StatusCode(err) == http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("task_id", payload.TaskID).Msg("Result ingestion failed")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stage)
}
