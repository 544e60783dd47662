package api

import (
	"net/http"
	"time"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/orchestrator"
	"github.com/cuemby/scanplane/pkg/security"
)

// AssignRequest is the body of POST /api/v1/tasks/{id}/assign
type AssignRequest struct {
	ExecutorID string `json:"executorId"`
}

// CreateTaskResponse carries the task and, when the initial dispatch
// failed, why
type CreateTaskResponse struct {
	Task  interface{} `json:"task"`
	Error string      `json:"error,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TenantID = tenantFrom(r.Context())

	task, err := s.tasks.CreateTask(r.Context(), req)
	if err != nil {
		if task == nil {
			writeError(w, err)
			return
		}
		// The task exists but could not be dispatched
		writeJSON(w, StatusCode(err), CreateTaskResponse{Task: task, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.ListTasks(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ExecutorID == "" {
		writeError(w, errdefs.Validation("executorId is required"))
		return
	}
	task, err := s.tasks.AssignExecutor(r.Context(), tenantFrom(r.Context()), r.PathValue("id"), req.ExecutorID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.StartTask(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.DeleteTask(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) listStages(w http.ResponseWriter, r *http.Request) {
	stages, err := s.tasks.ListStages(r.Context(), tenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stages)
}

// ProTokenRequest is the body of PUT /api/v1/secrets/pro-token
type ProTokenRequest struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (s *Server) putCredential(w http.ResponseWriter, r *http.Request) {
	if s.secrets == nil {
		writeError(w, errdefs.NotFound("secret store"))
		return
	}
	var cred security.RepoCredential
	if err := decodeJSON(w, r, &cred); err != nil {
		writeError(w, err)
		return
	}
	if err := s.secrets.PutRepoCredential(tenantFrom(r.Context()), r.PathValue("name"), cred); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putProToken(w http.ResponseWriter, r *http.Request) {
	if s.secrets == nil {
		writeError(w, errdefs.NotFound("secret store"))
		return
	}
	var req ProTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, errdefs.Validation("token is required"))
		return
	}
	var expires time.Time
	if req.ExpiresAt != nil {
		expires = *req.ExpiresAt
	}
	if err := s.secrets.PutProToken(tenantFrom(r.Context()), req.Token, expires); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
