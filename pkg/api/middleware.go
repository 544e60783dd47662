package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/scanplane/pkg/errdefs"
	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/types"
)

// TenantHeader carries the caller's tenant on tenant-scoped routes
const TenantHeader = "X-Tenant-ID"

type contextKey int

const (
	tenantKey contextKey = iota
	executorKey
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records request count and latency under route
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		if rec.status >= http.StatusInternalServerError {
			s.logger.Error().Str("route", route).Int("status", rec.status).Msg("Request failed")
		} else {
			s.logger.Debug().Str("route", route).Int("status", rec.status).Msg("Request served")
		}
	}
}

// tenantScoped rejects requests without a tenant header
func tenantScoped(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			writeError(w, errdefs.Validation("missing %s header", TenantHeader))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), tenantKey, tenant)))
	}
}

func tenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey).(string)
	return tenant
}

// executorAuth resolves the bearer token to an executor
func (s *Server) executorAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, fmt.Errorf("%w: missing bearer token", errdefs.ErrUnauthenticated))
			return
		}
		executor, err := s.executors.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), executorKey, executor)))
	}
}

func executorFrom(ctx context.Context) *types.Executor {
	e, _ := ctx.Value(executorKey).(*types.Executor)
	return e
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
