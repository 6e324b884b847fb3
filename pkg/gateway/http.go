package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"warden/pkg/httpx"
	"warden/pkg/models"
	"warden/pkg/policy"
	"warden/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// GrantAdmin mutates access grants at runtime. Implemented by
// policy.MemoryGrants.
type GrantAdmin interface {
	GrantTenant(userID, tenantID string)
	RevokeTenant(userID, tenantID string)
	GrantPIIRead(userID string)
	RevokePIIRead(userID string)
}

// Routes assembles the HTTP API. grants may be nil when runtime grant
// administration is disabled.
func (s *Server) Routes(grants GrantAdmin) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpx.SecurityHeadersMiddleware)
	if s.Metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/execute", s.handleExecute)
	r.Get("/v1/surface", s.handleSurface)
	if s.Hub != nil {
		r.Get("/v1/events", func(w http.ResponseWriter, req *http.Request) {
			stream.ServeWS(s.Hub, w, req)
		})
	}
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	}
	if grants != nil {
		r.Post("/v1/admin/grants", handleGrant(grants, true))
		r.Delete("/v1/admin/grants", handleGrant(grants, false))
	}
	return r
}

func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) {
	var toolReq models.ToolRequest
	if err := json.NewDecoder(req.Body).Decode(&toolReq); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if toolReq.UserID == "" || toolReq.TenantID == "" || toolReq.ToolName == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id, tenant_id and tool_name are required")
		return
	}
	resp := s.Handle(req.Context(), toolReq)
	httpx.WriteJSON(w, statusFor(resp), resp)
}

func (s *Server) handleSurface(w http.ResponseWriter, req *http.Request) {
	if s.Router == nil {
		httpx.Error(w, http.StatusNotFound, "routing disabled")
		return
	}
	session := req.URL.Query().Get("session")
	contextText := req.URL.Query().Get("context")
	if session == "" || contextText == "" {
		httpx.Error(w, http.StatusBadRequest, "session and context are required")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Router.ResolveSurface(session, contextText))
}

type grantRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id,omitempty"`
	PIIRead  bool   `json:"pii_read,omitempty"`
}

func handleGrant(grants GrantAdmin, add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body grantRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.UserID == "" {
			httpx.Error(w, http.StatusBadRequest, "user_id is required")
			return
		}
		switch {
		case body.PIIRead && add:
			grants.GrantPIIRead(body.UserID)
		case body.PIIRead:
			grants.RevokePIIRead(body.UserID)
		case body.TenantID != "" && add:
			grants.GrantTenant(body.UserID, body.TenantID)
		case body.TenantID != "":
			grants.RevokeTenant(body.UserID, body.TenantID)
		default:
			httpx.Error(w, http.StatusBadRequest, "tenant_id or pii_read is required")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"applied": true})
	}
}

// statusFor maps the response error code to an HTTP status. Denials are
// still well-formed responses, not transport errors.
func statusFor(resp models.ToolResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorCode {
	case CodeInvalidTenant, CodeInvalidArguments:
		return http.StatusBadRequest
	case CodeToolNotInSurface, CodeForbidden, CodePermissionDenied:
		return http.StatusForbidden
	case CodePoolSaturated:
		return http.StatusServiceUnavailable
	case policy.ReasonRateLimited:
		return http.StatusTooManyRequests
	case policy.ReasonTenantDenied, policy.ReasonPIIDenied:
		return http.StatusForbidden
	case policy.ReasonTooComplex:
		return http.StatusUnprocessableEntity
	case CodeColumnNotFound, CodeTableNotFound, CodeHealingExhausted:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		s.Metrics.Observe(req.URL.Path, rec.status, time.Since(start))
	})
}
