// Package gateway ties policy checks, tenant pooling, self-healing
// execution, masking and audit into a single request path.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/pkg/audit"
	"warden/pkg/backend"
	"warden/pkg/healing"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/piimask"
	"warden/pkg/policy"
	"warden/pkg/router"
	"warden/pkg/stream"
	"warden/pkg/tenant"

	"github.com/google/uuid"
)

// Error codes surfaced to callers.
const (
	CodeInvalidTenant     = "INVALID_TENANT"
	CodeInvalidArguments  = "INVALID_ARGUMENTS"
	CodePoolSaturated    = "POOL_SATURATED"
	CodeTenantConfig     = "TENANT_CONFIG_ERROR"
	CodeToolNotInSurface = "TOOL_NOT_IN_SURFACE"
	CodeHealingExhausted = "HEALING_EXHAUSTED"
	CodeBackendError     = "BACKEND_ERROR"
	CodeForbidden        = "FORBIDDEN"
	CodeColumnNotFound   = "COLUMN_NOT_FOUND"
	CodeTableNotFound    = "TABLE_NOT_FOUND"
	CodeTypeMismatch     = "TYPE_MISMATCH"
	CodePermissionDenied = "PERMISSION_DENIED"
)

// Server is the gateway request pipeline.
type Server struct {
	Policy      *policy.Engine
	Tenants     *tenant.Manager
	Executor    *healing.Executor
	Router      *router.Router
	Sensitivity piimask.Sensitivity
	Recorder    *audit.Recorder
	HashSalt    []byte
	Hub         *stream.Hub
	Metrics     *metrics.Registry
}

// Handle runs one tool request end to end and always returns a response,
// allowed or denied. The connection handle is released on every path.
func (s *Server) Handle(ctx context.Context, req models.ToolRequest) models.ToolResponse {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp := s.handle(ctx, req)
	resp.LatencyMS = time.Since(start).Milliseconds()

	s.record(req, resp)
	return resp
}

func (s *Server) handle(ctx context.Context, req models.ToolRequest) models.ToolResponse {
	handle, err := s.Tenants.Acquire(ctx, req.TenantID)
	if err != nil {
		return s.acquireFailure(err)
	}
	defer s.Tenants.Release(handle)
	s.publishPoolGauges()

	// URI scoping runs before RLS on purpose: a cross-tenant resource
	// reference is forbidden even for users whose grants would pass
	if err := checkResourceScope(req.TenantID, req.Arguments); err != nil {
		return models.ToolResponse{Error: err.Error(), ErrorCode: CodeForbidden}
	}

	if req.NLContext != "" && s.Router != nil {
		surface := s.Router.ResolveSurface(sessionKey(req), req.NLContext)
		if !surface.Allows(req.ToolName) {
			return models.ToolResponse{
				Error:     fmt.Sprintf("tool %q is not part of the resolved surface", req.ToolName),
				ErrorCode: CodeToolNotInSurface,
			}
		}
	}

	dec := s.Policy.Validate(ctx, req.UserID, req.TenantID, req.ToolName, req.Arguments)
	s.observeDecision(dec)
	if !dec.Allowed {
		return models.ToolResponse{
			Error:     "request denied by policy",
			ErrorCode: dec.Reason,
			Policy:    dec.Summary(),
		}
	}

	query, err := buildQuery(req)
	if err != nil {
		return models.ToolResponse{
			Error:     err.Error(),
			ErrorCode: CodeInvalidArguments,
			Policy:    dec.Summary(),
		}
	}

	healStart := time.Now()
	result, execErr := s.Executor.Execute(ctx, handle.Conn, query)
	if result.Applied || len(result.History) > 0 {
		s.observeHealing(result, time.Since(healStart))
	}
	if execErr != nil {
		return models.ToolResponse{
			Error:          execErr.Error(),
			ErrorCode:      executionCode(execErr),
			HealingApplied: result.Applied,
			HealingHistory: result.History,
			Policy:         dec.Summary(),
		}
	}

	rows, masked := piimask.MaskRows(result.Rows, s.sensitivity())
	if masked {
		s.publishMask(req, rows)
	}
	if s.Router != nil {
		s.Router.RecordUsage(req.ToolName)
	}

	return models.ToolResponse{
		Success:        true,
		Result:         rows,
		HealingApplied: result.Applied,
		HealingHistory: result.History,
		Masked:         masked,
		Policy:         dec.Summary(),
	}
}

func (s *Server) acquireFailure(err error) models.ToolResponse {
	code := CodeTenantConfig
	switch {
	case errors.Is(err, tenant.ErrInvalidTenant):
		code = CodeInvalidTenant
	case errors.Is(err, tenant.ErrPoolSaturated):
		code = CodePoolSaturated
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = CodeBackendError
	}
	return models.ToolResponse{Error: err.Error(), ErrorCode: code}
}

func (s *Server) sensitivity() piimask.Sensitivity {
	if s.Sensitivity == "" {
		return piimask.Standard
	}
	return s.Sensitivity
}

func sessionKey(req models.ToolRequest) string {
	return req.TenantID + "/" + req.UserID
}

// checkResourceScope walks the argument tree and verifies every resource
// URI against the caller's tenant.
func checkResourceScope(tenantID string, v interface{}) error {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "://") {
			return tenant.CheckURI(tenantID, val)
		}
	case map[string]interface{}:
		for _, item := range val {
			if err := checkResourceScope(tenantID, item); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := checkResourceScope(tenantID, item); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildQuery maps the tool argument schema onto a backend query. Only
// "table" is required.
func buildQuery(req models.ToolRequest) (backend.Query, error) {
	q := backend.Query{Tool: req.ToolName}
	table, _ := req.Arguments["table"].(string)
	if table == "" {
		return q, fmt.Errorf("argument %q is required", "table")
	}
	q.Table = table

	if raw, ok := req.Arguments["columns"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return q, fmt.Errorf("argument %q must be a list of column names", "columns")
		}
		for _, item := range list {
			col, ok := item.(string)
			if !ok || col == "" {
				return q, fmt.Errorf("argument %q must be a list of column names", "columns")
			}
			q.Columns = append(q.Columns, col)
		}
	}
	if raw, ok := req.Arguments["filters"]; ok {
		filters, ok := raw.(map[string]interface{})
		if !ok {
			return q, fmt.Errorf("argument %q must be an object", "filters")
		}
		q.Filters = filters
	}
	if raw, ok := req.Arguments["limit"]; ok {
		n, ok := raw.(float64)
		if !ok || n < 0 {
			return q, fmt.Errorf("argument %q must be a non-negative number", "limit")
		}
		q.Limit = int(n)
	}
	return q, nil
}

func executionCode(err error) string {
	if errors.Is(err, healing.ErrHealingExhausted) {
		return CodeHealingExhausted
	}
	if se, ok := backend.AsSchemaError(err); ok {
		switch se.Kind {
		case backend.KindColumnNotFound:
			return CodeColumnNotFound
		case backend.KindTableNotFound:
			return CodeTableNotFound
		case backend.KindTypeMismatch:
			return CodeTypeMismatch
		case backend.KindPermissionDenied:
			return CodePermissionDenied
		}
	}
	return CodeBackendError
}

func (s *Server) observeDecision(dec policy.Decision) {
	if s.Metrics != nil {
		s.Metrics.IncDecision(dec.Reason)
	}
	if s.Hub != nil {
		s.Hub.Publish(stream.NewEvent(stream.EventDecision, dec.Summary()))
	}
}

func (s *Server) observeHealing(result healing.Result, d time.Duration) {
	if s.Metrics != nil {
		s.Metrics.ObserveHealingLatency(d)
		for _, at := range result.History {
			s.Metrics.IncHealing(at.Outcome)
		}
	}
	if s.Hub != nil {
		evtType := stream.EventHealingFailed
		if result.Applied {
			evtType = stream.EventHealingApplied
		}
		s.Hub.Publish(stream.NewEvent(evtType, result.History))
	}
}

func (s *Server) publishMask(req models.ToolRequest, rows []backend.Row) {
	if s.Metrics != nil {
		s.Metrics.AddMaskedFields(int64(len(rows)))
	}
	if s.Hub != nil {
		s.Hub.Publish(stream.NewEvent(stream.EventMaskApplied, map[string]string{
			"request_id": req.RequestID,
			"tool":       req.ToolName,
		}))
	}
}

func (s *Server) publishPoolGauges() {
	if s.Metrics == nil {
		return
	}
	for tenantID, st := range s.Tenants.Stats() {
		s.Metrics.SetGauge("pool_in_use{tenant="+tenantID+"}", float64(st.InUse))
		s.Metrics.SetGauge("pool_total{tenant="+tenantID+"}", float64(st.Total))
	}
}

// record writes the audit trail entry. Argument values are hashed before
// they leave the request path.
func (s *Server) record(req models.ToolRequest, resp models.ToolResponse) {
	if s.Recorder == nil {
		return
	}
	argsHash, argKeys := audit.HashArguments(req.Arguments, s.HashSalt)
	var history json.RawMessage
	if len(resp.HealingHistory) > 0 {
		history, _ = json.Marshal(resp.HealingHistory)
	}
	rec := audit.Record{
		RequestID:      req.RequestID,
		Tenant:         req.TenantID,
		UserIDHash:     audit.HashUserID(req.UserID, s.HashSalt),
		Tool:           req.ToolName,
		ArgsHash:       argsHash,
		ArgKeys:        argKeys,
		Allowed:        resp.ErrorCode == "" || resp.Success,
		ReasonCode:     reasonCode(resp),
		FailedPolicy:   resp.Policy.FailedPolicy,
		HealingApplied: resp.HealingApplied,
		HealingHistory: history,
		Masked:         resp.Masked,
		LatencyMS:      resp.LatencyMS,
		CreatedAt:      models.NowUTC(),
	}
	if !s.Recorder.Record(rec) {
		if s.Metrics != nil {
			s.Metrics.IncAuditDropped()
		}
		if s.Hub != nil {
			s.Hub.Publish(stream.NewEvent(stream.EventAuditDropped, map[string]string{"request_id": req.RequestID}))
		}
	}
}

func reasonCode(resp models.ToolResponse) string {
	if resp.Success {
		return "OK"
	}
	if resp.ErrorCode != "" {
		return resp.ErrorCode
	}
	return CodeBackendError
}
