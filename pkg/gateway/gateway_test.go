package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"warden/pkg/arbiter"
	"warden/pkg/audit"
	"warden/pkg/backend"
	"warden/pkg/healing"
	"warden/pkg/metrics"
	"warden/pkg/models"
	"warden/pkg/ontology"
	"warden/pkg/piimask"
	"warden/pkg/policy"
	"warden/pkg/ratelimit"
	"warden/pkg/router"
	"warden/pkg/stream"
	"warden/pkg/tenant"
)

const conceptYAML = `
concepts:
  - name: sales
    keywords:
      revenue: 1.0
      total_spend: 0.8
      sales: 0.6
    tools: [query_sales]
  - name: customers
    keywords:
      customer: 1.0
    tools: [lookup_customers]
`

type recordingSink struct {
	records chan audit.Record
}

func (s *recordingSink) Append(ctx context.Context, rec audit.Record) error {
	s.records <- rec
	return nil
}

type env struct {
	server  *Server
	grants  *policy.MemoryGrants
	backend *backend.MemoryBackend
	sink    *recordingSink
	arb     *arbiter.Fake
	learned *ontology.LearnedStore
}

func newEnv(t *testing.T, rateLimit int) *env {
	t.Helper()
	be := backend.NewMemoryBackend()
	be.AddTable("sales_data", backend.MemoryTable{
		Columns: []string{"id", "revenue", "contact"},
		Rows: []backend.Row{
			{"id": "1", "revenue": 100.0, "contact": "alice@example.com"},
			{"id": "2", "revenue": 250.0, "contact": "bob@example.com"},
		},
	})

	grants := policy.NewMemoryGrants()
	grants.GrantTenant("user-1", "acme01")

	engine := policy.NewEngine(policy.Config{
		RateLimitPerWindow: rateLimit,
		RateWindow:         time.Hour,
	}, ratelimit.NewSlidingWindow(time.Hour), grants, nil, map[string]bool{"export_pii": true})

	concepts, err := ontology.ParseConcepts([]byte(conceptYAML))
	if err != nil {
		t.Fatalf("concepts: %v", err)
	}
	learned, err := ontology.NewLearnedStore(filepath.Join(t.TempDir(), "learned.json"))
	if err != nil {
		t.Fatalf("learned: %v", err)
	}
	arb := &arbiter.Fake{Response: "revenue"}
	exec := healing.NewExecutor(ontology.NewMatcher(concepts, learned), learned, arb, 2)

	mgr := tenant.NewManager(be, nil, tenant.EnvSource{}, tenant.Config{MaxPerTenant: 2})
	t.Cleanup(mgr.Close)

	sink := &recordingSink{records: make(chan audit.Record, 64)}
	rec := audit.NewRecorder(audit.RecorderConfig{BufferSize: 64}, sink)
	t.Cleanup(rec.Close)

	srv := &Server{
		Policy:      engine,
		Tenants:     mgr,
		Executor:    exec,
		Router:      router.New(concepts, []string{"describe_schema"}, 0),
		Sensitivity: piimask.Standard,
		Recorder:    rec,
		HashSalt:    []byte("test-salt"),
		Hub:         stream.NewHub(),
		Metrics:     metrics.NewRegistry(),
	}
	return &env{server: srv, grants: grants, backend: be, sink: sink, arb: arb, learned: learned}
}

func (e *env) waitAudit(t *testing.T) audit.Record {
	t.Helper()
	select {
	case rec := <-e.sink.records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("audit record not delivered")
		return audit.Record{}
	}
}

func execRequest(args map[string]interface{}) models.ToolRequest {
	return models.ToolRequest{
		UserID:    "user-1",
		TenantID:  "acme01",
		ToolName:  "query_sales",
		Arguments: args,
	}
}

func TestHandleSuccessMasksPII(t *testing.T) {
	e := newEnv(t, 100)
	resp := e.server.Handle(context.Background(), execRequest(map[string]interface{}{
		"table": "sales_data",
	}))
	if !resp.Success {
		t.Fatalf("expected success: %+v", resp)
	}
	if !resp.Masked {
		t.Fatal("expected masking on email column")
	}
	for _, row := range resp.Result {
		contact := row["contact"].(string)
		if strings.Contains(contact, "alice") || strings.Contains(contact, "example.com") {
			t.Fatalf("raw email leaked: %q", contact)
		}
	}
	if !resp.Policy.Allowed || resp.Policy.Reason != policy.ReasonOK {
		t.Fatalf("unexpected policy summary: %+v", resp.Policy)
	}

	rec := e.waitAudit(t)
	if !rec.Allowed || rec.ReasonCode != "OK" || !rec.Masked {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
	if rec.UserIDHash == "user-1" {
		t.Fatal("audit row stored a raw user id")
	}
}

func TestHandleDeniesUngrantedTenant(t *testing.T) {
	e := newEnv(t, 100)
	req := execRequest(map[string]interface{}{"table": "sales_data"})
	req.UserID = "intruder"
	resp := e.server.Handle(context.Background(), req)
	if resp.Success || resp.ErrorCode != policy.ReasonTenantDenied {
		t.Fatalf("expected tenant denial: %+v", resp)
	}
	rec := e.waitAudit(t)
	if rec.Allowed || rec.ReasonCode != policy.ReasonTenantDenied {
		t.Fatalf("denial not audited: %+v", rec)
	}
}

func TestHandleRateLimitsPerUser(t *testing.T) {
	e := newEnv(t, 2)
	req := execRequest(map[string]interface{}{"table": "sales_data"})
	for i := 0; i < 2; i++ {
		if resp := e.server.Handle(context.Background(), req); !resp.Success {
			t.Fatalf("call %d should pass: %+v", i, resp)
		}
	}
	resp := e.server.Handle(context.Background(), req)
	if resp.Success || resp.ErrorCode != policy.ReasonRateLimited {
		t.Fatalf("expected rate limit: %+v", resp)
	}
}

func TestHandleHealsSchemaDrift(t *testing.T) {
	e := newEnv(t, 100)
	resp := e.server.Handle(context.Background(), execRequest(map[string]interface{}{
		"table":   "sales_data",
		"columns": []interface{}{"total_spend"},
	}))
	if !resp.Success || !resp.HealingApplied {
		t.Fatalf("expected healed success: %+v", resp)
	}
	if len(resp.HealingHistory) != 1 || resp.HealingHistory[0].Chosen != "revenue" {
		t.Fatalf("unexpected history: %+v", resp.HealingHistory)
	}
	if got, ok := e.learned.Get("sales_data", "total_spend"); !ok || got != "revenue" {
		t.Fatal("healed mapping not persisted")
	}
	rec := e.waitAudit(t)
	if !rec.HealingApplied || len(rec.HealingHistory) == 0 {
		t.Fatalf("healing not audited: %+v", rec)
	}
}

func TestHandleInvalidTenantID(t *testing.T) {
	e := newEnv(t, 100)
	req := execRequest(map[string]interface{}{"table": "sales_data"})
	req.TenantID = "ab"
	resp := e.server.Handle(context.Background(), req)
	if resp.ErrorCode != "INVALID_TENANT" {
		t.Fatalf("expected invalid tenant: %+v", resp)
	}
}

func TestHandleRejectsToolOutsideSurface(t *testing.T) {
	e := newEnv(t, 100)
	req := execRequest(map[string]interface{}{"table": "sales_data"})
	req.NLContext = "customer churn lookup"
	resp := e.server.Handle(context.Background(), req)
	if resp.ErrorCode != CodeToolNotInSurface {
		t.Fatalf("expected surface rejection: %+v", resp)
	}

	req.NLContext = "revenue and sales numbers"
	if resp := e.server.Handle(context.Background(), req); !resp.Success {
		t.Fatalf("tool in surface should pass: %+v", resp)
	}
}

func TestHandleForbidsCrossTenantResourceURI(t *testing.T) {
	e := newEnv(t, 100)
	resp := e.server.Handle(context.Background(), execRequest(map[string]interface{}{
		"table":        "sales_data",
		"resource_uri": "warden://beta99/reports/q3",
	}))
	if resp.ErrorCode != CodeForbidden {
		t.Fatalf("expected FORBIDDEN: %+v", resp)
	}

	// own-tenant references pass; nested references are checked too
	resp = e.server.Handle(context.Background(), execRequest(map[string]interface{}{
		"table": "sales_data",
		"filters": map[string]interface{}{
			"report": "warden://acme01/reports/q3",
		},
	}))
	if resp.ErrorCode == CodeForbidden {
		t.Fatalf("own-tenant uri rejected: %+v", resp)
	}
}

func TestHandleRequiresTableArgument(t *testing.T) {
	e := newEnv(t, 100)
	resp := e.server.Handle(context.Background(), execRequest(map[string]interface{}{}))
	if resp.ErrorCode != "INVALID_ARGUMENTS" {
		t.Fatalf("expected argument error: %+v", resp)
	}
}

func TestHandleArgumentValuesNeverReachAudit(t *testing.T) {
	e := newEnv(t, 100)
	e.server.Handle(context.Background(), execRequest(map[string]interface{}{
		"table":   "sales_data",
		"filters": map[string]interface{}{"contact": "alice@example.com"},
	}))
	rec := e.waitAudit(t)
	raw, _ := json.Marshal(rec)
	if strings.Contains(string(raw), "alice@example.com") {
		t.Fatalf("argument value leaked into audit: %s", raw)
	}
	if len(rec.ArgKeys) != 2 {
		t.Fatalf("expected key names retained: %+v", rec.ArgKeys)
	}
}

func TestHTTPExecuteEndToEnd(t *testing.T) {
	e := newEnv(t, 100)
	srv := httptest.NewServer(e.server.Routes(e.grants))
	defer srv.Close()

	body, _ := json.Marshal(execRequest(map[string]interface{}{"table": "sales_data"}))
	httpResp, err := http.Post(srv.URL+"/v1/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", httpResp.StatusCode)
	}
	var resp models.ToolResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || len(resp.Result) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHTTPDenialStatusCodes(t *testing.T) {
	e := newEnv(t, 100)
	srv := httptest.NewServer(e.server.Routes(nil))
	defer srv.Close()

	req := execRequest(map[string]interface{}{"table": "sales_data"})
	req.UserID = "intruder"
	body, _ := json.Marshal(req)
	httpResp, err := http.Post(srv.URL+"/v1/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", httpResp.StatusCode)
	}
}

func TestHTTPGrantAdminEnablesAccess(t *testing.T) {
	e := newEnv(t, 100)
	srv := httptest.NewServer(e.server.Routes(e.grants))
	defer srv.Close()

	grant, _ := json.Marshal(grantRequest{UserID: "user-2", TenantID: "acme01"})
	httpResp, err := http.Post(srv.URL+"/v1/admin/grants", "application/json", bytes.NewReader(grant))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		t.Fatalf("grant failed: %d", httpResp.StatusCode)
	}

	req := execRequest(map[string]interface{}{"table": "sales_data"})
	req.UserID = "user-2"
	if resp := e.server.Handle(context.Background(), req); !resp.Success {
		t.Fatalf("granted user should pass: %+v", resp)
	}
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	e := newEnv(t, 100)
	srv := httptest.NewServer(e.server.Routes(nil))
	defer srv.Close()

	e.server.Handle(context.Background(), execRequest(map[string]interface{}{"table": "sales_data"}))

	httpResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer httpResp.Body.Close()
	var snap metrics.Snapshot
	if err := json.NewDecoder(httpResp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.DecisionReasons[policy.ReasonOK] != 1 {
		t.Fatalf("decision not counted: %+v", snap.DecisionReasons)
	}
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{"", http.StatusInternalServerError},
		{policy.ReasonRateLimited, http.StatusTooManyRequests},
		{policy.ReasonTooComplex, http.StatusUnprocessableEntity},
		{CodePoolSaturated, http.StatusServiceUnavailable},
		{CodeHealingExhausted, http.StatusConflict},
	}
	for _, tc := range cases {
		if got := statusFor(models.ToolResponse{ErrorCode: tc.code}); got != tc.want {
			t.Fatalf("statusFor(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
