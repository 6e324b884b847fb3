package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveAggregatesEndpointStats(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/execute", 200, 40*time.Millisecond)
	r.Observe("/v1/execute", 500, 80*time.Millisecond)

	snap := r.Snapshot()
	stat := snap.Endpoints["/v1/execute"]
	if stat.Count != 2 || stat.ErrorCount != 1 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
	if stat.MaxMillis != 80 || stat.AverageMillis != 60 {
		t.Fatalf("unexpected latency aggregation: %+v", stat)
	}
	if stat.LastStatusCode != 500 {
		t.Fatalf("unexpected last status: %+v", stat)
	}
}

func TestCountersAndGauges(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("RATE_LIMITED")
	r.IncDecision("RATE_LIMITED")
	r.IncDecision("")
	r.IncHealing("retry_succeeded")
	r.AddMaskedFields(3)
	r.AddMaskedFields(-1)
	r.IncAuditDropped()
	r.SetGauge("pool_in_use{tenant=acme01}", 2)
	r.ObserveHealingLatency(120 * time.Millisecond)

	snap := r.Snapshot()
	if snap.DecisionReasons["RATE_LIMITED"] != 2 {
		t.Fatalf("decision counter: %+v", snap.DecisionReasons)
	}
	if len(snap.DecisionReasons) != 1 {
		t.Fatal("empty reason must be ignored")
	}
	if snap.HealingOutcomes["retry_succeeded"] != 1 {
		t.Fatalf("healing counter: %+v", snap.HealingOutcomes)
	}
	if snap.MaskedFields != 3 || snap.AuditDropped != 1 {
		t.Fatalf("totals: %+v", snap)
	}
	if snap.HealingLatencyMS.LastMS != 120 || snap.HealingLatencyMS.Count != 1 {
		t.Fatalf("latency: %+v", snap.HealingLatencyMS)
	}
}

func TestJSONHandler(t *testing.T) {
	r := NewRegistry()
	r.IncDecision("OK")
	rr := httptest.NewRecorder()
	r.Handler()(rr, httptest.NewRequest("GET", "/metrics", nil))
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.DecisionReasons["OK"] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("/v1/execute", 200, 10*time.Millisecond)
	r.IncDecision("PII_READ_REQUIRED")
	r.IncHealing("retry_failed")
	rr := httptest.NewRecorder()
	r.PrometheusHandler()(rr, httptest.NewRequest("GET", "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`warden_endpoint_count{endpoint="/v1/execute"} 1`,
		`warden_decision_total{reason="PII_READ_REQUIRED"} 1`,
		`warden_healing_total{outcome="retry_failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}
