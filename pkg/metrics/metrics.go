// Package metrics keeps in-process counters and exposes them as JSON and
// Prometheus text. The registry is safe for concurrent use.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decisionReason map[string]int64
	healingOutcome map[string]int64
	gauges         map[string]float64
	maskedFields   int64
	auditDropped   int64
	healLatency    LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	DecisionReasons  map[string]int64        `json:"decision_reasons"`
	HealingOutcomes  map[string]int64        `json:"healing_outcomes"`
	Gauges           map[string]float64      `json:"gauges"`
	MaskedFields     int64                   `json:"masked_fields_total"`
	AuditDropped     int64                   `json:"audit_dropped_total"`
	HealingLatencyMS LatencyStat             `json:"healing_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decisionReason: map[string]int64{},
		healingOutcome: map[string]int64{},
		gauges:         map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncDecision(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.decisionReason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncHealing(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.healingOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) AddMaskedFields(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.maskedFields += n
	r.mu.Unlock()
}

func (r *Registry) IncAuditDropped() {
	r.mu.Lock()
	r.auditDropped++
	r.mu.Unlock()
}

func (r *Registry) ObserveHealingLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healLatency.Count++
	r.healLatency.TotalMS += ms
	r.healLatency.LastMS = ms
	if ms > r.healLatency.MaxMS {
		r.healLatency.MaxMS = ms
	}
	r.healLatency.AvgMS = float64(r.healLatency.TotalMS) / float64(r.healLatency.Count)
}

// SetGauge records a point-in-time value such as pool occupancy.
func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		DecisionReasons:  make(map[string]int64, len(r.decisionReason)),
		HealingOutcomes:  make(map[string]int64, len(r.healingOutcome)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		MaskedFields:     r.maskedFields,
		AuditDropped:     r.auditDropped,
		HealingLatencyMS: r.healLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decisionReason {
		out.DecisionReasons[k] = v
	}
	for k, v := range r.healingOutcome {
		out.HealingOutcomes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP warden_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE warden_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "warden_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP warden_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE warden_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "warden_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP warden_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE warden_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "warden_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP warden_decision_total policy decisions by reason code\n")
		b.WriteString("# TYPE warden_decision_total counter\n")
		for _, reason := range SortedKeys(snap.DecisionReasons) {
			fmt.Fprintf(b, "warden_decision_total{reason=%q} %d\n", reason, snap.DecisionReasons[reason])
		}
		b.WriteString("# HELP warden_healing_total healing attempts by outcome\n")
		b.WriteString("# TYPE warden_healing_total counter\n")
		for _, outcome := range SortedKeys(snap.HealingOutcomes) {
			fmt.Fprintf(b, "warden_healing_total{outcome=%q} %d\n", outcome, snap.HealingOutcomes[outcome])
		}
		b.WriteString("# HELP warden_masked_fields_total fields masked in responses\n")
		b.WriteString("# TYPE warden_masked_fields_total counter\n")
		fmt.Fprintf(b, "warden_masked_fields_total %d\n", snap.MaskedFields)
		b.WriteString("# HELP warden_audit_dropped_total audit records lost to backpressure\n")
		b.WriteString("# TYPE warden_audit_dropped_total counter\n")
		fmt.Fprintf(b, "warden_audit_dropped_total %d\n", snap.AuditDropped)
		b.WriteString("# HELP warden_healing_latency_ms healing path latency in ms\n")
		b.WriteString("# TYPE warden_healing_latency_ms gauge\n")
		fmt.Fprintf(b, "warden_healing_latency_ms{stat=%q} %d\n", "last", snap.HealingLatencyMS.LastMS)
		fmt.Fprintf(b, "warden_healing_latency_ms{stat=%q} %.3f\n", "avg", snap.HealingLatencyMS.AvgMS)
		fmt.Fprintf(b, "warden_healing_latency_ms{stat=%q} %d\n", "max", snap.HealingLatencyMS.MaxMS)
		b.WriteString("# HELP warden_gauge operational gauge metrics\n")
		b.WriteString("# TYPE warden_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "warden_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
