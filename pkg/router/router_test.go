package router

import (
	"testing"

	"warden/pkg/ontology"
)

const conceptYAML = `
concepts:
  - name: sales
    keywords:
      revenue: 1.0
      sales: 0.5
      forecast: 0.5
    tools: [query_sales, forecast_sales]
  - name: customers
    keywords:
      customer: 1.0
      account: 0.5
      churn: 0.5
    tools: [lookup_customers, churn_report]
  - name: inventory
    keywords:
      stock: 1.0
      warehouse: 1.0
    tools: [stock_levels]
`

func testRouter(t *testing.T) *Router {
	t.Helper()
	concepts, err := ontology.ParseConcepts([]byte(conceptYAML))
	if err != nil {
		t.Fatalf("concepts: %v", err)
	}
	return New(concepts, []string{"describe_schema", "run_query"}, 0)
}

func TestResolveConceptsRanksByScore(t *testing.T) {
	r := testRouter(t)
	scores := r.ResolveConcepts("show revenue and sales forecast for our top customer")
	if len(scores) < 1 {
		t.Fatal("expected at least one concept")
	}
	if scores[0].Concept != "sales" {
		t.Fatalf("expected sales first, got %+v", scores)
	}
	// sales matched all keywords: normalized score 1.0
	if scores[0].Score != 1.0 {
		t.Fatalf("expected full score, got %f", scores[0].Score)
	}
}

func TestResolveConceptsAppliesFloor(t *testing.T) {
	r := testRouter(t)
	// only "account" (0.5 of 2.0 total) matches customers: score 0.25 < 0.3
	scores := r.ResolveConcepts("open a new account")
	for _, s := range scores {
		if s.Concept == "customers" {
			t.Fatalf("expected customers below floor, got %+v", scores)
		}
	}
}

func TestToolsForConceptsDedupAndUsageOrder(t *testing.T) {
	r := testRouter(t)
	r.RecordUsage("forecast_sales")
	r.RecordUsage("forecast_sales")
	r.RecordUsage("query_sales")

	tools := r.ToolsForConcepts([]string{"sales", "customers", "sales"}, 10)
	if len(tools) != 4 {
		t.Fatalf("expected 4 deduplicated tools, got %v", tools)
	}
	if tools[0] != "forecast_sales" || tools[1] != "query_sales" {
		t.Fatalf("expected usage-ranked order, got %v", tools)
	}
	// remaining tie broken by name
	if tools[2] != "churn_report" || tools[3] != "lookup_customers" {
		t.Fatalf("expected name tie-break, got %v", tools)
	}
}

func TestResolveSurfaceFallbackWhenNoConfidence(t *testing.T) {
	r := testRouter(t)
	surface := r.ResolveSurface("sess1", "completely unrelated gibberish text")
	if !surface.LowConfidence {
		t.Fatal("expected low-confidence fallback")
	}
	if len(surface.Tools) != 2 || surface.Tools[0] != "describe_schema" {
		t.Fatalf("expected fallback tools, got %v", surface.Tools)
	}
}

func TestResolveSurfacePinnedUntilContextChanges(t *testing.T) {
	r := testRouter(t)
	first := r.ResolveSurface("sess1", "revenue and sales forecast")
	if !first.Allows("query_sales") {
		t.Fatalf("expected sales tools, got %v", first.Tools)
	}

	// usage changes must not alter the pinned surface for same context
	r.RecordUsage("stock_levels")
	again := r.ResolveSurface("sess1", "revenue and sales forecast")
	if len(again.Tools) != len(first.Tools) {
		t.Fatalf("pinned surface changed: %v vs %v", again.Tools, first.Tools)
	}

	changed := r.ResolveSurface("sess1", "warehouse stock levels")
	if !changed.Allows("stock_levels") {
		t.Fatalf("expected surface to follow new context, got %v", changed.Tools)
	}
	if changed.Allows("query_sales") {
		t.Fatalf("old tools must drop when context changes: %v", changed.Tools)
	}
}

func TestSurfaceAllows(t *testing.T) {
	s := Surface{Tools: []string{"a", "b"}}
	if !s.Allows("a") || s.Allows("c") {
		t.Fatal("allows misbehaved")
	}
}
