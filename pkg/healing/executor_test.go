package healing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"warden/pkg/arbiter"
	"warden/pkg/backend"
	"warden/pkg/models"
	"warden/pkg/ontology"
)

const conceptYAML = `
concepts:
  - name: sales
    keywords:
      revenue: 1.0
      total_spend: 0.8
      sales: 0.6
    tools: [query_sales]
`

func newFixtures(t *testing.T) (*ontology.Matcher, *ontology.LearnedStore) {
	t.Helper()
	concepts, err := ontology.ParseConcepts([]byte(conceptYAML))
	if err != nil {
		t.Fatalf("concepts: %v", err)
	}
	learned, err := ontology.NewLearnedStore(filepath.Join(t.TempDir(), "learned.json"))
	if err != nil {
		t.Fatalf("learned: %v", err)
	}
	return ontology.NewMatcher(concepts, learned), learned
}

func salesBackend() *backend.MemoryBackend {
	b := backend.NewMemoryBackend()
	b.AddTable("sales_data", backend.MemoryTable{
		Columns: []string{"id", "revenue"},
		Rows:    []backend.Row{{"id": "1", "revenue": 100.0}},
	})
	return b
}

func TestExecuteNoHealingNeeded(t *testing.T) {
	matcher, learned := newFixtures(t)
	exec := NewExecutor(matcher, learned, &arbiter.Fake{}, 2)
	res, err := exec.Execute(context.Background(), salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"revenue"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Applied || len(res.History) != 0 {
		t.Fatalf("unexpected healing: %+v", res)
	}
	if res.FinalState != StateSuccess {
		t.Fatalf("expected SUCCESS got %s", res.FinalState)
	}
}

func TestExecuteHealsMissingColumnAndPersists(t *testing.T) {
	matcher, learned := newFixtures(t)
	fake := &arbiter.Fake{Response: "revenue"}
	exec := NewExecutor(matcher, learned, fake, 2)

	res, err := exec.Execute(context.Background(), salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"total_spend"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected healing applied")
	}
	if len(res.Rows) != 1 || res.Rows[0]["revenue"] != 100.0 {
		t.Fatalf("unexpected rows: %v", res.Rows)
	}
	if len(res.History) != 1 {
		t.Fatalf("expected 1 attempt got %d", len(res.History))
	}
	at := res.History[0]
	if at.FailedIdentifier != "total_spend" || at.Chosen != "revenue" || at.Source != models.SourceOntology || at.Outcome != OutcomeRetrySucceeded {
		t.Fatalf("unexpected attempt: %+v", at)
	}
	got, ok := learned.Get("sales_data", "total_spend")
	if !ok || got != "revenue" {
		t.Fatalf("expected persisted mapping, got %q %v", got, ok)
	}
}

func TestExecuteLearnedMappingSkipsArbitration(t *testing.T) {
	matcher, learned := newFixtures(t)
	if err := learned.Put("sales_data", "total_spend", "revenue"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fake := &arbiter.Fake{Response: "sales"}
	exec := NewExecutor(matcher, learned, fake, 2)

	res, err := exec.Execute(context.Background(), salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"total_spend"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if fake.Calls != 0 {
		t.Fatalf("learned mapping must skip arbitration, got %d calls", fake.Calls)
	}
	if res.History[0].Source != models.SourceLearned {
		t.Fatalf("expected learned source: %+v", res.History[0])
	}
}

func TestExecuteTableNotFoundSurfacesImmediately(t *testing.T) {
	matcher, learned := newFixtures(t)
	fake := &arbiter.Fake{Response: "revenue"}
	exec := NewExecutor(matcher, learned, fake, 2)

	_, err := exec.Execute(context.Background(), salesBackend(), backend.Query{Table: "missing"})
	se, ok := backend.AsSchemaError(err)
	if !ok || se.Kind != backend.KindTableNotFound {
		t.Fatalf("expected table-not-found, got %v", err)
	}
	if fake.Calls != 0 {
		t.Fatal("non-healable errors must not reach arbitration")
	}
}

func TestExecuteEmptyCandidatesNoArbitration(t *testing.T) {
	matcher, learned := newFixtures(t)
	fake := &arbiter.Fake{Response: "revenue"}
	exec := NewExecutor(matcher, learned, fake, 2)

	res, err := exec.Execute(context.Background(), salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"zzz_unknown"},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if fake.Calls != 0 {
		t.Fatal("empty candidate set must not be arbitrated")
	}
	if res.FinalState != StateExhausted {
		t.Fatalf("expected exhausted, got %s", res.FinalState)
	}
	if len(res.History) != 1 || res.History[0].Outcome != OutcomeNoCandidates {
		t.Fatalf("unexpected history: %+v", res.History)
	}
}

func TestExecuteRespectsRetryBudget(t *testing.T) {
	matcher, learned := newFixtures(t)
	fake := &arbiter.Fake{Err: errors.New("arbiter down")}
	exec := NewExecutor(matcher, learned, fake, 2)

	res, err := exec.Execute(context.Background(), salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"total_spend"},
	})
	if !errors.Is(err, ErrHealingExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected exactly MaxRetries attempts, got %d", len(res.History))
	}
	for _, at := range res.History {
		if at.Outcome != OutcomeArbitrationFailed {
			t.Fatalf("unexpected outcome: %+v", at)
		}
	}
	if fake.Calls != 2 {
		t.Fatalf("expected 2 arbiter calls got %d", fake.Calls)
	}
}

func TestExecuteNeverReoffersUsedCandidate(t *testing.T) {
	matcher, learned := newFixtures(t)
	// both candidates are missing on the backend, so each retry fails and
	// the next attempt must offer a strictly smaller candidate set
	b := backend.NewMemoryBackend()
	b.AddTable("sales_data", backend.MemoryTable{Columns: []string{"id"}})
	first := &firstCandidateArbiter{}
	exec := NewExecutor(matcher, learned, first, 3)

	res, err := exec.Execute(context.Background(), b, backend.Query{
		Table: "sales_data", Columns: []string{"total_spend"},
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	seen := map[string]bool{}
	for _, at := range res.History {
		if at.Chosen == "" {
			continue
		}
		if seen[at.Chosen] {
			t.Fatalf("candidate %q offered twice: %+v", at.Chosen, res.History)
		}
		seen[at.Chosen] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected distinct candidates to be consumed, got %v", seen)
	}
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	matcher, learned := newFixtures(t)
	fake := &arbiter.Fake{Response: "revenue"}
	exec := NewExecutor(matcher, learned, fake, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Execute(ctx, salesBackend(), backend.Query{
		Table: "sales_data", Columns: []string{"total_spend"},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if fake.Calls != 0 {
		t.Fatal("no arbitration after cancellation")
	}
}

// firstCandidateArbiter always picks the first offered candidate.
type firstCandidateArbiter struct{}

func (firstCandidateArbiter) Choose(ctx context.Context, req arbiter.Request) (string, error) {
	if len(req.Candidates) == 0 {
		return "", errors.New("no candidates")
	}
	return req.Candidates[0], nil
}
