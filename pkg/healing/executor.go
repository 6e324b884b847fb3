// Package healing drives the execute/diagnose/rewrite/retry state machine
// for schema-drift recovery. Only missing-column errors are healed; every
// other backend failure surfaces immediately.
package healing

import (
	"context"
	"errors"
	"log"
	"time"

	"warden/pkg/arbiter"
	"warden/pkg/backend"
	"warden/pkg/models"
	"warden/pkg/ontology"
)

// Executor states. One request walks INIT -> EXECUTING -> SUCCESS, or
// loops through FIND_ALTERNATIVES/ARBITRATE/REWRITE until it succeeds or
// the retry budget is spent.
const (
	StateInit             = "INIT"
	StateExecuting        = "EXECUTING"
	StateSuccess          = "SUCCESS"
	StateSchemaError      = "SCHEMA_ERROR"
	StateFindAlternatives = "FIND_ALTERNATIVES"
	StateArbitrate        = "ARBITRATE"
	StateRewrite          = "REWRITE"
	StateExhausted        = "HEALING_EXHAUSTED"
)

// Attempt outcomes recorded in the healing history.
const (
	OutcomeRetrySucceeded    = "retry_succeeded"
	OutcomeRetryFailed       = "retry_failed"
	OutcomeArbitrationFailed = "arbitration_failed"
	OutcomeNoCandidates      = "no_candidates"
)

// ErrHealingExhausted is returned when the retry budget is spent without a
// successful rewrite. The original schema error travels alongside it.
var ErrHealingExhausted = errors.New("healing exhausted")

// Executor runs queries with bounded self-healing retries.
type Executor struct {
	Matcher    *ontology.Matcher
	Learned    *ontology.LearnedStore
	Arbiter    arbiter.Arbitrator
	MaxRetries int
}

// Result carries the rows plus the full healing history for the caller.
type Result struct {
	Rows       []backend.Row
	Applied    bool
	History    []models.HealingAttempt
	FinalState string
}

func NewExecutor(matcher *ontology.Matcher, learned *ontology.LearnedStore, arb arbiter.Arbitrator, maxRetries int) *Executor {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Executor{Matcher: matcher, Learned: learned, Arbiter: arb, MaxRetries: maxRetries}
}

// Execute runs q on conn, healing missing-column errors up to MaxRetries
// times. Healing stops immediately when ctx is done. Each attempt consumes
// a distinct candidate; a candidate rejected once is never re-offered
// within the same request.
func (e *Executor) Execute(ctx context.Context, conn backend.Conn, q backend.Query) (Result, error) {
	res := Result{FinalState: StateExecuting}

	rows, err := conn.Query(ctx, q)
	if err == nil {
		res.Rows = rows
		res.FinalState = StateSuccess
		return res, nil
	}
	se, ok := backend.AsSchemaError(err)
	if !ok || !se.Healable() {
		res.FinalState = StateSchemaError
		return res, err
	}

	// chains maps the originally failed identifier of each heal chain to
	// the candidate currently substituted for it.
	chains := map[string]string{}
	used := map[string]map[string]struct{}{}
	target := se.Column   // identifier whose candidates we consult
	current := se.Column  // identifier present in the query right now
	lastErr := error(err) // surfaced if the budget runs out

	for attempt := 1; attempt <= e.MaxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.FinalState = StateSchemaError
			return res, ctxErr
		}

		res.FinalState = StateFindAlternatives
		chosen, source, options, found := e.findCandidate(se.Table, target, used)
		attemptRec := models.HealingAttempt{
			FailedIdentifier: target,
			Table:            se.Table,
			Candidates:       options,
			Source:           source,
			At:               models.NowUTC().Format(time.RFC3339Nano),
		}
		if !found {
			attemptRec.Outcome = OutcomeNoCandidates
			res.History = append(res.History, attemptRec)
			res.FinalState = StateExhausted
			return res, lastErr
		}

		if source == models.SourceOntology {
			res.FinalState = StateArbitrate
			picked, aerr := e.Arbiter.Choose(ctx, arbiter.Request{
				FailedIdentifier: target,
				Table:            se.Table,
				RawError:         lastErr.Error(),
				Candidates:       options,
			})
			if aerr != nil {
				// arbiter unavailable, timed out, or answered outside
				// the candidate set: the attempt fails and consumes a
				// retry
				log.Printf("arbitration failed for %s.%s: %v", se.Table, target, aerr)
				attemptRec.Outcome = OutcomeArbitrationFailed
				res.History = append(res.History, attemptRec)
				continue
			}
			chosen = picked
		}
		attemptRec.Chosen = chosen
		markUsed(used, target, chosen)

		res.FinalState = StateRewrite
		q = q.RewriteIdentifier(current, chosen)
		chains[target] = chosen

		res.FinalState = StateExecuting
		rows, err = conn.Query(ctx, q)
		if err == nil {
			attemptRec.Outcome = OutcomeRetrySucceeded
			res.History = append(res.History, attemptRec)
			res.Rows = rows
			res.Applied = true
			res.FinalState = StateSuccess
			e.persistChains(se.Table, chains)
			return res, nil
		}
		attemptRec.Outcome = OutcomeRetryFailed
		res.History = append(res.History, attemptRec)
		lastErr = err

		se2, ok := backend.AsSchemaError(err)
		if !ok || !se2.Healable() {
			res.FinalState = StateSchemaError
			return res, err
		}
		if se2.Column == chosen {
			// same chain: the substitution itself is missing, try the
			// next candidate for the original identifier
			current = chosen
		} else {
			// a different column failed; start a new heal chain
			target = se2.Column
			current = se2.Column
			se = se2
		}
	}

	res.FinalState = StateExhausted
	return res, errors.Join(ErrHealingExhausted, lastErr)
}

// findCandidate picks the next unused candidate for target. A learned
// mapping wins outright and skips arbitration.
func (e *Executor) findCandidate(table, target string, used map[string]map[string]struct{}) (chosen, source string, options []string, found bool) {
	cands := e.Matcher.Alternatives(table, target)
	usedSet := used[target]
	if cands.Learned != "" {
		if _, spent := usedSet[cands.Learned]; !spent {
			return cands.Learned, models.SourceLearned, []string{cands.Learned}, true
		}
	}
	options = make([]string, 0, len(cands.Options))
	for _, c := range cands.Options {
		if _, spent := usedSet[c]; spent {
			continue
		}
		options = append(options, c)
	}
	if len(options) == 0 {
		return "", models.SourceOntology, nil, false
	}
	return "", models.SourceOntology, options, true
}

func markUsed(used map[string]map[string]struct{}, target, candidate string) {
	set, ok := used[target]
	if !ok {
		set = map[string]struct{}{}
		used[target] = set
	}
	set[candidate] = struct{}{}
}

// persistChains records every completed heal chain, overwriting older
// mappings for the same key (last write wins).
func (e *Executor) persistChains(table string, chains map[string]string) {
	if e.Learned == nil {
		return
	}
	for wrong, correct := range chains {
		if err := e.Learned.Put(table, wrong, correct); err != nil {
			log.Printf("persist learned mapping %s.%s: %v", table, wrong, err)
		}
	}
}
