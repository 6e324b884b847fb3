// Package arbiter asks an external LLM-backed collaborator to pick one
// replacement identifier out of a candidate set. The gateway treats any
// arbiter failure, timeout included, as a failed healing attempt; it never
// crashes a request.
package arbiter

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Request is one arbitration question.
type Request struct {
	FailedIdentifier string
	Table            string
	RawError         string
	Candidates       []string
}

// Arbitrator picks a candidate. Implementations must return a member of
// the candidate set or an error; callers reject anything else.
type Arbitrator interface {
	Choose(ctx context.Context, req Request) (string, error)
}

const systemPrompt = "You map a failed database identifier to its correct replacement. " +
	"Answer with exactly one identifier from the candidate list and nothing else."

// BuildPrompt renders a deterministic prompt: the same request always
// yields the same bytes, so arbitrations are reproducible and cacheable.
func BuildPrompt(req Request) string {
	candidates := append([]string{}, req.Candidates...)
	sort.Strings(candidates)
	var b strings.Builder
	fmt.Fprintf(&b, "A query against table %q failed because identifier %q does not exist.\n", req.Table, req.FailedIdentifier)
	fmt.Fprintf(&b, "Backend error: %s\n", req.RawError)
	b.WriteString("Candidate replacements:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("Reply with the single best candidate.")
	return b.String()
}

// ParseChoice extracts a single-token answer and verifies candidate-set
// membership. A response outside the set fails the attempt; the executor
// never falls back to an arbitrary candidate.
func ParseChoice(raw string, candidates []string) (string, error) {
	token := strings.TrimSpace(raw)
	token = strings.Trim(token, "\"'`")
	if fields := strings.Fields(token); len(fields) > 0 {
		token = fields[0]
	}
	token = strings.ToLower(strings.Trim(token, ".,:;"))
	if token == "" {
		return "", fmt.Errorf("empty arbiter response")
	}
	for _, c := range candidates {
		if strings.EqualFold(c, token) {
			return c, nil
		}
	}
	return "", fmt.Errorf("arbiter response %q is not in the candidate set", token)
}

// Fake is a canned arbitrator for tests.
type Fake struct {
	Response string
	Err      error
	Calls    int
}

func (f *Fake) Choose(ctx context.Context, req Request) (string, error) {
	f.Calls++
	if f.Err != nil {
		return "", f.Err
	}
	return ParseChoice(f.Response, req.Candidates)
}
