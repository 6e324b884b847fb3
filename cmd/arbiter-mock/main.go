// arbiter-mock answers identifier arbitration prompts without a real
// model behind it. It parses the candidate list and the failed identifier
// out of the prompt and picks the candidate with the highest token
// overlap, which is good enough for local end-to-end runs.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"warden/pkg/httpx"
	"warden/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

type completionRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Text string `json:"text"`
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("arbiter-mock: %v", err)
	}
}

func run() error {
	shutdown, err := telemetry.Init(context.Background(), "arbiter-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("arbiter-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "arbiter-mock"})
	})
	r.Post("/v1/complete", func(w http.ResponseWriter, req *http.Request) {
		var body completionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid completion request")
			return
		}
		failed, candidates := parsePrompt(body.Prompt)
		if len(candidates) == 0 {
			httpx.Error(w, http.StatusUnprocessableEntity, "no candidates in prompt")
			return
		}
		httpx.WriteJSON(w, http.StatusOK, completionResponse{Text: pick(failed, candidates)})
	})

	addr := env("ADDR", ":8091")
	log.Printf("arbiter-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return server.ListenAndServe()
}

// parsePrompt recovers the failed identifier and the "- candidate" lines.
func parsePrompt(prompt string) (failed string, candidates []string) {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "- "); ok {
			rest = strings.TrimSpace(rest)
			if rest != "" {
				candidates = append(candidates, rest)
			}
			continue
		}
		if idx := strings.Index(line, "identifier \""); idx >= 0 {
			rest := line[idx+len("identifier \""):]
			if end := strings.Index(rest, "\""); end > 0 {
				failed = rest[:end]
			}
		}
	}
	return failed, candidates
}

// pick scores candidates by shared name tokens with the failed
// identifier, breaking ties by name for determinism.
func pick(failed string, candidates []string) string {
	failedTokens := nameTokens(failed)
	best := ""
	bestScore := -1
	sorted := append([]string{}, candidates...)
	sort.Strings(sorted)
	for _, c := range sorted {
		score := 0
		for tok := range nameTokens(c) {
			if failedTokens[tok] {
				score++
			}
		}
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func nameTokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	}) {
		out[tok] = true
	}
	return out
}
