package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"warden/pkg/httpx"
)

// HTTPArbitrator calls a remote completion endpoint:
// POST {prompt, system_prompt, max_tokens} -> {text}.
type HTTPArbitrator struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	Timeout    time.Duration
	MaxTokens  int
}

func NewHTTPArbitrator(baseURL string, timeout time.Duration) *HTTPArbitrator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPArbitrator{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
		MaxTokens:  16,
	}
}

type completionRequest struct {
	Prompt       string `json:"prompt"`
	SystemPrompt string `json:"system_prompt"`
	MaxTokens    int    `json:"max_tokens"`
}

type completionResponse struct {
	Text string `json:"text"`
}

func (a *HTTPArbitrator) Choose(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(a.BaseURL) == "" {
		return "", fmt.Errorf("arbiter base url required")
	}
	body, err := json.Marshal(completionRequest{
		Prompt:       BuildPrompt(req),
		SystemPrompt: systemPrompt,
		MaxTokens:    a.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	headers := map[string]string{}
	if a.AuthToken != "" {
		headers["Authorization"] = "Bearer " + a.AuthToken
	}
	callCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()
	status, resp, err := httpx.RequestJSON(callCtx, a.HTTPClient, http.MethodPost, a.BaseURL+"/v1/complete", body, headers, 0, 0)
	if err != nil {
		return "", fmt.Errorf("arbiter call: %w", err)
	}
	if status >= 300 {
		return "", fmt.Errorf("arbiter status %d", status)
	}
	var out completionResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("arbiter response: %w", err)
	}
	return ParseChoice(out.Text, req.Candidates)
}
