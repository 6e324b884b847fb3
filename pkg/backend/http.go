package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"warden/pkg/httpx"
)

// HTTPDialer opens backend sessions against a remote query service.
// Each session is pinned to one tenant; the tenant id travels in every
// request body and the credential token in the Authorization header.
type HTTPDialer struct {
	BaseURL    string
	HTTPClient *http.Client
	Retries    int
	RetryDelay time.Duration
}

func NewHTTPDialer(baseURL string, timeout time.Duration) *HTTPDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDialer{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		RetryDelay: 250 * time.Millisecond,
	}
}

func (d *HTTPDialer) Dial(ctx context.Context, tenantID string, creds map[string]string) (Conn, error) {
	if strings.TrimSpace(d.BaseURL) == "" {
		return nil, fmt.Errorf("backend base url required")
	}
	return &httpConn{
		dialer:   d,
		tenantID: tenantID,
		token:    creds["backend_token"],
	}, nil
}

type httpConn struct {
	dialer   *HTTPDialer
	tenantID string
	token    string
}

type queryEnvelope struct {
	TenantID string `json:"tenant_id"`
	Query    Query  `json:"query"`
}

type queryResult struct {
	Rows  []Row        `json:"rows,omitempty"`
	Error *SchemaError `json:"error,omitempty"`
}

func (c *httpConn) Query(ctx context.Context, q Query) ([]Row, error) {
	body, err := json.Marshal(queryEnvelope{TenantID: c.tenantID, Query: q})
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	status, resp, err := httpx.RequestJSON(ctx, c.dialer.HTTPClient, http.MethodPost, c.dialer.BaseURL+"/v1/query", body, headers, c.dialer.Retries, c.dialer.RetryDelay)
	if err != nil {
		return nil, err
	}
	var out queryResult
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("backend response status=%d: %w", status, err)
	}
	if out.Error != nil {
		if out.Error.Kind == "" {
			out.Error.Kind = KindOther
		}
		return nil, out.Error
	}
	if status >= 300 {
		return nil, &SchemaError{Kind: KindOther, Detail: fmt.Sprintf("backend status %d", status)}
	}
	return out.Rows, nil
}

func (c *httpConn) Close() error { return nil }
