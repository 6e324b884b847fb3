package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"warden/pkg/httpx"

	"gopkg.in/yaml.v3"
)

// CredentialSource resolves named secrets. Implementations must never log
// resolved values.
type CredentialSource interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// EnvSource resolves credentials from process environment variables.
type EnvSource struct{}

func (EnvSource) Lookup(ctx context.Context, name string) (string, bool, error) {
	v, ok := os.LookupEnv(name)
	return v, ok, nil
}

// VaultSource resolves credentials from a Vault KV v2 mount. Values are
// read from the data payload under the configured secret path.
type VaultSource struct {
	Client     *http.Client
	Addr       string
	Token      string
	Mount      string
	SecretPath string
	Timeout    time.Duration
}

func (s VaultSource) Lookup(ctx context.Context, name string) (string, bool, error) {
	addr := strings.TrimRight(strings.TrimSpace(s.Addr), "/")
	if addr == "" {
		return "", false, fmt.Errorf("vault addr required")
	}
	if strings.TrimSpace(s.Token) == "" {
		return "", false, fmt.Errorf("vault token required")
	}
	mount := s.Mount
	if mount == "" {
		mount = "secret"
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	endpoint := addr + "/v1/" + strings.Trim(mount, "/") + "/data/" + url.PathEscape(strings.Trim(s.SecretPath, "/"))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, body, err := httpx.RequestJSON(callCtx, s.Client, http.MethodGet, endpoint, nil, map[string]string{"X-Vault-Token": s.Token}, 1, 100*time.Millisecond)
	if err != nil {
		return "", false, fmt.Errorf("vault lookup: %w", err)
	}
	if status == http.StatusNotFound {
		return "", false, nil
	}
	if status >= 300 {
		return "", false, fmt.Errorf("vault lookup status=%d", status)
	}
	var payload struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", false, fmt.Errorf("invalid vault response: %w", err)
	}
	v, ok := payload.Data.Data[name]
	return v, ok, nil
}

// Template holds per-tenant credential templates plus quota overrides.
// Credential values use ${VAR} or ${VAR:default} placeholders resolved
// through a CredentialSource at load time.
type Template struct {
	Region       string            `yaml:"region"`
	MaxInstances int               `yaml:"max_instances"`
	Credentials  map[string]string `yaml:"credentials"`
}

type templateFile struct {
	Defaults Template            `yaml:"defaults"`
	Tenants  map[string]Template `yaml:"tenants"`
}

// Templates is the parsed tenant credential config.
type Templates struct {
	defaults Template
	tenants  map[string]Template
}

func LoadTemplates(path string) (*Templates, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant templates: %w", err)
	}
	return ParseTemplates(raw)
}

func ParseTemplates(raw []byte) (*Templates, error) {
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tenant templates: %w", err)
	}
	if file.Tenants == nil {
		file.Tenants = map[string]Template{}
	}
	return &Templates{defaults: file.Defaults, tenants: file.Tenants}, nil
}

// For returns the template for a tenant, falling back to defaults for
// unset fields and unlisted tenants.
func (t *Templates) For(tenantID string) Template {
	tpl, ok := t.tenants[tenantID]
	if !ok {
		return t.defaults
	}
	if tpl.Region == "" {
		tpl.Region = t.defaults.Region
	}
	if tpl.MaxInstances == 0 {
		tpl.MaxInstances = t.defaults.MaxInstances
	}
	if tpl.Credentials == nil {
		tpl.Credentials = t.defaults.Credentials
	}
	return tpl
}

// resolvePlaceholder expands one ${VAR} / ${VAR:default} template value.
// A literal value passes through unchanged. Missing variable without a
// default is a configuration error.
func resolvePlaceholder(ctx context.Context, src CredentialSource, key, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	inner := value[2 : len(value)-1]
	name := inner
	def := ""
	hasDefault := false
	if idx := strings.Index(inner, ":"); idx >= 0 {
		name = inner[:idx]
		def = inner[idx+1:]
		hasDefault = true
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("credential %q: empty variable name", key)
	}
	resolved, ok, err := src.Lookup(ctx, name)
	if err != nil {
		return "", err
	}
	if ok && resolved != "" {
		return resolved, nil
	}
	if hasDefault {
		return def, nil
	}
	return "", fmt.Errorf("credential %q: variable %s is not set and has no default", key, name)
}
