// Package tenant owns per-tenant backend connections. Every connection is
// established with credentials resolved for that tenant; queries never
// reach a backend scoped to a different tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"warden/pkg/backend"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTenant rejects malformed tenant identifiers before any
	// credential or network I/O happens.
	ErrInvalidTenant = errors.New("invalid tenant id")

	// ErrPoolSaturated signals that the tenant's pool is at capacity with
	// no idle connection. Callers should retry with backoff.
	ErrPoolSaturated = errors.New("tenant pool saturated")

	// ErrForbidden is returned when a resource URI belongs to a different
	// tenant than the caller.
	ErrForbidden = errors.New("cross-tenant access forbidden")
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{6,20}$`)

// ValidTenantID reports whether id is a well-formed tenant identifier.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Handle is one checked-out backend connection. Callers must Release it
// on every exit path.
type Handle struct {
	ID       string
	TenantID string
	Conn     backend.Conn

	createdAt time.Time
	lastUsed  time.Time
	inUse     bool
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	MaxPerTenant int           // connection cap per tenant, default 5
	IdleTimeout  time.Duration // idle eviction threshold, default 10m
	CredTTL      time.Duration // resolved credential cache TTL, default 5m
}

func (c Config) withDefaults() Config {
	if c.MaxPerTenant <= 0 {
		c.MaxPerTenant = 5
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.CredTTL <= 0 {
		c.CredTTL = 5 * time.Minute
	}
	return c
}

type cachedCreds struct {
	creds     map[string]string
	expiresAt time.Time
}

type pool struct {
	handles []*Handle
	dialing int // in-flight dials reserved against the cap
}

// Manager hands out pooled, tenant-scoped backend connections.
type Manager struct {
	dialer    backend.Dialer
	templates *Templates
	source    CredentialSource
	cfg       Config
	now       func() time.Time

	mu    sync.Mutex
	pools map[string]*pool
	creds map[string]cachedCreds

	closed bool
}

func NewManager(dialer backend.Dialer, templates *Templates, source CredentialSource, cfg Config) *Manager {
	if source == nil {
		source = EnvSource{}
	}
	return &Manager{
		dialer:    dialer,
		templates: templates,
		source:    source,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		pools:     map[string]*pool{},
		creds:     map[string]cachedCreds{},
	}
}

// Acquire returns a connection handle for the tenant, reusing an idle one
// when available and dialing a new one under the cap. At capacity it
// rejects immediately with ErrPoolSaturated rather than queueing.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	if !ValidTenantID(tenantID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.New("tenant manager closed")
	}
	p := m.poolLocked(tenantID)
	for _, h := range p.handles {
		if !h.inUse {
			h.inUse = true
			h.lastUsed = m.now()
			m.mu.Unlock()
			return h, nil
		}
	}
	limit := m.capForLocked(tenantID)
	if len(p.handles)+p.dialing >= limit {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: tenant=%s cap=%d", ErrPoolSaturated, tenantID, limit)
	}
	p.dialing++
	m.mu.Unlock()

	creds, err := m.credentials(ctx, tenantID)
	if err != nil {
		m.undial(tenantID)
		return nil, err
	}
	conn, err := m.dialer.Dial(ctx, tenantID, creds)
	if err != nil {
		m.undial(tenantID)
		return nil, fmt.Errorf("dial tenant backend: %w", err)
	}

	h := &Handle{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Conn:      conn,
		createdAt: m.now(),
		lastUsed:  m.now(),
		inUse:     true,
	}
	m.mu.Lock()
	p = m.poolLocked(tenantID)
	p.dialing--
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return nil, errors.New("tenant manager closed")
	}
	p.handles = append(p.handles, h)
	m.mu.Unlock()
	return h, nil
}

// Release returns a handle to its pool. Releasing twice is a no-op.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	h.inUse = false
	h.lastUsed = m.now()
	m.mu.Unlock()
}

// Discard removes a handle from its pool and closes the connection, used
// when the connection is known broken.
func (m *Manager) Discard(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	p := m.poolLocked(h.TenantID)
	for i, cand := range p.handles {
		if cand == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if err := h.Conn.Close(); err != nil {
		log.Printf("close discarded connection tenant=%s: %v", h.TenantID, err)
	}
}

// CheckURI enforces tenant scoping on resource URIs of the form
// scheme://<tenant_id>/<path>. A mismatched tenant segment is forbidden.
func CheckURI(tenantID, uri string) error {
	owner, ok := uriTenant(uri)
	if !ok {
		return fmt.Errorf("%w: malformed resource uri", ErrForbidden)
	}
	if owner != tenantID {
		return fmt.Errorf("%w: resource belongs to another tenant", ErrForbidden)
	}
	return nil
}

func uriTenant(uri string) (string, bool) {
	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return "", false
	}
	rest := uri[idx+3:]
	owner, _, _ := strings.Cut(rest, "/")
	if !ValidTenantID(owner) {
		return "", false
	}
	return owner, true
}

// StartSweeper evicts idle connections in the background until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var victims []*Handle
	m.mu.Lock()
	for tenantID, p := range m.pools {
		kept := p.handles[:0]
		for _, h := range p.handles {
			if !h.inUse && h.lastUsed.Before(cutoff) {
				victims = append(victims, h)
				continue
			}
			kept = append(kept, h)
		}
		p.handles = kept
		if len(p.handles) == 0 && p.dialing == 0 {
			delete(m.pools, tenantID)
		}
	}
	m.mu.Unlock()
	for _, h := range victims {
		if err := h.Conn.Close(); err != nil {
			log.Printf("close idle connection tenant=%s: %v", h.TenantID, err)
		}
	}
}

// InvalidateCredentials drops the cached resolved credentials for a
// tenant, forcing re-resolution on the next dial.
func (m *Manager) InvalidateCredentials(tenantID string) {
	m.mu.Lock()
	delete(m.creds, tenantID)
	m.mu.Unlock()
}

// Stats reports per-tenant pool occupancy.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PoolStats, len(m.pools))
	for tenantID, p := range m.pools {
		s := PoolStats{Total: len(p.handles) + p.dialing}
		for _, h := range p.handles {
			if h.inUse {
				s.InUse++
			}
		}
		out[tenantID] = s
	}
	return out
}

// PoolStats is a point-in-time view of one tenant's pool.
type PoolStats struct {
	Total int `json:"total"`
	InUse int `json:"in_use"`
}

// Close shuts the manager down and closes every pooled connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	var all []*Handle
	for _, p := range m.pools {
		all = append(all, p.handles...)
		p.handles = nil
	}
	m.pools = map[string]*pool{}
	m.mu.Unlock()
	for _, h := range all {
		h.Conn.Close()
	}
}

func (m *Manager) poolLocked(tenantID string) *pool {
	p, ok := m.pools[tenantID]
	if !ok {
		p = &pool{}
		m.pools[tenantID] = p
	}
	return p
}

func (m *Manager) capForLocked(tenantID string) int {
	if m.templates != nil {
		if tpl := m.templates.For(tenantID); tpl.MaxInstances > 0 {
			return tpl.MaxInstances
		}
	}
	return m.cfg.MaxPerTenant
}

func (m *Manager) undial(tenantID string) {
	m.mu.Lock()
	if p, ok := m.pools[tenantID]; ok && p.dialing > 0 {
		p.dialing--
	}
	m.mu.Unlock()
}

// credentials resolves the tenant's credential template, serving from the
// TTL cache when fresh. Resolved values are cached but never logged.
func (m *Manager) credentials(ctx context.Context, tenantID string) (map[string]string, error) {
	m.mu.Lock()
	if cached, ok := m.creds[tenantID]; ok && m.now().Before(cached.expiresAt) {
		out := cloneCreds(cached.creds)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	var tpl Template
	if m.templates != nil {
		tpl = m.templates.For(tenantID)
	}
	resolved := make(map[string]string, len(tpl.Credentials))
	for key, value := range tpl.Credentials {
		v, err := resolvePlaceholder(ctx, m.source, key, value)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		resolved[key] = v
	}

	m.mu.Lock()
	m.creds[tenantID] = cachedCreds{creds: cloneCreds(resolved), expiresAt: m.now().Add(m.cfg.CredTTL)}
	m.mu.Unlock()
	return resolved, nil
}

func cloneCreds(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
