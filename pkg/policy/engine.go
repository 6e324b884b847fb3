package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"warden/pkg/models"
	"warden/pkg/ratelimit"
	"warden/pkg/store"
)

// Failed-policy identifiers, surfaced verbatim to callers.
const (
	FailedRateLimit  = "rate_limit"
	FailedRLS        = "rls"
	FailedComplexity = "complexity"
	FailedPIIAccess  = "pii_access"
)

// Reason codes.
const (
	ReasonOK           = "OK"
	ReasonRateLimited  = "RATE_LIMITED"
	ReasonTenantDenied = "TENANT_NOT_GRANTED"
	ReasonTooComplex   = "COMPLEXITY_EXCEEDED"
	ReasonPIIDenied    = "PII_READ_REQUIRED"
	ReasonEvalError    = "POLICY_EVAL_ERROR"
)

// Decision is the immutable outcome of one validation call.
type Decision struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason"`
	FailedPolicy string    `json:"failed_policy,omitempty"`
	Suggestions  []string  `json:"suggestions,omitempty"`
	CacheKey     string    `json:"cache_key,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Cached       bool      `json:"-"`
}

func (d Decision) Summary() models.PolicySummary {
	return models.PolicySummary{
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		FailedPolicy: d.FailedPolicy,
		Suggestions:  d.Suggestions,
		Cached:       d.Cached,
	}
}

// Config holds the engine thresholds.
type Config struct {
	RateLimitPerWindow int
	RateWindow         time.Duration
	MaxComplexity      int
	CacheTTL           time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimitPerWindow <= 0 {
		c.RateLimitPerWindow = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.MaxComplexity <= 0 {
		c.MaxComplexity = 100
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	return c
}

// Engine validates requests against rate, RLS, complexity and PII rules,
// short-circuiting on the first failure. Rate limiting is evaluated on
// every call so the sliding window sees each attempt; the decision cache
// covers the deterministic checks behind it.
type Engine struct {
	cfg      Config
	limiter  ratelimit.Limiter
	grants   GrantSource
	cache    store.Cache
	piiTools map[string]bool
}

func NewEngine(cfg Config, limiter ratelimit.Limiter, grants GrantSource, cache store.Cache, piiTools map[string]bool) *Engine {
	cfg = cfg.withDefaults()
	if limiter == nil {
		limiter = ratelimit.NewSlidingWindow(cfg.RateWindow)
	}
	if cache == nil {
		cache = store.NewMemoryCache()
	}
	if piiTools == nil {
		piiTools = map[string]bool{}
	}
	return &Engine{cfg: cfg, limiter: limiter, grants: grants, cache: cache, piiTools: piiTools}
}

// Validate runs the check pipeline. Internal evaluation errors fail
// closed: the request is denied with an explicit reason code, never
// allowed through on error.
func (e *Engine) Validate(ctx context.Context, userID, tenantID, toolName string, args map[string]interface{}) Decision {
	rl := e.limiter.Allow(userID, e.cfg.RateLimitPerWindow)
	if !rl.Allowed {
		retry := rl.RetryAfter.Round(time.Second)
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{
			Allowed:      false,
			Reason:       ReasonRateLimited,
			FailedPolicy: FailedRateLimit,
			Suggestions:  []string{fmt.Sprintf("retry after %s", retry)},
			ExpiresAt:    models.NowUTC(),
		}
	}

	key, err := e.cacheKey(userID, tenantID, toolName, args)
	if err != nil {
		return e.failClosed(err)
	}
	var cached Decision
	if err := store.GetJSON(ctx, e.cache, key, &cached); err == nil {
		if models.NowUTC().Before(cached.ExpiresAt) {
			cached.Cached = true
			cached.CacheKey = key
			return cached
		}
	} else if !errors.Is(err, store.ErrMiss) {
		log.Printf("policy cache read failed, re-evaluating: %v", err)
	}

	dec := e.evaluate(ctx, userID, tenantID, toolName, args)
	dec.CacheKey = key
	if dec.Reason == ReasonEvalError {
		// transient failures are not cached
		return dec
	}
	dec.ExpiresAt = models.NowUTC().Add(e.cfg.CacheTTL)
	if err := store.SetJSON(ctx, e.cache, key, dec, e.cfg.CacheTTL); err != nil {
		log.Printf("policy cache write failed: %v", err)
	}
	return dec
}

func (e *Engine) evaluate(ctx context.Context, userID, tenantID, toolName string, args map[string]interface{}) Decision {
	ok, err := e.grants.HasTenant(ctx, userID, tenantID)
	if err != nil {
		return e.failClosed(err)
	}
	if !ok {
		return Decision{
			Allowed:      false,
			Reason:       ReasonTenantDenied,
			FailedPolicy: FailedRLS,
			Suggestions:  []string{"request access to tenant " + tenantID},
		}
	}

	score, err := ComplexityScore(args)
	if err != nil {
		return e.failClosed(err)
	}
	if score > e.cfg.MaxComplexity {
		return Decision{
			Allowed:      false,
			Reason:       ReasonTooComplex,
			FailedPolicy: FailedComplexity,
			Suggestions: []string{
				fmt.Sprintf("complexity %d exceeds limit %d", score, e.cfg.MaxComplexity),
				"simplify the request or split it into smaller calls",
			},
		}
	}

	if e.piiTools[toolName] {
		ok, err := e.grants.HasPIIRead(ctx, userID)
		if err != nil {
			return e.failClosed(err)
		}
		if !ok {
			return Decision{
				Allowed:      false,
				Reason:       ReasonPIIDenied,
				FailedPolicy: FailedPIIAccess,
				Suggestions:  []string{"request the PII_READ grant"},
			}
		}
	}

	return Decision{Allowed: true, Reason: ReasonOK}
}

func (e *Engine) failClosed(err error) Decision {
	log.Printf("policy evaluation error, denying: %v", err)
	return Decision{
		Allowed:   false,
		Reason:    ReasonEvalError,
		ExpiresAt: models.NowUTC(),
	}
}

// cacheKey folds the user's grant epoch into the canonical request key.
// A grant or revoke bumps the epoch, so previously cached decisions are
// unreachable from that moment on.
func (e *Engine) cacheKey(userID, tenantID, toolName string, args map[string]interface{}) (string, error) {
	base, err := models.DecisionCacheKey(userID, tenantID, toolName, args)
	if err != nil {
		return "", err
	}
	return base + ":" + strconv.FormatInt(e.grants.Epoch(userID), 10), nil
}
