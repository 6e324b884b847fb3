package policy

import (
	"context"
	"sync"
)

// GrantSource answers authorization lookups for the policy engine. Epoch
// changes whenever a user's grants change, which retires every cached
// decision for that user immediately instead of waiting for TTL expiry.
type GrantSource interface {
	HasTenant(ctx context.Context, userID, tenantID string) (bool, error)
	HasPIIRead(ctx context.Context, userID string) (bool, error)
	Epoch(userID string) int64
}

// MemoryGrants is a mutex-guarded grant store. Grant and revoke bump the
// user's epoch so stale cached decisions are never served.
type MemoryGrants struct {
	mu      sync.RWMutex
	tenants map[string]map[string]struct{}
	pii     map[string]struct{}
	epochs  map[string]int64
}

func NewMemoryGrants() *MemoryGrants {
	return &MemoryGrants{
		tenants: map[string]map[string]struct{}{},
		pii:     map[string]struct{}{},
		epochs:  map[string]int64{},
	}
}

func (g *MemoryGrants) GrantTenant(userID, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.tenants[userID]
	if !ok {
		set = map[string]struct{}{}
		g.tenants[userID] = set
	}
	set[tenantID] = struct{}{}
	g.epochs[userID]++
}

func (g *MemoryGrants) RevokeTenant(userID, tenantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if set, ok := g.tenants[userID]; ok {
		delete(set, tenantID)
	}
	g.epochs[userID]++
}

func (g *MemoryGrants) GrantPIIRead(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pii[userID] = struct{}{}
	g.epochs[userID]++
}

func (g *MemoryGrants) RevokePIIRead(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pii, userID)
	g.epochs[userID]++
}

func (g *MemoryGrants) HasTenant(ctx context.Context, userID, tenantID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set, ok := g.tenants[userID]
	if !ok {
		return false, nil
	}
	_, ok = set[tenantID]
	return ok, nil
}

func (g *MemoryGrants) HasPIIRead(ctx context.Context, userID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.pii[userID]
	return ok, nil
}

func (g *MemoryGrants) Epoch(userID string) int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epochs[userID]
}
