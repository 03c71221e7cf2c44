// Package quota enforces caps on concurrent and per-minute mitigation
// creation. Counter reads are snapshots, not transactions: a racy
// overshoot of one under concurrency is acceptable and bounded by the
// reconciler's convergence.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/store"
)

// Scope names the cap a denial hit.
type Scope string

const (
	ScopeCustomer Scope = "customer"
	ScopePop      Scope = "pop"
	ScopeGlobal   Scope = "global"
	ScopeRate     Scope = "rate"
	ScopePeer     Scope = "peer"
)

// Denial reports which cap refused the mitigation.
type Denial struct {
	Scope Scope
	Limit int
	Count int
}

func (d *Denial) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d/%d)", d.Scope, d.Count, d.Limit)
}

// AdvertisedCounter reports how many rules the speaker currently
// advertises, for the per-peer announcement cap.
type AdvertisedCounter func(ctx context.Context) (int, error)

// Gate checks every cap before a new mitigation is created.
type Gate struct {
	cfg        config.QuotasConfig
	repo       store.Repository
	pop        string
	advertised AdvertisedCounter

	mu     sync.Mutex
	window []time.Time // creations in the last minute
}

// NewGate builds a quota gate for the local POP. advertised may be nil
// when no speaker cap applies (dry-run tests).
func NewGate(cfg config.QuotasConfig, repo store.Repository, pop string, advertised AdvertisedCounter) *Gate {
	return &Gate{cfg: cfg, repo: repo, pop: pop, advertised: advertised}
}

// Check returns a Denial when any cap is at or above its limit, or an
// error when a counter could not be read (the caller fails closed).
func (g *Gate) Check(ctx context.Context, customerID *string) (*Denial, error) {
	if customerID != nil && g.cfg.MaxActivePerCustomer > 0 {
		n, err := g.repo.CountActiveByCustomer(ctx, *customerID)
		if err != nil {
			return nil, fmt.Errorf("counting by customer: %w", err)
		}
		if n >= g.cfg.MaxActivePerCustomer {
			return &Denial{Scope: ScopeCustomer, Limit: g.cfg.MaxActivePerCustomer, Count: n}, nil
		}
	}

	if g.cfg.MaxActivePerPop > 0 {
		n, err := g.repo.CountActiveByPop(ctx, g.pop)
		if err != nil {
			return nil, fmt.Errorf("counting by pop: %w", err)
		}
		if n >= g.cfg.MaxActivePerPop {
			return &Denial{Scope: ScopePop, Limit: g.cfg.MaxActivePerPop, Count: n}, nil
		}
	}

	if g.cfg.MaxActiveGlobal > 0 {
		n, err := g.repo.CountActiveGlobal(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting global: %w", err)
		}
		if n >= g.cfg.MaxActiveGlobal {
			return &Denial{Scope: ScopeGlobal, Limit: g.cfg.MaxActiveGlobal, Count: n}, nil
		}
	}

	if g.cfg.MaxAnnouncementsPerPeer > 0 && g.advertised != nil {
		n, err := g.advertised(ctx)
		if err != nil {
			return nil, fmt.Errorf("counting advertised: %w", err)
		}
		if n >= g.cfg.MaxAnnouncementsPerPeer {
			return &Denial{Scope: ScopePeer, Limit: g.cfg.MaxAnnouncementsPerPeer, Count: n}, nil
		}
	}

	if g.cfg.MaxNewPerMinute > 0 {
		if n := g.windowCount(time.Now()); n >= g.cfg.MaxNewPerMinute {
			return &Denial{Scope: ScopeRate, Limit: g.cfg.MaxNewPerMinute, Count: n}, nil
		}
	}

	return nil, nil
}

// Reserve records a successful creation in the sliding window. Call it
// after the mitigation is committed.
func (g *Gate) Reserve(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(now)
	g.window = append(g.window, now)
}

func (g *Gate) windowCount(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(now)
	return len(g.window)
}

// prune drops entries older than one minute. Caller holds the lock.
func (g *Gate) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(g.window) && !g.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}
