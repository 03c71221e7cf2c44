package bgp

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// Intent records one suppressed BGP operation in dry-run mode.
type Intent struct {
	Timestamp time.Time         `json:"timestamp"`
	Op        string            `json:"op"` // "announce", "withdraw"
	ScopeHash string            `json:"scope_hash"`
	Action    domain.ActionType `json:"action"`
	DstPrefix string            `json:"dst_prefix"`
}

// maxIntents bounds the dry-run intent log.
const maxIntents = 10000

// DryRun is a recording no-op Speaker. Every other part of the control
// plane behaves exactly as in enforce mode; only the router-facing
// side effect is suppressed.
type DryRun struct {
	log *zap.Logger

	mu         sync.RWMutex
	advertised map[string]*domain.Mitigation
	intents    []Intent
}

// NewDryRun creates a recording no-op speaker.
func NewDryRun(log *zap.Logger) *DryRun {
	return &DryRun{
		log:        log,
		advertised: make(map[string]*domain.Mitigation),
	}
}

func (d *DryRun) Announce(ctx context.Context, m *domain.Mitigation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := *m
	d.advertised[m.ScopeHash] = &cp
	d.record(Intent{
		Timestamp: time.Now().UTC(),
		Op:        "announce",
		ScopeHash: m.ScopeHash,
		Action:    m.ActionType,
		DstPrefix: m.MatchCriteria.DstPrefix,
	})

	d.log.Info("dry-run: would announce",
		zap.String("scope", m.ScopeHash),
		zap.String("dst_prefix", m.MatchCriteria.DstPrefix),
		zap.String("action", string(m.ActionType)),
	)
	return nil
}

func (d *DryRun) Withdraw(ctx context.Context, m *domain.Mitigation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.advertised, m.ScopeHash)
	d.record(Intent{
		Timestamp: time.Now().UTC(),
		Op:        "withdraw",
		ScopeHash: m.ScopeHash,
		Action:    m.ActionType,
		DstPrefix: m.MatchCriteria.DstPrefix,
	})

	d.log.Info("dry-run: would withdraw", zap.String("scope", m.ScopeHash))
	return nil
}

func (d *DryRun) ListAdvertised(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0, len(d.advertised))
	for scope := range d.advertised {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (d *DryRun) PeerStatus(ctx context.Context) ([]PeerState, error) {
	return []PeerState{{
		Address:      "dry-run",
		SessionState: "suppressed",
	}}, nil
}

func (d *DryRun) Close() error { return nil }

// Intents returns the recorded operations, oldest first.
func (d *DryRun) Intents() []Intent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Intent, len(d.intents))
	copy(out, d.intents)
	return out
}

// record appends an intent. Caller holds the lock.
func (d *DryRun) record(i Intent) {
	d.intents = append(d.intents, i)
	if len(d.intents) > maxIntents {
		d.intents = d.intents[len(d.intents)-maxIntents:]
	}
}
