package bgp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// Mock is an in-memory Speaker. Tests can inject failures per scope to
// exercise retry and force-withdraw paths.
type Mock struct {
	log *zap.Logger

	mu            sync.RWMutex
	advertised    map[string]*domain.Mitigation
	failAnnounce  map[string]int // scope -> remaining failures
	failWithdraw  map[string]int
	announceCalls int
	withdrawCalls int
}

// NewMock creates an empty mock speaker.
func NewMock(log *zap.Logger) *Mock {
	return &Mock{
		log:          log,
		advertised:   make(map[string]*domain.Mitigation),
		failAnnounce: make(map[string]int),
		failWithdraw: make(map[string]int),
	}
}

// FailAnnounce makes the next n Announce calls for the scope fail.
func (m *Mock) FailAnnounce(scopeHash string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAnnounce[scopeHash] = n
}

// FailWithdraw makes the next n Withdraw calls for the scope fail.
func (m *Mock) FailWithdraw(scopeHash string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWithdraw[scopeHash] = n
}

func (m *Mock) Announce(ctx context.Context, mit *domain.Mitigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.announceCalls++
	if n := m.failAnnounce[mit.ScopeHash]; n > 0 {
		m.failAnnounce[mit.ScopeHash] = n - 1
		return fmt.Errorf("mock announce failure for %s", mit.ScopeHash)
	}

	cp := *mit
	m.advertised[mit.ScopeHash] = &cp
	m.log.Debug("mock announce",
		zap.String("scope", mit.ScopeHash),
		zap.String("action", string(mit.ActionType)),
	)
	return nil
}

func (m *Mock) Withdraw(ctx context.Context, mit *domain.Mitigation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawCalls++
	if n := m.failWithdraw[mit.ScopeHash]; n > 0 {
		m.failWithdraw[mit.ScopeHash] = n - 1
		return fmt.Errorf("mock withdraw failure for %s", mit.ScopeHash)
	}

	delete(m.advertised, mit.ScopeHash)
	m.log.Debug("mock withdraw", zap.String("scope", mit.ScopeHash))
	return nil
}

func (m *Mock) ListAdvertised(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.advertised))
	for scope := range m.advertised {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mock) PeerStatus(ctx context.Context) ([]PeerState, error) {
	return []PeerState{{
		Address:      "mock",
		SessionState: "established",
		Uptime:       time.Now().UTC(),
	}}, nil
}

func (m *Mock) Close() error { return nil }

// Advertised returns the stored mitigation for a scope, for test
// assertions.
func (m *Mock) Advertised(scopeHash string) (*domain.Mitigation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mit, ok := m.advertised[scopeHash]
	if !ok {
		return nil, false
	}
	cp := *mit
	return &cp, true
}

// Calls returns the number of announce and withdraw calls seen.
func (m *Mock) Calls() (announces, withdraws int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.announceCalls, m.withdrawCalls
}
