package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bswinnerton/prefixd/internal/domain"
)

// Memory is an in-memory Repository. It backs tests and the memory
// storage driver, and enforces the same uniqueness constraints as the
// SQL adapters.
type Memory struct {
	mu          sync.RWMutex
	events      []domain.AttackEvent
	eventsByExt map[string]int // "source\x00external_id" -> index
	mitigations map[uuid.UUID]*domain.Mitigation
	safelist    map[string]domain.SafelistEntry
	audit       []domain.AuditEntry
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		eventsByExt: make(map[string]int),
		mitigations: make(map[uuid.UUID]*domain.Mitigation),
		safelist:    make(map[string]domain.SafelistEntry),
	}
}

func extKey(source, externalID string) string {
	return source + "\x00" + externalID
}

// Events

func (s *Memory) InsertEvent(ctx context.Context, ev *domain.AttackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := extKey(ev.Source, ev.ExternalEventID)
	if _, exists := s.eventsByExt[key]; exists {
		return ErrConflict
	}
	s.events = append(s.events, *ev)
	s.eventsByExt[key] = len(s.events) - 1
	return nil
}

func (s *Memory) FindEventByExternalID(ctx context.Context, source, externalID string) (*domain.AttackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.eventsByExt[extKey(source, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	ev := s.events[idx]
	return &ev, nil
}

func (s *Memory) ListEvents(ctx context.Context, limit, offset int) ([]domain.AttackEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AttackEvent, len(s.events))
	copy(out, s.events)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		return out[i].EventID.String() < out[j].EventID.String()
	})
	return paginate(out, limit, offset), nil
}

// Audit

func (s *Memory) InsertAudit(ctx context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func (s *Memory) ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, len(s.audit))
	copy(out, s.audit)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return paginate(out, limit, offset), nil
}

// Mitigations

func (s *Memory) InsertMitigation(ctx context.Context, m *domain.Mitigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Status.IsOpen() {
		for _, existing := range s.mitigations {
			if existing.ScopeHash == m.ScopeHash && existing.Pop == m.Pop && existing.Status.IsOpen() {
				return ErrConflict
			}
		}
	}
	cp := *m
	s.mitigations[m.MitigationID] = &cp
	return nil
}

func (s *Memory) UpdateMitigation(ctx context.Context, m *domain.Mitigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mitigations[m.MitigationID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.mitigations[m.MitigationID] = &cp
	return nil
}

func (s *Memory) GetMitigation(ctx context.Context, id uuid.UUID) (*domain.Mitigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mitigations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Memory) FindActiveByScope(ctx context.Context, scopeHash, pop string) (*domain.Mitigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.mitigations {
		if m.ScopeHash == scopeHash && m.Pop == pop && m.Status.IsOpen() {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Memory) FindActiveByVictim(ctx context.Context, victimIP string) ([]domain.Mitigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mitigation
	for _, m := range s.mitigations {
		if m.VictimIP == victimIP && m.Status.IsOpen() {
			out = append(out, *m)
		}
	}
	sortMitigations(out)
	return out, nil
}

func (s *Memory) ListMitigations(ctx context.Context, f ListFilter) ([]domain.Mitigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mitigation
	for _, m := range s.mitigations {
		if !f.AllPops && f.Pop != "" && m.Pop != f.Pop {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(m.Status, f.Statuses) {
			continue
		}
		if f.CustomerID != "" && (m.CustomerID == nil || *m.CustomerID != f.CustomerID) {
			continue
		}
		out = append(out, *m)
	}
	sortMitigations(out)
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *Memory) CountActiveByCustomer(ctx context.Context, customerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.mitigations {
		if m.Status.IsOpen() && m.CustomerID != nil && *m.CustomerID == customerID {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountActiveByPop(ctx context.Context, pop string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.mitigations {
		if m.Status.IsOpen() && m.Pop == pop {
			n++
		}
	}
	return n, nil
}

func (s *Memory) CountActiveGlobal(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.mitigations {
		if m.Status.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (s *Memory) FindExpiredMitigations(ctx context.Context, now time.Time) ([]domain.Mitigation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Mitigation
	for _, m := range s.mitigations {
		if m.Status.IsOpen() && !m.ExpiresAt.After(now) {
			out = append(out, *m)
		}
	}
	sortMitigations(out)
	return out, nil
}

func (s *Memory) CreateEscalation(ctx context.Context, old, new_ *domain.Mitigation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mitigations[old.MitigationID]
	if !ok {
		return ErrNotFound
	}
	if !stored.Status.IsOpen() {
		return ErrConflict
	}

	oldCp := *old
	newCp := *new_
	s.mitigations[old.MitigationID] = &oldCp
	s.mitigations[new_.MitigationID] = &newCp
	return nil
}

// Safelist

func (s *Memory) InsertSafelist(ctx context.Context, entry *domain.SafelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.safelist[entry.Prefix]; exists {
		return ErrConflict
	}
	s.safelist[entry.Prefix] = *entry
	return nil
}

func (s *Memory) RemoveSafelist(ctx context.Context, prefix string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.safelist[prefix]; !exists {
		return false, nil
	}
	delete(s.safelist, prefix)
	return true, nil
}

func (s *Memory) ListSafelist(ctx context.Context) ([]domain.SafelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SafelistEntry, 0, len(s.safelist))
	for _, e := range s.safelist {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out, nil
}

// Multi-POP

func (s *Memory) ListPops(ctx context.Context) ([]PopInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPop := make(map[string]*PopInfo)
	for _, m := range s.mitigations {
		info, ok := byPop[m.Pop]
		if !ok {
			info = &PopInfo{Pop: m.Pop}
			byPop[m.Pop] = info
		}
		info.TotalMitigations++
		if m.Status.IsOpen() {
			info.ActiveMitigations++
		}
	}

	out := make([]PopInfo, 0, len(byPop))
	for _, info := range byPop {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pop < out[j].Pop })
	return out, nil
}

func (s *Memory) GetStats(ctx context.Context) (*GlobalStats, error) {
	pops, err := s.ListPops(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &GlobalStats{TotalEvents: len(s.events)}
	for _, p := range pops {
		stats.TotalActive += p.ActiveMitigations
		stats.TotalMitigations += p.TotalMitigations
		stats.Pops = append(stats.Pops, PopStats{
			Pop:    p.Pop,
			Active: p.ActiveMitigations,
			Total:  p.TotalMitigations,
		})
	}
	return stats, nil
}

func (s *Memory) Close() error { return nil }

// helpers

func statusIn(status domain.MitigationStatus, set []domain.MitigationStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// sortMitigations orders created_at DESC with mitigation_id as the
// stable tiebreaker, matching the SQL adapters.
func sortMitigations(ms []domain.Mitigation) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return ms[i].MitigationID.String() < ms[j].MitigationID.String()
	})
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
