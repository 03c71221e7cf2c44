package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bswinnerton/prefixd/internal/domain"
)

func strp(s string) *string { return &s }

func testMitigation(pop, scopeHash string, status domain.MitigationStatus) *domain.Mitigation {
	now := time.Now().UTC()
	rate := uint64(5_000_000)
	return &domain.Mitigation{
		MitigationID:      uuid.New(),
		ScopeHash:         scopeHash,
		Pop:               pop,
		CustomerID:        strp("cust_1"),
		VictimIP:          "203.0.113.10",
		Vector:            domain.VectorUDPFlood,
		MatchCriteria:     domain.MatchCriteria{DstPrefix: "203.0.113.10/32", DstPorts: []uint16{53}},
		ActionType:        domain.ActionPolice,
		ActionParams:      domain.ActionParams{RateBPS: &rate},
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(2 * time.Minute),
		TriggeringEventID: uuid.New(),
		LastEventID:       uuid.New(),
		Reason:            "test",
	}
}

func testEvent(source, extID string) *domain.AttackEvent {
	now := time.Now().UTC()
	return &domain.AttackEvent{
		EventID:         uuid.New(),
		ExternalEventID: extID,
		Source:          source,
		EventTimestamp:  now,
		IngestedAt:      now,
		VictimIP:        "203.0.113.10",
		Vector:          domain.VectorUDPFlood,
		TopDstPorts:     []uint16{53},
	}
}

func TestEventIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.InsertEvent(ctx, testEvent("detector-a", "ev-1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertEvent(ctx, testEvent("detector-a", "ev-1")); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate insert err = %v, want ErrConflict", err)
	}
	// Same external id from a different source is a distinct event.
	if err := s.InsertEvent(ctx, testEvent("detector-b", "ev-1")); err != nil {
		t.Errorf("insert from other source: %v", err)
	}

	ev, err := s.FindEventByExternalID(ctx, "detector-a", "ev-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if ev.Source != "detector-a" {
		t.Errorf("found source = %s", ev.Source)
	}
	if _, err := s.FindEventByExternalID(ctx, "detector-a", "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing event err = %v, want ErrNotFound", err)
	}
}

func TestSingleOpenMitigationPerScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.InsertMitigation(ctx, testMitigation("pop1", "scope-a", domain.StatusActive)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Second open mitigation for the same (scope, pop) conflicts.
	if err := s.InsertMitigation(ctx, testMitigation("pop1", "scope-a", domain.StatusPending)); !errors.Is(err, ErrConflict) {
		t.Errorf("open duplicate err = %v, want ErrConflict", err)
	}

	// Same scope in another POP is fine.
	if err := s.InsertMitigation(ctx, testMitigation("pop2", "scope-a", domain.StatusActive)); err != nil {
		t.Errorf("other pop insert: %v", err)
	}

	// Terminal rows do not block.
	withdrawn := testMitigation("pop1", "scope-b", domain.StatusWithdrawn)
	now := time.Now().UTC()
	withdrawn.WithdrawnAt = &now
	if err := s.InsertMitigation(ctx, withdrawn); err != nil {
		t.Fatalf("terminal insert: %v", err)
	}
	if err := s.InsertMitigation(ctx, testMitigation("pop1", "scope-b", domain.StatusActive)); err != nil {
		t.Errorf("insert over terminal row: %v", err)
	}
}

func TestFindActiveByScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	m := testMitigation("pop1", "scope-a", domain.StatusActive)
	if err := s.InsertMitigation(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindActiveByScope(ctx, "scope-a", "pop1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.MitigationID != m.MitigationID {
		t.Error("wrong mitigation returned")
	}
	if _, err := s.FindActiveByScope(ctx, "scope-a", "pop9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong pop err = %v, want ErrNotFound", err)
	}
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for i, pop := range []string{"pop1", "pop1", "pop2"} {
		m := testMitigation(pop, uuid.NewString(), domain.StatusActive)
		if i == 2 {
			m.CustomerID = strp("cust_2")
		}
		if err := s.InsertMitigation(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	// A rejected row must not count.
	rej := testMitigation("pop1", uuid.NewString(), domain.StatusRejected)
	now := time.Now().UTC()
	rej.WithdrawnAt = &now
	if err := s.InsertMitigation(ctx, rej); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.CountActiveByCustomer(ctx, "cust_1"); n != 2 {
		t.Errorf("by customer = %d, want 2", n)
	}
	if n, _ := s.CountActiveByPop(ctx, "pop1"); n != 2 {
		t.Errorf("by pop = %d, want 2", n)
	}
	if n, _ := s.CountActiveGlobal(ctx); n != 3 {
		t.Errorf("global = %d, want 3", n)
	}
}

func TestFindExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	fresh := testMitigation("pop1", "scope-fresh", domain.StatusActive)
	stale := testMitigation("pop1", "scope-stale", domain.StatusActive)
	stale.ExpiresAt = now.Add(-time.Second)
	for _, m := range []*domain.Mitigation{fresh, stale} {
		if err := s.InsertMitigation(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.FindExpiredMitigations(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ScopeHash != "scope-stale" {
		t.Errorf("expired = %v, want only scope-stale", expired)
	}
}

func TestListMitigationsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		m := testMitigation("pop1", uuid.NewString(), domain.StatusActive)
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertMitigation(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	rej := testMitigation("pop1", uuid.NewString(), domain.StatusRejected)
	rej.WithdrawnAt = &base
	if err := s.InsertMitigation(ctx, rej); err != nil {
		t.Fatal(err)
	}

	active, err := s.ListMitigations(ctx, ListFilter{
		Pop:      "pop1",
		Statuses: []domain.MitigationStatus{domain.StatusActive},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("filtered list = %d rows, want 3", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i].CreatedAt.After(active[i-1].CreatedAt) {
			t.Error("list not ordered created_at DESC")
		}
	}

	page, err := s.ListMitigations(ctx, ListFilter{Pop: "pop1", Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("page = %d rows, want 2", len(page))
	}
}

func TestCreateEscalation(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	old := testMitigation("pop1", "scope-a", domain.StatusActive)
	if err := s.InsertMitigation(ctx, old); err != nil {
		t.Fatal(err)
	}

	old.Status = domain.StatusWithdrawing
	stronger := testMitigation("pop1", "scope-a", domain.StatusPending)
	stronger.ActionType = domain.ActionDiscard
	stronger.ActionParams = domain.ActionParams{}
	stronger.EscalatedFromID = &old.MitigationID

	if err := s.CreateEscalation(ctx, old, stronger); err != nil {
		t.Fatalf("escalation: %v", err)
	}

	got, err := s.GetMitigation(ctx, old.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusWithdrawing {
		t.Errorf("old status = %s, want withdrawing", got.Status)
	}
	got, err = s.GetMitigation(ctx, stronger.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EscalatedFromID == nil || *got.EscalatedFromID != old.MitigationID {
		t.Error("escalated_from_id not preserved")
	}
}

func TestSafelistCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	e := &domain.SafelistEntry{Prefix: "10.0.0.0/8", AddedBy: "op", AddedAt: now}
	if err := s.InsertSafelist(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertSafelist(ctx, e); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate prefix err = %v, want ErrConflict", err)
	}

	entries, err := s.ListSafelist(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("list = %v, %v", entries, err)
	}

	removed, err := s.RemoveSafelist(ctx, "10.0.0.0/8")
	if err != nil || !removed {
		t.Errorf("remove = %v, %v", removed, err)
	}
	removed, err = s.RemoveSafelist(ctx, "10.0.0.0/8")
	if err != nil || removed {
		t.Errorf("second remove = %v, %v", removed, err)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if err := s.InsertEvent(ctx, testEvent("d", "e1")); err != nil {
		t.Fatal(err)
	}
	for _, pop := range []string{"pop1", "pop2"} {
		if err := s.InsertMitigation(ctx, testMitigation(pop, uuid.NewString(), domain.StatusActive)); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEvents != 1 || stats.TotalActive != 2 || len(stats.Pops) != 2 {
		t.Errorf("stats = %+v", stats)
	}

	pops, err := s.ListPops(ctx)
	if err != nil || len(pops) != 2 {
		t.Errorf("pops = %v, %v", pops, err)
	}
}
