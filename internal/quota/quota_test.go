package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/store"
)

func seedActive(t *testing.T, repo store.Repository, pop, customer string, n int) {
	t.Helper()
	now := time.Now().UTC()
	rate := uint64(1_000_000)
	for i := 0; i < n; i++ {
		m := &domain.Mitigation{
			MitigationID:      uuid.New(),
			ScopeHash:         uuid.NewString(),
			Pop:               pop,
			CustomerID:        &customer,
			VictimIP:          "203.0.113.10",
			Vector:            domain.VectorUDPFlood,
			MatchCriteria:     domain.MatchCriteria{DstPrefix: "203.0.113.10/32"},
			ActionType:        domain.ActionPolice,
			ActionParams:      domain.ActionParams{RateBPS: &rate},
			Status:            domain.StatusActive,
			CreatedAt:         now,
			UpdatedAt:         now,
			ExpiresAt:         now.Add(time.Minute),
			TriggeringEventID: uuid.New(),
			LastEventID:       uuid.New(),
			Reason:            "seed",
		}
		if err := repo.InsertMitigation(context.Background(), m); err != nil {
			t.Fatalf("seeding: %v", err)
		}
	}
}

func TestCustomerCap(t *testing.T) {
	repo := store.NewMemory()
	seedActive(t, repo, "pop1", "cust_1", 2)

	gate := NewGate(config.QuotasConfig{MaxActivePerCustomer: 2}, repo, "pop1", nil)

	cust := "cust_1"
	denial, err := gate.Check(context.Background(), &cust)
	if err != nil {
		t.Fatal(err)
	}
	if denial == nil || denial.Scope != ScopeCustomer {
		t.Errorf("denial = %v, want customer scope", denial)
	}

	// A different customer is unaffected.
	other := "cust_2"
	denial, err = gate.Check(context.Background(), &other)
	if err != nil || denial != nil {
		t.Errorf("other customer denied: %v, %v", denial, err)
	}

	// Unknown owner skips the customer cap.
	denial, err = gate.Check(context.Background(), nil)
	if err != nil || denial != nil {
		t.Errorf("nil customer denied: %v, %v", denial, err)
	}
}

func TestPopAndGlobalCaps(t *testing.T) {
	repo := store.NewMemory()
	seedActive(t, repo, "pop1", "cust_1", 3)

	gate := NewGate(config.QuotasConfig{MaxActivePerPop: 3}, repo, "pop1", nil)
	denial, err := gate.Check(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if denial == nil || denial.Scope != ScopePop {
		t.Errorf("denial = %v, want pop scope", denial)
	}

	gate = NewGate(config.QuotasConfig{MaxActiveGlobal: 3}, repo, "pop2", nil)
	denial, err = gate.Check(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if denial == nil || denial.Scope != ScopeGlobal {
		t.Errorf("denial = %v, want global scope", denial)
	}
}

func TestPeerCap(t *testing.T) {
	repo := store.NewMemory()
	gate := NewGate(config.QuotasConfig{MaxAnnouncementsPerPeer: 1}, repo, "pop1",
		func(ctx context.Context) (int, error) { return 1, nil })

	denial, err := gate.Check(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if denial == nil || denial.Scope != ScopePeer {
		t.Errorf("denial = %v, want peer scope", denial)
	}
}

func TestRateWindow(t *testing.T) {
	repo := store.NewMemory()
	gate := NewGate(config.QuotasConfig{MaxNewPerMinute: 2}, repo, "pop1", nil)

	now := time.Now()
	gate.Reserve(now)
	gate.Reserve(now)

	denial, err := gate.Check(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if denial == nil || denial.Scope != ScopeRate {
		t.Errorf("denial = %v, want rate scope", denial)
	}

	// Entries older than a minute age out.
	gate = NewGate(config.QuotasConfig{MaxNewPerMinute: 2}, repo, "pop1", nil)
	gate.Reserve(now.Add(-2 * time.Minute))
	gate.Reserve(now.Add(-90 * time.Second))
	denial, err = gate.Check(context.Background(), nil)
	if err != nil || denial != nil {
		t.Errorf("stale window entries still counted: %v, %v", denial, err)
	}
}

func TestZeroLimitsDisableChecks(t *testing.T) {
	repo := store.NewMemory()
	seedActive(t, repo, "pop1", "cust_1", 5)

	gate := NewGate(config.QuotasConfig{}, repo, "pop1", nil)
	cust := "cust_1"
	denial, err := gate.Check(context.Background(), &cust)
	if err != nil || denial != nil {
		t.Errorf("zero limits should disable caps: %v, %v", denial, err)
	}
}
