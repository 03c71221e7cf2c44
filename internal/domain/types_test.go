package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func u64(v uint64) *uint64 { return &v }

func TestStrongerPartialOrder(t *testing.T) {
	police := func(rate uint64) ActionParams { return ActionParams{RateBPS: u64(rate)} }
	none := ActionParams{}

	cases := []struct {
		name     string
		a        ActionType
		ap       ActionParams
		b        ActionType
		bp       ActionParams
		stronger bool
	}{
		{"discard over police", ActionDiscard, none, ActionPolice, police(5e6), true},
		{"police not over discard", ActionPolice, police(1), ActionDiscard, none, false},
		{"tighter rate is stronger", ActionPolice, police(1e6), ActionPolice, police(5e6), true},
		{"looser rate is not", ActionPolice, police(5e6), ActionPolice, police(1e6), false},
		{"equal rate is not strictly stronger", ActionPolice, police(5e6), ActionPolice, police(5e6), false},
		{"discard not over itself", ActionDiscard, none, ActionDiscard, none, false},
		{"redirect incomparable left", ActionRedirect, none, ActionPolice, police(1), false},
		{"redirect incomparable right", ActionDiscard, none, ActionRedirect, none, false},
	}

	for _, tc := range cases {
		if got := Stronger(tc.a, tc.ap, tc.b, tc.bp); got != tc.stronger {
			t.Errorf("%s: Stronger = %v, want %v", tc.name, got, tc.stronger)
		}
	}
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to MitigationStatus }{
		{StatusPending, StatusActive},
		{StatusPending, StatusEscalated},
		{StatusPending, StatusRejected},
		{StatusPending, StatusWithdrawing},
		{StatusActive, StatusWithdrawing},
		{StatusEscalated, StatusWithdrawing},
		{StatusWithdrawing, StatusWithdrawn},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to MitigationStatus }{
		{StatusActive, StatusPending},
		{StatusActive, StatusWithdrawn},
		{StatusWithdrawn, StatusActive},
		{StatusRejected, StatusPending},
		{StatusWithdrawing, StatusActive},
		{StatusEscalated, StatusActive},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestMitigationValidate(t *testing.T) {
	now := time.Now().UTC()
	base := func() *Mitigation {
		return &Mitigation{
			MitigationID:  uuid.New(),
			ScopeHash:     "abc",
			Pop:           "pop1",
			VictimIP:      "203.0.113.10",
			Vector:        VectorUDPFlood,
			MatchCriteria: MatchCriteria{DstPrefix: "203.0.113.10/32"},
			ActionType:    ActionPolice,
			ActionParams:  ActionParams{RateBPS: u64(5e6)},
			Status:        StatusActive,
			CreatedAt:     now,
			UpdatedAt:     now,
			ExpiresAt:     now.Add(2 * time.Minute),
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid mitigation rejected: %v", err)
	}

	m := base()
	m.ActionParams = ActionParams{}
	if err := m.Validate(); err == nil {
		t.Error("police without rate_bps accepted")
	}

	m = base()
	m.ActionType = ActionDiscard
	if err := m.Validate(); err == nil {
		t.Error("discard with rate_bps accepted")
	}

	m = base()
	m.ExpiresAt = m.CreatedAt
	if err := m.Validate(); err == nil {
		t.Error("expires_at == created_at accepted")
	}

	m = base()
	m.Status = StatusWithdrawn
	if err := m.Validate(); err == nil {
		t.Error("terminal status without withdrawn_at accepted")
	}

	m = base()
	wt := now
	m.WithdrawnAt = &wt
	if err := m.Validate(); err == nil {
		t.Error("withdrawn_at on active mitigation accepted")
	}
}

func TestSafelistEntryExpired(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	e := SafelistEntry{Prefix: "10.0.0.0/8"}
	if e.Expired(now) {
		t.Error("entry without expiry reported expired")
	}
	e.ExpiresAt = &future
	if e.Expired(now) {
		t.Error("future expiry reported expired")
	}
	e.ExpiresAt = &past
	if !e.Expired(now) {
		t.Error("past expiry not reported expired")
	}
}
