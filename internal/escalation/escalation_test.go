package escalation

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/inventory"
	"github.com/bswinnerton/prefixd/internal/playbook"
)

func u64(v uint64) *uint64   { return &v }
func f64(v float64) *float64 { return &v }

func testSetup(t *testing.T) (*playbook.Selector, *playbook.Playbook, *domain.Mitigation, *domain.AttackEvent) {
	t.Helper()

	sel, err := playbook.NewSelector([]playbook.Playbook{{
		Name:  "udp_flood",
		Match: playbook.Match{Vector: domain.VectorUDPFlood},
		Steps: []playbook.Step{
			{Action: domain.ActionPolice, RateBPS: u64(5_000_000), TTLSeconds: 120},
			{Action: domain.ActionDiscard, TTLSeconds: 180},
		},
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	rate := uint64(5_000_000)
	m := &domain.Mitigation{
		MitigationID:  uuid.New(),
		ScopeHash:     "scope-a",
		Pop:           "pop1",
		VictimIP:      "203.0.113.10",
		Vector:        domain.VectorUDPFlood,
		MatchCriteria: domain.MatchCriteria{DstPrefix: "203.0.113.10/32"},
		ActionType:    domain.ActionPolice,
		ActionParams:  domain.ActionParams{RateBPS: &rate},
		Status:        domain.StatusActive,
		CreatedAt:     now.Add(-5 * time.Minute),
		UpdatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}

	ev := &domain.AttackEvent{
		VictimIP:   "203.0.113.10",
		Vector:     domain.VectorUDPFlood,
		Confidence: f64(0.9),
	}

	return sel, sel.FindPlaybook(ev, nil), m, ev
}

func TestConsiderEligible(t *testing.T) {
	sel, pb, m, ev := testSetup(t)
	esc := New(config.EscalationConfig{
		Enabled:               true,
		MinPersistenceSeconds: 120,
		MinConfidence:         0.7,
	})

	next := esc.Consider(sel, pb, 0, m, ev, inventory.ProfileNormal, time.Now().UTC())
	if next == nil || next.Step.Action != domain.ActionDiscard {
		t.Errorf("consider = %+v, want discard step", next)
	}
}

func TestConsiderIneligible(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name string
		cfg  config.EscalationConfig
		prep func(m *domain.Mitigation, ev *domain.AttackEvent)
	}{
		{"disabled", config.EscalationConfig{Enabled: false}, nil},
		{"not persistent enough", config.EscalationConfig{
			Enabled: true, MinPersistenceSeconds: 3600, MinConfidence: 0.7,
		}, nil},
		{"low confidence", config.EscalationConfig{
			Enabled: true, MinPersistenceSeconds: 60, MinConfidence: 0.95,
		}, nil},
		{"no confidence", config.EscalationConfig{
			Enabled: true, MinPersistenceSeconds: 60, MinConfidence: 0.5,
		}, func(m *domain.Mitigation, ev *domain.AttackEvent) { ev.Confidence = nil }},
		{"not active", config.EscalationConfig{
			Enabled: true, MinPersistenceSeconds: 60, MinConfidence: 0.5,
		}, func(m *domain.Mitigation, ev *domain.AttackEvent) { m.Status = domain.StatusWithdrawing }},
	}

	for _, tc := range cases {
		sel, pb, m, ev := testSetup(t)
		if tc.prep != nil {
			tc.prep(m, ev)
		}
		if next := New(tc.cfg).Consider(sel, pb, 0, m, ev, inventory.ProfileNormal, now); next != nil {
			t.Errorf("%s: consider = %+v, want nil", tc.name, next)
		}
	}
}

func TestEscalatedExpiryCapped(t *testing.T) {
	esc := New(config.EscalationConfig{
		Enabled:                     true,
		MaxEscalatedDurationSeconds: 60,
	})
	now := time.Now().UTC()

	step := &playbook.Step{Action: domain.ActionDiscard, TTLSeconds: 600}
	if got := esc.Expiry(now, step); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("expiry = %v, want capped to 60s", got.Sub(now))
	}

	short := &playbook.Step{Action: domain.ActionDiscard, TTLSeconds: 30}
	if got := esc.Expiry(now, short); !got.Equal(now.Add(30 * time.Second)) {
		t.Errorf("expiry = %v, want step ttl", got.Sub(now))
	}
}
