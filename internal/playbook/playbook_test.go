package playbook

import (
	"testing"
	"time"

	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/inventory"
)

func u64(v uint64) *uint64    { return &v }
func f64(v float64) *float64  { return &v }
func intp(v int) *int         { return &v }

func testSelector(t *testing.T) *Selector {
	t.Helper()
	sel, err := NewSelector([]Playbook{
		{
			Name:  "udp_flood",
			Match: Match{Vector: domain.VectorUDPFlood},
			Steps: []Step{
				{Action: domain.ActionPolice, RateBPS: u64(5_000_000), TTLSeconds: 120},
				{
					Action: domain.ActionDiscard, TTLSeconds: 180,
					RequireConfidenceAtLeast: f64(0.8),
					RequirePersistenceSecs:   intp(60),
				},
			},
		},
		{
			Name:  "dns_amp",
			Match: Match{Vector: domain.VectorDNSAmp, RequireTopPorts: true},
			Steps: []Step{
				{Action: domain.ActionDiscard, TTLSeconds: 300},
			},
		},
	}, 1.5)
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return sel
}

func udpEvent(confidence *float64) *domain.AttackEvent {
	return &domain.AttackEvent{
		VictimIP:    "203.0.113.10",
		Vector:      domain.VectorUDPFlood,
		TopDstPorts: []uint16{53},
		Confidence:  confidence,
	}
}

func TestSelectFirstEligibleStep(t *testing.T) {
	sel := testSelector(t)

	got := sel.Select(udpEvent(nil), inventory.ProfileNormal, nil, 0)
	if got == nil {
		t.Fatal("no selection")
	}
	if got.Step.Action != domain.ActionPolice || got.StepIndex != 0 {
		t.Errorf("selection = %+v, want police step 0", got)
	}
	if got.Step.TTL() != 2*time.Minute {
		t.Errorf("ttl = %v", got.Step.TTL())
	}
}

func TestSelectNoPlaybook(t *testing.T) {
	sel := testSelector(t)

	ev := udpEvent(nil)
	ev.Vector = domain.VectorSYNFlood
	if got := sel.Select(ev, inventory.ProfileNormal, nil, 0); got != nil {
		t.Errorf("unexpected selection %+v for unmatched vector", got)
	}
}

func TestRequireTopPorts(t *testing.T) {
	sel := testSelector(t)

	ev := &domain.AttackEvent{Vector: domain.VectorDNSAmp, TopDstPorts: []uint16{53}}

	if got := sel.Select(ev, inventory.ProfileNormal, nil, 0); got != nil {
		t.Error("matched without service port intersection")
	}
	got := sel.Select(ev, inventory.ProfileNormal, []uint16{53, 443}, 0)
	if got == nil || got.Playbook.Name != "dns_amp" {
		t.Errorf("selection = %+v, want dns_amp", got)
	}
}

func TestStrictProfileForcesDiscard(t *testing.T) {
	sel := testSelector(t)

	got := sel.Select(udpEvent(nil), inventory.ProfileStrict, nil, 0)
	if got == nil {
		t.Fatal("no selection")
	}
	if got.Step.Action != domain.ActionDiscard {
		t.Errorf("strict action = %s, want discard", got.Step.Action)
	}
	if got.Step.RateBPS != nil {
		t.Error("strict profile left rate_bps set")
	}
}

func TestPermissiveProfileExtendsTTL(t *testing.T) {
	sel := testSelector(t)

	got := sel.Select(udpEvent(nil), inventory.ProfilePermissive, nil, 0)
	if got == nil {
		t.Fatal("no selection")
	}
	if got.Step.TTLSeconds != 180 { // 120 * 1.5
		t.Errorf("permissive ttl = %d, want 180", got.Step.TTLSeconds)
	}
}

func TestStepPreconditions(t *testing.T) {
	sel := testSelector(t)
	pb := sel.FindPlaybook(udpEvent(nil), nil)
	if pb == nil {
		t.Fatal("playbook not found")
	}

	// Low confidence: no stronger step.
	next := sel.NextStrongerStep(pb, 0, domain.ActionPolice,
		domain.ActionParams{RateBPS: u64(5_000_000)},
		udpEvent(f64(0.5)), 2*time.Minute, inventory.ProfileNormal)
	if next != nil {
		t.Errorf("low-confidence escalation selected: %+v", next)
	}

	// Insufficient persistence.
	next = sel.NextStrongerStep(pb, 0, domain.ActionPolice,
		domain.ActionParams{RateBPS: u64(5_000_000)},
		udpEvent(f64(0.9)), 30*time.Second, inventory.ProfileNormal)
	if next != nil {
		t.Errorf("short-persistence escalation selected: %+v", next)
	}

	// Both met: discard step selected.
	next = sel.NextStrongerStep(pb, 0, domain.ActionPolice,
		domain.ActionParams{RateBPS: u64(5_000_000)},
		udpEvent(f64(0.9)), 70*time.Second, inventory.ProfileNormal)
	if next == nil || next.Step.Action != domain.ActionDiscard {
		t.Errorf("escalation = %+v, want discard", next)
	}
}

func TestNextStrongerStepSkipsWeaker(t *testing.T) {
	sel, err := NewSelector([]Playbook{{
		Name:  "udp_flood",
		Match: Match{Vector: domain.VectorUDPFlood},
		Steps: []Step{
			{Action: domain.ActionPolice, RateBPS: u64(1_000_000), TTLSeconds: 120},
			{Action: domain.ActionPolice, RateBPS: u64(10_000_000), TTLSeconds: 120}, // looser, not stronger
			{Action: domain.ActionDiscard, TTLSeconds: 120},
		},
	}}, 0)
	if err != nil {
		t.Fatal(err)
	}

	pb := sel.FindPlaybook(udpEvent(nil), nil)
	next := sel.NextStrongerStep(pb, 0, domain.ActionPolice,
		domain.ActionParams{RateBPS: u64(1_000_000)},
		udpEvent(nil), 0, inventory.ProfileNormal)
	if next == nil || next.Step.Action != domain.ActionDiscard || next.StepIndex != 2 {
		t.Errorf("escalation = %+v, want discard at index 2", next)
	}
}

func TestSelectorValidation(t *testing.T) {
	cases := []struct {
		name string
		pbs  []Playbook
	}{
		{"no name", []Playbook{{Match: Match{Vector: domain.VectorUDPFlood},
			Steps: []Step{{Action: domain.ActionDiscard, TTLSeconds: 60}}}}},
		{"no steps", []Playbook{{Name: "x", Match: Match{Vector: domain.VectorUDPFlood}}}},
		{"bad vector", []Playbook{{Name: "x", Match: Match{Vector: "meteor"},
			Steps: []Step{{Action: domain.ActionDiscard, TTLSeconds: 60}}}}},
		{"bad action", []Playbook{{Name: "x", Match: Match{Vector: domain.VectorUDPFlood},
			Steps: []Step{{Action: "tarpit", TTLSeconds: 60}}}}},
		{"police without rate", []Playbook{{Name: "x", Match: Match{Vector: domain.VectorUDPFlood},
			Steps: []Step{{Action: domain.ActionPolice, TTLSeconds: 60}}}}},
		{"zero ttl", []Playbook{{Name: "x", Match: Match{Vector: domain.VectorUDPFlood},
			Steps: []Step{{Action: domain.ActionDiscard}}}}},
	}

	for _, tc := range cases {
		if _, err := NewSelector(tc.pbs, 0); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
