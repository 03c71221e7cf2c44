package guardrails

import (
	"testing"
	"time"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
)

func u64(v uint64) *uint64 { return &v }

func testValidator() *Validator {
	return New(config.GuardrailsConfig{
		RequireTTL:        true,
		DstPrefixMinLen:   24,
		DstPrefixMaxLen:   32,
		DstPrefixMinLenV6: 64,
		DstPrefixMaxLenV6: 128,
		MaxPorts:          2,
	})
}

func okProposal() Proposal {
	return Proposal{
		Criteria: domain.MatchCriteria{DstPrefix: "203.0.113.10/32", DstPorts: []uint16{53}},
		Action:   domain.ActionPolice,
		Params:   domain.ActionParams{RateBPS: u64(5_000_000)},
		VictimIP: "203.0.113.10",
		TTL:      2 * time.Minute,
	}
}

func assertCode(t *testing.T, v *Violation, code Code) {
	t.Helper()
	if v == nil {
		t.Fatalf("expected violation %s, got none", code)
	}
	if v.Code != code {
		t.Fatalf("violation = %s, want %s", v.Code, code)
	}
}

func TestValidProposal(t *testing.T) {
	if v := testValidator().Validate(okProposal()); v != nil {
		t.Fatalf("valid proposal rejected: %v", v)
	}
}

func TestPrefixBounds(t *testing.T) {
	p := okProposal()
	p.Criteria.DstPrefix = "203.0.0.0/16"
	p.VictimIP = "203.0.113.10"
	assertCode(t, testValidator().Validate(p), PrefixTooBroad)

	// Narrower than max is impossible for v4/32, so exercise v6.
	v := New(config.GuardrailsConfig{
		DstPrefixMinLenV6: 32, DstPrefixMaxLenV6: 64, MaxPorts: 8,
	})
	p = okProposal()
	p.Criteria.DstPrefix = "2001:db8::1/128"
	p.VictimIP = "2001:db8::1"
	assertCode(t, v.Validate(p), PrefixTooNarrow)
}

func TestTooManyPorts(t *testing.T) {
	p := okProposal()
	p.Criteria.DstPorts = []uint16{53, 80, 443}
	assertCode(t, testValidator().Validate(p), TooManyPorts)
}

func TestDisallowedMatchFeatures(t *testing.T) {
	for _, set := range []func(*Proposal){
		func(p *Proposal) { p.UsesSrcPrefixMatch = true },
		func(p *Proposal) { p.UsesTCPFlagsMatch = true },
		func(p *Proposal) { p.UsesFragmentMatch = true },
		func(p *Proposal) { p.UsesPacketLengthMatch = true },
	} {
		p := okProposal()
		set(&p)
		assertCode(t, testValidator().Validate(p), DisallowedMatchFeature)
	}

	// Explicitly allowed features pass.
	v := New(config.GuardrailsConfig{
		DstPrefixMinLen: 24, DstPrefixMaxLen: 32, MaxPorts: 8,
		AllowSrcPrefixMatch: true,
	})
	p := okProposal()
	p.TTL = 0 // require_ttl off in this config
	p.UsesSrcPrefixMatch = true
	if got := v.Validate(p); got != nil {
		t.Errorf("allowed feature rejected: %v", got)
	}
}

func TestMissingTTL(t *testing.T) {
	p := okProposal()
	p.TTL = 0
	assertCode(t, testValidator().Validate(p), MissingTTL)
}

func TestRateNotPositive(t *testing.T) {
	p := okProposal()
	p.Params = domain.ActionParams{}
	assertCode(t, testValidator().Validate(p), RateNotPositive)

	p = okProposal()
	p.Params = domain.ActionParams{RateBPS: u64(0)}
	assertCode(t, testValidator().Validate(p), RateNotPositive)

	// Discard needs no rate.
	p = okProposal()
	p.Action = domain.ActionDiscard
	p.Params = domain.ActionParams{}
	if v := testValidator().Validate(p); v != nil {
		t.Errorf("discard without rate rejected: %v", v)
	}
}

func TestVictimNotInPrefix(t *testing.T) {
	p := okProposal()
	p.VictimIP = "198.51.100.1"
	assertCode(t, testValidator().Validate(p), VictimNotInPrefix)
}
