// Package guardrails validates proposed mitigation rules against
// static policy limits before anything reaches the BGP speaker. The
// validator is pure: no I/O, no clock.
package guardrails

import (
	"fmt"
	"net"
	"time"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
)

// Code identifies a guardrail violation.
type Code string

const (
	PrefixTooBroad         Code = "prefix_too_broad"
	PrefixTooNarrow        Code = "prefix_too_narrow"
	TooManyPorts           Code = "too_many_ports"
	DisallowedMatchFeature Code = "disallowed_match_feature"
	MissingTTL             Code = "missing_ttl"
	RateNotPositive        Code = "rate_not_positive"
	VictimNotInPrefix      Code = "victim_not_in_prefix"
)

// Violation is a typed guardrail failure.
type Violation struct {
	Code   Code
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation %s: %s", v.Code, v.Detail)
}

// Proposal is a candidate rule under validation. Match features beyond
// the destination tuple (source prefix, TCP flags, fragments, packet
// length) are carried as flags; they are rejected unless the
// corresponding allow knob is set.
type Proposal struct {
	Criteria domain.MatchCriteria
	Action   domain.ActionType
	Params   domain.ActionParams
	VictimIP string
	TTL      time.Duration

	UsesSrcPrefixMatch    bool
	UsesTCPFlagsMatch     bool
	UsesFragmentMatch     bool
	UsesPacketLengthMatch bool
}

// Validator applies the configured guardrails to proposals.
type Validator struct {
	cfg config.GuardrailsConfig
}

// New builds a validator from the guardrails section.
func New(cfg config.GuardrailsConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate returns nil when the proposal is acceptable, or the first
// Violation found.
func (v *Validator) Validate(p Proposal) *Violation {
	ip, ipNet, err := net.ParseCIDR(p.Criteria.DstPrefix)
	if err != nil {
		return &Violation{Code: PrefixTooBroad, Detail: fmt.Sprintf("unparseable dst_prefix %q", p.Criteria.DstPrefix)}
	}

	minLen, maxLen := v.cfg.DstPrefixMinLen, v.cfg.DstPrefixMaxLen
	if ip.To4() == nil {
		minLen, maxLen = v.cfg.DstPrefixMinLenV6, v.cfg.DstPrefixMaxLenV6
	}

	ones, _ := ipNet.Mask.Size()
	if minLen > 0 && ones < minLen {
		return &Violation{Code: PrefixTooBroad,
			Detail: fmt.Sprintf("prefix /%d broader than /%d", ones, minLen)}
	}
	if maxLen > 0 && ones > maxLen {
		return &Violation{Code: PrefixTooNarrow,
			Detail: fmt.Sprintf("prefix /%d narrower than /%d", ones, maxLen)}
	}

	if v.cfg.MaxPorts > 0 && len(p.Criteria.DstPorts) > v.cfg.MaxPorts {
		return &Violation{Code: TooManyPorts,
			Detail: fmt.Sprintf("%d ports exceeds cap of %d", len(p.Criteria.DstPorts), v.cfg.MaxPorts)}
	}

	if p.UsesSrcPrefixMatch && !v.cfg.AllowSrcPrefixMatch {
		return &Violation{Code: DisallowedMatchFeature, Detail: "src prefix match disabled"}
	}
	if p.UsesTCPFlagsMatch && !v.cfg.AllowTCPFlagsMatch {
		return &Violation{Code: DisallowedMatchFeature, Detail: "tcp flags match disabled"}
	}
	if p.UsesFragmentMatch && !v.cfg.AllowFragmentMatch {
		return &Violation{Code: DisallowedMatchFeature, Detail: "fragment match disabled"}
	}
	if p.UsesPacketLengthMatch && !v.cfg.AllowPacketLengthMatch {
		return &Violation{Code: DisallowedMatchFeature, Detail: "packet length match disabled"}
	}

	if v.cfg.RequireTTL && p.TTL <= 0 {
		return &Violation{Code: MissingTTL, Detail: "rule has no expiry"}
	}

	if p.Action == domain.ActionPolice {
		if p.Params.RateBPS == nil || *p.Params.RateBPS == 0 {
			return &Violation{Code: RateNotPositive, Detail: "police action requires a positive rate"}
		}
	}

	if p.VictimIP != "" {
		victim := net.ParseIP(p.VictimIP)
		if victim == nil || !ipNet.Contains(victim) {
			return &Violation{Code: VictimNotInPrefix,
				Detail: fmt.Sprintf("victim %s outside %s", p.VictimIP, ipNet.String())}
		}
	}

	return nil
}
