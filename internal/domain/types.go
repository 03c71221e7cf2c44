// Package domain defines the core entities of the mitigation control
// plane: attack events, match criteria, mitigations and their state
// machine, safelist entries, and audit records.
package domain

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AttackVector identifies the kind of attack a detector reported.
type AttackVector string

const (
	VectorUDPFlood     AttackVector = "udp_flood"
	VectorSYNFlood     AttackVector = "syn_flood"
	VectorICMPFlood    AttackVector = "icmp_flood"
	VectorDNSAmp       AttackVector = "dns_amp"
	VectorNTPAmp       AttackVector = "ntp_amp"
	VectorSSDPAmp      AttackVector = "ssdp_amp"
	VectorMemcachedAmp AttackVector = "memcached_amp"
	VectorGenericFlood AttackVector = "generic_flood"
)

// ParseVector validates a detector-supplied vector string.
func ParseVector(s string) (AttackVector, error) {
	switch v := AttackVector(s); v {
	case VectorUDPFlood, VectorSYNFlood, VectorICMPFlood,
		VectorDNSAmp, VectorNTPAmp, VectorSSDPAmp,
		VectorMemcachedAmp, VectorGenericFlood:
		return v, nil
	}
	return "", fmt.Errorf("unknown attack vector %q", s)
}

// AttackEvent is an immutable, append-only record of a detector report.
// (Source, ExternalEventID) is the idempotency key.
type AttackEvent struct {
	EventID         uuid.UUID    `json:"event_id"`
	ExternalEventID string       `json:"external_event_id"`
	Source          string       `json:"source"`
	EventTimestamp  time.Time    `json:"event_timestamp"`
	IngestedAt      time.Time    `json:"ingested_at"`
	VictimIP        string       `json:"victim_ip"`
	Vector          AttackVector `json:"vector"`
	Protocol        *uint8       `json:"protocol,omitempty"`
	BPS             *uint64      `json:"bps,omitempty"`
	PPS             *uint64      `json:"pps,omitempty"`
	TopDstPorts     []uint16     `json:"top_dst_ports,omitempty"`
	Confidence      *float64     `json:"confidence,omitempty"`
}

// Validate checks the detector-supplied fields of an event.
func (e *AttackEvent) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ExternalEventID == "" {
		return fmt.Errorf("external_event_id is required")
	}
	if net.ParseIP(e.VictimIP) == nil {
		return fmt.Errorf("invalid victim_ip %q", e.VictimIP)
	}
	if _, err := ParseVector(string(e.Vector)); err != nil {
		return err
	}
	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return fmt.Errorf("confidence %v out of range [0,1]", *e.Confidence)
	}
	return nil
}

// MatchCriteria describes the traffic a mitigation targets. The scope
// key derives from its normalized form.
type MatchCriteria struct {
	DstPrefix string   `json:"dst_prefix"`
	Protocol  *uint8   `json:"protocol,omitempty"`
	DstPorts  []uint16 `json:"dst_ports,omitempty"`
}

// Normalize canonicalizes the prefix to its network form and sorts and
// deduplicates the port set. Semantically equal criteria normalize to
// the same value regardless of input order.
func (m MatchCriteria) Normalize() (MatchCriteria, error) {
	_, ipnet, err := net.ParseCIDR(m.DstPrefix)
	if err != nil {
		return MatchCriteria{}, fmt.Errorf("invalid dst_prefix %q: %w", m.DstPrefix, err)
	}

	ports := make([]uint16, 0, len(m.DstPorts))
	seen := make(map[uint16]bool, len(m.DstPorts))
	for _, p := range m.DstPorts {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	return MatchCriteria{
		DstPrefix: ipnet.String(),
		Protocol:  m.Protocol,
		DstPorts:  ports,
	}, nil
}

// ActionType is what a mitigation does to matching traffic.
type ActionType string

const (
	ActionPolice   ActionType = "police"
	ActionDiscard  ActionType = "discard"
	ActionRedirect ActionType = "redirect"
)

// ParseActionType validates an action type string.
func ParseActionType(s string) (ActionType, error) {
	switch a := ActionType(s); a {
	case ActionPolice, ActionDiscard, ActionRedirect:
		return a, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// ActionParams carries per-action parameters. RateBPS is present iff
// the action is police.
type ActionParams struct {
	RateBPS *uint64 `json:"rate_bps,omitempty"`
}

// Stronger reports whether action (a, ap) is strictly stronger than
// (b, bp) under the escalation partial order: discard is the top,
// police(r1) < police(r2) when r1 > r2 (a tighter rate is stronger),
// and redirect is incomparable with everything else.
func Stronger(a ActionType, ap ActionParams, b ActionType, bp ActionParams) bool {
	if a == ActionRedirect || b == ActionRedirect {
		return false
	}
	if a == ActionDiscard && b == ActionPolice {
		return true
	}
	if a == ActionPolice && b == ActionPolice {
		if ap.RateBPS == nil || bp.RateBPS == nil {
			return false
		}
		return *ap.RateBPS < *bp.RateBPS
	}
	return false
}

// MitigationStatus is the lifecycle state of a mitigation.
type MitigationStatus string

const (
	StatusPending     MitigationStatus = "pending"
	StatusActive      MitigationStatus = "active"
	StatusEscalated   MitigationStatus = "escalated"
	StatusWithdrawing MitigationStatus = "withdrawing"
	StatusWithdrawn   MitigationStatus = "withdrawn"
	StatusRejected    MitigationStatus = "rejected"
)

// OpenStatuses are the non-terminal states. At most one mitigation per
// (scope_hash, pop) may be in any of them at a time.
var OpenStatuses = []MitigationStatus{
	StatusPending, StatusActive, StatusEscalated, StatusWithdrawing,
}

// IsTerminal reports whether the status admits no further transitions.
func (s MitigationStatus) IsTerminal() bool {
	return s == StatusWithdrawn || s == StatusRejected
}

// IsOpen reports whether the status counts toward the per-scope
// uniqueness invariant and the active-count quotas.
func (s MitigationStatus) IsOpen() bool {
	return !s.IsTerminal()
}

// transitions is the allowed state machine. Refresh is not a status
// change (active stays active), so it does not appear here.
var transitions = map[MitigationStatus][]MitigationStatus{
	StatusPending:     {StatusActive, StatusEscalated, StatusRejected, StatusWithdrawing},
	StatusActive:      {StatusWithdrawing},
	StatusEscalated:   {StatusWithdrawing},
	StatusWithdrawing: {StatusWithdrawn},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to MitigationStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Mitigation is the central entity: a rule that is, was, or was refused
// to be announced to upstream routers.
type Mitigation struct {
	MitigationID uuid.UUID `json:"mitigation_id"`
	ScopeHash    string    `json:"scope_hash"`
	Pop          string    `json:"pop"`

	CustomerID *string `json:"customer_id,omitempty"`
	ServiceID  *string `json:"service_id,omitempty"`

	VictimIP      string        `json:"victim_ip"`
	Vector        AttackVector  `json:"vector"`
	MatchCriteria MatchCriteria `json:"match_criteria"`
	ActionType    ActionType    `json:"action_type"`
	ActionParams  ActionParams  `json:"action_params"`

	Status MitigationStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"`

	TriggeringEventID uuid.UUID  `json:"triggering_event_id"`
	LastEventID       uuid.UUID  `json:"last_event_id"`
	EscalatedFromID   *uuid.UUID `json:"escalated_from_id,omitempty"`

	Reason          string  `json:"reason"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// Validate checks the structural invariants of a mitigation row.
func (m *Mitigation) Validate() error {
	if !m.ExpiresAt.After(m.CreatedAt) {
		return fmt.Errorf("expires_at must be after created_at")
	}
	hasRate := m.ActionParams.RateBPS != nil
	if m.ActionType == ActionPolice && !hasRate {
		return fmt.Errorf("police action requires rate_bps")
	}
	if m.ActionType != ActionPolice && hasRate {
		return fmt.Errorf("rate_bps is only valid for police actions")
	}
	terminal := m.Status.IsTerminal()
	if terminal && m.WithdrawnAt == nil {
		return fmt.Errorf("terminal status %s requires withdrawn_at", m.Status)
	}
	if !terminal && m.WithdrawnAt != nil {
		return fmt.Errorf("withdrawn_at set on non-terminal status %s", m.Status)
	}
	return nil
}

// SafelistEntry protects a prefix from mitigation. Primary key is the
// prefix.
type SafelistEntry struct {
	Prefix    string     `json:"prefix"`
	AddedBy   string     `json:"added_by"`
	AddedAt   time.Time  `json:"added_at"`
	Reason    *string    `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at the given
// instant. Entries without an expiry never expire.
func (s *SafelistEntry) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// ActorType identifies who performed an audited action.
type ActorType string

const (
	ActorOperator ActorType = "operator"
	ActorDetector ActorType = "detector"
	ActorSystem   ActorType = "system"
)

// AuditSchemaVersion is stamped on every audit entry.
const AuditSchemaVersion = 1

// AuditEntry is an append-only record of a decision, transition, or
// operator action.
type AuditEntry struct {
	AuditID       uuid.UUID      `json:"audit_id"`
	Timestamp     time.Time      `json:"timestamp"`
	SchemaVersion int            `json:"schema_version"`
	ActorType     ActorType      `json:"actor_type"`
	ActorID       *string        `json:"actor_id,omitempty"`
	Action        string         `json:"action"`
	TargetType    *string        `json:"target_type,omitempty"`
	TargetID      *string        `json:"target_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}
