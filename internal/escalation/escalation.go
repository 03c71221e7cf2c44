// Package escalation promotes persistent, high-confidence attacks to a
// stronger playbook step. It only reasons about eligibility; the
// decision engine commits the step-up.
package escalation

import (
	"time"

	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/inventory"
	"github.com/bswinnerton/prefixd/internal/playbook"
)

// Escalator decides whether a refreshed mitigation should step up.
type Escalator struct {
	cfg config.EscalationConfig
}

// New builds an escalator from the escalation config section.
func New(cfg config.EscalationConfig) *Escalator {
	return &Escalator{cfg: cfg}
}

// Enabled reports whether automatic escalation is on.
func (e *Escalator) Enabled() bool { return e.cfg.Enabled }

// Consider returns the stronger step a mitigation qualifies for, or
// nil. Eligibility requires: escalation enabled, the mitigation active
// and continuously engaged for min_persistence_seconds, the given (most
// recent) event's confidence at or above min_confidence, and a strictly
// stronger later step in the playbook whose own preconditions the event
// meets. Redirect never
// auto-escalates (it is incomparable under the action order).
func (e *Escalator) Consider(sel *playbook.Selector, pb *playbook.Playbook, currentStep int,
	m *domain.Mitigation, ev *domain.AttackEvent, profile inventory.PolicyProfile,
	now time.Time) *playbook.Selection {

	if !e.cfg.Enabled || pb == nil {
		return nil
	}
	if m.Status != domain.StatusActive {
		return nil
	}

	persistence := now.Sub(m.CreatedAt)
	if persistence < time.Duration(e.cfg.MinPersistenceSeconds)*time.Second {
		return nil
	}
	if ev.Confidence == nil || *ev.Confidence < e.cfg.MinConfidence {
		return nil
	}

	return sel.NextStrongerStep(pb, currentStep, m.ActionType, m.ActionParams,
		ev, persistence, profile)
}

// Expiry computes the expiry of an escalated mitigation: the step TTL
// capped by max_escalated_duration_seconds.
func (e *Escalator) Expiry(now time.Time, step *playbook.Step) time.Time {
	ttl := step.TTL()
	if e.cfg.MaxEscalatedDurationSeconds > 0 {
		limit := time.Duration(e.cfg.MaxEscalatedDurationSeconds) * time.Second
		if ttl > limit {
			ttl = limit
		}
	}
	return now.Add(ttl)
}
