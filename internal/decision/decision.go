// Package decision turns attack events into mitigation decisions. One
// event passes through a fixed pipeline: safelist veto, inventory
// lookup, criteria construction, playbook selection, guardrails, and
// scope correlation. Decisions for the same (scope_hash, pop)
// serialize through a keyed mutex; different scopes run in parallel.
package decision

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/audit"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/escalation"
	"github.com/bswinnerton/prefixd/internal/guardrails"
	"github.com/bswinnerton/prefixd/internal/inventory"
	"github.com/bswinnerton/prefixd/internal/lifecycle"
	"github.com/bswinnerton/prefixd/internal/playbook"
	"github.com/bswinnerton/prefixd/internal/quota"
	"github.com/bswinnerton/prefixd/internal/safelist"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

// Outcome classifies a decision.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeRefreshed Outcome = "refreshed"
	OutcomeEscalated Outcome = "escalated"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// Rejection reasons. Guardrail and quota rejections carry a suffix:
// "guardrail:<code>", "quota:<scope>".
const (
	ReasonSafelisted       = "safelisted"
	ReasonUnknownVictim    = "unknown_victim"
	ReasonNoPlaybook       = "no_playbook"
	ReasonQuietPeriod      = "quiet_period"
	ReasonTransientBackend = "transient_backend"
)

// Decision is the result of ingesting one event.
type Decision struct {
	Outcome    Outcome
	Mitigation *domain.Mitigation // created, refreshed, or escalated-to row
	Previous   *domain.Mitigation // predecessor on escalation
	Reason     string             // rejection reason when rejected
	EventID    uuid.UUID
}

// ErrTransient is returned when a backend failure prevented a
// decision; the event stays persisted for re-attempt.
var ErrTransient = errors.New("decision deferred: transient backend error")

// Engine is the decision engine.
type Engine struct {
	log       *zap.Logger
	cfg       *config.Config
	repo      store.Repository
	safelist  *safelist.Checker
	inv       *inventory.Inventory
	guard     *guardrails.Validator
	gate      *quota.Gate
	selector  *playbook.Selector
	lifecycle *lifecycle.Manager
	escalator *escalation.Escalator
	quiet     *lifecycle.QuietPeriods
	auditor   *audit.Writer
	metrics   *telemetry.Metrics
	locks     *keyedMutex
}

// NewEngine wires the decision pipeline.
func NewEngine(log *zap.Logger, cfg *config.Config, repo store.Repository,
	sl *safelist.Checker, inv *inventory.Inventory, guard *guardrails.Validator,
	gate *quota.Gate, selector *playbook.Selector, lc *lifecycle.Manager,
	esc *escalation.Escalator, quiet *lifecycle.QuietPeriods,
	auditor *audit.Writer, metrics *telemetry.Metrics) *Engine {

	return &Engine{
		log:       log,
		cfg:       cfg,
		repo:      repo,
		safelist:  sl,
		inv:       inv,
		guard:     guard,
		gate:      gate,
		selector:  selector,
		lifecycle: lc,
		escalator: esc,
		quiet:     quiet,
		auditor:   auditor,
		metrics:   metrics,
		locks:     newKeyedMutex(),
	}
}

// Ingest stores the event (idempotently) and decides on it. Two events
// sharing (source, external_event_id) produce one stored event and one
// decision; the second ingest reports a duplicate.
func (e *Engine) Ingest(ctx context.Context, ev *domain.AttackEvent) (*Decision, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	if existing, err := e.repo.FindEventByExternalID(ctx, ev.Source, ev.ExternalEventID); err == nil {
		return &Decision{Outcome: OutcomeDuplicate, EventID: existing.EventID}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	ev.EventID = uuid.New()
	ev.IngestedAt = time.Now().UTC()
	if err := e.repo.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent ingest of the same detector event won.
			if existing, ferr := e.repo.FindEventByExternalID(ctx, ev.Source, ev.ExternalEventID); ferr == nil {
				return &Decision{Outcome: OutcomeDuplicate, EventID: existing.EventID}, nil
			}
			return &Decision{Outcome: OutcomeDuplicate}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	e.metrics.EventsIngested.Inc()

	d, err := e.decide(ctx, ev)
	if err != nil {
		return nil, err
	}
	d.EventID = ev.EventID

	e.metrics.Decisions.WithLabelValues(string(d.Outcome)).Inc()
	e.auditDecision(ev, d)
	return d, nil
}

// decide runs the pipeline for one stored event. The first failing
// stage short-circuits.
func (e *Engine) decide(ctx context.Context, ev *domain.AttackEvent) (*Decision, error) {
	now := time.Now().UTC()

	// Stage 1: safelist veto on the victim.
	if e.safelist.IsSafelisted(ev.VictimIP) {
		return e.reject(ctx, ev, nil, ReasonSafelisted)
	}

	// Stage 2: ownership lookup.
	customer, service, known := e.inv.LookupIP(ev.VictimIP)
	profile := inventory.ProfileNormal
	if known {
		profile = customer.PolicyProfile
	} else if e.cfg.Guardrails.RequireKnownVictim {
		return e.reject(ctx, ev, nil, ReasonUnknownVictim)
	}

	// Stage 3: provisional match criteria from the event.
	criteria, err := e.buildCriteria(ev)
	if err != nil {
		return nil, fmt.Errorf("building criteria: %w", err)
	}
	if e.safelist.CoversProtected(criteria.DstPrefix) {
		return e.reject(ctx, ev, &criteria, ReasonSafelisted)
	}

	scopeHash, err := criteria.ScopeHash()
	if err != nil {
		return nil, fmt.Errorf("computing scope hash: %w", err)
	}

	// Persistence of a correlated predecessor feeds step preconditions.
	persistence := time.Duration(0)
	if prior, err := e.repo.FindActiveByScope(ctx, scopeHash, e.cfg.Pop); err == nil {
		persistence = now.Sub(prior.CreatedAt)
	}

	// Stage 4: playbook selection.
	servicePorts := inventory.ServicePorts(service)
	selection := e.selector.Select(ev, profile, servicePorts, persistence)
	if selection == nil {
		return e.reject(ctx, ev, &criteria, ReasonNoPlaybook)
	}

	// Stage 5: guardrails.
	ttl := e.cfg.Timers.ClampTTL(selection.Step.TTL())
	if v := e.guard.Validate(guardrails.Proposal{
		Criteria: criteria,
		Action:   selection.Step.Action,
		Params:   selection.Step.Params(),
		VictimIP: ev.VictimIP,
		TTL:      ttl,
	}); v != nil {
		return e.reject(ctx, ev, &criteria, "guardrail:"+string(v.Code))
	}

	// Stage 6: correlate against the existing mitigation for the
	// scope, serialized per (scope_hash, pop).
	unlock := e.locks.Lock(scopeHash + "|" + e.cfg.Pop)
	defer unlock()

	existing, err := e.repo.FindActiveByScope(ctx, scopeHash, e.cfg.Pop)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.createNew(ctx, ev, customer, service, criteria, scopeHash, selection, ttl, now)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return e.correlate(ctx, ev, existing, selection, profile, ttl, now)
}

// createNew runs the quota gate and the quiet-period check, persists a
// pending mitigation, and dispatches the announce.
func (e *Engine) createNew(ctx context.Context, ev *domain.AttackEvent,
	customer *inventory.Customer, service *inventory.Service,
	criteria domain.MatchCriteria, scopeHash string,
	selection *playbook.Selection, ttl time.Duration, now time.Time) (*Decision, error) {

	// Quiet period: a recently withdrawn scope may not re-announce.
	deferred := false
	if remaining := e.quiet.Remaining(scopeHash, now); remaining > 0 {
		e.metrics.QuietPeriodHolds.Inc()
		if remaining >= ttl {
			return e.reject(ctx, ev, &criteria, ReasonQuietPeriod)
		}
		deferred = true
	}

	var customerID, serviceID *string
	if customer != nil {
		customerID = &customer.CustomerID
	}
	if service != nil {
		serviceID = &service.ServiceID
	}

	denial, err := e.gate.Check(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if denial != nil {
		return e.reject(ctx, ev, &criteria, "quota:"+string(denial.Scope))
	}

	m := &domain.Mitigation{
		MitigationID:      uuid.New(),
		ScopeHash:         scopeHash,
		Pop:               e.cfg.Pop,
		CustomerID:        customerID,
		ServiceID:         serviceID,
		VictimIP:          ev.VictimIP,
		Vector:            ev.Vector,
		MatchCriteria:     criteria,
		ActionType:        selection.Step.Action,
		ActionParams:      selection.Step.Params(),
		Status:            domain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		TriggeringEventID: ev.EventID,
		LastEventID:       ev.EventID,
		Reason:            fmt.Sprintf("playbook %s step %d", selection.Playbook.Name, selection.StepIndex),
	}

	if err := e.repo.InsertMitigation(ctx, m); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent creator (another process sharing the
			// database) won the race; treat its row as ours.
			if winner, ferr := e.repo.FindActiveByScope(ctx, scopeHash, e.cfg.Pop); ferr == nil {
				return e.correlate(ctx, ev, winner, selection, inventory.ProfileNormal, ttl, now)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	e.gate.Reserve(now)

	if deferred {
		e.log.Info("announce deferred by quiet period",
			zap.String("scope", scopeHash),
			zap.String("mitigation_id", m.MitigationID.String()),
		)
	} else if err := e.lifecycle.AnnounceAndActivate(ctx, m); err != nil {
		// State is persisted; the reconciler drives convergence.
		e.log.Warn("announce dispatch failed", zap.Error(err))
	}

	return &Decision{Outcome: OutcomeCreated, Mitigation: m}, nil
}

// correlate handles an event whose scope already has an open
// mitigation: refresh it, or step up when the playbook says so.
func (e *Engine) correlate(ctx context.Context, ev *domain.AttackEvent,
	existing *domain.Mitigation, selection *playbook.Selection,
	profile inventory.PolicyProfile, ttl time.Duration, now time.Time) (*Decision, error) {

	sameStep := selection.Step.Action == existing.ActionType &&
		equalRate(selection.Step.RateBPS, existing.ActionParams.RateBPS)

	selectedStronger := domain.Stronger(selection.Step.Action, selection.Step.Params(),
		existing.ActionType, existing.ActionParams)

	if selectedStronger && e.escalator.Enabled() && existing.Status == domain.StatusActive {
		return e.escalate(ctx, ev, existing, selection, now)
	}

	// Refresh: extend the expiry, bounded so lifetime never exceeds
	// max_ttl from creation, and do not re-announce.
	newExpiry := now.Add(ttl)
	if limit := existing.CreatedAt.Add(e.cfg.Timers.MaxTTL()); newExpiry.After(limit) {
		newExpiry = limit
	}
	if err := e.lifecycle.Refresh(ctx, existing, newExpiry, ev.EventID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// A persistent attack may now qualify for the next stronger step.
	if sameStep {
		if next := e.escalator.Consider(e.selector, selection.Playbook, selection.StepIndex,
			existing, ev, profile, now); next != nil {
			return e.escalate(ctx, ev, existing, next, now)
		}
	}

	return &Decision{Outcome: OutcomeRefreshed, Mitigation: existing}, nil
}

// escalate creates the stronger successor and moves the predecessor to
// withdrawing in one commit.
func (e *Engine) escalate(ctx context.Context, ev *domain.AttackEvent,
	old *domain.Mitigation, next *playbook.Selection, now time.Time) (*Decision, error) {

	stronger := &domain.Mitigation{
		MitigationID:      uuid.New(),
		ScopeHash:         old.ScopeHash,
		Pop:               old.Pop,
		CustomerID:        old.CustomerID,
		ServiceID:         old.ServiceID,
		VictimIP:          old.VictimIP,
		Vector:            ev.Vector,
		MatchCriteria:     old.MatchCriteria,
		ActionType:        next.Step.Action,
		ActionParams:      next.Step.Params(),
		Status:            domain.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         e.escalator.Expiry(now, &next.Step),
		TriggeringEventID: old.TriggeringEventID,
		LastEventID:       ev.EventID,
		EscalatedFromID:   &old.MitigationID,
		Reason:            fmt.Sprintf("escalated from %s (playbook %s step %d)", old.MitigationID, next.Playbook.Name, next.StepIndex),
	}

	if err := e.lifecycle.CommitEscalation(ctx, old, stronger); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if err := e.lifecycle.AnnounceAndActivate(ctx, stronger); err != nil {
		e.log.Warn("escalated announce dispatch failed", zap.Error(err))
	}

	return &Decision{Outcome: OutcomeEscalated, Mitigation: stronger, Previous: old}, nil
}

// reject persists a structured rejection as a terminal mitigation row
// and returns the decision.
func (e *Engine) reject(ctx context.Context, ev *domain.AttackEvent,
	criteria *domain.MatchCriteria, reason string) (*Decision, error) {

	now := time.Now().UTC()

	var crit domain.MatchCriteria
	if criteria != nil {
		crit = *criteria
	} else {
		// Rejections before criteria construction still record the
		// victim's host scope.
		c, err := e.buildCriteria(ev)
		if err == nil {
			crit = c
		} else {
			crit = domain.MatchCriteria{DstPrefix: hostPrefix(ev.VictimIP)}
		}
	}
	scopeHash, _ := crit.ScopeHash()

	m := &domain.Mitigation{
		MitigationID:      uuid.New(),
		ScopeHash:         scopeHash,
		Pop:               e.cfg.Pop,
		VictimIP:          ev.VictimIP,
		Vector:            ev.Vector,
		MatchCriteria:     crit,
		ActionType:        domain.ActionDiscard,
		Status:            domain.StatusRejected,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(e.cfg.Timers.DefaultTTL()),
		WithdrawnAt:       &now,
		TriggeringEventID: ev.EventID,
		LastEventID:       ev.EventID,
		Reason:            reason,
		RejectionReason:   &reason,
	}

	if err := e.repo.InsertMitigation(ctx, m); err != nil {
		// The rejection record is best effort; the decision stands.
		e.log.Warn("persisting rejection failed",
			zap.String("reason", reason), zap.Error(err))
	}

	return &Decision{Outcome: OutcomeRejected, Mitigation: m, Reason: reason}, nil
}

// buildCriteria derives the provisional match from the event: the
// victim host prefix, the reported protocol, and the reported top
// ports. Over-long port sets are left intact for guardrails to refuse.
func (e *Engine) buildCriteria(ev *domain.AttackEvent) (domain.MatchCriteria, error) {
	criteria := domain.MatchCriteria{
		DstPrefix: hostPrefix(ev.VictimIP),
		Protocol:  ev.Protocol,
		DstPorts:  ev.TopDstPorts,
	}
	return criteria.Normalize()
}

func (e *Engine) auditDecision(ev *domain.AttackEvent, d *Decision) {
	details := map[string]any{
		"outcome":   string(d.Outcome),
		"event_id":  ev.EventID.String(),
		"victim_ip": ev.VictimIP,
		"vector":    string(ev.Vector),
	}
	if d.Reason != "" {
		details["reason"] = d.Reason
	}
	if d.Mitigation != nil {
		e.auditor.RecordMitigation(domain.ActorDetector, &ev.Source,
			"decision_"+string(d.Outcome), d.Mitigation.MitigationID, details)
		return
	}
	e.auditor.Record(domain.ActorDetector, &ev.Source,
		"decision_"+string(d.Outcome), nil, nil, details)
}

func equalRate(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// hostPrefix renders the victim as its /32 or /128 host route.
func hostPrefix(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.To4() == nil {
		return ip + "/128"
	}
	if strings.Contains(ip, ":") {
		return ip + "/128"
	}
	return ip + "/32"
}
