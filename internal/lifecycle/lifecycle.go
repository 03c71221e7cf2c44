// Package lifecycle drives mitigations through their state machine.
// Every transition is validated, persisted atomically with an updated
// timestamp, and audited. BGP announce failures never roll back state:
// the reconciler converges the advertised set later.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/audit"
	"github.com/bswinnerton/prefixd/internal/bgp"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

// Manager persists state transitions and dispatches BGP announcements.
type Manager struct {
	log     *zap.Logger
	repo    store.Repository
	speaker bgp.Speaker
	auditor *audit.Writer
	metrics *telemetry.Metrics

	mu               sync.Mutex
	announceAttempts map[uuid.UUID]int
}

// NewManager builds a lifecycle manager.
func NewManager(log *zap.Logger, repo store.Repository, speaker bgp.Speaker,
	auditor *audit.Writer, metrics *telemetry.Metrics) *Manager {

	return &Manager{
		log:              log,
		repo:             repo,
		speaker:          speaker,
		auditor:          auditor,
		metrics:          metrics,
		announceAttempts: make(map[uuid.UUID]int),
	}
}

// Transition moves a mitigation to a new status, persisting and
// auditing the change. The caller's copy is updated in place.
func (m *Manager) Transition(ctx context.Context, mit *domain.Mitigation,
	to domain.MitigationStatus, actor domain.ActorType, actorID *string, reason string) error {

	from := mit.Status
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s for mitigation %s", from, to, mit.MitigationID)
	}

	now := time.Now().UTC()
	mit.Status = to
	mit.UpdatedAt = now
	if to.IsTerminal() {
		mit.WithdrawnAt = &now
		m.clearAttempts(mit.MitigationID)
	}
	if to == domain.StatusRejected && mit.RejectionReason == nil {
		mit.RejectionReason = &reason
	}

	if err := m.repo.UpdateMitigation(ctx, mit); err != nil {
		return fmt.Errorf("persisting transition %s -> %s: %w", from, to, err)
	}

	m.auditor.RecordMitigation(actor, actorID, "mitigation_"+string(to), mit.MitigationID,
		map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
			"scope":  mit.ScopeHash,
		})

	m.log.Info("mitigation transitioned",
		zap.String("mitigation_id", mit.MitigationID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	return nil
}

// AnnounceAndActivate pushes a pending mitigation to the speaker. On
// success the mitigation becomes active (or escalated when it has a
// predecessor). A failed attempt leaves it pending for the reconciler;
// once the retry budget is exhausted it is rejected.
func (m *Manager) AnnounceAndActivate(ctx context.Context, mit *domain.Mitigation) error {
	if mit.Status != domain.StatusPending {
		return fmt.Errorf("mitigation %s is %s, not pending", mit.MitigationID, mit.Status)
	}

	op := func() error { return m.speaker.Announce(ctx, mit) }
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		m.metrics.Announces.WithLabelValues("error").Inc()
		attempts := m.bumpAttempts(mit.MitigationID)
		m.log.Warn("announce failed",
			zap.String("mitigation_id", mit.MitigationID.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		if attempts >= config.AnnounceMaxRetries {
			reason := fmt.Sprintf("announce failed after %d attempts: %v", attempts, err)
			if terr := m.Transition(ctx, mit, domain.StatusRejected, domain.ActorSystem, nil, reason); terr != nil {
				return terr
			}
			return fmt.Errorf("announcing mitigation %s: %w", mit.MitigationID, err)
		}
		return fmt.Errorf("announcing mitigation %s: %w", mit.MitigationID, err)
	}

	m.metrics.Announces.WithLabelValues("ok").Inc()
	m.clearAttempts(mit.MitigationID)

	to := domain.StatusActive
	if mit.EscalatedFromID != nil {
		to = domain.StatusEscalated
	}
	return m.Transition(ctx, mit, to, domain.ActorSystem, nil, "announce_ok")
}

// Refresh extends a mitigation's expiry and records the correlated
// event, without re-announcing.
func (m *Manager) Refresh(ctx context.Context, mit *domain.Mitigation,
	newExpiry time.Time, eventID uuid.UUID) error {

	if !mit.Status.IsOpen() {
		return fmt.Errorf("cannot refresh %s mitigation %s", mit.Status, mit.MitigationID)
	}

	if newExpiry.After(mit.ExpiresAt) {
		mit.ExpiresAt = newExpiry
	}
	mit.LastEventID = eventID
	mit.UpdatedAt = time.Now().UTC()

	if err := m.repo.UpdateMitigation(ctx, mit); err != nil {
		return fmt.Errorf("persisting refresh: %w", err)
	}

	m.auditor.RecordMitigation(domain.ActorSystem, nil, "mitigation_refreshed", mit.MitigationID,
		map[string]any{
			"expires_at": mit.ExpiresAt.Format(time.RFC3339),
			"event_id":   eventID.String(),
		})
	return nil
}

// CommitEscalation persists the successor and moves the predecessor to
// withdrawing in one durable commit, then audits both sides.
func (m *Manager) CommitEscalation(ctx context.Context, old, stronger *domain.Mitigation) error {
	if !domain.CanTransition(old.Status, domain.StatusWithdrawing) {
		return fmt.Errorf("cannot escalate %s mitigation %s", old.Status, old.MitigationID)
	}
	if stronger.EscalatedFromID == nil || *stronger.EscalatedFromID != old.MitigationID {
		return fmt.Errorf("successor does not reference predecessor %s", old.MitigationID)
	}

	now := time.Now().UTC()
	old.Status = domain.StatusWithdrawing
	old.UpdatedAt = now

	if err := m.repo.CreateEscalation(ctx, old, stronger); err != nil {
		return fmt.Errorf("persisting escalation: %w", err)
	}

	m.auditor.RecordMitigation(domain.ActorSystem, nil, "mitigation_escalated", old.MitigationID,
		map[string]any{
			"successor": stronger.MitigationID.String(),
			"action":    string(stronger.ActionType),
			"scope":     old.ScopeHash,
		})
	m.auditor.RecordMitigation(domain.ActorSystem, nil, "mitigation_"+string(domain.StatusWithdrawing),
		old.MitigationID, map[string]any{
			"from":   string(domain.StatusActive),
			"to":     string(domain.StatusWithdrawing),
			"reason": "escalated",
		})

	m.log.Info("mitigation escalated",
		zap.String("from_id", old.MitigationID.String()),
		zap.String("to_id", stronger.MitigationID.String()),
		zap.String("action", string(stronger.ActionType)),
	)
	return nil
}

// AnnounceAttempts reports how many failed announce rounds a pending
// mitigation has accumulated.
func (m *Manager) AnnounceAttempts(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.announceAttempts[id]
}

func (m *Manager) bumpAttempts(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announceAttempts[id]++
	return m.announceAttempts[id]
}

func (m *Manager) clearAttempts(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.announceAttempts, id)
}
