// Package reconciler runs the periodic convergence loop: it expires
// mitigations, retries stuck announces, and keeps the speaker's
// advertised set equal to what the store says should be advertised.
// Withdraws run before announces so peer table slots free up first.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/bgp"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/lifecycle"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

// forceWithdrawGrace is how long a mitigation may sit in withdrawing
// with failing withdraws before it is forced to withdrawn and an alarm
// is raised on the audit log.
const forceWithdrawGrace = 10 * time.Minute

// Reconciler is the background convergence loop.
type Reconciler struct {
	log       *zap.Logger
	cfg       *config.Config
	repo      store.Repository
	speaker   bgp.Speaker
	lifecycle *lifecycle.Manager
	quiet     *lifecycle.QuietPeriods
	metrics   *telemetry.Metrics

	// single-flight guard: a slow tick must not overlap the next one.
	running sync.Mutex

	done chan struct{}
}

// New builds a reconciler.
func New(log *zap.Logger, cfg *config.Config, repo store.Repository,
	speaker bgp.Speaker, lc *lifecycle.Manager, quiet *lifecycle.QuietPeriods,
	metrics *telemetry.Metrics) *Reconciler {

	return &Reconciler{
		log:       log,
		cfg:       cfg,
		repo:      repo,
		speaker:   speaker,
		lifecycle: lc,
		quiet:     quiet,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Run ticks until the context is cancelled, finishing the in-flight
// tick before exiting. BGP withdraws are not issued for shutdown;
// state is recovered from the store on restart.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.Timers.ReconciliationInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(r.done)

	r.log.Info("reconciler started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Done is closed when Run has exited.
func (r *Reconciler) Done() <-chan struct{} { return r.done }

// Tick runs one reconciliation pass. Concurrent calls coalesce: a
// second caller returns immediately while a pass is in flight.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.running.TryLock() {
		return
	}
	defer r.running.Unlock()

	start := time.Now()
	now := start.UTC()

	r.expire(ctx, now)
	r.converge(ctx, now)

	r.metrics.ReconcilerTicks.Inc()
	r.metrics.ReconcilerSeconds.Observe(time.Since(start).Seconds())
}

// expire moves mitigations past their expiry out of service: engaged
// rules begin withdrawing, and pending rules that never announced are
// rejected.
func (r *Reconciler) expire(ctx context.Context, now time.Time) {
	expired, err := r.repo.FindExpiredMitigations(ctx, now)
	if err != nil {
		r.log.Error("finding expired mitigations", zap.Error(err))
		return
	}

	for i := range expired {
		m := expired[i]
		if m.Pop != r.cfg.Pop {
			continue // another POP's row in a shared database
		}
		switch m.Status {
		case domain.StatusActive, domain.StatusEscalated:
			if err := r.lifecycle.Transition(ctx, &m, domain.StatusWithdrawing,
				domain.ActorSystem, nil, "expired"); err != nil {
				r.log.Error("expiring mitigation",
					zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))
			}
		case domain.StatusPending:
			// The announce window closed before the rule ever went out.
			if err := r.lifecycle.Transition(ctx, &m, domain.StatusRejected,
				domain.ActorSystem, nil, "expired_before_announce"); err != nil {
				r.log.Error("rejecting expired pending mitigation",
					zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))
			}
		}
	}
}

// converge diffs the expected rule set against the advertised set and
// issues withdraws, then announces.
func (r *Reconciler) converge(ctx context.Context, now time.Time) {
	open, err := r.repo.ListMitigations(ctx, store.ListFilter{
		Pop:      r.cfg.Pop,
		Statuses: domain.OpenStatuses,
		Limit:    10000,
	})
	if err != nil {
		r.log.Error("listing open mitigations", zap.Error(err))
		return
	}

	advertised, err := r.speaker.ListAdvertised(ctx)
	if err != nil {
		r.log.Error("listing advertised rules", zap.Error(err))
		return
	}
	advertisedSet := make(map[string]bool, len(advertised))
	for _, scope := range advertised {
		advertisedSet[scope] = true
	}

	expected := make(map[string]bool)
	var withdrawing, pending, engaged []domain.Mitigation
	for _, m := range open {
		switch m.Status {
		case domain.StatusWithdrawing:
			withdrawing = append(withdrawing, m)
		case domain.StatusPending:
			pending = append(pending, m)
			expected[m.ScopeHash] = true
		case domain.StatusActive, domain.StatusEscalated:
			engaged = append(engaged, m)
			expected[m.ScopeHash] = true
		}
	}
	r.metrics.ActiveMitigations.Set(float64(len(open)))

	// Withdraws first.
	for i := range withdrawing {
		r.withdrawOne(ctx, &withdrawing[i], advertisedSet, now)
	}

	// Stray advertisements not backed by any open mitigation.
	for scope := range advertisedSet {
		if !expected[scope] {
			stray := domain.Mitigation{ScopeHash: scope}
			if err := r.speaker.Withdraw(ctx, &stray); err != nil {
				r.metrics.Withdraws.WithLabelValues("error").Inc()
				r.log.Warn("withdrawing stray advertisement",
					zap.String("scope", scope), zap.Error(err))
			} else {
				r.metrics.Withdraws.WithLabelValues("ok").Inc()
				delete(advertisedSet, scope)
			}
		}
	}

	// Pending rules announce once their quiet period (if any) lapses.
	for i := range pending {
		m := pending[i]
		if r.quiet.Active(m.ScopeHash, now) {
			r.metrics.QuietPeriodHolds.Inc()
			continue
		}
		if err := r.lifecycle.AnnounceAndActivate(ctx, &m); err != nil {
			r.log.Warn("pending announce retry failed",
				zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))
		}
	}

	// Engaged rules missing from the speaker are re-announced.
	for i := range engaged {
		m := engaged[i]
		if advertisedSet[m.ScopeHash] {
			continue
		}
		if err := r.speaker.Announce(ctx, &m); err != nil {
			r.metrics.Announces.WithLabelValues("error").Inc()
			r.log.Warn("re-announcing engaged mitigation",
				zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))
		} else {
			r.metrics.Announces.WithLabelValues("ok").Inc()
		}
	}
}

// withdrawOne finishes one withdrawing mitigation: withdraw from the
// speaker, mark withdrawn, and start the scope's quiet period. Repeated
// failures force the terminal state after a grace and raise an alarm.
func (r *Reconciler) withdrawOne(ctx context.Context, m *domain.Mitigation,
	advertisedSet map[string]bool, now time.Time) {

	if advertisedSet[m.ScopeHash] {
		if err := r.speaker.Withdraw(ctx, m); err != nil {
			r.metrics.Withdraws.WithLabelValues("error").Inc()
			r.log.Warn("withdraw failed",
				zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))

			// UpdatedAt marks when the row entered withdrawing; force
			// terminal once the grace is spent.
			if now.Sub(m.UpdatedAt) > forceWithdrawGrace {
				if terr := r.lifecycle.Transition(ctx, m, domain.StatusWithdrawn,
					domain.ActorSystem, nil, "withdraw_forced_after_grace"); terr != nil {
					r.log.Error("forcing withdrawn", zap.Error(terr))
					return
				}
				r.quiet.MarkWithdrawn(m.ScopeHash, now)
				r.log.Error("withdraw forced after grace; speaker may still advertise the rule",
					zap.String("mitigation_id", m.MitigationID.String()),
					zap.String("scope", m.ScopeHash),
				)
			}
			return
		}
		r.metrics.Withdraws.WithLabelValues("ok").Inc()
		delete(advertisedSet, m.ScopeHash)
	}

	if err := r.lifecycle.Transition(ctx, m, domain.StatusWithdrawn,
		domain.ActorSystem, nil, "withdraw_ok"); err != nil {
		r.log.Error("marking withdrawn",
			zap.String("mitigation_id", m.MitigationID.String()), zap.Error(err))
		return
	}
	r.quiet.MarkWithdrawn(m.ScopeHash, now)
}
