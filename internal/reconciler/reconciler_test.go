package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/audit"
	"github.com/bswinnerton/prefixd/internal/bgp"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/domain"
	"github.com/bswinnerton/prefixd/internal/lifecycle"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

type fixture struct {
	rec     *Reconciler
	repo    *store.Memory
	speaker *bgp.Mock
	lc      *lifecycle.Manager
	quiet   *lifecycle.QuietPeriods
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Pop = "pop1"
	cfg.Timers.QuietPeriodAfterWithdrawSeconds = 120

	log := zap.NewNop()
	repo := store.NewMemory()
	speaker := bgp.NewMock(log)
	metrics := telemetry.New()
	auditor := audit.NewWriter(log, repo)
	auditor.Start(context.Background())
	t.Cleanup(auditor.Close)

	lc := lifecycle.NewManager(log, repo, speaker, auditor, metrics)
	quiet := lifecycle.NewQuietPeriods(cfg.Timers.QuietPeriod())
	rec := New(log, cfg, repo, speaker, lc, quiet, metrics)

	return &fixture{rec: rec, repo: repo, speaker: speaker, lc: lc, quiet: quiet}
}

func seedMitigation(t *testing.T, f *fixture, status domain.MitigationStatus, ttl time.Duration) *domain.Mitigation {
	t.Helper()
	now := time.Now().UTC()
	rate := uint64(5_000_000)
	m := &domain.Mitigation{
		MitigationID:      uuid.New(),
		ScopeHash:         uuid.NewString(),
		Pop:               "pop1",
		VictimIP:          "203.0.113.10",
		Vector:            domain.VectorUDPFlood,
		MatchCriteria:     domain.MatchCriteria{DstPrefix: "203.0.113.10/32", DstPorts: []uint16{53}},
		ActionType:        domain.ActionPolice,
		ActionParams:      domain.ActionParams{RateBPS: &rate},
		Status:            status,
		CreatedAt:         now.Add(-time.Minute),
		UpdatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		TriggeringEventID: uuid.New(),
		LastEventID:       uuid.New(),
		Reason:            "test",
	}
	if err := f.repo.InsertMitigation(context.Background(), m); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return m
}

func TestExpiryDrivesWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusActive, -time.Second) // already expired
	if err := f.speaker.Announce(ctx, m); err != nil {
		t.Fatal(err)
	}

	// First tick: expired -> withdrawing, then the convergence pass
	// withdraws and finalizes.
	f.rec.Tick(ctx)

	got, err := f.repo.GetMitigation(ctx, m.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusWithdrawn {
		t.Fatalf("status = %s, want withdrawn", got.Status)
	}
	if got.WithdrawnAt == nil {
		t.Error("withdrawn_at not set")
	}

	advertised, _ := f.speaker.ListAdvertised(ctx)
	if len(advertised) != 0 {
		t.Errorf("advertised = %v, want empty", advertised)
	}

	// The scope enters its quiet period.
	if !f.quiet.Active(m.ScopeHash, time.Now().UTC()) {
		t.Error("quiet period not started after withdraw")
	}
}

func TestExpiredPendingIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusPending, -time.Second)
	f.rec.Tick(ctx)

	got, err := f.repo.GetMitigation(ctx, m.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
}

func TestPendingAnnouncedOnTick(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusPending, time.Minute)
	f.rec.Tick(ctx)

	got, err := f.repo.GetMitigation(ctx, m.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	advertised, _ := f.speaker.ListAdvertised(ctx)
	if len(advertised) != 1 || advertised[0] != m.ScopeHash {
		t.Errorf("advertised = %v", advertised)
	}
}

func TestQuietPeriodBlocksPendingAnnounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusPending, time.Hour)
	f.quiet.MarkWithdrawn(m.ScopeHash, time.Now().UTC())

	f.rec.Tick(ctx)

	got, err := f.repo.GetMitigation(ctx, m.MitigationID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("status = %s, want still pending inside quiet period", got.Status)
	}
	advertised, _ := f.speaker.ListAdvertised(ctx)
	if len(advertised) != 0 {
		t.Error("quiet-period scope was announced")
	}
}

func TestMissingEngagedRuleReannounced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusActive, time.Minute)
	// Not advertised yet: the speaker restarted, say.

	f.rec.Tick(ctx)

	advertised, _ := f.speaker.ListAdvertised(ctx)
	if len(advertised) != 1 || advertised[0] != m.ScopeHash {
		t.Errorf("advertised = %v, want re-announced scope", advertised)
	}
}

func TestStrayAdvertisementWithdrawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stray := seedMitigation(t, f, domain.StatusActive, time.Minute)
	if err := f.speaker.Announce(ctx, stray); err != nil {
		t.Fatal(err)
	}
	// Terminalize the row behind the speaker's back.
	now := time.Now().UTC()
	stray.Status = domain.StatusWithdrawn
	stray.WithdrawnAt = &now
	if err := f.repo.UpdateMitigation(ctx, stray); err != nil {
		t.Fatal(err)
	}

	f.rec.Tick(ctx)

	advertised, _ := f.speaker.ListAdvertised(ctx)
	if len(advertised) != 0 {
		t.Errorf("advertised = %v, want stray withdrawn", advertised)
	}
}

func TestWithdrawRetriesThenForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := seedMitigation(t, f, domain.StatusWithdrawing, time.Minute)
	if err := f.speaker.Announce(ctx, m); err != nil {
		t.Fatal(err)
	}
	f.speaker.FailWithdraw(m.ScopeHash, 100)

	// Within grace: stays withdrawing.
	f.rec.Tick(ctx)
	got, _ := f.repo.GetMitigation(ctx, m.MitigationID)
	if got.Status != domain.StatusWithdrawing {
		t.Fatalf("status = %s, want withdrawing while retrying", got.Status)
	}

	// Past grace: forced terminal with the speaker still advertising.
	got.UpdatedAt = time.Now().UTC().Add(-forceWithdrawGrace - time.Minute)
	if err := f.repo.UpdateMitigation(ctx, got); err != nil {
		t.Fatal(err)
	}
	f.rec.Tick(ctx)

	got, _ = f.repo.GetMitigation(ctx, m.MitigationID)
	if got.Status != domain.StatusWithdrawn {
		t.Errorf("status = %s, want forced withdrawn", got.Status)
	}
}

func TestTickSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Hold the guard and verify a concurrent tick returns immediately.
	f.rec.running.Lock()
	done := make(chan struct{})
	go func() {
		f.rec.Tick(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Tick blocked instead of coalescing")
	}
	f.rec.running.Unlock()
}
