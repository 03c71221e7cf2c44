// Package engine orchestrates all control plane components.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bswinnerton/prefixd/internal/api"
	"github.com/bswinnerton/prefixd/internal/audit"
	"github.com/bswinnerton/prefixd/internal/bgp"
	"github.com/bswinnerton/prefixd/internal/config"
	"github.com/bswinnerton/prefixd/internal/decision"
	"github.com/bswinnerton/prefixd/internal/escalation"
	"github.com/bswinnerton/prefixd/internal/guardrails"
	"github.com/bswinnerton/prefixd/internal/inventory"
	"github.com/bswinnerton/prefixd/internal/lifecycle"
	"github.com/bswinnerton/prefixd/internal/playbook"
	"github.com/bswinnerton/prefixd/internal/quota"
	"github.com/bswinnerton/prefixd/internal/reconciler"
	"github.com/bswinnerton/prefixd/internal/safelist"
	"github.com/bswinnerton/prefixd/internal/store"
	"github.com/bswinnerton/prefixd/internal/telemetry"
)

// Engine is the main control plane orchestrator.
type Engine struct {
	log *zap.Logger
	cfg *config.Config

	repo       store.Repository
	speaker    bgp.Speaker
	auditor    *audit.Writer
	reconciler *reconciler.Reconciler
	apiServer  *api.Server

	cancel context.CancelFunc
}

// New creates a new Engine with the given configuration.
func New(log *zap.Logger, cfg *config.Config) *Engine {
	return &Engine{log: log, cfg: cfg}
}

// Start initializes and starts all components.
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.log.Info("starting mitigation control plane",
		zap.String("pop", e.cfg.Pop),
		zap.String("mode", e.cfg.Mode),
	)

	// Storage first: everything else hangs off the repository.
	repo, err := openRepository(ctx, e.cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	e.repo = repo

	inv, err := inventory.LoadFromFile(e.cfg.InventoryPath)
	if err != nil {
		return fmt.Errorf("loading inventory: %w", err)
	}

	selector, err := playbook.LoadFromFile(e.cfg.PlaybooksPath, e.cfg.Escalation.PermissiveTTLFactor)
	if err != nil {
		return fmt.Errorf("loading playbooks: %w", err)
	}

	sl, err := safelist.NewChecker(e.log, repo, e.cfg.Safelist.Prefixes)
	if err != nil {
		return fmt.Errorf("building safelist: %w", err)
	}
	if err := sl.Refresh(ctx); err != nil {
		return fmt.Errorf("refreshing safelist: %w", err)
	}

	speaker, err := e.buildSpeaker(ctx)
	if err != nil {
		return err
	}
	e.speaker = speaker

	metrics := telemetry.New()

	e.auditor = audit.NewWriter(e.log, repo)
	e.auditor.Start(ctx)

	lc := lifecycle.NewManager(e.log, repo, speaker, e.auditor, metrics)
	quiet := lifecycle.NewQuietPeriods(e.cfg.Timers.QuietPeriod())
	gate := quota.NewGate(e.cfg.Quotas, repo, e.cfg.Pop, func(ctx context.Context) (int, error) {
		advertised, err := speaker.ListAdvertised(ctx)
		if err != nil {
			return 0, err
		}
		return len(advertised), nil
	})

	eng := decision.NewEngine(e.log, e.cfg, repo, sl, inv,
		guardrails.New(e.cfg.Guardrails), gate, selector, lc,
		escalation.New(e.cfg.Escalation), quiet, e.auditor, metrics)

	e.reconciler = reconciler.New(e.log, e.cfg, repo, speaker, lc, quiet, metrics)
	go e.reconciler.Run(ctx)

	e.apiServer = api.NewServer(e.log, e.cfg, eng, repo, sl, lc, speaker, metrics)
	e.apiServer.Start()

	e.log.Info("control plane started",
		zap.String("http", e.cfg.HTTP.Listen),
		zap.String("bgp_mode", e.cfg.BGP.Mode),
		zap.String("storage", e.cfg.Storage.Driver),
	)
	return nil
}

// Stop gracefully shuts down: inbound acceptance stops, in-flight
// decisions drain within the grace window, the reconciler finishes its
// tick, and the audit buffer flushes. Advertised rules are left in
// place; they are recovered from the store on restart.
func (e *Engine) Stop() {
	e.log.Info("stopping control plane")

	grace := time.Duration(e.cfg.Shutdown.GraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if e.apiServer != nil {
		if err := e.apiServer.Stop(shutdownCtx); err != nil {
			e.log.Warn("http shutdown", zap.Error(err))
		}
	}

	if e.cancel != nil {
		e.cancel()
	}

	if e.reconciler != nil {
		select {
		case <-e.reconciler.Done():
		case <-shutdownCtx.Done():
			e.log.Warn("reconciler did not finish within grace")
		}
	}

	if e.auditor != nil {
		e.auditor.Close()
	}
	if e.speaker != nil {
		if err := e.speaker.Close(); err != nil {
			e.log.Warn("closing speaker", zap.Error(err))
		}
	}
	if e.repo != nil {
		if err := e.repo.Close(); err != nil {
			e.log.Warn("closing repository", zap.Error(err))
		}
	}

	e.log.Info("control plane stopped")
}

// buildSpeaker selects the BGP port implementation. Dry-run mode
// substitutes the recording no-op regardless of the configured speaker.
func (e *Engine) buildSpeaker(ctx context.Context) (bgp.Speaker, error) {
	if e.cfg.Mode == config.ModeDryRun {
		return bgp.NewDryRun(e.log), nil
	}

	switch e.cfg.BGP.Mode {
	case config.BGPModeMock:
		return bgp.NewMock(e.log), nil
	case config.BGPModeGoBGP:
		speaker, err := bgp.DialGoBGP(ctx, e.log, e.cfg.BGP.GoBGPGRPC, e.cfg.BGP.LocalASN)
		if err != nil {
			return nil, fmt.Errorf("connecting BGP speaker: %w", err)
		}
		return speaker, nil
	default:
		return nil, fmt.Errorf("unknown bgp mode %q", e.cfg.BGP.Mode)
	}
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (store.Repository, error) {
	switch cfg.Driver {
	case config.StorageMemory:
		return store.NewMemory(), nil
	case config.StorageSQLite:
		return store.OpenSQLite(ctx, cfg.Path)
	case config.StoragePostgres:
		return store.OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
