// Package store defines the repository port the control plane persists
// through, and its adapters: an in-memory store used by tests and
// single-node dry runs, a SQLite store, and a Postgres store for
// multi-POP shared visibility.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bswinnerton/prefixd/internal/domain"
)

var (
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness
	// constraint: a duplicate (source, external_event_id) event, a
	// duplicate safelist prefix, or a second open mitigation for a
	// (scope_hash, pop).
	ErrConflict = errors.New("conflict")
	// ErrTransient wraps backend failures the caller may retry.
	ErrTransient = errors.New("transient backend error")
)

// ListFilter narrows a mitigation listing. The zero value lists
// every mitigation in every POP. Results are ordered created_at DESC,
// then mitigation_id, so pagination is stable.
type ListFilter struct {
	Statuses   []domain.MitigationStatus
	CustomerID string
	Pop        string // empty applies no POP filter; ignored when AllPops is set
	AllPops    bool
	Limit      int
	Offset     int
}

// PopInfo summarizes one POP's mitigation load.
type PopInfo struct {
	Pop               string `json:"pop"`
	ActiveMitigations int    `json:"active_mitigations"`
	TotalMitigations  int    `json:"total_mitigations"`
}

// PopStats is the per-POP slice of GlobalStats.
type PopStats struct {
	Pop    string `json:"pop"`
	Active int    `json:"active"`
	Total  int    `json:"total"`
}

// GlobalStats aggregates mitigation and event counts across all POPs
// sharing the database.
type GlobalStats struct {
	TotalActive      int        `json:"total_active"`
	TotalMitigations int        `json:"total_mitigations"`
	TotalEvents      int        `json:"total_events"`
	Pops             []PopStats `json:"pops"`
}

// Repository is the durable store of events, mitigations, the
// safelist, and the audit log. Implementations must be safe for
// concurrent use.
type Repository interface {
	// Events. InsertEvent returns ErrConflict when an event with the
	// same (source, external_event_id) already exists.
	InsertEvent(ctx context.Context, ev *domain.AttackEvent) error
	FindEventByExternalID(ctx context.Context, source, externalID string) (*domain.AttackEvent, error)
	ListEvents(ctx context.Context, limit, offset int) ([]domain.AttackEvent, error)

	// Audit log, append-only.
	InsertAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error)

	// Mitigations. InsertMitigation returns ErrConflict when another
	// open mitigation exists for the same (scope_hash, pop).
	InsertMitigation(ctx context.Context, m *domain.Mitigation) error
	UpdateMitigation(ctx context.Context, m *domain.Mitigation) error
	GetMitigation(ctx context.Context, id uuid.UUID) (*domain.Mitigation, error)
	FindActiveByScope(ctx context.Context, scopeHash, pop string) (*domain.Mitigation, error)
	FindActiveByVictim(ctx context.Context, victimIP string) ([]domain.Mitigation, error)
	ListMitigations(ctx context.Context, f ListFilter) ([]domain.Mitigation, error)
	CountActiveByCustomer(ctx context.Context, customerID string) (int, error)
	CountActiveByPop(ctx context.Context, pop string) (int, error)
	CountActiveGlobal(ctx context.Context) (int, error)
	FindExpiredMitigations(ctx context.Context, now time.Time) ([]domain.Mitigation, error)

	// CreateEscalation persists the new (stronger) mitigation and moves
	// the predecessor to withdrawing in one durable commit.
	CreateEscalation(ctx context.Context, old, new_ *domain.Mitigation) error

	// Safelist.
	InsertSafelist(ctx context.Context, entry *domain.SafelistEntry) error
	RemoveSafelist(ctx context.Context, prefix string) (bool, error)
	ListSafelist(ctx context.Context) ([]domain.SafelistEntry, error)

	// Multi-POP visibility.
	ListPops(ctx context.Context) ([]PopInfo, error)
	GetStats(ctx context.Context) (*GlobalStats, error)

	Close() error
}
