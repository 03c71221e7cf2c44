package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bswinnerton/prefixd/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id          UUID PRIMARY KEY,
	external_event_id TEXT NOT NULL,
	source            TEXT NOT NULL,
	event_timestamp   TIMESTAMPTZ NOT NULL,
	ingested_at       TIMESTAMPTZ NOT NULL,
	victim_ip         TEXT NOT NULL,
	vector            TEXT NOT NULL,
	protocol          SMALLINT,
	bps               BIGINT,
	pps               BIGINT,
	top_dst_ports     TEXT NOT NULL,
	confidence        DOUBLE PRECISION,
	UNIQUE (source, external_event_id)
);

CREATE TABLE IF NOT EXISTS mitigations (
	mitigation_id       UUID PRIMARY KEY,
	scope_hash          TEXT NOT NULL,
	pop                 TEXT NOT NULL,
	customer_id         TEXT,
	service_id          TEXT,
	victim_ip           TEXT NOT NULL,
	vector              TEXT NOT NULL,
	match_criteria      TEXT NOT NULL,
	action_type         TEXT NOT NULL,
	action_params       TEXT NOT NULL,
	status              TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	withdrawn_at        TIMESTAMPTZ,
	triggering_event_id UUID NOT NULL,
	last_event_id       UUID NOT NULL,
	escalated_from_id   UUID,
	reason              TEXT NOT NULL,
	rejection_reason    TEXT
);

CREATE INDEX IF NOT EXISTS idx_mitigations_scope ON mitigations (scope_hash, pop);
CREATE INDEX IF NOT EXISTS idx_mitigations_status ON mitigations (status);
CREATE INDEX IF NOT EXISTS idx_mitigations_victim ON mitigations (victim_ip);
CREATE UNIQUE INDEX IF NOT EXISTS idx_mitigations_open_scope
	ON mitigations (scope_hash, pop)
	WHERE status IN ('pending', 'active', 'escalated', 'withdrawing');

CREATE TABLE IF NOT EXISTS safelist (
	prefix     TEXT PRIMARY KEY,
	added_by   TEXT NOT NULL,
	added_at   TIMESTAMPTZ NOT NULL,
	reason     TEXT,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	audit_id       UUID PRIMARY KEY,
	timestamp      TIMESTAMPTZ NOT NULL,
	schema_version INTEGER NOT NULL,
	actor_type     TEXT NOT NULL,
	actor_id       TEXT,
	action         TEXT NOT NULL,
	target_type    TEXT,
	target_id      TEXT,
	details        TEXT NOT NULL
);
`

// Postgres is the pgx-backed Repository. Several POPs may share one
// database; every row carries its POP id and cross-POP reads are
// explicitly scoped.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to the given DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Events

func (s *Postgres) InsertEvent(ctx context.Context, ev *domain.AttackEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (event_id, external_event_id, source, event_timestamp,
			ingested_at, victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.EventID, ev.ExternalEventID, ev.Source,
		ev.EventTimestamp.UTC(), ev.IngestedAt.UTC(),
		ev.VictimIP, string(ev.Vector),
		protoInt(ev.Protocol), u64Int(ev.BPS), u64Int(ev.PPS),
		portsToCSV(ev.TopDstPorts), ev.Confidence,
	)
	return pgErr(err)
}

func (s *Postgres) FindEventByExternalID(ctx context.Context, source, externalID string) (*domain.AttackEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, external_event_id, source, event_timestamp, ingested_at,
			victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence
		FROM events WHERE source = $1 AND external_event_id = $2`,
		source, externalID)
	return scanPgEvent(row)
}

func (s *Postgres) ListEvents(ctx context.Context, limit, offset int) ([]domain.AttackEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, external_event_id, source, event_timestamp, ingested_at,
			victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence
		FROM events ORDER BY ingested_at DESC, event_id LIMIT $1 OFFSET $2`,
		limitOrDefault(limit), offset)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []domain.AttackEvent
	for rows.Next() {
		ev, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, pgErr(rows.Err())
}

func scanPgEvent(row pgx.Row) (*domain.AttackEvent, error) {
	var (
		ev       domain.AttackEvent
		vector   string
		ports    string
		protocol *int16
		bps, pps *int64
	)
	err := row.Scan(&ev.EventID, &ev.ExternalEventID, &ev.Source,
		&ev.EventTimestamp, &ev.IngestedAt, &ev.VictimIP, &vector,
		&protocol, &bps, &pps, &ports, &ev.Confidence)
	if err != nil {
		return nil, pgErr(err)
	}
	ev.Vector = domain.AttackVector(vector)
	ev.TopDstPorts = csvToPorts(ports)
	if protocol != nil {
		p := uint8(*protocol)
		ev.Protocol = &p
	}
	if bps != nil {
		v := uint64(*bps)
		ev.BPS = &v
	}
	if pps != nil {
		v := uint64(*pps)
		ev.PPS = &v
	}
	return &ev, nil
}

// Audit

func (s *Postgres) InsertAudit(ctx context.Context, entry *domain.AuditEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (audit_id, timestamp, schema_version, actor_type,
			actor_id, action, target_type, target_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.AuditID, entry.Timestamp.UTC(), entry.SchemaVersion,
		string(entry.ActorType), entry.ActorID, entry.Action,
		entry.TargetType, entry.TargetID, details,
	)
	return pgErr(err)
}

func (s *Postgres) ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, timestamp, schema_version, actor_type, actor_id,
			action, target_type, target_id, details
		FROM audit_log ORDER BY timestamp DESC, audit_id LIMIT $1 OFFSET $2`,
		limitOrDefault(limit), offset)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			actorType string
			details   string
		)
		if err := rows.Scan(&e.AuditID, &e.Timestamp, &e.SchemaVersion,
			&actorType, &e.ActorID, &e.Action, &e.TargetType, &e.TargetID,
			&details); err != nil {
			return nil, pgErr(err)
		}
		e.ActorType = domain.ActorType(actorType)
		e.Details = unmarshalDetails(details)
		out = append(out, e)
	}
	return out, pgErr(rows.Err())
}

// Mitigations

func (s *Postgres) InsertMitigation(ctx context.Context, m *domain.Mitigation) error {
	return s.insertMitigation(ctx, s.pool, m)
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *Postgres) insertMitigation(ctx context.Context, db pgExecer, m *domain.Mitigation) error {
	criteria, err := marshalCriteria(m.MatchCriteria)
	if err != nil {
		return err
	}
	params, err := marshalParams(m.ActionParams)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO mitigations (`+mitigationCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		m.MitigationID, m.ScopeHash, m.Pop, m.CustomerID, m.ServiceID,
		m.VictimIP, string(m.Vector), criteria, string(m.ActionType), params,
		string(m.Status), m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
		m.ExpiresAt.UTC(), utcPtr(m.WithdrawnAt),
		m.TriggeringEventID, m.LastEventID, m.EscalatedFromID,
		m.Reason, m.RejectionReason,
	)
	return pgErr(err)
}

func (s *Postgres) UpdateMitigation(ctx context.Context, m *domain.Mitigation) error {
	return s.updateMitigation(ctx, s.pool, m)
}

func (s *Postgres) updateMitigation(ctx context.Context, db pgExecer, m *domain.Mitigation) error {
	criteria, err := marshalCriteria(m.MatchCriteria)
	if err != nil {
		return err
	}
	params, err := marshalParams(m.ActionParams)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
		UPDATE mitigations SET
			scope_hash = $1, pop = $2, customer_id = $3, service_id = $4,
			victim_ip = $5, vector = $6, match_criteria = $7, action_type = $8,
			action_params = $9, status = $10, created_at = $11, updated_at = $12,
			expires_at = $13, withdrawn_at = $14, triggering_event_id = $15,
			last_event_id = $16, escalated_from_id = $17, reason = $18,
			rejection_reason = $19
		WHERE mitigation_id = $20`,
		m.ScopeHash, m.Pop, m.CustomerID, m.ServiceID,
		m.VictimIP, string(m.Vector), criteria, string(m.ActionType), params,
		string(m.Status), m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
		m.ExpiresAt.UTC(), utcPtr(m.WithdrawnAt),
		m.TriggeringEventID, m.LastEventID, m.EscalatedFromID,
		m.Reason, m.RejectionReason, m.MitigationID,
	)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) GetMitigation(ctx context.Context, id uuid.UUID) (*domain.Mitigation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mitigationCols+` FROM mitigations WHERE mitigation_id = $1`, id)
	return scanPgMitigation(row)
}

func (s *Postgres) FindActiveByScope(ctx context.Context, scopeHash, pop string) (*domain.Mitigation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE scope_hash = $1 AND pop = $2 AND status IN `+openStatusSet,
		scopeHash, pop)
	return scanPgMitigation(row)
}

func (s *Postgres) FindActiveByVictim(ctx context.Context, victimIP string) ([]domain.Mitigation, error) {
	return s.queryMitigations(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE victim_ip = $1 AND status IN `+openStatusSet+`
		ORDER BY created_at DESC, mitigation_id`, victimIP)
}

func (s *Postgres) ListMitigations(ctx context.Context, f ListFilter) ([]domain.Mitigation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.AllPops && f.Pop != "" {
		where = append(where, "pop = "+arg(f.Pop))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = "+arg(f.CustomerID))
	}

	q := `SELECT ` + mitigationCols + ` FROM mitigations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, mitigation_id LIMIT " +
		arg(limitOrDefault(f.Limit)) + " OFFSET " + arg(f.Offset)

	return s.queryMitigations(ctx, q, args...)
}

func (s *Postgres) CountActiveByCustomer(ctx context.Context, customerID string) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE customer_id = $1 AND status IN `+openStatusSet,
		customerID)
}

func (s *Postgres) CountActiveByPop(ctx context.Context, pop string) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE pop = $1 AND status IN `+openStatusSet, pop)
}

func (s *Postgres) CountActiveGlobal(ctx context.Context) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE status IN `+openStatusSet)
}

func (s *Postgres) FindExpiredMitigations(ctx context.Context, now time.Time) ([]domain.Mitigation, error) {
	return s.queryMitigations(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE status IN `+openStatusSet+` AND expires_at <= $1
		ORDER BY created_at DESC, mitigation_id`, now.UTC())
}

func (s *Postgres) CreateEscalation(ctx context.Context, old, new_ *domain.Mitigation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr(err)
	}
	defer tx.Rollback(ctx)

	if err := s.updateMitigation(ctx, tx, old); err != nil {
		return err
	}
	if err := s.insertMitigation(ctx, tx, new_); err != nil {
		return err
	}
	return pgErr(tx.Commit(ctx))
}

// Safelist

func (s *Postgres) InsertSafelist(ctx context.Context, entry *domain.SafelistEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO safelist (prefix, added_by, added_at, reason, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Prefix, entry.AddedBy, entry.AddedAt.UTC(),
		entry.Reason, utcPtr(entry.ExpiresAt))
	return pgErr(err)
}

func (s *Postgres) RemoveSafelist(ctx context.Context, prefix string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM safelist WHERE prefix = $1`, prefix)
	if err != nil {
		return false, pgErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ListSafelist(ctx context.Context) ([]domain.SafelistEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT prefix, added_by, added_at, reason, expires_at
		FROM safelist ORDER BY prefix`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []domain.SafelistEntry
	for rows.Next() {
		var e domain.SafelistEntry
		if err := rows.Scan(&e.Prefix, &e.AddedBy, &e.AddedAt, &e.Reason, &e.ExpiresAt); err != nil {
			return nil, pgErr(err)
		}
		out = append(out, e)
	}
	return out, pgErr(rows.Err())
}

// Multi-POP

func (s *Postgres) ListPops(ctx context.Context) ([]PopInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pop,
			SUM(CASE WHEN status IN `+openStatusSet+` THEN 1 ELSE 0 END),
			COUNT(*)
		FROM mitigations GROUP BY pop ORDER BY pop`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []PopInfo
	for rows.Next() {
		var info PopInfo
		if err := rows.Scan(&info.Pop, &info.ActiveMitigations, &info.TotalMitigations); err != nil {
			return nil, pgErr(err)
		}
		out = append(out, info)
	}
	return out, pgErr(rows.Err())
}

func (s *Postgres) GetStats(ctx context.Context) (*GlobalStats, error) {
	pops, err := s.ListPops(ctx)
	if err != nil {
		return nil, err
	}
	events, err := s.countQuery(ctx, `SELECT COUNT(*) FROM events`)
	if err != nil {
		return nil, err
	}

	stats := &GlobalStats{TotalEvents: events}
	for _, p := range pops {
		stats.TotalActive += p.ActiveMitigations
		stats.TotalMitigations += p.TotalMitigations
		stats.Pops = append(stats.Pops, PopStats{
			Pop: p.Pop, Active: p.ActiveMitigations, Total: p.TotalMitigations,
		})
	}
	return stats, nil
}

// helpers

func (s *Postgres) queryMitigations(ctx context.Context, q string, args ...any) ([]domain.Mitigation, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []domain.Mitigation
	for rows.Next() {
		m, err := scanPgMitigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, pgErr(rows.Err())
}

func (s *Postgres) countQuery(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, pgErr(err)
	}
	return n, nil
}

func scanPgMitigation(row pgx.Row) (*domain.Mitigation, error) {
	var (
		m                                    domain.Mitigation
		vector, criteria, action, params     string
		status                               string
	)
	err := row.Scan(&m.MitigationID, &m.ScopeHash, &m.Pop, &m.CustomerID,
		&m.ServiceID, &m.VictimIP, &vector, &criteria, &action, &params,
		&status, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt, &m.WithdrawnAt,
		&m.TriggeringEventID, &m.LastEventID, &m.EscalatedFromID,
		&m.Reason, &m.RejectionReason)
	if err != nil {
		return nil, pgErr(err)
	}

	m.Vector = domain.AttackVector(vector)
	if m.MatchCriteria, err = unmarshalCriteria(criteria); err != nil {
		return nil, err
	}
	m.ActionType = domain.ActionType(action)
	if m.ActionParams, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	m.Status = domain.MitigationStatus(status)
	return &m, nil
}

func protoInt(v *uint8) *int16 {
	if v == nil {
		return nil
	}
	i := int16(*v)
	return &i
}

func u64Int(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
