package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bswinnerton/prefixd/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id          TEXT PRIMARY KEY,
	external_event_id TEXT NOT NULL,
	source            TEXT NOT NULL,
	event_timestamp   TEXT NOT NULL,
	ingested_at       TEXT NOT NULL,
	victim_ip         TEXT NOT NULL,
	vector            TEXT NOT NULL,
	protocol          INTEGER,
	bps               INTEGER,
	pps               INTEGER,
	top_dst_ports     TEXT NOT NULL,
	confidence        REAL,
	UNIQUE (source, external_event_id)
);

CREATE TABLE IF NOT EXISTS mitigations (
	mitigation_id       TEXT PRIMARY KEY,
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
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	expires_at          TEXT NOT NULL,
	withdrawn_at        TEXT,
	triggering_event_id TEXT NOT NULL,
	last_event_id       TEXT NOT NULL,
	escalated_from_id   TEXT,
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
	added_at   TEXT NOT NULL,
	reason     TEXT,
	expires_at TEXT
);

CREATE TABLE IF NOT EXISTS audit_log (
	audit_id       TEXT PRIMARY KEY,
	timestamp      TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	actor_type     TEXT NOT NULL,
	actor_id       TEXT,
	action         TEXT NOT NULL,
	target_type    TEXT,
	target_id      TEXT,
	details        TEXT NOT NULL
);
`

// openStatusSet matches idx_mitigations_open_scope and the "active"
// count queries.
const openStatusSet = `('pending', 'active', 'escalated', 'withdrawing')`

// SQLite is the modernc.org/sqlite-backed Repository.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite database at path
// and applies the schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", path, err)
	}

	// The driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent decision traffic.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func portsToCSV(ports []uint16) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ",")
}

func csvToPorts(s string) []uint16 {
	if s == "" {
		return nil
	}
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		var p uint16
		if _, err := fmt.Sscanf(part, "%d", &p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Events

func (s *SQLite) InsertEvent(ctx context.Context, ev *domain.AttackEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, external_event_id, source, event_timestamp,
			ingested_at, victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID.String(), ev.ExternalEventID, ev.Source,
		fmtTime(ev.EventTimestamp), fmtTime(ev.IngestedAt),
		ev.VictimIP, string(ev.Vector),
		nullableU8(ev.Protocol), nullableU64(ev.BPS), nullableU64(ev.PPS),
		portsToCSV(ev.TopDstPorts), nullableF64(ev.Confidence),
	)
	return sqliteErr(err)
}

func (s *SQLite) FindEventByExternalID(ctx context.Context, source, externalID string) (*domain.AttackEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, external_event_id, source, event_timestamp, ingested_at,
			victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence
		FROM events WHERE source = ? AND external_event_id = ?`,
		source, externalID)
	return scanEvent(row)
}

func (s *SQLite) ListEvents(ctx context.Context, limit, offset int) ([]domain.AttackEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, external_event_id, source, event_timestamp, ingested_at,
			victim_ip, vector, protocol, bps, pps, top_dst_ports, confidence
		FROM events ORDER BY ingested_at DESC, event_id LIMIT ? OFFSET ?`,
		limitOrDefault(limit), offset)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var out []domain.AttackEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, sqliteErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.AttackEvent, error) {
	var (
		ev                 domain.AttackEvent
		id, eventTS, ingTS string
		vector, ports      string
		protocol           sql.NullInt64
		bps, pps           sql.NullInt64
		confidence         sql.NullFloat64
	)
	err := row.Scan(&id, &ev.ExternalEventID, &ev.Source, &eventTS, &ingTS,
		&ev.VictimIP, &vector, &protocol, &bps, &pps, &ports, &confidence)
	if err != nil {
		return nil, sqliteErr(err)
	}

	if ev.EventID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing event_id: %w", err)
	}
	if ev.EventTimestamp, err = parseTime(eventTS); err != nil {
		return nil, fmt.Errorf("parsing event_timestamp: %w", err)
	}
	if ev.IngestedAt, err = parseTime(ingTS); err != nil {
		return nil, fmt.Errorf("parsing ingested_at: %w", err)
	}
	ev.Vector = domain.AttackVector(vector)
	ev.TopDstPorts = csvToPorts(ports)
	if protocol.Valid {
		p := uint8(protocol.Int64)
		ev.Protocol = &p
	}
	if bps.Valid {
		v := uint64(bps.Int64)
		ev.BPS = &v
	}
	if pps.Valid {
		v := uint64(pps.Int64)
		ev.PPS = &v
	}
	if confidence.Valid {
		ev.Confidence = &confidence.Float64
	}
	return &ev, nil
}

// Audit

func (s *SQLite) InsertAudit(ctx context.Context, entry *domain.AuditEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, timestamp, schema_version, actor_type,
			actor_id, action, target_type, target_id, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AuditID.String(), fmtTime(entry.Timestamp), entry.SchemaVersion,
		string(entry.ActorType), nullableStr(entry.ActorID), entry.Action,
		nullableStr(entry.TargetType), nullableStr(entry.TargetID), details,
	)
	return sqliteErr(err)
}

func (s *SQLite) ListAudit(ctx context.Context, limit, offset int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, timestamp, schema_version, actor_type, actor_id,
			action, target_type, target_id, details
		FROM audit_log ORDER BY timestamp DESC, audit_id LIMIT ? OFFSET ?`,
		limitOrDefault(limit), offset)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e                          domain.AuditEntry
			id, ts, actorType, details string
			actorID, targetType        sql.NullString
			targetID                   sql.NullString
		)
		if err := rows.Scan(&id, &ts, &e.SchemaVersion, &actorType, &actorID,
			&e.Action, &targetType, &targetID, &details); err != nil {
			return nil, sqliteErr(err)
		}
		if e.AuditID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing audit_id: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		e.ActorType = domain.ActorType(actorType)
		e.ActorID = strPtr(actorID)
		e.TargetType = strPtr(targetType)
		e.TargetID = strPtr(targetID)
		e.Details = unmarshalDetails(details)
		out = append(out, e)
	}
	return out, sqliteErr(rows.Err())
}

// Mitigations

const mitigationCols = `mitigation_id, scope_hash, pop, customer_id, service_id,
	victim_ip, vector, match_criteria, action_type, action_params, status,
	created_at, updated_at, expires_at, withdrawn_at,
	triggering_event_id, last_event_id, escalated_from_id, reason, rejection_reason`

func (s *SQLite) InsertMitigation(ctx context.Context, m *domain.Mitigation) error {
	return s.execInsertMitigation(ctx, s.db, m)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) execInsertMitigation(ctx context.Context, db execer, m *domain.Mitigation) error {
	criteria, err := marshalCriteria(m.MatchCriteria)
	if err != nil {
		return err
	}
	params, err := marshalParams(m.ActionParams)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO mitigations (`+mitigationCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MitigationID.String(), m.ScopeHash, m.Pop,
		nullableStr(m.CustomerID), nullableStr(m.ServiceID),
		m.VictimIP, string(m.Vector), criteria, string(m.ActionType), params,
		string(m.Status), fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
		fmtTime(m.ExpiresAt), fmtTimePtr(m.WithdrawnAt),
		m.TriggeringEventID.String(), m.LastEventID.String(),
		nullableUUID(m.EscalatedFromID), m.Reason, nullableStr(m.RejectionReason),
	)
	return sqliteErr(err)
}

func (s *SQLite) UpdateMitigation(ctx context.Context, m *domain.Mitigation) error {
	return s.execUpdateMitigation(ctx, s.db, m)
}

func (s *SQLite) execUpdateMitigation(ctx context.Context, db execer, m *domain.Mitigation) error {
	criteria, err := marshalCriteria(m.MatchCriteria)
	if err != nil {
		return err
	}
	params, err := marshalParams(m.ActionParams)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE mitigations SET
			scope_hash = ?, pop = ?, customer_id = ?, service_id = ?,
			victim_ip = ?, vector = ?, match_criteria = ?, action_type = ?,
			action_params = ?, status = ?, created_at = ?, updated_at = ?,
			expires_at = ?, withdrawn_at = ?, triggering_event_id = ?,
			last_event_id = ?, escalated_from_id = ?, reason = ?, rejection_reason = ?
		WHERE mitigation_id = ?`,
		m.ScopeHash, m.Pop, nullableStr(m.CustomerID), nullableStr(m.ServiceID),
		m.VictimIP, string(m.Vector), criteria, string(m.ActionType), params,
		string(m.Status), fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
		fmtTime(m.ExpiresAt), fmtTimePtr(m.WithdrawnAt),
		m.TriggeringEventID.String(), m.LastEventID.String(),
		nullableUUID(m.EscalatedFromID), m.Reason, nullableStr(m.RejectionReason),
		m.MitigationID.String(),
	)
	if err != nil {
		return sqliteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) GetMitigation(ctx context.Context, id uuid.UUID) (*domain.Mitigation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mitigationCols+` FROM mitigations WHERE mitigation_id = ?`,
		id.String())
	return scanMitigation(row)
}

func (s *SQLite) FindActiveByScope(ctx context.Context, scopeHash, pop string) (*domain.Mitigation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE scope_hash = ? AND pop = ? AND status IN `+openStatusSet,
		scopeHash, pop)
	return scanMitigation(row)
}

func (s *SQLite) FindActiveByVictim(ctx context.Context, victimIP string) ([]domain.Mitigation, error) {
	return s.queryMitigations(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE victim_ip = ? AND status IN `+openStatusSet+`
		ORDER BY created_at DESC, mitigation_id`, victimIP)
}

func (s *SQLite) ListMitigations(ctx context.Context, f ListFilter) ([]domain.Mitigation, error) {
	var (
		where []string
		args  []any
	)
	if !f.AllPops && f.Pop != "" {
		where = append(where, "pop = ?")
		args = append(args, f.Pop)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}

	q := `SELECT ` + mitigationCols + ` FROM mitigations`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, mitigation_id LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit), f.Offset)

	return s.queryMitigations(ctx, q, args...)
}

func (s *SQLite) CountActiveByCustomer(ctx context.Context, customerID string) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE customer_id = ? AND status IN `+openStatusSet,
		customerID)
}

func (s *SQLite) CountActiveByPop(ctx context.Context, pop string) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE pop = ? AND status IN `+openStatusSet, pop)
}

func (s *SQLite) CountActiveGlobal(ctx context.Context) (int, error) {
	return s.countQuery(ctx,
		`SELECT COUNT(*) FROM mitigations WHERE status IN `+openStatusSet)
}

func (s *SQLite) FindExpiredMitigations(ctx context.Context, now time.Time) ([]domain.Mitigation, error) {
	return s.queryMitigations(ctx,
		`SELECT `+mitigationCols+` FROM mitigations
		WHERE status IN `+openStatusSet+` AND expires_at <= ?
		ORDER BY created_at DESC, mitigation_id`, fmtTime(now))
}

func (s *SQLite) CreateEscalation(ctx context.Context, old, new_ *domain.Mitigation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err)
	}
	defer tx.Rollback()

	if err := s.execUpdateMitigation(ctx, tx, old); err != nil {
		return err
	}
	if err := s.execInsertMitigation(ctx, tx, new_); err != nil {
		return err
	}
	return sqliteErr(tx.Commit())
}

// Safelist

func (s *SQLite) InsertSafelist(ctx context.Context, entry *domain.SafelistEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO safelist (prefix, added_by, added_at, reason, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Prefix, entry.AddedBy, fmtTime(entry.AddedAt),
		nullableStr(entry.Reason), fmtTimePtr(entry.ExpiresAt))
	return sqliteErr(err)
}

func (s *SQLite) RemoveSafelist(ctx context.Context, prefix string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM safelist WHERE prefix = ?`, prefix)
	if err != nil {
		return false, sqliteErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) ListSafelist(ctx context.Context) ([]domain.SafelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, added_by, added_at, reason, expires_at
		FROM safelist ORDER BY prefix`)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var out []domain.SafelistEntry
	for rows.Next() {
		var (
			e                 domain.SafelistEntry
			added             string
			reason, expiresAt sql.NullString
		)
		if err := rows.Scan(&e.Prefix, &e.AddedBy, &added, &reason, &expiresAt); err != nil {
			return nil, sqliteErr(err)
		}
		if e.AddedAt, err = parseTime(added); err != nil {
			return nil, fmt.Errorf("parsing added_at: %w", err)
		}
		e.Reason = strPtr(reason)
		if expiresAt.Valid {
			t, err := parseTime(expiresAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing expires_at: %w", err)
			}
			e.ExpiresAt = &t
		}
		out = append(out, e)
	}
	return out, sqliteErr(rows.Err())
}

// Multi-POP

func (s *SQLite) ListPops(ctx context.Context) ([]PopInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pop,
			SUM(CASE WHEN status IN `+openStatusSet+` THEN 1 ELSE 0 END),
			COUNT(*)
		FROM mitigations GROUP BY pop ORDER BY pop`)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var out []PopInfo
	for rows.Next() {
		var info PopInfo
		if err := rows.Scan(&info.Pop, &info.ActiveMitigations, &info.TotalMitigations); err != nil {
			return nil, sqliteErr(err)
		}
		out = append(out, info)
	}
	return out, sqliteErr(rows.Err())
}

func (s *SQLite) GetStats(ctx context.Context) (*GlobalStats, error) {
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

func (s *SQLite) queryMitigations(ctx context.Context, q string, args ...any) ([]domain.Mitigation, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	var out []domain.Mitigation
	for rows.Next() {
		m, err := scanMitigation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, sqliteErr(rows.Err())
}

func (s *SQLite) countQuery(ctx context.Context, q string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, sqliteErr(err)
	}
	return n, nil
}

func scanMitigation(row rowScanner) (*domain.Mitigation, error) {
	var (
		m                                        domain.Mitigation
		id, vector, criteria, action, params     string
		status, created, updated, expires        string
		trigID, lastID                           string
		customerID, serviceID, withdrawn         sql.NullString
		escalatedFrom, rejectionReason           sql.NullString
	)
	err := row.Scan(&id, &m.ScopeHash, &m.Pop, &customerID, &serviceID,
		&m.VictimIP, &vector, &criteria, &action, &params, &status,
		&created, &updated, &expires, &withdrawn,
		&trigID, &lastID, &escalatedFrom, &m.Reason, &rejectionReason)
	if err != nil {
		return nil, sqliteErr(err)
	}

	if m.MitigationID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing mitigation_id: %w", err)
	}
	m.CustomerID = strPtr(customerID)
	m.ServiceID = strPtr(serviceID)
	m.Vector = domain.AttackVector(vector)
	if m.MatchCriteria, err = unmarshalCriteria(criteria); err != nil {
		return nil, err
	}
	m.ActionType = domain.ActionType(action)
	if m.ActionParams, err = unmarshalParams(params); err != nil {
		return nil, err
	}
	m.Status = domain.MitigationStatus(status)
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if m.ExpiresAt, err = parseTime(expires); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if withdrawn.Valid {
		t, err := parseTime(withdrawn.String)
		if err != nil {
			return nil, fmt.Errorf("parsing withdrawn_at: %w", err)
		}
		m.WithdrawnAt = &t
	}
	if m.TriggeringEventID, err = uuid.Parse(trigID); err != nil {
		return nil, fmt.Errorf("parsing triggering_event_id: %w", err)
	}
	if m.LastEventID, err = uuid.Parse(lastID); err != nil {
		return nil, fmt.Errorf("parsing last_event_id: %w", err)
	}
	if escalatedFrom.Valid {
		u, err := uuid.Parse(escalatedFrom.String)
		if err != nil {
			return nil, fmt.Errorf("parsing escalated_from_id: %w", err)
		}
		m.EscalatedFromID = &u
	}
	m.RejectionReason = strPtr(rejectionReason)
	return &m, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableUUID(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return u.String()
}

func nullableU8(v *uint8) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableU64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableF64(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
