package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reconciler/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is meant for
// single-process deployments and tests: one connection serializes every
// write, which also gives WithRecordLock its mutual exclusion.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Times are stored as unix nanoseconds so comparisons in SQL are exact.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS deliveries (
	id                   TEXT PRIMARY KEY,
	source               TEXT NOT NULL,
	external_delivery_id TEXT,
	event_type           TEXT NOT NULL,
	triggered_by         TEXT NOT NULL DEFAULT 'webhook',
	status               TEXT NOT NULL DEFAULT 'received',
	attempt_count        INTEGER NOT NULL DEFAULT 0,
	raw_headers          TEXT NOT NULL DEFAULT '{}',
	raw_body             BLOB,
	entity_type          TEXT NOT NULL DEFAULT '',
	external_id          TEXT NOT NULL DEFAULT '',
	received_at          INTEGER NOT NULL,
	claimed_at           INTEGER,
	next_attempt_at      INTEGER,
	processed_at         INTEGER,
	error                TEXT NOT NULL DEFAULT '',
	UNIQUE (source, external_delivery_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS canonical_records (
	id                   TEXT PRIMARY KEY,
	source               TEXT NOT NULL,
	entity_type          TEXT NOT NULL,
	external_id          TEXT NOT NULL,
	version_token        INTEGER NOT NULL,
	fields               TEXT NOT NULL DEFAULT '{}',
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	deleted_at           INTEGER,
	possible_deletion_at INTEGER,
	UNIQUE (source, entity_type, external_id)
);

CREATE INDEX IF NOT EXISTS idx_canonical_records_entity_type ON canonical_records(entity_type);

CREATE TABLE IF NOT EXISTS integration_events (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	id                  TEXT NOT NULL UNIQUE,
	source              TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_external_id  TEXT NOT NULL,
	canonical_record_id TEXT NOT NULL,
	action              TEXT NOT NULL,
	summary_payload     TEXT NOT NULL DEFAULT '{}',
	triggered_by        TEXT NOT NULL,
	latency_ms          INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_integration_events_created_at ON integration_events(created_at);

CREATE TABLE IF NOT EXISTS integration_events_archive (
	seq                 INTEGER PRIMARY KEY,
	id                  TEXT NOT NULL,
	source              TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_external_id  TEXT NOT NULL,
	canonical_record_id TEXT NOT NULL,
	action              TEXT NOT NULL,
	summary_payload     TEXT NOT NULL,
	triggered_by        TEXT NOT NULL,
	latency_ms          INTEGER NOT NULL,
	created_at          INTEGER NOT NULL,
	archived_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_watermarks (
	source           TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	cursor           TEXT NOT NULL DEFAULT '',
	last_poll_at     INTEGER,
	last_poll_status TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT NOT NULL DEFAULT '',
	lease_owner      TEXT,
	lease_until      INTEGER,
	next_poll_at     INTEGER NOT NULL,
	PRIMARY KEY (source, entity_type)
);

CREATE TABLE IF NOT EXISTS circuit_breaker_states (
	name                 TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	opened_at            INTEGER,
	next_probe_at        INTEGER,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	checked     INTEGER NOT NULL,
	matched     INTEGER NOT NULL,
	healed      INTEGER NOT NULL,
	flagged     INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	dry_run     INTEGER NOT NULL,
	complete    INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// --- Deliveries ---

func scanSQLiteDelivery(row scannable) (*model.Delivery, error) {
	var d model.Delivery
	var extID sql.NullString
	var headers string
	var received int64
	var claimed, next, processed sql.NullInt64
	err := row.Scan(&d.ID, &d.Source, &extID, &d.EventType, &d.TriggeredBy, &d.Status, &d.AttemptCount,
		&headers, &d.RawBody, &d.EntityType, &d.ExternalID, &received, &claimed, &next, &processed, &d.Error)
	if err != nil {
		return nil, err
	}
	if extID.Valid {
		d.ExternalDeliveryID = &extID.String
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &d.RawHeaders); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal raw headers")
		}
	}
	d.ReceivedAt = fromNanos(received)
	d.ClaimedAt = fromNullNanos(claimed)
	d.NextAttemptAt = fromNullNanos(next)
	d.ProcessedAt = fromNullNanos(processed)
	return &d, nil
}

func (s *SQLiteStore) InsertDelivery(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	headers, err := json.Marshal(d.RawHeaders)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal raw headers")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, external_delivery_id) DO NOTHING`,
		d.ID, d.Source, d.ExternalDeliveryID, d.EventType, d.TriggeredBy, d.Status, d.AttemptCount,
		string(headers), d.RawBody, d.EntityType, d.ExternalID, nanos(d.ReceivedAt),
		nullNanos(d.ClaimedAt), nullNanos(d.NextAttemptAt), nullNanos(d.ProcessedAt), d.Error,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert delivery")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return d, true, nil
	}

	existing, err := scanSQLiteDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE source = ? AND external_delivery_id = ?`,
		d.Source, d.ExternalDeliveryID,
	))
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: load duplicate delivery")
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := scanSQLiteDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "delivery %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get delivery %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) SwapDelivery(ctx context.Context, d *model.Delivery, expect model.DeliveryStatus, expectAttempts int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempt_count = ?, entity_type = ?, external_id = ?,
			claimed_at = ?, next_attempt_at = ?, processed_at = ?, error = ?
		WHERE id = ? AND status = ? AND attempt_count = ?`,
		d.Status, d.AttemptCount, d.EntityType, d.ExternalID, nullNanos(d.ClaimedAt),
		nullNanos(d.NextAttemptAt), nullNanos(d.ProcessedAt), d.Error, d.ID, expect, expectAttempts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: swap delivery %s", d.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	query += ` ORDER BY received_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	return s.queryDeliveries(ctx, "list deliveries", query, args...)
}

func (s *SQLiteStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	n := nanos(now)
	return s.queryDeliveries(ctx, "list due deliveries",
		`SELECT `+deliveryColumns+` FROM deliveries
		WHERE (status = 'received' AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
		   OR (status = 'failed' AND next_attempt_at <= ?)
		ORDER BY received_at
		LIMIT ?`,
		n, n, listLimit(limit),
	)
}

func (s *SQLiteStore) queryDeliveries(ctx context.Context, op, query string, args ...any) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: "+op)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Delivery
	for rows.Next() {
		d, err := scanSQLiteDelivery(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: "+op)
}

func (s *SQLiteStore) ReclaimStaleDeliveries(ctx context.Context, claimedBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE deliveries SET status = 'received', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < ?
		RETURNING id`,
		nanos(claimedBefore),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reclaim stale deliveries")
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reclaimed id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: reclaim stale deliveries")
}

func (s *SQLiteStore) CountDeliveries(ctx context.Context) (map[model.DeliveryStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count deliveries")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.DeliveryStatus]int)
	for rows.Next() {
		var status model.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delivery count")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count deliveries")
}

// --- Canonical records ---

func scanSQLiteRecord(row scannable) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var fields string
	var created, updated int64
	var deleted, possible sql.NullInt64
	if err := row.Scan(&r.ID, &r.Source, &r.EntityType, &r.ExternalID, &r.VersionToken, &fields,
		&created, &updated, &deleted, &possible); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal fields")
	}
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	r.DeletedAt = fromNullNanos(deleted)
	r.PossibleDeletionAt = fromNullNanos(possible)
	return &r, nil
}

type sqliteRecordTx struct {
	tx *sql.Tx
}

func (t *sqliteRecordTx) GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error) {
	r, err := scanSQLiteRecord(t.tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE source = ? AND entity_type = ? AND external_id = ?`,
		key.Source, key.EntityType, key.ExternalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}
	return r, nil
}

func (t *sqliteRecordTx) SaveRecord(ctx context.Context, rec *model.CanonicalRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fields")
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO canonical_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, entity_type, external_id) DO UPDATE SET
			version_token = excluded.version_token,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			possible_deletion_at = excluded.possible_deletion_at`,
		rec.ID, rec.Source, rec.EntityType, rec.ExternalID, rec.VersionToken, string(fields),
		nanos(rec.CreatedAt), nanos(rec.UpdatedAt), nullNanos(rec.DeletedAt), nullNanos(rec.PossibleDeletionAt),
	)
	return eris.Wrapf(err, "sqlite: save record %s", rec.Key())
}

func (t *sqliteRecordTx) InsertEvent(ctx context.Context, ev *model.IntegrationEvent) error {
	summary, err := json.Marshal(ev.SummaryPayload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO integration_events (id, source, event_type, entity_type, entity_external_id,
			canonical_record_id, action, summary_payload, triggered_by, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Source, ev.EventType, ev.EntityType, ev.EntityExternalID, ev.CanonicalRecordID,
		ev.Action, string(summary), ev.TriggeredBy, ev.LatencyMS, nanos(ev.CreatedAt),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert event %s", ev.ID)
	}
	ev.Seq, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: event seq")
}

func (s *SQLiteStore) WithRecordLock(ctx context.Context, key model.RecordKey, fn func(tx RecordTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteRecordTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record tx")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE source = ? AND entity_type = ? AND external_id = ?`,
		key.Source, key.EntityType, key.ExternalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, source model.Source, entityType string) ([]model.CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE source = ? AND entity_type = ? ORDER BY external_id`,
		source, entityType,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CanonicalRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records")
}

func (s *SQLiteStore) MarkPossibleDeletion(ctx context.Context, key model.RecordKey, at *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE canonical_records SET possible_deletion_at = ?
		WHERE source = ? AND entity_type = ? AND external_id = ?`,
		nullNanos(at), key.Source, key.EntityType, key.ExternalID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark possible deletion %s", key)
	}
	return checkRowsAffected(res, "record", key.String())
}

// --- Integration events ---

func (s *SQLiteStore) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]model.IntegrationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM integration_events WHERE seq > ? ORDER BY seq LIMIT ?`,
		afterSeq, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.IntegrationEvent
	for rows.Next() {
		var ev model.IntegrationEvent
		var summary string
		var created int64
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Source, &ev.EventType, &ev.EntityType, &ev.EntityExternalID,
			&ev.CanonicalRecordID, &ev.Action, &summary, &ev.TriggeredBy, &ev.LatencyMS, &created); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		if err := json.Unmarshal([]byte(summary), &ev.SummaryPayload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
		ev.CreatedAt = fromNanos(created)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events")
}

func (s *SQLiteStore) PruneEvents(ctx context.Context, before time.Time, archive bool) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin prune tx")
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := nanos(before)
	if archive {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO integration_events_archive (`+strings.Join(archiveColumns, ", ")+`, archived_at)
			SELECT `+strings.Join(archiveColumns, ", ")+`, ? FROM integration_events WHERE created_at < ?`,
			nanos(time.Now()), cutoff,
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: archive events")
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM integration_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune events")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit prune tx")
}

// --- Sync watermarks ---

const sqliteWatermarkColumns = `source, entity_type, cursor, last_poll_at, last_poll_status, last_error,
	COALESCE(lease_owner, ''), lease_until, next_poll_at`

func scanSQLiteWatermark(row scannable) (*model.SyncWatermark, error) {
	var w model.SyncWatermark
	var lastPoll, leaseUntil sql.NullInt64
	var next int64
	if err := row.Scan(&w.Source, &w.EntityType, &w.Cursor, &lastPoll, &w.LastPollStatus, &w.LastError,
		&w.LeaseOwner, &leaseUntil, &next); err != nil {
		return nil, err
	}
	w.LastPollAt = fromNullNanos(lastPoll)
	w.LeaseUntil = fromNullNanos(leaseUntil)
	w.NextPollAt = fromNanos(next)
	return &w, nil
}

func (s *SQLiteStore) EnsureWatermark(ctx context.Context, source model.Source, entityType string, nextPollAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_watermarks (source, entity_type, next_poll_at) VALUES (?, ?, ?)
		ON CONFLICT (source, entity_type) DO NOTHING`,
		source, entityType, nanos(nextPollAt),
	)
	return eris.Wrapf(err, "sqlite: ensure watermark %s/%s", source, entityType)
}

func (s *SQLiteStore) ClaimWatermark(ctx context.Context, source model.Source, entityType, owner string, now, leaseUntil time.Time) (*model.SyncWatermark, error) {
	n := nanos(now)
	w, err := scanSQLiteWatermark(s.db.QueryRowContext(ctx,
		`UPDATE sync_watermarks SET lease_owner = ?, lease_until = ?
		WHERE source = ? AND entity_type = ? AND next_poll_at <= ?
		  AND (lease_until IS NULL OR lease_until < ?)
		RETURNING `+sqliteWatermarkColumns,
		owner, nanos(leaseUntil), source, entityType, n, n,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim watermark %s/%s", source, entityType)
	}
	return w, nil
}

func (s *SQLiteStore) ReleaseWatermark(ctx context.Context, w *model.SyncWatermark, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_watermarks SET cursor = ?, last_poll_at = ?, last_poll_status = ?, last_error = ?,
			next_poll_at = ?, lease_owner = NULL, lease_until = NULL
		WHERE source = ? AND entity_type = ? AND lease_owner = ?`,
		w.Cursor, nullNanos(w.LastPollAt), w.LastPollStatus, w.LastError, nanos(w.NextPollAt),
		w.Source, w.EntityType, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release watermark %s/%s", w.Source, w.EntityType)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("sqlite: watermark lease lost: %s/%s", w.Source, w.EntityType)
	}
	return nil
}

func (s *SQLiteStore) TriggerWatermark(ctx context.Context, source model.Source, entityType string, at time.Time) error {
	n := nanos(at)
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_watermarks SET next_poll_at = ? WHERE source = ? AND entity_type = ? AND next_poll_at > ?`,
		n, source, entityType, n,
	)
	return eris.Wrapf(err, "sqlite: trigger watermark %s/%s", source, entityType)
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, source model.Source, entityType string) (*model.SyncWatermark, error) {
	w, err := scanSQLiteWatermark(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteWatermarkColumns+` FROM sync_watermarks WHERE source = ? AND entity_type = ?`,
		source, entityType,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "watermark %s/%s", source, entityType)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get watermark %s/%s", source, entityType)
	}
	return w, nil
}

func (s *SQLiteStore) ListWatermarks(ctx context.Context) ([]model.SyncWatermark, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteWatermarkColumns+` FROM sync_watermarks ORDER BY source, entity_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list watermarks")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SyncWatermark
	for rows.Next() {
		w, err := scanSQLiteWatermark(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan watermark")
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list watermarks")
}

// --- Circuit breakers ---

func (s *SQLiteStore) SaveCircuitState(ctx context.Context, cs model.CircuitBreakerState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circuit_breaker_states (name, state, consecutive_failures, opened_at, next_probe_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			state = excluded.state,
			consecutive_failures = excluded.consecutive_failures,
			opened_at = excluded.opened_at,
			next_probe_at = excluded.next_probe_at,
			updated_at = excluded.updated_at`,
		cs.Name, cs.State, cs.ConsecutiveFailures, nullNanos(cs.OpenedAt), nullNanos(cs.NextProbeAt), nanos(cs.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: save circuit state %s", cs.Name)
}

func (s *SQLiteStore) ListCircuitStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, state, consecutive_failures, opened_at, next_probe_at, updated_at
		FROM circuit_breaker_states ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list circuit states")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CircuitBreakerState
	for rows.Next() {
		var cs model.CircuitBreakerState
		var opened, probe sql.NullInt64
		var updated int64
		if err := rows.Scan(&cs.Name, &cs.State, &cs.ConsecutiveFailures, &opened, &probe, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan circuit state")
		}
		cs.OpenedAt = fromNullNanos(opened)
		cs.NextProbeAt = fromNullNanos(probe)
		cs.UpdatedAt = fromNanos(updated)
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list circuit states")
}

// --- Reconciliation runs ---

func (s *SQLiteStore) SaveReconciliation(ctx context.Context, r *model.ReconciliationSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reconciliation_runs (id, source, entity_type, checked, matched, healed, flagged, failed,
			dry_run, complete, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.Source, r.EntityType, r.Checked, r.Matched, r.Healed, r.Flagged, r.Failed,
		r.DryRun, r.Complete, nanos(r.StartedAt), nanos(r.FinishedAt),
	)
	return eris.Wrap(err, "sqlite: save reconciliation")
}

func (s *SQLiteStore) LatestReconciliations(ctx context.Context) ([]model.ReconciliationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.source, r.entity_type, r.checked, r.matched, r.healed, r.flagged, r.failed,
			r.dry_run, r.complete, r.started_at, r.finished_at
		FROM reconciliation_runs r
		WHERE r.started_at = (
			SELECT MAX(started_at) FROM reconciliation_runs
			WHERE source = r.source AND entity_type = r.entity_type)
		ORDER BY r.source, r.entity_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: latest reconciliations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ReconciliationSummary
	for rows.Next() {
		var r model.ReconciliationSummary
		var started, finished int64
		if err := rows.Scan(&r.Source, &r.EntityType, &r.Checked, &r.Matched, &r.Healed, &r.Flagged, &r.Failed,
			&r.DryRun, &r.Complete, &started, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reconciliation")
		}
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: latest reconciliations")
}
