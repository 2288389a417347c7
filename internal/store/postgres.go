package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconciler/internal/db"
	"github.com/sells-group/reconciler/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns        int32         `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" mapstructure:"max_conn_idle_time"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
		if poolCfg.MaxConnLifetime > 0 {
			pgxCfg.MaxConnLifetime = poolCfg.MaxConnLifetime
		}
		if poolCfg.MaxConnIdleTime > 0 {
			pgxCfg.MaxConnIdleTime = poolCfg.MaxConnIdleTime
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS deliveries (
	id                   TEXT PRIMARY KEY,
	source               TEXT NOT NULL,
	external_delivery_id TEXT,
	event_type           TEXT NOT NULL,
	triggered_by         TEXT NOT NULL DEFAULT 'webhook',
	status               TEXT NOT NULL DEFAULT 'received',
	attempt_count        INTEGER NOT NULL DEFAULT 0,
	raw_headers          JSONB NOT NULL DEFAULT '{}',
	raw_body             BYTEA,
	entity_type          TEXT NOT NULL DEFAULT '',
	external_id          TEXT NOT NULL DEFAULT '',
	received_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at           TIMESTAMPTZ,
	next_attempt_at      TIMESTAMPTZ,
	processed_at         TIMESTAMPTZ,
	error                TEXT NOT NULL DEFAULT '',
	UNIQUE (source, external_delivery_id)
);

CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_claimed ON deliveries(claimed_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS canonical_records (
	id                   TEXT PRIMARY KEY,
	source               TEXT NOT NULL,
	entity_type          TEXT NOT NULL,
	external_id          TEXT NOT NULL,
	version_token        BIGINT NOT NULL,
	fields               JSONB NOT NULL DEFAULT '{}',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at           TIMESTAMPTZ,
	possible_deletion_at TIMESTAMPTZ,
	UNIQUE (source, entity_type, external_id)
);

CREATE INDEX IF NOT EXISTS idx_canonical_records_entity_type ON canonical_records(entity_type);

CREATE TABLE IF NOT EXISTS integration_events (
	seq                 BIGSERIAL PRIMARY KEY,
	id                  TEXT NOT NULL UNIQUE,
	source              TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_external_id  TEXT NOT NULL,
	canonical_record_id TEXT NOT NULL,
	action              TEXT NOT NULL,
	summary_payload     JSONB NOT NULL DEFAULT '{}',
	triggered_by        TEXT NOT NULL,
	latency_ms          BIGINT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_integration_events_created_at ON integration_events(created_at);

CREATE TABLE IF NOT EXISTS integration_events_archive (
	seq                 BIGINT PRIMARY KEY,
	id                  TEXT NOT NULL,
	source              TEXT NOT NULL,
	event_type          TEXT NOT NULL,
	entity_type         TEXT NOT NULL,
	entity_external_id  TEXT NOT NULL,
	canonical_record_id TEXT NOT NULL,
	action              TEXT NOT NULL,
	summary_payload     JSONB NOT NULL,
	triggered_by        TEXT NOT NULL,
	latency_ms          BIGINT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	archived_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_watermarks (
	source           TEXT NOT NULL,
	entity_type      TEXT NOT NULL,
	cursor           TEXT NOT NULL DEFAULT '',
	last_poll_at     TIMESTAMPTZ,
	last_poll_status TEXT NOT NULL DEFAULT 'pending',
	last_error       TEXT NOT NULL DEFAULT '',
	lease_owner      TEXT,
	lease_until      TIMESTAMPTZ,
	next_poll_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source, entity_type)
);

CREATE TABLE IF NOT EXISTS circuit_breaker_states (
	name                 TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	opened_at            TIMESTAMPTZ,
	next_probe_at        TIMESTAMPTZ,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
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
	dry_run     BOOLEAN NOT NULL,
	complete    BOOLEAN NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reconciliation_runs_pair ON reconciliation_runs(source, entity_type, started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Deliveries ---

const deliveryColumns = `id, source, external_delivery_id, event_type, triggered_by, status, attempt_count,
	raw_headers, raw_body, entity_type, external_id, received_at, claimed_at, next_attempt_at, processed_at, error`

func scanPgDelivery(row scanner) (*model.Delivery, error) {
	var d model.Delivery
	var headers []byte
	err := row.Scan(&d.ID, &d.Source, &d.ExternalDeliveryID, &d.EventType, &d.TriggeredBy, &d.Status,
		&d.AttemptCount, &headers, &d.RawBody, &d.EntityType, &d.ExternalID, &d.ReceivedAt,
		&d.ClaimedAt, &d.NextAttemptAt, &d.ProcessedAt, &d.Error)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &d.RawHeaders); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal raw headers")
		}
	}
	return &d, nil
}

func (s *PostgresStore) InsertDelivery(ctx context.Context, d *model.Delivery) (*model.Delivery, bool, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	headers, err := json.Marshal(d.RawHeaders)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal raw headers")
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source, external_delivery_id) DO NOTHING
		RETURNING id`,
		d.ID, d.Source, d.ExternalDeliveryID, d.EventType, d.TriggeredBy, d.Status, d.AttemptCount,
		headers, d.RawBody, d.EntityType, d.ExternalID, d.ReceivedAt, d.ClaimedAt, d.NextAttemptAt,
		d.ProcessedAt, d.Error,
	).Scan(&id)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrap(err, "postgres: insert delivery")
	}

	existing, err := scanPgDelivery(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE source = $1 AND external_delivery_id = $2`,
		d.Source, d.ExternalDeliveryID,
	))
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: load duplicate delivery")
	}
	return existing, false, nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := scanPgDelivery(s.pool.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "delivery %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get delivery %s", id)
	}
	return d, nil
}

func (s *PostgresStore) SwapDelivery(ctx context.Context, d *model.Delivery, expect model.DeliveryStatus, expectAttempts int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE deliveries SET status = $1, attempt_count = $2, entity_type = $3, external_id = $4,
			claimed_at = $5, next_attempt_at = $6, processed_at = $7, error = $8
		WHERE id = $9 AND status = $10 AND attempt_count = $11`,
		d.Status, d.AttemptCount, d.EntityType, d.ExternalID, d.ClaimedAt, d.NextAttemptAt,
		d.ProcessedAt, d.Error, d.ID, expect, expectAttempts,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: swap delivery %s", d.ID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	return s.queryDeliveries(ctx, "list deliveries", query, args...)
}

func (s *PostgresStore) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	return s.queryDeliveries(ctx, "list due deliveries",
		`SELECT `+deliveryColumns+` FROM deliveries
		WHERE (status = 'received' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		   OR (status = 'failed' AND next_attempt_at <= $1)
		ORDER BY received_at
		LIMIT $2`,
		now, listLimit(limit),
	)
}

func (s *PostgresStore) queryDeliveries(ctx context.Context, op, query string, args ...any) ([]model.Delivery, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: "+op)
	}
	defer rows.Close()

	var out []model.Delivery
	for rows.Next() {
		d, err := scanPgDelivery(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: "+op)
}

func (s *PostgresStore) ReclaimStaleDeliveries(ctx context.Context, claimedBefore time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE deliveries SET status = 'received', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
		RETURNING id`,
		claimedBefore,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reclaim stale deliveries")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reclaimed id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: reclaim stale deliveries")
}

func (s *PostgresStore) CountDeliveries(ctx context.Context) (map[model.DeliveryStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count deliveries")
	}
	defer rows.Close()

	out := make(map[model.DeliveryStatus]int)
	for rows.Next() {
		var status model.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delivery count")
		}
		out[status] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count deliveries")
}

// --- Canonical records ---

const recordColumns = `id, source, entity_type, external_id, version_token, fields, created_at, updated_at, deleted_at, possible_deletion_at`

func scanPgRecord(row scanner) (*model.CanonicalRecord, error) {
	var r model.CanonicalRecord
	var fields []byte
	if err := row.Scan(&r.ID, &r.Source, &r.EntityType, &r.ExternalID, &r.VersionToken, &fields,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt, &r.PossibleDeletionAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &r.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fields")
	}
	return &r, nil
}

// pgRecordTx is the RecordTx for one advisory-locked transaction.
type pgRecordTx struct {
	tx pgx.Tx
}

func (t *pgRecordTx) GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error) {
	r, err := scanPgRecord(t.tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_records
		WHERE source = $1 AND entity_type = $2 AND external_id = $3
		FOR UPDATE`,
		key.Source, key.EntityType, key.ExternalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}
	return r, nil
}

func (t *pgRecordTx) SaveRecord(ctx context.Context, rec *model.CanonicalRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fields")
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO canonical_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source, entity_type, external_id) DO UPDATE SET
			version_token = EXCLUDED.version_token,
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at,
			possible_deletion_at = EXCLUDED.possible_deletion_at`,
		rec.ID, rec.Source, rec.EntityType, rec.ExternalID, rec.VersionToken, fields,
		rec.CreatedAt, rec.UpdatedAt, rec.DeletedAt, rec.PossibleDeletionAt,
	)
	return eris.Wrapf(err, "postgres: save record %s", rec.Key())
}

// eventLogLock serializes event inserts until commit so seq order is commit
// order and a reader paging with seq > after never skips a late commit.
// InsertEvent must be the last statement of a record transaction.
const eventLogLock int64 = 0x72636e6c6f67

func (t *pgRecordTx) InsertEvent(ctx context.Context, ev *model.IntegrationEvent) error {
	summary, err := json.Marshal(ev.SummaryPayload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventLogLock); err != nil {
		return eris.Wrap(err, "postgres: lock event log")
	}
	err = t.tx.QueryRow(ctx,
		`INSERT INTO integration_events (id, source, event_type, entity_type, entity_external_id,
			canonical_record_id, action, summary_payload, triggered_by, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq`,
		ev.ID, ev.Source, ev.EventType, ev.EntityType, ev.EntityExternalID, ev.CanonicalRecordID,
		ev.Action, summary, ev.TriggeredBy, ev.LatencyMS, ev.CreatedAt,
	).Scan(&ev.Seq)
	return eris.Wrapf(err, "postgres: insert event %s", ev.ID)
}

// WithRecordLock runs fn in a transaction holding a transaction-scoped
// advisory lock on the record key, so concurrent writers for one entity
// serialize across processes.
func (s *PostgresStore) WithRecordLock(ctx context.Context, key model.RecordKey, fn func(tx RecordTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return eris.Wrapf(err, "postgres: lock record %s", key)
	}
	if err := fn(&pgRecordTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record tx")
}

func (s *PostgresStore) GetRecord(ctx context.Context, key model.RecordKey) (*model.CanonicalRecord, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE source = $1 AND entity_type = $2 AND external_id = $3`,
		key.Source, key.EntityType, key.ExternalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, source model.Source, entityType string) ([]model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE source = $1 AND entity_type = $2 ORDER BY external_id`,
		source, entityType,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records")
}

func (s *PostgresStore) MarkPossibleDeletion(ctx context.Context, key model.RecordKey, at *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE canonical_records SET possible_deletion_at = $4
		WHERE source = $1 AND entity_type = $2 AND external_id = $3`,
		key.Source, key.EntityType, key.ExternalID, at,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark possible deletion %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "record %s", key)
	}
	return nil
}

// --- Integration events ---

const eventColumns = `seq, id, source, event_type, entity_type, entity_external_id, canonical_record_id,
	action, summary_payload, triggered_by, latency_ms, created_at`

var archiveColumns = []string{"seq", "id", "source", "event_type", "entity_type", "entity_external_id",
	"canonical_record_id", "action", "summary_payload", "triggered_by", "latency_ms", "created_at"}

func (s *PostgresStore) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]model.IntegrationEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM integration_events WHERE seq > $1 ORDER BY seq LIMIT $2`,
		afterSeq, listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.IntegrationEvent
	for rows.Next() {
		var ev model.IntegrationEvent
		var summary []byte
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Source, &ev.EventType, &ev.EntityType, &ev.EntityExternalID,
			&ev.CanonicalRecordID, &ev.Action, &summary, &ev.TriggeredBy, &ev.LatencyMS, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		if err := json.Unmarshal(summary, &ev.SummaryPayload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events")
}

// PruneEvents deletes events created before the cutoff. With archive set the
// rows are first copied into integration_events_archive in the same
// transaction.
func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time, archive bool) (int64, error) {
	if !archive {
		tag, err := s.pool.Exec(ctx, `DELETE FROM integration_events WHERE created_at < $1`, before)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: prune events")
		}
		return tag.RowsAffected(), nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin prune tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+eventColumns+` FROM integration_events WHERE created_at < $1 ORDER BY seq FOR UPDATE`,
		before,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: select events to archive")
	}
	var batch [][]any
	var seqs []int64
	for rows.Next() {
		var (
			seq                                                   int64
			id, src, evType, entType, extID, recID, action, trig string
			summary                                               []byte
			latency                                               int64
			created                                               time.Time
		)
		if err := rows.Scan(&seq, &id, &src, &evType, &entType, &extID, &recID, &action, &summary, &trig, &latency, &created); err != nil {
			rows.Close()
			return 0, eris.Wrap(err, "postgres: scan event to archive")
		}
		batch = append(batch, []any{seq, id, src, evType, entType, extID, recID, action, summary, trig, latency, created})
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "postgres: select events to archive")
	}
	if len(seqs) == 0 {
		return 0, nil
	}

	if _, err := db.CopyFrom(ctx, tx, "integration_events_archive", archiveColumns, batch); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM integration_events WHERE seq = ANY($1)`, seqs)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete archived events")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit prune tx")
	}
	return tag.RowsAffected(), nil
}

// --- Sync watermarks ---

const watermarkColumns = `source, entity_type, cursor, last_poll_at, last_poll_status, last_error,
	COALESCE(lease_owner, ''), lease_until, next_poll_at`

func scanPgWatermark(row scanner) (*model.SyncWatermark, error) {
	var w model.SyncWatermark
	if err := row.Scan(&w.Source, &w.EntityType, &w.Cursor, &w.LastPollAt, &w.LastPollStatus, &w.LastError,
		&w.LeaseOwner, &w.LeaseUntil, &w.NextPollAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) EnsureWatermark(ctx context.Context, source model.Source, entityType string, nextPollAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_watermarks (source, entity_type, next_poll_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, entity_type) DO NOTHING`,
		source, entityType, nextPollAt,
	)
	return eris.Wrapf(err, "postgres: ensure watermark %s/%s", source, entityType)
}

// ClaimWatermark takes the poll lease with a conditional update. It returns
// nil when the watermark is not due or another scheduler holds the lease.
func (s *PostgresStore) ClaimWatermark(ctx context.Context, source model.Source, entityType, owner string, now, leaseUntil time.Time) (*model.SyncWatermark, error) {
	w, err := scanPgWatermark(s.pool.QueryRow(ctx,
		`UPDATE sync_watermarks SET lease_owner = $3, lease_until = $5
		WHERE source = $1 AND entity_type = $2 AND next_poll_at <= $4
		  AND (lease_until IS NULL OR lease_until < $4)
		RETURNING `+watermarkColumns,
		source, entityType, owner, now, leaseUntil,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim watermark %s/%s", source, entityType)
	}
	return w, nil
}

func (s *PostgresStore) ReleaseWatermark(ctx context.Context, w *model.SyncWatermark, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_watermarks SET cursor = $1, last_poll_at = $2, last_poll_status = $3, last_error = $4,
			next_poll_at = $5, lease_owner = NULL, lease_until = NULL
		WHERE source = $6 AND entity_type = $7 AND lease_owner = $8`,
		w.Cursor, w.LastPollAt, w.LastPollStatus, w.LastError, w.NextPollAt, w.Source, w.EntityType, owner,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release watermark %s/%s", w.Source, w.EntityType)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: watermark lease lost: %s/%s", w.Source, w.EntityType)
	}
	return nil
}

func (s *PostgresStore) TriggerWatermark(ctx context.Context, source model.Source, entityType string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_watermarks SET next_poll_at = $3
		WHERE source = $1 AND entity_type = $2 AND next_poll_at > $3`,
		source, entityType, at,
	)
	return eris.Wrapf(err, "postgres: trigger watermark %s/%s", source, entityType)
}

func (s *PostgresStore) GetWatermark(ctx context.Context, source model.Source, entityType string) (*model.SyncWatermark, error) {
	w, err := scanPgWatermark(s.pool.QueryRow(ctx,
		`SELECT `+watermarkColumns+` FROM sync_watermarks WHERE source = $1 AND entity_type = $2`,
		source, entityType,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "watermark %s/%s", source, entityType)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get watermark %s/%s", source, entityType)
	}
	return w, nil
}

func (s *PostgresStore) ListWatermarks(ctx context.Context) ([]model.SyncWatermark, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+watermarkColumns+` FROM sync_watermarks ORDER BY source, entity_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list watermarks")
	}
	defer rows.Close()

	var out []model.SyncWatermark
	for rows.Next() {
		w, err := scanPgWatermark(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan watermark")
		}
		out = append(out, *w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list watermarks")
}

// --- Circuit breakers ---

func (s *PostgresStore) SaveCircuitState(ctx context.Context, cs model.CircuitBreakerState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO circuit_breaker_states (name, state, consecutive_failures, opened_at, next_probe_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			consecutive_failures = EXCLUDED.consecutive_failures,
			opened_at = EXCLUDED.opened_at,
			next_probe_at = EXCLUDED.next_probe_at,
			updated_at = EXCLUDED.updated_at`,
		cs.Name, cs.State, cs.ConsecutiveFailures, cs.OpenedAt, cs.NextProbeAt, cs.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save circuit state %s", cs.Name)
}

func (s *PostgresStore) ListCircuitStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, state, consecutive_failures, opened_at, next_probe_at, updated_at
		FROM circuit_breaker_states ORDER BY name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list circuit states")
	}
	defer rows.Close()

	var out []model.CircuitBreakerState
	for rows.Next() {
		var cs model.CircuitBreakerState
		if err := rows.Scan(&cs.Name, &cs.State, &cs.ConsecutiveFailures, &cs.OpenedAt, &cs.NextProbeAt, &cs.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan circuit state")
		}
		out = append(out, cs)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list circuit states")
}

// --- Reconciliation runs ---

func (s *PostgresStore) SaveReconciliation(ctx context.Context, r *model.ReconciliationSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reconciliation_runs (id, source, entity_type, checked, matched, healed, flagged, failed,
			dry_run, complete, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		uuid.New().String(), r.Source, r.EntityType, r.Checked, r.Matched, r.Healed, r.Flagged, r.Failed,
		r.DryRun, r.Complete, r.StartedAt, r.FinishedAt,
	)
	return eris.Wrap(err, "postgres: save reconciliation")
}

func (s *PostgresStore) LatestReconciliations(ctx context.Context) ([]model.ReconciliationSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (source, entity_type)
			source, entity_type, checked, matched, healed, flagged, failed, dry_run, complete, started_at, finished_at
		FROM reconciliation_runs
		ORDER BY source, entity_type, started_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: latest reconciliations")
	}
	defer rows.Close()

	var out []model.ReconciliationSummary
	for rows.Next() {
		var r model.ReconciliationSummary
		if err := rows.Scan(&r.Source, &r.EntityType, &r.Checked, &r.Matched, &r.Healed, &r.Flagged, &r.Failed,
			&r.DryRun, &r.Complete, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reconciliation")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: latest reconciliations")
}
