package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// schema is applied by EnsureSchema. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS doses (
		id           UUID PRIMARY KEY,
		device_id    TEXT NOT NULL,
		units        DOUBLE PRECISION NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS doses_device_committed_idx ON doses (device_id, committed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS reservoir_readings (
		device_id         TEXT NOT NULL,
		recorded_at       TIMESTAMPTZ NOT NULL,
		units             DOUBLE PRECISION NOT NULL,
		time_left_seconds BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (device_id, recorded_at)
	)`,
	`CREATE TABLE IF NOT EXISTS pump_history (
		device_id   TEXT NOT NULL,
		kind        TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		units       DOUBLE PRECISION NOT NULL DEFAULT 0,
		raw         BYTEA,
		PRIMARY KEY (device_id, kind, occurred_at)
	)`,
	`CREATE TABLE IF NOT EXISTS glucose_samples (
		device_id  TEXT NOT NULL,
		sampled_at TIMESTAMPTZ NOT NULL,
		mgdl       INTEGER NOT NULL,
		PRIMARY KEY (device_id, sampled_at)
	)`,
}

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL ledger.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the ledger tables if they do not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

// CommitBolus records a dose. Recording the same dose twice is a no-op.
func (r *PostgresRepository) CommitBolus(ctx context.Context, entry pump.DoseEntry) error {
	query := `
		INSERT INTO doses (id, device_id, units, committed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query, entry.ID, entry.DeviceID, entry.Units, entry.CommittedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	var existing pump.DoseEntry
	err = r.pool.QueryRow(ctx,
		`SELECT id, device_id, units, committed_at FROM doses WHERE id = $1`,
		entry.ID,
	).Scan(&existing.ID, &existing.DeviceID, &existing.Units, &existing.CommittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dose %s vanished after conflict", entry.ID)
		}
		return err
	}
	if !sameDose(existing, entry) {
		return ErrDoseConflict
	}
	return nil
}

// AddReservoir stores a reading. A reading with the timestamp of a stored one replaces it.
func (r *PostgresRepository) AddReservoir(ctx context.Context, deviceID string, record pump.ReservoirRecord) error {
	query := `
		INSERT INTO reservoir_readings (device_id, recorded_at, units, time_left_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id, recorded_at) DO UPDATE SET
			units = EXCLUDED.units,
			time_left_seconds = EXCLUDED.time_left_seconds
	`

	_, err := r.pool.Exec(ctx, query,
		deviceID,
		record.Timestamp,
		record.Units,
		int64(record.TimeLeft/time.Second),
	)
	return err
}

// AddHistory stores history events in one batch, ignoring ones already stored.
func (r *PostgresRepository) AddHistory(ctx context.Context, deviceID string, events []pump.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	query := `
		INSERT INTO pump_history (device_id, kind, occurred_at, units, raw)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, kind, occurred_at) DO NOTHING
	`

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query, deviceID, e.Kind, e.At, e.Units, e.Raw)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert history event: %w", err)
		}
	}
	return nil
}

// ListDoses returns committed doses for a device, newest first.
func (r *PostgresRepository) ListDoses(ctx context.Context, deviceID string, opts ListOptions) ([]pump.DoseEntry, error) {
	query := `
		SELECT id, device_id, units, committed_at
		FROM doses
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR committed_at >= $2)
		ORDER BY committed_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, deviceID, sinceArg(opts), opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pump.DoseEntry
	for rows.Next() {
		var d pump.DoseEntry
		if err := rows.Scan(&d.ID, &d.DeviceID, &d.Units, &d.CommittedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListReservoir returns reservoir readings for a device, newest first.
func (r *PostgresRepository) ListReservoir(ctx context.Context, deviceID string, opts ListOptions) ([]pump.ReservoirRecord, error) {
	query := `
		SELECT recorded_at, units, time_left_seconds
		FROM reservoir_readings
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR recorded_at >= $2)
		ORDER BY recorded_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, deviceID, sinceArg(opts), opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pump.ReservoirRecord
	for rows.Next() {
		var rec pump.ReservoirRecord
		var seconds int64
		if err := rows.Scan(&rec.Timestamp, &rec.Units, &seconds); err != nil {
			return nil, err
		}
		rec.TimeLeft = time.Duration(seconds) * time.Second
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListHistory returns pump history events for a device, newest first.
func (r *PostgresRepository) ListHistory(ctx context.Context, deviceID string, opts ListOptions) ([]pump.HistoryEvent, error) {
	query := `
		SELECT kind, occurred_at, units, raw
		FROM pump_history
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR occurred_at >= $2)
		ORDER BY occurred_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, deviceID, sinceArg(opts), opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pump.HistoryEvent
	for rows.Next() {
		var e pump.HistoryEvent
		if err := rows.Scan(&e.Kind, &e.At, &e.Units, &e.Raw); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddGlucose stores a CGM sample. A later sample with the same timestamp replaces it.
func (r *PostgresRepository) AddGlucose(ctx context.Context, deviceID string, sample pump.GlucoseSample) error {
	query := `
		INSERT INTO glucose_samples (device_id, sampled_at, mgdl)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, sampled_at) DO UPDATE SET mgdl = EXCLUDED.mgdl
	`
	_, err := r.pool.Exec(ctx, query, deviceID, sample.At, sample.Mgdl)
	return err
}

// ListGlucose returns CGM samples for a device, newest first.
func (r *PostgresRepository) ListGlucose(ctx context.Context, deviceID string, opts ListOptions) ([]pump.GlucoseSample, error) {
	query := `
		SELECT sampled_at, mgdl
		FROM glucose_samples
		WHERE device_id = $1 AND ($2::timestamptz IS NULL OR sampled_at >= $2)
		ORDER BY sampled_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, deviceID, sinceArg(opts), opts.limit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []pump.GlucoseSample
	for rows.Next() {
		var g pump.GlucoseSample
		if err := rows.Scan(&g.At, &g.Mgdl); err != nil {
			return nil, err
		}
		samples = append(samples, g)
	}
	return samples, rows.Err()
}

func sinceArg(opts ListOptions) *time.Time {
	if opts.Since.IsZero() {
		return nil
	}
	since := opts.Since
	return &since
}
