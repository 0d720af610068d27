package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/attempt-engine/internal/model"
)

// TelemetryRepository handles the append-only anti-cheat event log. Rows are
// never updated or deleted; dedup happens at insert time via the primary key.
type TelemetryRepository struct {
	pool *pgxpool.Pool
}

// NewTelemetryRepository creates a new TelemetryRepository.
func NewTelemetryRepository(pool *pgxpool.Pool) *TelemetryRepository {
	return &TelemetryRepository{pool: pool}
}

// Append inserts one event, silently skipping a duplicate of
// (attempt_id, event_type, occurred_at) so client retries are harmless.
// Reports whether the row actually landed: a skipped duplicate must not
// advance the caller's chain digest, since the stored copy already carries
// its own digest at its original chain position.
func (r *TelemetryRepository) Append(ctx context.Context, ev *model.TelemetryEvent) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO telemetry_events
		   (attempt_id, event_type, occurred_at, metadata, chain_digest)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (attempt_id, event_type, occurred_at) DO NOTHING`,
		ev.AttemptID, ev.EventType, ev.OccurredAt, ev.Metadata, ev.ChainDigest)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListByAttempt returns the attempt's full event log in insertion order,
// which is also the chain-digest order.
func (r *TelemetryRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.TelemetryEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, event_type, occurred_at, metadata, chain_digest
		 FROM telemetry_events
		 WHERE attempt_id = $1
		 ORDER BY seq`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TelemetryEvent
	for rows.Next() {
		var ev model.TelemetryEvent
		if err := rows.Scan(&ev.AttemptID, &ev.EventType, &ev.OccurredAt,
			&ev.Metadata, &ev.ChainDigest); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastDigest returns the chain digest of the attempt's newest event, or ""
// for an empty log.
func (r *TelemetryRepository) LastDigest(ctx context.Context, attemptID uuid.UUID) (string, error) {
	var digest string
	err := r.pool.QueryRow(ctx,
		`SELECT chain_digest FROM telemetry_events
		 WHERE attempt_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`, attemptID).Scan(&digest)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return digest, err
}
