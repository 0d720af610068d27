package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/attempt-engine/internal/model"
)

// AnswerRepository handles answer record data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// GetByAttempt loads every stored answer for the attempt, keyed by question.
func (r *AnswerRepository) GetByAttempt(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]*model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, question_id, selected, flagged, answered_at,
		        server_received_at, time_spent_seconds
		 FROM answer_records
		 WHERE attempt_id = $1`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[uuid.UUID]*model.AnswerRecord)
	for rows.Next() {
		rec := &model.AnswerRecord{}
		if err := rows.Scan(&rec.AttemptID, &rec.QuestionID, &rec.Selected,
			&rec.Flagged, &rec.AnsweredAt, &rec.ServerReceivedAt,
			&rec.TimeSpentSeconds); err != nil {
			return nil, err
		}
		records[rec.QuestionID] = rec
	}
	return records, rows.Err()
}

// SaveBatch upserts the merged records in one transaction: either the whole
// batch lands or none of it does.
func (r *AnswerRepository) SaveBatch(ctx context.Context, records []*model.AnswerRecord) error {
	if len(records) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, rec := range records {
			_, err := tx.Exec(ctx,
				`INSERT INTO answer_records
				   (attempt_id, question_id, selected, flagged, answered_at,
				    server_received_at, time_spent_seconds)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (attempt_id, question_id) DO UPDATE
				 SET selected = EXCLUDED.selected,
				     flagged = EXCLUDED.flagged,
				     answered_at = EXCLUDED.answered_at,
				     server_received_at = EXCLUDED.server_received_at,
				     time_spent_seconds = EXCLUDED.time_spent_seconds`,
				rec.AttemptID, rec.QuestionID, rec.Selected, rec.Flagged,
				rec.AnsweredAt, rec.ServerReceivedAt, rec.TimeSpentSeconds)
			if err != nil {
				return fmt.Errorf("upsert answer %s: %w", rec.QuestionID, err)
			}
		}
		return nil
	})
}

// CohortMedians computes the per-question median time spent across all
// answered records of an exam. Used by the time-anomaly rule; an exam with
// no history yields an empty map and the rule is skipped.
func (r *AnswerRepository) CohortMedians(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]float64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ar.question_id,
		        percentile_cont(0.5) WITHIN GROUP (ORDER BY ar.time_spent_seconds)
		 FROM answer_records ar
		 JOIN attempts a ON a.id = ar.attempt_id
		 WHERE a.exam_id = $1
		   AND ar.time_spent_seconds > 0
		   AND array_length(ar.selected, 1) > 0
		 GROUP BY ar.question_id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	medians := make(map[uuid.UUID]float64)
	for rows.Next() {
		var qid uuid.UUID
		var median float64
		if err := rows.Scan(&qid, &median); err != nil {
			return nil, err
		}
		medians[qid] = median
	}
	return medians, rows.Err()
}
