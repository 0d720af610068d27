package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/attempt-engine/internal/model"
)

// ErrNoActiveAttempt is returned when no non-terminal attempt exists for a key.
var ErrNoActiveAttempt = errors.New("no active attempt")

// AttemptRepository handles attempt data access. Attempts are never deleted;
// they are retained for audit.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, exam_id, user_id, tenant_id, status, started_at,
	submitted_at, duration_seconds, total_paused_seconds, paused_at,
	result_published`

func scanAttempt(row pgx.Row) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.TenantID, &a.Status,
		&a.StartedAt, &a.SubmittedAt, &a.DurationSeconds,
		&a.TotalPausedSeconds, &a.PausedAt, &a.ResultPublished)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new IN_PROGRESS attempt. The partial unique index on
// (exam_id, user_id) WHERE status NOT IN terminal states makes a concurrent
// duplicate insert fail, backing up the Redis lock at the storage layer.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (id, exam_id, user_id, tenant_id, status, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING started_at`,
		a.ID, a.ExamID, a.UserID, a.TenantID, model.AttemptStatusInProgress, a.DurationSeconds,
	).Scan(&a.StartedAt)
}

// GetByID retrieves one attempt.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
}

// GetActive retrieves the single non-terminal attempt for (exam, user), or
// ErrNoActiveAttempt.
func (r *AttemptRepository) GetActive(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE exam_id = $1 AND user_id = $2
		   AND status IN ($3, $4)`,
		examID, userID, model.AttemptStatusInProgress, model.AttemptStatusPaused))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoActiveAttempt
	}
	return a, err
}

// CountFinished counts attempts that ran to submission or expiry, for
// retake-limit enforcement.
func (r *AttemptRepository) CountFinished(ctx context.Context, examID uuid.UUID, userID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts
		 WHERE exam_id = $1 AND user_id = $2
		   AND status IN ($3, $4, $5)`,
		examID, userID,
		model.AttemptStatusSubmitted, model.AttemptStatusEvaluated, model.AttemptStatusExpired,
	).Scan(&n)
	return n, err
}

// UpdateTimer persists pause/resume bookkeeping.
func (r *AttemptRepository) UpdateTimer(ctx context.Context, a *model.Attempt) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, total_paused_seconds = $2, paused_at = $3
		 WHERE id = $4`,
		a.Status, a.TotalPausedSeconds, a.PausedAt, a.ID)
	return err
}

// Transition moves an attempt from one of the expected statuses to the next
// status, returning false when the attempt was not in an expected status.
// The conditional WHERE makes competing transitions settle to exactly one
// winner.
func (r *AttemptRepository) Transition(ctx context.Context, id uuid.UUID, from []model.AttemptStatus, to model.AttemptStatus, submittedAt *time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, submitted_at = COALESCE($2, submitted_at)
		 WHERE id = $3 AND status = ANY($4)`,
		to, submittedAt, id, statusStrings(from))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SaveResult writes the derived grading fields and moves the attempt to
// EVALUATED, only when it sits in a gradeable state. Returns false when
// another finalizer already won.
func (r *AttemptRepository) SaveResult(ctx context.Context, res *model.AttemptResult) (bool, error) {
	details, err := json.Marshal(res.Details)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, score = $2, percentage = $3, passed = $4,
		     correct_count = $5, incorrect_count = $6, unanswered_count = $7,
		     result_details = $8, evaluated_at = $9
		 WHERE id = $10 AND status IN ($11, $12)`,
		model.AttemptStatusEvaluated, res.Score, res.Percentage, res.Passed,
		res.CorrectCount, res.IncorrectCount, res.UnansweredCount,
		details, res.EvaluatedAt,
		res.AttemptID, model.AttemptStatusSubmitted, model.AttemptStatusExpired)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPublished durably records that the attempt's result-ready event was
// emitted.
func (r *AttemptRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts SET result_published = TRUE WHERE id = $1`, id)
	return err
}

// GetResult loads the stored grading outcome of an evaluated attempt.
func (r *AttemptRepository) GetResult(ctx context.Context, id uuid.UUID) (*model.AttemptResult, error) {
	res := &model.AttemptResult{AttemptID: id}
	var details []byte
	err := r.pool.QueryRow(ctx,
		`SELECT score, percentage, passed, correct_count, incorrect_count,
		        unanswered_count, result_details, evaluated_at
		 FROM attempts
		 WHERE id = $1 AND status = $2`,
		id, model.AttemptStatusEvaluated,
	).Scan(&res.Score, &res.Percentage, &res.Passed, &res.CorrectCount,
		&res.IncorrectCount, &res.UnansweredCount, &details, &res.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &res.Details); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ListOverdue returns active attempts whose deadline plus grace has passed,
// for the sweeper to force-expire. Completed pause spans extend the deadline;
// an attempt parked in PAUSED past the extended deadline is still reclaimed,
// mirroring the lock TTL for abandoned clients.
func (r *AttemptRepository) ListOverdue(ctx context.Context, grace time.Duration, limit int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE status IN ($1, $2)
		   AND started_at
		       + make_interval(secs => duration_seconds + total_paused_seconds + $3)
		       < NOW()
		 ORDER BY started_at
		 LIMIT $4`,
		model.AttemptStatusInProgress, model.AttemptStatusPaused,
		grace.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

func statusStrings(in []model.AttemptStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
