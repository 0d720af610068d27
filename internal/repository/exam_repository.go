package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/redis/go-redis/v9"
)

// examConfigCacheTTL bounds staleness of cached exam configuration.
const examConfigCacheTTL = 5 * time.Minute

// ExamRepository reads exam configuration and canonical questions owned by
// the exam/question-bank collaborator. The engine never writes these tables.
type ExamRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool, rdb *redis.Client) *ExamRepository {
	return &ExamRepository{pool: pool, rdb: rdb}
}

// GetConfig loads the exam configuration, Redis-cached with a Postgres
// fallback and self-heal, so hot exams don't hit the database per request.
func (r *ExamRepository) GetConfig(ctx context.Context, examID uuid.UUID) (*model.ExamConfig, error) {
	key := config.CacheKey.ExamConfigKey(examID.String())

	if raw, err := r.rdb.Get(ctx, key).Result(); err == nil {
		cfg := &model.ExamConfig{}
		if err := json.Unmarshal([]byte(raw), cfg); err == nil {
			return cfg, nil
		}
		// Corrupt cache entry: fall through to the database.
	} else if err != redis.Nil {
		return nil, fmt.Errorf("redis get exam config: %w", err)
	}

	cfg := &model.ExamConfig{ExamID: examID}
	var weights []byte
	err := r.pool.QueryRow(ctx,
		`SELECT tenant_id, title, duration_seconds, total_marks, passing_marks,
		        negative_marking_ratio, allow_pause, shuffle_questions,
		        shuffle_options, max_attempts, scheduled_start, scheduled_end,
		        risk_threshold, risk_weights
		 FROM exams
		 WHERE id = $1`, examID,
	).Scan(&cfg.TenantID, &cfg.Title, &cfg.DurationSeconds, &cfg.TotalMarks,
		&cfg.PassingMarks, &cfg.NegativeMarkingRatio, &cfg.AllowPause,
		&cfg.ShuffleQuestions, &cfg.ShuffleOptions, &cfg.MaxAttempts,
		&cfg.ScheduledStart, &cfg.ScheduledEnd, &cfg.RiskThreshold, &weights)
	if err != nil {
		return nil, err
	}
	if len(weights) > 0 {
		if err := json.Unmarshal(weights, &cfg.RiskWeights); err != nil {
			return nil, fmt.Errorf("decode risk weights: %w", err)
		}
	}

	// Self-heal the cache; a failed Set is not fatal.
	if raw, err := json.Marshal(cfg); err == nil {
		_ = r.rdb.Set(ctx, key, raw, examConfigCacheTTL).Err()
	}

	return cfg, nil
}

// ListQuestions loads the exam's canonical questions, correct answers
// included, in stable order.
func (r *ExamRepository) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, exam_id, text, type, options, correct, marks,
		        time_limit_seconds, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num, id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Type, &q.Options,
			&q.Correct, &q.Marks, &q.TimeLimitSeconds, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
