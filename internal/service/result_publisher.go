package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/scoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// finalizedGuardTTL bounds how long the publish-once marker lives. The
// marker absorbs near-term retries; the durable result_published flag on the
// attempt row covers retries arriving after the marker expires.
const finalizedGuardTTL = 24 * time.Hour

// ResultStore is the attempt persistence surface the publisher needs.
type ResultStore interface {
	SaveResult(ctx context.Context, res *model.AttemptResult) (bool, error)
	GetResult(ctx context.Context, id uuid.UUID) (*model.AttemptResult, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
}

// ExamStore reads exam configuration and canonical questions.
type ExamStore interface {
	GetConfig(ctx context.Context, examID uuid.UUID) (*model.ExamConfig, error)
	ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// AttemptLocker is the single-flight lock surface.
type AttemptLocker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) error
	Held(ctx context.Context, key, owner string) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// ResultReadyEvent is the payload pushed to the result queue for downstream
// consumers (notifications, gradebook) once per evaluated attempt.
type ResultReadyEvent struct {
	AttemptID   uuid.UUID `json:"attempt_id"`
	ExamID      uuid.UUID `json:"exam_id"`
	UserID      int       `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Score       float64   `json:"score"`
	Percentage  float64   `json:"percentage"`
	Passed      bool      `json:"passed"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ResultPublisher grades a finished attempt and publishes the outcome
// exactly once. Finalize is safe to call repeatedly and from competing
// callers (submit path, sweeper, crash retry): the conditional EVALUATED
// update elects one writer and the Redis marker gates the queue push.
type ResultPublisher struct {
	attempts ResultStore
	answers  AnswerStore
	exams    ExamStore
	locker   AttemptLocker
	rdb      *redis.Client
	log      zerolog.Logger
}

// NewResultPublisher creates a new ResultPublisher.
func NewResultPublisher(attempts ResultStore, answers AnswerStore, exams ExamStore, locker AttemptLocker, rdb *redis.Client, log zerolog.Logger) *ResultPublisher {
	return &ResultPublisher{
		attempts: attempts,
		answers:  answers,
		exams:    exams,
		locker:   locker,
		rdb:      rdb,
		log:      log.With().Str("component", "result_publisher").Logger(),
	}
}

// Finalize evaluates the attempt, persists the result, publishes the
// result-ready event and releases the attempt lock. The attempt must already
// sit in SUBMITTED or EXPIRED; competing finalizers converge on the single
// stored result.
//
// A scoring.PendingError surfaces unchanged: the attempt stays SUBMITTED and
// a later Finalize call grades it once the canonical answers exist.
func (p *ResultPublisher) Finalize(ctx context.Context, a *model.Attempt) (*model.AttemptResult, error) {
	answers, err := p.answers.GetByAttempt(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	questions, err := p.exams.ListQuestions(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	cfg, err := p.exams.GetConfig(ctx, a.ExamID)
	if err != nil {
		return nil, fmt.Errorf("load exam config: %w", err)
	}

	res, err := scoring.Evaluate(a.ID, answers, questions, cfg, time.Now())
	if err != nil {
		return nil, err
	}

	saved, err := p.attempts.SaveResult(ctx, res)
	if err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	if !saved {
		// Another finalizer won, or a crashed run already stored the
		// result. The stored row is authoritative either way.
		res, err = p.attempts.GetResult(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("load stored result: %w", err)
		}
	}

	if err := p.publishOnce(ctx, a, res); err != nil {
		// The result is durable; only the notification is at risk. A
		// retried Finalize will re-attempt the push behind the marker.
		p.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("result-ready publish failed")
	}

	lockKey := config.CacheKey.AttemptLockKey(a.TenantID, a.ExamID.String(), a.UserID)
	if err := p.locker.Release(ctx, lockKey, a.ID.String()); err != nil {
		p.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("lock release failed")
	}

	return res, nil
}

func (p *ResultPublisher) publishOnce(ctx context.Context, a *model.Attempt, res *model.AttemptResult) error {
	// Durable guard first: it outlives the marker's TTL, so a finalize
	// retried days later (stale client re-submitting an evaluated attempt)
	// still emits nothing.
	if a.ResultPublished {
		return nil
	}

	key := config.CacheKey.AttemptFinalizedKey(a.ID.String())
	set, err := p.rdb.SetNX(ctx, key, "1", finalizedGuardTTL).Result()
	if err != nil {
		return fmt.Errorf("set finalized marker: %w", err)
	}
	if !set {
		return nil
	}

	event := ResultReadyEvent{
		AttemptID:   a.ID,
		ExamID:      a.ExamID,
		UserID:      a.UserID,
		TenantID:    a.TenantID,
		Score:       res.Score,
		Percentage:  res.Percentage,
		Passed:      res.Passed,
		EvaluatedAt: res.EvaluatedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.rdb.RPush(ctx, config.WorkerKey.ResultReadyQueue, data).Err(); err != nil {
		// Roll the marker back so a retry can publish.
		_ = p.rdb.Del(ctx, key).Err()
		return fmt.Errorf("push result event: %w", err)
	}

	if err := p.attempts.MarkPublished(ctx, a.ID); err != nil {
		// The marker still covers the near term; only the long-TTL guard
		// is degraded.
		p.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("mark published failed")
	} else {
		a.ResultPublished = true
	}

	p.log.Info().
		Str("attempt_id", a.ID.String()).
		Float64("score", res.Score).
		Bool("passed", res.Passed).
		Msg("result published")
	return nil
}
