package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/lock"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/proctorly/attempt-engine/internal/scoring"
	"github.com/proctorly/attempt-engine/internal/timer"
	"github.com/rs/zerolog"
)

// AttemptStore is the attempt persistence surface the coordinator needs.
type AttemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetActive(ctx context.Context, examID uuid.UUID, userID int) (*model.Attempt, error)
	CountFinished(ctx context.Context, examID uuid.UUID, userID int) (int, error)
	UpdateTimer(ctx context.Context, a *model.Attempt) error
	Transition(ctx context.Context, id uuid.UUID, from []model.AttemptStatus, to model.AttemptStatus, submittedAt *time.Time) (bool, error)
	GetResult(ctx context.Context, id uuid.UUID) (*model.AttemptResult, error)
}

// Finalizer grades a finished attempt and publishes its result.
type Finalizer interface {
	Finalize(ctx context.Context, a *model.Attempt) (*model.AttemptResult, error)
}

// AttemptState is the full client-facing view of one attempt, computed
// server-side. RemainingSeconds is authoritative; clients render it, they
// never extend it.
type AttemptState struct {
	Attempt          *model.Attempt                    `json:"attempt"`
	RemainingSeconds float64                           `json:"remaining_seconds"`
	Questions        []model.QuestionForStudent        `json:"questions,omitempty"`
	Answers          map[uuid.UUID]*model.AnswerRecord `json:"answers,omitempty"`
	Result           *model.AttemptResult              `json:"result,omitempty"`
}

// AttemptService coordinates the attempt lifecycle: start, pause/resume,
// answer sync, submit and expiry. Per-attempt operations are serialized
// in-process by a keyed mutex and across instances by the Redis lock plus
// conditional status transitions.
type AttemptService struct {
	attempts  AttemptStore
	exams     ExamStore
	syncer    *AnswerSyncService
	finalizer Finalizer
	locker    AttemptLocker
	cfg       *config.Config
	log       zerolog.Logger
	keyed     keyedMutex
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(attempts AttemptStore, exams ExamStore, syncer *AnswerSyncService, finalizer Finalizer, locker AttemptLocker, cfg *config.Config, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		attempts:  attempts,
		exams:     exams,
		syncer:    syncer,
		finalizer: finalizer,
		locker:    locker,
		cfg:       cfg,
		log:       log.With().Str("component", "attempt_service").Logger(),
	}
}

// Start opens an attempt for (exam, user). If a live attempt already exists
// it is returned as-is, so a student reconnecting from a new device resumes
// rather than forks. A fresh attempt is guarded by the Redis single-flight
// lock and a conditional insert, then handed its shuffled question order.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, userID int, tenantID string) (*AttemptState, error) {
	cfg, err := s.exams.GetConfig(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam config: %w", err)
	}
	if cfg.TenantID != tenantID {
		return nil, ErrNotOwner
	}

	now := time.Now()

	existing, err := s.attempts.GetActive(ctx, examID, userID)
	if err != nil && !errors.Is(err, repository.ErrNoActiveAttempt) {
		return nil, fmt.Errorf("get active attempt: %w", err)
	}
	if existing != nil {
		if timer.Expired(existing, now, s.cfg.GracePeriod) {
			if _, err := s.expire(ctx, existing); err != nil {
				return nil, err
			}
		} else {
			return s.buildState(ctx, existing, cfg, now, true)
		}
	}

	if !cfg.WindowOpen(now) {
		return nil, ErrExamWindowClosed
	}
	if cfg.MaxAttempts > 0 {
		finished, err := s.attempts.CountFinished(ctx, examID, userID)
		if err != nil {
			return nil, fmt.Errorf("count attempts: %w", err)
		}
		if finished >= cfg.MaxAttempts {
			return nil, ErrAttemptLimit
		}
	}

	attempt := &model.Attempt{
		ID:              uuid.New(),
		ExamID:          examID,
		UserID:          userID,
		TenantID:        tenantID,
		Status:          model.AttemptStatusInProgress,
		DurationSeconds: cfg.DurationSeconds,
	}

	lockKey := config.CacheKey.AttemptLockKey(tenantID, examID.String(), userID)
	lockTTL := time.Duration(cfg.DurationSeconds)*time.Second + s.cfg.GracePeriod
	if err := s.locker.Acquire(ctx, lockKey, attempt.ID.String(), lockTTL); err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, ErrConcurrentAttempt
		}
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		_ = s.locker.Release(ctx, lockKey, attempt.ID.String())
		if isUniqueViolation(err) {
			// Lost the insert race to another instance.
			return nil, ErrConcurrentAttempt
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("user_id", userID).
		Msg("attempt started")

	return s.buildState(ctx, attempt, cfg, now, true)
}

// State returns the attempt's current server view. Reading the state of an
// overdue attempt expires it first, so a reconnecting client never sees a
// running timer on a dead attempt.
func (s *AttemptService) State(ctx context.Context, attemptID uuid.UUID, userID int) (*AttemptState, error) {
	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if attempt.Status.Active() && timer.Expired(attempt, now, s.cfg.GracePeriod) {
		if attempt, err = s.expire(ctx, attempt); err != nil {
			return nil, err
		}
	}

	cfg, err := s.exams.GetConfig(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam config: %w", err)
	}
	return s.buildState(ctx, attempt, cfg, now, attempt.Status.Active())
}

// Sync merges an answer batch into an active attempt.
func (s *AttemptService) Sync(ctx context.Context, attemptID uuid.UUID, userID int, entries []model.AnswerEntry) (*SyncOutcome, float64, error) {
	unlock := s.keyed.lock(attemptID.String())
	defer unlock()

	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	if timer.Expired(attempt, now, s.cfg.GracePeriod) {
		if _, err := s.expire(ctx, attempt); err != nil {
			return nil, 0, err
		}
		return nil, 0, ErrInvalidState
	}
	if !attempt.Status.Active() {
		return nil, 0, ErrInvalidState
	}
	if err := s.fence(ctx, attempt); err != nil {
		return nil, 0, err
	}

	questions, err := s.questionIndex(ctx, attempt.ExamID)
	if err != nil {
		return nil, 0, err
	}
	outcome, err := s.syncer.Sync(ctx, attempt, questions, entries, now)
	if err != nil {
		return nil, 0, err
	}
	return outcome, timer.Remaining(attempt, now).Seconds(), nil
}

// Pause freezes the attempt timer. Only allowed when the exam permits it.
func (s *AttemptService) Pause(ctx context.Context, attemptID uuid.UUID, userID int) (*AttemptState, error) {
	unlock := s.keyed.lock(attemptID.String())
	defer unlock()

	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.exams.GetConfig(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam config: %w", err)
	}
	if !cfg.AllowPause {
		return nil, ErrPauseNotAllowed
	}

	now := time.Now()
	if !attempt.Status.Active() || timer.Expired(attempt, now, s.cfg.GracePeriod) {
		return nil, ErrInvalidState
	}

	if timer.Pause(attempt, now) {
		if err := s.attempts.UpdateTimer(ctx, attempt); err != nil {
			return nil, fmt.Errorf("persist pause: %w", err)
		}
	}
	return s.buildState(ctx, attempt, cfg, now, false)
}

// Resume unfreezes a paused attempt, folding the pause span into the
// attempt's paused-time total so the deadline slides accordingly.
func (s *AttemptService) Resume(ctx context.Context, attemptID uuid.UUID, userID int) (*AttemptState, error) {
	unlock := s.keyed.lock(attemptID.String())
	defer unlock()

	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != model.AttemptStatusPaused {
		return nil, ErrInvalidState
	}

	now := time.Now()
	if timer.Resume(attempt, now) {
		if err := s.attempts.UpdateTimer(ctx, attempt); err != nil {
			return nil, fmt.Errorf("persist resume: %w", err)
		}
	}

	cfg, err := s.exams.GetConfig(ctx, attempt.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam config: %w", err)
	}
	return s.buildState(ctx, attempt, cfg, now, true)
}

// Submit closes the attempt with a final answer batch and grades it.
// Submitting an already SUBMITTED or EVALUATED attempt is idempotent: the
// same stored result comes back and no answer changes.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, userID int, entries []model.AnswerEntry) (*AttemptState, error) {
	unlock := s.keyed.lock(attemptID.String())
	defer unlock()

	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case attempt.Status == model.AttemptStatusSubmitted || attempt.Status == model.AttemptStatusEvaluated:
		return s.finalizedState(ctx, attempt, now)
	case attempt.Status == model.AttemptStatusExpired:
		return nil, ErrInvalidState
	case timer.Expired(attempt, now, s.cfg.GracePeriod):
		// Past the grace window: the submission is refused and the
		// attempt expires with whatever was synced before.
		if _, err := s.expire(ctx, attempt); err != nil {
			return nil, err
		}
		return nil, ErrInvalidState
	}

	if err := s.fence(ctx, attempt); err != nil {
		return nil, err
	}

	if len(entries) > 0 {
		questions, err := s.questionIndex(ctx, attempt.ExamID)
		if err != nil {
			return nil, err
		}
		if _, err := s.syncer.Sync(ctx, attempt, questions, entries, now); err != nil {
			return nil, err
		}
	}

	ok, err := s.attempts.Transition(ctx, attempt.ID,
		[]model.AttemptStatus{model.AttemptStatusInProgress, model.AttemptStatusPaused},
		model.AttemptStatusSubmitted, &now)
	if err != nil {
		return nil, fmt.Errorf("transition to submitted: %w", err)
	}
	if !ok {
		// A competing submit or the sweeper moved the attempt first.
		if attempt, err = s.attempts.GetByID(ctx, attempt.ID); err != nil {
			return nil, err
		}
		if attempt.Status == model.AttemptStatusSubmitted || attempt.Status == model.AttemptStatusEvaluated {
			return s.finalizedState(ctx, attempt, now)
		}
		return nil, ErrInvalidState
	}
	attempt.Status = model.AttemptStatusSubmitted
	attempt.SubmittedAt = &now

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("user_id", userID).
		Msg("attempt submitted")

	return s.finalizedState(ctx, attempt, now)
}

// Expire force-closes an overdue attempt and grades whatever was synced.
// Called by the sweeper and lazily from read paths.
func (s *AttemptService) Expire(ctx context.Context, attempt *model.Attempt) (*model.Attempt, error) {
	unlock := s.keyed.lock(attempt.ID.String())
	defer unlock()
	return s.expire(ctx, attempt)
}

// Result returns the stored grading outcome for a finished attempt.
func (s *AttemptService) Result(ctx context.Context, attemptID uuid.UUID, userID int) (*model.AttemptResult, error) {
	attempt, err := s.load(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Status != model.AttemptStatusEvaluated {
		return nil, ErrResultNotReady
	}
	return s.attempts.GetResult(ctx, attemptID)
}

func (s *AttemptService) expire(ctx context.Context, attempt *model.Attempt) (*model.Attempt, error) {
	ok, err := s.attempts.Transition(ctx, attempt.ID,
		[]model.AttemptStatus{model.AttemptStatusInProgress, model.AttemptStatusPaused},
		model.AttemptStatusExpired, nil)
	if err != nil {
		return nil, fmt.Errorf("transition to expired: %w", err)
	}
	if !ok {
		return s.attempts.GetByID(ctx, attempt.ID)
	}
	attempt.Status = model.AttemptStatusExpired

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Msg("attempt expired")

	if _, err := s.finalizer.Finalize(ctx, attempt); err != nil && !scoringPending(err) {
		return nil, fmt.Errorf("finalize expired attempt: %w", err)
	}
	return s.attempts.GetByID(ctx, attempt.ID)
}

// finalizedState grades the attempt (or fetches the stored result) and wraps
// it in a terminal state view.
func (s *AttemptService) finalizedState(ctx context.Context, attempt *model.Attempt, now time.Time) (*AttemptState, error) {
	state := &AttemptState{Attempt: attempt, RemainingSeconds: 0}
	res, err := s.finalizer.Finalize(ctx, attempt)
	if err != nil {
		if scoringPending(err) {
			// Accepted but not gradeable yet; the caller reports the
			// pending evaluation.
			return state, nil
		}
		return nil, err
	}
	if attempt.Status == model.AttemptStatusSubmitted {
		attempt.Status = model.AttemptStatusEvaluated
	}
	state.Result = res
	return state, nil
}

// fence verifies this attempt still owns its single-flight lock before a
// write lands. A reclaimed lock means the sweeper or another instance took
// the attempt over and the in-flight write must be rejected.
func (s *AttemptService) fence(ctx context.Context, attempt *model.Attempt) error {
	key := config.CacheKey.AttemptLockKey(attempt.TenantID, attempt.ExamID.String(), attempt.UserID)
	held, err := s.locker.Held(ctx, key, attempt.ID.String())
	if err != nil {
		return fmt.Errorf("check attempt lock: %w", err)
	}
	if !held {
		return ErrLockExpired
	}
	return nil
}

func (s *AttemptService) load(ctx context.Context, attemptID uuid.UUID, userID int) (*model.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.UserID != userID {
		return nil, ErrNotOwner
	}
	return attempt, nil
}

func (s *AttemptService) questionIndex(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]*model.Question, error) {
	questions, err := s.exams.ListQuestions(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	index := make(map[uuid.UUID]*model.Question, len(questions))
	for i := range questions {
		index[questions[i].ID] = &questions[i]
	}
	return index, nil
}

func (s *AttemptService) buildState(ctx context.Context, attempt *model.Attempt, cfg *model.ExamConfig, now time.Time, withQuestions bool) (*AttemptState, error) {
	state := &AttemptState{
		Attempt:          attempt,
		RemainingSeconds: timer.Remaining(attempt, now).Seconds(),
	}

	answers, err := s.syncer.answers.GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	state.Answers = answers

	if withQuestions {
		questions, err := s.exams.ListQuestions(ctx, attempt.ExamID)
		if err != nil {
			return nil, fmt.Errorf("list questions: %w", err)
		}
		state.Questions = studentQuestions(attempt.ID, questions, cfg)
	}
	return state, nil
}

// studentQuestions strips correct answers and applies the exam's shuffle
// settings. Shuffling is seeded from the attempt ID, so a reconnecting
// client always sees the same order it started with.
func studentQuestions(attemptID uuid.UUID, questions []model.Question, cfg *model.ExamConfig) []model.QuestionForStudent {
	out := make([]model.QuestionForStudent, len(questions))
	for i, q := range questions {
		out[i] = model.QuestionForStudent{
			ID:      q.ID,
			Text:    q.Text,
			Type:    q.Type,
			Options: q.Options,
		}
	}
	if cfg.ShuffleQuestions {
		rng := rand.New(rand.NewSource(attemptSeed(attemptID)))
		rng.Shuffle(len(out), func(i, j int) {
			out[i], out[j] = out[j], out[i]
		})
	}
	return out
}

func attemptSeed(id uuid.UUID) int64 {
	var seed int64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | int64(id[i])
	}
	return seed
}

func scoringPending(err error) bool {
	var pending *scoring.PendingError
	return errors.As(err, &pending)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// keyedMutex serializes operations per attempt within this process. Entries
// are reference counted and removed when the last holder leaves.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*keyedEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
