package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/model"
)

// AnswerStore is the persistence surface the sync service needs.
type AnswerStore interface {
	GetByAttempt(ctx context.Context, attemptID uuid.UUID) (map[uuid.UUID]*model.AnswerRecord, error)
	SaveBatch(ctx context.Context, records []*model.AnswerRecord) error
}

// AnswerSyncService merges incoming answer batches into stored attempt state.
//
// Merging is last-write-wins per question keyed on the client's AnsweredAt,
// so delayed and retried batches are safe: a replay of an already-applied
// batch changes nothing, and an old batch arriving after a newer one never
// rolls an answer back.
type AnswerSyncService struct {
	answers AnswerStore
}

// NewAnswerSyncService creates a new AnswerSyncService.
func NewAnswerSyncService(answers AnswerStore) *AnswerSyncService {
	return &AnswerSyncService{answers: answers}
}

// SyncOutcome summarizes one merged batch.
type SyncOutcome struct {
	Applied int `json:"applied"`
	Stale   int `json:"stale"`
}

// Sync validates the batch against the exam's questions, merges it into the
// stored records and persists the changed rows in one transaction. The batch
// is all-or-nothing: any malformed entry rejects the whole batch with a
// ValidationError and no answer is touched.
func (s *AnswerSyncService) Sync(ctx context.Context, attempt *model.Attempt, questions map[uuid.UUID]*model.Question, entries []model.AnswerEntry, receivedAt time.Time) (*SyncOutcome, error) {
	if err := validateBatch(questions, entries); err != nil {
		return nil, err
	}

	stored, err := s.answers.GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}

	outcome := &SyncOutcome{}
	changed := make(map[uuid.UUID]*model.AnswerRecord)

	for _, e := range entries {
		existing := stored[e.QuestionID]
		merged, applied := mergeAnswer(attempt.ID, existing, e, receivedAt, questions[e.QuestionID])
		if !applied {
			outcome.Stale++
			continue
		}
		stored[e.QuestionID] = merged
		changed[e.QuestionID] = merged
		outcome.Applied++
	}

	if len(changed) == 0 {
		return outcome, nil
	}

	batch := make([]*model.AnswerRecord, 0, len(changed))
	for _, rec := range changed {
		batch = append(batch, rec)
	}
	if err := s.answers.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save answers: %w", err)
	}
	return outcome, nil
}

func validateBatch(questions map[uuid.UUID]*model.Question, entries []model.AnswerEntry) error {
	for _, e := range entries {
		q, ok := questions[e.QuestionID]
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("unknown question %s", e.QuestionID)}
		}
		if e.TimeSpentSeconds < 0 {
			return &ValidationError{Reason: fmt.Sprintf("negative time spent on question %s", e.QuestionID)}
		}
		switch q.Type {
		case model.QuestionTypeMCQSingle, model.QuestionTypeTrueFalse, model.QuestionTypeFillBlank:
			if len(e.Selected) > 1 {
				return &ValidationError{Reason: fmt.Sprintf("question %s accepts a single answer", e.QuestionID)}
			}
		}
	}
	return nil
}

// mergeAnswer resolves one incoming entry against the stored record.
//
// Rules, in order:
//   - no stored record: the entry lands as-is.
//   - entry older than stored: stale, dropped.
//   - same AnsweredAt, same content: replay, dropped (idempotent).
//   - same AnsweredAt, different content: the entry wins; server receive
//     order is the tie-break, and time spent keeps the larger figure rather
//     than double counting the same client interval.
//   - entry strictly newer: the entry wins and its time spent accrues on top
//     of the stored figure.
//
// Accumulated time spent is capped at the question's per-question time limit
// when one is configured; a client cannot report more focus time on a
// question than the question allows.
func mergeAnswer(attemptID uuid.UUID, existing *model.AnswerRecord, e model.AnswerEntry, receivedAt time.Time, q *model.Question) (*model.AnswerRecord, bool) {
	rec := &model.AnswerRecord{
		AttemptID:        attemptID,
		QuestionID:       e.QuestionID,
		Selected:         e.Selected,
		Flagged:          e.Flagged,
		AnsweredAt:       e.AnsweredAt,
		ServerReceivedAt: receivedAt,
		TimeSpentSeconds: e.TimeSpentSeconds,
	}

	if existing != nil {
		if e.AnsweredAt.Before(existing.AnsweredAt) {
			return existing, false
		}
		if e.AnsweredAt.Equal(existing.AnsweredAt) {
			if sameAnswer(existing, &e) {
				return existing, false
			}
			if existing.TimeSpentSeconds > rec.TimeSpentSeconds {
				rec.TimeSpentSeconds = existing.TimeSpentSeconds
			}
		} else {
			rec.TimeSpentSeconds += existing.TimeSpentSeconds
		}
	}

	if q != nil && q.TimeLimitSeconds != nil && rec.TimeSpentSeconds > *q.TimeLimitSeconds {
		rec.TimeSpentSeconds = *q.TimeLimitSeconds
	}
	return rec, true
}

func sameAnswer(rec *model.AnswerRecord, e *model.AnswerEntry) bool {
	if rec.Flagged != e.Flagged || len(rec.Selected) != len(e.Selected) {
		return false
	}
	for i := range rec.Selected {
		if rec.Selected[i] != e.Selected[i] {
			return false
		}
	}
	return true
}
