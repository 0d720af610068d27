package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates attempt lifecycle states.
type AttemptStatus string

const (
	AttemptStatusNotStarted AttemptStatus = "NOT_STARTED"
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusPaused     AttemptStatus = "PAUSED"
	AttemptStatusSubmitted  AttemptStatus = "SUBMITTED"
	AttemptStatusEvaluated  AttemptStatus = "EVALUATED"
	AttemptStatusExpired    AttemptStatus = "EXPIRED"
)

// Active reports whether the attempt still accepts answer writes.
func (s AttemptStatus) Active() bool {
	return s == AttemptStatusInProgress || s == AttemptStatusPaused
}

// Terminal reports whether the attempt has reached its final state.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusEvaluated
}

// Attempt represents one student's timed session against one exam.
// Mutated only through AttemptService transitions; never deleted.
type Attempt struct {
	ID                 uuid.UUID     `json:"id"`
	ExamID             uuid.UUID     `json:"exam_id"`
	UserID             int           `json:"user_id"`
	TenantID           string        `json:"tenant_id"`
	Status             AttemptStatus `json:"status"`
	StartedAt          time.Time     `json:"started_at"`
	SubmittedAt        *time.Time    `json:"submitted_at,omitempty"`
	DurationSeconds    int           `json:"duration_seconds"`
	TotalPausedSeconds int64         `json:"total_paused_seconds"`
	PausedAt           *time.Time    `json:"paused_at,omitempty"`
	// ResultPublished records that the result-ready event went out. It
	// outlives the Redis publish marker, so a finalize retried long after
	// the marker's TTL still emits nothing.
	ResultPublished bool `json:"-"`
}

// Deadline returns the wall-clock time at which the attempt runs out,
// accounting for accumulated pause time. For a currently paused attempt the
// deadline keeps sliding until resume.
func (a *Attempt) Deadline(now time.Time) time.Time {
	paused := time.Duration(a.TotalPausedSeconds) * time.Second
	if a.PausedAt != nil {
		paused += now.Sub(*a.PausedAt)
	}
	return a.StartedAt.
		Add(time.Duration(a.DurationSeconds) * time.Second).
		Add(paused)
}

// StartAttemptRequest is the payload for starting an exam attempt.
type StartAttemptRequest struct {
	ExamID uuid.UUID `json:"exam_id" binding:"required"`
}

// SyncRequest carries a batch of answer entries to merge into the attempt.
type SyncRequest struct {
	Answers []AnswerEntry `json:"answers" binding:"required,dive"`
}

// SubmitRequest carries the final answer batch at submit time. The batch may
// be empty: the last synced answers then stand.
type SubmitRequest struct {
	Answers []AnswerEntry `json:"answers" binding:"dive"`
}
