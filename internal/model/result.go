package model

import (
	"time"

	"github.com/google/uuid"
)

// QuestionResult is the graded outcome for one question.
type QuestionResult struct {
	QuestionID   uuid.UUID `json:"question_id"`
	Answered     bool      `json:"answered"`
	Correct      bool      `json:"correct"`
	MarksAwarded float64   `json:"marks_awarded"`
}

// AttemptResult is the finalized grading outcome of one attempt. Score is
// floor-clamped at zero: aggregate negative marking never reports below 0.
type AttemptResult struct {
	AttemptID       uuid.UUID        `json:"attempt_id"`
	Score           float64          `json:"score"`
	Percentage      float64          `json:"percentage"`
	Passed          bool             `json:"passed"`
	CorrectCount    int              `json:"correct_count"`
	IncorrectCount  int              `json:"incorrect_count"`
	UnansweredCount int              `json:"unanswered_count"`
	Details         []QuestionResult `json:"details"`
	EvaluatedAt     time.Time        `json:"evaluated_at"`
}
