package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QuestionType enumerates supported question formats.
type QuestionType string

const (
	QuestionTypeMCQSingle QuestionType = "MCQ_SINGLE"
	QuestionTypeMCQMulti  QuestionType = "MCQ_MULTI"
	QuestionTypeTrueFalse QuestionType = "TRUE_FALSE"
	QuestionTypeFillBlank QuestionType = "FILL_BLANK"
)

// Question is the canonical question record owned by the question bank.
// Correct holds the authoritative answer set; it never leaves the server.
type Question struct {
	ID               uuid.UUID       `json:"id"`
	ExamID           uuid.UUID       `json:"exam_id"`
	Text             string          `json:"text"`
	Type             QuestionType    `json:"type"`
	Options          json.RawMessage `json:"options"`
	Correct          []string        `json:"correct"`
	Marks            float64         `json:"marks"`
	TimeLimitSeconds *int            `json:"time_limit_seconds,omitempty"`
	OrderNum         int             `json:"order_num"`
}

// QuestionForStudent is a question stripped of the correct answer.
type QuestionForStudent struct {
	ID      uuid.UUID       `json:"id"`
	Text    string          `json:"text"`
	Type    QuestionType    `json:"type"`
	Options json.RawMessage `json:"options"`
}

// ExamConfig is the read-only exam configuration owned by the exam
// collaborator. The engine consumes it; it never writes it.
type ExamConfig struct {
	ExamID               uuid.UUID  `json:"exam_id"`
	TenantID             string     `json:"tenant_id"`
	Title                string     `json:"title"`
	DurationSeconds      int        `json:"duration_seconds"`
	TotalMarks           float64    `json:"total_marks"`
	PassingMarks         float64    `json:"passing_marks"`
	NegativeMarkingRatio float64    `json:"negative_marking_ratio"`
	AllowPause           bool       `json:"allow_pause"`
	ShuffleQuestions     bool       `json:"shuffle_questions"`
	ShuffleOptions       bool       `json:"shuffle_options"`
	// MaxAttempts caps finished attempts per user; 0 means unlimited.
	MaxAttempts    int        `json:"max_attempts"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	// RiskThreshold overrides the global review threshold when set.
	RiskThreshold *float64 `json:"risk_threshold,omitempty"`
	// RiskWeights overrides per-event-type weights when set.
	RiskWeights map[string]float64 `json:"risk_weights,omitempty"`
}

// WindowOpen reports whether now falls inside the exam's configured
// schedule. A nil bound is open-ended on that side.
func (c *ExamConfig) WindowOpen(now time.Time) bool {
	if c.ScheduledStart != nil && now.Before(*c.ScheduledStart) {
		return false
	}
	if c.ScheduledEnd != nil && now.After(*c.ScheduledEnd) {
		return false
	}
	return true
}
