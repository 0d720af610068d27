package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerEntry is one element of a sync/submit batch.
//
// Selected == nil is an explicit clear of a previously stored answer.
// A question simply absent from the batch is untouched; omission never
// erases a stored answer.
type AnswerEntry struct {
	QuestionID       uuid.UUID `json:"question_id" binding:"required"`
	Selected         []string  `json:"answer"`
	Flagged          bool      `json:"flagged"`
	AnsweredAt       time.Time `json:"answered_at" binding:"required"`
	TimeSpentSeconds int       `json:"time_spent_seconds" binding:"min=0"`
}

// AnswerRecord is the stored answer state, unique per (attempt, question).
// Merging is last-write-wins by AnsweredAt with ties broken by server
// receive order.
type AnswerRecord struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	QuestionID       uuid.UUID `json:"question_id"`
	Selected         []string  `json:"selected"`
	Flagged          bool      `json:"flagged"`
	AnsweredAt       time.Time `json:"answered_at"`
	ServerReceivedAt time.Time `json:"server_received_at"`
	TimeSpentSeconds int       `json:"time_spent_seconds"`
}

// Answered reports whether the record currently holds a non-cleared answer.
func (r *AnswerRecord) Answered() bool {
	return len(r.Selected) > 0
}
