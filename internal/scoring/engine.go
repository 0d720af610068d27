// Package scoring grades an attempt against the canonical answer set. It is
// deliberately pure: the same answers, questions and config always produce
// the same result, so attempts can be re-graded after a canonical answer is
// corrected.
package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/model"
)

// PendingError signals that one or more questions have no canonical answer
// yet. The attempt must not be silently scored wrong; finalization blocks
// until the question bank is fixed and the attempt is re-evaluated.
type PendingError struct {
	Missing []uuid.UUID
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("evaluation pending: %d question(s) without canonical answer", len(e.Missing))
}

// Evaluate grades the answer set against the canonical questions.
//
// Per question: exact-set match for multi-select, case-insensitive trimmed
// comparison otherwise; +marks when correct, −marks×ratio when answered
// incorrectly, 0 when unanswered. The aggregate score is floor-clamped at 0.
func Evaluate(
	attemptID uuid.UUID,
	answers map[uuid.UUID]*model.AnswerRecord,
	questions []model.Question,
	cfg *model.ExamConfig,
	evaluatedAt time.Time,
) (*model.AttemptResult, error) {
	var missing []uuid.UUID
	for _, q := range questions {
		if len(q.Correct) == 0 {
			missing = append(missing, q.ID)
		}
	}
	if len(missing) > 0 {
		return nil, &PendingError{Missing: missing}
	}

	result := &model.AttemptResult{
		AttemptID:   attemptID,
		Details:     make([]model.QuestionResult, 0, len(questions)),
		EvaluatedAt: evaluatedAt,
	}

	var score float64
	for _, q := range questions {
		detail := model.QuestionResult{QuestionID: q.ID}

		rec := answers[q.ID]
		if rec == nil || !rec.Answered() {
			// Unanswered is never penalized.
			result.UnansweredCount++
			result.Details = append(result.Details, detail)
			continue
		}

		detail.Answered = true
		if isCorrect(q, rec.Selected) {
			detail.Correct = true
			detail.MarksAwarded = q.Marks
			result.CorrectCount++
		} else {
			detail.MarksAwarded = -q.Marks * cfg.NegativeMarkingRatio
			result.IncorrectCount++
		}
		score += detail.MarksAwarded
		result.Details = append(result.Details, detail)
	}

	// Aggregate negative marking reports 0, not a negative score.
	if score < 0 {
		score = 0
	}
	result.Score = score

	totalMarks := cfg.TotalMarks
	if totalMarks <= 0 {
		for _, q := range questions {
			totalMarks += q.Marks
		}
	}
	if totalMarks > 0 {
		result.Percentage = score / totalMarks * 100
	}
	result.Passed = score >= cfg.PassingMarks

	return result, nil
}

// isCorrect compares a selected answer against the canonical set.
func isCorrect(q model.Question, selected []string) bool {
	if q.Type == model.QuestionTypeMCQMulti {
		return setsEqual(q.Correct, selected)
	}
	if len(selected) != 1 || len(q.Correct) != 1 {
		return false
	}
	return normalize(selected[0]) == normalize(q.Correct[0])
}

func setsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[normalize(v)] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[normalize(v)]; !ok {
			return false
		}
	}
	return true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
