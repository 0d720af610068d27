package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden          ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly  ErrCode = "STUDENT_ACCESS_ONLY"
	ErrReviewerAccessOnly ErrCode = "REVIEWER_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	ErrConcurrentAttempt   ErrCode = "CONCURRENT_ATTEMPT_CONFLICT"
	ErrExamWindowClosed    ErrCode = "EXAM_WINDOW_CLOSED"
	ErrAttemptLimit        ErrCode = "ATTEMPT_LIMIT_EXCEEDED"
	ErrInvalidAttemptState ErrCode = "INVALID_ATTEMPT_STATE"
	ErrAnswerValidation    ErrCode = "ANSWER_VALIDATION_ERROR"
	ErrLockExpired         ErrCode = "LOCK_EXPIRED"
	ErrEvaluationPending   ErrCode = "EVALUATION_PENDING"
	ErrPauseNotAllowed     ErrCode = "PAUSE_NOT_ALLOWED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have permission to access this resource."
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrReviewerAccessOnly:
		return "This resource is restricted to reviewers."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."

	// ─── Attempt lifecycle ─────────────────────────────────────────────
	case ErrConcurrentAttempt:
		return "Another attempt for this exam is already in progress."
	case ErrExamWindowClosed:
		return "This exam is not open at the moment."
	case ErrAttemptLimit:
		return "You have used all allowed attempts for this exam."
	case ErrInvalidAttemptState:
		return "The attempt is not in a state that accepts this operation. Refetch its state and retry."
	case ErrAnswerValidation:
		return "The answer batch is malformed. No answers were applied."
	case ErrLockExpired:
		return "The attempt was reclaimed by the server. Refetch its state."
	case ErrEvaluationPending:
		return "The attempt was received and will be graded shortly."
	case ErrPauseNotAllowed:
		return "This exam does not allow pausing."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
