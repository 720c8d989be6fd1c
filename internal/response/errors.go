package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"

	// ─── Session ───────────────────────────────────────────────────────
	ErrTestNotAvailable  ErrCode = "TEST_NOT_AVAILABLE"
	ErrNoQuestions       ErrCode = "NO_QUESTIONS"
	ErrNoActiveSession   ErrCode = "NO_ACTIVE_SESSION"
	ErrSessionClosed     ErrCode = "SESSION_CLOSED"
	ErrSessionLocked     ErrCode = "SESSION_LOCKED"
	ErrQuestionMismatch  ErrCode = "QUESTION_MISMATCH"
	ErrInvalidOption     ErrCode = "INVALID_OPTION"
	ErrNoAnswers         ErrCode = "NO_ANSWERS"
	ErrPersistenceFailed ErrCode = "PERSISTENCE_FAILED"

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
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

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

	// ─── Session ───────────────────────────────────────────────────────
	case ErrTestNotAvailable:
		return "This test is not available right now."
	case ErrNoQuestions:
		return "This test has no questions left to serve."
	case ErrNoActiveSession:
		return "There is no active session for this test."
	case ErrSessionClosed:
		return "This session is being finalized and no longer accepts input."
	case ErrSessionLocked:
		return "This session is open on another device."
	case ErrQuestionMismatch:
		return "The answer does not match the current question."
	case ErrInvalidOption:
		return "The selected option does not exist."
	case ErrNoAnswers:
		return "At least one answer is required before submitting."
	case ErrPersistenceFailed:
		return "Your answers could not be saved. Please submit again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
