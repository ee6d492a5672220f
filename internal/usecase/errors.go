package usecase

import (
	"errors"
	"fmt"

	"plant-doctor/internal/domain"
)

type ErrorCode string

const (
	ErrorNoActiveSession        ErrorCode = "NO_ACTIVE_SESSION"
	ErrorClassificationTerminal ErrorCode = "CLASSIFICATION_TERMINAL"
	ErrorRateLimited            ErrorCode = "RATE_LIMITED"
	ErrorInvalidInput           ErrorCode = "INVALID_INPUT"
	ErrorInternal               ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// IntentForError converts any error from Service into a user-facing intent.
// Unknown errors become a generic IntentError.
func IntentForError(err error) domain.Intent {
	var ue *Error
	if !errors.As(err, &ue) {
		return domain.Intent{Kind: domain.IntentError}
	}
	switch ue.Code {
	case ErrorNoActiveSession:
		return domain.Intent{Kind: domain.IntentSessionExpired}
	case ErrorRateLimited:
		return domain.Intent{Kind: domain.IntentRateLimited}
	case ErrorInvalidInput:
		if ue.Reason == reasonInvalidImage {
			return domain.Intent{Kind: domain.IntentError, Reason: domain.IntentReasonInvalidImage}
		}
		return domain.Intent{Kind: domain.IntentError}
	default:
		return domain.Intent{Kind: domain.IntentError}
	}
}
