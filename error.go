package chronos

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	Unknown ErrorCode = iota
	// ErrValidation: missing required indexed field, invalid base64, bad template
	// variable, malformed context, missing confirmation on a destructive op.
	ErrValidation
	// ErrNotFound: unknown id or version.
	ErrNotFound
	// ErrOptimisticLock: expectedOv mismatch at commit; caller must re-read and re-issue.
	ErrOptimisticLock
	// ErrLockBusy: cross-process record lock currently held by another owner.
	ErrLockBusy
	// ErrRoute: no backend resolvable for the given context.
	ErrRoute
	// ErrStorage: blob store failure.
	ErrStorage
	// ErrTxn: metadata transaction aborted.
	ErrTxn
	// ErrConfig: configuration invariant violated at init. Fatal.
	ErrConfig
)

// Chronos custom error. Code carries the taxonomy tag; replay and dead-letter
// decisions match on the tag, never on the message text.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData != nil {
		return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
	}
	return fmt.Sprintf("error code: %d, details: %v", e.Code, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given taxonomy code.
func NewError(code ErrorCode, err error) Error {
	return Error{Code: code, Err: err}
}

// Errorf formats a new tagged error.
func Errorf(code ErrorCode, format string, args ...any) Error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the taxonomy code of err, or Unknown if err carries no tag.
func CodeOf(err error) ErrorCode {
	var ce Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unknown
}

// IsPermanent reports whether the error is terminal for replay purposes.
// These are the tags the fallback worker recognizes when deciding dead-letter.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case ErrValidation, ErrNotFound, ErrOptimisticLock, ErrRoute, ErrConfig:
		return true
	}
	return false
}
