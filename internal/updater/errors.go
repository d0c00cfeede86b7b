package updater

import (
	"errors"
	"fmt"
)

// Code classifies an updater failure.
type Code string

// Failure codes.
const (
	CodeDisabled      Code = "DISABLED"
	CodeBusy          Code = "INVALID_STATE"
	CodeCheckFailed   Code = "CHECK_FAILED"
	CodeNotFound      Code = "NOT_FOUND"
	CodeNoUpdate      Code = "NO_UPDATE"
	CodeBackupFailed  Code = "BACKUP_FAILED"
	CodeApplyFailed   Code = "APPLY_FAILED"
	CodeNoBackup      Code = "NO_BACKUP"
	CodeRestoreFailed Code = "ROLLBACK_FAILED"
)

// Error is an updater failure carrying its Code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func fail(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the Code of an updater error, or "" for other errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
