package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors distinguish failure kinds at the HTTP boundary.
var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflict")
	ErrPolicy       = errors.New("operation not permitted")
	ErrUnauthorized = errors.New("unauthorized")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConflict}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}

// CLIError carries the full context of a failed external command.
type CLIError struct {
	Cmd    string   `json:"cmd"`
	Args   []string `json:"args"`
	Stdout string   `json:"stdout"`
	Stderr string   `json:"stderr"`
	Err    error    `json:"-"`
}

func (e *CLIError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Cmd, strings.Join(e.Args, " "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if trimmed := strings.TrimSpace(e.Stderr); trimmed != "" {
		msg += ": " + trimmed
	}
	return msg
}

func (e *CLIError) Unwrap() error {
	return e.Err
}
