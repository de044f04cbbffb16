package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeConfig      Code = 3
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeStale       Code = 14
	CodeBlocked     Code = 16
	CodeExhausted   Code = 17
	CodeParse       Code = 18
)

var codeNames = map[Code]string{
	CodeInternal:    "internal",
	CodeUsage:       "usage",
	CodeConfig:      "configuration",
	CodeAuth:        "authentication",
	CodeRateLimited: "rate_limited",
	CodeUnavailable: "unavailable",
	CodeUnsupported: "unsupported",
	CodeStale:       "stale",
	CodeBlocked:     "blocked",
	CodeExhausted:   "retries_exhausted",
	CodeParse:       "parse",
}

// String returns the snake_case name used in envelopes and logs.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	if c == CodeSuccess {
		return "ok"
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a typed error that carries a stable error code. Message is safe to
// show to end users; Cause holds diagnostic detail that belongs in logs.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether the outermost typed error in err's chain has the given code.
func Is(err error, code Code) bool {
	cliErr, ok := As(err)
	return ok && cliErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
