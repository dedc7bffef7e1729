package core

import (
	"errors"
	"fmt"

	"github.com/mikey-austin/pubsub/pkg/pubsub"
)

// Exit codes returned by the pubsub CLI.
const (
	ExitOK       = 0
	ExitRuntime  = 1
	ExitUsage    = 2
	ExitNotFound = 4
	ExitConflict = 5
)

// CLIError carries a user-visible message and exit code.
type CLIError struct {
	Code int
	Msg  string
	Err  error
}

func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *CLIError) Unwrap() error {
	return e.Err
}

// WrapError creates a CLIError with an underlying error.
func WrapError(code int, msg string, err error) *CLIError {
	return &CLIError{Code: code, Msg: msg, Err: err}
}

// ErrorForReplyCode maps protocol error codes to CLI exit codes.
func ErrorForReplyCode(code pubsub.ErrorCode, message string) *CLIError {
	if message == "" {
		message = string(code)
	}
	switch code {
	case pubsub.CodeUnknownTopic, pubsub.CodeNotSubscribed:
		return &CLIError{Code: ExitNotFound, Msg: message}
	case pubsub.CodeAlreadySubscribed:
		return &CLIError{Code: ExitConflict, Msg: message}
	case pubsub.CodeUnreadableRequest:
		return &CLIError{Code: ExitUsage, Msg: message}
	default:
		return &CLIError{Code: ExitRuntime, Msg: message}
	}
}

// ExitCode returns the CLI exit code from error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		return cliErr.Code
	}
	return ExitRuntime
}
