package apperr

import "fmt"

// Protocol creates an error for a request that could not be framed or parsed
func Protocol(reason string) *Error {
	return New(CodeProtocol, reason)
}

// UnknownCommand creates an error for a command name with no handler
func UnknownCommand(name string) *Error {
	return New(CodeUnknownCommand, fmt.Sprintf("unknown command '%s'", name)).
		WithDetail("command", name)
}

// Validation creates an error naming the offending argument
func Validation(field, reason string) *Error {
	msg := reason
	if field != "" {
		msg = fmt.Sprintf("%s: %s", field, reason)
	}
	return New(CodeValidation, msg).WithDetail("field", field)
}

// InvalidState creates an error for an operation illegal in the current state
func InvalidState(reason string) *Error {
	return New(CodeInvalidState, reason)
}

// JobExecution wraps a failure raised inside a background job
func JobExecution(jobID string, err error) *Error {
	return Wrap(err, CodeJobExecution, err.Error()).WithDetail("job_id", jobID)
}

// ResourceUnavailable reports that a bounded resource is exhausted
func ResourceUnavailable(reason string) *Error {
	return New(CodeResourceUnavailable, reason)
}

// Internal wraps an unexpected failure
func Internal(err error) *Error {
	return Wrap(err, CodeInternal, "internal error")
}
