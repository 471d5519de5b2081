package errors

import (
	"fmt"
)

// New returns an error with the given message. The message is formatted with
// fmt.Sprintf if any args are supplied.
func New(format string, args ...interface{}) error {
	if len(args) == 0 {
		return baseError{format}
	}
	return baseError{fmt.Sprintf(format, args...)}
}

type baseError struct {
	msg string
}

func (err baseError) Error() string {
	return err.msg
}

// withContext annotates an error with a short description of what was
// being attempted when it occurred.
type withContext struct {
	context string
	err     error
}

// WithContext adds context to err. The resulting message is "context: err".
// Returns nil if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return withContext{context: context, err: err}
}

func (err withContext) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err withContext) Unwrap() error {
	return err.err
}

// RootCause strips the context added by WithContext and returns the
// original error.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(withContext)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// friendlyError is an error whose message is meant to be shown to the user
// as is, without the context chain.
type friendlyError struct {
	msgTemplate string
	args        []interface{}
}

// NewFriendlyError creates an error that is printed to the user verbatim.
func NewFriendlyError(template string, args ...interface{}) error {
	return friendlyError{template, args}
}

func (err friendlyError) Error() string {
	return err.FriendlyMessage()
}

func (err friendlyError) FriendlyMessage() string {
	if len(err.args) == 0 {
		return err.msgTemplate
	}
	return fmt.Sprintf(err.msgTemplate, err.args...)
}

// Friendly is implemented by errors that carry a user-facing message.
type Friendly interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user.
// If the root cause is friendly, only its message is returned. Otherwise,
// the full error chain is.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(Friendly); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

// IsFriendly returns whether the root cause of err is a friendly error.
func IsFriendly(err error) bool {
	_, ok := RootCause(err).(Friendly)
	return ok
}
