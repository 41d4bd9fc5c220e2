// Package errors wraps github.com/pkg/errors with printf-style constructors and
// re-exports the standard library helpers so callers only import one package.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// New returns an error with a stack trace. Args are applied with fmt semantics.
func New(message string, args ...interface{}) error {
	if len(args) > 0 {
		return errors.Errorf(message, args...)
	}
	return errors.New(message)
}

// Wrap annotates err with a message and a stack trace. Returns nil if err is nil.
func Wrap(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if len(args) > 0 {
		return errors.Wrapf(err, message, args...)
	}
	return errors.Wrap(err, message)
}

// WithStack annotates err with a stack trace at the point it was called.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// Cause returns the underlying cause of the error.
func Cause(err error) error {
	return errors.Cause(err)
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

func Join(errs ...error) error {
	return stderrors.Join(errs...)
}
