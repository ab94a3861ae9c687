// Package errors wraps the error helpers used throughout the module.
package errors

import "github.com/pkg/errors"

// New returns an error with the supplied message.
func New(message string) error {
	return errors.New(message)
}

// WrapError annotates err with a message.
func WrapError(err error, message string) error {
	return errors.Wrap(err, message)
}

// WrapErrorf annotates err with a formatted message.
func WrapErrorf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
