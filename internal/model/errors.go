package model

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrStorage           = errors.New("storage unavailable")
	ErrConflict          = errors.New("concurrent modification")
	ErrChallengePending  = errors.New("challenge already pending")
	ErrNoActiveChallenge = errors.New("no active challenge")
)

// Error carries an error kind plus the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is matches both the kind and any wrapped cause.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf builds an ErrValidation error.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound error.
func NotFoundf(op, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// StorageErr wraps an underlying store failure as ErrStorage.
func StorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: ErrStorage, Op: op, Err: err}
}

// IsTransient reports whether the caller may retry the operation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
