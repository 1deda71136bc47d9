package freight

import (
	"errors"
	"fmt"
)

// Kind partitions every operation failure into the three classes the
// transport needs to tell apart: bad input, missing record, store failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindPersistence
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validationf reports malformed or out-of-range input, detected before any
// store access.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf reports a referenced record that does not exist.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Persistf wraps an underlying store error with the failing operation name.
func Persistf(op string, err error) error {
	return &Error{Kind: KindPersistence, Message: "failed to " + op, Err: err}
}

// KindOf classifies any error; non-taxonomy errors count as persistence
// failures so nothing escapes unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPersistence
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
