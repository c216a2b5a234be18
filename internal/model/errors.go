package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidData marks client errors found while validating a submission.
	ErrInvalidData = errors.New("invalid data")
	// ErrNotFound marks references to things that do not exist: an unknown
	// modification or an unknown job.
	ErrNotFound = errors.New("not found")
)

// kindError carries a user-facing message while still matching one of the
// sentinel kinds above through errors.Is.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

// InvalidData returns an error whose message is exactly the formatted text and
// which matches ErrInvalidData.
func InvalidData(format string, args ...any) error {
	return &kindError{kind: ErrInvalidData, msg: fmt.Sprintf(format, args...)}
}

// NotFound returns an error whose message is exactly the formatted text and
// which matches ErrNotFound.
func NotFound(format string, args ...any) error {
	return &kindError{kind: ErrNotFound, msg: fmt.Sprintf(format, args...)}
}
