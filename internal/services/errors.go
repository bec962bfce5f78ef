package services

import (
	"errors"
	"fmt"
)

// ErrPermanent marks task failures that must not be retried.
var ErrPermanent = errors.New("permanent failure")

var (
	ErrInvalidPayload   = fmt.Errorf("%w: invalid task payload", ErrPermanent)
	ErrFeedbackNotFound = fmt.Errorf("%w: feedback not found", ErrPermanent)
	ErrUnknownTask      = fmt.Errorf("%w: unknown task type", ErrPermanent)

	ErrEntityNotFound     = errors.New("entity not found")
	ErrEntityInactive     = errors.New("entity is inactive")
	ErrForbidden          = errors.New("forbidden")
	ErrUploadNotFound     = errors.New("upload batch not found")
	ErrAnnotationNotFound = errors.New("annotation not found")
	ErrUnsupportedFile    = errors.New("unsupported file format")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidState       = errors.New("invalid status for this operation")
)

// IsPermanent reports whether err should end a task without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
