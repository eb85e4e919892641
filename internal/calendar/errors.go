package calendar

import (
	"errors"
	"fmt"

	"flamcal/internal/conflict"
	"flamcal/internal/model"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("time conflict")
	ErrNotFound   = errors.New("event not found")
)

// ValidationError rejects input before any store mutation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports the entry a candidate collided with.
type ConflictError struct {
	With conflict.Item
}

func (e *ConflictError) Error() string {
	id := e.With.ID
	if e.With.OriginalEventID != "" {
		id = e.With.OriginalEventID
	}
	return fmt.Sprintf("time conflict with %s at %s", id, model.FormatISO(e.With.DateTime))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("event %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
