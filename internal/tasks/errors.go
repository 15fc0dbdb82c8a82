package tasks

import (
	"errors"

	"github.com/ent0n29/humantasks/internal/assignment"
	"github.com/ent0n29/humantasks/internal/definition"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrVersionConflict   = errors.New("version conflict")

	ErrValidation           = definition.ErrValidation
	ErrInvalidInput         = definition.ErrInvalidInput
	ErrDirectoryUnavailable = assignment.ErrDirectoryUnavailable
)

// Rejection reasons, one per error class.
const (
	ReasonValidation           = "validation_failed"
	ReasonInvalidInput         = "invalid_input"
	ReasonDirectoryUnavailable = "directory_unavailable"
	ReasonIllegalTransition    = "illegal_transition"
	ReasonUnauthorized         = "unauthorized"
	ReasonVersionConflict      = "version_conflict"
	ReasonNotFound             = "task_not_found"
	ReasonInternal             = "internal"
)

// ReasonOf classifies err into the rejection taxonomy.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return ReasonValidation
	case errors.Is(err, ErrInvalidInput):
		return ReasonInvalidInput
	case errors.Is(err, ErrDirectoryUnavailable):
		return ReasonDirectoryUnavailable
	case errors.Is(err, ErrIllegalTransition):
		return ReasonIllegalTransition
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrVersionConflict):
		return ReasonVersionConflict
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, definition.ErrDefinitionNotFound):
		return ReasonNotFound
	default:
		return ReasonInternal
	}
}
