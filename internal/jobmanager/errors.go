package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidJobID      = errors.New("invalid job id")
	ErrResultNotFound    = errors.New("result not found")
	ErrNoPID             = errors.New("no pid recorded")
	ErrProcessDead       = errors.New("process already dead")
	ErrUnsupportedSchema = errors.New("unsupported record schema version")

	// ErrConfigurationMissing is a job-level failure: the Control Interface
	// still starts, the worker fails the job.
	ErrConfigurationMissing = errors.New("required configuration missing")
)

// InvalidStateError is returned when attempting an invalid Job state
// transition.
type InvalidStateError struct {
	from JobState
	to   JobState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to JobState) InvalidStateError {
	return InvalidStateError{from, to}
}

// CollaboratorErrorKind distinguishes a collaborator that could not be
// started from one that ran and failed.
type CollaboratorErrorKind int

const (
	CollaboratorLaunchFailure CollaboratorErrorKind = iota
	CollaboratorExecutionFailure
)

// CollaboratorError describes a failure of the external assistant process.
type CollaboratorError struct {
	Kind        CollaboratorErrorKind
	RateLimited bool
	Err         error
}

func (e *CollaboratorError) Error() string {
	return e.Err.Error()
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}
