package jobmanager

import "sync/atomic"

// JobState is the lifecycle state of a Job as persisted in its Job Record.
type JobState string

const (
	// JobStateStarting indicates the Job Record has been created but the
	// worker process has not yet been confirmed as running.
	JobStateStarting JobState = "starting"

	// JobStateRunning indicates the worker process has been spawned and its pid
	// recorded. The job can be killed.
	JobStateRunning JobState = "running"

	// JobStateCompleted indicates the collaborator reported success.
	JobStateCompleted JobState = "completed"

	// JobStateFailed indicates the job ended without success, e.g. missing
	// credentials, the collaborator failed, or the worker died unexpectedly.
	JobStateFailed JobState = "failed"

	// JobStateKilled indicates the job was stopped by a termination signal.
	JobStateKilled JobState = "killed"

	// JobStateNotFound is never persisted. It's reported by status queries for
	// job ids with no Job Record.
	JobStateNotFound JobState = "not_found"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateKilled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a forward move
// through starting -> running -> {completed|failed|killed}.
//
// A job may go straight from starting to a terminal state, e.g. when the
// worker fails fast before the launcher has recorded it as running.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobStateStarting:
		return next == JobStateRunning || next.IsTerminal()
	case JobStateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

func (s JobState) String() string {
	return string(s)
}

// AtomicJobState holds the in-process view of a JobState. The worker uses it
// so that exactly one of its termination paths wins.
type AtomicJobState struct {
	v atomic.Value
}

// Load atomically loads the JobState value.
func (a *AtomicJobState) Load() JobState {
	s, ok := a.v.Load().(JobState)
	if !ok {
		return JobStateStarting
	}

	return s
}

// Store atomically stores the JobState value.
func (a *AtomicJobState) Store(s JobState) {
	a.v.Store(s)
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new JobState.
func (a *AtomicJobState) CompareAndSwap(o, n JobState) bool {
	if a.v.CompareAndSwap(o, n) {
		return true
	}

	// The zero value reads as JobStateStarting.
	if o == JobStateStarting {
		return a.v.CompareAndSwap(nil, n)
	}

	return false
}
