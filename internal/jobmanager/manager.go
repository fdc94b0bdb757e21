package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ProcessExitedUnexpectedly is the error recorded by liveness reconciliation.
const ProcessExitedUnexpectedly = "Process exited unexpectedly"

// Store persists Job Records, Output Logs and Result Records.
type Store interface {
	CreateJob(rec *JobRecord) error
	ReadJob(id string) (*JobRecord, error)
	WriteJob(rec *JobRecord) error

	// UpdateJob re-reads the record for id, applies fn and writes the result,
	// excluding other UpdateJob callers for the duration. If fn returns an
	// error nothing is written, and the record as read is returned alongside
	// the error.
	UpdateJob(id string, fn func(*JobRecord) error) (*JobRecord, error)

	AppendOutput(id, text string) error
	TailOutput(id string, n int) (int, string, error)

	WriteResult(rec *ResultRecord) error
	ReadResult(id string) (*ResultRecord, error)

	ListJobIDs() ([]string, error)
}

// Process identifies a worker process. StartTime is zero when unknown.
type Process struct {
	PID       int
	StartTime uint64
}

// SpawnRequest describes the worker to launch.
type SpawnRequest struct {
	JobID       string
	LaunchToken string
}

// Supervisor launches detached worker processes and signals them.
type Supervisor interface {
	Spawn(req SpawnRequest) (Process, error)
	IsAlive(p Process) bool
	Terminate(pid int) error
}

// Manager implements the job lifecycle operations on top of a Store and a
// Supervisor. It never talks to a running worker directly; everything goes
// through the Store.
type Manager struct {
	store      Store
	supervisor Supervisor
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager.
func NewManager(store Store, supervisor Supervisor, logger *slog.Logger) *Manager {
	return &Manager{
		store:      store,
		supervisor: supervisor,
		logger:     logger,
		now:        time.Now,
	}
}

// Start creates the Job Record, launches its worker and records the worker's
// pid. It returns without waiting for the job to make progress.
func (m *Manager) Start(
	jobID string,
	prompt string,
	cwd string,
	opts StartOptions,
) (*StartResult, error) {
	if prompt == "" {
		return nil, errors.New("prompt cannot be empty")
	}

	rec := &JobRecord{
		SchemaVersion: SchemaVersion,
		JobID:         jobID,
		Status:        JobStateStarting,
		Prompt:        prompt,
		Cwd:           cwd,
		Model:         opts.Model,
		AllowedTools:  opts.AllowedTools,
		StartedAt:     m.now().UTC(),
		LaunchToken:   uuid.NewString(),
	}

	if err := m.store.CreateJob(rec); err != nil {
		return nil, err
	}

	proc, err := m.supervisor.Spawn(SpawnRequest{
		JobID:       jobID,
		LaunchToken: rec.LaunchToken,
	})
	if err != nil {
		msg := fmt.Sprintf("Failed to start worker: %v", err)

		if _, uerr := m.store.UpdateJob(jobID, func(r *JobRecord) error {
			return r.Fail(msg, m.now())
		}); uerr != nil {
			m.logger.Warn("record spawn failure", "jobId", jobID, "err", uerr)
		}

		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	m.logger.Debug("spawned worker", "jobId", jobID, "pid", proc.PID)

	// The worker may already have recorded itself as running, or even
	// finished, by the time we get here. Only fill in what's missing, and
	// leave a finished record alone.
	rec, err = m.store.UpdateJob(jobID, func(r *JobRecord) error {
		if r.Status.IsTerminal() {
			return NewInvalidStateError(r.Status, JobStateRunning)
		}

		if r.PID == nil {
			pid := proc.PID
			r.PID = &pid
			r.PIDStartTime = proc.StartTime
		}

		if r.Status == JobStateStarting {
			return r.Transition(JobStateRunning, m.now())
		}

		return nil
	})
	if err != nil {
		var stateErr InvalidStateError
		if !errors.As(err, &stateErr) {
			return nil, fmt.Errorf("record worker pid: %w", err)
		}
	}

	return &StartResult{JobID: jobID, PID: proc.PID, Status: rec.Status}, nil
}

// Status returns the status of the Job with the given id. A job without a
// record is reported as JobStateNotFound rather than as an error.
//
// A running job whose worker is no longer alive is marked failed before its
// status is returned.
func (m *Manager) Status(jobID string) (*JobStatus, error) {
	rec, err := m.store.ReadJob(jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return &JobStatus{JobID: jobID, Status: JobStateNotFound}, nil
		}

		return nil, err
	}

	if rec.Status != JobStateRunning {
		return newJobStatus(rec), nil
	}

	proc, ok := rec.Process()
	if !ok || m.supervisor.IsAlive(proc) {
		return newJobStatus(rec), nil
	}

	updated, err := m.store.UpdateJob(jobID, func(r *JobRecord) error {
		// The worker finalized between our read and taking the lock.
		if r.Status != JobStateRunning {
			return NewInvalidStateError(r.Status, JobStateFailed)
		}

		return r.Fail(ProcessExitedUnexpectedly, m.now())
	})
	if err != nil && !errors.As(err, new(InvalidStateError)) {
		return nil, fmt.Errorf("reconcile liveness: %w", err)
	}

	if err == nil {
		m.logger.Info("worker exited unexpectedly", "jobId", jobID, "pid", proc.PID)
	}

	return newJobStatus(updated), nil
}

// Result returns the Result Record of the Job with the given id. Until one
// has been written, a record with a nil Result and the current status is
// returned instead.
func (m *Manager) Result(jobID string) (*ResultRecord, error) {
	res, err := m.store.ReadResult(jobID)
	if err == nil {
		return res, nil
	}

	if !errors.Is(err, ErrResultNotFound) {
		return nil, err
	}

	st, err := m.Status(jobID)
	if err != nil {
		return nil, err
	}

	return &ResultRecord{JobID: jobID, Status: st.Status}, nil
}

// Logs returns the total line count and the last tail lines of the Output
// Log of the Job with the given id.
func (m *Manager) Logs(jobID string, tail int) (*JobLogs, error) {
	if tail < 0 {
		return nil, fmt.Errorf("tail must not be negative: got %d", tail)
	}

	lines, text, err := m.store.TailOutput(jobID, tail)
	if err != nil {
		return nil, err
	}

	return &JobLogs{JobID: jobID, Lines: lines, Tail: text}, nil
}

// List returns the status of every known Job.
func (m *Manager) List() ([]*JobStatus, error) {
	ids, err := m.store.ListJobIDs()
	if err != nil {
		return nil, err
	}

	jobs := make([]*JobStatus, 0, len(ids))

	for _, id := range ids {
		st, err := m.Status(id)
		if err != nil {
			m.logger.Warn("skip unreadable job", "jobId", id, "err", err)
			continue
		}

		jobs = append(jobs, st)
	}

	return jobs, nil
}

// Kill sends a termination signal to the worker of the Job with the given id
// and marks the job killed, unless the worker has already recorded a terminal
// state of its own.
func (m *Manager) Kill(jobID string) error {
	rec, err := m.store.ReadJob(jobID)
	if err != nil {
		return err
	}

	proc, ok := rec.Process()
	if !ok {
		return ErrNoPID
	}

	if !m.supervisor.IsAlive(proc) {
		return ErrProcessDead
	}

	if err := m.supervisor.Terminate(proc.PID); err != nil {
		return fmt.Errorf("terminate worker: %w", err)
	}

	if _, err := m.store.UpdateJob(jobID, func(r *JobRecord) error {
		return r.Transition(JobStateKilled, m.now())
	}); err != nil {
		if !errors.As(err, new(InvalidStateError)) {
			return fmt.Errorf("record kill: %w", err)
		}

		m.logger.Debug("worker finalized before kill was recorded", "jobId", jobID)
	}

	return nil
}

// Wait polls the status of the Job with the given id until it's terminal or
// not found, or ctx is done.
func (m *Manager) Wait(
	ctx context.Context,
	jobID string,
	interval time.Duration,
) (*JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := m.Status(jobID)
		if err != nil {
			return nil, err
		}

		if st.Status.IsTerminal() || st.Status == JobStateNotFound {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}
