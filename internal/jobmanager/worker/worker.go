// Package worker is the runtime of a detached job worker. A Worker owns one
// job from the moment it starts until the job reaches a terminal state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nixpig/agentjob/internal/jobmanager"
	"github.com/nixpig/agentjob/internal/jobmanager/cgroups"
	"github.com/nixpig/agentjob/internal/jobmanager/collaborator"
	"github.com/nixpig/agentjob/internal/jobmanager/output"
	"github.com/nixpig/agentjob/internal/jobmanager/process"
)

const (
	// APIKeyEnv is the credential the assistant needs.
	APIKeyEnv = "ANTHROPIC_API_KEY"

	// DefaultShutdownGrace is how long a stopping worker waits for the
	// assistant to exit before exiting itself.
	DefaultShutdownGrace = 5 * time.Second

	stderrTailLines = 10
)

// Store is the part of the job store a Worker writes to.
type Store interface {
	ReadJob(id string) (*jobmanager.JobRecord, error)
	UpdateJob(id string, fn func(*jobmanager.JobRecord) error) (*jobmanager.JobRecord, error)
	WriteResult(rec *jobmanager.ResultRecord) error
	OpenOutput(id string) (*output.Log, error)
}

// Config configures how a Worker runs the assistant.
type Config struct {
	Binary    string
	Format    collaborator.Format
	ExtraArgs []string

	APIKey        string
	RequireAPIKey bool

	// CgroupRoot and Limits, when both set, run the assistant in a cgroup of
	// its own.
	CgroupRoot string
	Limits     cgroups.Limits

	// ShutdownGrace is how long to wait for the assistant after SIGTERM.
	// The assistant is never force-killed.
	ShutdownGrace time.Duration
}

// Worker runs a single job.
type Worker struct {
	jobID       string
	launchToken string
	cfg         Config
	store       Store
	logger      *slog.Logger
	now         func() time.Time

	state jobmanager.AtomicJobState
	out   *output.Log

	mu          sync.Mutex
	text        strings.Builder
	stderr      []string
	rateLimited bool

	// fault is set when handling assistant output panicked; cancelRun stops
	// the assistant when it is.
	fault     error
	cancelRun context.CancelFunc
}

// New creates a Worker for the job with the given id. launchToken must match
// the token recorded when the job was created.
func New(
	jobID string,
	launchToken string,
	cfg Config,
	store Store,
	logger *slog.Logger,
) *Worker {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	return &Worker{
		jobID:       jobID,
		launchToken: launchToken,
		cfg:         cfg,
		store:       store,
		logger:      logger,
		now:         time.Now,
	}
}

type runResult struct {
	outcome *collaborator.Outcome
	err     error
}

// Run executes the job and records its terminal state. When ctx is done the
// assistant is asked to stop, the job is marked killed and Run returns nil.
//
// Run returns an error when the job couldn't be run at all: it belongs to
// another launch, it has already ended, its configuration is incomplete, or
// the assistant couldn't be started.
func (w *Worker) Run(ctx context.Context) (err error) {
	rec, err := w.store.ReadJob(w.jobID)
	if err != nil {
		return fmt.Errorf("read job: %w", err)
	}

	if rec.LaunchToken != "" && rec.LaunchToken != w.launchToken {
		return fmt.Errorf("job %s was launched by another worker", w.jobID)
	}

	if rec.Status.IsTerminal() {
		return fmt.Errorf("job %s already %s", w.jobID, rec.Status)
	}

	w.state.Store(rec.Status)

	w.out, err = w.store.OpenOutput(w.jobID)
	if err != nil {
		return fmt.Errorf("open output log: %w", err)
	}
	defer w.out.Close()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("%v", r)

			w.line("[worker] Unhandled error: " + msg)
			w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, nil))

			err = fmt.Errorf("worker panic: %s", msg)
		}
	}()

	if w.cfg.RequireAPIKey && w.cfg.APIKey == "" {
		msg := APIKeyEnv + " environment variable is not set"

		w.line("[worker] ERROR: " + APIKeyEnv + " not set")
		w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, nil))

		return fmt.Errorf("%w: %s", jobmanager.ErrConfigurationMissing, APIKeyEnv)
	}

	if rec, err = w.markRunning(); err != nil {
		return err
	}

	req := collaborator.Request{
		Binary:       w.cfg.Binary,
		Prompt:       rec.Prompt,
		Cwd:          rec.Cwd,
		Model:        rec.Model,
		AllowedTools: rec.AllowedTools,
		Format:       w.cfg.Format,
		ExtraArgs:    w.cfg.ExtraArgs,
	}

	if w.cfg.APIKey != "" {
		req.Env = append(req.Env, APIKeyEnv+"="+w.cfg.APIKey)
	}

	w.line("[worker] Starting job " + w.jobID)
	w.line("[worker] Prompt: " + rec.Prompt)
	w.line("[worker] CWD: " + rec.Cwd)
	w.line(fmt.Sprintf(
		"[worker] Cmd: %s %s",
		req.Binary,
		strings.Join(collaborator.Args(req), " "),
	))

	if cg := w.createCgroup(); cg != nil {
		defer func() {
			if err := cg.Destroy(); err != nil {
				w.logger.Warn("destroy cgroup", "jobId", w.jobID, "err", err)
			}
		}()

		req.SysProcAttr = &syscall.SysProcAttr{}
		cg.Apply(req.SysProcAttr)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	w.mu.Lock()
	w.cancelRun = cancelRun
	w.mu.Unlock()

	done := make(chan runResult, 1)

	go func() {
		outcome, err := collaborator.Run(runCtx, req, w.handle)
		done <- runResult{outcome, err}
	}()

	select {
	case r := <-done:
		// Killed takes precedence over an outcome that raced the signal.
		if ctx.Err() != nil {
			return w.stop(&r, done)
		}

		if err := w.complete(r); err != nil {
			return err
		}

		w.mu.Lock()
		defer w.mu.Unlock()

		return w.fault

	case <-ctx.Done():
		return w.stop(nil, done)
	}
}

// markRunning records this process as the job's worker, unless the launcher
// got there first, and moves the job to running.
func (w *Worker) markRunning() (*jobmanager.JobRecord, error) {
	rec, err := w.store.UpdateJob(w.jobID, func(r *jobmanager.JobRecord) error {
		if r.PID == nil {
			pid := os.Getpid()
			r.PID = &pid

			if st, err := process.StartTime(pid); err == nil {
				r.PIDStartTime = st
			}
		}

		if r.Status == jobmanager.JobStateStarting {
			return r.Transition(jobmanager.JobStateRunning, w.now())
		}

		if r.Status.IsTerminal() {
			return jobmanager.NewInvalidStateError(r.Status, jobmanager.JobStateRunning)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}

	w.state.Store(rec.Status)

	return rec, nil
}

func (w *Worker) createCgroup() *cgroups.Cgroup {
	if w.cfg.CgroupRoot == "" || w.cfg.Limits.IsZero() {
		return nil
	}

	if err := cgroups.ValidateRoot(w.cfg.CgroupRoot); err != nil {
		w.logger.Warn("run without resource limits", "jobId", w.jobID, "err", err)
		return nil
	}

	cg, err := cgroups.Create(w.cfg.CgroupRoot, w.jobID, w.cfg.Limits)
	if err != nil {
		w.logger.Warn("run without resource limits", "jobId", w.jobID, "err", err)
		return nil
	}

	return cg
}

// handle forwards assistant output to the Output Log until the job ends.
func (w *Worker) handle(ev collaborator.Event) {
	if w.state.Load().IsTerminal() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.handlePanic(r)
		}
	}()

	switch ev.Kind {
	case collaborator.EventText:
		w.mu.Lock()
		w.text.WriteString(ev.Text)
		w.mu.Unlock()

		w.write(ev.Text)

	case collaborator.EventTool:
		w.line("[tool] " + ev.Text)

	case collaborator.EventStderr:
		w.mu.Lock()
		w.stderr = append(w.stderr, ev.Text)
		if len(w.stderr) > stderrTailLines {
			w.stderr = w.stderr[1:]
		}
		w.mu.Unlock()

		w.line("[stderr] " + ev.Text)

	case collaborator.EventRaw:
		w.line(ev.Text)

	case collaborator.EventRateLimit:
		w.markRateLimited()
	}
}

// handlePanic fails the job after a panic while handling assistant output and
// stops the assistant.
func (w *Worker) handlePanic(r any) {
	msg := fmt.Sprintf("%v", r)

	w.line("[worker] Unhandled error: " + msg)
	w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, nil))

	w.mu.Lock()
	if w.fault == nil {
		w.fault = fmt.Errorf("worker panic: %s", msg)
	}
	cancel := w.cancelRun
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// markRateLimited sets the sticky rateLimited flag, persisting it the first
// time.
func (w *Worker) markRateLimited() {
	w.mu.Lock()
	first := !w.rateLimited
	w.rateLimited = true
	w.mu.Unlock()

	if !first {
		return
	}

	w.line("[worker] Rate limited, collaborator will retry...")

	if _, err := w.store.UpdateJob(w.jobID, func(r *jobmanager.JobRecord) error {
		if r.Status.IsTerminal() {
			return jobmanager.NewInvalidStateError(r.Status, r.Status)
		}

		r.RateLimited = true

		return nil
	}); err != nil && !errors.As(err, new(jobmanager.InvalidStateError)) {
		w.logger.Warn("record rate limit", "jobId", w.jobID, "err", err)
	}
}

// complete records the outcome of an assistant that ran to its end.
func (w *Worker) complete(r runResult) error {
	var cerr *jobmanager.CollaboratorError

	if r.outcome == nil {
		if errors.As(r.err, &cerr) && cerr.Kind == jobmanager.CollaboratorLaunchFailure {
			msg := "Failed to start claude: " + cerr.Error()

			w.line("[worker] ERROR: " + msg)
			w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, nil))

			return fmt.Errorf("launch assistant: %w", r.err)
		}

		msg := r.err.Error()
		if errors.As(r.err, &cerr) && cerr.RateLimited {
			w.markRateLimited()
		}

		w.line("[worker] Fatal error: " + msg)
		w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, nil))

		return nil
	}

	if r.err != nil {
		w.logger.Warn("assistant output incomplete", "jobId", w.jobID, "err", r.err)
	}

	exitCode := r.outcome.ExitCode
	w.line(fmt.Sprintf("[worker] Process exited with code %d", exitCode))

	text := w.accumulated()
	res := r.outcome.Result

	switch {
	case res != nil && res.Success:
		if res.Text != "" {
			text = res.Text
		}

		w.line("[worker] Completed successfully")
		w.finish(jobmanager.JobStateCompleted, "", &jobmanager.ResultRecord{
			SchemaVersion: jobmanager.SchemaVersion,
			JobID:         w.jobID,
			Status:        jobmanager.JobStateCompleted,
			Result:        &text,
			CostUSD:       res.CostUSD,
			DurationMS:    res.DurationMS,
			NumTurns:      res.NumTurns,
			ExitCode:      &exitCode,
		})

	case res != nil:
		msg := res.ErrorMessage()
		if collaborator.IsRateLimitMessage(msg) {
			w.markRateLimited()
		}

		w.line("[worker] Error: " + msg)

		rec := w.failedResult(msg, res, &exitCode)
		w.finish(jobmanager.JobStateFailed, msg, rec)

	case exitCode == 0:
		w.finish(jobmanager.JobStateCompleted, "", &jobmanager.ResultRecord{
			SchemaVersion: jobmanager.SchemaVersion,
			JobID:         w.jobID,
			Status:        jobmanager.JobStateCompleted,
			Result:        &text,
			ExitCode:      &exitCode,
		})

	default:
		msg := fmt.Sprintf("CLI exited with code %d", exitCode)
		if collaborator.IsRateLimitMessage(msg + "\n" + w.stderrTail()) {
			w.markRateLimited()
		}

		w.finish(jobmanager.JobStateFailed, msg, w.failedResult(msg, nil, &exitCode))
	}

	return nil
}

// stop handles a termination signal: the job is marked killed and the
// assistant, already sent SIGTERM, is given a grace period to exit. exited is
// the assistant's result when it has already been received from done.
func (w *Worker) stop(exited *runResult, done <-chan runResult) error {
	w.line("[worker] Received SIGTERM, stopping child...")
	w.finish(jobmanager.JobStateKilled, "", nil)

	if exited == nil {
		timer := time.NewTimer(w.cfg.ShutdownGrace)
		defer timer.Stop()

		select {
		case r := <-done:
			exited = &r
		case <-timer.C:
			w.logger.Warn("assistant still running after SIGTERM", "jobId", w.jobID)
			return nil
		}
	}

	if exited.outcome != nil {
		w.line(fmt.Sprintf("[worker] Process exited with code %d", exited.outcome.ExitCode))
	}

	return nil
}

// finish moves the job to the terminal state next. Only the first call of a
// Worker has any effect, and nothing is written if the record has already
// been moved to a terminal state by someone else. A non-nil res is written
// before the record.
func (w *Worker) finish(
	next jobmanager.JobState,
	msg string,
	res *jobmanager.ResultRecord,
) {
	for {
		cur := w.state.Load()
		if cur.IsTerminal() {
			return
		}

		if w.state.CompareAndSwap(cur, next) {
			break
		}
	}

	w.mu.Lock()
	rateLimited := w.rateLimited
	w.mu.Unlock()

	_, err := w.store.UpdateJob(w.jobID, func(r *jobmanager.JobRecord) error {
		if r.Status.IsTerminal() {
			return jobmanager.NewInvalidStateError(r.Status, next)
		}

		if res != nil {
			if err := w.store.WriteResult(res); err != nil {
				return err
			}
		}

		if rateLimited {
			r.RateLimited = true
		}

		if next == jobmanager.JobStateFailed {
			return r.Fail(msg, w.now())
		}

		return r.Transition(next, w.now())
	})
	if err != nil {
		if errors.As(err, new(jobmanager.InvalidStateError)) {
			w.logger.Info("job already ended", "jobId", w.jobID, "err", err)
			return
		}

		w.logger.Error("record terminal state", "jobId", w.jobID, "state", next, "err", err)
		return
	}

	w.logger.Info("job ended", "jobId", w.jobID, "state", next)
}

func (w *Worker) failedResult(
	msg string,
	res *collaborator.Result,
	exitCode *int,
) *jobmanager.ResultRecord {
	rec := &jobmanager.ResultRecord{
		SchemaVersion: jobmanager.SchemaVersion,
		JobID:         w.jobID,
		Status:        jobmanager.JobStateFailed,
		Error:         msg,
		ExitCode:      exitCode,
	}

	if text := w.accumulated(); text != "" {
		rec.Result = &text
	}

	if res != nil {
		rec.CostUSD = res.CostUSD
		rec.DurationMS = res.DurationMS
		rec.NumTurns = res.NumTurns
	}

	return rec
}

func (w *Worker) accumulated() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.text.String()
}

func (w *Worker) stderrTail() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return strings.Join(w.stderr, "\n")
}

func (w *Worker) write(s string) {
	if _, err := w.out.Write([]byte(s)); err != nil {
		w.logger.Warn("write output log", "jobId", w.jobID, "err", err)
	}
}

func (w *Worker) line(s string) {
	if err := w.out.Line(s); err != nil {
		w.logger.Warn("write output log", "jobId", w.jobID, "err", err)
	}
}
