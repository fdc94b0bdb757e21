// Package process launches detached worker processes and probes and signals
// them by pid.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nixpig/agentjob/internal/jobmanager"
	"golang.org/x/sys/unix"
)

// LaunchTokenEnv is the environment variable carrying the launch token of
// the job a worker was spawned for.
const LaunchTokenEnv = "AGENTJOB_LAUNCH_TOKEN"

// Config describes how to launch a worker.
type Config struct {
	// Path is the worker executable.
	Path string

	// Args returns the worker arguments for a job.
	Args func(jobID string) []string

	// Dir is the working directory of the worker. Empty means the current
	// directory.
	Dir string

	// Env is added to the environment inherited from the current process.
	Env []string

	// LogPath returns the file the worker's stdout and stderr are appended
	// to. When nil, both are discarded.
	LogPath func(jobID string) string
}

// Supervisor is a jobmanager.Supervisor for local OS processes.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, logger *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger}
}

// Spawn starts a worker for the job in a new session so it survives the exit
// of the current process. It returns as soon as the process has started.
func (s *Supervisor) Spawn(req jobmanager.SpawnRequest) (jobmanager.Process, error) {
	if s.cfg.Path == "" {
		return jobmanager.Process{}, errors.New("worker path cannot be empty")
	}

	var args []string
	if s.cfg.Args != nil {
		args = s.cfg.Args(req.JobID)
	}

	cmd := exec.Command(s.cfg.Path, args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, LaunchTokenEnv+"="+req.LaunchToken)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if s.cfg.LogPath != nil {
		f, err := os.OpenFile(
			s.cfg.LogPath(req.JobID),
			os.O_WRONLY|os.O_APPEND|os.O_CREATE,
			0644,
		)
		if err != nil {
			return jobmanager.Process{}, fmt.Errorf("open worker log: %w", err)
		}

		// The child holds its own descriptor once started.
		defer f.Close()

		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return jobmanager.Process{}, fmt.Errorf("start worker: %w", err)
	}

	pid := cmd.Process.Pid

	startTime, err := StartTime(pid)
	if err != nil {
		s.logger.Debug("read worker start time", "pid", pid, "err", err)
	}

	// Reap the worker if it exits while we're still running, otherwise it
	// lingers as a zombie and looks alive to IsAlive.
	go func() {
		if err := cmd.Wait(); err != nil {
			s.logger.Debug("worker exited", "pid", pid, "err", err)
		}
	}()

	return jobmanager.Process{PID: pid, StartTime: startTime}, nil
}

// IsAlive reports whether p is still running. A process that exists but
// can't be signalled counts as alive. When p.StartTime is known, a process
// with the same pid but a different start time is a reused pid and doesn't.
func (s *Supervisor) IsAlive(p jobmanager.Process) bool {
	switch Probe(p.PID) {
	case ProbeGone:
		return false
	case ProbeDenied:
		s.logger.Debug("no permission to signal process", "pid", p.PID)
	}

	st, err := readStat(p.PID)
	if err != nil {
		// No /proc to corroborate with; trust the signal probe.
		return !errors.Is(err, os.ErrNotExist)
	}

	if st.zombie {
		return false
	}

	if p.StartTime != 0 && st.startTime != p.StartTime {
		s.logger.Debug(
			"pid reused by another process",
			"pid", p.PID,
			"want", p.StartTime,
			"got", st.startTime,
		)

		return false
	}

	return true
}

// Terminate sends SIGTERM to pid. It doesn't wait for the process to exit.
// If the process is already gone it returns jobmanager.ErrProcessDead.
func (s *Supervisor) Terminate(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return jobmanager.ErrProcessDead
		}

		return fmt.Errorf("signal %d: %w", pid, err)
	}

	return nil
}

// ProbeResult is the outcome of a zero-effect signal to a pid.
type ProbeResult int

const (
	ProbeAlive ProbeResult = iota
	ProbeGone
	ProbeDenied
)

// Probe sends signal 0 to pid and reports whether the process exists and
// whether it may be signalled.
func Probe(pid int) ProbeResult {
	if pid <= 0 {
		return ProbeGone
	}

	err := unix.Kill(pid, 0)

	switch {
	case err == nil:
		return ProbeAlive
	case errors.Is(err, unix.EPERM):
		return ProbeDenied
	default:
		return ProbeGone
	}
}

// StartTime returns an opaque start time of pid that differs between
// processes that have held the same pid. It returns zero and an error where
// it isn't available.
func StartTime(pid int) (uint64, error) {
	st, err := readStat(pid)
	if err != nil {
		return 0, err
	}

	return st.startTime, nil
}
