package jobmanager_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nixpig/agentjob/internal/jobmanager"
)

func TestJobState(t *testing.T) {
	t.Parallel()

	t.Run("Test terminal states", func(t *testing.T) {
		for state, want := range map[jobmanager.JobState]bool{
			jobmanager.JobStateStarting:  false,
			jobmanager.JobStateRunning:   false,
			jobmanager.JobStateCompleted: true,
			jobmanager.JobStateFailed:    true,
			jobmanager.JobStateKilled:    true,
			jobmanager.JobStateNotFound:  false,
		} {
			if got := state.IsTerminal(); got != want {
				t.Errorf("expected terminal for %s: got '%t', want '%t'", state, got, want)
			}
		}
	})

	t.Run("Test transitions only move forward", func(t *testing.T) {
		scenarios := []struct {
			from jobmanager.JobState
			to   jobmanager.JobState
			want bool
		}{
			{jobmanager.JobStateStarting, jobmanager.JobStateRunning, true},
			{jobmanager.JobStateStarting, jobmanager.JobStateFailed, true},
			{jobmanager.JobStateStarting, jobmanager.JobStateKilled, true},
			{jobmanager.JobStateRunning, jobmanager.JobStateCompleted, true},
			{jobmanager.JobStateRunning, jobmanager.JobStateFailed, true},
			{jobmanager.JobStateRunning, jobmanager.JobStateKilled, true},
			{jobmanager.JobStateRunning, jobmanager.JobStateStarting, false},
			{jobmanager.JobStateRunning, jobmanager.JobStateRunning, false},
			{jobmanager.JobStateStarting, jobmanager.JobStateNotFound, false},
			{jobmanager.JobStateCompleted, jobmanager.JobStateFailed, false},
			{jobmanager.JobStateKilled, jobmanager.JobStateCompleted, false},
			{jobmanager.JobStateFailed, jobmanager.JobStateRunning, false},
		}

		for _, s := range scenarios {
			if got := s.from.CanTransition(s.to); got != s.want {
				t.Errorf(
					"expected %s -> %s: got '%t', want '%t'",
					s.from,
					s.to,
					got,
					s.want,
				)
			}
		}
	})
}

func TestAtomicJobState(t *testing.T) {
	t.Parallel()

	t.Run("Test zero value is starting", func(t *testing.T) {
		var s jobmanager.AtomicJobState

		if got := s.Load(); got != jobmanager.JobStateStarting {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.JobStateStarting)
		}

		if !s.CompareAndSwap(jobmanager.JobStateStarting, jobmanager.JobStateRunning) {
			t.Errorf("expected swap from zero value to succeed")
		}

		if got := s.Load(); got != jobmanager.JobStateRunning {
			t.Errorf("expected state: got '%s', want '%s'", got, jobmanager.JobStateRunning)
		}
	})

	t.Run("Test only one swap wins", func(t *testing.T) {
		var s jobmanager.AtomicJobState
		s.Store(jobmanager.JobStateRunning)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)

		for _, next := range []jobmanager.JobState{
			jobmanager.JobStateCompleted,
			jobmanager.JobStateFailed,
			jobmanager.JobStateKilled,
			jobmanager.JobStateKilled,
		} {
			wg.Go(func() {
				if s.CompareAndSwap(jobmanager.JobStateRunning, next) {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			})
		}

		wg.Wait()

		if wins != 1 {
			t.Errorf("expected one winner: got '%d'", wins)
		}
	})
}

func TestJobRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.FixedZone("x", 3600))

	t.Run("Test endedAt set only when terminal", func(t *testing.T) {
		r := &jobmanager.JobRecord{Status: jobmanager.JobStateStarting}

		if err := r.Transition(jobmanager.JobStateRunning, now); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if r.EndedAt != nil {
			t.Errorf("expected no endedAt: got '%v'", r.EndedAt)
		}

		if err := r.Fail("boom", now); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if r.EndedAt == nil || !r.EndedAt.Equal(now) || r.EndedAt.Location() != time.UTC {
			t.Errorf("expected endedAt in UTC: got '%v'", r.EndedAt)
		}

		if r.Error != "boom" {
			t.Errorf("expected error: got '%s', want '%s'", r.Error, "boom")
		}
	})

	t.Run("Test terminal record rejects changes", func(t *testing.T) {
		r := &jobmanager.JobRecord{Status: jobmanager.JobStateCompleted}

		err := r.Fail("late", now)

		var stateErr jobmanager.InvalidStateError
		if !errors.As(err, &stateErr) {
			t.Errorf("expected invalid state error: got '%v'", err)
		}

		if r.Status != jobmanager.JobStateCompleted || r.Error != "" {
			t.Errorf("expected record unchanged: got '%s', '%s'", r.Status, r.Error)
		}
	})

	t.Run("Test process", func(t *testing.T) {
		r := &jobmanager.JobRecord{}

		if _, ok := r.Process(); ok {
			t.Errorf("expected no process without pid")
		}

		pid := 42
		r.PID = &pid
		r.PIDStartTime = 7

		p, ok := r.Process()
		if !ok || p.PID != 42 || p.StartTime != 7 {
			t.Errorf("expected process: got '%v', '%t'", p, ok)
		}
	})
}

func TestJobStatusJSON(t *testing.T) {
	t.Parallel()

	pid := 42

	scenarios := map[string]struct {
		status    jobmanager.JobStatus
		wantError any
		wantKey   bool
	}{
		"Running job has null error": {
			status:    jobmanager.JobStatus{JobID: "job-1", PID: &pid, Status: jobmanager.JobStateRunning},
			wantError: nil,
			wantKey:   true,
		},
		"Failed job has error message": {
			status:    jobmanager.JobStatus{JobID: "job-1", Status: jobmanager.JobStateFailed, Error: "boom"},
			wantError: "boom",
			wantKey:   true,
		},
		"Unknown job has no error": {
			status:  jobmanager.JobStatus{JobID: "job-1", Status: jobmanager.JobStateNotFound},
			wantKey: false,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			raw, err := json.Marshal(config.status)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			var fields map[string]any
			if err := json.Unmarshal(raw, &fields); err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			got, ok := fields["error"]
			if ok != config.wantKey {
				t.Fatalf("expected error key present '%t': got '%s'", config.wantKey, raw)
			}

			if got != config.wantError {
				t.Errorf("expected error: got '%v', want '%v'", got, config.wantError)
			}

			if fields["status"] != string(config.status.Status) {
				t.Errorf("expected status: got '%v', want '%s'", fields["status"], config.status.Status)
			}
		})
	}
}

func TestJobRecordJSON(t *testing.T) {
	t.Parallel()

	r := jobmanager.JobRecord{JobID: "job-1", Status: jobmanager.JobStateRunning}

	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if got, ok := fields["error"]; !ok || got != nil {
		t.Errorf("expected null error: got '%s'", raw)
	}

	var back jobmanager.JobRecord
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	if back.Error != "" || back.JobID != "job-1" || back.Status != jobmanager.JobStateRunning {
		t.Errorf("expected record to read back: got '%+v'", back)
	}
}
