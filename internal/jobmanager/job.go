package jobmanager

import (
	"encoding/json"
	"time"
)

// SchemaVersion is written into every Job Record and Result Record.
const SchemaVersion = 1

// JobRecord is the persisted metadata of a Job (meta.json). After creation
// the job's worker is its only writer, except for liveness reconciliation
// and kill requests made through Manager.
type JobRecord struct {
	SchemaVersion int `json:"schemaVersion"`

	JobID  string   `json:"jobId"`
	PID    *int     `json:"pid"`
	Status JobState `json:"status"`

	Prompt       string   `json:"prompt"`
	Cwd          string   `json:"cwd"`
	Model        string   `json:"model,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt"`

	Error       string `json:"error,omitempty"`
	RateLimited bool   `json:"rateLimited"`

	// PIDStartTime and LaunchToken corroborate that the process behind PID is
	// still the worker that was launched for this job.
	PIDStartTime uint64 `json:"pidStartTime,omitempty"`
	LaunchToken  string `json:"launchToken,omitempty"`
}

// MarshalJSON renders an empty Error as null.
func (r JobRecord) MarshalJSON() ([]byte, error) {
	type record JobRecord

	return json.Marshal(struct {
		record
		Error *string `json:"error"`
	}{record(r), nullString(r.Error)})
}

// Transition moves the record to next, stamping EndedAt when next is
// terminal. It returns an InvalidStateError for backward or terminal moves.
func (r *JobRecord) Transition(next JobState, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return NewInvalidStateError(r.Status, next)
	}

	r.Status = next

	if next.IsTerminal() {
		ended := now.UTC()
		r.EndedAt = &ended
	}

	return nil
}

// Fail transitions the record to JobStateFailed with the given message.
func (r *JobRecord) Fail(msg string, now time.Time) error {
	if err := r.Transition(JobStateFailed, now); err != nil {
		return err
	}

	r.Error = msg

	return nil
}

// Process returns the recorded worker process, or false if no pid has been
// recorded yet.
func (r *JobRecord) Process() (Process, bool) {
	if r.PID == nil {
		return Process{}, false
	}

	return Process{PID: *r.PID, StartTime: r.PIDStartTime}, true
}

// ResultRecord is the terminal outcome of a Job (result.json). It's written
// once by the worker and never by an external kill.
type ResultRecord struct {
	SchemaVersion int `json:"schemaVersion,omitempty"`

	JobID  string   `json:"jobId"`
	Status JobState `json:"status"`
	Result *string  `json:"result"`
	Error  string   `json:"error,omitempty"`

	CostUSD    *float64 `json:"cost_usd,omitempty"`
	DurationMS *int64   `json:"duration_ms,omitempty"`
	NumTurns   *int     `json:"num_turns,omitempty"`
	ExitCode   *int     `json:"exitCode,omitempty"`
}

// StartOptions are the optional, immutable inputs of a new Job.
type StartOptions struct {
	Model        string
	AllowedTools []string
}

// StartResult is returned by Manager.Start.
type StartResult struct {
	JobID  string   `json:"jobId"`
	PID    int      `json:"pid"`
	Status JobState `json:"status"`
}

// JobStatus is the externally visible status of a Job.
type JobStatus struct {
	JobID       string     `json:"jobId"`
	PID         *int       `json:"pid,omitempty"`
	Status      JobState   `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
	RateLimited bool       `json:"rateLimited"`
}

// MarshalJSON renders an empty Error as null. A status for an unknown job
// carries neither an error nor a pid.
func (s JobStatus) MarshalJSON() ([]byte, error) {
	type status JobStatus

	if s.Status == JobStateNotFound {
		return json.Marshal(status(s))
	}

	return json.Marshal(struct {
		status
		Error *string `json:"error"`
	}{status(s), nullString(s.Error)})
}

// JobLogs is the tail of a Job's Output Log.
type JobLogs struct {
	JobID string `json:"jobId"`
	Lines int    `json:"lines"`
	Tail  string `json:"tail"`
}

func newJobStatus(r *JobRecord) *JobStatus {
	startedAt := r.StartedAt

	return &JobStatus{
		JobID:       r.JobID,
		PID:         r.PID,
		Status:      r.Status,
		StartedAt:   &startedAt,
		EndedAt:     r.EndedAt,
		Error:       r.Error,
		RateLimited: r.RateLimited,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}
