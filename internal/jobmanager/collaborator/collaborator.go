// Package collaborator runs the external assistant CLI for a job and decodes
// what it prints into Events.
package collaborator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"github.com/nixpig/agentjob/internal/jobmanager"
	"github.com/nixpig/agentjob/internal/jobmanager/output"
	"golang.org/x/sync/errgroup"
)

// Format selects how the assistant's stdout is interpreted.
type Format string

const (
	// FormatStreamJSON asks the assistant for one JSON message per line.
	FormatStreamJSON Format = "stream-json"

	// FormatText treats stdout as the plain result text.
	FormatText Format = "text"
)

// ParseFormat returns the Format named s.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatStreamJSON, FormatText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format: '%s'", s)
	}
}

// EventKind is the kind of an Event.
type EventKind int

const (
	// EventText is assistant text. It's part of the result.
	EventText EventKind = iota

	// EventTool names a tool the assistant used.
	EventTool

	// EventStderr is a line the assistant wrote to stderr.
	EventStderr

	// EventRaw is a stdout line that couldn't be decoded.
	EventRaw

	// EventRateLimit signals the assistant is being throttled and retrying.
	EventRateLimit

	// EventResult carries the assistant's own terminal report.
	EventResult
)

// Event is a fragment of assistant output.
type Event struct {
	Kind   EventKind
	Text   string
	Result *Result
}

// Result is the terminal report of the assistant.
type Result struct {
	Success    bool
	Subtype    string
	Text       string
	Errors     []string
	CostUSD    *float64
	DurationMS *int64
	NumTurns   *int
}

// ErrorMessage summarises why an unsuccessful Result failed.
func (r *Result) ErrorMessage() string {
	if len(r.Errors) > 0 {
		return strings.Join(r.Errors, "; ")
	}

	if r.Text != "" {
		return r.Text
	}

	if r.Subtype != "" {
		return r.Subtype
	}

	return "unknown error"
}

// Outcome is how the assistant process ended.
type Outcome struct {
	ExitCode int

	// Result is nil if the assistant exited without reporting one.
	Result *Result
}

// Request describes an assistant invocation.
type Request struct {
	Binary       string
	Prompt       string
	Cwd          string
	Model        string
	AllowedTools []string
	Format       Format
	ExtraArgs    []string
	Env          []string

	// SysProcAttr, when set, is used to start the assistant process.
	SysProcAttr *syscall.SysProcAttr
}

// Handler receives Events. It's called from more than one goroutine: events
// from the same stream arrive in order, stdout and stderr are not ordered
// relative to each other.
type Handler func(Event)

// Args returns the command line arguments for req.
func Args(req Request) []string {
	args := []string{
		"--no-session-persistence",
		"--dangerously-skip-permissions",
		"--print",
	}

	if req.Format == FormatStreamJSON {
		args = append(args, "--output-format", "stream-json", "--verbose")
	}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	args = append(args, req.ExtraArgs...)

	return append(args, req.Prompt)
}

var rateLimitPattern = regexp.MustCompile(`(?i)429|rate.limit|503|overloaded`)

// IsRateLimitMessage reports whether msg looks like provider throttling.
func IsRateLimitMessage(msg string) bool {
	return rateLimitPattern.MatchString(msg)
}

// Run starts the assistant and waits for it to exit, passing its output to
// handle as it arrives. When ctx is done the assistant is sent SIGTERM; Run
// still waits for it to exit.
//
// A non-zero exit is reported through Outcome, not as an error. Errors are
// *jobmanager.CollaboratorError.
func Run(ctx context.Context, req Request, handle Handler) (*Outcome, error) {
	if req.Binary == "" {
		return nil, &jobmanager.CollaboratorError{
			Kind: jobmanager.CollaboratorLaunchFailure,
			Err:  errors.New("no assistant binary configured"),
		}
	}

	cmd := exec.CommandContext(ctx, req.Binary, Args(req)...)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), "CI=true", "FORCE_COLOR=0")
	cmd.Env = append(cmd.Env, req.Env...)
	cmd.SysProcAttr = req.SysProcAttr

	// Ask, don't force. No WaitDelay: a stubborn assistant keeps running.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, launchError(err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, launchError(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, launchError(err)
	}

	var result *Result

	var g errgroup.Group

	g.Go(func() error {
		if req.Format == FormatStreamJSON {
			var err error
			result, err = decodeStream(stdout, handle)
			return err
		}

		return output.Pump(stdout, func(p []byte) error {
			handle(Event{Kind: EventText, Text: string(p)})
			return nil
		})
	})

	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			handle(Event{Kind: EventStderr, Text: line})
		})
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()

	// Wait reports ctx.Err() for an assistant that exited cleanly after
	// cancellation, so go by the process state when there is one.
	if cmd.ProcessState == nil {
		return nil, executionError(fmt.Errorf("wait for assistant: %w", waitErr))
	}

	outcome := &Outcome{ExitCode: cmd.ProcessState.ExitCode(), Result: result}

	if readErr != nil {
		return outcome, executionError(fmt.Errorf("read assistant output: %w", readErr))
	}

	return outcome, nil
}

func launchError(err error) error {
	return &jobmanager.CollaboratorError{
		Kind: jobmanager.CollaboratorLaunchFailure,
		Err:  err,
	}
}

func executionError(err error) error {
	return &jobmanager.CollaboratorError{
		Kind:        jobmanager.CollaboratorExecutionFailure,
		RateLimited: IsRateLimitMessage(err.Error()),
		Err:         err,
	}
}

func scanLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)

	for {
		line, err := br.ReadString('\n')
		if line != "" {
			fn(strings.TrimSuffix(line, "\n"))
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			return err
		}
	}
}
