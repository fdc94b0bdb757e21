package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nixpig/agentjob/internal/config"
	"github.com/nixpig/agentjob/internal/jobmanager"
	"github.com/nixpig/agentjob/internal/jobmanager/process"
	"github.com/nixpig/agentjob/internal/jobmanager/store"
	"github.com/nixpig/agentjob/internal/jobmanager/worker"
	"github.com/nixpig/agentjob/internal/logger"
	"github.com/nixpig/agentjob/internal/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// TODO: Inject version at build time.
const version = "0.1.0"

const workerCommand = "worker"

type flags struct {
	configPath string
	jobsDir    string
	logLevel   string
}

type cli struct {
	stdout io.Writer
	stderr io.Writer

	// workerPath is the executable spawned as a job's worker. Empty means
	// the running executable.
	workerPath string

	flags   flags
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	manager *jobmanager.Manager
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr}
}

// execute runs the command line args. Any error is also printed as
// {"error": ...}.
func (c *cli) execute(ctx context.Context, args []string) error {
	root := c.rootCmd()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		c.print(errorOutput{Error: errorMessage(err)})
		return err
	}

	return nil
}

func (c *cli) rootCmd() *cobra.Command {
	command := &cobra.Command{
		Use:           "jobctl",
		Short:         "Run AI-assistant jobs in the background",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New(
				"no command given, available: start, status, result, logs, list, kill, wait, metrics",
			)
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}

	command.SetOut(c.stdout)
	command.SetErr(c.stderr)

	command.AddCommand(
		c.startCmd(),
		c.statusCmd(),
		c.resultCmd(),
		c.logsCmd(),
		c.listCmd(),
		c.killCmd(),
		c.waitCmd(),
		c.metricsCmd(),
		c.workerCmd(),
	)

	command.CompletionOptions.HiddenDefaultCmd = true

	command.PersistentFlags().StringVar(
		&c.flags.configPath,
		"config",
		"",
		"Path to YAML config file (default $"+config.EnvConfigPath+")",
	)

	command.PersistentFlags().StringVar(
		&c.flags.jobsDir,
		"jobs-dir",
		"",
		"Directory holding job state (default $"+config.EnvJobsDir+")",
	)

	command.PersistentFlags().StringVar(
		&c.flags.logLevel,
		"log-level",
		"",
		"Log level: debug, info, warn, error",
	)

	return command
}

// setup loads the configuration and builds the job manager shared by every
// command.
func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(c.flags.configPath)
	if err != nil {
		return err
	}

	if err := applyFlags(cmd.Flags(), &c.flags, cfg); err != nil {
		return err
	}

	logCfg := cfg.Log
	if cmd.Name() == workerCommand {
		// A worker's stderr is its log file.
		logCfg.Format = logger.FormatJSON
	}

	if c.logger, err = logger.New(c.stderr, logCfg); err != nil {
		return err
	}

	workerPath := c.workerPath
	if workerPath == "" {
		if workerPath, err = os.Executable(); err != nil {
			return fmt.Errorf("find worker executable: %w", err)
		}
	}

	c.cfg = cfg
	c.store = store.New(cfg.JobsDir)

	supervisor := process.NewSupervisor(process.Config{
		Path: workerPath,
		Args: func(jobID string) []string {
			args := []string{workerCommand, "--job-id", jobID, "--jobs-dir", cfg.JobsDir}

			if c.flags.configPath != "" {
				args = append(args, "--config", c.flags.configPath)
			}

			return args
		},
		LogPath: c.store.WorkerLogPath,
	}, c.logger)

	c.manager = jobmanager.NewManager(c.store, supervisor, c.logger)

	return nil
}

// applyFlags overrides cfg with the persistent flags that were set.
func applyFlags(fs *pflag.FlagSet, f *flags, cfg *config.Config) error {
	if fs.Changed("jobs-dir") {
		dir, err := filepath.Abs(f.jobsDir)
		if err != nil {
			return fmt.Errorf("resolve jobs dir: %w", err)
		}

		cfg.JobsDir = dir
	}

	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}

	return cfg.Validate()
}

func (c *cli) startCmd() *cobra.Command {
	var (
		jobID        string
		prompt       string
		cwd          string
		model        string
		allowedTools []string
	)

	command := &cobra.Command{
		Use:     "start [flags]",
		Short:   "Start a new job",
		Example: `  jobctl start --job-id review-1 --prompt "Review the open PR" --cwd ~/src/app`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cwd == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("get working directory: %w", err)
				}

				cwd = wd
			}

			dir, err := filepath.Abs(cwd)
			if err != nil {
				return fmt.Errorf("resolve cwd: %w", err)
			}

			if model == "" {
				model = c.cfg.Model
			}

			res, err := c.manager.Start(jobID, prompt, dir, jobmanager.StartOptions{
				Model:        model,
				AllowedTools: allowedTools,
			})
			if err != nil {
				return err
			}

			return c.print(res)
		},
	}

	addJobIDFlag(command, &jobID)

	command.Flags().StringVar(&prompt, "prompt", "", "Prompt for the assistant")
	command.MarkFlagRequired("prompt")

	command.Flags().StringVar(&cwd, "cwd", "", "Working directory of the job (default current directory)")
	command.Flags().StringVar(&model, "model", "", "Model to use (default $"+config.EnvModel+")")
	command.Flags().StringSliceVar(&allowedTools, "allowed-tools", nil, "Tools the assistant may use")

	return command
}

func (c *cli) statusCmd() *cobra.Command {
	var jobID string

	command := &cobra.Command{
		Use:     "status [flags]",
		Short:   "Query status of job",
		Example: "  jobctl status --job-id review-1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.manager.Status(jobID)
			if err != nil {
				return err
			}

			return c.print(st)
		},
	}

	addJobIDFlag(command, &jobID)

	return command
}

func (c *cli) resultCmd() *cobra.Command {
	var jobID string

	command := &cobra.Command{
		Use:     "result [flags]",
		Short:   "Get the result of a job",
		Example: "  jobctl result --job-id review-1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.manager.Result(jobID)
			if err != nil {
				return err
			}

			return c.print(res)
		},
	}

	addJobIDFlag(command, &jobID)

	return command
}

func (c *cli) logsCmd() *cobra.Command {
	var (
		jobID string
		tail  int
	)

	command := &cobra.Command{
		Use:     "logs [flags]",
		Short:   "Show the tail of a job's output",
		Example: "  jobctl logs --job-id review-1 --tail 20",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := c.manager.Logs(jobID, tail)
			if err != nil {
				return err
			}

			return c.print(logs)
		},
	}

	addJobIDFlag(command, &jobID)

	command.Flags().IntVar(&tail, "tail", 50, "Number of lines to show")

	return command
}

func (c *cli) listCmd() *cobra.Command {
	command := &cobra.Command{
		Use:   "list",
		Short: "List all jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.manager.List()
			if err != nil {
				return err
			}

			return c.print(jobs)
		},
	}

	return command
}

type killOutput struct {
	JobID  string `json:"jobId"`
	Killed bool   `json:"killed"`
	Error  string `json:"error,omitempty"`
}

func (c *cli) killCmd() *cobra.Command {
	var jobID string

	command := &cobra.Command{
		Use:     "kill [flags]",
		Short:   "Stop a running job",
		Example: "  jobctl kill --job-id review-1",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// A job that can't be killed is reported, not failed.
			out := killOutput{JobID: jobID, Killed: true}

			if err := c.manager.Kill(jobID); err != nil {
				out.Killed = false
				out.Error = errorMessage(err)
			}

			return c.print(out)
		},
	}

	addJobIDFlag(command, &jobID)

	return command
}

func (c *cli) waitCmd() *cobra.Command {
	var (
		jobID    string
		interval time.Duration
		timeout  time.Duration
	)

	command := &cobra.Command{
		Use:     "wait [flags]",
		Short:   "Wait for a job to finish",
		Example: "  jobctl wait --job-id review-1 --timeout 30m",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return errors.New("interval must be positive")
			}

			ctx := cmd.Context()

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			st, err := c.manager.Wait(ctx, jobID, interval)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return fmt.Errorf("timed out waiting for job %s", jobID)
				}

				return err
			}

			return c.print(st)
		},
	}

	addJobIDFlag(command, &jobID)

	command.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	command.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (default no limit)")

	return command
}

func (c *cli) metricsCmd() *cobra.Command {
	var textfile string

	command := &cobra.Command{
		Use:     "metrics [flags]",
		Short:   "Summarise all jobs",
		Example: "  jobctl metrics --textfile /var/lib/node_exporter/textfile/agentjob.prom",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := c.manager.List()
			if err != nil {
				return err
			}

			collector := metrics.NewCollector()

			for _, st := range jobs {
				res, err := c.manager.Result(st.JobID)
				if err != nil {
					c.logger.Warn("skip unreadable result", "jobId", st.JobID, "err", err)
					res = nil
				}

				collector.Observe(st, res)
			}

			if textfile != "" {
				if err := collector.WriteTextfile(textfile); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}

			return c.print(collector.Summary())
		},
	}

	command.Flags().StringVar(&textfile, "textfile", "", "Also write Prometheus text format to this file")

	return command
}

func (c *cli) workerCmd() *cobra.Command {
	var jobID string

	command := &cobra.Command{
		Use:    workerCommand + " [flags]",
		Short:  "Run a job (started by jobctl start)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := worker.New(
				jobID,
				os.Getenv(process.LaunchTokenEnv),
				worker.Config{
					Binary:        c.cfg.ClaudeBinary,
					Format:        c.cfg.Format(),
					ExtraArgs:     c.cfg.ExtraArgs,
					APIKey:        c.cfg.APIKey,
					RequireAPIKey: c.cfg.RequireAPIKey,
					CgroupRoot:    c.cfg.CgroupRoot,
					Limits:        c.cfg.Limits,
					ShutdownGrace: c.cfg.ShutdownGrace,
				},
				c.store,
				c.logger.With("jobId", jobID),
			)

			return w.Run(cmd.Context())
		},
	}

	addJobIDFlag(command, &jobID)

	return command
}

func addJobIDFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "job-id", "", "Job ID")
	cmd.MarkFlagRequired("job-id")
}

type errorOutput struct {
	Error string `json:"error"`
}

func (c *cli) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}

	_, err = c.stdout.Write(append(b, '\n'))

	return err
}

// errorMessage translates errors to human-readable messages.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return "Job not found"
	case errors.Is(err, jobmanager.ErrNoPID):
		return "No PID recorded"
	case errors.Is(err, jobmanager.ErrProcessDead):
		return "Process already dead"
	default:
		return err.Error()
	}
}
