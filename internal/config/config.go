// Package config loads the configuration shared by the jobctl commands and
// the workers they launch.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/nixpig/agentjob/internal/jobmanager/cgroups"
	"github.com/nixpig/agentjob/internal/jobmanager/collaborator"
	"github.com/nixpig/agentjob/internal/logger"
	"gopkg.in/yaml.v3"
)

// Environment variables read by Load.
const (
	EnvConfigPath    = "AGENTJOB_CONFIG"
	EnvJobsDir       = "CLAUDE_SKILL_JOBS_DIR"
	EnvClaudeBinary  = "CLAUDE_BINARY_PATH"
	EnvModel         = "CLAUDE_SKILL_MODEL"
	EnvAPIKey        = "ANTHROPIC_API_KEY"
	EnvRequireAPIKey = "AGENTJOB_REQUIRE_API_KEY"
	EnvOutputFormat  = "AGENTJOB_OUTPUT_FORMAT"
	EnvLogLevel      = "AGENTJOB_LOG_LEVEL"
	EnvLogFormat     = "AGENTJOB_LOG_FORMAT"
)

// Config is the complete configuration. It's loaded once per invocation and
// passed explicitly to whatever needs it.
type Config struct {
	// JobsDir is the root directory holding one subdirectory per job.
	JobsDir string `yaml:"jobs_dir"`

	ClaudeBinary  string        `yaml:"claude_binary"`
	Model         string        `yaml:"model"`
	OutputFormat  string        `yaml:"output_format"`
	ExtraArgs     []string      `yaml:"extra_args"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// APIKey is only ever read from the environment.
	APIKey        string `yaml:"-"`
	RequireAPIKey bool   `yaml:"require_api_key"`

	Log logger.Config `yaml:"log"`

	CgroupRoot string         `yaml:"cgroup_root"`
	Limits     cgroups.Limits `yaml:"limits"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		JobsDir:       defaultJobsDir(),
		ClaudeBinary:  "claude",
		OutputFormat:  string(collaborator.FormatStreamJSON),
		ShutdownGrace: 5 * time.Second,
		RequireAPIKey: true,
		Log: logger.Config{
			Level:  "warn",
			Format: logger.FormatConsole,
		},
		CgroupRoot: "/sys/fs/cgroup",
	}
}

// Load builds the configuration from, in increasing precedence, defaults,
// the YAML file at path and the environment. A .env file in the working
// directory is loaded into the environment first, without overriding
// variables that are already set.
//
// When path is empty, the file named by AGENTJOB_CONFIG is used, if any.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (c *Config) loadEnv() error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString(&c.JobsDir, EnvJobsDir)
	setString(&c.ClaudeBinary, EnvClaudeBinary)
	setString(&c.Model, EnvModel)
	setString(&c.OutputFormat, EnvOutputFormat)
	setString(&c.Log.Level, EnvLogLevel)
	setString(&c.Log.Format, EnvLogFormat)

	c.APIKey = os.Getenv(EnvAPIKey)

	if v := os.Getenv(EnvRequireAPIKey); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvRequireAPIKey, err)
		}

		c.RequireAPIKey = b
	}

	return nil
}

// Validate checks the configuration is usable. A missing API key isn't a
// configuration error; it fails the job, not the command.
func (c *Config) Validate() error {
	if c.JobsDir == "" {
		return errors.New("jobs dir cannot be empty")
	}

	if c.ClaudeBinary == "" {
		return errors.New("claude binary cannot be empty")
	}

	if _, err := collaborator.ParseFormat(c.OutputFormat); err != nil {
		return err
	}

	if c.ShutdownGrace < 0 {
		return errors.New("shutdown grace cannot be negative")
	}

	if c.Limits.CPUMaxPercent < 0 || c.Limits.MemoryMaxBytes < 0 {
		return errors.New("limits cannot be negative")
	}

	return c.Log.Validate()
}

// Format returns the collaborator output format. It's only meaningful on a
// validated Config.
func (c *Config) Format() collaborator.Format {
	f, _ := collaborator.ParseFormat(c.OutputFormat)
	return f
}

func defaultJobsDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}

	return filepath.Join(dir, "agentjob", "jobs")
}
