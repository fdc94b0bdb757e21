package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixpig/agentjob/internal/config"
	"github.com/nixpig/agentjob/internal/jobmanager/collaborator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable Load reads for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		config.EnvConfigPath,
		config.EnvJobsDir,
		config.EnvClaudeBinary,
		config.EnvModel,
		config.EnvAPIKey,
		config.EnvRequireAPIKey,
		config.EnvOutputFormat,
		config.EnvLogLevel,
		config.EnvLogFormat,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	// Keep any .env in the package directory out of the way.
	t.Chdir(t.TempDir())
}

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.ClaudeBinary)
	assert.Equal(t, collaborator.FormatStreamJSON, cfg.Format())
	assert.True(t, cfg.RequireAPIKey)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, filepath.Join("agentjob", "jobs"), filepath.Join(
		filepath.Base(filepath.Dir(cfg.JobsDir)),
		filepath.Base(cfg.JobsDir),
	))
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, `
jobs_dir: /var/lib/agentjob
claude_binary: /opt/claude
model: opus
output_format: text
extra_args: ["--max-turns", "5"]
shutdown_grace: 30s
require_api_key: false
log:
  level: debug
  format: json
cgroup_root: /sys/fs/cgroup/agentjob
limits:
  cpu_max_percent: 50
  memory_max_bytes: 1073741824
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/agentjob", cfg.JobsDir)
	assert.Equal(t, "/opt/claude", cfg.ClaudeBinary)
	assert.Equal(t, "opus", cfg.Model)
	assert.Equal(t, collaborator.FormatText, cfg.Format())
	assert.Equal(t, []string{"--max-turns", "5"}, cfg.ExtraArgs)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.False(t, cfg.RequireAPIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/sys/fs/cgroup/agentjob", cfg.CgroupRoot)
	assert.Equal(t, int64(50), cfg.Limits.CPUMaxPercent)
	assert.Equal(t, int64(1073741824), cfg.Limits.MemoryMaxBytes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, "jobs_dir: /from/file\nmodel: opus\n")

	t.Setenv(config.EnvConfigPath, path)
	t.Setenv(config.EnvJobsDir, "/from/env")
	t.Setenv(config.EnvAPIKey, "sk-env")
	t.Setenv(config.EnvRequireAPIKey, "false")
	t.Setenv(config.EnvOutputFormat, "text")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.JobsDir)
	assert.Equal(t, "opus", cfg.Model)
	assert.Equal(t, "sk-env", cfg.APIKey)
	assert.False(t, cfg.RequireAPIKey)
	assert.Equal(t, collaborator.FormatText, cfg.Format())
}

func TestLoadDotenv(t *testing.T) {
	clearEnv(t)

	require.NoError(t, os.WriteFile(".env", []byte("CLAUDE_SKILL_MODEL=haiku\n"), 0644))
	t.Cleanup(func() { os.Unsetenv(config.EnvModel) })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "haiku", cfg.Model)
}

func TestLoadErrors(t *testing.T) {
	scenarios := map[string]struct {
		file    string
		env     map[string]string
		wantErr string
	}{
		"missing file": {
			wantErr: "failed to read config file",
		},
		"malformed yaml": {
			file:    "jobs_dir: [unclosed",
			wantErr: "failed to parse config file",
		},
		"unknown output format": {
			env:     map[string]string{config.EnvOutputFormat: "xml"},
			wantErr: "unknown output format",
		},
		"unknown log level": {
			env:     map[string]string{config.EnvLogLevel: "loud"},
			wantErr: "unknown log level",
		},
		"bad bool": {
			env:     map[string]string{config.EnvRequireAPIKey: "maybe"},
			wantErr: config.EnvRequireAPIKey,
		},
		"negative limits": {
			file:    "limits:\n  cpu_max_percent: -1\n",
			wantErr: "limits cannot be negative",
		},
	}

	for scenario, tc := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			clearEnv(t)

			path := filepath.Join(t.TempDir(), "missing.yaml")
			if tc.file != "" {
				path = writeFile(t, tc.file)
			} else if scenario != "missing file" {
				path = ""
			}

			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := config.Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
			assert.Nil(t, cfg)
		})
	}
}
