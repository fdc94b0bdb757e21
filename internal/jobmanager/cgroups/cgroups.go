//go:build linux

// Package cgroups places a job's collaborator process in its own cgroup v2
// group with optional CPU and memory limits.
package cgroups

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

const cpuPeriodMicros = 100000

// Limits are the resource limits applied to a collaborator. Zero values mean
// unlimited.
type Limits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
}

// IsZero reports whether no limit is set.
func (l Limits) IsZero() bool {
	return l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0
}

// Cgroup is a cgroup v2 group created for a single job.
type Cgroup struct {
	path string
	fd   *os.File
}

// Create creates the group for jobID under root and applies limits.
func Create(root, jobID string, limits Limits) (*Cgroup, error) {
	cg := &Cgroup{path: filepath.Join(root, "agentjob-"+jobID)}

	if err := os.Mkdir(cg.path, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := cg.write("cpu.max", value); err != nil {
			cg.Destroy()
			return nil, err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		value := strconv.FormatInt(limits.MemoryMaxBytes, 10)

		if err := cg.write("memory.max", value); err != nil {
			cg.Destroy()
			return nil, err
		}
	}

	fd, err := os.Open(cg.path)
	if err != nil {
		cg.Destroy()
		return nil, fmt.Errorf("open cgroup dir: %w", err)
	}

	cg.fd = fd

	return cg, nil
}

// Apply makes a process started with attr begin life inside the group.
func (c *Cgroup) Apply(attr *syscall.SysProcAttr) {
	attr.UseCgroupFD = true
	attr.CgroupFD = int(c.fd.Fd())
}

// Path returns the directory of the group.
func (c *Cgroup) Path() string {
	return c.path
}

// Destroy closes the group and removes it. Removal fails while processes
// remain in the group; they aren't killed.
func (c *Cgroup) Destroy() error {
	if c.fd != nil {
		c.fd.Close()
		c.fd = nil
	}

	remove := os.RemoveAll

	// Control files of a real cgroupfs can't be unlinked, only the directory.
	if _, err := os.Stat(filepath.Join(c.path, "cgroup.controllers")); err == nil {
		remove = os.Remove
	}

	if err := remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// ValidateRoot checks that root is the root of a cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
