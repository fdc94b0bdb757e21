//go:build !linux

package cgroups

import (
	"errors"
	"syscall"
)

var errUnsupported = errors.New("cgroups are only supported on linux")

type Limits struct {
	CPUMaxPercent  int64 `yaml:"cpu_max_percent"`
	MemoryMaxBytes int64 `yaml:"memory_max_bytes"`
}

func (l Limits) IsZero() bool {
	return l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0
}

type Cgroup struct{}

func Create(root, jobID string, limits Limits) (*Cgroup, error) {
	return nil, errUnsupported
}

func (c *Cgroup) Apply(attr *syscall.SysProcAttr) {}

func (c *Cgroup) Path() string { return "" }

func (c *Cgroup) Destroy() error { return nil }

func ValidateRoot(root string) error { return errUnsupported }
