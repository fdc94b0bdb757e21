//go:build !linux

package process

import (
	"errors"
	"fmt"
)

type procStat struct {
	zombie    bool
	startTime uint64
}

var errNoProcfs = errors.New("process stat not supported on this platform")

func readStat(pid int) (*procStat, error) {
	return nil, fmt.Errorf("read stat of %d: %w", pid, errNoProcfs)
}
