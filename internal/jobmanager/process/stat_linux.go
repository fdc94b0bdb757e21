package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type procStat struct {
	zombie    bool
	startTime uint64
}

// readStat reads the state and start time, in clock ticks since boot, of pid
// from /proc/<pid>/stat.
func readStat(pid int) (*procStat, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, err
	}

	return parseStat(string(data))
}

func parseStat(data string) (*procStat, error) {
	// comm is in parens and may itself contain spaces and parens.
	end := strings.LastIndexByte(data, ')')
	if end < 0 {
		return nil, fmt.Errorf("malformed stat: %q", data)
	}

	// Fields after comm start at field 3 (state); starttime is field 22.
	fields := strings.Fields(data[end+1:])
	if len(fields) < 20 {
		return nil, fmt.Errorf("malformed stat: %q", data)
	}

	startTime, err := strconv.ParseUint(fields[19], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse start time: %w", err)
	}

	return &procStat{
		zombie:    fields[0] == "Z" || fields[0] == "X",
		startTime: startTime,
	}, nil
}
