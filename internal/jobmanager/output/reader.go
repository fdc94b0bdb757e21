package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Tail reads r to the end and returns the number of lines it contains along
// with its last n lines joined by newlines.
//
// A trailing newline terminates the last line rather than starting an empty
// one, so "a\nb\n" and "a\nb" both hold two lines. Empty input holds none.
func Tail(r io.Reader, n int) (int, string, error) {
	if n < 0 {
		return 0, "", fmt.Errorf("tail must not be negative: got %d", n)
	}

	br := bufio.NewReader(r)

	// ring holds at most the last n lines; once full, next is the slot of
	// the oldest.
	var ring []string
	next := 0
	total := 0

	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			total++

			if n > 0 {
				line = strings.TrimSuffix(line, "\n")

				if len(ring) < n {
					ring = append(ring, line)
				} else {
					ring[next] = line
					next = (next + 1) % n
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			return 0, "", fmt.Errorf("read output log: %w", err)
		}
	}

	lines := make([]string, 0, len(ring))
	lines = append(lines, ring[next:]...)
	lines = append(lines, ring[:next]...)

	return total, strings.Join(lines, "\n"), nil
}

// TailFile is Tail over the file at path. A missing file holds no lines.
func TailFile(path string, n int) (int, string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, "", nil
		}

		return 0, "", fmt.Errorf("open output log: %w", err)
	}
	defer f.Close()

	return Tail(f, n)
}
