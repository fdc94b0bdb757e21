// Package output provides the append-only Output Log of a job and reading
// its tail. The worker is the only writer; readers need no coordination with
// it because bytes are only ever appended.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// readBufferSize is the temporary buffer size for reading from a source pipe.
// 4KB aligns with typical pipe buffer sizes.
const readBufferSize = 4096

// Log appends to an Output Log file. Safe for concurrent use; each Write is
// appended whole.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// Open opens the Output Log at path for appending, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output log: %w", err)
	}

	return &Log{f: f}, nil
}

// Write appends p to the log.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, os.ErrClosed
	}

	return l.f.Write(p)
}

// Line appends s followed by a newline.
func (l *Log) Line(s string) error {
	_, err := l.Write([]byte(s + "\n"))
	return err
}

// Close closes the log. Subsequent writes return os.ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true

	return l.f.Close()
}

// Append appends text to the Output Log at path in a single write.
func Append(path, text string) error {
	l, err := Open(path)
	if err != nil {
		return err
	}

	_, werr := l.Write([]byte(text))

	return errors.Join(werr, l.Close())
}

// Pump reads from source until io.EOF, handing each chunk to fn in the order
// it was read. The slice passed to fn is only valid for the duration of the
// call.
func Pump(source io.Reader, fn func([]byte) error) error {
	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			if ferr := fn(buffer[:n]); ferr != nil {
				return ferr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}

			return err
		}
	}
}
