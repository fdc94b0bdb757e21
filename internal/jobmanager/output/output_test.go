package output_test

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/nixpig/agentjob/internal/jobmanager/output"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTail(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		content   string
		n         int
		wantLines int
		wantTail  string
	}{
		"Last two of three lines": {
			content:   "a\nb\nc",
			n:         2,
			wantLines: 3,
			wantTail:  "b\nc",
		},
		"Trailing newline terminates last line": {
			content:   "a\nb\nc\n",
			n:         2,
			wantLines: 3,
			wantTail:  "b\nc",
		},
		"Tail larger than log": {
			content:   "a\nb\nc\n",
			n:         50,
			wantLines: 3,
			wantTail:  "a\nb\nc",
		},
		"Tail equal to log": {
			content:   "a\nb\nc",
			n:         3,
			wantLines: 3,
			wantTail:  "a\nb\nc",
		},
		"Zero tail": {
			content:   "a\nb\nc\n",
			n:         0,
			wantLines: 3,
			wantTail:  "",
		},
		"Empty log": {
			content:   "",
			n:         5,
			wantLines: 0,
			wantTail:  "",
		},
		"Blank lines are counted": {
			content:   "a\n\n\nb\n",
			n:         3,
			wantLines: 4,
			wantTail:  "\n\nb",
		},
		"Tail wraps around": {
			content:   "a\nb\nc\nd\ne\n",
			n:         2,
			wantLines: 5,
			wantTail:  "d\ne",
		},
		"Huge tail": {
			content:   "a\nb\nc",
			n:         math.MaxInt,
			wantLines: 3,
			wantTail:  "a\nb\nc",
		},
		"Long lines": {
			content:   strings.Repeat("x", 128*1024) + "\nend\n",
			n:         1,
			wantLines: 2,
			wantTail:  "end",
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			gotLines, gotTail, err := output.Tail(
				iotest.OneByteReader(strings.NewReader(config.content)),
				config.n,
			)
			if err != nil {
				t.Fatalf("expected not to receive error: got '%v'", err)
			}

			if gotLines != config.wantLines {
				t.Errorf(
					"expected lines: got '%d', want '%d'",
					gotLines,
					config.wantLines,
				)
			}

			if gotTail != config.wantTail {
				t.Errorf(
					"expected tail: got '%q', want '%q'",
					gotTail,
					config.wantTail,
				)
			}
		})
	}

	t.Run("Test negative tail", func(t *testing.T) {
		t.Parallel()

		if _, _, err := output.Tail(strings.NewReader("a"), -1); err == nil {
			t.Errorf("expected to receive error: got '%v'", err)
		}
	})
}

func TestTailFile(t *testing.T) {
	t.Parallel()

	t.Run("Test missing file", func(t *testing.T) {
		t.Parallel()

		lines, tail, err := output.TailFile(
			filepath.Join(t.TempDir(), "output.log"),
			10,
		)
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if lines != 0 || tail != "" {
			t.Errorf("expected empty tail: got '%d', '%s'", lines, tail)
		}
	})
}

func TestLog(t *testing.T) {
	t.Parallel()

	t.Run("Test append never truncates", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "output.log")

		if err := output.Append(path, "first\n"); err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		l, err := output.Open(path)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := l.Line("second"); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := l.Close(); err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if err := l.Line("third"); !errors.Is(err, os.ErrClosed) {
			t.Errorf("expected ErrClosed: got '%v'", err)
		}

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if string(got) != "first\nsecond\n" {
			t.Errorf(
				"expected log content: got '%s', want '%s'",
				got,
				"first\nsecond\n",
			)
		}
	})

	t.Run("Test concurrent writes", func(t *testing.T) {
		t.Parallel()

		writes := 200
		payload := "Hello, world!"

		path := filepath.Join(t.TempDir(), "output.log")

		l, err := output.Open(path)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		var wg sync.WaitGroup

		for range writes {
			wg.Go(func() {
				l.Line(payload)
			})
		}

		wg.Wait()
		l.Close()

		lines, _, err := output.TailFile(path, 0)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if lines != writes {
			t.Errorf("expected lines: got '%d', want '%d'", lines, writes)
		}

		got, _ := os.ReadFile(path)
		if string(got) != strings.Repeat(payload+"\n", writes) {
			t.Errorf("expected whole lines to be appended")
		}
	})
}

func TestPump(t *testing.T) {
	t.Parallel()

	t.Run("Test chunks arrive in order", func(t *testing.T) {
		t.Parallel()

		payload := bytes.Repeat([]byte("0123456789"), 2048)

		var got []byte

		err := output.Pump(bytes.NewReader(payload), func(p []byte) error {
			got = append(got, p...)
			return nil
		})
		if err != nil {
			t.Errorf("expected not to receive error: got '%v'", err)
		}

		if !bytes.Equal(got, payload) {
			t.Errorf("expected pumped data to match")
		}
	})

	t.Run("Test callback error stops pump", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("boom")

		err := output.Pump(strings.NewReader("data"), func(p []byte) error {
			return wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected callback error: got '%v'", err)
		}
	})

	t.Run("Test read error", func(t *testing.T) {
		t.Parallel()

		wantErr := errors.New("read failed")

		err := output.Pump(iotest.ErrReader(wantErr), func(p []byte) error {
			return nil
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected read error: got '%v'", err)
		}
	})
}
