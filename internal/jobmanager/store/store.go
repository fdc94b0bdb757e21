// Package store implements the filesystem-backed Job Store. Each job lives in
// its own directory under a root directory:
//
//	<root>/<jobId>/meta.json    Job Record
//	<root>/<jobId>/output.log   Output Log
//	<root>/<jobId>/result.json  Result Record, once terminal
//	<root>/<jobId>/worker.log   worker diagnostics
//
// Records are written to a temporary file and renamed into place, so readers
// never observe a partially written record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nixpig/agentjob/internal/jobmanager"
	"github.com/nixpig/agentjob/internal/jobmanager/output"
	"golang.org/x/sys/unix"
)

const (
	metaFile      = "meta.json"
	outputFile    = "output.log"
	resultFile    = "result.json"
	workerLogFile = "worker.log"
	lockFile      = "meta.lock"
)

// Store is a jobmanager.Store rooted at a directory.
type Store struct {
	root string
}

// New creates a Store rooted at root. The directory is created lazily by the
// first CreateJob.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the root directory of the Store.
func (s *Store) Root() string {
	return s.root
}

// JobDir returns the directory of the job with the given id.
func (s *Store) JobDir(id string) string {
	return filepath.Join(s.root, id)
}

// OutputPath returns the path of the Output Log of the job with the given id.
func (s *Store) OutputPath(id string) string {
	return filepath.Join(s.root, id, outputFile)
}

// WorkerLogPath returns the path the worker's own diagnostics are written to.
func (s *Store) WorkerLogPath(id string) string {
	return filepath.Join(s.root, id, workerLogFile)
}

// CreateJob creates the directory, Job Record and empty Output Log of a new
// job. It returns jobmanager.ErrJobExists if the job already exists.
func (s *Store) CreateJob(rec *jobmanager.JobRecord) error {
	if err := ValidateID(rec.JobID); err != nil {
		return err
	}

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}

	dir := s.JobDir(rec.JobID)

	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", jobmanager.ErrJobExists, rec.JobID)
		}

		return fmt.Errorf("create job dir: %w", err)
	}

	rec.SchemaVersion = jobmanager.SchemaVersion

	if err := writeJSON(filepath.Join(dir, metaFile), rec); err != nil {
		os.RemoveAll(dir)
		return err
	}

	if err := os.WriteFile(s.OutputPath(rec.JobID), nil, 0644); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("create output log: %w", err)
	}

	return nil
}

// ReadJob returns the Job Record of the job with the given id or
// jobmanager.ErrJobNotFound if it doesn't exist.
func (s *Store) ReadJob(id string) (*jobmanager.JobRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	rec := &jobmanager.JobRecord{}

	if err := readJSON(filepath.Join(s.JobDir(id), metaFile), rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, jobmanager.ErrJobNotFound
		}

		return nil, err
	}

	if err := checkSchema(&rec.SchemaVersion); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}

	return rec, nil
}

// WriteJob replaces the Job Record of an existing job. Concurrent writers
// race with last-writer-wins; use UpdateJob to read-modify-write.
func (s *Store) WriteJob(rec *jobmanager.JobRecord) error {
	if err := ValidateID(rec.JobID); err != nil {
		return err
	}

	if err := s.requireJob(rec.JobID); err != nil {
		return err
	}

	rec.SchemaVersion = jobmanager.SchemaVersion

	return writeJSON(filepath.Join(s.JobDir(rec.JobID), metaFile), rec)
}

// UpdateJob applies fn to the current Job Record of the job with the given id
// and writes the result, holding an exclusive lock on the job for the whole
// read-modify-write. If fn returns an error the record is left untouched and
// returned as read, along with the error.
func (s *Store) UpdateJob(
	id string,
	fn func(*jobmanager.JobRecord) error,
) (*jobmanager.JobRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	unlock, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := s.ReadJob(id)
	if err != nil {
		return nil, err
	}

	orig := *rec

	if err := fn(rec); err != nil {
		return &orig, err
	}

	if err := s.WriteJob(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// AppendOutput appends text to the Output Log of the job with the given id.
func (s *Store) AppendOutput(id, text string) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	if err := s.requireJob(id); err != nil {
		return err
	}

	return output.Append(s.OutputPath(id), text)
}

// OpenOutput opens the Output Log of the job with the given id for appending.
func (s *Store) OpenOutput(id string) (*output.Log, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	if err := s.requireJob(id); err != nil {
		return nil, err
	}

	return output.Open(s.OutputPath(id))
}

// TailOutput returns the line count and last n lines of the Output Log of the
// job with the given id. A job without an Output Log has no lines.
func (s *Store) TailOutput(id string, n int) (int, string, error) {
	if err := ValidateID(id); err != nil {
		return 0, "", err
	}

	return output.TailFile(s.OutputPath(id), n)
}

// WriteResult writes the Result Record of a job.
func (s *Store) WriteResult(rec *jobmanager.ResultRecord) error {
	if err := ValidateID(rec.JobID); err != nil {
		return err
	}

	if err := s.requireJob(rec.JobID); err != nil {
		return err
	}

	rec.SchemaVersion = jobmanager.SchemaVersion

	return writeJSON(filepath.Join(s.JobDir(rec.JobID), resultFile), rec)
}

// ReadResult returns the Result Record of the job with the given id or
// jobmanager.ErrResultNotFound if none has been written.
func (s *Store) ReadResult(id string) (*jobmanager.ResultRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	rec := &jobmanager.ResultRecord{}

	if err := readJSON(filepath.Join(s.JobDir(id), resultFile), rec); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, jobmanager.ErrResultNotFound
		}

		return nil, err
	}

	if err := checkSchema(&rec.SchemaVersion); err != nil {
		return nil, fmt.Errorf("result %s: %w", id, err)
	}

	return rec, nil
}

// ListJobIDs returns the ids of all jobs in the Store in lexical order. A
// missing root directory holds no jobs.
func (s *Store) ListJobIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() && ValidateID(entry.Name()) == nil {
			ids = append(ids, entry.Name())
		}
	}

	return ids, nil
}

// ValidateID returns jobmanager.ErrInvalidJobID unless id can be used as a
// single directory name.
func ValidateID(id string) error {
	if id == "" ||
		id == "." ||
		id == ".." ||
		strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: '%s'", jobmanager.ErrInvalidJobID, id)
	}

	return nil
}

func (s *Store) requireJob(id string) error {
	if _, err := os.Stat(s.JobDir(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return jobmanager.ErrJobNotFound
		}

		return fmt.Errorf("stat job dir: %w", err)
	}

	return nil
}

// lock takes an exclusive advisory lock on the job's lock file. The lock is
// shared by every process using the same root.
func (s *Store) lock(id string) (func(), error) {
	f, err := os.OpenFile(
		filepath.Join(s.JobDir(id), lockFile),
		os.O_RDWR|os.O_CREATE,
		0644,
	)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, jobmanager.ErrJobNotFound
		}

		return nil, fmt.Errorf("open job lock: %w", err)
	}

	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock job: %w", err)
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func checkSchema(v *int) error {
	switch {
	case *v == 0:
		// Records written before versioning are version 1.
		*v = jobmanager.SchemaVersion
	case *v > jobmanager.SchemaVersion:
		return fmt.Errorf("%w: %d", jobmanager.ErrUnsupportedSchema, *v)
	}

	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	return nil
}

// writeJSON writes v pretty-printed and newline-terminated to path by way of
// a temporary file in the same directory.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}

	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", filepath.Base(path), err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp %s: %w", filepath.Base(path), err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp %s: %w", filepath.Base(path), err)
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod temp %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}

	return nil
}
