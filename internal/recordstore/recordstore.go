// Package recordstore persists one JSON file per job and is the
// system of record the Scheduler and Job Engine read and write
// through. The metadata mirror (internal/mirror) is a best-effort
// read replica fed from the Observer Bus — this package is the only
// durable source of truth.
package recordstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tachyondl/internal/model"
)

const recordExt = ".json"

// minConcurrency/maxConcurrency/defaultConcurrency bound the parallel
// record-loading semaphore per spec.md §4.1.
const (
	minConcurrency     = 8
	maxConcurrency     = 64
	defaultConcurrency = 50
)

const failureRetryDelay = 30 * time.Second

// Store is the flat-file Record Store.
type Store struct {
	dir         string
	concurrency int

	mu    sync.RWMutex
	cache map[string]*model.JobRecord

	failMu sync.Mutex
	failed map[string]time.Time // job_id (by filename) -> last failure time
}

// New creates a Store rooted at dir, clamping concurrency into
// [minConcurrency, maxConcurrency] (0 selects defaultConcurrency).
func New(dir string, concurrency int) *Store {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if concurrency < minConcurrency {
		concurrency = minConcurrency
	}
	if concurrency > maxConcurrency {
		concurrency = maxConcurrency
	}
	return &Store{
		dir:         dir,
		concurrency: concurrency,
		cache:       make(map[string]*model.JobRecord),
		failed:      make(map[string]time.Time),
	}
}

func (s *Store) pathFor(jobID string) string {
	return filepath.Join(s.dir, jobID+recordExt)
}

// Save writes a record to its file, replacing any prior version.
// Encoding is plain JSON so the file stays human-auditable, matching
// the teacher's structured-text record convention.
func (s *Store) Save(r *model.JobRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.pathFor(r.JobID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.pathFor(r.JobID)); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[r.JobID] = r
	s.mu.Unlock()
	s.clearFailure(r.JobID)
	return nil
}

// Load reads a single record by job id, bypassing the cache.
func (s *Store) Load(jobID string) (*model.JobRecord, error) {
	return s.loadFile(s.pathFor(jobID))
}

// Delete removes both the record file and any cached entry.
func (s *Store) Delete(jobID string) error {
	s.mu.Lock()
	delete(s.cache, jobID)
	s.mu.Unlock()
	s.clearFailure(jobID)

	err := os.Remove(s.pathFor(jobID))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// isStructurallyUnrecoverable classifies a parse failure as the kind
// spec.md §4.1 says should cause the file to be deleted outright
// (field-type mismatch, numeric parse failure, or malformed JSON
// syntax, which includes truncated content) as opposed to any other
// error, which leaves the file in place for a later retry.
func isStructurallyUnrecoverable(err error) bool {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	return errors.As(err, &typeErr) || errors.As(err, &syntaxErr)
}

func (s *Store) loadFile(path string) (*model.JobRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r model.JobRecord
	if err := json.Unmarshal(data, &r); err != nil {
		if isStructurallyUnrecoverable(err) {
			os.Remove(path)
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) shouldSkipRetry(filename string) bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	last, ok := s.failed[filename]
	if !ok {
		return false
	}
	return time.Since(last) < failureRetryDelay
}

func (s *Store) recordFailure(filename string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failed[filename] = time.Now()
}

func (s *Store) clearFailure(jobID string) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	delete(s.failed, jobID+recordExt)
}

// ListRecords loads every non-temp record file in the directory
// concurrently (bounded by s.concurrency), skipping files that failed
// within the last 30 seconds.
func (s *Store) ListRecords() ([]*model.JobRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type job struct {
		name string
		path string
	}
	var candidates []job
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, recordExt) {
			continue
		}
		if strings.Contains(name, "temp") {
			continue
		}
		if s.shouldSkipRetry(name) {
			continue
		}
		candidates = append(candidates, job{name: name, path: filepath.Join(s.dir, name)})
	}

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var records []*model.JobRecord

	for _, c := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(c job) {
			defer wg.Done()
			defer func() { <-sem }()

			r, err := s.loadFile(c.path)
			if err != nil {
				s.recordFailure(c.name)
				return
			}
			mu.Lock()
			records = append(records, r)
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	s.mu.Lock()
	for _, r := range records {
		s.cache[r.JobID] = r
	}
	s.mu.Unlock()

	return records, nil
}

// Validate reconciles the in-memory cache against the directory: it
// drops entries whose files have disappeared, and drops entries whose
// underlying file previously failed to parse and are now past the
// retry delay (so the next ListRecords call reloads them).
func (s *Store) Validate() {
	s.mu.Lock()
	for jobID := range s.cache {
		if _, err := os.Stat(s.pathFor(jobID)); os.IsNotExist(err) {
			delete(s.cache, jobID)
		}
	}
	s.mu.Unlock()

	s.failMu.Lock()
	defer s.failMu.Unlock()
	for name, last := range s.failed {
		if time.Since(last) >= failureRetryDelay {
			delete(s.failed, name)
		}
	}
}
