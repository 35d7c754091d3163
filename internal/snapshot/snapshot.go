// Package snapshot implements the cold-start accelerator: a single
// gob-encoded blob consolidating every per-job record, rebuilt only
// when a record file is newer than the snapshot. Grounded on the
// buffer-then-truncate-then-write gob persistence pattern used by
// single-file download-manager state stores.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"tachyondl/internal/model"
)

const defaultFileName = "merged_data_binary.dat"

// RecordSource supplies the records to merge and their directory mtime
// comparison target.
type RecordSource interface {
	ListRecords() ([]*model.JobRecord, error)
}

// Merger runs the 5-second single-threaded consolidation loop.
type Merger struct {
	recordDir    string
	snapshotPath string
	records      RecordSource

	running atomic.Bool
}

func New(recordDir string, records RecordSource) *Merger {
	return &Merger{
		recordDir:    recordDir,
		snapshotPath: filepath.Join(filepath.Dir(recordDir), defaultFileName),
		records:      records,
	}
}

// Run drives the merge loop on a 5-second ticker until stop is
// closed. The atomic run-flag guards against overlapping ticks if a
// merge ever takes longer than the tick period.
func (m *Merger) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Merger) tick() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	stale, err := m.isStale()
	if err != nil || !stale {
		return
	}
	m.rebuild()
}

// isStale reports whether any per-job record file is newer than the
// snapshot (or the snapshot doesn't exist yet).
func (m *Merger) isStale() (bool, error) {
	snapInfo, err := os.Stat(m.snapshotPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	entries, err := os.ReadDir(m.recordDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(snapInfo.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Merger) rebuild() {
	records, err := m.records.ListRecords()
	if err != nil {
		return
	}

	unique := make(map[string]model.JobRecord, len(records))
	for _, r := range records {
		unique[r.JobID] = *r
	}
	merged := make([]model.JobRecord, 0, len(unique))
	for _, r := range unique {
		merged = append(merged, r)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(merged); err != nil {
		return
	}

	f, err := os.OpenFile(m.snapshotPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Truncate(0)
	f.Seek(0, 0)
	f.Write(buf.Bytes())
}

// Load deserializes the snapshot directly, without touching the
// Record Store, when every per-job record's mtime is at or before the
// snapshot's mtime. Returns (nil, nil) — SnapshotStale — when the
// snapshot is absent or stale; returns (nil, err) — SnapshotCorrupt —
// only on a genuine decode failure, which callers should treat as
// "fall back to the Record Store", not a fatal error.
func (m *Merger) Load() ([]model.JobRecord, error) {
	stale, err := m.isStale()
	if err != nil {
		return nil, nil
	}
	if stale {
		return nil, nil
	}

	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return nil, nil
	}

	var records []model.JobRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}
