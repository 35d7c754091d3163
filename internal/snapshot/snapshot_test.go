package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyondl/internal/model"
)

type fakeSource struct {
	records []*model.JobRecord
}

func (f *fakeSource) ListRecords() ([]*model.JobRecord, error) {
	return f.records, nil
}

func TestLoadReturnsNilNilWhenSnapshotAbsent(t *testing.T) {
	dir := t.TempDir()
	recordDir := filepath.Join(dir, "records")
	require.NoError(t, os.MkdirAll(recordDir, 0o755))

	m := New(recordDir, &fakeSource{})
	records, err := m.Load()
	assert.NoError(t, err)
	assert.Nil(t, records)
}

func TestRebuildThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	recordDir := filepath.Join(dir, "records")
	require.NoError(t, os.MkdirAll(recordDir, 0o755))

	src := &fakeSource{records: []*model.JobRecord{
		{JobID: "job-1", FileURL: "https://a.example.com/f"},
		{JobID: "job-2", FileURL: "https://b.example.com/g"},
	}}
	m := New(recordDir, src)
	m.rebuild()

	// Snapshot is now newer than the (empty) record dir, so it is fresh.
	loaded, err := m.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	ids := map[string]bool{}
	for _, r := range loaded {
		ids[r.JobID] = true
	}
	assert.True(t, ids["job-1"])
	assert.True(t, ids["job-2"])
}

func TestLoadIsStaleWhenRecordFileNewerThanSnapshot(t *testing.T) {
	dir := t.TempDir()
	recordDir := filepath.Join(dir, "records")
	require.NoError(t, os.MkdirAll(recordDir, 0o755))

	m := New(recordDir, &fakeSource{})
	m.rebuild()

	// Touch a record file after the snapshot was written.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(recordDir, "job-3.json"), []byte("{}"), 0o644))

	loaded, err := m.Load()
	assert.NoError(t, err)
	assert.Nil(t, loaded) // stale: falls back to the record store
}

func TestRebuildDedupesByJobID(t *testing.T) {
	dir := t.TempDir()
	recordDir := filepath.Join(dir, "records")
	require.NoError(t, os.MkdirAll(recordDir, 0o755))

	src := &fakeSource{records: []*model.JobRecord{
		{JobID: "dup", DownloadedBytes: 1},
		{JobID: "dup", DownloadedBytes: 2},
	}}
	m := New(recordDir, src)
	m.rebuild()

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}
