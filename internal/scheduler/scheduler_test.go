package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyondl/internal/config"
	"tachyondl/internal/jobengine"
	"tachyondl/internal/model"
	"tachyondl/internal/observer"
)

type fakeRecordStore struct {
	records map[string]*model.JobRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{records: make(map[string]*model.JobRecord)}
}

func (f *fakeRecordStore) ListRecords() ([]*model.JobRecord, error) {
	var out []*model.JobRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRecordStore) Save(r *model.JobRecord) error {
	f.records[r.JobID] = r
	return nil
}

func (f *fakeRecordStore) Delete(jobID string) error {
	delete(f.records, jobID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func noopFactory(record model.JobRecord) *jobengine.Engine {
	return jobengine.New(record, jobengine.Deps{
		Logger:  testLogger(),
		Records: newFakeRecordStore(),
		Bus:     observer.NewBus(testLogger()),
	})
}

func TestAddTwiceYieldsOneActiveEntry(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 3, config.Defaults())

	rec := model.JobRecord{JobID: "job-1", FileURL: "https://a.example.com/f"}
	s.Add(rec)
	s.Add(rec)

	s.mu.Lock()
	n := len(s.active)
	s.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestPauseIsIdempotent(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 3, config.Defaults())

	rec := model.JobRecord{JobID: "job-2", FileURL: "https://a.example.com/f"}
	s.Add(rec)
	s.Pause("job-2")
	s.Pause("job-2") // must not panic or double-decrement host counters

	s.mu.Lock()
	_, stillActive := s.active["job-2"]
	s.mu.Unlock()
	assert.False(t, stillActive)
}

func TestHostLimitSkipsSecondWaitingJobOnSameHost(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 10, config.Defaults())
	s.SetHostLimit("shared.example.com", 1)

	dir := t.TempDir()
	s.Add(model.JobRecord{
		JobID: "job-a", FileURL: "https://shared.example.com/1",
		DestinationPath: dir + "/a.bin", FileName: "a.bin",
		TotalSize: 10, SizeKnown: true, ThreadCount: 1,
	})
	s.Add(model.JobRecord{
		JobID: "job-b", FileURL: "https://shared.example.com/2",
		DestinationPath: dir + "/b.bin", FileName: "b.bin",
		TotalSize: 10, SizeKnown: true, ThreadCount: 1,
	})

	s.mu.Lock()
	waitingBefore := len(s.waiting)
	s.mu.Unlock()
	require.Equal(t, 2, waitingBefore)

	// A single tick processes job-a first (host slot free, promoted),
	// then job-b (host slot now saturated, skipped).
	s.PromotionTick(context.Background())

	s.mu.Lock()
	waitingAfter := len(s.waiting)
	s.mu.Unlock()
	// job-b should still be waiting: the host limit was already saturated.
	assert.Equal(t, 1, waitingAfter)
}

func TestGlobalCapNeverExceeded(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 1, config.Defaults())

	s.Add(model.JobRecord{JobID: "job-x", FileURL: "https://a.example.com/1"})
	s.Add(model.JobRecord{JobID: "job-y", FileURL: "https://b.example.com/2"})

	s.mu.Lock()
	s.active["job-x"].engine = noopFactory(model.JobRecord{JobID: "job-x"})
	s.mu.Unlock()

	// With the single slot taken, a tick must not promote job-y.
	s.PromotionTick(context.Background())

	assert.LessOrEqual(t, s.RunningCount(), 1)
}

func TestRunningCountDropsAfterEngineCompletionEvent(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 1, config.Defaults())

	rec := model.JobRecord{JobID: "job-z", FileURL: "https://a.example.com/1"}
	s.Add(rec)
	s.mu.Lock()
	s.active["job-z"].engine = noopFactory(rec)
	s.mu.Unlock()
	require.Equal(t, 1, s.RunningCount())

	bus.Publish(observer.Event{Kind: observer.EventJobComplete, Record: rec})

	assert.Equal(t, 0, s.RunningCount())
	s.mu.Lock()
	_, inFinished := s.finished["job-z"]
	s.mu.Unlock()
	assert.True(t, inFinished)
}

func TestEngineSelfPauseEventFreesHostSlotWithoutFinishing(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 3, config.Defaults())
	s.SetHostLimit("shared.example.com", 1)

	rec := model.JobRecord{JobID: "job-expired", FileURL: "https://shared.example.com/f"}
	s.Add(rec)
	s.mu.Lock()
	s.activePerHost["shared.example.com"] = 1
	s.mu.Unlock()

	bus.Publish(observer.Event{Kind: observer.EventJobPaused, Record: rec, Message: "link expired"})

	s.mu.Lock()
	_, stillActive := s.active["job-expired"]
	_, inFinished := s.finished["job-expired"]
	hostCount := s.activePerHost["shared.example.com"]
	s.mu.Unlock()
	assert.False(t, stillActive)
	assert.False(t, inFinished)
	assert.Equal(t, 0, hostCount)
}

func TestColdStartPurgesCompletedJobWithMissingDestinationFile(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())
	s := New(testLogger(), records, bus, noopFactory, 3, config.Defaults())

	rec := &model.JobRecord{
		JobID:           "job-gone",
		IsComplete:      true,
		Status:          model.StatusComplete,
		DestinationPath: filepath.Join(t.TempDir(), "missing.bin"),
	}
	require.NoError(t, records.Save(rec))

	s.ColdStart(nil)

	s.mu.Lock()
	_, inFinished := s.finished["job-gone"]
	s.mu.Unlock()
	assert.False(t, inFinished)
	_, stillStored := records.records["job-gone"]
	assert.False(t, stillStored)
}

func TestColdStartPurgesCompletedJobPastRetentionWindow(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())

	dir := t.TempDir()
	destPath := filepath.Join(dir, "done.bin")
	require.NoError(t, os.WriteFile(destPath, []byte("data"), 0o644))

	settings := config.Defaults()
	settings.AutoRemoveTasks = true
	settings.AutoRemoveAfterNDays = 1
	s := New(testLogger(), records, bus, noopFactory, 3, settings)

	rec := &model.JobRecord{
		JobID:           "job-old",
		IsComplete:      true,
		Status:          model.StatusComplete,
		DestinationPath: destPath,
		CompletedAtMs:   time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	require.NoError(t, records.Save(rec))

	s.ColdStart(nil)

	s.mu.Lock()
	_, inFinished := s.finished["job-old"]
	s.mu.Unlock()
	assert.False(t, inFinished)
	_, stillStored := records.records["job-old"]
	assert.False(t, stillStored)
}

func TestColdStartKeepsRecentCompletedJobInFinished(t *testing.T) {
	records := newFakeRecordStore()
	bus := observer.NewBus(testLogger())

	dir := t.TempDir()
	destPath := filepath.Join(dir, "done.bin")
	require.NoError(t, os.WriteFile(destPath, []byte("data"), 0o644))

	settings := config.Defaults()
	settings.AutoRemoveTasks = true
	settings.AutoRemoveAfterNDays = 30
	s := New(testLogger(), records, bus, noopFactory, 3, settings)

	rec := &model.JobRecord{
		JobID:           "job-fresh",
		IsComplete:      true,
		Status:          model.StatusComplete,
		DestinationPath: destPath,
		CompletedAtMs:   time.Now().UnixMilli(),
	}
	require.NoError(t, records.Save(rec))

	s.ColdStart(nil)

	s.mu.Lock()
	_, inFinished := s.finished["job-fresh"]
	s.mu.Unlock()
	assert.True(t, inFinished)
}
