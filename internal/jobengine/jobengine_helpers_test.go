package jobengine

import (
	"sync"
	"testing"
	"time"

	"tachyondl/internal/model"
	"tachyondl/internal/observer"
	"tachyondl/internal/worker"
)

// fakeRecorder is an in-memory RecordPersister standing in for
// recordstore.Store across engine-level tests.
type fakeRecorder struct {
	mu   sync.Mutex
	last model.JobRecord
}

func (f *fakeRecorder) Save(r *model.JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = *r
	return nil
}

func (f *fakeRecorder) Get() model.JobRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// noopCallbacks discards every worker callback, standing in for a
// callback that never makes it back to an engine (e.g. one whose
// owning goroutine is gone by the time the worker reports in).
type noopCallbacks struct{}

func (noopCallbacks) PartCompleted(partIndex int)                                      {}
func (noopCallbacks) PartCanceled(partIndex int, reason worker.TerminationReason, cause error) {}

// waitForEvent drains ch until an event of the given kind arrives or
// timeout elapses.
func waitForEvent(t *testing.T, ch chan observer.Event, kind observer.EventKind, timeout time.Duration) observer.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}
