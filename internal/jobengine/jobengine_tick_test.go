package jobengine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyondl/internal/model"
	"tachyondl/internal/observer"
	"tachyondl/internal/worker"
)

// TestTickFlushesStalledPartWithoutRetryAccounting simulates a worker
// that filled its chunk but whose completion callback never reached
// the engine (noopCallbacks stands in for a lost callback). The next
// progress tick must notice the byte counter already hit the chunk
// boundary and flush it straight to completion, regardless of
// download_auto_resume, without touching total_connection_retries.
func TestTickFlushesStalledPartWithoutRetryAccounting(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, twice for good measure")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "file.bin")
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(t, err)
	defer f.Close()

	spec := worker.Spec{
		JobID:          "job-stalled",
		PartIndex:      0,
		StartByte:      0,
		EndByte:        int64(len(content)) - 1,
		ChunkSize:      int64(len(content)),
		SingleThreaded: true,
		URL:            srv.URL,
		BufferSize:     4096,
	}
	w := worker.New(spec, http.DefaultClient, nil, noopCallbacks{})
	w.Start(context.Background(), f)
	require.Equal(t, int64(len(content)), w.Downloaded())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := &fakeRecorder{}
	bus := observer.NewBus(logger)

	e := &Engine{
		logger:   logger,
		records:  recorder,
		bus:      bus,
		tickStop: make(chan struct{}),
		record: model.JobRecord{
			JobID:     "job-stalled",
			TotalSize: int64(len(content)),
			SizeKnown: true,
			Parts:     []model.PartPlan{{Start: 0, End: int64(len(content)) - 1, ChunkSize: int64(len(content))}},
			Settings:  model.GlobalSettingsSnapshot{AutoResume: false},
		},
		workers: []*worker.Worker{w},
		done:    []bool{false},
	}

	e.tick()

	rec := e.Record()
	assert.True(t, rec.IsComplete)
	assert.Equal(t, model.StatusComplete, rec.Status)
	assert.Equal(t, 0, rec.TotalConnectionRetries)
}
