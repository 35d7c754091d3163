package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallbacks struct {
	mu        sync.Mutex
	completed []int
	canceled  []TerminationReason
}

func (f *fakeCallbacks) PartCompleted(partIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, partIndex)
}

func (f *fakeCallbacks) PartCanceled(partIndex int, reason TerminationReason, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, reason)
}

func (f *fakeCallbacks) snapshot() ([]int, []TerminationReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.completed...), append([]TerminationReason(nil), f.canceled...)
}

func TestStartDownloadsFullRangeAndCompletes(t *testing.T) {
	payload := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-9/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "out.bin")
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(len(payload))))
	defer f.Close()

	cb := &fakeCallbacks{}
	spec := Spec{
		JobID: "job-1", PartIndex: 0,
		StartByte: 0, EndByte: int64(len(payload) - 1), ChunkSize: int64(len(payload)),
		MultipartSupport: true,
		URL:              srv.URL,
		BufferSize:       4,
	}
	w := New(spec, srv.Client(), nil, cb)
	w.Start(context.Background(), f)

	completed, canceled := cb.snapshot()
	assert.Equal(t, []int{0}, completed)
	assert.Empty(t, canceled)
	assert.Equal(t, int64(len(payload)), w.Downloaded())

	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStart404ReportsURLExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "out.bin")
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(t, err)
	defer f.Close()

	cb := &fakeCallbacks{}
	spec := Spec{JobID: "job-2", URL: srv.URL, ChunkSize: 10, EndByte: 9, MultipartSupport: true}
	w := New(spec, srv.Client(), nil, cb)
	w.Start(context.Background(), f)

	_, canceled := cb.snapshot()
	require.Len(t, canceled, 1)
	assert.Equal(t, ReasonURLExpired, canceled[0])
}

func TestCancelStopsBeforeCompletion(t *testing.T) {
	blockCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-99/100")
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("x"))
		if flusher != nil {
			flusher.Flush()
		}
		<-blockCh
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "out.bin")
	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(100))
	defer f.Close()

	cb := &fakeCallbacks{}
	spec := Spec{JobID: "job-3", URL: srv.URL, ChunkSize: 100, EndByte: 99, MultipartSupport: true, BufferSize: 1}
	w := New(spec, srv.Client(), nil, cb)

	done := make(chan struct{})
	go func() {
		w.Start(context.Background(), f)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Cancel(true)
	close(blockCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	_, canceled := cb.snapshot()
	require.NotEmpty(t, canceled)
	assert.Equal(t, ReasonCanceled, canceled[0])
}
