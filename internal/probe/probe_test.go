package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeExtractsSizeAndResumeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "12345")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client())
	result, err := p.Probe(context.Background(), srv.URL, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), result.Size)
	assert.True(t, result.MultipartSupported)
	assert.True(t, result.ResumeSupported)
	assert.Equal(t, "report.pdf", result.Filename)
	assert.False(t, result.Forbidden)
}

func TestProbeFallsBackToGetWhenHeadNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client())
	result, err := p.Probe(context.Background(), srv.URL, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.Size)
}

func TestProbeReports404AsForbiddenWithFriendlyMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := New(srv.Client())
	result, err := p.Probe(context.Background(), srv.URL, "", "", "")
	require.NoError(t, err)
	assert.True(t, result.Forbidden)
	assert.Contains(t, result.ErrorMessage, "not found")
}

func TestProbeNetworkErrorReturnsResultNotError(t *testing.T) {
	p := New(http.DefaultClient)
	result, err := p.Probe(context.Background(), "http://127.0.0.1:1", "", "", "")
	require.NoError(t, err)
	assert.True(t, result.Forbidden)
	assert.Equal(t, int64(-1), result.Size)
}
