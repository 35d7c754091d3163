// Package worker implements the Part Worker: one byte-range download
// with its own progress counter, throttling, and cancellation.
package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"tachyondl/internal/bandwidth"
)

// TerminationReason classifies why a part stopped.
type TerminationReason string

const (
	ReasonCompleted   TerminationReason = "part_completed"
	ReasonCanceled    TerminationReason = "part_canceled"
	ReasonDestMissing TerminationReason = "dest_missing"
	ReasonURLExpired  TerminationReason = "url_expired"
)

// Callbacks is the small relation a Part Worker holds back to its
// owning Job Engine. Workers never hold a pointer to the engine
// itself — only this interface — so the relation is expressible
// without a reference cycle.
type Callbacks interface {
	PartCompleted(partIndex int)
	PartCanceled(partIndex int, reason TerminationReason, cause error)
}

// Spec is the immutable configuration a Part Worker is constructed
// with, per spec.md §4.4 "Inputs at init".
type Spec struct {
	JobID            string
	PartIndex        int
	StartByte        int64
	EndByte          int64 // inclusive; ignored in single-threaded mode
	ChunkSize        int64
	DownloadedSoFar  int64
	SingleThreaded   bool
	MultipartSupport bool

	URL         string
	UserAgent   string
	BrowserUA   string
	FromBrowser bool
	Referrer    string
	ContentDisp string
	Cookie      string

	BufferSize int
	MaxSpeed   int64 // bytes/sec, 0 = unlimited (per-part throttle fallback when bandwidth.Manager absent)
}

// Worker downloads one byte range.
type Worker struct {
	spec      Spec
	client    *http.Client
	bandwidth *bandwidth.Manager
	callbacks Callbacks

	downloaded atomic.Int64
	canceled   atomic.Bool
	userInit   atomic.Bool

	cancelFn context.CancelFunc
}

func New(spec Spec, client *http.Client, bw *bandwidth.Manager, cb Callbacks) *Worker {
	w := &Worker{spec: spec, client: client, bandwidth: bw, callbacks: cb}
	w.downloaded.Store(spec.DownloadedSoFar)
	return w
}

// Downloaded returns the current byte counter for this part.
func (w *Worker) Downloaded() int64 { return w.downloaded.Load() }

// Cancel requests the worker stop at the next read boundary.
// userInitiated distinguishes an explicit pause/delete from an
// internal stop (e.g. destination missing), though both use the same
// cooperative flag.
func (w *Worker) Cancel(userInitiated bool) {
	w.canceled.Store(true)
	w.userInit.Store(userInitiated)
	if w.cancelFn != nil {
		w.cancelFn()
	}
}

// Start runs the part's download loop to completion or cancellation.
// destFile must already be sized/seekable to accept WriteAt in
// multi-threaded mode.
func (w *Worker) Start(ctx context.Context, destFile *os.File) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelFn = cancel
	defer cancel()

	if w.spec.SingleThreaded && w.spec.DownloadedSoFar == 0 && !w.spec.MultipartSupport {
		destFile.Truncate(0)
	}

	req, err := w.buildRequest(ctx)
	if err != nil {
		w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, err)
		return
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		w.callbacks.PartCanceled(w.spec.PartIndex, ReasonURLExpired, fmt.Errorf("404 not found"))
		return
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}

	bufSize := w.spec.BufferSize
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	buf := make([]byte, bufSize)

	writeOffset := w.spec.StartByte + w.spec.DownloadedSoFar
	if w.spec.SingleThreaded {
		writeOffset = w.spec.DownloadedSoFar
	}

	remaining := w.spec.ChunkSize - w.spec.DownloadedSoFar

	for remaining > 0 || w.spec.ChunkSize == 0 {
		if w.canceled.Load() {
			w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, nil)
			return
		}

		if _, err := os.Stat(destFile.Name()); err != nil {
			w.callbacks.PartCanceled(w.spec.PartIndex, ReasonDestMissing, err)
			return
		}

		readSize := len(buf)
		if w.spec.ChunkSize > 0 && int64(readSize) > remaining {
			readSize = int(remaining)
		}

		start := time.Now()
		n, readErr := resp.Body.Read(buf[:readSize])
		if n > 0 {
			if w.bandwidth != nil {
				if err := w.bandwidth.Wait(ctx, w.spec.JobID, n); err != nil {
					w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, err)
					return
				}
			} else if w.spec.MaxSpeed > 0 {
				throttle(n, w.spec.MaxSpeed, start)
			}

			if _, werr := destFile.WriteAt(buf[:n], writeOffset); werr != nil {
				w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, werr)
				return
			}
			writeOffset += int64(n)
			w.downloaded.Add(int64(n))
			if w.spec.ChunkSize > 0 {
				remaining -= int64(n)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			w.callbacks.PartCanceled(w.spec.PartIndex, ReasonCanceled, readErr)
			return
		}
	}

	w.callbacks.PartCompleted(w.spec.PartIndex)
}

// throttle sleeps enough to cap this read's contribution to maxSpeed
// bytes/sec, matching spec.md §4.4's per-read throttle formula.
func throttle(n int, maxSpeed int64, readStart time.Time) {
	elapsedMs := time.Since(readStart).Milliseconds()
	targetMs := int64(n) * 1000 / maxSpeed
	sleepMs := targetMs - elapsedMs
	if sleepMs > 0 {
		time.Sleep(time.Duration(sleepMs) * time.Millisecond)
	}
}

func (w *Worker) buildRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.spec.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "*/*")

	ua := w.spec.UserAgent
	if ua == "" {
		ua = w.spec.BrowserUA
	}
	if ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	if w.spec.SingleThreaded {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", w.spec.DownloadedSoFar))
	} else {
		from := w.spec.StartByte + w.spec.DownloadedSoFar
		if w.spec.MultipartSupport {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, w.spec.EndByte))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", from))
		}
	}

	if w.spec.FromBrowser {
		if host := hostOf(w.spec.URL); host != "" {
			req.Header.Set("Host", host)
		}
		if w.spec.Referrer != "" {
			req.Header.Set("Referer", hostOnly(w.spec.Referrer))
		}
		if w.spec.ContentDisp != "" {
			req.Header.Set("Content-Disposition", w.spec.ContentDisp)
		}
		if w.spec.Cookie != "" {
			req.Header.Set("Cookie", w.spec.Cookie)
		}
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Sec-Fetch-Dest", "document")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
	}

	return req, nil
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func hostOnly(referrer string) string {
	return hostOf(referrer)
}
