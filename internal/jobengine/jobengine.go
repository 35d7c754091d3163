// Package jobengine drives one job's state machine: partition
// planning, pre-allocation, Part Worker orchestration, progress
// ticking, retry policy, and checksum verification.
package jobengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"tachyondl/internal/bandwidth"
	"tachyondl/internal/congestion"
	"tachyondl/internal/filesystem"
	"tachyondl/internal/integrity"
	"tachyondl/internal/model"
	"tachyondl/internal/netmon"
	"tachyondl/internal/observer"
	"tachyondl/internal/probe"
	"tachyondl/internal/worker"
)

// defaultAlignment is the partition boundary alignment (A in spec.md
// §4.5 step 6).
const defaultAlignment int64 = 4096

const progressTickInterval = 500 * time.Millisecond

// RecordPersister is the narrow slice of recordstore.Store the engine
// needs; kept as an interface so tests can substitute an in-memory
// fake.
type RecordPersister interface {
	Save(r *model.JobRecord) error
}

// Engine drives a single JobRecord through WAITING -> DOWNLOADING ->
// {COMPLETE, PAUSED}.
type Engine struct {
	logger    *slog.Logger
	records   RecordPersister
	bus       *observer.Bus
	client    *http.Client
	bw        *bandwidth.Manager
	congestion *congestion.Controller
	allocator *filesystem.Allocator
	verifier  *integrity.Verifier
	netmon    *netmon.Monitor
	prober    *probe.Prober

	mu      sync.Mutex
	record  model.JobRecord
	file    *os.File
	workers []*worker.Worker
	done    []bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tickStop chan struct{}

	speedSamples []speedSample
}

type speedSample struct {
	at    time.Time
	bytes int64
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Logger     *slog.Logger
	Records    RecordPersister
	Bus        *observer.Bus
	Client     *http.Client
	Bandwidth  *bandwidth.Manager
	Congestion *congestion.Controller
	Allocator  *filesystem.Allocator
	Verifier   *integrity.Verifier
	NetMon     *netmon.Monitor
	Prober     *probe.Prober
}

func New(record model.JobRecord, d Deps) *Engine {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		logger:     d.Logger,
		records:    d.Records,
		bus:        d.Bus,
		client:     client,
		bw:         d.Bandwidth,
		congestion: d.Congestion,
		allocator:  d.Allocator,
		verifier:   d.Verifier,
		netmon:     d.NetMon,
		prober:     d.Prober,
		record:     record,
	}
}

// Record returns a point-in-time copy of the job's current state.
func (e *Engine) Record() model.JobRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record
}

func (e *Engine) persist() {
	rec := e.Record()
	if err := e.records.Save(&rec); err != nil {
		e.logger.Error("record persist failed", "job_id", rec.JobID, "error", err)
	}
}

func (e *Engine) publish(kind observer.EventKind, message string) {
	e.bus.Publish(observer.Event{Kind: kind, Record: e.Record(), Message: message})
}

// Start runs the initiation sequence (spec.md §4.5) and launches the
// part workers and progress tick. It returns once the job is either
// running or has terminated during initiation.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.tickStop = make(chan struct{})

	e.mu.Lock()
	e.record.Status = model.StatusPaused
	e.record.UserStatusText = "waiting to join"
	e.record.TotalConnectionRetries = 0
	e.mu.Unlock()
	e.persist()

	e.mu.Lock()
	downloaded := e.record.DownloadedBytes
	destPath := e.record.DestinationPath
	e.mu.Unlock()

	if downloaded > 0 {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			e.mu.Lock()
			e.record.FailedToAccessFile = true
			e.mu.Unlock()
			e.cancelWithReason("deleted, paused")
			return
		}
	}

	e.mu.Lock()
	needsProbe := e.record.TotalSize <= 1
	url := e.record.FileURL
	ua := e.record.Settings.HTTPUserAgent
	referrer := e.record.Referrer
	cookie := e.record.CookieString
	e.mu.Unlock()

	if needsProbe && e.prober != nil {
		result, err := e.prober.Probe(e.ctx, url, ua, referrer, cookie)
		if err == nil && result != nil {
			e.mu.Lock()
			if result.Size >= 0 {
				e.record.TotalSize = result.Size
				e.record.SizeKnown = true
			}
			if result.Filename != "" && result.Filename != "unknown" {
				e.record.FileName = result.Filename
			}
			e.record.ResumeSupported = result.ResumeSupported
			e.record.MultipartSupported = result.MultipartSupported
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	if !e.record.SizeKnown {
		e.record.ThreadCount = 1
	}
	e.planPartitions()
	size := e.record.TotalSize
	multipart := e.record.MultipartSupported
	e.mu.Unlock()

	if multipart && size > 0 {
		if _, err := os.Stat(destPath); os.IsNotExist(err) {
			if err := e.allocator.Allocate(destPath, size); err != nil {
				e.mu.Lock()
				e.record.FailedToAccessFile = true
				e.mu.Unlock()
				e.cancelWithReason(fmt.Sprintf("allocation failed: %v", err))
				return
			}
		}
	} else {
		os.MkdirAll(strings.TrimSuffix(destPath, e.record.FileName), 0o755)
		f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
		if err != nil {
			e.mu.Lock()
			e.record.FailedToAccessFile = true
			e.mu.Unlock()
			e.cancelWithReason(fmt.Sprintf("open failed: %v", err))
			return
		}
		f.Close()
	}

	f, err := os.OpenFile(destPath, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		e.mu.Lock()
		e.record.FailedToAccessFile = true
		e.mu.Unlock()
		e.cancelWithReason(fmt.Sprintf("open failed: %v", err))
		return
	}
	e.file = f

	e.mu.Lock()
	e.record.Status = model.StatusDownloading
	e.record.IsRunning = true
	e.record.StartTimeMs = time.Now().UnixMilli()
	parts := append([]model.PartPlan(nil), e.record.Parts...)
	e.done = make([]bool, len(parts))
	e.mu.Unlock()
	e.persist()
	e.publish(observer.EventJobAdded, "")

	e.startWorkers(parts)
	go e.runProgressTicker()
}

// planPartitions computes per-part start/end/chunk arrays using
// aligned boundaries (spec.md §4.5 step 6). Caller must hold e.mu.
func (e *Engine) planPartitions() {
	r := &e.record
	if !r.SizeKnown || r.TotalSize <= 0 {
		r.ThreadCount = 1
		r.Parts = []model.PartPlan{{Start: 0, End: -1, ChunkSize: r.TotalSize}}
		return
	}
	if r.ThreadCount < 1 {
		r.ThreadCount = 1
	}
	if !r.MultipartSupported {
		r.ThreadCount = 1
	}

	n := r.ThreadCount
	total := r.TotalSize
	if n == 1 {
		r.Parts = []model.PartPlan{{Start: 0, End: total - 1, ChunkSize: total}}
		return
	}

	base := total / int64(n)
	parts := make([]model.PartPlan, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		var end int64
		if i == n-1 {
			end = total - 1
		} else {
			end = alignUp(start+base-1, defaultAlignment)
			if end > total-1 {
				end = total - 1
			}
		}
		parts = append(parts, model.PartPlan{Start: start, End: end, ChunkSize: end - start + 1})
		start = end + 1
	}
	r.Parts = parts
}

// alignUp returns the last byte offset of the A-sized block containing
// v, i.e. the inclusive end of v's aligned region: block := v / A;
// result := (block+1)*A - 1. For total_size=10_000, N=3, A=4096 this
// produces the boundaries (0,4095),(4096,8191),(8192,9999).
func alignUp(v, a int64) int64 {
	if a <= 0 {
		return v
	}
	block := v / a
	return (block+1)*a - 1
}

func (e *Engine) startWorkers(parts []model.PartPlan) {
	e.mu.Lock()
	jobID := e.record.JobID
	single := len(parts) == 1 && (!e.record.SizeKnown || e.record.ThreadCount == 1)
	multipartOK := e.record.MultipartSupported
	bufSize := e.record.Settings.BufferSize
	ua := e.record.Settings.HTTPUserAgent
	browserUA := e.record.Settings.BrowserUserAgent
	fromBrowser := e.record.FromBrowser
	referrer := e.record.Referrer
	cd := e.record.ContentDisposition
	cookie := e.record.CookieString
	url := e.record.FileURL
	e.mu.Unlock()

	e.workers = make([]*worker.Worker, len(parts))
	for i, p := range parts {
		if e.done[i] {
			continue
		}
		if p.Downloaded >= p.ChunkSize && p.ChunkSize > 0 {
			e.done[i] = true
			continue
		}
		spec := worker.Spec{
			JobID:            jobID,
			PartIndex:        i,
			StartByte:        p.Start,
			EndByte:          p.End,
			ChunkSize:        p.ChunkSize,
			DownloadedSoFar:  p.Downloaded,
			SingleThreaded:   single,
			MultipartSupport: multipartOK,
			URL:              url,
			UserAgent:        ua,
			BrowserUA:        browserUA,
			FromBrowser:      fromBrowser,
			Referrer:         referrer,
			ContentDisp:      cd,
			Cookie:           cookie,
			BufferSize:       bufSize,
		}
		w := worker.New(spec, e.client, e.bw, e)
		e.workers[i] = w
		e.wg.Add(1)
		go func(w *worker.Worker) {
			defer e.wg.Done()
			w.Start(e.ctx, e.file)
		}(w)
	}
}

// PartCompleted implements worker.Callbacks.
func (e *Engine) PartCompleted(partIndex int) {
	e.mu.Lock()
	if partIndex >= 0 && partIndex < len(e.done) {
		e.done[partIndex] = true
		if partIndex < len(e.record.Parts) {
			e.record.Parts[partIndex].Downloaded = e.record.Parts[partIndex].ChunkSize
			e.record.Parts[partIndex].Percent = 100
		}
	}
	allDone := true
	for _, d := range e.done {
		if !d {
			allDone = false
			break
		}
	}
	e.mu.Unlock()

	if allDone {
		e.completeJob()
	}
}

// PartCanceled implements worker.Callbacks.
func (e *Engine) PartCanceled(partIndex int, reason worker.TerminationReason, cause error) {
	e.mu.Lock()
	alreadyDone := partIndex >= 0 && partIndex < len(e.done) && e.done[partIndex]
	e.mu.Unlock()
	if alreadyDone {
		// Already flushed by the progress tick's stalled-part
		// reconciliation (see tick/flushStalledPart); this callback
		// arrived after the fact and is not a real failure.
		return
	}

	switch reason {
	case worker.ReasonURLExpired:
		e.mu.Lock()
		e.record.IsURLExpired = true
		e.mu.Unlock()
		// Run off this worker's own goroutine: cancelWithReason waits on
		// e.wg, and this callback runs on the stack of a worker that
		// hasn't returned (and so hasn't called wg.Done) yet.
		go e.cancelWithReason("link expired")
		return
	case worker.ReasonDestMissing:
		e.mu.Lock()
		e.record.IsDestMissing = true
		e.mu.Unlock()
		go e.cancelWithReason("destination file missing")
		return
	}

	host := hostOf(e.Record().FileURL)
	if e.congestion != nil {
		e.congestion.RecordOutcome(host, 0, cause)
	}

	e.mu.Lock()
	running := e.record.IsRunning
	retries := e.record.TotalConnectionRetries
	maxErrors := e.record.Settings.AutoResumeMaxErrors
	autoResume := e.record.Settings.AutoResume
	e.mu.Unlock()

	if !running || !autoResume || retries >= maxErrors {
		return
	}

	if e.netmon != nil && !e.networkUsable() {
		e.mu.Lock()
		e.record.IsWaitingForNetwork = true
		e.record.UserStatusText = "waiting for network"
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.record.TotalConnectionRetries++
	var part model.PartPlan
	if partIndex >= 0 && partIndex < len(e.record.Parts) {
		part = e.record.Parts[partIndex]
	}
	single := len(e.record.Parts) == 1
	multipartOK := e.record.MultipartSupported
	bufSize := e.record.Settings.BufferSize
	ua := e.record.Settings.HTTPUserAgent
	browserUA := e.record.Settings.BrowserUserAgent
	fromBrowser := e.record.FromBrowser
	referrer := e.record.Referrer
	cd := e.record.ContentDisposition
	cookie := e.record.CookieString
	url := e.record.FileURL
	jobID := e.record.JobID
	e.mu.Unlock()

	backoffSteps := 1
	if e.congestion != nil {
		backoffSteps = e.congestion.BackoffSteps(host)
	}
	time.Sleep(time.Duration(backoffSteps) * 200 * time.Millisecond)

	spec := worker.Spec{
		JobID:            jobID,
		PartIndex:        partIndex,
		StartByte:        part.Start,
		EndByte:          part.End,
		ChunkSize:        part.ChunkSize,
		DownloadedSoFar:  part.Downloaded,
		SingleThreaded:   single,
		MultipartSupport: multipartOK,
		URL:              url,
		UserAgent:        ua,
		BrowserUA:        browserUA,
		FromBrowser:      fromBrowser,
		Referrer:         referrer,
		ContentDisp:      cd,
		Cookie:           cookie,
		BufferSize:       bufSize,
	}
	w := worker.New(spec, e.client, e.bw, e)
	e.mu.Lock()
	if partIndex >= 0 && partIndex < len(e.workers) {
		e.workers[partIndex] = w
	}
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.Start(e.ctx, e.file)
	}()
}

func (e *Engine) networkUsable() bool {
	if !e.netmon.Available() {
		return false
	}
	if e.Record().Settings.WifiOnly && !e.netmon.WifiCompliant() {
		return false
	}
	return e.netmon.InternetReachable()
}

func (e *Engine) completeJob() {
	destPath := e.Record().DestinationPath
	checksum := e.Record().Checksum

	if e.verifier != nil {
		if matches, err := e.verifier.Verify(destPath, checksum); err == nil && checksum != "" {
			if !matches {
				quarantined, qerr := integrity.Quarantine(destPath)
				msg := "checksum mismatch"
				if qerr == nil {
					msg = fmt.Sprintf("checksum mismatch, quarantined to %s", quarantined)
				}
				e.cancelWithReason(msg)
				return
			}
		}
	}

	e.mu.Lock()
	e.record.IsComplete = true
	e.record.Status = model.StatusComplete
	e.record.IsRunning = false
	e.record.ProgressPercent = 100
	e.record.CompletedAtMs = time.Now().UnixMilli()
	e.mu.Unlock()

	close(e.tickStop)
	if e.file != nil {
		e.file.Close()
	}
	e.persist()
	if e.record.Settings.PlaySound {
		e.logger.Info("completion sound enabled, playback is a host-app concern")
	}
	e.publish(observer.EventJobComplete, "")
}

// Cancel stops every worker and persists a PAUSED record with reason.
func (e *Engine) Cancel(reason string) {
	e.cancelWithReason(reason)
}

func (e *Engine) cancelWithReason(reason string) {
	if e.cancel != nil {
		e.cancel()
	}
	for _, w := range e.workers {
		if w != nil {
			w.Cancel(false)
		}
	}
	e.wg.Wait()

	e.mu.Lock()
	if e.record.Status != model.StatusComplete {
		e.record.Status = model.StatusPaused
	}
	e.record.IsRunning = false
	if reason == "" {
		reason = "paused"
	}
	e.record.UserStatusText = reason
	isDeleted := e.record.IsDeleted
	isRemoved := e.record.IsRemoved
	destPath := e.record.DestinationPath
	e.mu.Unlock()

	select {
	case <-e.tickStop:
	default:
		close(e.tickStop)
	}
	if e.file != nil {
		e.file.Close()
	}
	e.persist()

	if isDeleted && !isRemoved {
		os.Remove(destPath)
	}
	e.publish(observer.EventJobPaused, reason)
}

func (e *Engine) runProgressTicker() {
	ticker := time.NewTicker(progressTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.tickStop:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	if !e.record.IsWaitingForNetwork {
		e.record.TimeSpentMs += int64(progressTickInterval / time.Millisecond)
	}

	var total int64
	var stalled []int
	for i := range e.record.Parts {
		p := &e.record.Parts[i]
		if e.workers[i] != nil {
			p.Downloaded = e.workers[i].Downloaded()
		}
		if p.ChunkSize > 0 {
			p.Percent = float64(p.Downloaded) / float64(p.ChunkSize) * 100
		}
		total += p.Downloaded

		if p.ChunkSize > 0 && p.Downloaded >= p.ChunkSize && !e.done[i] {
			stalled = append(stalled, i)
		}
	}
	e.record.DownloadedBytes = total
	if e.record.TotalSize > 0 {
		e.record.ProgressPercent = float64(total) / float64(e.record.TotalSize) * 100
	}

	seconds := float64(e.record.TimeSpentMs) / 1000
	if seconds > 0 {
		e.record.AverageSpeed = float64(total) / seconds
	}

	now := time.Now()
	e.speedSamples = append(e.speedSamples, speedSample{at: now, bytes: total})
	cutoff := now.Add(-2 * time.Second)
	for len(e.speedSamples) > 0 && e.speedSamples[0].at.Before(cutoff) {
		e.speedSamples = e.speedSamples[1:]
	}
	if len(e.speedSamples) >= 2 {
		first := e.speedSamples[0]
		dt := now.Sub(first.at).Seconds()
		if dt > 0 {
			e.record.RealtimeSpeed = float64(total-first.bytes) / dt
		}
	}
	if e.record.RealtimeSpeed > e.record.MaxSpeed {
		e.record.MaxSpeed = e.record.RealtimeSpeed
	}

	if e.record.AverageSpeed > 0 && e.record.TotalSize > 0 && !e.record.IsWaitingForNetwork {
		e.record.RemainingTimeS = float64(e.record.TotalSize-total) / e.record.AverageSpeed
	} else {
		e.record.RemainingTimeS = 0
	}

	if e.record.IsWaitingForNetwork && e.netmon != nil && e.networkUsable() {
		e.record.IsWaitingForNetwork = false
		e.record.UserStatusText = ""
	}
	e.mu.Unlock()

	// A part whose worker filled its chunk but never reported
	// completion (spec'd "stopped and restarted" boundary case) is
	// flushed directly through PartCompleted rather than the
	// retry-gated PartCanceled path: it isn't a connection failure, so
	// it must not count against total_connection_retries and must
	// complete regardless of download_auto_resume.
	for _, i := range stalled {
		e.flushStalledPart(i)
	}
	if e.Record().IsComplete {
		return
	}

	e.persist()
	e.publish(observer.EventJobProgress, "")
}

// flushStalledPart completes a part directly when its worker's byte
// counter already reached the chunk boundary but the worker hasn't
// called back yet. The worker is also told to stop; if it later
// reports in through PartCanceled, that call is a no-op since the
// part is already marked done.
func (e *Engine) flushStalledPart(partIndex int) {
	e.PartCompleted(partIndex)
	if partIndex >= 0 && partIndex < len(e.workers) && e.workers[partIndex] != nil {
		e.workers[partIndex].Cancel(false)
	}
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return rawURL
	}
	rest := rawURL[idx+3:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}
