// Package scheduler owns the active/finished job collections and
// drives admission, pause/resume/delete, and the promotion tick.
package scheduler

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"tachyondl/internal/config"
	"tachyondl/internal/jobengine"
	"tachyondl/internal/model"
	"tachyondl/internal/observer"
)

// RecordStore is the narrow recordstore.Store surface the scheduler
// needs for cold start and deletion.
type RecordStore interface {
	ListRecords() ([]*model.JobRecord, error)
	Save(r *model.JobRecord) error
	Delete(jobID string) error
}

// EngineFactory builds a fresh jobengine.Engine for a record. Kept as
// a function so the scheduler never imports jobengine's Deps directly,
// keeping the dependency direction one-way.
type EngineFactory func(record model.JobRecord) *jobengine.Engine

// entry tracks a job's engine alongside bookkeeping the scheduler
// needs but the engine itself does not persist (host key, queue
// position).
type entry struct {
	engine    *jobengine.Engine
	domain    string
	startedAt time.Time
}

// Scheduler holds the active/finished collections and runs the
// promotion tick (spec.md §4.6).
type Scheduler struct {
	logger   *slog.Logger
	records  RecordStore
	bus      *observer.Bus
	settings *config.GlobalSettings
	newEngine EngineFactory

	mu      sync.Mutex
	active  map[string]*entry
	finished map[string]model.JobRecord
	waiting []model.JobRecord // FIFO order, head = next candidate

	hostLimits    map[string]int
	activePerHost map[string]int

	maxParallel int
	initializing bool

	tickCount int
	stopCh    chan struct{}
}

// New builds a Scheduler and registers it as an Observer Bus
// subscriber, so engine-driven terminal transitions (completion,
// self-pause) free their active slot without waiting for an explicit
// Pause call (spec.md §4.6).
func New(logger *slog.Logger, records RecordStore, bus *observer.Bus, factory EngineFactory, maxParallel int, settings *config.GlobalSettings) *Scheduler {
	s := &Scheduler{
		logger:        logger,
		records:       records,
		bus:           bus,
		settings:      settings,
		newEngine:     factory,
		active:        make(map[string]*entry),
		finished:      make(map[string]model.JobRecord),
		hostLimits:    make(map[string]int),
		activePerHost: make(map[string]int),
		maxParallel:   maxParallel,
	}
	bus.Register(observer.ObserverFunc(s.onEngineEvent))
	return s
}

// onEngineEvent keeps the active set in sync with terminal transitions
// the engine drives on its own: a completed or self-paused job (e.g.
// checksum mismatch, URL expiry, retry exhaustion) must leave active
// and free its host slot even though nothing ever called Pause. A
// job_id is always in at most one of {active, finished} (spec.md §3).
func (s *Scheduler) onEngineEvent(ev observer.Event) {
	switch ev.Kind {
	case observer.EventJobComplete, observer.EventJobPaused, observer.EventJobFailed:
	default:
		return
	}

	jobID := ev.Record.JobID
	s.mu.Lock()
	if e, ok := s.active[jobID]; ok {
		delete(s.active, jobID)
		if e.domain != "" && s.activePerHost[e.domain] > 0 {
			s.activePerHost[e.domain]--
		}
	}
	if ev.Kind == observer.EventJobComplete {
		s.finished[jobID] = ev.Record
	}
	s.mu.Unlock()
}

func extractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// SetHostLimit bounds concurrent active jobs per host. 0 (default)
// means unlimited.
func (s *Scheduler) SetHostLimit(domain string, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostLimits[domain] = limit
}

// Add admits a record. If already active, this routes to Resume
// instead (idempotent add, per spec.md §8).
func (s *Scheduler) Add(record model.JobRecord) {
	s.mu.Lock()
	if _, ok := s.active[record.JobID]; ok {
		s.mu.Unlock()
		s.Resume(record.JobID)
		return
	}
	s.active[record.JobID] = &entry{domain: extractDomain(record.FileURL)}
	s.waiting = append(s.waiting, record)
	s.mu.Unlock()

	s.bus.Publish(observer.Event{Kind: observer.EventJobAdded, Record: record})
}

// Pause stops a running or waiting job's engine and removes it from
// both collections, leaving the record PAUSED. A no-op if the job is
// not currently tracked (idempotent, per spec.md §8).
func (s *Scheduler) Pause(jobID string) {
	s.mu.Lock()
	e, ok := s.active[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, jobID)
	for i, r := range s.waiting {
		if r.JobID == jobID {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	if e.domain != "" && s.activePerHost[e.domain] > 0 {
		s.activePerHost[e.domain]--
	}
	s.mu.Unlock()

	if e.engine != nil {
		e.engine.Cancel("paused")
	}
}

// Resume re-admits a paused job by reconstructing its engine.
func (s *Scheduler) Resume(jobID string) {
	rec, err := s.recordFor(jobID)
	if err != nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.active[jobID]; ok {
		s.mu.Unlock()
		return
	}
	s.active[jobID] = &entry{domain: extractDomain(rec.FileURL)}
	s.waiting = append(s.waiting, *rec)
	s.mu.Unlock()
}

func (s *Scheduler) recordFor(jobID string) (*model.JobRecord, error) {
	records, err := s.records.ListRecords()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.JobID == jobID {
			return r, nil
		}
	}
	return nil, nil
}

// ForceResume pauses a running job, waits briefly, then resumes it —
// used to force a fresh connection attempt. Skips jobs whose last
// user-visible error mentions "login" to avoid retry-looping an
// authentication wall.
func (s *Scheduler) ForceResume(jobID string) {
	s.mu.Lock()
	e, running := s.active[jobID]
	s.mu.Unlock()

	if running && e.engine != nil {
		rec := e.engine.Record()
		if strings.Contains(strings.ToLower(rec.UserStatusText), "login") {
			return
		}
		s.Pause(jobID)
		time.Sleep(1200 * time.Millisecond)
	}
	s.Resume(jobID)
}

// Clear pauses, marks the job removed, deletes its record file, and
// drops it from all collections. Idempotent.
func (s *Scheduler) Clear(jobID string) {
	s.Pause(jobID)

	s.mu.Lock()
	rec, wasFinished := s.finished[jobID]
	delete(s.finished, jobID)
	s.mu.Unlock()

	if wasFinished {
		rec.IsRemoved = true
	}
	s.records.Delete(jobID)
}

// Delete clears the job and additionally removes its destination
// file. Idempotent.
func (s *Scheduler) Delete(jobID string) {
	s.mu.Lock()
	e, ok := s.active[jobID]
	finishedRec, wasFinished := s.finished[jobID]
	var destPath string
	for _, r := range s.waiting {
		if r.JobID == jobID {
			destPath = r.DestinationPath
			break
		}
	}
	s.mu.Unlock()
	if ok && e.engine != nil {
		rec := e.engine.Record()
		destPath = rec.DestinationPath
	} else if wasFinished {
		destPath = finishedRec.DestinationPath
	} else if destPath == "" {
		if rec, err := s.recordFor(jobID); err == nil && rec != nil {
			destPath = rec.DestinationPath
		}
	}

	s.Clear(jobID)

	if destPath != "" {
		removeFile(destPath)
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// PromotionTick runs one iteration of the promotion loop (spec.md
// §4.6): count the active entries that have a live engine, then promote
// waiting jobs while under the global and per-host caps. The tick
// removes no entries itself; a job leaves active only through Pause or
// an engine's complete/paused/failed event (onEngineEvent).
func (s *Scheduler) PromotionTick(ctx context.Context) {
	s.mu.Lock()
	s.tickCount++
	runningCount := 0
	for _, e := range s.active {
		if e.engine != nil {
			runningCount++
		}
	}

	var toPromote []model.JobRecord
	remaining := s.maxParallel - runningCount
	if remaining > 0 {
		var skipped []model.JobRecord
		for len(s.waiting) > 0 && remaining > 0 {
			next := s.waiting[0]
			s.waiting = s.waiting[1:]
			domain := extractDomain(next.FileURL)
			limit := s.hostLimits[domain]
			if limit > 0 && s.activePerHost[domain] >= limit {
				skipped = append(skipped, next)
				continue
			}
			s.activePerHost[domain]++
			toPromote = append(toPromote, next)
			remaining--
		}
		s.waiting = append(skipped, s.waiting...)
	}
	s.mu.Unlock()

	for _, rec := range toPromote {
		s.startEngine(ctx, rec)
	}
}

func (s *Scheduler) startEngine(ctx context.Context, rec model.JobRecord) {
	eng := s.newEngine(rec)
	s.mu.Lock()
	if e, ok := s.active[rec.JobID]; ok {
		e.engine = eng
		e.startedAt = time.Now()
	}
	s.mu.Unlock()
	go eng.Start(ctx)
}

// ColdStart loads persisted records (preferring a snapshot when
// supplied), installs finished jobs into s.finished and active jobs
// (reset to PAUSED) into s.active and the waiting queue, and sorts the
// waiting queue by start time descending; s.finished is a map and keeps
// no order. Completed jobs are purged instead of installed into
// finished when their destination file has vanished, or when the
// retention policy (GlobalSettings.AutoRemoveTasks/AfterNDays) says
// they're past their window (spec.md §3, §4.6).
func (s *Scheduler) ColdStart(snapshotRecords []model.JobRecord) {
	s.mu.Lock()
	s.initializing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.initializing = false
		s.mu.Unlock()
	}()

	var records []model.JobRecord
	if snapshotRecords != nil {
		records = snapshotRecords
	} else {
		loaded, err := s.records.ListRecords()
		if err != nil {
			s.logger.Error("cold start record load failed", "error", err)
			return
		}
		for _, r := range loaded {
			records = append(records, *r)
		}
	}

	var autoRemove bool
	var retentionDays int
	if s.settings != nil {
		autoRemove, retentionDays = s.settings.RetentionPolicy()
	}
	retentionMs := int64(retentionDays) * 24 * 60 * 60 * 1000
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if rec.IsComplete {
			if _, err := os.Stat(rec.DestinationPath); os.IsNotExist(err) {
				s.records.Delete(rec.JobID)
				continue
			}
			if autoRemove && retentionDays > 0 && rec.CompletedAtMs > 0 && now-rec.CompletedAtMs > retentionMs {
				s.records.Delete(rec.JobID)
				continue
			}
			s.finished[rec.JobID] = rec
			continue
		}
		rec.Status = model.StatusPaused
		rec.IsRunning = false
		s.active[rec.JobID] = &entry{domain: extractDomain(rec.FileURL)}
		s.waiting = append(s.waiting, rec)
	}

	sort.Slice(s.waiting, func(i, j int) bool {
		return s.waiting[i].StartTimeMs > s.waiting[j].StartTimeMs
	})
}

// RunningCount returns the number of jobs with a live engine.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.active {
		if e.engine != nil {
			n++
		}
	}
	return n
}

// WaitingCount returns the number of jobs queued but not yet running.
func (s *Scheduler) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)
}

// Snapshot returns the current active and finished record sets for the
// Control Surface and Snapshot Merger.
func (s *Scheduler) Snapshot() (active []model.JobRecord, finished []model.JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.active {
		if e.engine != nil {
			active = append(active, e.engine.Record())
		}
	}
	for _, r := range s.waiting {
		active = append(active, r)
	}
	for _, r := range s.finished {
		finished = append(finished, r)
	}
	return active, finished
}

// Run drives the promotion tick on its own ticker until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PromotionTick(ctx)
		}
	}
}
