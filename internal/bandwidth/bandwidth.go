// Package bandwidth provides a global, zero-overhead-when-disabled
// token-bucket speed cap consulted by part workers before every read.
package bandwidth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority levels a job can be assigned for bandwidth sharing.
const (
	PriorityLow    = 1
	PriorityNormal = 2
	PriorityHigh   = 3
)

// Manager throttles aggregate throughput across all active part
// workers to GlobalSettings.MaxNetworkSpeed.
type Manager struct {
	limiter      *rate.Limiter
	limitEnabled atomic.Bool

	mu            sync.RWMutex
	jobPriorities map[string]int
}

// NewManager creates a manager with no limit applied.
func NewManager() *Manager {
	return &Manager{
		limiter:       rate.NewLimiter(rate.Inf, 0),
		jobPriorities: make(map[string]int),
	}
}

// SetLimit sets the global speed cap in bytes/sec. 0 disables the cap.
func (m *Manager) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		m.limitEnabled.Store(false)
		m.limiter.SetLimit(rate.Inf)
		return
	}
	m.limitEnabled.Store(true)
	m.limiter.SetLimit(rate.Limit(bytesPerSec))
	m.limiter.SetBurst(int(bytesPerSec))
}

// SetJobPriority assigns a priority to a job's reads for the duration
// of its download.
func (m *Manager) SetJobPriority(jobID string, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobPriorities[jobID] = priority
}

// ClearJob drops the priority entry for a finished or removed job.
func (m *Manager) ClearJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobPriorities, jobID)
}

// Wait blocks until n bytes may be read under the current cap. It
// returns immediately when no cap is configured. n is clamped to the
// limiter's burst size and drained in multiple WaitN calls when it
// exceeds that burst — rate.Limiter.WaitN otherwise errors outright
// whenever a single read is larger than the bucket, which an ordinary
// read buffer bigger than the configured speed cap would trigger on
// every read.
func (m *Manager) Wait(ctx context.Context, jobID string, n int) error {
	if !m.limitEnabled.Load() {
		return nil
	}

	m.mu.RLock()
	priority, ok := m.jobPriorities[jobID]
	m.mu.RUnlock()
	if !ok {
		priority = PriorityNormal
	}

	burst := m.limiter.Burst()
	for n > 0 {
		chunk := n
		if burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := m.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}

	if priority == PriorityLow {
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
