// Package observer implements the Observer Bus: a fan-out of
// independent event sinks, grounded on the teacher's FanoutHandler
// slog pattern. A callback panicking or returning an error never
// propagates back to the Job Engine.
package observer

import (
	"log/slog"

	"tachyondl/internal/model"
)

// EventKind identifies the category of a bus event.
type EventKind string

const (
	EventJobAdded     EventKind = "job_added"
	EventJobProgress  EventKind = "job_progress"
	EventJobPaused    EventKind = "job_paused"
	EventJobResumed   EventKind = "job_resumed"
	EventJobComplete  EventKind = "job_complete"
	EventJobFailed    EventKind = "job_failed"
	EventJobRemoved   EventKind = "job_removed"
)

// Event is a single notification pushed through the bus. Record is a
// point-in-time copy of the job, never a pointer into live engine
// state, so observers cannot mutate it.
type Event struct {
	Kind    EventKind
	Record  model.JobRecord
	Message string
}

// Observer receives bus events. Implementations must not block for
// long — the bus invokes every observer synchronously on the engine's
// goroutine.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Bus fans a single event out to every registered observer, recovering
// from panics and logging failures rather than letting them propagate
// — mirrors the teacher's FanoutHandler broadcast semantics.
type Bus struct {
	logger    *slog.Logger
	observers []Observer
}

func NewBus(logger *slog.Logger, observers ...Observer) *Bus {
	return &Bus{logger: logger, observers: observers}
}

// Register adds an observer to the bus.
func (b *Bus) Register(o Observer) {
	b.observers = append(b.observers, o)
}

// Publish delivers ev to every registered observer.
func (b *Bus) Publish(ev Event) {
	for _, o := range b.observers {
		b.notifyOne(o, ev)
	}
}

func (b *Bus) notifyOne(o Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("observer panicked", "kind", ev.Kind, "recover", r)
		}
	}()
	o.Notify(ev)
}

// LogObserver writes one structured log line per event.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) Notify(ev Event) {
	l.logger.Info("job event",
		"kind", ev.Kind,
		"job_id", ev.Record.JobID,
		"status", ev.Record.Status,
		"downloaded_bytes", ev.Record.DownloadedBytes,
		"total_size", ev.Record.TotalSize,
		"message", ev.Message,
	)
}
