package pipeline

import (
	"log/slog"
	"time"
)

// EventType classifies progress events.
type EventType string

const (
	EventTransition EventType = "transition"
	EventLaunch     EventType = "launch"
	EventExit       EventType = "exit"
	EventWarning    EventType = "warning"
	EventStale      EventType = "stale_completion"
)

// Event is one observation of a run.
type Event struct {
	Type    EventType
	From    State
	To      State
	Stage   string
	Code    int
	Elapsed time.Duration
	Err     error
}

// Observer receives events in the order they happen. Calls come from the
// run's goroutine and must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LogObserver writes events as structured log lines.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) OnEvent(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{slog.String("event", string(e.Type))}
	if e.Type == EventTransition {
		attrs = append(attrs, slog.String("from", e.From.String()), slog.String("to", e.To.String()))
	}
	if e.Stage != "" {
		attrs = append(attrs, slog.String("stage", e.Stage))
	}
	if e.Type == EventExit {
		attrs = append(attrs, slog.Int("code", e.Code), slog.Duration("elapsed", e.Elapsed))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
		logger.Warn("pipeline", attrs...)
		return
	}
	logger.Info("pipeline", attrs...)
}
