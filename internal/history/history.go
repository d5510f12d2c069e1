package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventExit    EventType = "exit"
	EventRestart EventType = "restart"
	EventErrored EventType = "errored"
	EventStop    EventType = "stop"
)

// Event is one lifecycle transition of an app instance.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	App        string    `json:"app"`
	Instance   string    `json:"instance"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is a sink that can read its events back.
type Querier interface {
	Query(ctx context.Context, app string, limit int) ([]Event, error)
}

var ErrNotQueryable = errors.New("no queryable history sink configured")

// Recorder fans events out to every sink. Delivery is best effort: a failing
// sink is logged and never blocks the others.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, log: log, timeout: 5 * time.Second}
}

// Add registers another sink.
func (r *Recorder) Add(s Sink) {
	r.sinks = append(r.sinks, s)
}

func (r *Recorder) Len() int { return len(r.sinks) }

// Record sends e to all sinks, filling OccurredAt when unset.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "event", e.Type, "app", e.App, "instance", e.Instance, "error", err)
		}
	}
}

// Query reads events from the first sink that implements Querier.
func (r *Recorder) Query(ctx context.Context, app string, limit int) ([]Event, error) {
	if r != nil {
		for _, s := range r.sinks {
			if q, ok := s.(Querier); ok {
				return q.Query(ctx, app, limit)
			}
		}
	}
	return nil, ErrNotQueryable
}

// Close closes every sink that can be closed.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
