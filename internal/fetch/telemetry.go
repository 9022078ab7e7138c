package fetch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
)

// slowFetchThreshold triggers an extra warning for completed calls.
const slowFetchThreshold = 5 * time.Second

// EventType discriminates telemetry records.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
	EventError EventType = "error"
)

// Event is one fetch lifecycle record. URLs are redacted before they are
// stored on the event.
type Event struct {
	Type        EventType
	FetchID     string
	Method      string
	URL         string
	Status      int
	Duration    time.Duration
	Error       string
	RequestID   string
	OperationID string
	SessionID   string
	At          time.Time
}

// Telemetry publishes fetch lifecycle events to registered listeners.
// Publication is best-effort: a panicking listener is logged and never
// fails the fetch.
type Telemetry struct {
	mu        sync.RWMutex
	listeners []func(Event)
}

func NewTelemetry() *Telemetry {
	return &Telemetry{}
}

// Subscribe registers fn for all subsequent events.
func (t *Telemetry) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Start emits the start event for one fetch and returns the terminal
// emitter. The terminal emitter records exactly one end or error event no
// matter how often it is called. A nil Telemetry is a no-op.
func (t *Telemetry) Start(ctx context.Context, method, rawURL string) func(status int, err error) {
	if t == nil {
		return func(int, error) {}
	}

	info, _ := reqctx.From(ctx)
	base := Event{
		FetchID:     uuid.NewString(),
		Method:      method,
		URL:         RedactURL(rawURL),
		RequestID:   info.RequestID,
		OperationID: info.OperationID,
		SessionID:   info.SessionID,
	}
	started := time.Now()

	start := base
	start.Type = EventStart
	start.At = started
	slog.DebugContext(ctx, "fetch started", "fetch_id", base.FetchID, "method", method, "url", base.URL)
	t.publish(ctx, start)

	var once sync.Once
	return func(status int, err error) {
		once.Do(func() {
			ev := base
			ev.At = time.Now()
			ev.Duration = ev.At.Sub(started)
			if err != nil {
				ev.Type = EventError
				ev.Error = err.Error()
				var fe *Error
				if errors.As(err, &fe) && fe.StatusCode > 0 {
					ev.Status = fe.StatusCode
				}
				slog.WarnContext(ctx, "fetch failed",
					"fetch_id", ev.FetchID, "url", ev.URL, "duration", ev.Duration, "error", err)
			} else {
				ev.Type = EventEnd
				ev.Status = status
				slog.InfoContext(ctx, "fetch completed",
					"fetch_id", ev.FetchID, "url", ev.URL, "status", status, "duration", ev.Duration)
			}
			if ev.Duration > slowFetchThreshold {
				slog.WarnContext(ctx, "slow fetch",
					"fetch_id", ev.FetchID, "url", ev.URL, "duration", ev.Duration)
			}
			t.publish(ctx, ev)
		})
	}
}

func (t *Telemetry) publish(ctx context.Context, ev Event) {
	t.mu.RLock()
	listeners := make([]func(Event), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "telemetry listener panicked", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// RedactURL strips userinfo, query and fragment for logging.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}
