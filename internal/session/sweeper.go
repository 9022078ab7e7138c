package session

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// closeParallelism bounds how many sessions are torn down concurrently
// during a sweep or shutdown drain.
const closeParallelism = 10

// CloseHook runs before a session's transport is closed, letting the
// owner release per-session state (subscriptions, running tasks).
type CloseHook func(ctx context.Context, e *Entry) error

// SweepInterval derives the sweep period from the session TTL, clamped
// to [10s, 60s].
func SweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Sweeper is a background daemon that evicts idle sessions and closes
// them with bounded parallelism.
type Sweeper struct {
	// Store holds the sessions to sweep.
	Store *Store

	// Interval overrides the derived sweep period when positive.
	Interval time.Duration

	// OnEvict runs for each evicted session before its transport closes.
	OnEvict CloseHook

	cancel context.CancelFunc
	done   chan struct{}
}

// Start begins the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	interval := s.Interval
	if interval <= 0 {
		interval = SweepInterval(s.Store.TTL())
	}

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	expired := s.Store.EvictExpired()
	if len(expired) == 0 {
		return
	}
	slog.InfoContext(ctx, "evicting expired sessions", "count", len(expired))
	CloseAll(ctx, expired, s.OnEvict)
}

// CloseAll tears down the given sessions with at most closeParallelism
// in flight. Close failures are logged, never propagated. A cancelled
// context stops scheduling further sessions; closes already started run
// to completion.
func CloseAll(ctx context.Context, entries []*Entry, hook CloseHook) {
	var g errgroup.Group
	g.SetLimit(closeParallelism)

	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			closeOne(ctx, e, hook)
			return nil
		})
	}
	_ = g.Wait()
}

func closeOne(ctx context.Context, e *Entry, hook CloseHook) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "session close panicked", "session_id", e.ID, "panic", rec)
		}
	}()

	if hook != nil {
		if err := hook(ctx, e); err != nil {
			slog.WarnContext(ctx, "session close hook failed", "session_id", e.ID, "error", err)
		}
	}
	if e.Transport != nil {
		if err := e.Transport.Close(); err != nil {
			slog.WarnContext(ctx, "session transport close failed", "session_id", e.ID, "error", err)
		}
	}
}
