package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxTotal caps tasks across all owners.
	DefaultMaxTotal = 100

	// DefaultMaxPerOwner caps tasks per owner key.
	DefaultMaxPerOwner = 20

	// DefaultListLimit is the page size when List is called without one.
	DefaultListLimit = 50

	// DefaultPollInterval is the polling hint attached to new tasks.
	DefaultPollInterval = time.Second

	// DefaultDeliveredGrace is how long a task outlives the delivery of
	// its result before collection.
	DefaultDeliveredGrace = time.Minute

	minTTL = time.Second
	maxTTL = 24 * time.Hour

	minDeliveredGrace = 30 * time.Second
	maxDeliveredGrace = 5 * time.Minute

	gcInterval = 30 * time.Second
)

// Options configures a Manager. Zero fields use the defaults above.
type Options struct {
	MaxTotal       int
	MaxPerOwner    int
	DeliveredGrace time.Duration
}

type record struct {
	task      Task
	expiresAt time.Time

	// terminal is closed exactly once, when the task freezes.
	terminal chan struct{}
}

// Manager owns all task records. Expired records are collected lazily
// on every read or write that depends on them, and by a background GC
// loop so idle tasks disappear from listings without a trigger.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record
	execs   map[string]context.CancelFunc

	maxTotal    int
	maxPerOwner int
	grace       time.Duration

	gcCancel context.CancelFunc
	gcDone   chan struct{}
}

// New creates a Manager with the given options.
func New(opts Options) *Manager {
	maxTotal := opts.MaxTotal
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	maxPerOwner := opts.MaxPerOwner
	if maxPerOwner <= 0 {
		maxPerOwner = DefaultMaxPerOwner
	}
	grace := opts.DeliveredGrace
	if grace == 0 {
		grace = DefaultDeliveredGrace
	}
	if grace < minDeliveredGrace {
		grace = minDeliveredGrace
	}
	if grace > maxDeliveredGrace {
		grace = maxDeliveredGrace
	}
	return &Manager{
		records:     make(map[string]*record),
		execs:       make(map[string]context.CancelFunc),
		maxTotal:    maxTotal,
		maxPerOwner: maxPerOwner,
		grace:       grace,
	}
}

// Create registers a new task for ownerKey with initial status working.
// The TTL is clamped to [1s, 24h]. Capacity limits count only tasks
// that have not expired.
func (m *Manager) Create(ttl time.Duration, statusMessage, ownerKey string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.evictExpiredLocked(now)

	if len(m.records) >= m.maxTotal {
		return Task{}, ErrCapacity
	}
	owned := 0
	for _, r := range m.records {
		if r.task.OwnerKey == ownerKey {
			owned++
		}
	}
	if owned >= m.maxPerOwner {
		return Task{}, ErrCapacity
	}

	if ttl < minTTL {
		ttl = minTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}

	t := Task{
		ID:            uuid.NewString(),
		OwnerKey:      ownerKey,
		Status:        StatusWorking,
		StatusMessage: statusMessage,
		CreatedAt:     now,
		LastUpdatedAt: now,
		TTL:           ttl,
		PollInterval:  DefaultPollInterval,
	}
	m.records[t.ID] = &record{
		task:      t,
		expiresAt: now.Add(ttl),
		terminal:  make(chan struct{}),
	}
	return t, nil
}

// Get returns the task for id when it belongs to ownerKey and has not
// expired. Expired records are dropped on observation.
func (m *Manager) Get(id, ownerKey string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(id, ownerKey)
	if !ok {
		return Task{}, false
	}
	return r.task, true
}

// List returns a page of ownerKey's tasks ordered by createdAt then id.
// nextCursor is empty when the page reaches the end.
func (m *Manager) List(ownerKey, cursor string, limit int) ([]Task, string, error) {
	var pos cursorPos
	if cursor != "" {
		var err error
		if pos, err = decodeCursor(cursor); err != nil {
			return nil, "", err
		}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.Lock()
	m.evictExpiredLocked(time.Now())
	owned := make([]Task, 0, len(m.records))
	for _, r := range m.records {
		if r.task.OwnerKey == ownerKey {
			owned = append(owned, r.task)
		}
	}
	m.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return taskLess(owned[i], owned[j]) })

	start := 0
	if cursor != "" {
		for start < len(owned) && !pos.after(owned[start]) {
			start++
		}
	}

	end := start + limit
	if end >= len(owned) {
		return owned[start:], "", nil
	}
	page := owned[start:end]
	return page, encodeCursor(page[len(page)-1]), nil
}

// Update applies patch to a live task. Terminal tasks are frozen: the
// call returns the unchanged snapshot. A patch that moves the task into
// a terminal state wakes waiters and releases its execution.
func (m *Manager) Update(id string, patch Patch) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(id, "")
	if !ok {
		return Task{}, false
	}
	if r.task.Status.Terminal() {
		return r.task, true
	}

	if patch.Status != "" {
		r.task.Status = patch.Status
	}
	if patch.StatusMessage != "" {
		r.task.StatusMessage = patch.StatusMessage
	}
	if patch.Result != nil {
		r.task.Result = patch.Result
	}
	if patch.Error != nil {
		r.task.Error = patch.Error
	}
	r.task.LastUpdatedAt = time.Now()

	if r.task.Status.Terminal() {
		close(r.terminal)
		m.releaseExecLocked(id)
	}
	return r.task, true
}

// Cancel moves the task to cancelled and aborts its execution.
// Idempotent: an already-terminal task is returned unchanged.
func (m *Manager) Cancel(id, ownerKey, msg string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.lookupLocked(id, ownerKey)
	if !ok {
		return Task{}, false
	}
	if r.task.Status.Terminal() {
		return r.task, true
	}

	r.task.Status = StatusCancelled
	r.task.StatusMessage = msg
	r.task.LastUpdatedAt = time.Now()
	close(r.terminal)
	m.releaseExecLocked(id)
	return r.task, true
}

// CancelByOwner cancels every live task of ownerKey and returns the set
// cancelled.
func (m *Manager) CancelByOwner(ownerKey, msg string) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.evictExpiredLocked(now)

	var cancelled []Task
	for id, r := range m.records {
		if r.task.OwnerKey != ownerKey || r.task.Status.Terminal() {
			continue
		}
		r.task.Status = StatusCancelled
		r.task.StatusMessage = msg
		r.task.LastUpdatedAt = now
		close(r.terminal)
		m.releaseExecLocked(id)
		cancelled = append(cancelled, r.task)
	}
	sort.Slice(cancelled, func(i, j int) bool { return taskLess(cancelled[i], cancelled[j]) })
	return cancelled
}

// WaitForTerminal blocks until the task reaches a terminal state, its
// TTL elapses (reported as missing), or ctx is cancelled. It never
// returns a non-terminal task.
func (m *Manager) WaitForTerminal(ctx context.Context, id, ownerKey string) (Task, bool, error) {
	m.mu.Lock()
	r, ok := m.lookupLocked(id, ownerKey)
	if !ok {
		m.mu.Unlock()
		return Task{}, false, nil
	}
	if r.task.Status.Terminal() {
		t := r.task
		m.mu.Unlock()
		return t, true, nil
	}
	terminal := r.terminal
	deadline := r.expiresAt
	m.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-terminal:
		m.mu.Lock()
		defer m.mu.Unlock()
		if r, ok := m.records[id]; ok {
			return r.task, true, nil
		}
		return Task{}, false, nil
	case <-timer.C:
		return Task{}, false, nil
	case <-ctx.Done():
		return Task{}, false, ctx.Err()
	}
}

// ShrinkTTLAfterDelivery caps the task's remaining lifetime to the
// delivered grace window once its result has been handed to the caller.
// A TTL already shorter than the grace window is left alone.
func (m *Manager) ShrinkTTLAfterDelivery(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return
	}
	if cutoff := time.Now().Add(m.grace); cutoff.Before(r.expiresAt) {
		r.expiresAt = cutoff
	}
}

// BindExecution derives the task's execution context from parent and
// registers its cancel under the task id. Cancelling the task, TTL
// expiry, and AbortAll all fire that cancel. The returned CancelFunc
// releases the registration and must be called when the execution ends.
func (m *Manager) BindExecution(parent context.Context, id string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	m.execs[id] = cancel
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		delete(m.execs, id)
		m.mu.Unlock()
		cancel()
	}
}

// AbortAll cancels every in-flight task execution. Used at shutdown.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.execs))
	for id, cancel := range m.execs {
		cancels = append(cancels, cancel)
		delete(m.execs, id)
	}
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Len returns the number of records currently held, expired but not yet
// collected ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// StartGC begins the background collection goroutine.
func (m *Manager) StartGC(ctx context.Context) {
	ctx, m.gcCancel = context.WithCancel(ctx)
	m.gcDone = make(chan struct{})

	go func() {
		defer close(m.gcDone)

		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.collect(ctx)
			}
		}
	}()
}

// StopGC cancels the background goroutine and waits for it to finish.
func (m *Manager) StopGC() {
	if m.gcCancel != nil {
		m.gcCancel()
	}
	if m.gcDone != nil {
		<-m.gcDone
	}
}

func (m *Manager) collect(ctx context.Context) {
	m.mu.Lock()
	before := len(m.records)
	m.evictExpiredLocked(time.Now())
	removed := before - len(m.records)
	m.mu.Unlock()

	if removed > 0 {
		slog.DebugContext(ctx, "expired tasks collected", "count", removed)
	}
}

// lookupLocked resolves id, dropping it when expired. An empty ownerKey
// skips the owner check; a mismatched owner is reported as missing.
func (m *Manager) lookupLocked(id, ownerKey string) (*record, bool) {
	r, ok := m.records[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(r.expiresAt) {
		m.dropLocked(id)
		return nil, false
	}
	if ownerKey != "" && r.task.OwnerKey != ownerKey {
		return nil, false
	}
	return r, true
}

func (m *Manager) evictExpiredLocked(now time.Time) {
	for id, r := range m.records {
		if now.After(r.expiresAt) {
			m.dropLocked(id)
		}
	}
}

// dropLocked removes a record and aborts any execution still bound to
// it. An expired task's result can never be delivered.
func (m *Manager) dropLocked(id string) {
	delete(m.records, id)
	m.releaseExecLocked(id)
}

func (m *Manager) releaseExecLocked(id string) {
	if cancel, ok := m.execs[id]; ok {
		delete(m.execs, id)
		cancel()
	}
}
