package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("commandqueue: closed")

// Task is the caller's own critical section.
type Task func(ctx context.Context) error

// RunFunc executes a backlog entry once the lock is handed to it.
type RunFunc[T any] func(ctx context.Context, item T) error

// Options tunes queue behaviour.
type Options struct {
	// WarnAfter logs a warning when a backlog entry waited longer than this.
	WarnAfter time.Duration
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type   string         // "enqueued" or "completed"
	Lane   string         // queue name
	TaskID string         // Task ID
	Data   map[string]any // Additional event data
}

type backlogEntry[T any] struct {
	id         string
	item       T
	enqueuedAt time.Time
}

// Queue is a single global lock with a FIFO backlog of deferred entries.
type Queue[T any] struct {
	lane    string
	run     RunFunc[T]
	options Options

	mu      sync.Mutex
	busy    bool
	idle    chan struct{} // closed whenever busy is false
	backlog []backlogEntry[T]
	closed  bool
	seq     int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates a queue whose backlog entries are executed by run.
func New[T any](lane string, run RunFunc[T], opts ...Options) *Queue[T] {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	q := &Queue[T]{
		lane:          lane,
		run:           run,
		idle:          idle,
		ctx:           ctx,
		cancel:        cancel,
		eventHandlers: make(map[string][]EventHandler),
	}
	if len(opts) > 0 {
		q.options = opts[0]
	}

	log.Debug().Str("lane", lane).Msg("Queue initialized")
	return q
}

// TryRun runs task under the lock if it is free. If the lock is held, item is
// appended to the backlog and TryRun returns queued=true without waiting.
func (q *Queue[T]) TryRun(ctx context.Context, item T, task Task) (queued bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if q.busy {
		q.seq++
		entry := backlogEntry[T]{
			id:         fmt.Sprintf("%s-%d", q.lane, q.seq),
			item:       item,
			enqueuedAt: time.Now(),
		}
		q.backlog = append(q.backlog, entry)
		size := len(q.backlog)
		q.mu.Unlock()

		log.Debug().
			Str("lane", q.lane).
			Str("taskId", entry.id).
			Int("queueSize", size).
			Msg("Task enqueued")

		observability.RecordQueueEnqueue(q.lane, size)
		q.emit(Event{
			Type:   "enqueued",
			Lane:   q.lane,
			TaskID: entry.id,
			Data:   map[string]any{"queueSize": size},
		})
		return true, nil
	}
	q.acquireLocked()
	q.seq++
	id := fmt.Sprintf("%s-%d", q.lane, q.seq)
	q.mu.Unlock()

	return false, q.execute(ctx, id, task)
}

// Run waits for the lock (bounded by ctx) and runs task under it.
func (q *Queue[T]) Run(ctx context.Context, task Task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if !q.busy {
			q.acquireLocked()
			q.seq++
			id := fmt.Sprintf("%s-%d", q.lane, q.seq)
			q.mu.Unlock()
			return q.execute(ctx, id, task)
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return ErrClosed
		}
	}
}

// acquireLocked must be called with q.mu held and busy false.
func (q *Queue[T]) acquireLocked() {
	q.busy = true
	q.idle = make(chan struct{})
}

// execute runs task, then hands the lock to the backlog or frees it.
func (q *Queue[T]) execute(ctx context.Context, id string, task Task) error {
	err := q.invoke(ctx, id, task)
	q.release()
	return err
}

func (q *Queue[T]) invoke(ctx context.Context, id string, task Task) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"plughost.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", q.lane),
		attribute.String("task_id", id),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", id, r)
		}
		duration := time.Since(startTime)
		tracing.EndSpan(span, err)

		if err != nil {
			logger.Error().
				Str("lane", q.lane).
				Str("taskId", id).
				Dur("duration", duration).
				Err(err).
				Msg("Task failed")
		} else {
			logger.Debug().
				Str("lane", q.lane).
				Str("taskId", id).
				Dur("duration", duration).
				Msg("Task completed")
		}

		observability.RecordQueueCompletion(q.lane, duration, err == nil, q.Len())
		q.emit(Event{
			Type:   "completed",
			Lane:   q.lane,
			TaskID: id,
			Data: map[string]any{
				"duration": duration.Milliseconds(),
				"success":  err == nil,
			},
		})
	}()

	return task(ctx)
}

// release frees the lock when the backlog is empty. Otherwise the lock stays
// held and a worker drains the backlog.
func (q *Queue[T]) release() {
	q.mu.Lock()
	q.dropBacklogIfClosedLocked()
	if len(q.backlog) == 0 {
		q.busy = false
		close(q.idle)
		q.mu.Unlock()
		return
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go q.drain()
}

// drain pops backlog entries one at a time while holding the lock.
func (q *Queue[T]) drain() {
	defer q.wg.Done()

	for {
		entry, ok := q.popOrRelease()
		if !ok {
			return
		}

		waited := time.Since(entry.enqueuedAt)
		if q.options.WarnAfter > 0 && waited > q.options.WarnAfter {
			log.Warn().
				Str("lane", q.lane).
				Str("taskId", entry.id).
				Dur("waited", waited).
				Msg("Task waited longer than expected")
		}

		item := entry.item
		_ = q.invoke(q.ctx, entry.id, func(ctx context.Context) error {
			return q.run(ctx, item)
		})
	}
}

// popOrRelease returns the next backlog entry, or frees the lock and returns
// false when the backlog is empty or the queue is closing.
func (q *Queue[T]) popOrRelease() (backlogEntry[T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropBacklogIfClosedLocked()
	if len(q.backlog) == 0 {
		q.busy = false
		close(q.idle)
		return backlogEntry[T]{}, false
	}

	entry := q.backlog[0]
	q.backlog[0] = backlogEntry[T]{}
	q.backlog = q.backlog[1:]
	observability.SetQueueSize(q.lane, len(q.backlog))
	return entry, true
}

func (q *Queue[T]) dropBacklogIfClosedLocked() {
	if !q.closed || len(q.backlog) == 0 {
		return
	}
	log.Warn().Str("lane", q.lane).Int("dropped", len(q.backlog)).Msg("Queue closed with pending backlog")
	q.backlog = nil
	observability.SetQueueSize(q.lane, 0)
}

// Len returns the backlog size.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Busy reports whether the lock is held.
func (q *Queue[T]) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// WaitIdle blocks until the lock is free and the backlog is empty.
func (q *Queue[T]) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the queue state.
func (q *Queue[T]) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	busy := 0
	if q.busy {
		busy = 1
	}
	return map[string]int{
		"queued":  len(q.backlog),
		"running": busy,
	}
}

// Close stops draining, drops whatever is left in the backlog and waits for
// the drain worker to exit. A task already running is allowed to finish.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// On registers an event handler for a specific event type
func (q *Queue[T]) On(eventType string, handler EventHandler) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	q.eventHandlers[eventType] = append(q.eventHandlers[eventType], handler)
}

// Off removes an event handler (removes all handlers for the event type)
func (q *Queue[T]) Off(eventType string) {
	q.eventMu.Lock()
	defer q.eventMu.Unlock()

	delete(q.eventHandlers, eventType)
}

// emit emits an event synchronously to all registered handlers
func (q *Queue[T]) emit(event Event) {
	q.eventMu.RLock()
	handlers := q.eventHandlers[event.Type]
	q.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
