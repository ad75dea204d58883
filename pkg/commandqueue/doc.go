// Package commandqueue serializes work behind a single lock with a FIFO
// backlog.
//
// Invariants:
//   - At most one task holds the lock at any time.
//   - A task submitted with TryRun while the lock is held is appended to the
//     backlog and the caller returns immediately.
//   - When the holder releases, the backlog is drained one entry at a time,
//     in submission order, by an iterative worker before the lock is freed.
//   - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	q := commandqueue.New[string]("reload", func(ctx context.Context, name string) error {
//		return load(ctx, name)
//	})
//	defer q.Close()
//	queued, err := q.TryRun(ctx, "clock", func(ctx context.Context) error {
//		return load(ctx, "clock")
//	})
package commandqueue
