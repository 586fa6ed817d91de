package landscape

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// cleanupBatchSize is the deletion count at or above which a sweep pauses
// and runs another delete pass; a single DELETE is not limited to this
// many rows.
const cleanupBatchSize = 10_000

// batchSleepDuration is the pause between successive deletion batches
// within one sweep, giving other writers a chance to make progress.
const batchSleepDuration = 100 * time.Millisecond

// RetentionWorker prunes Call rows belonging to runs that are no longer
// running and completed more than a TTL ago; Artifact rows are kept.
// Grounded directly on the teacher's
// LineageStore.runCleanup/cleanupExpiredIdempotencyKeys goroutine: a
// ticker-driven loop, repeated delete passes, and a channel-based graceful
// shutdown guarded by sync.Once.
type RetentionWorker struct {
	recorder *Recorder
	logger   *slog.Logger
	interval time.Duration
	ttl      time.Duration

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRetentionWorker builds a worker that sweeps every interval, deleting
// Call rows for runs completed more than ttl ago.
func NewRetentionWorker(recorder *Recorder, logger *slog.Logger, interval, ttl time.Duration) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		recorder: recorder,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop in a background goroutine until Close is called.
func (w *RetentionWorker) Start() {
	go w.run()
}

func (w *RetentionWorker) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.sweep(context.Background()); err != nil {
				w.logger.Error("landscape: retention sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.ttl)

	deleted := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := w.deleteBatch(ctx, cutoff)
		if err != nil {
			return err
		}
		deleted += n
		if n < cleanupBatchSize {
			break
		}
		time.Sleep(batchSleepDuration)
	}

	if deleted > 0 {
		w.logger.Info("landscape: retention sweep complete", slog.Int("deleted", deleted), slog.Time("cutoff", cutoff))
	}
	return nil
}

func (w *RetentionWorker) deleteBatch(ctx context.Context, cutoff time.Time) (int, error) {
	conn := w.recorder.conn

	query := conn.rebind(`DELETE FROM calls WHERE state_id IN (
		SELECT state_id FROM node_states WHERE token_id IN (
			SELECT token_id FROM tokens WHERE row_id IN (
				SELECT row_id FROM rows WHERE run_id IN (
					SELECT run_id FROM runs WHERE status != ? AND completed_at < ?
				)
			)
		)
	)`)
	res, err := conn.DB.ExecContext(ctx, query, RunRunning, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // RowsAffected support varies by driver; treat as best-effort
	}
	return int(n), nil
}

// Close stops the sweep loop and waits for it to exit. Safe to call more
// than once.
func (w *RetentionWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
	})
}
