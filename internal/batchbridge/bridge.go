// Package batchbridge adapts a bounded concurrent worker pool onto the
// row-wise Transform contract, per spec §4.9: workers execute in parallel,
// but results are released to their callers in FIFO submission order so
// the engine's per-row walk stays deterministic.
package batchbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// ErrClosed is returned by Submit once the Bridge has been closed.
var ErrClosed = errors.New("batchbridge: bridge is closed")

// ErrTimeout is returned when a submission's result does not arrive
// within its timeout.
var ErrTimeout = errors.New("batchbridge: work item timed out")

// Work is the unit of concurrent execution a worker performs for one row.
type Work func(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult

// Bridge runs Work items across a bounded pool of goroutines and hands
// results back to callers in the order they were submitted, not the order
// they finished — the "FIFO release" requirement in spec §4.9.
type Bridge struct {
	work    Work
	sem     *semaphore.Weighted
	timeout time.Duration

	mu      sync.Mutex
	nextSeq uint64
	// pending maps sequence number to the channel its caller is waiting
	// on, so a worker that finishes out of order can still only unblock
	// callers through the sequencer below.
	pending map[uint64]chan pluginapi.TransformResult

	released uint64 // next sequence number to release, guarded by relMu
	relMu    sync.Mutex
	relCond  *sync.Cond

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New builds a Bridge with concurrency workers and a per-item timeout.
func New(concurrency int, timeout time.Duration, work Work) *Bridge {
	if concurrency < 1 {
		concurrency = 1
	}
	b := &Bridge{
		work:    work,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		pending: make(map[uint64]chan pluginapi.TransformResult),
		closed:  make(chan struct{}),
	}
	b.relCond = sync.NewCond(&b.relMu)
	return b
}

// Submit dispatches row to a worker and blocks until that row's result is
// released, in FIFO order relative to other Submit calls, or until the
// bridge's timeout elapses.
func (b *Bridge) Submit(ctx *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
	select {
	case <-b.closed:
		return pluginapi.TransformError(pluginapi.NewExecutionError(ErrClosed), pluginapi.TransformReason{Action: "error"}, false)
	default:
	}

	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	resultCh := make(chan pluginapi.TransformResult, 1)
	b.pending[seq] = resultCh
	b.mu.Unlock()

	b.wg.Add(1)
	go b.runWorker(ctx, row, seq, resultCh)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result
	case <-timer.C:
		return pluginapi.TransformError(pluginapi.NewExecutionError(fmt.Errorf("%w: after %s", ErrTimeout, b.timeout)), pluginapi.TransformReason{Action: "error"}, true)
	case <-ctx.Done():
		return pluginapi.TransformError(pluginapi.NewExecutionError(ctx.Err()), pluginapi.TransformReason{Action: "error"}, false)
	}
}

func (b *Bridge) runWorker(ctx *pluginapi.Context, row pluginapi.Row, seq uint64, resultCh chan pluginapi.TransformResult) {
	defer b.wg.Done()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.release(seq, pluginapi.TransformError(pluginapi.NewExecutionError(err), pluginapi.TransformReason{Action: "error"}, true), resultCh)
		return
	}
	result := b.work(ctx, row)
	b.sem.Release(1)

	b.release(seq, result, resultCh)
}

// release hands result to seq's waiting caller, enforcing that callers
// only ever observe results in ascending sequence order even though
// workers finish their calls in arbitrary order.
func (b *Bridge) release(seq uint64, result pluginapi.TransformResult, resultCh chan pluginapi.TransformResult) {
	b.relMu.Lock()
	for b.released != seq {
		b.relCond.Wait()
	}
	resultCh <- result
	b.released++
	b.relCond.Broadcast()
	b.relMu.Unlock()

	b.mu.Lock()
	delete(b.pending, seq)
	b.mu.Unlock()
}

// Close drains pending work with a timeout before returning, per spec
// §4.9's close() contract.
func (b *Bridge) Close(drainTimeout time.Duration) error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(drainTimeout):
			err = fmt.Errorf("batchbridge: close timed out after %s with work still in flight", drainTimeout)
		}
	})
	return err
}
