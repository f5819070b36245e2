// Package pipeline drives the registration/deployment state machine. Each
// registration runs as a detached background task keyed by
// (pluginID, version); concurrent submissions for the same key coalesce.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Key serializes pipeline work per plugin version.
func Key(pluginID string, version float64) string {
	return fmt.Sprintf("%s@%g", pluginID, version)
}

// Queue is the background task pool with keyed deduplication and graceful
// shutdown draining.
type Queue struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewQueue builds a Queue rooted at a base context that outlives requests.
func NewQueue(log *zap.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		inflight: map[string]context.CancelFunc{},
		baseCtx:  ctx,
		cancel:   cancel,
		log:      log,
	}
}

// Submit starts task on the pool unless work for the same key is already in
// flight; the duplicate submission reports false and the caller observes
// the first run's outcome. The task's context is cancelled by Cancel(key)
// and by shutdown.
func (q *Queue) Submit(key string, task func(ctx context.Context)) bool {
	q.mu.Lock()
	if _, dup := q.inflight[key]; dup {
		q.mu.Unlock()
		q.log.Info("duplicate pipeline submission coalesced", zap.String("key", key))
		return false
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	q.inflight[key] = cancel
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer func() {
			q.mu.Lock()
			delete(q.inflight, key)
			q.mu.Unlock()
			cancel()
			q.wg.Done()
		}()
		task(ctx)
	}()
	return true
}

// InFlight reports whether work for the key is running.
func (q *Queue) InFlight(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[key]
	return ok
}

// Cancel signals the key's running task to stop at its next suspension
// point. Cancellation is advisory; the task decides where to stop.
func (q *Queue) Cancel(key string) {
	q.mu.Lock()
	cancel, ok := q.inflight[key]
	q.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels everything and waits for the pool to drain or the
// context to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
