package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrQueueStopped = errors.New("cluster queue stopped")

// DefaultDrainTimeout bounds how long Run keeps clustering buffered sessions
// after its context ends.
const DefaultDrainTimeout = 30 * time.Second

// Queue runs session clustering off the request path. Finished sessions are
// processed one at a time, in the order they were scheduled. Sessions still
// buffered when Run is cancelled are processed before it returns; anything
// that fails is picked up by Engine.AssignUnclustered on the next start.
type Queue struct {
	engine       *Engine
	jobs         chan string
	pending      sync.WaitGroup
	drainTimeout time.Duration

	mu      sync.Mutex
	stopped bool
	senders sync.WaitGroup
}

func NewQueue(engine *Engine, size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{engine: engine, jobs: make(chan string, size), drainTimeout: DefaultDrainTimeout}
}

// ScheduleSession buffers sessionID for clustering. It fails with
// ErrQueueStopped once Run has begun shutting down.
func (q *Queue) ScheduleSession(ctx context.Context, sessionID string) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.senders.Add(1)
	q.pending.Add(1)
	q.mu.Unlock()
	defer q.senders.Done()

	select {
	case q.jobs <- sessionID:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Recalculate is synchronous; it only contends on the engine lock.
func (q *Queue) Recalculate(ctx context.Context, clusterID int64) error {
	return q.engine.Recalculate(ctx, clusterID)
}

// Run processes scheduled sessions until ctx is cancelled, then drains what
// is left within the drain timeout.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case id := <-q.jobs:
			q.process(ctx, id)
		}
	}
}

func (q *Queue) drain() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	sendersDone := make(chan struct{})
	go func() {
		q.senders.Wait()
		close(sendersDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()
	for {
		select {
		case id := <-q.jobs:
			q.process(ctx, id)
		case <-sendersDone:
			for {
				select {
				case id := <-q.jobs:
					q.process(ctx, id)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) process(ctx context.Context, id string) {
	defer q.pending.Done()
	if err := q.engine.AssignSession(ctx, id); err != nil {
		log.Error().Err(err).Str("session", id).Msg("cluster assignment failed")
	}
}

// Wait blocks until every scheduled session has been processed.
func (q *Queue) Wait() {
	q.pending.Wait()
}
