// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aiku/chatmirror/pkg/metrics"
)

// destinationQueue is an unbounded FIFO of tasks for one destination,
// drained by a single worker goroutine.
type destinationQueue struct {
	key     destinationKey
	log     zerolog.Logger
	limiter *rate.Limiter

	lock   sync.Mutex
	tasks  []Task
	notify chan struct{}
}

func newDestinationQueue(key destinationKey, limit rate.Limit, burst int, log zerolog.Logger) *destinationQueue {
	q := &destinationQueue{
		key:    key,
		log:    log.With().Str("dest", key.String()).Logger(),
		notify: make(chan struct{}, 1),
	}
	if limit > 0 {
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(limit, burst)
	}
	return q
}

func (q *destinationQueue) push(t Task) {
	q.lock.Lock()
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	q.lock.Unlock()
	metrics.SetQueueDepth(q.key.String(), depth)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *destinationQueue) pop() (Task, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	metrics.SetQueueDepth(q.key.String(), len(q.tasks))
	return t, true
}

func (q *destinationQueue) depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.tasks)
}

// run processes tasks one at a time until ctx is done. The in-flight task
// is always finished before checking ctx again.
func (q *destinationQueue) run(ctx context.Context, process func(context.Context, *zerolog.Logger, Task)) {
	q.log.Debug().Msg("Destination worker started")
	defer q.log.Debug().Msg("Destination worker stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		t, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
		log := q.log.With().Str("task", t.Kind()).Logger()
		process(log.WithContext(ctx), &log, t)
	}
}
