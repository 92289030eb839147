// Package queue is the in-process work queue feeding the pipeline worker
// pool. External submissions and refresh fan-out both land here.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"compass-pipeline/internal/model"
)

// ErrClosed is returned when submitting to a closed queue
var ErrClosed = eris.New("queue closed")

// ErrFull is returned when the queue buffer is full
var ErrFull = eris.New("queue full")

// Handler processes one request
type Handler func(ctx context.Context, req model.Request) error

// Queue is a bounded FIFO of pipeline requests
type Queue struct {
	mu     sync.RWMutex
	ch     chan model.Request
	closed bool
	logger *zap.Logger
	onSave func(ctx context.Context, req model.Request) error
}

// New creates a queue holding up to size pending requests. onSave, if set,
// persists a request before it is enqueued.
func New(size int, logger *zap.Logger, onSave func(ctx context.Context, req model.Request) error) *Queue {
	return &Queue{
		ch:     make(chan model.Request, size),
		logger: logger,
		onSave: onSave,
	}
}

// Submit assigns an id if the request has none and enqueues it without
// blocking. It returns the id.
func (q *Queue) Submit(ctx context.Context, req model.Request) (string, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrClosed
	}
	if len(q.ch) == cap(q.ch) {
		return "", ErrFull
	}
	if q.onSave != nil {
		if err := q.onSave(ctx, req); err != nil {
			return "", eris.Wrapf(err, "persist request %s", req.ID)
		}
	}

	select {
	case q.ch <- req:
		q.logger.Debug("request queued", zap.String("run_id", req.ID), zap.String("workflow", req.Name), zap.String("parent", req.Parent))
		return req.ID, nil
	default:
		return "", ErrFull
	}
}

// Len returns the number of pending requests
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting requests. Pending requests are still drained by Run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run starts workers that call handler for each request until the queue is
// closed and drained or ctx is cancelled. Handler errors are logged; they do
// not stop other workers.
func (q *Queue) Run(ctx context.Context, workers int, handler Handler) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case req, ok := <-q.ch:
					if !ok {
						return nil
					}
					if err := handler(gctx, req); err != nil {
						q.logger.Warn("run failed",
							zap.Int("worker", worker),
							zap.String("run_id", req.ID),
							zap.String("workflow", req.Name),
							zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}
