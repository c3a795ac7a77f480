// Package queue serializes inbound message admission in strict priority
// order through a single worker.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/types"
)

// WorkFunc stores one message and returns the stored copy
type WorkFunc func(ctx context.Context) (*types.Message, error)

// Item is a unit of admission work
type Item struct {
	Priority   types.Priority
	FilingTime time.Time
	Work       WorkFunc
}

type result struct {
	msg *types.Message
	err error
}

type entry struct {
	item   Item
	ctx    context.Context
	seq    uint64
	result chan result
}

// entries orders by priority weight, filing time, then arrival
type entries []*entry

func (h entries) Len() int { return len(h) }

func (h entries) Less(i, j int) bool {
	wi, wj := h[i].item.Priority.Weight(), h[j].item.Priority.Weight()
	if wi != wj {
		return wi < wj
	}
	if !h[i].item.FilingTime.Equal(h[j].item.FilingTime) {
		return h[i].item.FilingTime.Before(h[j].item.FilingTime)
	}
	return h[i].seq < h[j].seq
}

func (h entries) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entries) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entries) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is a priority queue drained by one worker goroutine
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending entries
	seq     uint64
	closed  bool
	paused  bool
	done    chan struct{}
	logger  *slog.Logger
}

// New creates a queue and starts its worker
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues item and blocks until its work has run. If ctx ends
// first the work still runs in order but its result is discarded.
func (q *Queue) Submit(ctx context.Context, item Item) (*types.Message, error) {
	if item.Work == nil {
		return nil, fmt.Errorf("queue: work is required")
	}
	e := &entry{item: item, ctx: ctx, result: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, amhserrors.ErrQueueClosed
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pending, e)
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.cond.Signal()
	q.mu.Unlock()

	select {
	case r := <-e.result:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of items waiting
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, fails pending items with ErrQueueClosed and
// waits for the worker to exit. The item being processed, if any, finishes.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	for _, e := range q.pending {
		e.result <- result{err: amhserrors.ErrQueueClosed}
	}
	q.pending = nil
	metrics.QueueDepth.Set(0)
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
}

// pause holds the worker before its next item. Tests use it to build up a
// backlog deterministically.
func (q *Queue) pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *Queue) resume() {
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (q.paused || len(q.pending) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.pending).(*entry)
		metrics.QueueDepth.Set(float64(len(q.pending)))
		q.mu.Unlock()

		e.result <- q.execute(e)
	}
}

func (q *Queue) execute(e *entry) (r result) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("Recovered panic in admission work", "panic", p, "priority", e.item.Priority)
			r = result{err: fmt.Errorf("admission work panicked: %v", p)}
		}
	}()
	msg, err := e.item.Work(e.ctx)
	return result{msg: msg, err: err}
}
