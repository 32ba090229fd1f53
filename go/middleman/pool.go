package middleman

import (
	"context"
	"sync"
)

// ResponseQueue is one connection's bounded queue of outbound items. Closing
// the queue releases a consumer blocked on an empty queue and a producer
// blocked on a full one.
type ResponseQueue struct {
	items     chan ResponseQueueItem
	closed    chan struct{}
	closeOnce sync.Once
}

func newResponseQueue(size int) *ResponseQueue {
	return &ResponseQueue{
		items:  make(chan ResponseQueueItem, size),
		closed: make(chan struct{}),
	}
}

// Push enqueues an item, blocking while the queue is full. It reports false
// if the queue was closed before the item could be enqueued.
func (q *ResponseQueue) Push(item ResponseQueueItem) bool {
	select {
	case <-q.closed:
		return false
	default:
	}
	select {
	case q.items <- item:
		return true
	case <-q.closed:
		return false
	}
}

// Pop dequeues the next item, blocking until one is available, the queue is
// closed, or the context is cancelled. After close, items already enqueued
// are still drained before ok turns false.
func (q *ResponseQueue) Pop(ctx context.Context) (ResponseQueueItem, bool) {
	select {
	case item := <-q.items:
		return item, true
	default:
	}
	select {
	case item := <-q.items:
		return item, true
	case <-q.closed:
		// Drain anything racing with close.
		select {
		case item := <-q.items:
			return item, true
		default:
			return ResponseQueueItem{}, false
		}
	case <-ctx.Done():
		return ResponseQueueItem{}, false
	}
}

func (q *ResponseQueue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// QueuePool maps connection ids to their response queues. All methods are
// safe under concurrent use.
type QueuePool struct {
	mu        sync.Mutex
	queues    map[uint64]*ResponseQueue
	queueSize int
}

func NewQueuePool(queueSize int) *QueuePool {
	return &QueuePool{
		queues:    make(map[uint64]*ResponseQueue),
		queueSize: queueSize,
	}
}

// Register creates the queue for a connection id, or returns the existing
// one: registration is idempotent.
func (p *QueuePool) Register(connectionID uint64) *ResponseQueue {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q, ok := p.queues[connectionID]; ok {
		return q
	}
	var q = newResponseQueue(p.queueSize)
	p.queues[connectionID] = q
	return q
}

// RegisterNew creates a queue for a connection id only if none exists,
// reporting whether it did. An id already held by a live connection is
// never paired with a second one.
func (p *QueuePool) RegisterNew(connectionID uint64) (*ResponseQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.queues[connectionID]; ok {
		return nil, false
	}
	var q = newResponseQueue(p.queueSize)
	p.queues[connectionID] = q
	return q, true
}

// Unregister removes a connection's queue and closes it, releasing any
// blocked reader or writer.
func (p *QueuePool) Unregister(connectionID uint64) {
	p.mu.Lock()
	var q, ok = p.queues[connectionID]
	delete(p.queues, connectionID)
	p.mu.Unlock()

	if ok {
		q.close()
	}
}

// Get returns the queue for a connection id, if registered.
func (p *QueuePool) Get(connectionID uint64) (*ResponseQueue, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var q, ok = p.queues[connectionID]
	return q, ok
}

// Contains reports whether a connection id is registered.
func (p *QueuePool) Contains(connectionID uint64) bool {
	var _, ok = p.Get(connectionID)
	return ok
}

// Len returns the number of registered connections.
func (p *QueuePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}
