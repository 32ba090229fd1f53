package middleman

import (
	"container/list"
	"sync"
)

// MessageTracker is an insertion-ordered map from signing-service request id
// to MessageTrackerItem, built as a doubly-linked hash map. Insertion order
// is load-bearing: the request consumer is the sole writer and assigns
// strictly increasing (modulo the counter limit) ids, so when a response for
// id R arrives, every entry inserted before R has been abandoned by the
// Signing Service.
//
// The original design shares the tracker between two coroutines of one event
// loop; here the request consumer and response producer are separate
// goroutines, so the tracker carries its own mutex.
type MessageTracker struct {
	mu    sync.Mutex
	order *list.List
	index map[uint64]*list.Element
}

// TrackedMessage pairs a tracker entry with its signing-service request id.
type TrackedMessage struct {
	SigningServiceRequestID uint64
	Item                    MessageTrackerItem
}

func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		order: list.New(),
		index: make(map[uint64]*list.Element),
	}
}

// Add records an in-flight request under its signing-service request id.
func (t *MessageTracker) Add(signingServiceRequestID uint64, item MessageTrackerItem) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.index[signingServiceRequestID]; ok {
		// Id reuse after counter wrap: the stale entry is long abandoned.
		t.order.Remove(elem)
	}
	t.index[signingServiceRequestID] = t.order.PushBack(TrackedMessage{
		SigningServiceRequestID: signingServiceRequestID,
		Item:                    item,
	})
}

// Get returns the entry for a signing-service request id.
func (t *MessageTracker) Get(signingServiceRequestID uint64) (MessageTrackerItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var elem, ok = t.index[signingServiceRequestID]
	if !ok {
		return MessageTrackerItem{}, false
	}
	return elem.Value.(TrackedMessage).Item, true
}

// Remove deletes the entry for a signing-service request id.
func (t *MessageTracker) Remove(signingServiceRequestID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.index[signingServiceRequestID]; ok {
		t.order.Remove(elem)
		delete(t.index, signingServiceRequestID)
	}
}

// DiscardOlderThan removes and returns, oldest first, every entry inserted
// before the given id. If the id is not tracked, nothing is discarded.
func (t *MessageTracker) DiscardOlderThan(signingServiceRequestID uint64) []TrackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[signingServiceRequestID]; !ok {
		return nil
	}

	var dropped []TrackedMessage
	for {
		var elem = t.order.Front()
		var tracked = elem.Value.(TrackedMessage)
		if tracked.SigningServiceRequestID == signingServiceRequestID {
			return dropped
		}
		t.order.Remove(elem)
		delete(t.index, tracked.SigningServiceRequestID)
		dropped = append(dropped, tracked)
	}
}

// RemoveAll empties the tracker and returns all entries in insertion order.
// Used when the upstream connection is lost and every in-flight request must
// be failed back to its originator.
func (t *MessageTracker) RemoveAll() []TrackedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var all = make([]TrackedMessage, 0, t.order.Len())
	for elem := t.order.Front(); elem != nil; elem = elem.Next() {
		all = append(all, elem.Value.(TrackedMessage))
	}
	t.order.Init()
	t.index = make(map[uint64]*list.Element)
	return all
}

// Len returns the number of tracked in-flight requests.
func (t *MessageTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}
