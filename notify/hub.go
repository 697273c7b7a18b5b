/*
Package notify provides the in-process change-notification hub.

PURPOSE:
  Implements ledger.SyncNotifier: fans mutating-ledger events out to live
  subscribers keyed by register, so a balance change on one terminal becomes
  visible on another without polling.

DELIVERY CONTRACT:
  Best-effort. Publish never blocks the ledger: each subscriber has a
  buffered channel, and an event a slow subscriber cannot accept in time is
  dropped for that subscriber only. Subscribers that need a complete history
  read the audit log; the hub is a freshness signal, not a journal.

SEE ALSO:
  - ledger/events.go: event types and the notifier interface
  - api/stream.go: SSE endpoint built on Subscribe
*/
package notify

import (
	"sync"

	"github.com/tillpoint/register-engine/ledger"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// =============================================================================
// HUB
// =============================================================================

type Hub struct {
	mu     sync.RWMutex
	buffer int
	nextID int
	subs   map[ledger.RegisterID]map[int]chan ledger.Event
}

func NewHub() *Hub {
	return &Hub{
		buffer: DefaultBuffer,
		subs:   make(map[ledger.RegisterID]map[int]chan ledger.Event),
	}
}

// Subscribe registers interest in one register's events. The returned cancel
// must be called to release the subscription; after cancel the channel is
// closed.
func (h *Hub) Subscribe(id ledger.RegisterID) (<-chan ledger.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[id] == nil {
		h.subs[id] = make(map[int]chan ledger.Event)
	}
	h.nextID++
	subID := h.nextID
	ch := make(chan ledger.Event, h.buffer)
	h.subs[id][subID] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id][subID]; ok {
			delete(h.subs[id], subID)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber of its register. Non-blocking:
// a full subscriber buffer drops the event for that subscriber.
func (h *Hub) Publish(e ledger.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs[e.RegisterID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports how many observers a register currently has.
func (h *Hub) SubscriberCount(id ledger.RegisterID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}
