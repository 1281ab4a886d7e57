package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
	"github.com/cesi-keybox/keybox/server/internal/metrics"
)

const defaultBuffer = 64

// Hub is the in-process fan-out to connected viewers. A viewer whose buffer
// is full misses the update rather than stalling ingestion.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan types.RoomUpdate
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]chan types.RoomUpdate), buffer: buffer}
}

// Subscription is one viewer's feed. Cancel is idempotent.
type Subscription struct {
	ID      string
	Updates <-chan types.RoomUpdate
	cancel  func()
}

func (s *Subscription) Cancel() { s.cancel() }

func (h *Hub) Subscribe() *Subscription {
	id := uuid.NewString()
	ch := make(chan types.RoomUpdate, h.buffer)

	h.mu.Lock()
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()
	metrics.Subscribers.Set(float64(n))

	var once sync.Once
	return &Subscription{
		ID:      id,
		Updates: ch,
		cancel: func() {
			once.Do(func() {
				h.mu.Lock()
				delete(h.subs, id)
				close(ch)
				n := len(h.subs)
				h.mu.Unlock()
				metrics.Subscribers.Set(float64(n))
			})
		},
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish never fails; having no viewers is not an error.
func (h *Hub) Publish(_ context.Context, u types.RoomUpdate) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
	return nil
}
