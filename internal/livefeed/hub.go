// Package livefeed is the concrete pub/sub transport behind the "live
// event socket": a gorilla/websocket fan-out hub, one topic per
// (platform, symbol, kind), that a worker process subscribes to for its
// symbols. The upstream exchange bridge that feeds trades and
// order-book updates into a Hub is out of this pipeline's scope — Hub
// only owns distribution from the point a raw JSON envelope is handed
// to Publish.
package livefeed

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/taltech/windowpipe/internal/platform"
	"github.com/taltech/windowpipe/internal/winkey"
)

// Topic identifies one (platform, symbol, kind) stream.
func Topic(p platform.Platform, symbol string, kind winkey.Kind) string {
	return p.String() + "." + symbol + "." + kind.String()
}

// Hub tracks connected subscribers and fans published frames out to
// whichever of them are subscribed to the frame's topic.
type Hub struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscriber
	bufferSize int
}

// NewHub creates a Hub whose subscribers buffer up to bufferSize
// unsent frames before frames start getting dropped.
func NewHub(bufferSize int) *Hub {
	return &Hub{subs: make(map[uint64]*Subscriber), bufferSize: bufferSize}
}

// Register adds a newly-upgraded connection as a subscriber.
func (h *Hub) Register(conn *websocket.Conn) *Subscriber {
	s := NewSubscriber(conn, h.bufferSize)

	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()

	log.Printf("livefeed: subscriber %d connected (%s)", s.ID, conn.RemoteAddr())
	return s
}

// Unregister removes and closes a subscriber.
func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s.ID)
	h.mu.Unlock()

	s.Close()
	log.Printf("livefeed: subscriber %d disconnected", s.ID)
}

// Publish fans payload out to every subscriber registered for topic.
// A subscriber whose send buffer is full drops the frame rather than
// blocking the publisher.
func (h *Hub) Publish(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !s.IsSubscribed(topic) {
			continue
		}
		s.Send(payload)
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
