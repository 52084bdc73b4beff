package livefeed

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Subscriber is one connected websocket consumer of the hub, filtered
// to whichever topics it has asked for.
type Subscriber struct {
	ID   uint64
	Conn *websocket.Conn

	mu        sync.RWMutex
	topics    map[string]bool
	allTopics bool

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Dropped counts frames discarded because sendCh was full.
	Dropped uint64
}

var subscriberIDCounter uint64

// NewSubscriber wraps an upgraded websocket connection as a Subscriber.
func NewSubscriber(conn *websocket.Conn, bufferSize int) *Subscriber {
	return &Subscriber{
		ID:     atomic.AddUint64(&subscriberIDCounter, 1),
		Conn:   conn,
		topics: make(map[string]bool),
		sendCh: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

// Subscribe adds topics to this subscriber's filter.
func (s *Subscriber) Subscribe(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = true
	}
}

// SubscribeAll subscribes to every topic.
func (s *Subscriber) SubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allTopics = true
}

// Unsubscribe removes topics from this subscriber's filter.
func (s *Subscriber) Unsubscribe(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

// IsSubscribed reports whether this subscriber should receive topic.
func (s *Subscriber) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.allTopics {
		return true
	}
	return s.topics[topic]
}

// Send enqueues data for delivery. Returns false, and counts a drop, if
// the send buffer is full.
func (s *Subscriber) Send(data []byte) bool {
	select {
	case s.sendCh <- data:
		return true
	default:
		atomic.AddUint64(&s.Dropped, 1)
		return false
	}
}

// SendCh returns the channel the write pump drains.
func (s *Subscriber) SendCh() <-chan []byte { return s.sendCh }

// Done returns a channel closed when the subscriber disconnects.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Close terminates the underlying connection.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.Conn.Close()
	})
}
