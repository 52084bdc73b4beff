package livefeed

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage is a subscriber -> hub control frame: subscribe or
// unsubscribe from a set of topics. A single topic of "*" subscribes to
// everything.
type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// Handler upgrades incoming connections and registers them with hub.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("livefeed: websocket upgrade error: %v", err)
			return
		}

		sub := hub.Register(conn)
		go writePump(sub)
		go readPump(sub, hub)
	}
}

// readPump processes incoming control frames from a subscriber.
func readPump(s *Subscriber, hub *Hub) {
	defer hub.Unregister(s)

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("livefeed: subscriber %d read error: %v", s.ID, err)
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(message, &ctrl); err != nil {
			log.Printf("livefeed: subscriber %d invalid control message: %v", s.ID, err)
			continue
		}
		handleControl(s, &ctrl)
	}
}

func handleControl(s *Subscriber, ctrl *controlMessage) {
	switch ctrl.Action {
	case "subscribe":
		if len(ctrl.Topics) == 1 && ctrl.Topics[0] == "*" {
			s.SubscribeAll()
			log.Printf("livefeed: subscriber %d subscribed to all topics", s.ID)
			return
		}
		s.Subscribe(ctrl.Topics)
		log.Printf("livefeed: subscriber %d subscribed to %v", s.ID, ctrl.Topics)

	case "unsubscribe":
		s.Unsubscribe(ctrl.Topics)
		log.Printf("livefeed: subscriber %d unsubscribed from %v", s.ID, ctrl.Topics)

	default:
		log.Printf("livefeed: subscriber %d unknown action: %s", s.ID, ctrl.Action)
	}
}

// writePump delivers queued frames and periodic pings to a subscriber.
func writePump(s *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case data, ok := <-s.SendCh():
			if !ok {
				return
			}
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.Done():
			return
		}
	}
}
