package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/provenant/internal/storage"
)

// feedMessage is the JSON message format for the anchor feed.
type feedMessage struct {
	Type    string `json:"type"` // "anchor", "hello"
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedHub fans newly published anchors out to connected WebSocket clients.
// A slow client drops off the feed rather than blocking publication; anchors
// are durable, so a dropped client re-syncs over the REST surface.
type feedHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]chan *storage.Anchor
}

func newFeedHub() *feedHub {
	return &feedHub{conns: make(map[*websocket.Conn]chan *storage.Anchor)}
}

func (h *feedHub) add(conn *websocket.Conn) chan *storage.Anchor {
	ch := make(chan *storage.Anchor, 8)
	h.mu.Lock()
	h.conns[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *feedHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		close(ch)
	}
	h.mu.Unlock()
}

// broadcast delivers an anchor to every subscriber without blocking. It is
// registered as the anchor engine's publication callback.
func (h *feedHub) broadcast(a *storage.Anchor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.conns {
		select {
		case ch <- a:
		default:
			log.Printf("[feed] dropping slow subscriber %s", conn.RemoteAddr())
			delete(h.conns, conn)
			close(ch)
		}
	}
}

// handleFeed upgrades the connection and streams anchors as they are
// published.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feed] websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	defer s.hub.remove(conn)

	ch := s.hub.add(conn)

	hello := feedMessage{Type: "hello", Payload: map[string]string{"status": "ok"}}
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	// Drain inbound frames so close handshakes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				conn.Close()
				return
			}
		}
	}()

	for a := range ch {
		msg := feedMessage{Type: "anchor", Payload: a}
		if err := conn.WriteJSON(msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[feed] websocket write error: %v", err)
			}
			return
		}
	}
}
