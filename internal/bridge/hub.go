package bridge

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cookie auth already gated the upgrade; the origin check would only
	// matter for unauthenticated sockets.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusUpdate is one frame on the indexing feed.
type StatusUpdate struct {
	VideoID string    `json:"video_id"`
	Status  string    `json:"status"`
	At      time.Time `json:"at"`
}

// Hub fans job transitions out to connected websocket clients. Slow
// clients get dropped rather than backing up the worker.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan StatusUpdate
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan StatusUpdate)}
}

// JobUpdate implements the worker's status notifier.
func (h *Hub) JobUpdate(videoID, status string) {
	update := StatusUpdate{VideoID: videoID, Status: status, At: time.Now().UTC()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- update:
		default:
			// Buffer full: the client is not reading.
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) chan StatusUpdate {
	ch := make(chan StatusUpdate, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

// ClientCount reports connected sockets, for the health payload.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and streams status updates until the
// client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Bridge] ws upgrade: %v", err)
		return
	}
	ch := h.add(conn)
	defer h.remove(conn)

	// Reader goroutine only watches for close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(update); err != nil {
				return
			}
		}
	}
}
