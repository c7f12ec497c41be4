package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 8
)

var upgrader = websocket.Upgrader{
	// the feed is public, same as GET /events
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamHub pushes ledger snapshots to connected WebSocket clients.
type streamHub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

type streamClient struct {
	send chan []byte
}

func newStreamHub() *streamHub {
	return &streamHub{clients: make(map[*streamClient]struct{})}
}

func (h *streamHub) add() *streamClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &streamClient{send: make(chan []byte, streamBuffer)}
	h.clients[c] = struct{}{}
	streamClients.Set(float64(len(h.clients)))
	return c
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *streamHub) dropLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	streamClients.Set(float64(len(h.clients)))
}

// Publish queues a snapshot for every client. Clients with a full buffer are dropped.
func (h *streamHub) Publish(events []ActivityEvent) {
	msg, err := json.Marshal(events)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropLocked(c)
		}
	}
}

// Len returns the number of connected clients.
func (h *streamHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *streamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// handleStream upgrades GET /events/stream, sends the current ledger, then one
// frame per ledger update.
func handleStream(ledger *Ledger, hub *streamHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			notFound(w, r)
			return
		}
		log := loggerFrom(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("stream upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		c := hub.add()
		defer hub.remove(c)

		snapshot, err := json.Marshal(ledger.Events(r.Context()))
		if err != nil {
			return
		}
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			conn.SetReadDeadline(time.Now().Add(streamPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(streamPongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readDone:
				return
			}
		}
	}
}
