package offlinecache

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const clientBuffer = 16

// client is a page connected to the event stream.
type client struct {
	id       uuid.UUID
	messages chan []byte
}

// clients is the registry of connected pages.
type clients struct {
	mu sync.Mutex
	m  map[uuid.UUID]*client
}

func newClients() *clients {
	return &clients{m: make(map[uuid.UUID]*client)}
}

func (c *clients) add() *client {
	cl := &client{
		id:       uuid.New(),
		messages: make(chan []byte, clientBuffer),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[cl.id] = cl
	return cl
}

// remove unregisters the client and returns the number of clients left.
func (c *clients) remove(cl *client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, cl.id)
	return len(c.m)
}

func (c *clients) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// broadcast sends the message to every client.
// Clients that do not keep up miss the message. It returns the number of clients reached.
func (c *clients) broadcast(msg any) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sent := 0
	for _, cl := range c.m {
		select {
		case cl.messages <- b:
			sent++
		default:
		}
	}
	return sent, nil
}

// serveEvents streams messages to the page as server-sent events until the page goes away.
func (h *Host) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	cl := h.clients.add()
	h.metrics.clients(h.clients.count())
	log := h.log.With().Str("client", cl.id.String()).Logger()
	log.Debug().Msg("Client connected")
	defer func() {
		left := h.clients.remove(cl)
		h.metrics.clients(left)
		log.Debug().Int("clients", left).Msg("Client disconnected")
		if left == 0 {
			h.allClientsClosed()
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "id: %s\n: connected\n\n", cl.id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-cl.messages:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				log.Debug().Err(err).Msg("Could not write to client")
				return
			}
			flusher.Flush()
		}
	}
}
