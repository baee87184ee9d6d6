// Package sse streams processor results to connected clients as Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// ClientBuffer is how many messages a slow client may lag before messages are dropped.
	ClientBuffer = 64

	// KeepAlive is the interval of comment lines that keep idle connections open.
	KeepAlive = 30 * time.Second
)

// Client is a connected SSE subscriber.
type Client struct {
	messages chan []byte
	ID       string
	dropped  int
}

// Broadcaster fans messages out to every connected client. Publishing never blocks:
// a client whose buffer is full misses the message.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
	closed  bool
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// Subscribe registers a new client. After Close the client's stream is already ended.
func (b *Broadcaster) Subscribe() *Client {
	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:       fmt.Sprintf("client-%d", b.nextID),
		messages: make(chan []byte, ClientBuffer),
	}
	if b.closed {
		b.mu.Unlock()
		close(client.messages)
		return client
	}
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client connected")
	return client
}

// Unsubscribe removes a client. Unknown clients are ignored.
func (b *Broadcaster) Unsubscribe(client *Client) {
	b.mu.Lock()
	_, ok := b.clients[client.ID]
	if ok {
		delete(b.clients, client.ID)
		close(client.messages)
	}
	count := len(b.clients)
	b.mu.Unlock()

	if ok {
		log.Debug().Str("clientId", client.ID).Int("totalClients", count).Int("dropped", client.dropped).Msg("SSE client disconnected")
	}
}

// Close ends every client stream so their handlers return. It is safe to call more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	n := len(b.clients)
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.messages)
	}
	b.mu.Unlock()

	if n > 0 {
		log.Debug().Int("clients", n).Msg("SSE clients closed")
	}
}

// Publish encodes data as JSON and queues it for every client.
func (b *Broadcaster) Publish(data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		select {
		case c.messages <- payload:
		default:
			c.dropped++
		}
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE streams messages to one client until the request ends.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := b.Subscribe()
	defer b.Unsubscribe(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", client.ID)
	flusher.Flush()

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-client.messages:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
