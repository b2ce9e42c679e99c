// Package sse fans room updates out to server-sent-event subscribers.
package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrClientNotFound = errors.New("sse client not found")

// Client is one open stream, subscribed to a single room.
type Client struct {
	ClientID    string
	RoomID      string
	ConnectedAt time.Time
	MessageChan chan *Message
}

func NewClient(roomID string) *Client {
	return &Client{
		ClientID:    uuid.NewString(),
		RoomID:      roomID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

// Message is one SSE frame.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        uuid.NewString(),
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.MessageChan)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToRoom delivers message to every subscriber of roomID and returns
// how many received it. Slow clients with a full buffer miss the frame.
func (h *Hub) BroadcastToRoom(roomID string, message *Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.RoomID == roomID && trySend(c, message) {
			sent++
		}
	}
	return sent
}

// Stop closes every client stream.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.MessageChan)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
