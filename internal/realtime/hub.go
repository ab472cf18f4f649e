// Package realtime pushes notifications to connected staff over websockets.
// Each connection is bound to its owner's topic; clients cannot subscribe to
// other topics.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

const (
	topicPrefix            = "notifications/"
	eventNotificationAdded = "notification.created"
	resourceNotification   = "Notification"
)

// Event is the frame written to websocket clients.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Client is one websocket connection of a staff member.
type Client struct {
	ID     string
	UserID string
	Topic  string
	Send   chan []byte
}

// NotificationTopic returns the topic a recipient's connections listen on.
func NotificationTopic(recipientID string) string {
	return topicPrefix + recipientID
}

// Hub tracks connected clients by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	logger  *zap.Logger
	cfg     HubConfig
}

// HubConfig tunes connection handling.
type HubConfig struct {
	AllowedOrigins []string
	SendBuffer     int
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, cfg HubConfig) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
		cfg:     cfg,
	}
}

// Register adds a client under its topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.clients[client.Topic] == nil {
		h.clients[client.Topic] = make(map[*Client]struct{})
	}
	h.clients[client.Topic][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel. Repeated calls are ignored.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.clients[client.Topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, client.Topic)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast queues the event for every client on topic and reports how many
// accepted it. Clients with a full buffer are skipped.
func (h *Hub) Broadcast(topic string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal realtime event", zap.String("topic", topic), zap.Error(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			h.logger.Warn("realtime client buffer full", zap.String("client_id", client.ID), zap.String("topic", topic))
		}
	}
	return delivered
}

// Publish broadcasts the event to its topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// Push delivers a notification to its recipient's open connections. Offline
// recipients are not an error; they read the stored notification later.
func (h *Hub) Push(ctx context.Context, notification models.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return h.Publish(ctx, Event{
		Type:         eventNotificationAdded,
		Topic:        NotificationTopic(notification.RecipientID),
		ResourceType: resourceNotification,
		ResourceID:   notification.ID,
		Timestamp:    notification.CreatedAt,
		Data:         payload,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients on topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
