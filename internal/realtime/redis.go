package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
)

const channelPrefix = "notifications:"

// RedisPublisher pushes notifications through Redis pub/sub so every API
// instance can reach its own websocket clients.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher constructs a publisher.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, logger: logger}
}

// Push publishes the notification on its recipient's channel.
func (p *RedisPublisher) Push(ctx context.Context, notification models.Notification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.client.Publish(ctx, channelPrefix+notification.RecipientID, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// RedisRelay forwards notifications published on Redis to the local hub.
type RedisRelay struct {
	client *redis.Client
	hub    *Hub
	logger *zap.Logger
}

// NewRedisRelay constructs a relay into hub.
func NewRedisRelay(client *redis.Client, hub *Hub, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, hub: hub, logger: logger}
}

// Run subscribes to every recipient channel and blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	r.logger.Info("realtime relay subscribed", zap.String("pattern", channelPrefix+"*"))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, channel, payload string) {
	var notification models.Notification
	if err := json.Unmarshal([]byte(payload), &notification); err != nil {
		r.logger.Warn("discarding malformed relay payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	if notification.RecipientID == "" {
		notification.RecipientID = strings.TrimPrefix(channel, channelPrefix)
	}
	if err := r.hub.Push(ctx, notification); err != nil {
		r.logger.Warn("relay push failed", zap.String("notification_id", notification.ID), zap.Error(err))
	}
}
