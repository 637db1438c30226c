package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

func ConsultationChannel(consultationID string) string {
	return "consultation:" + consultationID
}

func UserChannel(userID string) string {
	return "user:" + userID
}

// broadcast returns a post-commit event that publishes to the consultation channel and to
// each of userIDs.
func broadcast(n Notifier, consultationID, event string, payload interface{}, userIDs ...string) Event {
	return func(ctx context.Context) {
		n.Notify(ctx, ConsultationChannel(consultationID), event, payload)
		for _, id := range userIDs {
			n.NotifyUser(ctx, id, event, payload)
		}
	}
}

type notification struct {
	Event string `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// RedisNotifier publishes events on Redis Pub/Sub channels for the real-time gateway.
type RedisNotifier struct {
	client redis.Cmdable
	log    *zap.Logger
}

func NewRedisNotifier(client redis.Cmdable, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, channel, event string, payload interface{}) {
	body, err := json.Marshal(notification{Event: event, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		n.log.Warn("failed to encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, channel, body).Err(); err != nil {
		n.log.Warn("failed to publish notification",
			zap.String("channel", channel),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (n *RedisNotifier) NotifyUser(ctx context.Context, userID, event string, payload interface{}) {
	n.Notify(ctx, UserChannel(userID), event, payload)
}
