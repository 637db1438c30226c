package database

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage is one entry read from a Redis stream.
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishToStream appends values to a stream.
func PublishToStream(ctx context.Context, client redis.Cmdable, stream string, values map[string]interface{}) (string, error) {
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}

// ReadFromStream reads new entries for a consumer, blocking up to block.
func ReadFromStream(ctx context.Context, client redis.Cmdable, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return toMessages(streams), nil
}

// ClaimStale moves entries idle longer than minIdle to consumer.
func ClaimStale(ctx context.Context, client redis.Cmdable, stream, group, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return toMessages([]redis.XStream{{Stream: stream, Messages: msgs}}), nil
}

// CreateConsumerGroup creates the group and the stream, ignoring an existing group.
func CreateConsumerGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func toMessages(streams []redis.XStream) []StreamMessage {
	var messages []StreamMessage
	for _, s := range streams {
		for _, msg := range s.Messages {
			messages = append(messages, StreamMessage{
				Stream: s.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages
}
