package queue

import (
	"PsiConsulta/database"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DelayedKey    = "jobs:delayed"
	PayloadKey    = "jobs:payload"
	ReadyStream   = "jobs:ready"
	DeadStream    = "jobs:dead"
	ConsumerGroup = "consultation-workers"
)

// Moves due job ids from the sorted set to the ready stream together with their payloads.
const promoteScript = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	local payload = redis.call("HGET", KEYS[2], id)
	redis.call("ZREM", KEYS[1], id)
	if payload then
		redis.call("HDEL", KEYS[2], id)
		redis.call("XADD", KEYS[3], "*", "id", id, "payload", payload)
	end
end
return #ids
`

var promote = redis.NewScript(promoteScript)

// Delivery is a job read from the ready stream.
type Delivery struct {
	MessageID string
	Job       Job
}

// DelayedQueue schedules jobs in a sorted set and hands them to workers through a stream
// consumer group, giving at-least-once delivery.
type DelayedQueue struct {
	client *redis.Client
	log    *zap.Logger
}

func NewDelayedQueue(ctx context.Context, client *redis.Client, log *zap.Logger) (*DelayedQueue, error) {
	if err := database.CreateConsumerGroup(ctx, client, ReadyStream, ConsumerGroup); err != nil {
		return nil, errors.Wrap(err, "failed to create job consumer group")
	}
	return &DelayedQueue{client: client, log: log}, nil
}

// Enqueue stores job to run at job.RunAt, replacing a pending job with the same id.
func (q *DelayedQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, PayloadKey, job.ID, payload)
		pipe.ZAdd(ctx, DelayedKey, &redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Remove drops pending jobs. Jobs already promoted are not affected.
func (q *DelayedQueue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, DelayedKey, members...)
		pipe.HDel(ctx, PayloadKey, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove jobs: %w", err)
	}
	return nil
}

// Pending returns the due time of a pending job.
func (q *DelayedQueue) Pending(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, DelayedKey, id).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Promote moves up to limit jobs due at now into the ready stream.
func (q *DelayedQueue) Promote(ctx context.Context, now time.Time, limit int) (int, error) {
	n, err := promote.Run(ctx, q.client,
		[]string{DelayedKey, PayloadKey, ReadyStream},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote due jobs: %w", err)
	}
	return n, nil
}

// Read returns new deliveries for consumer, blocking up to block.
func (q *DelayedQueue) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	msgs, err := database.ReadFromStream(ctx, q.client, ReadyStream, ConsumerGroup, consumer, count, block)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return q.decode(ctx, msgs), nil
}

// Reclaim takes over deliveries left unacknowledged by a crashed consumer.
func (q *DelayedQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	msgs, err := database.ClaimStale(ctx, q.client, ReadyStream, ConsumerGroup, consumer, minIdle, count)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}
	return q.decode(ctx, msgs), nil
}

func (q *DelayedQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, ReadyStream, ConsumerGroup, d.MessageID)
		pipe.XDel(ctx, ReadyStream, d.MessageID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.Job.ID, err)
	}
	return nil
}

// Retry schedules the delivery's job again at at and acknowledges the current delivery.
func (q *DelayedQueue) Retry(ctx context.Context, d Delivery, at time.Time) error {
	job := d.Job
	job.RunAt = at
	if err := q.Enqueue(ctx, job); err != nil {
		return err
	}
	return q.Ack(ctx, d)
}

// DeadLetter records a job that will not run again and acknowledges it.
func (q *DelayedQueue) DeadLetter(ctx context.Context, d Delivery, cause error) error {
	payload, _ := json.Marshal(d.Job)
	_, err := database.PublishToStream(ctx, q.client, DeadStream, map[string]interface{}{
		"id":      d.Job.ID,
		"payload": payload,
		"error":   fmt.Sprint(cause),
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", d.Job.ID, err)
	}
	return q.Ack(ctx, d)
}

func (q *DelayedQueue) decode(ctx context.Context, msgs []database.StreamMessage) []Delivery {
	deliveries := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		raw, _ := msg.Values["payload"].(string)
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("dropping undecodable job", zap.String("message_id", msg.ID), zap.Error(err))
			_ = q.client.XAck(ctx, ReadyStream, ConsumerGroup, msg.ID).Err()
			continue
		}
		deliveries = append(deliveries, Delivery{MessageID: msg.ID, Job: job})
	}
	return deliveries
}
