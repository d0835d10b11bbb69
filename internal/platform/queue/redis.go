package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/runnerd/internal/domain"
)

// Default key names.
const (
	DefaultStream  = "runnerd:jobs"
	DefaultGroup   = "runnerd:dispatchers"
	DefaultChannel = "runnerd:results"
)

// Options configures a RedisQueue. Zero fields fall back to the defaults above.
type Options struct {
	Addr     string
	Stream   string
	Group    string
	Channel  string
	Consumer string
	// Block bounds a single XREADGROUP so Subscribe notices cancellation.
	Block time.Duration
}

// RedisQueue implements domain.JobQueue using Redis Streams for jobs and
// Pub/Sub for results.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	channel  string
	consumer string
	block    time.Duration
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue connects to Redis and verifies the connection with a PING.
func NewRedisQueue(ctx context.Context, opts Options) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	q := &RedisQueue{
		client:   rdb,
		stream:   opts.Stream,
		group:    opts.Group,
		channel:  opts.Channel,
		consumer: opts.Consumer,
		block:    opts.Block,
	}
	if q.stream == "" {
		q.stream = DefaultStream
	}
	if q.group == "" {
		q.group = DefaultGroup
	}
	if q.channel == "" {
		q.channel = DefaultChannel
	}
	if q.block <= 0 {
		q.block = 2 * time.Second
	}
	if q.consumer == "" {
		// e.g. hostname-pid
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		q.consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return q, nil
}

// Publish enqueues a job with XADD.
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		ID:     "*",
		Values: map[string]interface{}{"job": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (r *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe streams new jobs delivered to this consumer with XREADGROUP. The
// channel is closed once ctx is done.
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)
	go func() {
		defer close(outCh)

		for ctx.Err() == nil {
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: r.consumer,
				Streams:  []string{r.stream, ">"}, // ">" means never delivered to this group
				Count:    1,
				Block:    r.block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						slog.Error("Dropping malformed job", "msgID", msg.ID, "error", err)
						// Ack so a poison message does not sit in the PEL forever.
						r.client.XAck(ctx, r.stream, r.group, msg.ID)
						continue
					}
					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, fmt.Errorf("missing job field")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	// Keep the stream ID so the job can be acknowledged later.
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge removes a delivered job from the Pending Entry List with XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Pending returns the number of delivered but unacknowledged jobs.
func (r *RedisQueue) Pending(ctx context.Context) (int64, error) {
	res, err := r.client.XPending(ctx, r.stream, r.group).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// Broadcast publishes a job result on the results channel.
func (r *RedisQueue) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// SubscribeLogs streams every broadcast result until ctx is done.
func (r *RedisQueue) SubscribeLogs(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.JobResult)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("Failed to unmarshal result", "error", err)
					continue
				}
				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

// Close releases the Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}
