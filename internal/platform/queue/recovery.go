package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/runnerd/internal/domain"
)

// StatusAbandoned is the result status of a job whose dispatcher died mid-flight.
const StatusAbandoned = "abandoned"

const recoveryConsumer = "recovery-agent"

// StartRecoveryRoutine periodically reclaims jobs that have been pending for
// longer than maxAge. It blocks until ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis recovery routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.ReclaimStale(ctx, maxAge); err != nil {
				if ctx.Err() == nil {
					slog.Error("Recovery routine failed", "error", err)
				}
			} else if n > 0 {
				slog.Info("Recovered stale jobs", "count", n)
			}
		}
	}
}

// ReclaimStale claims every job idle for at least maxAge with XAUTOCLAIM. A
// claimed job may already have reached a runner, so it is never run again:
// its submitter is told it was abandoned and the entry is acknowledged.
func (r *RedisQueue) ReclaimStale(ctx context.Context, maxAge time.Duration) (int, error) {
	start := "0-0"
	total := 0
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.stream,
			Group:    r.group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return total, err
		}

		for _, msg := range messages {
			slog.Warn("Stale job claimed by recovery agent", "msgID", msg.ID)
			result := domain.JobResult{
				NodeID: -1,
				Status: StatusAbandoned,
				Error:  "dispatcher stopped before reporting a result; the job was not re-run",
			}
			if job, err := decodeJob(msg); err == nil {
				result.JobID = job.ID
				if err := r.Broadcast(ctx, result); err != nil {
					slog.Error("Failed to broadcast abandoned job", "jobID", job.ID, "error", err)
				}
			}
			if err := r.Acknowledge(ctx, msg.ID); err != nil {
				return total, err
			}
			total++
		}

		if len(messages) == 0 || next == "0-0" {
			return total, nil
		}
		start = next
	}
}
