package domain

import "context"

// JobQueue defines the contract for a distributed job queue.
// It decouples the front-end from the underlying message broker.
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Subscribe returns a read-only channel that streams jobs from the queue.
	// It handles the details of consumer groups internally.
	Subscribe(ctx context.Context) (<-chan Job, error)

	// Acknowledge confirms that a job has been handled.
	// This removes it from the Pending Entry List (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// Broadcast publishes a job result to the Pub/Sub channel.
	Broadcast(ctx context.Context, result JobResult) error

	// SubscribeLogs returns a channel that streams results from all dispatchers.
	SubscribeLogs(ctx context.Context) (<-chan JobResult, error)
}
