package fundreq

import (
	"context"
)

// Handler processes a fund request id taken off the queue.
type Handler func(ctx context.Context, requestID string) error

// Producer enqueues approved fund requests for the funding worker.
type Producer interface {
	Publish(ctx context.Context, requestID string) error
	Close() error
}

// Consumer drains fund request ids from the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue combines producer and consumer capabilities.
type Queue interface {
	Producer
	Consumer
}
