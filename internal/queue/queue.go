package queue

import (
	"context"
	"errors"
)

// Backend types
const (
	TypeNATS   = "nats"
	TypeRedis  = "redis"
	TypeKafka  = "kafka"
	TypeMemory = "memory"
)

var (
	// ErrAlreadySubscribed is returned when a subject already has a handler
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned when unsubscribing an unknown subject
	ErrNotSubscribed = errors.New("not subscribed")

	// ErrClosed is returned by a queue after Close
	ErrClosed = errors.New("queue closed")
)

// Handler processes one delivered payload. Returning an error asks the
// backend to redeliver the message when it supports redelivery.
type Handler func(data []byte) error

// Publisher publishes messages to a queue
type Publisher interface {
	// Publish publishes a message to a subject/topic
	Publish(ctx context.Context, subject string, data []byte) error

	// Close closes the connection
	Close() error
}

// Subscriber subscribes to messages from a queue. Each subject has at most
// one handler per queue instance.
type Subscriber interface {
	Subscribe(subject string, handler Handler) error
	Unsubscribe(subject string) error
	Close() error
}

// Queue combines Publisher and Subscriber interfaces
type Queue interface {
	Publisher
	Subscriber
}
