package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

// NATSConfig represents the NATS JetStream connection options
type NATSConfig struct {
	URL          string
	Username     string
	Password     string
	StreamPrefix string        // default "PGBALANCER"
	AckWait      time.Duration // default 30s
	MaxDeliver   int           // default 3
}

// NATSQueue implements Queue on NATS JetStream. Every subject gets its own
// work-queue stream so a message is consumed once.
type NATSQueue struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	config  NATSConfig
	mu      sync.Mutex
	streams map[string]bool
	subs    map[string]*nats.Subscription
	logger  *logging.Logger
}

// NewNATSQueue connects to NATS and enables JetStream
func NewNATSQueue(cfg NATSConfig, logger *logging.Logger) (*NATSQueue, error) {
	var opts []nats.Option
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	q, err := newNATSQueueWithConn(conn, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func newNATSQueueWithConn(conn *nats.Conn, cfg NATSConfig, logger *logging.Logger) (*NATSQueue, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "PGBALANCER"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	return &NATSQueue{
		conn:    conn,
		js:      js,
		config:  cfg,
		streams: make(map[string]bool),
		subs:    make(map[string]*nats.Subscription),
		logger:  logger,
	}, nil
}

// streamName derives the stream of a subject
func (q *NATSQueue) streamName(subject string) string {
	return q.config.StreamPrefix + "_" + sanitizeName(subject)
}

// ensureStream creates the work-queue stream of subject once
func (q *NATSQueue) ensureStream(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.streams[subject] {
		return nil
	}
	name := q.streamName(subject)
	if _, err := q.js.StreamInfo(name); err != nil {
		_, err = q.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream for subject %s: %w", subject, err)
		}
	}
	q.streams[subject] = true
	return nil
}

// Publish stores a message in the subject's stream and waits for the ack
func (q *NATSQueue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := q.ensureStream(subject); err != nil {
		return err
	}
	if _, err := q.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to subject %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches a durable consumer with explicit acks. A failing
// handler NAKs the message, which is redelivered up to MaxDeliver times.
func (q *NATSQueue) Subscribe(subject string, handler Handler) error {
	if err := q.ensureStream(subject); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.subs[subject]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, subject)
	}

	sub, err := q.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			q.logger.Warn("Handler failed, requesting redelivery", "subject", subject, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable("consumer-"+sanitizeName(subject)),
		nats.ManualAck(),
		nats.AckWait(q.config.AckWait),
		nats.MaxDeliver(q.config.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	q.subs[subject] = sub
	return nil
}

// Unsubscribe drops the consumer of subject
func (q *NATSQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub, ok := q.subs[subject]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	delete(q.subs, subject)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from subject %s: %w", subject, err)
	}
	return nil
}

// Close drains the subscriptions and closes the connection
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for subject, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil {
			q.logger.Warn("Unsubscribe failed", "subject", subject, "error", err)
		}
		delete(q.subs, subject)
	}
	q.conn.Close()
	return nil
}

// sanitizeName keeps A-Z, a-z, 0-9, dash and underscore
func sanitizeName(subject string) string {
	out := []byte(subject)
	for i, c := range out {
		ok := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}
