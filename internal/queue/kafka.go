package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

// KafkaConfig represents Apache Kafka configuration
type KafkaConfig struct {
	Brokers       []string      // Kafka broker addresses
	GroupID       string        // Consumer group ID (default: "pgbalancer-group")
	BatchTimeout  time.Duration // Producer flush interval (default: 10ms)
	MaxAttempts   int           // Producer attempts per message (default: 3)
	CommitRetries int           // Consumer commit retries (default: 3)
	RetryBackoff  time.Duration // Backoff between commit retries (default: 100ms)
}

// KafkaQueue implements Queue on Kafka topics, one writer and at most one
// group reader per topic
type KafkaQueue struct {
	config  KafkaConfig
	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[string]*kafka.Reader
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	logger  *logging.Logger
}

// NewKafkaQueue validates the brokers and applies defaults. No connection
// is made until the first publish or subscribe.
func NewKafkaQueue(cfg KafkaConfig, logger *logging.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	return &KafkaQueue{
		config:  kafkaDefaults(cfg),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger,
	}, nil
}

func kafkaDefaults(cfg KafkaConfig) KafkaConfig {
	if cfg.GroupID == "" {
		cfg.GroupID = "pgbalancer-group"
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return cfg
}

func (q *KafkaQueue) writer(topic string) *kafka.Writer {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(q.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: q.config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  q.config.MaxAttempts,
	}
	q.writers[topic] = w
	return w
}

// Publish writes one message to the topic and waits for all replicas
func (q *KafkaQueue) Publish(ctx context.Context, subject string, data []byte) error {
	err := q.writer(subject).WriteMessages(ctx, kafka.Message{Value: data, Time: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", subject, err)
	}
	return nil
}

// Subscribe joins the consumer group on topic subject. Offsets are only
// committed after the handler succeeds.
func (q *KafkaQueue) Subscribe(subject string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.cancels[subject]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.config.Brokers,
		GroupID:  q.config.GroupID,
		Topic:    subject,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	q.readers[subject] = reader
	q.cancels[subject] = cancel

	q.wg.Add(1)
	go q.consume(ctx, reader, handler)
	return nil
}

func (q *KafkaQueue) consume(ctx context.Context, reader *kafka.Reader, handler Handler) {
	defer q.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("Fetch failed", "topic", reader.Config().Topic, "error", err)
			continue
		}

		if err := handler(msg.Value); err != nil {
			q.logger.Warn("Handler failed, offset not committed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}

		for i := 0; i < q.config.CommitRetries; i++ {
			if err := reader.CommitMessages(ctx, msg); err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(q.config.RetryBackoff)
		}
	}
}

// Unsubscribe stops the reader of subject
func (q *KafkaQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.cancels[subject]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	cancel()
	delete(q.cancels, subject)
	if r, ok := q.readers[subject]; ok {
		_ = r.Close()
		delete(q.readers, subject)
	}
	return nil
}

// Close stops all readers and flushes all writers
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	var lastErr error
	for subject, cancel := range q.cancels {
		cancel()
		if r, ok := q.readers[subject]; ok {
			if err := r.Close(); err != nil {
				lastErr = err
			}
		}
		delete(q.cancels, subject)
		delete(q.readers, subject)
	}
	for topic, w := range q.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
		delete(q.writers, topic)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return lastErr
}
