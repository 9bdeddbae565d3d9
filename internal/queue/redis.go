package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

// RedisConfig represents Redis Streams configuration
type RedisConfig struct {
	URL      string        // redis://host:port or host:port
	Password string        // Optional password
	DB       int           // Database number
	Stream   string        // Stream prefix (default: "pgbalancer")
	Group    string        // Consumer group (default: "pgbalancer-group")
	Consumer string        // Consumer name (default: hostname)
	Block    time.Duration // XREADGROUP block time (default: 1s)
}

// RedisQueue implements Queue on Redis Streams with one consumer group
type RedisQueue struct {
	client  *redis.Client
	config  RedisConfig
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	logger  *logging.Logger
}

// NewRedisQueue connects to Redis and applies defaults
func NewRedisQueue(cfg RedisConfig, logger *logging.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.URL, Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client:  client,
		config:  redisDefaults(cfg),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger,
	}, nil
}

func redisDefaults(cfg RedisConfig) RedisConfig {
	if cfg.Stream == "" {
		cfg.Stream = "pgbalancer"
	}
	if cfg.Group == "" {
		cfg.Group = "pgbalancer-group"
	}
	if cfg.Consumer == "" {
		cfg.Consumer, _ = os.Hostname()
		if cfg.Consumer == "" {
			cfg.Consumer = "consumer-1"
		}
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	return cfg
}

// streamName converts a subject to a Redis stream name
func (q *RedisQueue) streamName(subject string) string {
	return q.config.Stream + ":" + subject
}

// Publish appends a message to the subject's stream
func (q *RedisQueue) Publish(ctx context.Context, subject string, data []byte) error {
	stream := q.streamName(subject)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis stream %s: %w", stream, err)
	}
	return nil
}

// Subscribe creates the consumer group if needed and starts reading
func (q *RedisQueue) Subscribe(subject string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.cancels[subject]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, subject)
	}

	stream := q.streamName(subject)
	ctx, cancel := context.WithCancel(context.Background())
	err := q.client.XGroupCreateMkStream(ctx, stream, q.config.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		cancel()
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	q.cancels[subject] = cancel
	q.wg.Add(1)
	go q.read(ctx, stream, handler)
	return nil
}

// read consumes new entries of stream until ctx is done. Entries whose
// handler fails stay pending in the group.
func (q *RedisQueue) read(ctx context.Context, stream string, handler Handler) {
	defer q.wg.Done()

	for ctx.Err() == nil {
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.config.Group,
			Consumer: q.config.Consumer,
			Streams:  []string{stream, ">"},
			Count:    100,
			Block:    q.config.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("Stream read failed", "stream", stream, "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				data, ok := msg.Values["data"].(string)
				if ok {
					if err := handler([]byte(data)); err != nil {
						q.logger.Warn("Handler failed, leaving entry pending", "stream", stream, "id", msg.ID, "error", err)
						continue
					}
				}
				q.client.XAck(ctx, stream, q.config.Group, msg.ID)
			}
		}
	}
}

// Unsubscribe stops reading subject
func (q *RedisQueue) Unsubscribe(subject string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cancel, ok := q.cancels[subject]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, subject)
	}
	cancel()
	delete(q.cancels, subject)
	return nil
}

// Close stops all readers and closes the client
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	for subject, cancel := range q.cancels {
		cancel()
		delete(q.cancels, subject)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return q.client.Close()
}
