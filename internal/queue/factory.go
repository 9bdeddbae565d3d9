package queue

import (
	"fmt"
	"strings"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// New creates the queue backend selected by configuration.
// Default is NATS if type is not specified.
func New(cfg config.QueueConfig, logger *logging.Logger) (Queue, error) {
	logger = logger.Component("queue")

	switch strings.ToLower(cfg.Type) {
	case "", TypeNATS:
		return NewNATSQueue(NATSConfig{URL: cfg.URL, Username: cfg.Username, Password: cfg.Password}, logger)

	case TypeRedis:
		return NewRedisQueue(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		}, logger)

	case TypeKafka:
		return NewKafkaQueue(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
		}, logger)

	case TypeMemory:
		return NewMemoryQueue(logger), nil

	default:
		return nil, fmt.Errorf("unsupported queue type: %s (supported: nats, redis, kafka, memory)", cfg.Type)
	}
}
