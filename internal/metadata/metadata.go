package metadata

import (
	"context"
	"errors"
	"time"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// ErrNotFound is returned for archive lookups that match nothing
var ErrNotFound = errors.New("not found")

// Manager is the key-value store behind runtime settings and the plan
// archive. Get returns "" for absent keys.
type Manager interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)
	DeletePrefix(ctx context.Context, prefix string) error

	Close() error
}

var _ config.KV = Manager(nil)

// New returns an etcd manager when endpoints are configured and an
// in-memory store otherwise
func New(cfg config.EtcdConfig, logger *logging.Logger) (Manager, error) {
	if len(cfg.Endpoints) == 0 {
		logger.Info("No etcd endpoints, keeping settings in memory")
		return NewMemoryStore(), nil
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	return NewEtcdManager(cfg.Endpoints, dial, cfg.Username, cfg.Password)
}
