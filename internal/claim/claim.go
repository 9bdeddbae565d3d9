package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/metadata"
)

// Claim backends
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
	BackendRedis  = "redis"
)

var (
	// ErrClaimed is returned when another owner holds the name
	ErrClaimed = errors.New("plan name is already claimed")
	// ErrNotHeld is returned when releasing a claim the owner does not hold
	ErrNotHeld = errors.New("claim is not held")
)

// Claimer grants one owner at a time the right to a plan name for the
// duration of an optimize and execute cycle. Claims expire after the TTL
// so a crashed owner cannot block a name forever.
type Claimer interface {
	Claim(ctx context.Context, name, owner string) error
	Release(ctx context.Context, name, owner string) error
	Owner(ctx context.Context, name string) (string, bool, error)
	Close() error
}

// New builds the configured claimer. The etcd backend shares the client of
// the metadata manager.
func New(cfg config.ClaimConfig, meta metadata.Manager, prefix string, logger *logging.Logger) (Claimer, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryClaimer(ttl), nil
	case BackendEtcd:
		em, ok := meta.(*metadata.EtcdManager)
		if !ok {
			return nil, fmt.Errorf("claim backend etcd needs etcd endpoints")
		}
		return NewEtcdClaimer(em.Client(), prefix, ttl, logger), nil
	case BackendRedis:
		return NewRedisClaimer(cfg.RedisAddr, cfg.RedisDB, prefix, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown claim backend %q", cfg.Backend)
	}
}
