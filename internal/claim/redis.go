package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// RedisClaimer claims names with SET NX PX and releases them with a
// compare-and-delete script
type RedisClaimer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisClaimer connects to redis at addr
func NewRedisClaimer(addr string, db int, prefix string, ttl time.Duration, logger *logging.Logger) (*RedisClaimer, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisClaimer{client: client, prefix: prefix, ttl: ttl, logger: logger.Component("claim")}, nil
}

func (c *RedisClaimer) key(name string) string {
	return c.prefix + name
}

func (c *RedisClaimer) Claim(ctx context.Context, name, owner string) error {
	ok, err := c.client.SetNX(ctx, c.key(name), owner, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}
	if ok {
		c.logger.Debug("Claimed", "plan", name, "owner", owner)
		return nil
	}

	held, found, err := c.Owner(ctx, name)
	if err != nil {
		return err
	}
	if found && held == owner {
		return c.client.PExpire(ctx, c.key(name), c.ttl).Err()
	}
	return fmt.Errorf("%s held by %s: %w", name, held, ErrClaimed)
}

func (c *RedisClaimer) Release(ctx context.Context, name, owner string) error {
	res, err := releaseScript.Run(ctx, c.client, []string{c.key(name)}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return fmt.Errorf("%s: %w", name, ErrNotHeld)
	}
	return nil
}

func (c *RedisClaimer) Owner(ctx context.Context, name string) (string, bool, error) {
	owner, err := c.client.Get(ctx, c.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim %s: %w", name, err)
	}
	return owner, true, nil
}

func (c *RedisClaimer) Close() error {
	return c.client.Close()
}
