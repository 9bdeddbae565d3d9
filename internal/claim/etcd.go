package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

// EtcdClaimer claims names with a key bound to a lease. The key is only
// created when absent, and deleted only by its owner.
type EtcdClaimer struct {
	client *clientv3.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdClaimer creates a claimer on an existing client
func NewEtcdClaimer(client *clientv3.Client, prefix string, ttl time.Duration, logger *logging.Logger) *EtcdClaimer {
	return &EtcdClaimer{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.Component("claim"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

func (c *EtcdClaimer) key(name string) string {
	return c.prefix + name
}

func (c *EtcdClaimer) Claim(ctx context.Context, name, owner string) error {
	seconds := int64(c.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := c.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	key := c.key(name)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, owner, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		_, _ = c.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("failed to claim %s: %w", name, err)
	}
	if resp.Succeeded {
		c.mu.Lock()
		c.leases[name] = lease.ID
		c.mu.Unlock()
		c.logger.Debug("Claimed", "plan", name, "owner", owner, "lease", int64(lease.ID))
		return nil
	}

	_, _ = c.client.Revoke(ctx, lease.ID)
	held := ""
	if kvs := resp.Responses[0].GetResponseRange().Kvs; len(kvs) > 0 {
		held = string(kvs[0].Value)
	}
	if held == owner {
		return nil
	}
	return fmt.Errorf("%s held by %s: %w", name, held, ErrClaimed)
}

func (c *EtcdClaimer) Release(ctx context.Context, name, owner string) error {
	key := c.key(name)
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", owner)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", name, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%s: %w", name, ErrNotHeld)
	}

	c.mu.Lock()
	lease, ok := c.leases[name]
	delete(c.leases, name)
	c.mu.Unlock()
	if ok {
		if _, err := c.client.Revoke(ctx, lease); err != nil {
			c.logger.Warn("Failed to revoke lease", "plan", name, "error", err)
		}
	}
	return nil
}

func (c *EtcdClaimer) Owner(ctx context.Context, name string) (string, bool, error) {
	resp, err := c.client.Get(ctx, c.key(name))
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Close leaves the shared client open
func (c *EtcdClaimer) Close() error {
	return nil
}
