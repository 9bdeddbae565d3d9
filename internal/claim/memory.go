package claim

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type holder struct {
	owner   string
	expires time.Time
}

// MemoryClaimer keeps claims in process memory
type MemoryClaimer struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	claims map[string]holder
}

// NewMemoryClaimer creates an in-process claimer
func NewMemoryClaimer(ttl time.Duration) *MemoryClaimer {
	return &MemoryClaimer{ttl: ttl, now: time.Now, claims: make(map[string]holder)}
}

func (c *MemoryClaimer) Claim(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if h, ok := c.claims[name]; ok && now.Before(h.expires) && h.owner != owner {
		return fmt.Errorf("%s held by %s: %w", name, h.owner, ErrClaimed)
	}
	c.claims[name] = holder{owner: owner, expires: now.Add(c.ttl)}
	return nil
}

func (c *MemoryClaimer) Release(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.claims[name]
	if !ok || h.owner != owner || !c.now().Before(h.expires) {
		return fmt.Errorf("%s: %w", name, ErrNotHeld)
	}
	delete(c.claims, name)
	return nil
}

func (c *MemoryClaimer) Owner(ctx context.Context, name string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.claims[name]
	if !ok || !c.now().Before(h.expires) {
		return "", false, nil
	}
	return h.owner, true, nil
}

func (c *MemoryClaimer) Close() error {
	return nil
}
