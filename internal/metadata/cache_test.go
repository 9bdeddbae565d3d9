package metadata

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestKVCache_SetGetDelete(t *testing.T) {
	c := NewKVCache(time.Minute)
	defer c.Stop()

	c.Set("/cfg/balancer/mode", "upmap")
	c.Set("/cfg/balancer/active", "1")
	c.Set("/cfg/watcher/active", "0")

	if v, ok := c.Get("/cfg/balancer/mode"); !ok || v != "upmap" {
		t.Errorf("expected upmap, got %q %v", v, ok)
	}
	if _, ok := c.Get("/cfg/missing"); ok {
		t.Error("absent key must miss")
	}

	c.Delete("/cfg/balancer/mode")
	if _, ok := c.Get("/cfg/balancer/mode"); ok {
		t.Error("deleted key must miss")
	}

	c.DeletePrefix("/cfg/balancer/")
	if c.Len() != 1 {
		t.Errorf("expected only the watcher key left, got %d", c.Len())
	}
}

func TestKVCache_Expiry(t *testing.T) {
	c := NewKVCache(20 * time.Millisecond)
	defer c.Stop()

	c.Set("k", "v")
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry must miss")
	}
	if c.Len() != 1 {
		t.Errorf("expired entries stay until swept, got %d", c.Len())
	}
	c.evictExpired(time.Now())
	if c.Len() != 0 {
		t.Errorf("expected the sweep to evict, got %d", c.Len())
	}
	c.Stop()
}

func TestKVCache_ConcurrentAccess(t *testing.T) {
	c := NewKVCache(time.Minute)
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("/k/%d/%d", n, j)
				c.Set(key, "v")
				c.Get(key)
				if j%10 == 0 {
					c.DeletePrefix(fmt.Sprintf("/k/%d/", n))
				}
			}
		}(i)
	}
	wg.Wait()
}
