package metadata

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdManager implements Manager using etcd
type EtcdManager struct {
	client *clientv3.Client
	cache  *KVCache
}

// NewEtcdManager connects to etcd
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, username, password string) (*EtcdManager, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdManager{
		client: client,
		cache:  NewKVCache(30 * time.Second),
	}, nil
}

// Client exposes the etcd client for lease based claims
func (m *EtcdManager) Client() *clientv3.Client {
	return m.client
}

// Get retrieves a value by key
func (m *EtcdManager) Get(ctx context.Context, key string) (string, error) {
	if cached, ok := m.cache.Get(key); ok {
		return cached, nil
	}

	resp, err := m.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return "", nil
	}

	value := string(resp.Kvs[0].Value)
	m.cache.Set(key, value)
	return value, nil
}

// Put stores a key-value pair
func (m *EtcdManager) Put(ctx context.Context, key, value string) error {
	if _, err := m.client.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	m.cache.Set(key, value)
	return nil
}

// Delete removes a key
func (m *EtcdManager) Delete(ctx context.Context, key string) error {
	if _, err := m.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	m.cache.Delete(key)
	return nil
}

// GetPrefix retrieves all keys with a given prefix. It always reads
// through to etcd and refreshes the cache.
func (m *EtcdManager) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := m.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get prefix: %w", err)
	}

	result := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = string(kv.Value)
		m.cache.Set(string(kv.Key), string(kv.Value))
	}
	return result, nil
}

// DeletePrefix removes every key under prefix
func (m *EtcdManager) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := m.client.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		return fmt.Errorf("failed to delete prefix: %w", err)
	}
	m.cache.DeletePrefix(prefix)
	return nil
}

// Close stops the cache and closes the client
func (m *EtcdManager) Close() error {
	m.cache.Stop()
	return m.client.Close()
}
