package metadata

import (
	"context"
	"os"
	"testing"
	"time"

	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
)

// setupTestEtcd starts an embedded etcd server on random ports
func setupTestEtcd(t *testing.T) []string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "etcd-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	cfg := embed.NewConfig()
	cfg.Dir = tmpDir
	cfg.ListenClientUrls, _ = types.NewURLs([]string{"http://127.0.0.1:0"})
	cfg.ListenPeerUrls, _ = types.NewURLs([]string{"http://127.0.0.1:0"})
	cfg.LogLevel = "error"
	cfg.Logger = "zap"

	e, err := embed.StartEtcd(cfg)
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		t.Fatalf("Failed to start etcd: %v", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(5 * time.Second):
		e.Close()
		_ = os.RemoveAll(tmpDir)
		t.Fatal("Etcd server took too long to start")
	}

	t.Cleanup(func() {
		e.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return []string{e.Clients[0].Addr().String()}
}

func newTestManager(t *testing.T) *EtcdManager {
	t.Helper()
	m, err := NewEtcdManager(setupTestEtcd(t), 5*time.Second, "", "")
	if err != nil {
		t.Fatalf("Failed to create EtcdManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestEtcdManager_KeyValue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Put(ctx, "/pgbalancer/config/balancer/mode", "upmap"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(ctx, "/pgbalancer/config/balancer/active", "1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	v, err := m.Get(ctx, "/pgbalancer/config/balancer/mode")
	if err != nil || v != "upmap" {
		t.Errorf("expected upmap, got %q %v", v, err)
	}
	if v, _ := m.Get(ctx, "/pgbalancer/none"); v != "" {
		t.Errorf("absent key should read empty, got %q", v)
	}

	all, err := m.GetPrefix(ctx, "/pgbalancer/config/")
	if err != nil {
		t.Fatalf("GetPrefix failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 keys, got %v", all)
	}

	if err := m.Delete(ctx, "/pgbalancer/config/balancer/mode"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if v, _ := m.Get(ctx, "/pgbalancer/config/balancer/mode"); v != "" {
		t.Errorf("deleted key should read empty, got %q", v)
	}

	if err := m.DeletePrefix(ctx, "/pgbalancer/"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if all, _ := m.GetPrefix(ctx, "/pgbalancer/"); len(all) != 0 {
		t.Errorf("expected nothing left, got %v", all)
	}
	if v, _ := m.Get(ctx, "/pgbalancer/config/balancer/active"); v != "" {
		t.Errorf("cache must be invalidated by DeletePrefix, got %q", v)
	}
}

func TestEtcdManager_BacksSettings(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s := config.NewSettings("/pgbalancer/config/watcher/", config.DefaultWatcherConfig(), m)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := s.Set(ctx, "window_width", "30"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	restored := config.NewSettings("/pgbalancer/config/watcher/", config.DefaultWatcherConfig(), m)
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if v, _ := restored.Get("window_width"); v != "30" {
		t.Errorf("expected the persisted value 30, got %s", v)
	}
}

func TestEtcdManager_Archive(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	a := NewArchive(m, "/pgbalancer/plans", 2, logging.NewNop())

	for _, name := range []string{"a", "b", "c"} {
		if err := a.Record(ctx, &PlanRecord{Name: name, Result: "ok"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	records, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 2 || records[0].Name != "c" {
		t.Errorf("expected c and b, got %d records", len(records))
	}
}

func TestNew_MemoryWithoutEndpoints(t *testing.T) {
	m, err := New(config.EtcdConfig{}, logging.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := m.(*MemoryStore); !ok {
		t.Errorf("expected a memory store, got %T", m)
	}
}
