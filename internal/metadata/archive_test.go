package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/snappy"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

func TestArchive_RecordAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewArchive(store, "/pgbalancer/plans", 3, logging.NewNop())

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, name := range []string{"p0", "p1", "p2", "p3", "p1"} {
		rec := &PlanRecord{
			Name:       name,
			Mode:       "upmap",
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
			Result:     "ok",
			Score:      float64(i) / 10,
			Commands:   []string{"ceph osd pg-upmap-items 1.0 0 1"},
		}
		if err := a.Record(ctx, rec); err != nil {
			t.Fatalf("Record(%s) failed: %v", name, err)
		}
	}

	records, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records after pruning, got %d", len(records))
	}
	if records[0].Name != "p1" || records[1].Name != "p3" || records[2].Name != "p2" {
		t.Errorf("expected newest first, got %s %s %s", records[0].Name, records[1].Name, records[2].Name)
	}

	rec, err := a.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Score != 0.4 {
		t.Errorf("expected the latest p1 record, got score %f", rec.Score)
	}
	if _, err := a.Get(ctx, "p0"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pruned record should be gone, got %v", err)
	}
}

func TestArchive_StoresCompressed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewArchive(store, "/plans/", 0, logging.NewNop())

	if err := a.Record(ctx, &PlanRecord{Name: "x", Result: "ok"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entries, _ := store.GetPrefix(ctx, "/plans/")
	if len(entries) != 1 {
		t.Fatalf("expected one key, got %d", len(entries))
	}
	for _, raw := range entries {
		if _, err := snappy.Decode(nil, []byte(raw)); err != nil {
			t.Errorf("stored value is not snappy encoded: %v", err)
		}
	}

	// garbage under the prefix is skipped
	_ = store.Put(ctx, "/plans/zzz", "not snappy")
	records, err := a.List(ctx)
	if err != nil || len(records) != 1 {
		t.Errorf("expected one readable record, got %d %v", len(records), err)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if records, _ := a.List(ctx); len(records) != 0 {
		t.Errorf("expected empty archive, got %d", len(records))
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "/a/1", "x")
	_ = s.Put(ctx, "/a/2", "y")
	_ = s.Put(ctx, "/b/1", "z")

	if v, _ := s.Get(ctx, "/missing"); v != "" {
		t.Errorf("absent key should read empty, got %q", v)
	}
	got, _ := s.GetPrefix(ctx, "/a/")
	if len(got) != 2 || got["/a/2"] != "y" {
		t.Errorf("unexpected prefix read %v", got)
	}
	_ = s.Delete(ctx, "/a/1")
	_ = s.DeletePrefix(ctx, "/b/")
	got, _ = s.GetPrefix(ctx, "/")
	if len(got) != 1 {
		t.Errorf("expected only /a/2 left, got %v", got)
	}
}
