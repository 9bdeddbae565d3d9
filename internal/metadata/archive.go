package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/soltixdb/pgbalancer/internal/logging"
)

// PlanRecord is the archived outcome of one plan execution
type PlanRecord struct {
	Name       string    `json:"name"`
	Mode       string    `json:"mode"`
	Epoch      int64     `json:"epoch"`
	ExecutedAt time.Time `json:"executed_at"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	Score      float64   `json:"score"`
	Commands   []string  `json:"commands"`
}

// Archive keeps the most recent executed plans, snappy-compressed JSON
// under one key each
type Archive struct {
	store  Manager
	prefix string
	limit  int
	logger *logging.Logger
}

// NewArchive creates an archive under prefix holding at most limit records.
// A limit below 1 keeps everything.
func NewArchive(store Manager, prefix string, limit int, logger *logging.Logger) *Archive {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archive{store: store, prefix: prefix, limit: limit, logger: logger.Component("archive")}
}

// Record stores rec and prunes the oldest records beyond the limit
func (a *Archive) Record(ctx context.Context, rec *PlanRecord) error {
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal plan record: %w", err)
	}

	key := fmt.Sprintf("%s%020d-%s", a.prefix, rec.ExecutedAt.UnixNano(), rec.Name)
	if err := a.store.Put(ctx, key, string(snappy.Encode(nil, data))); err != nil {
		return fmt.Errorf("failed to archive plan %s: %w", rec.Name, err)
	}
	a.logger.Debug("Archived plan", "plan", rec.Name, "key", key, "raw", len(data))
	return a.prune(ctx)
}

func (a *Archive) prune(ctx context.Context) error {
	if a.limit < 1 {
		return nil
	}
	keys, err := a.keys(ctx)
	if err != nil {
		return err
	}
	for len(keys) > a.limit {
		if err := a.store.Delete(ctx, keys[0]); err != nil {
			return fmt.Errorf("failed to prune archive: %w", err)
		}
		keys = keys[1:]
	}
	return nil
}

// keys returns the record keys oldest first
func (a *Archive) keys(ctx context.Context) ([]string, error) {
	entries, err := a.store.GetPrefix(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns the archived records, newest first. Records that fail to
// decode are skipped.
func (a *Archive) List(ctx context.Context) ([]*PlanRecord, error) {
	entries, err := a.store.GetPrefix(ctx, a.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	out := make([]*PlanRecord, 0, len(keys))
	for _, k := range keys {
		rec, err := decodeRecord(entries[k])
		if err != nil {
			a.logger.Warn("Skipping unreadable plan record", "key", k, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the most recent record of plan name
func (a *Archive) Get(ctx context.Context, name string) (*PlanRecord, error) {
	records, err := a.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("plan %s: %w", name, ErrNotFound)
}

// Clear drops every record
func (a *Archive) Clear(ctx context.Context) error {
	return a.store.DeletePrefix(ctx, a.prefix)
}

func decodeRecord(raw string) (*PlanRecord, error) {
	data, err := snappy.Decode(nil, []byte(raw))
	if err != nil {
		return nil, err
	}
	var rec PlanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
