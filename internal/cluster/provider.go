package cluster

import (
	"context"
	"fmt"
)

// StateProvider supplies read-only, point-in-time dumps of the cluster
type StateProvider interface {
	OSDMap(ctx context.Context) (*Map, error)
	PGDump(ctx context.Context) (map[string]PGStat, error)
	HealthRatios(ctx context.Context) (HealthRatios, error)
	OSDStats(ctx context.Context) (map[int]OSDStat, error)
	Mapper() Mapper
}

// Capture queries the provider and builds a snapshot of the current state
func Capture(ctx context.Context, p StateProvider, desc string) (*Snapshot, error) {
	m, err := p.OSDMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get osdmap: %w", err)
	}
	stats, err := p.PGDump(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pg dump: %w", err)
	}
	return NewSnapshot(m, stats, p.Mapper(), desc)
}

// StaticMapper returns a fixed up set per PG regardless of weights. Upmap
// overrides in the map are still honoured.
type StaticMapper struct {
	Up map[string][]int
}

// MapPool implements Mapper
func (sm StaticMapper) MapPool(m *Map, pool Pool) (map[string][]int, error) {
	out := make(map[string][]int)
	for pgid, up := range sm.Up {
		pid, _, err := ParsePGID(pgid)
		if err != nil {
			return nil, err
		}
		if pid != pool.ID {
			continue
		}
		out[pgid] = ApplyUpmap(up, m.Upmaps[pgid], m.Devices)
	}
	return out, nil
}

// ApplyUpmap rewrites an up set with the pg-upmap-items of its PG. A pair
// is skipped when the target is unknown or already present.
func ApplyUpmap(up []int, items []UpmapItem, devices map[int]Device) []int {
	result := append([]int(nil), up...)
	for _, item := range items {
		if _, ok := devices[item.To]; !ok {
			continue
		}
		if contains(result, item.To) {
			continue
		}
		for i, osd := range result {
			if osd == item.From {
				result[i] = item.To
				break
			}
		}
	}
	return result
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
