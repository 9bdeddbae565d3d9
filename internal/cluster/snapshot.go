package cluster

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrOverlappingRoots is returned when two placement roots share a device
	ErrOverlappingRoots = errors.New("placement roots share devices")

	// ErrNoRoots is returned when pools exist but no rule takes any root
	ErrNoRoots = errors.New("pools exist but no placement roots were found")

	// ErrMissingStats is returned when a required stats dump is absent
	ErrMissingStats = errors.New("required stats are missing")
)

// OverlapError lists the devices that belong to more than one root
type OverlapError struct {
	Devices []int
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("some osds belong to multiple subtrees: %v", e.Devices)
}

// Unwrap allows errors.Is(err, ErrOverlappingRoots)
func (e *OverlapError) Unwrap() error {
	return ErrOverlappingRoots
}

// Mapper computes the up set of every PG of a pool for a given map. The
// placement algorithm itself is opaque to the balancer.
type Mapper interface {
	MapPool(m *Map, pool Pool) (map[string][]int, error)
}

// Snapshot is an immutable view of the cluster: placement map, PG stats and
// the lookup tables derived from them.
type Snapshot struct {
	Desc    string
	Map     *Map
	PGStats map[string]PGStat

	PoolIDs    []int64
	PGUp       map[string][]int
	PGUpByPool map[int64]map[string][]int

	Roots         []int
	RootsByPool   map[int64][]int
	PoolsByRoot   map[int][]int64
	DevicesByRoot map[int][]int
	TargetByRoot  map[int]map[int]float64

	mapper Mapper
}

// NewSnapshot maps every pool through the mapper and derives the per-pool
// and per-root tables. The map and stats must not be modified afterwards.
func NewSnapshot(m *Map, stats map[string]PGStat, mapper Mapper, desc string) (*Snapshot, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: placement map", ErrMissingStats)
	}
	if mapper == nil && len(m.Pools) > 0 {
		return nil, fmt.Errorf("no placement mapper for %d pools", len(m.Pools))
	}
	if stats == nil {
		stats = map[string]PGStat{}
	}

	s := &Snapshot{
		Desc:          desc,
		Map:           m,
		PGStats:       stats,
		PGUp:          make(map[string][]int),
		PGUpByPool:    make(map[int64]map[string][]int),
		RootsByPool:   make(map[int64][]int),
		PoolsByRoot:   make(map[int][]int64),
		DevicesByRoot: make(map[int][]int),
		TargetByRoot:  make(map[int]map[int]float64),
		mapper:        mapper,
	}

	for _, pool := range m.Pools {
		s.PoolIDs = append(s.PoolIDs, pool.ID)
		s.RootsByPool[pool.ID] = nil

		up, err := mapper.MapPool(m, pool)
		if err != nil {
			return nil, fmt.Errorf("failed to map pool %d: %w", pool.ID, err)
		}
		s.PGUpByPool[pool.ID] = up
		for pgid, osds := range up {
			s.PGUp[pgid] = osds
		}
	}

	for _, rootID := range m.Takes() {
		s.Roots = append(s.Roots, rootID)
		pools := m.PoolsByTake(rootID)
		s.PoolsByRoot[rootID] = pools
		for _, pid := range pools {
			s.RootsByPool[pid] = append(s.RootsByPool[pid], rootID)
		}

		root, _ := m.Root(rootID)
		devices := append([]int(nil), root.Devices...)
		sort.Ints(devices)
		s.DevicesByRoot[rootID] = devices
		s.TargetByRoot[rootID] = targetShares(m, devices)
	}

	if err := s.CheckRoots(); err != nil {
		return nil, err
	}
	return s, nil
}

// Project builds the snapshot that m would produce with the same PG stats
// and placement oracle as s
func (s *Snapshot) Project(m *Map, desc string) (*Snapshot, error) {
	return NewSnapshot(m, s.PGStats, s.mapper, desc)
}

// targetShares normalizes crush weight times admin weight over a root.
// Every device of the root gets an entry; those without crush weight get 0.
func targetShares(m *Map, devices []int) map[int]float64 {
	target := make(map[int]float64, len(devices))
	var sum float64
	for _, osd := range devices {
		var w float64
		if d, ok := m.Devices[osd]; ok && d.CrushWeight > 0 {
			w = d.CrushWeight * d.Weight
		}
		target[osd] = w
		sum += w
	}
	if sum == 0 {
		sum = 1.0
	}
	for osd, w := range target {
		target[osd] = w / sum
	}
	return target
}

// CheckRoots fails when any device is reachable from more than one root
func (s *Snapshot) CheckRoots() error {
	seen := make(map[int]bool)
	overlap := make(map[int]bool)
	for _, root := range s.Roots {
		for _, osd := range s.DevicesByRoot[root] {
			if seen[osd] {
				overlap[osd] = true
			}
			seen[osd] = true
		}
	}
	if len(overlap) == 0 {
		return nil
	}
	ids := make([]int, 0, len(overlap))
	for osd := range overlap {
		ids = append(ids, osd)
	}
	sort.Ints(ids)
	return &OverlapError{Devices: ids}
}

// MisplacedFrom returns the fraction of PGs in other whose up set differs
// in s. It is 0 when other has no PGs.
func (s *Snapshot) MisplacedFrom(other *Snapshot) float64 {
	if other == nil || len(other.PGUp) == 0 {
		return 0
	}
	misplaced := 0
	for pgid, before := range other.PGUp {
		if !sameUpSet(s.PGUp[pgid], before) {
			misplaced++
		}
	}
	return float64(misplaced) / float64(len(other.PGUp))
}

func sameUpSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PGStat returns the stats of one PG; missing PGs count as empty
func (s *Snapshot) PGStat(pgid string) PGStat {
	return s.PGStats[pgid]
}

// SnapshotDump is the serializable form of a snapshot
type SnapshotDump struct {
	Desc    string                  `json:"desc"`
	Map     *Map                    `json:"osdmap"`
	PGUp    map[string][]int        `json:"pg_up"`
	PGStats map[string]PGStat       `json:"pg_stat"`
	Roots   []int                   `json:"roots"`
	Targets map[int]map[int]float64 `json:"target_by_root"`
}

// Dump returns the serializable form of the snapshot
func (s *Snapshot) Dump() SnapshotDump {
	return SnapshotDump{
		Desc:    s.Desc,
		Map:     s.Map,
		PGUp:    s.PGUp,
		PGStats: s.PGStats,
		Roots:   s.Roots,
		Targets: s.TargetByRoot,
	}
}
