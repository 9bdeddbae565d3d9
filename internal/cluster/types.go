package cluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Pool describes a data pool and the placement rule it uses
type Pool struct {
	ID        int64  `json:"pool" yaml:"id"`
	Name      string `json:"pool_name" yaml:"name"`
	CrushRule int    `json:"crush_rule" yaml:"crush_rule"`
	Size      int    `json:"size" yaml:"size"`
	PGNum     int    `json:"pg_num" yaml:"pg_num"`
}

// Device is a single storage device (OSD) as seen in the placement map
type Device struct {
	ID              int     `json:"osd" yaml:"id"`
	Class           string  `json:"device_class" yaml:"class"`
	CrushWeight     float64 `json:"crush_weight" yaml:"crush_weight"`
	Weight          float64 `json:"weight" yaml:"weight"` // admin reweight in [0,1]
	Up              bool    `json:"up" yaml:"up"`
	In              bool    `json:"in" yaml:"in"`
	PrimaryAffinity float64 `json:"primary_affinity" yaml:"primary_affinity"`
}

// Root is a top-level placement subtree
type Root struct {
	ID      int    `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Devices []int  `json:"devices" yaml:"devices"`
}

// Rule is a placement rule; each take names a root
type Rule struct {
	ID    int    `json:"rule_id" yaml:"id"`
	Name  string `json:"rule_name" yaml:"name"`
	Takes []int  `json:"takes" yaml:"takes"`
}

// UpmapItem remaps one replica of a PG from one device to another
type UpmapItem struct {
	From int `json:"from" yaml:"from"`
	To   int `json:"to" yaml:"to"`
}

// Map is a point-in-time dump of the placement map: pools, devices,
// topology roots, rules, the compat weight-set and explicit overrides.
type Map struct {
	Epoch        int64                  `json:"epoch" yaml:"epoch"`
	CrushVersion int64                  `json:"crush_version" yaml:"crush_version"`
	Pools        []Pool                 `json:"pools" yaml:"pools"`
	Devices      map[int]Device         `json:"osds" yaml:"devices"`
	Roots        []Root                 `json:"roots" yaml:"roots"`
	Rules        []Rule                 `json:"rules" yaml:"rules"`
	WeightSet    map[int]float64        `json:"compat_weight_set,omitempty" yaml:"compat_weight_set,omitempty"`
	Upmaps       map[string][]UpmapItem `json:"pg_upmap_items,omitempty" yaml:"pg_upmap_items,omitempty"`
}

// HasCompatWeightSet reports whether the compat weight-set exists
func (m *Map) HasCompatWeightSet() bool {
	return m.WeightSet != nil
}

// CompatWeights returns the current compat weight-set values, falling back
// to crush weights for devices that have no weight-set entry.
func (m *Map) CompatWeights() map[int]float64 {
	ws := make(map[int]float64, len(m.Devices))
	for id, d := range m.Devices {
		if id < 0 {
			continue
		}
		if w, ok := m.WeightSet[id]; ok {
			ws[id] = w
		} else {
			ws[id] = d.CrushWeight
		}
	}
	return ws
}

// Rule returns the rule with the given id
func (m *Map) Rule(id int) (Rule, bool) {
	for _, r := range m.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Root returns the root with the given id
func (m *Map) Root(id int) (Root, bool) {
	for _, r := range m.Roots {
		if r.ID == id {
			return r, true
		}
	}
	return Root{}, false
}

// RootWeight is the nominal crush weight of a root: the sum of the crush
// weights of its devices.
func (m *Map) RootWeight(id int) float64 {
	root, ok := m.Root(id)
	if !ok {
		return 0
	}
	var sum float64
	for _, osd := range root.Devices {
		sum += m.Devices[osd].CrushWeight
	}
	return sum
}

// Takes returns every distinct root referenced by a rule, in root order
func (m *Map) Takes() []int {
	used := make(map[int]bool)
	for _, r := range m.Rules {
		for _, t := range r.Takes {
			used[t] = true
		}
	}
	var takes []int
	for _, r := range m.Roots {
		if used[r.ID] {
			takes = append(takes, r.ID)
		}
	}
	return takes
}

// PoolsByTake returns the ids of the pools whose rule takes the given root
func (m *Map) PoolsByTake(root int) []int64 {
	var ids []int64
	for _, p := range m.Pools {
		rule, ok := m.Rule(p.CrushRule)
		if !ok {
			continue
		}
		for _, t := range rule.Takes {
			if t == root {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return ids
}

// DeviceIDs returns all device ids in ascending order
func (m *Map) DeviceIDs() []int {
	ids := make([]int, 0, len(m.Devices))
	for id := range m.Devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Clone returns a deep copy of the map
func (m *Map) Clone() *Map {
	c := &Map{
		Epoch:        m.Epoch,
		CrushVersion: m.CrushVersion,
		Pools:        append([]Pool(nil), m.Pools...),
		Devices:      make(map[int]Device, len(m.Devices)),
	}
	for id, d := range m.Devices {
		c.Devices[id] = d
	}
	for _, r := range m.Roots {
		r.Devices = append([]int(nil), r.Devices...)
		c.Roots = append(c.Roots, r)
	}
	for _, r := range m.Rules {
		r.Takes = append([]int(nil), r.Takes...)
		c.Rules = append(c.Rules, r)
	}
	if m.WeightSet != nil {
		c.WeightSet = make(map[int]float64, len(m.WeightSet))
		for id, w := range m.WeightSet {
			c.WeightSet[id] = w
		}
	}
	if m.Upmaps != nil {
		c.Upmaps = make(map[string][]UpmapItem, len(m.Upmaps))
		for pg, items := range m.Upmaps {
			c.Upmaps[pg] = append([]UpmapItem(nil), items...)
		}
	}
	return c
}

// PGStat holds the per-PG statistics the evaluator consumes
type PGStat struct {
	Objects int64  `json:"num_objects" yaml:"objects"`
	Bytes   int64  `json:"num_bytes" yaml:"bytes"`
	State   string `json:"state,omitempty" yaml:"state,omitempty"`
}

// OSDStat holds capacity and latency counters for one device
type OSDStat struct {
	KB              int64   `json:"kb" yaml:"kb"`
	KBUsed          int64   `json:"kb_used" yaml:"kb_used"`
	KBAvail         int64   `json:"kb_avail" yaml:"kb_avail"`
	ApplyLatencyMs  float64 `json:"apply_latency_ms" yaml:"apply_latency_ms"`
	CommitLatencyMs float64 `json:"commit_latency_ms" yaml:"commit_latency_ms"`
}

// Latency is the composite latency used by the watcher
func (s OSDStat) Latency() float64 {
	if s.ApplyLatencyMs > s.CommitLatencyMs {
		return s.ApplyLatencyMs
	}
	return s.CommitLatencyMs
}

// HealthRatios are the cluster-wide PG health fractions, each in [0,1]
type HealthRatios struct {
	Unknown   float64 `json:"unknown_pgs_ratio" yaml:"unknown"`
	Degraded  float64 `json:"degraded_ratio" yaml:"degraded"`
	Inactive  float64 `json:"inactive_pgs_ratio" yaml:"inactive"`
	Misplaced float64 `json:"misplaced_ratio" yaml:"misplaced"`
}

// Clean reports whether every ratio is exactly zero
func (h HealthRatios) Clean() bool {
	return h.Unknown == 0 && h.Degraded == 0 && h.Inactive == 0 && h.Misplaced == 0
}

// PGID formats a placement group id as "<pool>.<seed hex>"
func PGID(pool int64, seed int) string {
	return fmt.Sprintf("%d.%x", pool, seed)
}

// ParsePGID splits a PG id into its pool and seed
func ParsePGID(pgid string) (int64, int, error) {
	dot := strings.IndexByte(pgid, '.')
	if dot <= 0 || dot == len(pgid)-1 {
		return 0, 0, fmt.Errorf("invalid pgid %q", pgid)
	}
	pool, err := strconv.ParseInt(pgid[:dot], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pgid %q: %w", pgid, err)
	}
	seed, err := strconv.ParseInt(pgid[dot+1:], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pgid %q: %w", pgid, err)
	}
	return pool, int(seed), nil
}
