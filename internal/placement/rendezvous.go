package placement

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/soltixdb/pgbalancer/internal/cluster"
)

// Mapper places PGs with weighted rendezvous hashing (HRW). Every device of
// the rule's root draws a score weight / -ln(u) from a hash of the PG id and
// device id; the PG goes to the highest-scoring devices. A device's share of
// first replicas is proportional to its effective weight, and changing one
// device's weight only moves PGs to or from that device.
//
// Effective weight is the compat weight-set value (or crush weight when no
// weight-set exists) times the admin reweight. Devices that are out or have
// zero weight never receive PGs; devices that are down are dropped from the
// up set after selection.
type Mapper struct{}

// New creates a rendezvous mapper
func New() *Mapper {
	return &Mapper{}
}

// candidate is a device with its effective weight and draw
type candidate struct {
	id     int
	weight float64
	score  float64
}

// MapPool computes the up set of every PG of the pool
func (mp *Mapper) MapPool(m *cluster.Map, pool cluster.Pool) (map[string][]int, error) {
	rule, ok := m.Rule(pool.CrushRule)
	if !ok {
		return nil, fmt.Errorf("pool %d references unknown rule %d", pool.ID, pool.CrushRule)
	}
	size := pool.Size
	if size <= 0 {
		size = 1
	}

	// eligible devices per take, built once per pool
	takes := make([][]candidate, 0, len(rule.Takes))
	for _, rootID := range rule.Takes {
		root, ok := m.Root(rootID)
		if !ok {
			return nil, fmt.Errorf("rule %d takes unknown root %d", rule.ID, rootID)
		}
		takes = append(takes, eligible(m, root))
	}

	out := make(map[string][]int, pool.PGNum)
	for seed := 0; seed < pool.PGNum; seed++ {
		pgid := cluster.PGID(pool.ID, seed)
		var raw []int
		for _, devices := range takes {
			if len(raw) >= size {
				break
			}
			for _, c := range rank(pgid, devices) {
				if len(raw) >= size {
					break
				}
				raw = append(raw, c.id)
			}
		}
		raw = cluster.ApplyUpmap(raw, m.Upmaps[pgid], m.Devices)

		up := raw[:0]
		for _, osd := range raw {
			if m.Devices[osd].Up {
				up = append(up, osd)
			}
		}
		out[pgid] = up
	}
	return out, nil
}

func eligible(m *cluster.Map, root cluster.Root) []candidate {
	devices := make([]candidate, 0, len(root.Devices))
	for _, osd := range root.Devices {
		d, ok := m.Devices[osd]
		if !ok || !d.In {
			continue
		}
		ws := d.CrushWeight
		if w, ok := m.WeightSet[osd]; ok {
			ws = w
		}
		weight := ws * d.Weight
		if weight <= 0 {
			continue
		}
		devices = append(devices, candidate{id: osd, weight: weight})
	}
	return devices
}

// rank returns the candidates ordered by descending weighted score for the
// given PG. Ties break on the lower device id.
func rank(pgid string, devices []candidate) []candidate {
	ranked := make([]candidate, len(devices))
	for i, c := range devices {
		c.score = weightedScore(pgid, c.id, c.weight)
		ranked[i] = c
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].id < ranked[j].id
		}
		return ranked[i].score > ranked[j].score
	})
	return ranked
}

func weightedScore(pgid string, osd int, weight float64) float64 {
	h := xxhash.New()
	_, _ = h.WriteString(pgid)
	_, _ = h.WriteString("::")
	_, _ = h.WriteString(strconv.Itoa(osd))
	sum := h.Sum64()
	// map to (0,1]; avoid log(0)
	u := float64(sum) / float64(math.MaxUint64)
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	if u >= 1 {
		u = math.Nextafter(1, 0)
	}
	return weight / -math.Log(u)
}
