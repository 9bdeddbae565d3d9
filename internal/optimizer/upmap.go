package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

// UpmapConfig holds the placement override options
type UpmapConfig struct {
	MaxIterations int
	MaxDeviation  float64
	Seed          int64
}

// UpmapConfigFrom extracts the placement override options
func UpmapConfigFrom(cfg config.BalancerConfig) UpmapConfig {
	return UpmapConfig{
		MaxIterations: cfg.UpmapMaxIterations,
		MaxDeviation:  cfg.UpmapMaxDeviation,
		Seed:          cfg.Seed,
	}
}

// UpmapResult summarizes one placement override pass
type UpmapResult struct {
	Pools int `json:"pools"`
	Moves int `json:"moves"`
}

// UpmapOptimizer moves single PG replicas from the fullest device of a root
// to the emptiest one with explicit placement overrides
type UpmapOptimizer struct {
	cfg    UpmapConfig
	rng    *rand.Rand
	logger *logging.Logger
}

// NewUpmapOptimizer creates a placement override optimizer
func NewUpmapOptimizer(cfg UpmapConfig, logger *logging.Logger) *UpmapOptimizer {
	return &UpmapOptimizer{cfg: cfg, rng: newRand(cfg.Seed), logger: logger}
}

// Optimize adds placement overrides to the plan, pool by pool in random
// order, until every root is within the allowed deviation or the move
// budget is spent
func (o *UpmapOptimizer) Optimize(ctx context.Context, p *plan.Plan) (*UpmapResult, error) {
	if o.cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: upmap_max_iterations %d < 1", ErrInvalidConfig, o.cfg.MaxIterations)
	}
	ms := p.Initial
	if len(ms.PoolIDs) == 0 {
		o.logger.Info("No pools, nothing to do", "plan", p.Name)
		return nil, fmt.Errorf("%w: no pools", ErrNoImprovement)
	}
	if err := ms.CheckRoots(); err != nil {
		return nil, err
	}

	pools := append([]int64(nil), ms.PoolIDs...)
	o.rng.Shuffle(len(pools), func(i, j int) { pools[i], pools[j] = pools[j], pools[i] })

	res := &UpmapResult{}
	left := o.cfg.MaxIterations
	for _, pid := range pools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		did := o.balancePool(p, pid, left)
		res.Pools++
		res.Moves += did
		left -= did
		if left <= 0 {
			break
		}
	}

	o.logger.Info("Prepared upmap changes", "plan", p.Name, "moves", res.Moves, "max", o.cfg.MaxIterations)
	if res.Moves == 0 {
		return res, fmt.Errorf("%w: pools are within deviation %f", ErrNoImprovement, o.cfg.MaxDeviation)
	}
	return res, nil
}

// balancePool spends at most budget moves on one pool and returns the
// number of moves made
func (o *UpmapOptimizer) balancePool(p *plan.Plan, pid int64, budget int) int {
	ms := p.Initial
	up := make(map[string][]int, len(ms.PGUpByPool[pid]))
	for pgid, osds := range ms.PGUpByPool[pid] {
		up[pgid] = append([]int(nil), osds...)
	}
	pgids := make([]string, 0, len(up))
	for pgid := range up {
		pgids = append(pgids, pgid)
	}
	sort.Strings(pgids)

	moves := 0
	for _, root := range ms.RootsByPool[pid] {
		target := ms.TargetByRoot[root]
		count := make(map[int]float64, len(target))
		for osd := range target {
			count[osd] = 0
		}
		var total float64
		for _, pgid := range pgids {
			for _, osd := range up[pgid] {
				if _, ok := target[osd]; ok {
					count[osd]++
					total++
				}
			}
		}
		if total == 0 {
			continue
		}

		for moves < budget {
			over, under, ok := o.pickPair(ms.Map, target, count, total)
			if !ok {
				break
			}
			pgid, found := pickPG(pgids, up, over, under)
			if !found {
				o.logger.Debug("No PG to move", "pool", pid, "from", over, "to", under)
				break
			}
			o.moveReplica(p, pgid, over, under)
			for i, osd := range up[pgid] {
				if osd == over {
					up[pgid][i] = under
				}
			}
			count[over]--
			count[under]++
			moves++
		}
	}
	return moves
}

// pickPair returns the most overfull and the most underfull device of a
// root when moving one replica between them still helps
func (o *UpmapOptimizer) pickPair(m *cluster.Map, target, count map[int]float64, total float64) (int, int, bool) {
	over, under := -1, -1
	var overDev, underDev float64
	for _, osd := range sortedIDs(target) {
		expected := total * target[osd]
		dev := count[osd] - expected
		if over < 0 || dev > overDev {
			over, overDev = osd, dev
		}
		if target[osd] > 0 && m.Devices[osd].Up && (under < 0 || dev < underDev) {
			under, underDev = osd, dev
		}
	}
	if over < 0 || under < 0 || over == under {
		return 0, 0, false
	}
	if overDev <= o.cfg.MaxDeviation*total*target[over] {
		return 0, 0, false
	}
	if overDev-underDev <= 1 {
		return 0, 0, false
	}
	return over, under, true
}

// pickPG returns the first PG holding over but not under
func pickPG(pgids []string, up map[string][]int, over, under int) (string, bool) {
	for _, pgid := range pgids {
		if containsOSD(up[pgid], over) && !containsOSD(up[pgid], under) {
			return pgid, true
		}
	}
	return "", false
}

// moveReplica records the override moving one replica of pgid from over to
// under. An existing override that put the replica on over is redirected,
// or dropped when it would map a device onto itself.
func (o *UpmapOptimizer) moveReplica(p *plan.Plan, pgid string, over, under int) {
	items := o.currentItems(p, pgid)
	redirected := false
	next := make([]cluster.UpmapItem, 0, len(items)+1)
	for _, item := range items {
		if item.To == over && !redirected {
			redirected = true
			if item.From == under {
				continue
			}
			item.To = under
		}
		next = append(next, item)
	}
	if !redirected {
		next = append(next, cluster.UpmapItem{From: over, To: under})
	}

	_, existed := p.Initial.Map.Upmaps[pgid]
	switch {
	case len(next) > 0:
		p.AddUpmap(pgid, next)
	case existed:
		p.RemoveUpmap(pgid)
	default:
		delete(p.UpmapNew, pgid)
	}
	o.logger.Debug("Move replica", "pgid", pgid, "from", over, "to", under, "items", next)
}

func (o *UpmapOptimizer) currentItems(p *plan.Plan, pgid string) []cluster.UpmapItem {
	if items, ok := p.UpmapNew[pgid]; ok {
		return items
	}
	if p.UpmapOld[pgid] {
		return nil
	}
	return p.Initial.Map.Upmaps[pgid]
}

func containsOSD(list []int, osd int) bool {
	for _, x := range list {
		if x == osd {
			return true
		}
	}
	return false
}
