package simulator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/placement"
)

// Cluster is a simulated cluster. It implements cluster.StateProvider and
// dispatch.Executor; every accepted command bumps the epoch.
type Cluster struct {
	logger *logging.Logger
	mapper *placement.Mapper

	mu      sync.RWMutex
	m       *cluster.Map
	pools   map[int64]PoolSpec
	sizeKB  map[int]int64
	latency map[int]float64
	health  cluster.HealthRatios
	applied int
}

// New creates a cluster from a validated scenario
func New(s *Scenario, logger *logging.Logger) *Cluster {
	c := &Cluster{
		logger:  logger.Component("simulator"),
		mapper:  placement.New(),
		m:       s.Map(),
		pools:   make(map[int64]PoolSpec, len(s.Pools)),
		sizeKB:  make(map[int]int64, len(s.Devices)),
		latency: make(map[int]float64, len(s.Devices)),
		health:  s.Health,
	}
	for _, p := range s.Pools {
		c.pools[p.ID] = p
	}
	for _, d := range s.Devices {
		c.sizeKB[d.ID] = d.SizeKB
		c.latency[d.ID] = d.LatencyMs
	}
	return c
}

// OSDMap returns a copy of the current placement map
func (c *Cluster) OSDMap(ctx context.Context) (*cluster.Map, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m.Clone(), nil
}

// PGDump returns the stats of every PG. Data is spread evenly over the PGs
// of a pool.
func (c *Cluster) PGDump(ctx context.Context) (map[string]cluster.PGStat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]cluster.PGStat)
	for _, p := range c.pools {
		for seed := 0; seed < p.PGNum; seed++ {
			out[cluster.PGID(p.ID, seed)] = cluster.PGStat{
				Objects: p.ObjectsPerPG,
				Bytes:   p.BytesPerPG,
				State:   "active+clean",
			}
		}
	}
	return out, nil
}

// HealthRatios returns the configured health
func (c *Cluster) HealthRatios(ctx context.Context) (cluster.HealthRatios, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health, nil
}

// OSDStats derives device usage from the current placement and reports the
// configured latency
func (c *Cluster) OSDStats(ctx context.Context) (map[int]cluster.OSDStat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	usedKB := make(map[int]int64, len(c.m.Devices))
	for _, pool := range c.m.Pools {
		up, err := c.mapper.MapPool(c.m, pool)
		if err != nil {
			return nil, err
		}
		kb := c.pools[pool.ID].BytesPerPG / 1024
		for _, osds := range up {
			for _, osd := range osds {
				usedKB[osd] += kb
			}
		}
	}

	out := make(map[int]cluster.OSDStat, len(c.m.Devices))
	for id := range c.m.Devices {
		size := c.sizeKB[id]
		used := usedKB[id]
		if used > size {
			used = size
		}
		lat := c.latency[id]
		out[id] = cluster.OSDStat{
			KB:              size,
			KBUsed:          used,
			KBAvail:         size - used,
			ApplyLatencyMs:  lat,
			CommitLatencyMs: lat / 2,
		}
	}
	return out, nil
}

// Mapper returns the placement oracle of the cluster
func (c *Cluster) Mapper() cluster.Mapper {
	return c.mapper
}

// SetLatency changes the latency a device reports
func (c *Cluster) SetLatency(osd int, ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency[osd] = ms
}

// SetHealth changes the reported health ratios
func (c *Cluster) SetHealth(h cluster.HealthRatios) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = h
}

// Applied returns the number of accepted commands
func (c *Cluster) Applied() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}

// Execute applies one administrative command
func (c *Cluster) Execute(ctx context.Context, cmd command.Command) dispatch.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.apply(cmd); err != nil {
		c.logger.Warn("Command rejected", "command", cmd.String(), "error", err)
		return dispatch.Result{Code: dispatch.CodeInvalid, Message: err.Error()}
	}
	c.m.Epoch++
	c.applied++
	c.logger.Debug("Command applied", "command", cmd.String(), "epoch", c.m.Epoch)
	return dispatch.Result{}
}

func (c *Cluster) apply(cmd command.Command) error {
	switch cmd.Prefix {
	case command.PrefixCreateCompat:
		if c.m.WeightSet == nil {
			c.m.WeightSet = make(map[int]float64, len(c.m.Devices))
			for id, d := range c.m.Devices {
				c.m.WeightSet[id] = d.CrushWeight
			}
			c.m.CrushVersion++
		}
	case command.PrefixReweightCompat:
		if c.m.WeightSet == nil {
			return fmt.Errorf("no compat weight-set")
		}
		if _, ok := c.m.Devices[cmd.OSD]; !ok {
			return fmt.Errorf("osd.%d does not exist", cmd.OSD)
		}
		if cmd.Weight < 0 {
			return fmt.Errorf("weight %f < 0", cmd.Weight)
		}
		c.m.WeightSet[cmd.OSD] = cmd.Weight
		c.m.CrushVersion++
	case command.PrefixReweight:
		return c.update(cmd.OSD, func(d *cluster.Device) error { return reweight(d, cmd.Weight) })
	case command.PrefixReweightN:
		ids := make([]int, 0, len(cmd.Weights))
		for id := range cmd.Weights {
			if _, ok := c.m.Devices[id]; !ok {
				return fmt.Errorf("osd.%d does not exist", id)
			}
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			w := cmd.Weights[id]
			if err := c.update(id, func(d *cluster.Device) error { return reweight(d, w) }); err != nil {
				return err
			}
		}
	case command.PrefixPrimaryAffinity:
		return c.update(cmd.OSD, func(d *cluster.Device) error { return setUnit(&d.PrimaryAffinity, cmd.Weight) })
	case command.PrefixRmPGUpmapItems:
		delete(c.m.Upmaps, cmd.PGID)
	case command.PrefixPGUpmapItems:
		if _, _, err := cluster.ParsePGID(cmd.PGID); err != nil {
			return err
		}
		for _, item := range cmd.Items {
			if _, ok := c.m.Devices[item.To]; !ok {
				return fmt.Errorf("osd.%d does not exist", item.To)
			}
		}
		if c.m.Upmaps == nil {
			c.m.Upmaps = make(map[string][]cluster.UpmapItem)
		}
		c.m.Upmaps[cmd.PGID] = append([]cluster.UpmapItem(nil), cmd.Items...)
	default:
		return fmt.Errorf("unknown command %q", cmd.Prefix)
	}
	return nil
}

func (c *Cluster) update(osd int, fn func(d *cluster.Device) error) error {
	d, ok := c.m.Devices[osd]
	if !ok {
		return fmt.Errorf("osd.%d does not exist", osd)
	}
	if err := fn(&d); err != nil {
		return fmt.Errorf("osd.%d: %w", osd, err)
	}
	c.m.Devices[osd] = d
	return nil
}

// reweight sets the admin weight; a device is in while its weight is
// positive
func reweight(d *cluster.Device, w float64) error {
	if err := setUnit(&d.Weight, w); err != nil {
		return err
	}
	d.In = w > 0
	return nil
}

func setUnit(dst *float64, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("weight %f outside [0, 1]", v)
	}
	*dst = v
	return nil
}
