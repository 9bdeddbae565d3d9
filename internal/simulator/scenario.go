// Package simulator runs the balancer against an in-memory cluster described
// by a YAML scenario. The cluster answers state queries and applies the
// administrative commands the balancer and the watcher send it.
package simulator

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soltixdb/pgbalancer/internal/cluster"
)

// ErrInvalidScenario is returned for scenarios that do not describe a
// consistent cluster
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario describes a simulated cluster
type Scenario struct {
	Epoch     int64                          `yaml:"epoch"`
	Pools     []PoolSpec                     `yaml:"pools"`
	Rules     []cluster.Rule                 `yaml:"rules"`
	Roots     []cluster.Root                 `yaml:"roots"`
	Devices   []DeviceSpec                   `yaml:"devices"`
	Health    cluster.HealthRatios           `yaml:"health"`
	WeightSet map[int]float64                `yaml:"compat_weight_set,omitempty"`
	Upmaps    map[string][]cluster.UpmapItem `yaml:"pg_upmap_items,omitempty"`
}

// PoolSpec is a pool plus the data each of its PGs holds
type PoolSpec struct {
	ID           int64  `yaml:"id"`
	Name         string `yaml:"name"`
	CrushRule    int    `yaml:"crush_rule"`
	Size         int    `yaml:"size"`
	PGNum        int    `yaml:"pg_num"`
	ObjectsPerPG int64  `yaml:"objects_per_pg"`
	BytesPerPG   int64  `yaml:"bytes_per_pg"`
}

// DeviceSpec is a device plus its capacity and latency. Omitted weight,
// primary affinity, up and in default to 1, 1, true and true.
type DeviceSpec struct {
	ID              int      `yaml:"id"`
	Class           string   `yaml:"class"`
	CrushWeight     float64  `yaml:"crush_weight"`
	Weight          *float64 `yaml:"weight,omitempty"`
	PrimaryAffinity *float64 `yaml:"primary_affinity,omitempty"`
	Up              *bool    `yaml:"up,omitempty"`
	In              *bool    `yaml:"in,omitempty"`
	SizeKB          int64    `yaml:"size_kb"`
	LatencyMs       float64  `yaml:"latency_ms"`
}

// Device returns the placement map view of d
func (d DeviceSpec) Device() cluster.Device {
	dev := cluster.Device{
		ID:              d.ID,
		Class:           d.Class,
		CrushWeight:     d.CrushWeight,
		Weight:          1,
		PrimaryAffinity: 1,
		Up:              true,
		In:              true,
	}
	if d.Weight != nil {
		dev.Weight = *d.Weight
	}
	if d.PrimaryAffinity != nil {
		dev.PrimaryAffinity = *d.PrimaryAffinity
	}
	if d.Up != nil {
		dev.Up = *d.Up
	}
	if d.In != nil {
		dev.In = *d.In
	}
	return dev
}

// LoadScenario reads a scenario file
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario. Unknown fields are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that pools, rules, roots and devices reference each other
// consistently
func (s *Scenario) Validate() error {
	if len(s.Devices) == 0 {
		return fmt.Errorf("%w: no devices", ErrInvalidScenario)
	}
	devices := make(map[int]bool, len(s.Devices))
	for _, d := range s.Devices {
		if devices[d.ID] {
			return fmt.Errorf("%w: duplicate device %d", ErrInvalidScenario, d.ID)
		}
		if d.SizeKB <= 0 {
			return fmt.Errorf("%w: device %d has no size", ErrInvalidScenario, d.ID)
		}
		if d.CrushWeight < 0 {
			return fmt.Errorf("%w: device %d has a negative crush weight", ErrInvalidScenario, d.ID)
		}
		devices[d.ID] = true
	}

	roots := make(map[int]bool, len(s.Roots))
	for _, r := range s.Roots {
		for _, osd := range r.Devices {
			if !devices[osd] {
				return fmt.Errorf("%w: root %s references unknown device %d", ErrInvalidScenario, r.Name, osd)
			}
		}
		roots[r.ID] = true
	}

	rules := make(map[int]bool, len(s.Rules))
	for _, r := range s.Rules {
		for _, take := range r.Takes {
			if !roots[take] {
				return fmt.Errorf("%w: rule %d takes unknown root %d", ErrInvalidScenario, r.ID, take)
			}
		}
		rules[r.ID] = true
	}

	pools := make(map[int64]bool, len(s.Pools))
	for _, p := range s.Pools {
		if pools[p.ID] {
			return fmt.Errorf("%w: duplicate pool %d", ErrInvalidScenario, p.ID)
		}
		if !rules[p.CrushRule] {
			return fmt.Errorf("%w: pool %s uses unknown rule %d", ErrInvalidScenario, p.Name, p.CrushRule)
		}
		if p.PGNum <= 0 || p.Size <= 0 {
			return fmt.Errorf("%w: pool %s needs pg_num and size", ErrInvalidScenario, p.Name)
		}
		pools[p.ID] = true
	}
	return nil
}

// Map builds the placement map of the scenario
func (s *Scenario) Map() *cluster.Map {
	m := &cluster.Map{
		Epoch:   s.Epoch,
		Pools:   make([]cluster.Pool, 0, len(s.Pools)),
		Devices: make(map[int]cluster.Device, len(s.Devices)),
		Roots:   append([]cluster.Root(nil), s.Roots...),
		Rules:   append([]cluster.Rule(nil), s.Rules...),
		Upmaps:  make(map[string][]cluster.UpmapItem, len(s.Upmaps)),
	}
	for _, p := range s.Pools {
		m.Pools = append(m.Pools, cluster.Pool{ID: p.ID, Name: p.Name, CrushRule: p.CrushRule, Size: p.Size, PGNum: p.PGNum})
	}
	for _, d := range s.Devices {
		m.Devices[d.ID] = d.Device()
	}
	if s.WeightSet != nil {
		m.WeightSet = make(map[int]float64, len(s.WeightSet))
		for osd, w := range s.WeightSet {
			m.WeightSet[osd] = w
		}
	}
	for pgid, items := range s.Upmaps {
		m.Upmaps[pgid] = append([]cluster.UpmapItem(nil), items...)
	}
	return m
}
