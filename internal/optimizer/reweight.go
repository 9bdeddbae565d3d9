package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

// ReweightConfig holds the usage reweight options
type ReweightConfig struct {
	Variant       string
	TopK          int
	StatsSanityKB int64
	Classes       map[string]config.ReweightClassConfig
}

// ReweightConfigFrom extracts the usage reweight options
func ReweightConfigFrom(cfg config.BalancerConfig) ReweightConfig {
	return ReweightConfig{
		Variant:       cfg.ReweightVariant,
		TopK:          cfg.TopK,
		StatsSanityKB: cfg.StatsSanityKB,
		Classes:       cfg.Classes,
	}
}

// ReweightResult summarizes one reweight pass
type ReweightResult struct {
	Devices  map[string]int `json:"devices"`  // in+up devices per class
	Reweight map[string]int `json:"reweight"` // emitted weights per class
}

// ReweightOptimizer lowers the admin weight of devices that hold more than
// their share of data and raises it for devices that hold less
type ReweightOptimizer struct {
	cfg    ReweightConfig
	logger *logging.Logger
}

// NewReweightOptimizer creates a usage reweight optimizer
func NewReweightOptimizer(cfg ReweightConfig, logger *logging.Logger) *ReweightOptimizer {
	return &ReweightOptimizer{cfg: cfg, logger: logger}
}

// Optimize collects the in+up devices of every class into the plan and
// fills its admin weight overrides
func (o *ReweightOptimizer) Optimize(ctx context.Context, p *plan.Plan, osdStats map[int]cluster.OSDStat) (*ReweightResult, error) {
	byClass, err := CollectDevices(p.Initial.Map, osdStats, o.cfg.StatsSanityKB)
	if err != nil {
		return nil, err
	}
	p.OSDByDeviceClass = byClass

	res := &ReweightResult{Devices: map[string]int{}, Reweight: map[string]int{}}
	classes := make([]string, 0, len(byClass))
	for class, devices := range byClass {
		classes = append(classes, class)
		res.Devices[class] = len(devices)
	}
	sort.Strings(classes)
	o.logger.Debug("Collected device classes", "plan", p.Name, "classes", res.Devices)

	for _, class := range classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		devices := byClass[class]
		cfg, ok := o.cfg.Classes[class]
		if !ok {
			o.logger.Warn("No reweight config for device class", "class", class)
			continue
		}
		if !cfg.Active || len(devices) == 0 {
			continue
		}

		var weights map[int]float64
		if o.cfg.Variant == config.VariantTopK {
			weights, err = TopKReweights(devices, cfg, o.cfg.TopK)
		} else {
			weights, err = ClassReweights(devices, cfg)
		}
		if err != nil {
			if IsRejection(err) {
				o.logger.Warn("Skipping device class", "class", class, "error", err)
				continue
			}
			return nil, fmt.Errorf("device class %s: %w", class, err)
		}

		for _, osd := range sortedIDs(weights) {
			d := devices[osd]
			o.logger.Info("Reweight",
				"class", class, "osd", osd, "used", d.Used, "size", d.Size,
				"weight", d.CurrentWeight, "new_weight", weights[osd])
			p.OSDWeights[osd] = weights[osd]
		}
		res.Reweight[class] = len(weights)
	}

	if len(p.OSDWeights) == 0 {
		o.logger.Info("No osd to reweight", "plan", p.Name)
		return res, fmt.Errorf("%w: no osd to reweight", ErrNoImprovement)
	}
	o.logger.Info("Plan reweight", "plan", p.Name, "osds", len(p.OSDWeights))
	return res, nil
}

// CollectDevices groups the in+up devices that have a class and stats by
// class. Any device whose size differs from used+avail by more than
// sanityKB fails the whole collection.
func CollectDevices(m *cluster.Map, osdStats map[int]cluster.OSDStat, sanityKB int64) (map[string]map[int]plan.DeviceUsage, error) {
	if len(osdStats) == 0 {
		return nil, ErrNoStats
	}

	byClass := make(map[string]map[int]plan.DeviceUsage)
	var insane []int
	for _, id := range m.DeviceIDs() {
		d := m.Devices[id]
		if !d.In || !d.Up || d.Class == "" {
			continue
		}
		st, ok := osdStats[id]
		if !ok {
			continue
		}
		if byClass[d.Class] == nil {
			byClass[d.Class] = make(map[int]plan.DeviceUsage)
		}
		byClass[d.Class][id] = plan.DeviceUsage{
			Used:          st.KBUsed,
			Avail:         st.KBAvail,
			Size:          st.KB,
			CurrentWeight: d.Weight,
		}
		if diff := st.KB - (st.KBUsed + st.KBAvail); diff > sanityKB || -diff > sanityKB {
			insane = append(insane, id)
		}
	}

	if len(insane) > 0 {
		return nil, fmt.Errorf("%w: size != used+avail for osds %v", ErrInsaneStats, insane)
	}
	return byClass, nil
}

// usageStats are the capacity statistics of one device class
type usageStats struct {
	avgUsage float64
	mean     float64
	stddev   float64
	cv       float64
	usage    map[int]float64
	diff     map[int]float64
	mult     map[int]float64
}

func calcUsage(devices map[int]plan.DeviceUsage) (*usageStats, error) {
	var totalUsed, totalSize float64
	st := &usageStats{
		usage: make(map[int]float64, len(devices)),
		diff:  make(map[int]float64, len(devices)),
		mult:  make(map[int]float64, len(devices)),
	}
	ids := sortedDevices(devices)
	usages := make(stats.Float64Data, 0, len(ids))
	for _, id := range ids {
		d := devices[id]
		totalUsed += float64(d.Used)
		totalSize += float64(d.Size)
		var u float64
		if d.Size > 0 {
			u = float64(d.Used) / float64(d.Size)
		}
		st.usage[id] = u
		usages = append(usages, u)
	}
	if totalSize == 0 {
		return nil, fmt.Errorf("%w: total size is zero", ErrNoStats)
	}

	st.avgUsage = totalUsed / totalSize
	st.mean, _ = stats.Mean(usages)
	st.stddev, _ = stats.StandardDeviationPopulation(usages)
	if st.mean > 0 {
		st.cv = st.stddev / st.mean
	}
	for _, id := range ids {
		st.diff[id] = st.usage[id] - st.avgUsage
		if st.avgUsage > 0 {
			st.mult[id] = st.usage[id] / st.avgUsage
		} else {
			st.mult[id] = 1
		}
	}
	return st, nil
}

// needsReweight reports whether a class is unbalanced enough to act on
func needsReweight(st *usageStats, cfg config.ReweightClassConfig) bool {
	for _, d := range st.diff {
		if cfg.AbsMaxDifference {
			d = math.Abs(d)
		}
		if d > cfg.MaxUsageDifference {
			return true
		}
	}
	return st.avgUsage > cfg.MinAvgUsage && st.cv > cfg.CVMax
}

// significant reports whether a device is far enough from the average to
// be worth moving
func significant(st *usageStats, id int, cfg config.ReweightClassConfig) bool {
	return math.Abs(st.diff[id]) > cfg.MinOSDUsageDiff || math.Abs(st.mult[id]-1.0) > cfg.MinOSDUsageMultDiff
}

func clampWeight(w float64, cfg config.ReweightClassConfig) float64 {
	return math.Max(cfg.MinWeight, math.Min(w, 1.0))
}

// optimalWeights scales every weight by avg/usage and normalizes the
// result. Empty devices get the full weight.
func optimalWeights(devices map[int]plan.DeviceUsage, st *usageStats, cfg config.ReweightClassConfig) (map[int]float64, error) {
	optimal := make(map[int]float64, len(devices))
	var maxOptimal, sumOptimal float64
	var counted int
	ids := sortedDevices(devices)
	for _, id := range ids {
		if st.usage[id] == 0 {
			continue
		}
		w := devices[id].CurrentWeight * st.avgUsage / st.usage[id]
		optimal[id] = w
		sumOptimal += w
		counted++
		if w > maxOptimal {
			maxOptimal = w
		}
	}

	switch cfg.NormalizationMode {
	case config.NormalizeMax:
		if maxOptimal > 0 {
			for id, w := range optimal {
				optimal[id] = w / maxOptimal
			}
		}
	case config.NormalizeAvg:
		if counted > 0 && sumOptimal > 0 {
			avg := sumOptimal / float64(counted)
			for id, w := range optimal {
				optimal[id] = w / avg * cfg.NormalizationAvgBase
			}
		}
	case config.NormalizeNone:
	default:
		return nil, fmt.Errorf("%w: unknown normalization mode %q", ErrInvalidConfig, cfg.NormalizationMode)
	}

	for _, id := range ids {
		if st.usage[id] == 0 {
			optimal[id] = 1.0
		}
	}
	return optimal, nil
}

// ClassReweights computes new admin weights for one device class. Steps
// toward the optimal weight are scaled so that no device moves by more
// than the class step caps; only changed weights are returned.
func ClassReweights(devices map[int]plan.DeviceUsage, cfg config.ReweightClassConfig) (map[int]float64, error) {
	st, err := calcUsage(devices)
	if err != nil {
		return nil, err
	}
	optimal, err := optimalWeights(devices, st, cfg)
	if err != nil {
		return nil, err
	}
	if !needsReweight(st, cfg) {
		return map[int]float64{}, nil
	}

	ids := sortedDevices(devices)
	steps := make(map[int]float64, len(ids))
	var maxAbsStep float64
	for _, id := range ids {
		steps[id] = optimal[id] - devices[id].CurrentWeight
		maxAbsStep = math.Max(maxAbsStep, math.Abs(steps[id]))
	}
	scaleInc, scaleDec := 1.0, 1.0
	if maxAbsStep > 0 {
		scaleInc = cfg.MaxReweightStepInc / maxAbsStep
		scaleDec = cfg.MaxReweightStepDec / maxAbsStep
	}

	weights := make(map[int]float64)
	for _, id := range ids {
		if !significant(st, id, cfg) {
			continue
		}
		step := steps[id]
		if step >= 0 {
			if scaleInc < 1.0 {
				step *= scaleInc
			}
		} else if scaleDec < 1.0 {
			step *= scaleDec
		}
		cur := devices[id].CurrentWeight
		if target := clampWeight(cur+step, cfg); target != cur {
			weights[id] = target
		}
	}
	return weights, nil
}

// TopKReweights moves only the k most overused devices down and the k most
// underused devices up, each toward its unnormalized optimal weight and by
// no more than the class step caps.
func TopKReweights(devices map[int]plan.DeviceUsage, cfg config.ReweightClassConfig, k int) (map[int]float64, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: top_k %d < 1", ErrInvalidConfig, k)
	}
	st, err := calcUsage(devices)
	if err != nil {
		return nil, err
	}
	if !needsReweight(st, cfg) {
		return map[int]float64{}, nil
	}

	ranked := sortedDevices(devices)
	sort.SliceStable(ranked, func(i, j int) bool {
		return st.usage[ranked[i]] > st.usage[ranked[j]]
	})

	weights := make(map[int]float64)
	move := func(id int) {
		if !significant(st, id, cfg) {
			return
		}
		cur := devices[id].CurrentWeight
		optimal := 1.0
		if st.usage[id] > 0 {
			optimal = cur * st.avgUsage / st.usage[id]
		}
		step := math.Max(-cfg.MaxReweightStepDec, math.Min(optimal-cur, cfg.MaxReweightStepInc))
		if target := clampWeight(cur+step, cfg); target != cur {
			weights[id] = target
		}
	}

	for i := 0; i < k && i < len(ranked); i++ {
		if id := ranked[i]; st.diff[id] > 0 {
			move(id)
		}
	}
	for i := 0; i < k && i < len(ranked); i++ {
		id := ranked[len(ranked)-1-i]
		if _, done := weights[id]; done || st.diff[id] >= 0 {
			continue
		}
		move(id)
	}
	return weights, nil
}

func sortedDevices(devices map[int]plan.DeviceUsage) []int {
	ids := make([]int, 0, len(devices))
	for id := range devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
