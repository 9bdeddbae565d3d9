package optimizer

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/eval"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

// proportionalMapper gives every single-replica pool PGs in proportion to
// the effective device weights (weight-set value times admin weight), using
// largest remainders. PGs are handed out in device order so small weight
// changes move few PGs.
type proportionalMapper struct{}

func (proportionalMapper) MapPool(m *cluster.Map, pool cluster.Pool) (map[string][]int, error) {
	rule, _ := m.Rule(pool.CrushRule)
	root, _ := m.Root(rule.Takes[0])

	ids := append([]int(nil), root.Devices...)
	sort.Ints(ids)
	weights := make(map[int]float64, len(ids))
	var sum float64
	for _, osd := range ids {
		d := m.Devices[osd]
		ws := d.CrushWeight
		if w, ok := m.WeightSet[osd]; ok {
			ws = w
		}
		if !d.In {
			continue
		}
		weights[osd] = ws * d.Weight
		sum += weights[osd]
	}

	counts := make(map[int]int, len(ids))
	frac := make(map[int]float64, len(ids))
	assigned := 0
	for _, osd := range ids {
		q := float64(pool.PGNum) * weights[osd] / sum
		counts[osd] = int(math.Floor(q))
		frac[osd] = q - math.Floor(q)
		assigned += counts[osd]
	}
	byFrac := append([]int(nil), ids...)
	sort.SliceStable(byFrac, func(i, j int) bool { return frac[byFrac[i]] > frac[byFrac[j]] })
	for i := 0; assigned < pool.PGNum; i++ {
		counts[byFrac[i%len(byFrac)]]++
		assigned++
	}

	out := make(map[string][]int, pool.PGNum)
	seed := 0
	for _, osd := range ids {
		for n := 0; n < counts[osd]; n++ {
			pgid := cluster.PGID(pool.ID, seed)
			out[pgid] = cluster.ApplyUpmap([]int{osd}, m.Upmaps[pgid], m.Devices)
			seed++
		}
	}
	return out, nil
}

// weightedSnapshot builds one root with the given crush weights and an
// optional compat weight-set, holding one pool of 100 single-replica PGs
func weightedSnapshot(t *testing.T, crush []float64, ws []float64) *cluster.Snapshot {
	t.Helper()
	m := &cluster.Map{
		Epoch:   10,
		Pools:   []cluster.Pool{{ID: 1, Name: "data", CrushRule: 0, Size: 1, PGNum: 100}},
		Devices: map[int]cluster.Device{},
		Roots:   []cluster.Root{{ID: -1, Name: "default"}},
		Rules:   []cluster.Rule{{ID: 0, Takes: []int{-1}}},
	}
	for i, w := range crush {
		m.Devices[i] = cluster.Device{ID: i, Class: "hdd", CrushWeight: w, Weight: 1, Up: true, In: true}
		m.Roots[0].Devices = append(m.Roots[0].Devices, i)
	}
	if ws != nil {
		m.WeightSet = map[int]float64{}
		for i, w := range ws {
			m.WeightSet[i] = w
		}
	}
	stats := map[string]cluster.PGStat{}
	for seed := 0; seed < 100; seed++ {
		stats[cluster.PGID(1, seed)] = cluster.PGStat{Objects: 8, Bytes: 8 << 20}
	}
	s, err := cluster.NewSnapshot(m, stats, proportionalMapper{}, "current cluster")
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	return s
}

func newCompat(cfg CompatConfig) (*CompatOptimizer, *eval.Evaluator) {
	logger := logging.NewNop()
	ev := eval.NewEvaluator(logger)
	return NewCompatOptimizer(cfg, ev, logger), ev
}

func score(t *testing.T, ev *eval.Evaluator, s *cluster.Snapshot) float64 {
	t.Helper()
	pe, err := ev.Evaluate(s)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	return pe.Score
}

func TestCompat_RejectsPerfectDistribution(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, nil)
	opt, ev := newCompat(CompatConfig{MaxIterations: 25, Step: 0.5, MaxMisplaced: 1, Seed: 1})

	if got := score(t, ev, s); got != 0 {
		t.Fatalf("expected a perfect baseline, got %f", got)
	}

	p := plan.New("p", config.ModeCrushCompat, s)
	res, err := opt.Optimize(context.Background(), p)
	if !errors.Is(err, ErrNoImprovement) {
		t.Fatalf("expected ErrNoImprovement, got %v", err)
	}
	if res.State != StateRejected {
		t.Errorf("expected rejected, got %s", res.State)
	}
	if !p.Empty() {
		t.Error("rejected plan must stay empty")
	}
}

func TestCompat_OnePassImproves(t *testing.T) {
	// targets {0.5,0.3,0.2}, actual {0.6,0.25,0.15}
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})
	opt, ev := newCompat(CompatConfig{MaxIterations: 1, Step: 0.5, MaxMisplaced: 1, Seed: 1})

	before := score(t, ev, s)
	if before <= 0 {
		t.Fatalf("expected a positive baseline, got %f", before)
	}

	p := plan.New("p", config.ModeCrushCompat, s)
	res, err := opt.Optimize(context.Background(), p)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if res.Iterations != 1 {
		t.Errorf("expected one pass, got %d", res.Iterations)
	}
	if res.State != StateExhausted {
		t.Errorf("expected exhausted, got %s", res.State)
	}

	final, err := p.FinalState()
	if err != nil {
		t.Fatalf("FinalState failed: %v", err)
	}
	after := score(t, ev, final)
	if after >= before {
		t.Errorf("score did not decrease: %f -> %f", before, after)
	}
	if after != res.Score {
		t.Errorf("result score %f does not match the projected score %f", res.Score, after)
	}

	// weight-set stays normalized to the root's crush weight
	var sum float64
	for _, w := range p.CompatWS {
		sum += w
	}
	if math.Abs(sum-10) > 1e-9 {
		t.Errorf("expected weight-set sum 10, got %f", sum)
	}
	if p.CompatWS[0] >= 6 || p.CompatWS[2] <= 1.5 {
		t.Errorf("weights moved the wrong way: %v", p.CompatWS)
	}
}

func TestCompat_StopsAtFixedPoint(t *testing.T) {
	s := weightedSnapshot(t, []float64{1, 1, 2}, []float64{1.2, 0.8, 2})
	opt, ev := newCompat(CompatConfig{MaxIterations: 25, Step: 0.99, MaxMisplaced: 1, Seed: 7})

	p := plan.New("p", config.ModeCrushCompat, s)
	res, err := opt.Optimize(context.Background(), p)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	if res.State != StateConverged || res.Score != 0 {
		t.Fatalf("expected convergence to 0, got %s %f", res.State, res.Score)
	}
	if res.Iterations != 1 {
		t.Errorf("loop must exit once the score is 0, ran %d passes", res.Iterations)
	}

	// a further run over the converged state changes nothing
	final, err := p.FinalState()
	if err != nil {
		t.Fatalf("FinalState failed: %v", err)
	}
	if got := score(t, ev, final); got != 0 {
		t.Fatalf("expected final score 0, got %f", got)
	}
	again := plan.New("again", config.ModeCrushCompat, final)
	if _, err := opt.Optimize(context.Background(), again); !errors.Is(err, ErrNoImprovement) {
		t.Errorf("expected ErrNoImprovement at the fixed point, got %v", err)
	}
	if len(again.CompatWS) != 0 {
		t.Errorf("weights changed at the fixed point: %v", again.CompatWS)
	}
}

func TestCompat_RespectsMisplacedCap(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})
	maxMisplaced := 0.02
	opt, _ := newCompat(CompatConfig{MaxIterations: 25, Step: 0.5, MaxMisplaced: maxMisplaced, Seed: 3})

	p := plan.New("p", config.ModeCrushCompat, s)
	_, err := opt.Optimize(context.Background(), p)
	if err != nil {
		if !errors.Is(err, ErrNoImprovement) {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(p.CompatWS) != 0 {
			t.Error("rejected plan must not carry weight-set values")
		}
		return
	}

	final, ferr := p.FinalState()
	if ferr != nil {
		t.Fatalf("FinalState failed: %v", ferr)
	}
	if got := final.MisplacedFrom(s); got > maxMisplaced {
		t.Errorf("plan misplaces %f > cap %f", got, maxMisplaced)
	}
}

func TestCompat_RehabilitatesAdminWeight(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})
	m := s.Map.Clone()
	d := m.Devices[2]
	d.Weight = 0.5
	m.Devices[2] = d
	s, err := s.Project(m, "current cluster")
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}

	opt, _ := newCompat(CompatConfig{MaxIterations: 1, Step: 0.5, MaxMisplaced: 1, Seed: 1})
	p := plan.New("p", config.ModeCrushCompat, s)
	if _, err := opt.Optimize(context.Background(), p); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}

	// min(1, max(0.5 + 0.5*0.5, 0.5 + 0.005))
	if w, ok := p.OSDWeights[2]; !ok || w != 0.75 {
		t.Errorf("expected osd.2 admin weight 0.75, got %v (%v)", w, ok)
	}
	if _, ok := p.OSDWeights[0]; ok {
		t.Error("devices at full weight are not reweighted")
	}
}

func TestCompat_InvalidConfig(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})

	tests := []CompatConfig{
		{MaxIterations: 0, Step: 0.5, MaxMisplaced: 1},
		{MaxIterations: 5, Step: 0, MaxMisplaced: 1},
		{MaxIterations: 5, Step: 1, MaxMisplaced: 1},
	}
	for _, cfg := range tests {
		opt, _ := newCompat(cfg)
		res, err := opt.Optimize(context.Background(), plan.New("p", config.ModeCrushCompat, s))
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%+v: expected ErrInvalidConfig, got %v", cfg, err)
		}
		if res.Iterations != 0 {
			t.Errorf("%+v: no pass should run", cfg)
		}
	}
}

func TestCompat_SkipsThinRoots(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})
	// 100 PGs over 3 devices is below 50 per device
	opt, _ := newCompat(CompatConfig{MaxIterations: 3, Step: 0.5, MaxMisplaced: 1, MinPGsPerOSD: 50, Seed: 1})

	p := plan.New("p", config.ModeCrushCompat, s)
	if _, err := opt.Optimize(context.Background(), p); !errors.Is(err, ErrNoImprovement) {
		t.Errorf("expected ErrNoImprovement when every root is skipped, got %v", err)
	}
}

func TestCompat_CancelledContext(t *testing.T) {
	s := weightedSnapshot(t, []float64{5, 3, 2}, []float64{6, 2.5, 1.5})
	opt, _ := newCompat(CompatConfig{MaxIterations: 5, Step: 0.5, MaxMisplaced: 1, Seed: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := plan.New("p", config.ModeCrushCompat, s)
	if _, err := opt.Optimize(ctx, p); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(p.CompatWS) != 0 {
		t.Error("cancelled plan must not carry weight-set values")
	}
}

func TestIsRejection(t *testing.T) {
	if !IsRejection(ErrInsaneStats) || !IsRejection(ErrNoStats) {
		t.Error("stats errors are rejections")
	}
	if IsRejection(cluster.ErrOverlappingRoots) {
		t.Error("structural errors are not rejections")
	}
}
