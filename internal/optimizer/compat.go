package optimizer

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/eval"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

const (
	// scoreTolerance accepts candidates within float noise of the best score
	scoreTolerance = 1.0001
	// maxBadSteps caps consecutive randomized retries after a regression
	maxBadSteps = 5
	// retryPercent is the chance of retrying a regressed step
	retryPercent = 70
	// reweightFudge tolerates a small regression while admin weights recover
	reweightFudge = 0.001
)

// CompatConfig holds the weight-set search options
type CompatConfig struct {
	MaxIterations int
	Step          float64
	MaxMisplaced  float64
	MinPGsPerOSD  int
	Seed          int64
}

// CompatConfigFrom extracts the weight-set search options
func CompatConfigFrom(cfg config.BalancerConfig) CompatConfig {
	return CompatConfig{
		MaxIterations: cfg.CrushCompatMaxIterations,
		Step:          cfg.CrushCompatStep,
		MaxMisplaced:  cfg.MaxMisplaced,
		MinPGsPerOSD:  cfg.MinPGsPerOSD,
		Seed:          cfg.Seed,
	}
}

// CompatResult describes how a weight-set search ended
type CompatResult struct {
	State      State   `json:"state"`
	Baseline   float64 `json:"baseline"`
	Score      float64 `json:"score"`
	Iterations int     `json:"iterations"`
	Misplaced  float64 `json:"misplaced"`
}

// CompatOptimizer searches compat weight-set values that even out the PG
// distribution of every root
type CompatOptimizer struct {
	cfg       CompatConfig
	evaluator *eval.Evaluator
	rng       *rand.Rand
	logger    *logging.Logger
}

// NewCompatOptimizer creates a weight-set optimizer
func NewCompatOptimizer(cfg CompatConfig, evaluator *eval.Evaluator, logger *logging.Logger) *CompatOptimizer {
	return &CompatOptimizer{
		cfg:       cfg,
		evaluator: evaluator,
		rng:       newRand(cfg.Seed),
		logger:    logger,
	}
}

// Optimize fills the plan's weight-set overrides and, for devices being
// rehabilitated, its admin weight overrides. On any error the plan is left
// without compat changes.
func (o *CompatOptimizer) Optimize(ctx context.Context, p *plan.Plan) (*CompatResult, error) {
	res := &CompatResult{State: StateRejected}

	if o.cfg.MaxIterations < 1 {
		return res, fmt.Errorf("%w: crush_compat_max_iterations %d < 1", ErrInvalidConfig, o.cfg.MaxIterations)
	}
	step := o.cfg.Step
	if step <= 0 || step >= 1 {
		return res, fmt.Errorf("%w: crush_compat_step %f not in (0,1)", ErrInvalidConfig, step)
	}
	minPGs := o.cfg.MinPGsPerOSD
	if minPGs <= 0 {
		minPGs = 2
	}

	ms := p.Initial
	if err := ms.CheckRoots(); err != nil {
		return res, err
	}
	pe, err := o.evaluator.Evaluate(ms)
	if err != nil {
		return res, fmt.Errorf("failed to evaluate %s: %w", ms.Desc, err)
	}
	res.Baseline = pe.Score
	res.Score = pe.Score
	if pe.Score == 0 {
		o.logger.Info("Distribution is already perfect", "plan", p.Name)
		return res, fmt.Errorf("%w: distribution is already perfect", ErrNoImprovement)
	}

	origOW := adminWeights(ms.Map)
	origWS := ms.Map.CompatWeights()

	bestWS := cloneWeights(origWS)
	bestOW := cloneWeights(origOW)
	bestPE := pe
	nextWS := cloneWeights(bestWS)
	nextOW := cloneWeights(bestOW)
	roots := pe.Roots()
	badSteps := 0

	res.State = StateSearching
	for left := o.cfg.MaxIterations; left > 0; left-- {
		if err := ctx.Err(); err != nil {
			p.CompatWS = map[int]float64{}
			res.State = StateRejected
			return res, err
		}
		res.Iterations++

		o.rng.Shuffle(len(roots), func(i, j int) { roots[i], roots[j] = roots[j], roots[i] })
		for _, root := range roots {
			o.adjustRoot(ms.Map, root, bestPE, origOW, bestWS, nextWS, nextOW, step, minPGs)
		}

		p.CompatWS = cloneWeights(nextWS)
		nextMS, err := p.FinalState()
		if err != nil {
			p.CompatWS = map[int]float64{}
			res.State = StateRejected
			return res, fmt.Errorf("failed to project plan %s: %w", p.Name, err)
		}
		nextPE, err := o.evaluator.Evaluate(nextMS)
		if err != nil {
			p.CompatWS = map[int]float64{}
			res.State = StateRejected
			return res, fmt.Errorf("failed to evaluate plan %s: %w", p.Name, err)
		}
		misplaced := nextMS.MisplacedFrom(ms)
		o.logger.Debug("Step result",
			"plan", p.Name, "score", bestPE.Score, "next_score", nextPE.Score, "misplaced", misplaced)

		if misplaced > o.cfg.MaxMisplaced {
			if bestPE.Score < pe.Score {
				o.logger.Debug("Step misplaced too much, stopping",
					"misplaced", misplaced, "max_misplaced", o.cfg.MaxMisplaced)
				break
			}
			step /= 2.0
			nextWS = cloneWeights(bestWS)
			nextOW = cloneWeights(bestOW)
			o.logger.Debug("Step misplaced too much, reducing step",
				"misplaced", misplaced, "max_misplaced", o.cfg.MaxMisplaced, "step", step)
			continue
		}

		if nextPE.Score > bestPE.Score*scoreTolerance {
			if badSteps < maxBadSteps && o.rng.Intn(101) < retryPercent {
				badSteps++
				o.logger.Debug("Score got worse, taking another step", "bad_steps", badSteps)
			} else {
				step /= 2.0
				nextWS = cloneWeights(bestWS)
				nextOW = cloneWeights(bestOW)
				o.logger.Debug("Score got worse, trying smaller step", "step", step)
			}
			continue
		}

		badSteps = 0
		bestPE = nextPE
		bestWS = cloneWeights(nextWS)
		bestOW = cloneWeights(nextOW)
		res.Misplaced = misplaced
		if bestPE.Score == 0 {
			res.State = StateConverged
			break
		}
	}

	fudge := 0.0
	if !sameWeights(nextOW, origOW) {
		fudge = reweightFudge
	}

	if bestPE.Score < pe.Score+fudge {
		p.CompatWS = bestWS
		for osd, w := range bestOW {
			if w != origOW[osd] {
				p.OSDWeights[osd] = w
			}
		}
		if res.State == StateSearching {
			res.State = StateExhausted
		}
		res.Score = bestPE.Score
		o.logger.Info("Success", "plan", p.Name, "score", pe.Score, "new_score", bestPE.Score,
			"iterations", res.Iterations)
		return res, nil
	}

	p.CompatWS = map[int]float64{}
	res.State = StateRejected
	o.logger.Info("Failed to find further optimization", "plan", p.Name, "score", pe.Score)
	return res, fmt.Errorf("%w: score %f", ErrNoImprovement, pe.Score)
}

// adjustRoot moves the weight-set values of one root toward their targets
// and renormalizes them to the root's crush weight
func (o *CompatOptimizer) adjustRoot(m *cluster.Map, root int, best *eval.Evaluation,
	origOW, bestWS, nextWS, nextOW map[int]float64, step float64, minPGs int) {
	target := best.TargetByRoot[root]
	actual := best.ActualByRoot[root][eval.MetricPGs]

	minTotal := float64(len(target) * minPGs)
	if total := best.TotalByRoot[root][eval.MetricPGs]; total < minTotal {
		o.logger.Info("Skipping root",
			"root", root, "total_pgs", total, "minimum", minTotal, "per_osd", minPGs)
		return
	}

	queue := sortedIDs(actual)
	sort.SliceStable(queue, func(i, j int) bool {
		return math.Abs(target[queue[i]]-actual[queue[i]]) > math.Abs(target[queue[j]]-actual[queue[j]])
	})

	for _, osd := range queue {
		ow := origOW[osd]
		if ow == 0 {
			o.logger.Debug("Skipping out osd", "osd", osd)
			continue
		}
		deviation := target[osd] - actual[osd]
		if deviation == 0 {
			break
		}
		weight := bestWS[osd]
		var calc float64
		if actual[osd] > 0 {
			calc = target[osd] / actual[osd] * weight * ow
		} else {
			calc = weight / ow
		}
		nextWS[osd] = weight*(1.0-step) + calc*step
		if ow < 1.0 {
			nextOW[osd] = math.Min(1.0, math.Max(step+(1.0-step)*ow, ow+0.005))
		}
	}

	rootWeight := m.RootWeight(root)
	var rootSum float64
	for _, osd := range sortedIDs(target) {
		rootSum += nextWS[osd]
	}
	if rootSum > 0 && rootWeight > 0 {
		factor := rootSum / rootWeight
		for osd := range actual {
			nextWS[osd] /= factor
		}
	}
}

func adminWeights(m *cluster.Map) map[int]float64 {
	out := make(map[int]float64, len(m.Devices))
	for id, d := range m.Devices {
		out[id] = d.Weight
	}
	return out
}

func cloneWeights(in map[int]float64) map[int]float64 {
	out := make(map[int]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sameWeights(a, b map[int]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sortedIDs(m map[int]float64) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
