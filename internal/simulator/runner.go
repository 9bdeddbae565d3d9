package simulator

import (
	"context"
	"fmt"

	"github.com/soltixdb/pgbalancer/internal/balancer"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/watcher"
)

// CycleResult is the state of the simulated cluster after one cycle
type CycleResult struct {
	Cycle    int     `json:"cycle"`
	Balancer string  `json:"balancer"`
	Watcher  string  `json:"watcher,omitempty"`
	Score    float64 `json:"score"`
	Epoch    int64   `json:"epoch"`
	Applied  int     `json:"applied"`
}

// Runner drives the balancer and, optionally, the watcher against a
// simulated cluster one cycle at a time
type Runner struct {
	cluster  *Cluster
	balancer *balancer.Balancer
	watcher  *watcher.Watcher
	logger   *logging.Logger
}

// NewRunner creates a runner. w may be nil.
func NewRunner(c *Cluster, b *balancer.Balancer, w *watcher.Watcher, logger *logging.Logger) *Runner {
	return &Runner{cluster: c, balancer: b, watcher: w, logger: logger.Component("runner")}
}

// Run performs cycles cycles and calls fn after each one. It stops early
// when ctx is done.
func (r *Runner) Run(ctx context.Context, cycles int, fn func(CycleResult)) ([]CycleResult, error) {
	results := make([]CycleResult, 0, cycles)
	for i := 1; i <= cycles; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Step(ctx, i)
		if err != nil {
			return results, fmt.Errorf("cycle %d: %w", i, err)
		}
		results = append(results, res)
		if fn != nil {
			fn(res)
		}
	}
	return results, nil
}

// Step runs a single cycle
func (r *Runner) Step(ctx context.Context, cycle int) (CycleResult, error) {
	res := CycleResult{Cycle: cycle}

	outcome, err := r.balancer.RunOnce(ctx)
	if err != nil {
		r.logger.Warn("Balancer cycle failed", "cycle", cycle, "error", err)
	}
	res.Balancer = outcome

	if r.watcher != nil {
		report, err := r.watcher.RunCycle(ctx)
		if err != nil {
			r.logger.Warn("Watcher cycle failed", "cycle", cycle, "error", err)
		}
		if report != nil {
			res.Watcher = report.Outcome
		}
	}

	pe, err := r.balancer.Evaluate(ctx, "")
	if err != nil {
		return res, err
	}
	m, err := r.cluster.OSDMap(ctx)
	if err != nil {
		return res, err
	}
	res.Score = pe.Score
	res.Epoch = m.Epoch
	res.Applied = r.cluster.Applied()
	r.logger.Debug("Cycle done", "cycle", cycle, "balancer", res.Balancer, "watcher", res.Watcher, "score", res.Score)
	return res, nil
}
