package balancer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/command"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/metadata"
	"github.com/soltixdb/pgbalancer/internal/optimizer"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

// OptimizeResult reports what an optimize request did to a plan
type OptimizeResult struct {
	Plan   string      `json:"plan"`
	Mode   string      `json:"mode"`
	Ready  bool        `json:"ready"`
	Reason string      `json:"reason,omitempty"`
	Detail interface{} `json:"detail,omitempty"`
}

// Gate returns why optimization must wait for the cluster to settle, or ""
// when it may proceed
func Gate(h cluster.HealthRatios, maxMisplaced float64) string {
	switch {
	case h.Unknown > 0:
		return fmt.Sprintf("some PGs (%f) are unknown; waiting", h.Unknown)
	case h.Degraded > 0:
		return fmt.Sprintf("some objects (%f) are degraded; waiting", h.Degraded)
	case h.Inactive > 0:
		return fmt.Sprintf("some PGs (%f) are inactive; waiting", h.Inactive)
	case h.Misplaced > maxMisplaced:
		return fmt.Sprintf("too many objects (%f > %f) are misplaced; waiting", h.Misplaced, maxMisplaced)
	}
	return ""
}

// OptimizePlan creates the named plan from the current state, runs the
// configured optimizer on it and registers the result, even when the
// optimizer failed
func (b *Balancer) OptimizePlan(ctx context.Context, name string) (*OptimizeResult, error) {
	var res *OptimizeResult
	err := b.withClaim(ctx, name, func() error {
		p, err := b.newPlan(ctx, name)
		if err != nil {
			return err
		}
		res, err = b.Optimize(ctx, p)
		b.register(p)
		return err
	})
	return res, err
}

// Optimize fills p using the configured mode. p must not be registered
// yet. Ready is false when the cluster is not settled or the optimizer
// found nothing worth doing; the error is reserved for failures of the
// cycle itself.
func (b *Balancer) Optimize(ctx context.Context, p *plan.Plan) (*OptimizeResult, error) {
	cfg, err := b.Config()
	if err != nil {
		return nil, err
	}
	p.Mode = cfg.Mode
	res := &OptimizeResult{Plan: p.Name, Mode: p.Mode}
	b.logger.Info("Optimize plan", "plan", p.Name, "mode", p.Mode, "max_misplaced", cfg.MaxMisplaced)

	h, err := b.opts.Provider.HealthRatios(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get health: %w", err)
	}
	if reason := Gate(h, cfg.MaxMisplaced); reason != "" {
		b.logger.Info("Not optimizing", "plan", p.Name, "reason", reason)
		res.Reason = reason
		b.opts.Recorder.PlanOptimized(p.Mode, "waiting")
		return res, nil
	}

	var detail interface{}
	switch cfg.Mode {
	case config.ModeUpmap:
		detail, err = optimizer.NewUpmapOptimizer(optimizer.UpmapConfigFrom(cfg), b.logger).Optimize(ctx, p)
	case config.ModeCrushCompat:
		detail, err = optimizer.NewCompatOptimizer(optimizer.CompatConfigFrom(cfg), b.evaluator, b.logger).Optimize(ctx, p)
	case config.ModeReweight:
		var osdStats map[int]cluster.OSDStat
		osdStats, err = b.opts.Provider.OSDStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get osd stats: %w", err)
		}
		detail, err = b.reweight(cfg).Optimize(ctx, p, osdStats)
	default:
		b.logger.Info("Idle", "plan", p.Name)
		res.Reason = "mode none"
		b.opts.Recorder.PlanOptimized(p.Mode, "idle")
		return res, nil
	}
	res.Detail = detail

	if err != nil {
		if optimizer.IsRejection(err) {
			b.logger.Info("Nothing to do", "plan", p.Name, "reason", err)
			res.Reason = err.Error()
			b.opts.Recorder.PlanOptimized(p.Mode, "rejected")
			return res, nil
		}
		b.opts.Recorder.PlanOptimized(p.Mode, "failed")
		return res, err
	}

	res.Ready = !p.Empty()
	if !res.Ready {
		res.Reason = "plan is empty"
	}
	b.opts.Recorder.PlanOptimized(p.Mode, "ok")
	return res, nil
}

func (b *Balancer) reweight(cfg config.BalancerConfig) *optimizer.ReweightOptimizer {
	return optimizer.NewReweightOptimizer(optimizer.ReweightConfigFrom(cfg), b.logger)
}

// ExecutePlan applies the named plan and removes it afterwards. A plan
// whose name is claimed elsewhere stays registered.
func (b *Balancer) ExecutePlan(ctx context.Context, name string) error {
	p, err := b.Plan(name)
	if err != nil {
		return err
	}
	return b.withClaim(ctx, name, func() error {
		defer b.unregister(p)
		return b.Execute(ctx, p)
	})
}

// Execute sends the plan's commands phase by phase and archives the outcome
func (b *Balancer) Execute(ctx context.Context, p *plan.Plan) error {
	b.logger.Info("Executing plan", "plan", p.Name, "mode", p.Mode)
	phases := p.Phases()
	err := dispatch.ExecutePhases(ctx, b.opts.Dispatcher, phases, b.opts.CommandTimeout, b.logger)

	result := "ok"
	if err != nil {
		result = "failed"
		b.logger.Error("Plan execution failed", "plan", p.Name, "error", err)
	} else {
		b.logger.Info("Plan executed", "plan", p.Name)
	}
	b.opts.Recorder.PlanExecuted(result)
	b.archive(ctx, p, phases, result, err)
	return err
}

func (b *Balancer) archive(ctx context.Context, p *plan.Plan, phases [][]command.Command, result string, execErr error) {
	if b.opts.Archive == nil {
		return
	}
	rec := &metadata.PlanRecord{
		Name:       p.Name,
		Mode:       p.Mode,
		Epoch:      p.Initial.Map.Epoch,
		ExecutedAt: b.opts.Now().UTC(),
		Result:     result,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	for _, phase := range phases {
		for _, cmd := range phase {
			rec.Commands = append(rec.Commands, cmd.String())
		}
	}
	if final, err := p.FinalState(); err == nil {
		if pe, err := b.evaluator.Evaluate(final); err == nil {
			rec.Score = pe.Score
		}
	}
	if err := b.opts.Archive.Record(context.WithoutCancel(ctx), rec); err != nil {
		b.logger.Warn("Failed to archive plan", "plan", p.Name, "error", err)
	}
}

// Reweight sets the admin weight of every in+up device of class
func (b *Balancer) Reweight(ctx context.Context, class string, weight float64) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("%w %f", ErrInvalidWeight, weight)
	}
	m, err := b.opts.Provider.OSDMap(ctx)
	if err != nil {
		return fmt.Errorf("failed to get osdmap: %w", err)
	}

	weights := make(map[int]float64)
	for _, id := range m.DeviceIDs() {
		d := m.Devices[id]
		if d.Class == "" {
			b.logger.Warn("No device class", "osd", id)
			continue
		}
		if !d.In || !d.Up {
			b.logger.Debug("Skip device", "osd", id, "in", d.In, "up", d.Up)
			continue
		}
		if d.Class == class {
			weights[id] = weight
		}
	}
	if len(weights) == 0 {
		return fmt.Errorf("%w %q", ErrUnknownClass, class)
	}

	ids := make([]int, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	b.logger.Info("Reweighting class", "class", class, "weight", weight, "devices", ids)

	phases := [][]command.Command{{command.ReweightN(weights)}}
	return dispatch.ExecutePhases(ctx, b.opts.Dispatcher, phases, b.opts.CommandTimeout, b.logger)
}

// AutoName returns the name of an automatically created plan
func AutoName(t time.Time) string {
	return "auto_" + t.UTC().Format("2006-01-02_15:04:05")
}
