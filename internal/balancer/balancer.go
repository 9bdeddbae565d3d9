package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soltixdb/pgbalancer/internal/claim"
	"github.com/soltixdb/pgbalancer/internal/cluster"
	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/dispatch"
	"github.com/soltixdb/pgbalancer/internal/eval"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/metadata"
	"github.com/soltixdb/pgbalancer/internal/plan"
)

var (
	// ErrPlanNotFound is returned for commands naming an unknown plan
	ErrPlanNotFound = errors.New("plan not found")
	// ErrInvalidWeight is returned for reweights outside [0, 1]
	ErrInvalidWeight = errors.New("invalid weight")
	// ErrUnknownClass is returned when no in+up device has the class
	ErrUnknownClass = errors.New("no device with class")
	// ErrUnknownMode is returned when switching to an unknown mode
	ErrUnknownMode = errors.New("unknown mode")
)

// Recorder receives balancer metrics
type Recorder interface {
	ObserveScore(plan string, score float64)
	PlanOptimized(mode, result string)
	PlanExecuted(result string)
	BalancerCycle(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveScore(string, float64) {}
func (nopRecorder) PlanOptimized(string, string) {}
func (nopRecorder) PlanExecuted(string) {}
func (nopRecorder) BalancerCycle(string) {}

// Options wires the balancer to its collaborators. Claimer, Archive and
// Recorder are optional.
type Options struct {
	Settings       *config.Settings
	Provider       cluster.StateProvider
	Dispatcher     dispatch.Dispatcher
	Claimer        claim.Claimer
	Archive        *metadata.Archive
	Recorder       Recorder
	Owner          string
	CommandTimeout time.Duration
	Now            func() time.Time
}

// Status is the balancer state shown to operators
type Status struct {
	Plans   []string `json:"plans"`
	Active  bool     `json:"active"`
	Mode    string   `json:"mode"`
	Running bool     `json:"run"`
}

// Balancer owns the plan registry and the automatic balancing loop
type Balancer struct {
	opts      Options
	evaluator *eval.Evaluator
	logger    *logging.Logger

	mu    sync.Mutex
	plans map[string]*plan.Plan

	running  bool
	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a balancer
func New(opts Options, logger *logging.Logger) *Balancer {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Claimer == nil {
		opts.Claimer = claim.NewMemoryClaimer(time.Hour)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	if opts.Owner == "" {
		opts.Owner = "pgbalancer"
	}
	logger = logger.Component("balancer")
	return &Balancer{
		opts:      opts,
		evaluator: eval.NewEvaluator(logger),
		logger:    logger,
		plans:     make(map[string]*plan.Plan),
		wakeCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Config decodes and validates the current runtime settings
func (b *Balancer) Config() (config.BalancerConfig, error) {
	var cfg config.BalancerConfig
	if err := b.opts.Settings.Decode(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("balancer config: %w", err)
	}
	return cfg, nil
}

// Settings returns the runtime settings of the balancer
func (b *Balancer) Settings() *config.Settings {
	return b.opts.Settings
}

// Status lists the plans and the current mode
func (b *Balancer) Status() Status {
	st := Status{}
	st.Active, _ = b.opts.Settings.GetBool("active")
	st.Mode, _ = b.opts.Settings.Get("mode")

	b.mu.Lock()
	defer b.mu.Unlock()
	st.Running = b.running
	st.Plans = make([]string, 0, len(b.plans))
	for name := range b.plans {
		st.Plans = append(st.Plans, name)
	}
	sort.Strings(st.Plans)
	return st
}

// SetMode switches the optimizer mode
func (b *Balancer) SetMode(ctx context.Context, mode string) error {
	switch mode {
	case config.ModeNone, config.ModeCrushCompat, config.ModeUpmap, config.ModeReweight:
	default:
		return fmt.Errorf("%w %q", ErrUnknownMode, mode)
	}
	return b.opts.Settings.Set(ctx, "mode", mode)
}

// SetActive turns automatic balancing on or off and wakes the loop
func (b *Balancer) SetActive(ctx context.Context, on bool) error {
	var err error
	if on {
		err = b.opts.Settings.Enable(ctx, "active")
	} else {
		err = b.opts.Settings.Disable(ctx, "active")
	}
	if err != nil {
		return err
	}
	b.Wake()
	return nil
}

// newPlan captures the current cluster state into an empty plan. The plan
// belongs to the caller until register publishes it.
func (b *Balancer) newPlan(ctx context.Context, name string) (*plan.Plan, error) {
	snap, err := cluster.Capture(ctx, b.opts.Provider, fmt.Sprintf("plan %s initial", name))
	if err != nil {
		return nil, err
	}
	return plan.New(name, "", snap), nil
}

// register publishes p under its name, replacing any plan of the same
// name. Registered plans are read concurrently and must not change.
func (b *Balancer) register(p *plan.Plan) {
	b.mu.Lock()
	b.plans[p.Name] = p
	b.mu.Unlock()
}

// unregister drops p unless its name was taken over by another plan
func (b *Balancer) unregister(p *plan.Plan) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.plans[p.Name] == p {
		delete(b.plans, p.Name)
	}
}

// Plan returns a registered plan
func (b *Balancer) Plan(name string) (*plan.Plan, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.plans[name]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", name, ErrPlanNotFound)
	}
	return p, nil
}

// RemovePlan drops a plan
func (b *Balancer) RemovePlan(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.plans[name]; !ok {
		return fmt.Errorf("plan %s: %w", name, ErrPlanNotFound)
	}
	delete(b.plans, name)
	return nil
}

// Reset drops every plan
func (b *Balancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans = make(map[string]*plan.Plan)
}

// Show renders a plan as commands
func (b *Balancer) Show(name string) (string, error) {
	p, err := b.Plan(name)
	if err != nil {
		return "", err
	}
	return p.Show(), nil
}

// Dump returns a plan, or the subtree at path, as a JSON tree
func (b *Balancer) Dump(name, path string) (interface{}, error) {
	p, err := b.Plan(name)
	if err != nil {
		return nil, err
	}
	return p.Dump(path)
}

// Evaluate scores the projected state of a plan, or the current cluster
// when name is empty
func (b *Balancer) Evaluate(ctx context.Context, name string) (*eval.Evaluation, error) {
	var (
		snap *cluster.Snapshot
		err  error
	)
	if name != "" {
		p, perr := b.Plan(name)
		if perr != nil {
			return nil, perr
		}
		snap, err = p.FinalState()
	} else {
		name = "current"
		snap, err = cluster.Capture(ctx, b.opts.Provider, "current cluster")
	}
	if err != nil {
		return nil, err
	}

	pe, err := b.evaluator.Evaluate(snap)
	if err != nil {
		return nil, err
	}
	b.opts.Recorder.ObserveScore(name, pe.Score)
	return pe, nil
}

// History lists archived plan executions, newest first
func (b *Balancer) History(ctx context.Context) ([]*metadata.PlanRecord, error) {
	if b.opts.Archive == nil {
		return []*metadata.PlanRecord{}, nil
	}
	return b.opts.Archive.List(ctx)
}

// withClaim runs fn while holding the claim on name
func (b *Balancer) withClaim(ctx context.Context, name string, fn func() error) error {
	if err := b.opts.Claimer.Claim(ctx, name, b.opts.Owner); err != nil {
		return err
	}
	defer func() {
		if err := b.opts.Claimer.Release(context.WithoutCancel(ctx), name, b.opts.Owner); err != nil {
			b.logger.Warn("Failed to release claim", "plan", name, "error", err)
		}
	}()
	return fn()
}
