package services

import (
	"context"

	"github.com/soltixdb/pgbalancer/internal/balancer"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/models"
)

// BalancerService exposes the balancer commands to the admin API
type BalancerService struct {
	logger   *logging.Logger
	balancer *balancer.Balancer
	settings *SettingsService
}

// NewBalancerService creates a new balancer service
func NewBalancerService(logger *logging.Logger, b *balancer.Balancer) *BalancerService {
	return &BalancerService{
		logger:   logger,
		balancer: b,
		settings: NewSettingsService(logger, b.Settings()),
	}
}

// Settings returns the runtime settings of the balancer
func (s *BalancerService) Settings() *SettingsService {
	return s.settings
}

// Status lists the plans, the active flag and the mode
func (s *BalancerService) Status() balancer.Status {
	return s.balancer.Status()
}

// SetMode switches the optimizer mode
func (s *BalancerService) SetMode(ctx context.Context, req *models.ModeRequest) error {
	if err := req.Validate(); err != nil {
		return NewServiceError(CodeInvalidRequest, err.Error())
	}
	return translate(s.balancer.SetMode(ctx, req.Mode))
}

// SetActive turns automatic balancing on or off
func (s *BalancerService) SetActive(ctx context.Context, on bool) error {
	requestLogger(ctx, s.logger).Info("Balancer toggled", "active", on)
	return translate(s.balancer.SetActive(ctx, on))
}

// Evaluate scores a plan, or the current cluster when name is empty
func (s *BalancerService) Evaluate(ctx context.Context, name string, verbose bool) (*models.EvalResponse, error) {
	pe, err := s.balancer.Evaluate(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	if name == "" {
		name = "current"
	}
	return &models.EvalResponse{Plan: name, Score: pe.Score, Text: pe.Show(verbose)}, nil
}

// Optimize creates and fills the named plan
func (s *BalancerService) Optimize(ctx context.Context, name string) (*balancer.OptimizeResult, error) {
	res, err := s.balancer.OptimizePlan(ctx, name)
	if err != nil {
		requestLogger(ctx, s.logger).Error("Optimize failed", "plan", name, "error", err)
		return nil, translate(err)
	}
	return res, nil
}

// Show renders a plan as commands
func (s *BalancerService) Show(name string) (*models.ShowResponse, error) {
	text, err := s.balancer.Show(name)
	if err != nil {
		return nil, translate(err)
	}
	return &models.ShowResponse{Plan: name, Text: text}, nil
}

// Dump returns a plan or one of its subtrees
func (s *BalancerService) Dump(name, path string) (interface{}, error) {
	tree, err := s.balancer.Dump(name, path)
	return tree, translate(err)
}

// Remove drops a plan
func (s *BalancerService) Remove(name string) error {
	return translate(s.balancer.RemovePlan(name))
}

// Reset drops every plan
func (s *BalancerService) Reset() {
	s.balancer.Reset()
}

// Execute applies a plan and removes it
func (s *BalancerService) Execute(ctx context.Context, name string) error {
	if err := s.balancer.ExecutePlan(ctx, name); err != nil {
		requestLogger(ctx, s.logger).Error("Execute failed", "plan", name, "error", err)
		return translate(err)
	}
	return nil
}

// Reweight sets the admin weight of a whole device class
func (s *BalancerService) Reweight(ctx context.Context, req *models.ReweightRequest) error {
	if err := req.Validate(); err != nil {
		return NewServiceError(CodeInvalidRequest, err.Error())
	}
	return translate(s.balancer.Reweight(ctx, req.Class, *req.Weight))
}

// History lists archived plan executions
func (s *BalancerService) History(ctx context.Context) (*models.HistoryResponse, error) {
	plans, err := s.balancer.History(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &models.HistoryResponse{Plans: plans, Count: len(plans)}, nil
}

// requestLogger prefers the request-scoped logger set by the admin
// middleware, which carries the request id
func requestLogger(ctx context.Context, fallback *logging.Logger) *logging.Logger {
	if logging.RequestID(ctx) == "" {
		return fallback
	}
	return logging.FromContext(ctx)
}
