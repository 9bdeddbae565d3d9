package services

import (
	"context"

	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/watcher"
)

// WatcherService exposes the latency watcher commands to the admin API
type WatcherService struct {
	logger   *logging.Logger
	watcher  *watcher.Watcher
	settings *SettingsService
}

// NewWatcherService creates a new watcher service
func NewWatcherService(logger *logging.Logger, w *watcher.Watcher) *WatcherService {
	return &WatcherService{
		logger:   logger,
		watcher:  w,
		settings: NewSettingsService(logger, w.Settings()),
	}
}

// Settings returns the runtime settings of the watcher
func (s *WatcherService) Settings() *SettingsService {
	return s.settings
}

// Status returns the watcher flags and the last cycle report
func (s *WatcherService) Status() watcher.Status {
	return s.watcher.Status()
}

// SetActive turns the watcher on or off
func (s *WatcherService) SetActive(ctx context.Context, on bool) error {
	requestLogger(ctx, s.logger).Info("Watcher toggled", "active", on)
	return translate(s.watcher.SetActive(ctx, on))
}

// SetMuted turns dry-run mode on or off
func (s *WatcherService) SetMuted(ctx context.Context, muted bool) error {
	requestLogger(ctx, s.logger).Info("Watcher muted", "muted", muted)
	return translate(s.watcher.SetDryRun(ctx, muted))
}

// SetDebug turns per-cycle tracing on or off
func (s *WatcherService) SetDebug(ctx context.Context, on bool) error {
	return translate(s.watcher.SetDebug(ctx, on))
}

// RunCycle runs one cycle immediately
func (s *WatcherService) RunCycle(ctx context.Context) (*watcher.CycleReport, error) {
	report, err := s.watcher.RunCycle(ctx)
	if err != nil && report == nil {
		return nil, translate(err)
	}
	return report, nil
}
