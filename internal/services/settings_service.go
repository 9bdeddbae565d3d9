package services

import (
	"context"
	"errors"

	"github.com/soltixdb/pgbalancer/internal/config"
	"github.com/soltixdb/pgbalancer/internal/logging"
	"github.com/soltixdb/pgbalancer/internal/models"
)

// SettingsService implements the cfg commands over one settings section
type SettingsService struct {
	logger   *logging.Logger
	settings *config.Settings
}

// NewSettingsService creates a settings service
func NewSettingsService(logger *logging.Logger, settings *config.Settings) *SettingsService {
	return &SettingsService{logger: logger, settings: settings}
}

// Dump returns every option as a nested tree
func (s *SettingsService) Dump() map[string]interface{} {
	return s.settings.Dump()
}

// Get returns one option
func (s *SettingsService) Get(key string) (string, error) {
	v, err := s.settings.Get(key)
	return v, translate(err)
}

// Set validates and persists one option
func (s *SettingsService) Set(ctx context.Context, key string, req *models.SettingRequest) error {
	value, err := req.String()
	if err != nil {
		return NewServiceError(CodeInvalidRequest, err.Error())
	}
	if err := s.settings.Set(ctx, key, value); err != nil {
		if errors.Is(err, config.ErrUnknownKey) {
			return translate(err)
		}
		return NewServiceErrorWithDetails(CodeInvalidValue, err.Error(), map[string]interface{}{"key": key})
	}
	requestLogger(ctx, s.logger).Info("Setting changed", "key", key, "value", value)
	return nil
}

// Reset restores the default of one option
func (s *SettingsService) Reset(ctx context.Context, key string) error {
	return translate(s.settings.Reset(ctx, key))
}

// Init persists the defaults of every option missing from the store
func (s *SettingsService) Init(ctx context.Context) error {
	return translate(s.settings.Init(ctx))
}
