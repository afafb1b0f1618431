package config

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/tildaslashalef/recipebox/internal/loggy"
)

// SettingsService overlays settings persisted in the database on top of
// the environment configuration.
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db *sql.DB, config *Config, logger *loggy.Logger) *SettingsService {
	return NewSettingsServiceWithRepository(NewSQLSettingsRepository(db, logger), config, logger)
}

// NewSettingsServiceWithRepository creates a settings service over repo
func NewSettingsServiceWithRepository(repo SettingsRepository, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// LoadServerSettings copies non-empty persisted server settings into the config.
// Values set through the environment win.
func (s *SettingsService) LoadServerSettings(ctx context.Context) error {
	settings, err := s.repo.GetSettings(ctx, "")
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	if v := settings[SettingServerURL]; v != "" && !envSet("RECIPEBOX_SERVER_URL") {
		s.config.Server.URL = v
		if !envSet("RECIPEBOX_CONNECTIVITY_PROBE_ADDRESS") {
			if addr, err := ProbeAddressFromURL(v); err == nil {
				s.config.Connectivity.ProbeAddress = addr
			}
		}
	}

	if v := settings[SettingServerToken]; v != "" && s.config.Server.Token == "" {
		s.config.Server.Token = v
	}

	if v := settings[SettingDeviceName]; v != "" && s.config.Server.DeviceName == "" {
		s.config.Server.DeviceName = v
	}

	return nil
}

// EnsureDeviceName gives the device a stable name. When none is configured
// one is generated once and persisted.
func (s *SettingsService) EnsureDeviceName(ctx context.Context, generate func() string) (string, error) {
	if s.config.Server.DeviceName != "" {
		return s.config.Server.DeviceName, nil
	}

	name, err := s.repo.GetSetting(ctx, SettingDeviceName)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = generate()
		if err := s.repo.SetSetting(ctx, SettingDeviceName, name); err != nil {
			return "", fmt.Errorf("saving device name: %w", err)
		}
		s.logger.Info("Generated device name", "device", name)
	}

	s.config.Server.DeviceName = name
	return name, nil
}

// SetServerURL stores the recipe service URL
func (s *SettingsService) SetServerURL(ctx context.Context, url string) error {
	s.config.Server.URL = url
	return s.repo.SetSetting(ctx, SettingServerURL, url)
}

// SetToken stores the bearer token
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	s.config.Server.Token = token
	return s.repo.SetSetting(ctx, SettingServerToken, token)
}

// SetDeviceName stores the device name sent with every request
func (s *SettingsService) SetDeviceName(ctx context.Context, name string) error {
	s.config.Server.DeviceName = name
	return s.repo.SetSetting(ctx, SettingDeviceName, name)
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}
