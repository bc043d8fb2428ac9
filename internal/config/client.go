package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ClientConfig is the field client configuration, stored as YAML
type ClientConfig struct {
	BackendURL     string `yaml:"backend_url" mapstructure:"backend_url"`
	CoordinatorURL string `yaml:"coordinator_url" mapstructure:"coordinator_url"`
	ClinicID       string `yaml:"clinic_id" mapstructure:"clinic_id"`
	AuthToken      string `yaml:"auth_token,omitempty" mapstructure:"auth_token"`
	DataDir        string `yaml:"data_dir" mapstructure:"data_dir"`
	PipelineFile   string `yaml:"pipeline_file,omitempty" mapstructure:"pipeline_file"`

	InferTimeout     time.Duration `yaml:"infer_timeout" mapstructure:"infer_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" mapstructure:"breaker_cooldown"`
	CacheTTL         time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	ReplaySchedule   string        `yaml:"replay_schedule" mapstructure:"replay_schedule"`
	ProbeInterval    time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
}

// DefaultClientDir returns ~/.devscreen
func DefaultClientDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devscreen"
	}
	return filepath.Join(home, ".devscreen")
}

// DefaultClientPath returns the default config file location
func DefaultClientPath() string {
	return filepath.Join(DefaultClientDir(), "client.yaml")
}

// DefaultClientConfig returns the settings written on first run
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BackendURL:       "http://localhost:8000",
		CoordinatorURL:   "http://localhost:5001",
		DataDir:          filepath.Join(DefaultClientDir(), "data"),
		InferTimeout:     30 * time.Second,
		BreakerThreshold: 3,
		BreakerCooldown:  5 * time.Minute,
		CacheTTL:         7 * 24 * time.Hour,
		ReplaySchedule:   "*/1 * * * *",
		ProbeInterval:    15 * time.Second,
	}
}

// LoadClient reads the config file at path (DefaultClientPath when empty),
// creating it with defaults if it does not exist. DEVSCREEN_* environment
// variables override file values, e.g. DEVSCREEN_BACKEND_URL.
func LoadClient(path string) (*ClientConfig, error) {
	if path == "" {
		path = DefaultClientPath()
	}

	defaults := DefaultClientConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveClient(path, defaults); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DEVSCREEN")
	v.AutomaticEnv()

	// Defaults register every key so environment overrides apply to Unmarshal
	v.SetDefault("backend_url", defaults.BackendURL)
	v.SetDefault("coordinator_url", defaults.CoordinatorURL)
	v.SetDefault("clinic_id", defaults.ClinicID)
	v.SetDefault("auth_token", "")
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("pipeline_file", "")
	v.SetDefault("infer_timeout", defaults.InferTimeout)
	v.SetDefault("breaker_threshold", defaults.BreakerThreshold)
	v.SetDefault("breaker_cooldown", defaults.BreakerCooldown)
	v.SetDefault("cache_ttl", defaults.CacheTTL)
	v.SetDefault("replay_schedule", defaults.ReplaySchedule)
	v.SetDefault("probe_interval", defaults.ProbeInterval)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// SaveClient writes cfg to path with owner-only permissions
func SaveClient(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Durations are written in their string form so the file stays editable
	doc := map[string]any{
		"backend_url":       cfg.BackendURL,
		"coordinator_url":   cfg.CoordinatorURL,
		"clinic_id":         cfg.ClinicID,
		"data_dir":          cfg.DataDir,
		"infer_timeout":     cfg.InferTimeout.String(),
		"breaker_threshold": cfg.BreakerThreshold,
		"breaker_cooldown":  cfg.BreakerCooldown.String(),
		"cache_ttl":         cfg.CacheTTL.String(),
		"replay_schedule":   cfg.ReplaySchedule,
		"probe_interval":    cfg.ProbeInterval.String(),
	}
	if cfg.AuthToken != "" {
		doc["auth_token"] = cfg.AuthToken
	}
	if cfg.PipelineFile != "" {
		doc["pipeline_file"] = cfg.PipelineFile
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DatabasePath is the on-device sqlite file
func (c *ClientConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "devscreen.db")
}
