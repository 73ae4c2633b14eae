package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort               = 8080
	defaultDataDir            = "data"
	defaultMaxConcurrentTasks = 3
	defaultMaxConcurrentFiles = 8
	defaultHTTPTimeout        = 10 * time.Minute
	defaultLockTimeout        = 30 * time.Second
	defaultLinkTimeout        = 5 * time.Second
	defaultUserAgent          = "instsync/1.0"
	defaultLogLevel           = "info"
	defaultCurseforgeURL      = "https://api.curseforge.com"
	defaultModrinthURL        = "https://api.modrinth.com"
)

// CatalogConfig configures one remote catalog client.
type CatalogConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"omitempty,url"`
	APIKey            string  `yaml:"api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port               int           `yaml:"port" validate:"min=1,max=65535"`
	DataDir            string        `yaml:"data_dir" validate:"required"`
	StoreDir           string        `yaml:"store_dir" validate:"required"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" validate:"min=1"`
	MaxConcurrentFiles int           `yaml:"max_concurrent_files" validate:"min=1,max=256"`
	HTTPTimeout        time.Duration `yaml:"http_timeout" validate:"gt=0"`
	LockTimeout        time.Duration `yaml:"lock_timeout" validate:"gt=0"`
	LinkTimeout        time.Duration `yaml:"link_timeout" validate:"gt=0"`
	UserAgent          string        `yaml:"user_agent" validate:"required"`
	LogLevel           string        `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	MetricsEnabled     bool          `yaml:"metrics_enabled"`
	Curseforge         CatalogConfig `yaml:"curseforge"`
	Modrinth           CatalogConfig `yaml:"modrinth"`
}

// Default returns the built-in values. StoreDir is left empty so that it
// follows data_dir; Load derives it.
func Default() Config {
	return Config{
		Port:               defaultPort,
		DataDir:            defaultDataDir,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		MaxConcurrentFiles: defaultMaxConcurrentFiles,
		HTTPTimeout:        defaultHTTPTimeout,
		LockTimeout:        defaultLockTimeout,
		LinkTimeout:        defaultLinkTimeout,
		UserAgent:          defaultUserAgent,
		LogLevel:           defaultLogLevel,
		Curseforge:         CatalogConfig{BaseURL: defaultCurseforgeURL},
		Modrinth:           CatalogConfig{BaseURL: defaultModrinthURL},
	}
}

// Load reads YAML config from the provided path. If the file does not exist
// or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		normalize(&cfg)
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		normalize(&cfg)
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		normalize(&cfg)
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalize fills zero values that have an obvious default. Values that are
// set but out of range are left for Validate to reject.
func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = filepath.Join(cfg.DataDir, "store")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	if cfg.LinkTimeout == 0 {
		cfg.LinkTimeout = defaultLinkTimeout
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.Curseforge.BaseURL = strings.TrimRight(cfg.Curseforge.BaseURL, "/")
	cfg.Modrinth.BaseURL = strings.TrimRight(cfg.Modrinth.BaseURL, "/")
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("invalid config %s: failed on '%s' (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
