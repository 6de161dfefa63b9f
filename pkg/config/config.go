// Package config loads gateway configuration from the environment and an
// optional YAML bootstrap file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/VancouverCanada/openport/pkg/admin"
	"github.com/VancouverCanada/openport/pkg/artifacts"
)

// Storage modes accepted by OPENPORT_STORE and OPENPORT_DOMAIN_ADAPTER.
const (
	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Addr      string `env:"OPENPORT_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	Store         string `env:"OPENPORT_STORE" envDefault:"memory"`
	DomainAdapter string `env:"OPENPORT_DOMAIN_ADAPTER" envDefault:"memory"`
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"OPENPORT_SQLITE_PATH" envDefault:"data/openport.db"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RateLimit  int           `env:"OPENPORT_RATE_LIMIT" envDefault:"240"`
	RateWindow time.Duration `env:"OPENPORT_RATE_WINDOW" envDefault:"60s"`
	IPRPS      float64       `env:"OPENPORT_IP_RPS" envDefault:"50"`
	IPBurst    int           `env:"OPENPORT_IP_BURST" envDefault:"100"`

	PreflightTTL   time.Duration `env:"OPENPORT_PREFLIGHT_TTL" envDefault:"10m"`
	TokenPepper    string        `env:"OPENPORT_TOKEN_PEPPER"`
	AdminJWTSecret string        `env:"OPENPORT_ADMIN_JWT_SECRET"`

	Demo          bool   `env:"OPENPORT_DEMO" envDefault:"false"`
	BootstrapFile string `env:"OPENPORT_BOOTSTRAP_FILE"`

	Artifacts ArtifactEnv
	Telemetry TelemetryEnv

	// Bootstrap is read from BootstrapFile by Load. It is nil when no file
	// is configured.
	Bootstrap *Bootstrap
}

// ArtifactEnv selects the export archive.
type ArtifactEnv struct {
	Type       string `env:"ARTIFACT_STORAGE_TYPE"`
	DataDir    string `env:"DATA_DIR" envDefault:"data"`
	S3Bucket   string `env:"ARTIFACT_S3_BUCKET"`
	S3Region   string `env:"ARTIFACT_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"ARTIFACT_S3_ENDPOINT"`
	S3Prefix   string `env:"ARTIFACT_S3_PREFIX"`
	GCSBucket  string `env:"ARTIFACT_GCS_BUCKET"`
	GCSPrefix  string `env:"ARTIFACT_GCS_PREFIX"`
}

// TelemetryEnv configures the OTLP exporters.
type TelemetryEnv struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	Insecure    bool   `env:"OTEL_INSECURE" envDefault:"false"`
	Environment string `env:"OPENPORT_ENV" envDefault:"development"`
}

// Bootstrap lists apps to register at startup.
type Bootstrap struct {
	Apps []BootstrapApp `yaml:"apps"`
}

// BootstrapApp is one app of the bootstrap file. Token pins the default
// key's token; when empty one is minted.
type BootstrapApp struct {
	admin.CreateAppInput `yaml:",inline"`
	CreatedBy            string `yaml:"created_by"`
	Token                string `yaml:"token"`
}

// Load parses the environment, validates it and reads the bootstrap file
// when one is configured.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BootstrapFile != "" {
		b, err := LoadBootstrap(cfg.BootstrapFile)
		if err != nil {
			return nil, err
		}
		cfg.Bootstrap = b
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.DomainAdapter = strings.ToLower(strings.TrimSpace(c.DomainAdapter))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Artifacts.Type = strings.ToLower(strings.TrimSpace(c.Artifacts.Type))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	modes := []struct{ name, mode string }{
		{"OPENPORT_STORE", c.Store},
		{"OPENPORT_DOMAIN_ADAPTER", c.DomainAdapter},
	}
	for _, m := range modes {
		name, mode := m.name, m.mode
		switch mode {
		case ModeMemory, ModeSQLite:
		case ModePostgres:
			if c.DatabaseURL == "" {
				errs = append(errs, fmt.Errorf("%s=postgres requires DATABASE_URL", name))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown mode %q", name, mode))
		}
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("OPENPORT_RATE_LIMIT must be positive"))
	}
	if c.RateWindow <= 0 {
		errs = append(errs, errors.New("OPENPORT_RATE_WINDOW must be positive"))
	}
	if c.IPRPS <= 0 || c.IPBurst <= 0 {
		errs = append(errs, errors.New("OPENPORT_IP_RPS and OPENPORT_IP_BURST must be positive"))
	}
	if c.PreflightTTL <= 0 {
		errs = append(errs, errors.New("OPENPORT_PREFLIGHT_TTL must be positive"))
	}
	switch artifacts.Type(c.Artifacts.Type) {
	case artifacts.TypeNone, artifacts.TypeFS, artifacts.TypeS3, artifacts.TypeGCS:
	default:
		errs = append(errs, fmt.Errorf("ARTIFACT_STORAGE_TYPE: unsupported type %q", c.Artifacts.Type))
	}
	return errors.Join(errs...)
}

// ArtifactConfig converts the environment into the archive factory config.
func (c *Config) ArtifactConfig() artifacts.Config {
	a := c.Artifacts
	return artifacts.Config{
		Type:    artifacts.Type(a.Type),
		DataDir: a.DataDir,
		S3: artifacts.S3Config{
			Bucket:   a.S3Bucket,
			Region:   a.S3Region,
			Endpoint: a.S3Endpoint,
			Prefix:   a.S3Prefix,
		},
		GCS: artifacts.GCSConfig{Bucket: a.GCSBucket, Prefix: a.GCSPrefix},
	}
}

// LoadBootstrap reads a bootstrap file. Every app needs a name and a scope.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bootstrap %q: %w", path, err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap %q: %w", path, err)
	}
	for i, app := range b.Apps {
		if strings.TrimSpace(app.Name) == "" {
			return nil, fmt.Errorf("bootstrap app %d: name required", i)
		}
		if app.Scope == "" {
			return nil, fmt.Errorf("bootstrap app %q: scope required", app.Name)
		}
	}
	return &b, nil
}
