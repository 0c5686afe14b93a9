package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/dsync/pkg/stores"
	"github.com/openfroyo/dsync/pkg/telemetry"
	"github.com/openfroyo/dsync/pkg/warehouse"
	"github.com/openfroyo/dsync/pkg/warehouse/bigquery"
)

var validate = validator.New()

// DefaultFile is the tool configuration looked up when no path is given.
const DefaultFile = "dsync.yaml"

// Config is the tool configuration (dsync.yaml).
type Config struct {
	// Project is the warehouse project that hosts the datasets.
	Project string `yaml:"project" validate:"required"`

	// Backend selects the warehouse implementation.
	Backend string `yaml:"backend" validate:"required,oneof=bigquery memory"`

	// ProjectFile is the file declaring datasets and grants, relative to this file.
	ProjectFile string `yaml:"project_file" validate:"required"`

	// Concurrency bounds the number of datasets reconciled at once.
	Concurrency int `yaml:"concurrency" validate:"gte=1,lte=64"`

	State    StateConfig    `yaml:"state"`
	BigQuery BigQueryConfig `yaml:"bigquery"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Watch    WatchConfig    `yaml:"watch"`

	// path is the file the configuration was loaded from.
	path string
}

// StateConfig configures the run history store.
type StateConfig struct {
	// Path is the SQLite database file, relative to the configuration file.
	Path string `yaml:"path" validate:"required"`

	// RetentionDays prunes runs older than this many days after each apply; 0 keeps everything.
	RetentionDays int `yaml:"retention_days" validate:"gte=0"`
}

// BigQueryConfig configures the bigquery backend.
type BigQueryConfig struct {
	Location        string `yaml:"location"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint" validate:"omitempty,url"`
}

// RetryConfig configures retries of transient warehouse failures.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseDelay  time.Duration `yaml:"base_delay" validate:"gte=0"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// WatchConfig configures "dsync watch".
type WatchConfig struct {
	// Debounce delays a reload after the last file change.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`

	// Interval re-applies periodically even without file changes; 0 disables it.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// Default returns the configuration used for absent fields.
func Default() *Config {
	return &Config{
		Backend:     warehouse.BackendBigQuery,
		ProjectFile: "dbt_project.yml",
		Concurrency: 4,
		State: StateConfig{
			Path: ".dsync/state.db",
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9464",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Load reads, defaults and validates a configuration file. Environment
// variables in the file (${VAR}) are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes and validates configuration content. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct rules and returns every violation in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value()))
	case "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Path returns the file the configuration was loaded from, or "".
func (c *Config) Path() string {
	return c.path
}

// resolve makes p relative to the configuration file's directory.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// ProjectFilePath returns the resolved project file path.
func (c *Config) ProjectFilePath() string {
	return c.resolve(c.ProjectFile)
}

// StatePath returns the resolved state database path.
func (c *Config) StatePath() string {
	if c.State.Path == ":memory:" {
		return c.State.Path
	}
	return c.resolve(c.State.Path)
}

// StoreConfig returns the settings for the run history store.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{Path: c.StatePath()}
}

// WarehouseOptions returns the settings for opening the backend.
func (c *Config) WarehouseOptions() warehouse.Options {
	return warehouse.Options{
		Backend: c.Backend,
		BigQuery: bigquery.Config{
			Project:         c.Project,
			Location:        c.BigQuery.Location,
			CredentialsFile: c.resolve(c.BigQuery.CredentialsFile),
			Endpoint:        c.BigQuery.Endpoint,
		},
		MaxRetries:     c.Retry.MaxRetries,
		RetryBaseDelay: c.Retry.BaseDelay,
	}
}

// Telemetry returns the telemetry configuration for this tool configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.ListenAddress

	tc.Tracing.Enabled = c.Tracing.Exporter != "none"
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.Insecure = c.Tracing.Insecure
	tc.Tracing.SamplingRate = c.Tracing.SamplingRate

	tc.ResourceAttributes["project"] = c.Project
	return tc
}
