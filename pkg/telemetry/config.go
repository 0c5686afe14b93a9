package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds the settings of every telemetry component.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are attached to every exported span (e.g. project).
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is "stdout", "stderr" or a file path appended to.
	Output string `validate:"required"`

	// EnableCaller adds file:line to every entry.
	EnableCaller bool

	// EnableSampling bursts SamplingInitial entries per second, then keeps
	// one in SamplingThereafter.
	EnableSampling     bool
	SamplingInitial    int `validate:"required_if=EnableSampling true,gte=0"`
	SamplingThereafter int `validate:"required_if=EnableSampling true,gte=0"`

	// TimeFormat is "rfc3339", "unix", "unixms" or "unixmicro".
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string `validate:"required_if=Exporter otlp"`

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus collectors and their endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string `validate:"required_if=Enabled true"`
	Path          string `validate:"required_if=Enabled true"`
	Namespace     string

	// DefaultHistogramBuckets are the latency buckets in seconds for run,
	// dataset and warehouse call durations.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds the queue of the async publisher.
	BufferSize    int `validate:"required_if=Enabled true,gte=0"`
	FlushInterval time.Duration
	MaxBatchSize  int `validate:"gte=0"`

	// EnableAsync delivers events from a background goroutine. Runs keep it
	// off so the history store sees every event before the run is saved.
	EnableAsync bool
}

// DefaultConfig returns the telemetry configuration of a dsync command:
// console logs on stderr, no span export, metrics off until an endpoint is
// served and synchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dsync",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9464",
			Path:          "/metrics",
			Namespace:     "dsync",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 300.0,
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    256,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  32,
		},
		ResourceAttributes: make(map[string]string),
	}
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
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required", "required_if":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fmt.Sprint(fe.Value())))
		default:
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
