package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the contimg configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" json:"service_version" validate:"required"`
	Environment    string `yaml:"environment" json:"environment"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  EventsConfig  `yaml:"events" json:"events"`

	// ResourceAttributes are attached to every exported span.
	ResourceAttributes map[string]string `yaml:"resource_attributes" json:"resource_attributes,omitempty"`
}

// LoggingConfig selects the zerolog level, encoding and destination.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" json:"format" validate:"oneof=console json"`
	// Output is stdout, stderr or a file path opened for append.
	Output string `yaml:"output" json:"output"`

	EnableCaller bool `yaml:"enable_caller" json:"enable_caller"`

	// Burst sampling: SamplingInitial lines per second, then every SamplingThereafter-th.
	EnableSampling     bool `yaml:"enable_sampling" json:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" json:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" json:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" json:"time_format"`
}

// TracingConfig controls the run and stage spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Exporter is otlp, stdout or none. With none, spans are sampled but never exported.
	Exporter     string  `yaml:"exporter" json:"exporter"`
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`

	MaxExportBatchSize int               `yaml:"max_export_batch_size" json:"max_export_batch_size"`
	ExportTimeout      time.Duration     `yaml:"export_timeout" json:"export_timeout"`
	Headers            map[string]string `yaml:"headers" json:"headers,omitempty"`
	Insecure           bool              `yaml:"insecure" json:"insecure"`
}

// MetricsConfig controls the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	ListenAddress string `yaml:"listen_address" json:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" json:"path"`
	Namespace     string `yaml:"namespace" json:"namespace"`
	// DefaultHistogramBuckets are in seconds; stages range from seconds to hours.
	DefaultHistogramBuckets []float64 `yaml:"default_histogram_buckets" json:"default_histogram_buckets,omitempty"`
}

// EventsConfig controls the lifecycle event publisher.
type EventsConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	BufferSize    int           `yaml:"buffer_size" json:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size" json:"max_batch_size"`
	// EnableAsync delivers from a background goroutine instead of the publisher's caller.
	EnableAsync bool `yaml:"enable_async" json:"enable_async"`
}

var traceExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}

var configValidator = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(validateTracing, TracingConfig{})
	v.RegisterStructValidation(validateEvents, EventsConfig{})
	return v
}

func validateTracing(sl validator.StructLevel) {
	tc := sl.Current().Interface().(TracingConfig)
	if !tc.Enabled {
		return
	}
	if !traceExporters[tc.Exporter] {
		sl.ReportError(tc.Exporter, "exporter", "Exporter", "exporter", "")
		return
	}
	if tc.Exporter == "otlp" && tc.Endpoint == "" {
		sl.ReportError(tc.Endpoint, "endpoint", "Endpoint", "otlp_endpoint", "")
	}
}

func validateEvents(sl validator.StructLevel) {
	ec := sl.Current().Interface().(EventsConfig)
	if !ec.Enabled {
		return
	}
	if ec.BufferSize <= 0 {
		sl.ReportError(ec.BufferSize, "buffer_size", "BufferSize", "positive", "")
	}
	if ec.MaxBatchSize <= 0 {
		sl.ReportError(ec.MaxBatchSize, "max_batch_size", "MaxBatchSize", "positive", "")
	}
}

// DefaultConfig returns the settings used by the CLI when the config file omits them.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "contimg",
		ServiceVersion: "dev",
		Environment:    "development",
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
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "contimg",
			DefaultHistogramBuckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
		},
		ResourceAttributes: map[string]string{},
	}
}

// ProductionConfig logs JSON with sampling and exports a tenth of the traces over OTLP.
// The collector endpoint still has to be set.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing = TracingConfig{
		Enabled:            true,
		Exporter:           "otlp",
		SamplingRate:       0.1,
		MaxExportBatchSize: cfg.Tracing.MaxExportBatchSize,
		ExportTimeout:      cfg.Tracing.ExportTimeout,
		Headers:            cfg.Tracing.Headers,
	}
	return cfg
}

// DevelopmentConfig logs at debug with callers and pretty-prints spans to stderr.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate reports every invalid setting, one per line.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, errors.New(describeSetting(fe)))
	}
	return errors.Join(errs...)
}

func describeSetting(fe validator.FieldError) string {
	switch fe.StructField() {
	case "ServiceName":
		return "service name is required"
	case "ServiceVersion":
		return "service version is required"
	case "Level":
		return fmt.Sprintf("invalid log level: %v", fe.Value())
	case "Format":
		return fmt.Sprintf("invalid log format: %v (must be 'console' or 'json')", fe.Value())
	case "Exporter":
		return fmt.Sprintf("invalid trace exporter: %v", fe.Value())
	case "Endpoint":
		return "otlp exporter requires an endpoint"
	case "SamplingRate":
		return fmt.Sprintf("trace sampling rate must be between 0 and 1, got: %v", fe.Value())
	case "ListenAddress":
		return "metrics listen address is required when metrics are enabled"
	case "BufferSize":
		return fmt.Sprintf("event buffer size must be positive, got: %v", fe.Value())
	case "MaxBatchSize":
		return fmt.Sprintf("event batch size must be positive, got: %v", fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
}
