// Package config loads airparif-influx configuration from the environment and
// an optional YAML file. Command line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/airquality/airparif"
	"github.com/breatheroute/airparif-influx/internal/geocoding/opendatasoft"
)

// Config holds the runtime configuration of one invocation.
type Config struct {
	// APIKey is the Airparif API key. Required.
	APIKey string `yaml:"apiKey"`

	// Cities are INSEE codes to export; empty exports the region.
	Cities []string `yaml:"cities"`

	// ResolveNames adds the city tag to commune records.
	ResolveNames bool `yaml:"resolveNames"`

	// PollutantFields emits one line per day with a field per pollutant.
	PollutantFields bool `yaml:"pollutantFields"`

	Environment string          `yaml:"environment"`
	Upstream    UpstreamConfig  `yaml:"upstream"`
	Log         LogConfig       `yaml:"log"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Server      ServerConfig    `yaml:"server"`
	PubSub      PubSubConfig    `yaml:"pubsub"`
}

// UpstreamConfig configures the HTTP clients.
type UpstreamConfig struct {
	AirparifBaseURL  string        `yaml:"airparifBaseUrl"`
	GeocodingBaseURL string        `yaml:"geocodingBaseUrl"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"maxRetries"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, json or console
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// ServerConfig configures the HTTP exposition mode.
type ServerConfig struct {
	// Listen is the address to serve on. Empty runs a single export.
	Listen string `yaml:"listen"`

	// MetricsRateLimit is the number of /metrics requests allowed per client
	// IP and minute.
	MetricsRateLimit int `yaml:"metricsRateLimit"`
}

// PubSubConfig configures the optional Google Pub/Sub sink.
type PubSubConfig struct {
	ProjectID string `yaml:"projectId"`
	Topic     string `yaml:"topic"`
}

// Enabled reports whether lines are also published to Pub/Sub.
func (c PubSubConfig) Enabled() bool {
	return c.Topic != ""
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Environment: "development",
		Upstream: UpstreamConfig{
			AirparifBaseURL:  airparif.DefaultBaseURL,
			GeocodingBaseURL: opendatasoft.DefaultBaseURL,
			Timeout:          10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
		Server: ServerConfig{
			MetricsRateLimit: 60,
		},
	}
}

// FromEnv returns the defaults overridden by environment variables read
// through getenv. Malformed numeric values keep their default.
func FromEnv(getenv func(string) string) Config {
	cfg := Default()
	env := envReader(getenv)

	cfg.APIKey = env.get("AIRPARIF_API_KEY", cfg.APIKey)
	cfg.Environment = env.get("APP_ENV", cfg.Environment)

	cfg.Upstream.AirparifBaseURL = env.get("AIRPARIF_BASE_URL", cfg.Upstream.AirparifBaseURL)
	cfg.Upstream.GeocodingBaseURL = env.get("GEOCODING_BASE_URL", cfg.Upstream.GeocodingBaseURL)
	cfg.Upstream.Timeout = env.duration("HTTP_TIMEOUT", cfg.Upstream.Timeout)
	cfg.Upstream.MaxRetries = env.int("HTTP_MAX_RETRIES", cfg.Upstream.MaxRetries)

	cfg.Log.Level = env.get("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env.get("LOG_FORMAT", cfg.Log.Format)

	cfg.Telemetry.Enabled = env.get("OTEL_ENABLED", "") == "true"
	cfg.Telemetry.OTLPEndpoint = env.get("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)

	cfg.Server.MetricsRateLimit = env.int("METRICS_RATE_LIMIT", cfg.Server.MetricsRateLimit)

	cfg.PubSub.ProjectID = env.get("PUBSUB_PROJECT_ID", cfg.PubSub.ProjectID)

	return cfg
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file
// leave cfg untouched; unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %v", airquality.ErrArgument, err)
	}
	return Decode(bytes.NewReader(data), cfg)
}

// Decode overlays YAML read from r onto cfg.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse config file: %v", airquality.ErrArgument, err)
	}
	return nil
}

// Validate checks the final configuration and normalizes the city codes.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: an API key is required (--api-key or AIRPARIF_API_KEY)", airquality.ErrArgument)
	}

	for i, code := range c.Cities {
		normalized, err := airquality.NormalizeAreaCode(code)
		if err != nil {
			return err
		}
		c.Cities[i] = normalized
	}

	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("%w: http timeout must be positive", airquality.ErrArgument)
	}
	if c.Upstream.MaxRetries < 0 {
		return fmt.Errorf("%w: http max retries must not be negative", airquality.ErrArgument)
	}

	switch strings.ToLower(c.Log.Format) {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("%w: unknown log format %q", airquality.ErrArgument, c.Log.Format)
	}

	if c.Server.Listen != "" && c.Server.MetricsRateLimit <= 0 {
		return fmt.Errorf("%w: metrics rate limit must be positive", airquality.ErrArgument)
	}
	if c.PubSub.Enabled() && c.PubSub.ProjectID == "" {
		return fmt.Errorf("%w: a Pub/Sub topic needs PUBSUB_PROJECT_ID", airquality.ErrArgument)
	}
	if c.PubSub.Enabled() && c.Server.Listen != "" {
		return fmt.Errorf("%w: Pub/Sub publishing is only available for single runs, not with --listen", airquality.ErrArgument)
	}

	return nil
}

type envReader func(string) string

func (e envReader) get(key, defaultValue string) string {
	if value := e(key); value != "" {
		return value
	}
	return defaultValue
}

func (e envReader) int(key string, defaultValue int) int {
	n, err := strconv.Atoi(e.get(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return n
}

func (e envReader) duration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(e.get(key, defaultValue.String()))
	if err != nil {
		return defaultValue
	}
	return d
}
