// Package config loads bridge settings from defaults, a YAML file and
// SENSORBRIDGE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds
const (
	TransportAMQP     = "amqp"
	TransportNATS     = "nats"
	TransportLoopback = "loopback"
)

const envPrefix = "SENSORBRIDGE_"

// Config is the full bridge configuration
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects and addresses the sensor service
type TransportConfig struct {
	Kind           string        `yaml:"kind"`
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	RoutingKey     string        `yaml:"routing_key"`
	Subject        string        `yaml:"subject"`
	MaxRetries     int           `yaml:"max_retries"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// BridgeConfig holds the request bridge timeouts and behaviour switches
type BridgeConfig struct {
	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	IndicationTimeout  time.Duration `yaml:"indication_timeout"`
	QueueSize          int           `yaml:"queue_size"`
	DefaultOnly        bool          `yaml:"default_only"`
	FirstSampleWait    bool          `yaml:"first_sample_wait"`
	CalibrationSensors []string      `yaml:"calibration_sensors"`
}

// BreakerConfig tunes the circuit breaker that gates channel opens
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// LogConfig configures slog output and lumberjack rotation
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:           TransportLoopback,
			Exchange:       "sensorbridge.requests",
			RoutingKey:     "client_request",
			Subject:        "sensorbridge.requests",
			MaxRetries:     -1,
			ReconnectDelay: 5 * time.Second,
		},
		Bridge: BridgeConfig{
			ReadyTimeout:      5 * time.Second,
			ResponseTimeout:   time.Second,
			IndicationTimeout: 2 * time.Second,
			QueueSize:         64,
			DefaultOnly:       true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			HalfOpenRequests: 1,
			OpenTimeout:      10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("TRANSPORT", &c.Transport.Kind)
	str("URL", &c.Transport.URL)
	str("EXCHANGE", &c.Transport.Exchange)
	str("ROUTING_KEY", &c.Transport.RoutingKey)
	str("SUBJECT", &c.Transport.Subject)
	num("MAX_RETRIES", &c.Transport.MaxRetries)
	dur("RECONNECT_DELAY", &c.Transport.ReconnectDelay)

	dur("READY_TIMEOUT", &c.Bridge.ReadyTimeout)
	dur("RESPONSE_TIMEOUT", &c.Bridge.ResponseTimeout)
	dur("INDICATION_TIMEOUT", &c.Bridge.IndicationTimeout)
	num("QUEUE_SIZE", &c.Bridge.QueueSize)
	flag("DEFAULT_ONLY", &c.Bridge.DefaultOnly)
	flag("FIRST_SAMPLE_WAIT", &c.Bridge.FirstSampleWait)
	if v, ok := lookup(envPrefix + "CALIBRATION_SENSORS"); ok {
		c.Bridge.CalibrationSensors = splitList(v)
	}

	num("BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	num("BREAKER_SUCCESS_THRESHOLD", &c.Breaker.SuccessThreshold)
	num("BREAKER_HALF_OPEN_REQUESTS", &c.Breaker.HalfOpenRequests)
	dur("BREAKER_OPEN_TIMEOUT", &c.Breaker.OpenTimeout)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	str("METRICS_ADDR", &c.Metrics.Addr)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportLoopback:
	case TransportAMQP, TransportNATS:
		if c.Transport.URL == "" {
			errs = append(errs, fmt.Errorf("transport %q requires a url", c.Transport.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}
	if c.Transport.Kind == TransportAMQP && c.Transport.Exchange == "" {
		errs = append(errs, errors.New("amqp exchange must not be empty"))
	}
	if c.Transport.Kind == TransportNATS && c.Transport.Subject == "" {
		errs = append(errs, errors.New("nats subject must not be empty"))
	}

	positive := map[string]time.Duration{
		"ready_timeout":        c.Bridge.ReadyTimeout,
		"response_timeout":     c.Bridge.ResponseTimeout,
		"indication_timeout":   c.Bridge.IndicationTimeout,
		"breaker.open_timeout": c.Breaker.OpenTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	counts := map[string]int{
		"queue_size":                 c.Bridge.QueueSize,
		"breaker.failure_threshold":  c.Breaker.FailureThreshold,
		"breaker.success_threshold":  c.Breaker.SuccessThreshold,
		"breaker.half_open_requests": c.Breaker.HalfOpenRequests,
	}
	for name, n := range counts {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
