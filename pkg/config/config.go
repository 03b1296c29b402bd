// Package config loads the flowhs service configuration from YAML with
// FLOWHS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/plaenen/flowhs/pkg/command"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWHS_"

// ErrInvalidConfig matches every validation failure of Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Meter         MeterConfig         `yaml:"meter"`
	NATS          NATSConfig          `yaml:"nats"`
	SQLite        SQLiteConfig        `yaml:"sqlite"`
	History       HistoryConfig       `yaml:"history"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	// HealthInterval is the period of the service health probes. Zero
	// disables them.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// OrchestrationConfig tunes the operation state machine.
type OrchestrationConfig struct {
	// SpeakerCommandRetriesLimit is the maximum number of error responses
	// accepted per command. The response reaching the limit fails the command.
	SpeakerCommandRetriesLimit int `yaml:"speaker_command_retries_limit"`

	// OperationTimeout fails commands still pending after it elapses.
	// Zero waits forever.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type MeterConfig struct {
	BurstCoefficient string `yaml:"burst_coefficient"`
	MinBurstKbits    int64  `yaml:"min_burst_kbits"`
}

type NATSConfig struct {
	URL            string `yaml:"url"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	ClientName     string `yaml:"client_name"`
	CredentialsURL string `yaml:"credentials_url"`

	// CredentialsFile holds the ciphertext CredentialsURL decrypts.
	CredentialsFile string `yaml:"credentials_file"`

	// Embedded starts an in-process server instead of dialling URL.
	Embedded     bool   `yaml:"embedded"`
	EmbeddedPort int    `yaml:"embedded_port"`
	StoreDir     string `yaml:"store_dir"`
}

type SQLiteConfig struct {
	DSN     string `yaml:"dsn"`
	WALMode bool   `yaml:"wal_mode"`
}

type HistoryConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// TelemetryConfig controls the local span and metric store.
type TelemetryConfig struct {
	// ExportDSN is the SQLite file spans and metrics are written to.
	// Empty disables export; instrumentation then records nothing.
	ExportDSN       string        `yaml:"export_dsn"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"`
	MetricInterval  time.Duration `yaml:"metric_interval"`
	Retention       time.Duration `yaml:"retention"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "flowhs",
			Version:     "dev",
			Environment: "dev",
			LogLevel:    "info",
			LogFormat:   "text",

			HealthInterval: 30 * time.Second,
		},
		Orchestration: OrchestrationConfig{
			SpeakerCommandRetriesLimit: 3,
			OperationTimeout:           30 * time.Second,
		},
		Meter: MeterConfig{
			BurstCoefficient: "1.05",
			MinBurstKbits:    1024,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "flowhs",
			ClientName:    "flowhs",
			EmbeddedPort:  -1,
		},
		SQLite: SQLiteConfig{
			DSN:     "flowhs.db",
			WALMode: true,
		},
		History: HistoryConfig{
			BufferSize: 1024,
		},
		Telemetry: TelemetryConfig{
			TraceSampleRate: 1,
			MetricInterval:  30 * time.Second,
			Retention:       7 * 24 * time.Hour,
		},
	}
}

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s (line %d): %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ParseError{Path: path, Line: extractLine(err), Err: err}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func extractLine(err error) int {
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	line, convErr := strconv.Atoi(matches[1])
	if convErr != nil {
		return 0
	}
	return line
}

// ApplyEnv overrides fields from FLOWHS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("SERVICE_NAME", &c.Service.Name)
	str("SERVICE_VERSION", &c.Service.Version)
	str("ENVIRONMENT", &c.Service.Environment)
	str("LOG_LEVEL", &c.Service.LogLevel)
	str("LOG_FORMAT", &c.Service.LogFormat)
	duration("HEALTH_INTERVAL", &c.Service.HealthInterval)

	integer("SPEAKER_COMMAND_RETRIES_LIMIT", &c.Orchestration.SpeakerCommandRetriesLimit)
	duration("OPERATION_TIMEOUT", &c.Orchestration.OperationTimeout)

	str("BURST_COEFFICIENT", &c.Meter.BurstCoefficient)

	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("NATS_CLIENT_NAME", &c.NATS.ClientName)
	str("NATS_CREDENTIALS_URL", &c.NATS.CredentialsURL)
	str("NATS_CREDENTIALS_FILE", &c.NATS.CredentialsFile)
	boolean("NATS_EMBEDDED", &c.NATS.Embedded)
	integer("NATS_EMBEDDED_PORT", &c.NATS.EmbeddedPort)

	str("SQLITE_DSN", &c.SQLite.DSN)
	boolean("SQLITE_WAL", &c.SQLite.WALMode)

	integer("HISTORY_BUFFER_SIZE", &c.History.BufferSize)

	str("TELEMETRY_EXPORT_DSN", &c.Telemetry.ExportDSN)
	float("TELEMETRY_SAMPLE_RATE", &c.Telemetry.TraceSampleRate)
	duration("TELEMETRY_METRIC_INTERVAL", &c.Telemetry.MetricInterval)
	duration("TELEMETRY_RETENTION", &c.Telemetry.Retention)

	return errors.Join(errs...)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Service.HealthInterval < 0 {
		fail("service.health_interval must not be negative")
	}
	if c.Orchestration.SpeakerCommandRetriesLimit < 1 {
		fail("orchestration.speaker_command_retries_limit must be at least 1, got %d", c.Orchestration.SpeakerCommandRetriesLimit)
	}
	if c.Orchestration.OperationTimeout < 0 {
		fail("orchestration.operation_timeout must not be negative")
	}
	if _, err := c.BurstPolicy(); err != nil {
		fail("meter: %v", err)
	}
	if c.NATS.SubjectPrefix == "" {
		fail("nats.subject_prefix is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		fail("nats.url is required unless nats.embedded is set")
	}
	if c.NATS.CredentialsURL != "" && c.NATS.CredentialsFile == "" {
		fail("nats.credentials_file is required with nats.credentials_url")
	}
	if c.SQLite.DSN == "" {
		fail("sqlite.dsn is required")
	}
	if c.History.BufferSize < 1 {
		fail("history.buffer_size must be at least 1, got %d", c.History.BufferSize)
	}
	if r := c.Telemetry.TraceSampleRate; r < 0 || r > 1 {
		fail("telemetry.trace_sample_rate must be within [0, 1], got %v", r)
	}
	if c.Telemetry.ExportDSN != "" && c.Telemetry.MetricInterval <= 0 {
		fail("telemetry.metric_interval must be positive")
	}
	if c.Telemetry.Retention < 0 {
		fail("telemetry.retention must not be negative")
	}
	if _, err := c.LogLevel(); err != nil {
		fail("service.log_level: %v", err)
	}
	switch c.Service.LogFormat {
	case "text", "json":
	default:
		fail("service.log_format must be text or json, got %q", c.Service.LogFormat)
	}

	return errors.Join(errs...)
}

// BurstPolicy returns the meter burst policy.
func (c *Config) BurstPolicy() (command.BurstPolicy, error) {
	coefficient, err := decimal.NewFromString(c.Meter.BurstCoefficient)
	if err != nil {
		return command.BurstPolicy{}, fmt.Errorf("burst_coefficient %q: %w", c.Meter.BurstCoefficient, err)
	}
	if coefficient.LessThan(decimal.NewFromInt(1)) {
		return command.BurstPolicy{}, fmt.Errorf("burst_coefficient must be at least 1, got %s", coefficient)
	}
	if c.Meter.MinBurstKbits < 0 {
		return command.BurstPolicy{}, fmt.Errorf("min_burst_kbits must not be negative")
	}
	return command.BurstPolicy{Coefficient: coefficient, MinBurst: c.Meter.MinBurstKbits}, nil
}

// LogLevel parses service.log_level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.ToUpper(c.Service.LogLevel)))
	return level, err
}

// NewLogger builds the process logger from the service section.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if c.Service.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler).With(
		slog.String("service", c.Service.Name),
		slog.String("env", c.Service.Environment),
	)
}
