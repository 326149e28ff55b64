// Package config loads fedgrid configuration from defaults, an optional YAML
// file, and environment variable overrides, in that order of precedence.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("fedgrid.yaml").
//	    WithEnvPrefix("FEDGRID").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete fedgrid configuration.
type Config struct {
	// Sync locates this node within the file-sync tree.
	Sync SyncConfig `yaml:"sync" env:"SYNC"`

	// Transport tunes the outbound tracker and inbound watcher.
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Round sets broadcast-round defaults.
	Round RoundConfig `yaml:"round" env:"ROUND"`

	// Directory controls node liveness bookkeeping.
	Directory DirectoryConfig `yaml:"directory" env:"DIRECTORY"`

	// Futures controls persistence of in-flight requests.
	Futures FuturesConfig `yaml:"futures" env:"FUTURES"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics configures the prometheus collector.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// SyncConfig locates the node inside the synced folder tree.
type SyncConfig struct {
	// Root is the local path of the sync tree (the folder the sync agent
	// replicates). All mailboxes live under it.
	Root string `yaml:"root" env:"ROOT"`
	// Identity is this node's address within the tree, e.g. an email.
	Identity string `yaml:"identity" env:"IDENTITY"`
	// AppName namespaces this application's traffic from other apps
	// sharing the same tree.
	AppName string `yaml:"app_name" env:"APP_NAME"`
}

// TransportConfig tunes polling and dedup behavior.
type TransportConfig struct {
	// PollInterval is the initial response-poll interval.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// MaxPollInterval caps the poll backoff.
	MaxPollInterval time.Duration `yaml:"max_poll_interval" env:"MAX_POLL_INTERVAL"`
	// ReceiverPollInterval is the inbound sweep interval.
	ReceiverPollInterval time.Duration `yaml:"receiver_poll_interval" env:"RECEIVER_POLL_INTERVAL"`
	// ScanRate bounds mailbox listings per second across all peers.
	ScanRate float64 `yaml:"scan_rate" env:"SCAN_RATE"`
	// DedupWindow is how long processed request ids are remembered.
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	// DedupMaxSize bounds the remembered-id set.
	DedupMaxSize int `yaml:"dedup_max_size" env:"DEDUP_MAX_SIZE"`
	// RequestTTL stamps outgoing requests with an expiry.
	RequestTTL time.Duration `yaml:"request_ttl" env:"REQUEST_TTL"`
}

// RoundConfig sets broadcast-round defaults.
type RoundConfig struct {
	// DefaultTimeout bounds a round when the caller does not set one.
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// MinComplete is the default quorum; zero means all targets.
	MinComplete int `yaml:"min_complete" env:"MIN_COMPLETE"`
}

// DirectoryConfig controls liveness bookkeeping.
type DirectoryConfig struct {
	// Staleness is how long after last contact a node counts unreachable.
	Staleness time.Duration `yaml:"staleness" env:"STALENESS"`
}

// FuturesConfig controls persistence of in-flight requests.
type FuturesConfig struct {
	// Enabled turns the sqlite-backed store on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path is the sqlite database file. ":memory:" for tests.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths, zap-style. Defaults to stdout.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with file:line.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches stacktraces at error level.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures the prometheus collector.
type MetricsConfig struct {
	// Enabled turns collection on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the FEDGRID env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FEDGRID",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, joining env tags with "_".
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from defaults and environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Sync.Identity == "" {
		errs = append(errs, "sync.identity is required")
	}
	if c.Sync.AppName == "" {
		errs = append(errs, "sync.app_name is required")
	}
	if c.Transport.PollInterval <= 0 {
		errs = append(errs, "transport.poll_interval must be positive")
	}
	if c.Transport.MaxPollInterval < c.Transport.PollInterval {
		errs = append(errs, "transport.max_poll_interval must be >= poll_interval")
	}
	if c.Transport.DedupMaxSize <= 0 {
		errs = append(errs, "transport.dedup_max_size must be positive")
	}
	if c.Directory.Staleness <= 0 {
		errs = append(errs, "directory.staleness must be positive")
	}
	if c.Round.DefaultTimeout <= 0 {
		errs = append(errs, "round.default_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
