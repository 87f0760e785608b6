package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stratum-storage/stratum/internal/bytesize"
)

// Config captures the static configuration of a Stratum pool.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (STRATUM_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Pool contains engine-wide settings
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Devices lists the backing devices of the pool
	Devices []DeviceConfig `mapstructure:"devices" yaml:"devices"`

	// Classes configures the allocation classes
	Classes ClassesConfig `mapstructure:"classes" yaml:"classes"`

	// Write holds the default properties applied to logical writes
	Write WriteConfig `mapstructure:"write" yaml:"write"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing. When
// enabled, trace data is exported to an OTLP-compatible collector.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects,
	// inuse_space, goroutines, mutex_count, mutex_duration,
	// block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// PoolConfig contains engine-wide settings.
type PoolConfig struct {
	// Name identifies the pool in logs and metrics
	// Default: "stratum"
	Name string `mapstructure:"name" yaml:"name"`

	// Workers is the worker count per pipeline queue
	// Default: 8
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// RootShards is the number of root nodes new work is spread across
	// Default: 4
	RootShards int `mapstructure:"root_shards" validate:"omitempty,min=1" yaml:"root_shards"`

	// DedupShards is the shard count of the in-memory dedup table
	// Default: 64
	DedupShards int `mapstructure:"dedup_shards" validate:"omitempty,min=1" yaml:"dedup_shards"`

	// Deadman is how long an in-flight operation may sit before a
	// warning is logged
	// Default: 60s
	Deadman time.Duration `mapstructure:"deadman" yaml:"deadman"`

	// EmbedThreshold is the largest physical size stored directly in
	// the block pointer instead of on a device
	// Default: 512
	EmbedThreshold bytesize.ByteSize `mapstructure:"embed_threshold" yaml:"embed_threshold,omitempty"`

	// KeyFile is the path to the 32-byte encryption key. Required only
	// when any write requests encryption.
	KeyFile string `mapstructure:"key_file" yaml:"key_file,omitempty"`
}

// DeviceConfig describes one backing device.
type DeviceConfig struct {
	// ID is the stable device identifier referenced by block pointers.
	// Must be unique and non-zero.
	ID uint64 `mapstructure:"id" validate:"required,min=1" yaml:"id"`

	// Path is the backing file or block device. Ignored for the mem
	// backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// Backend selects the IO backend
	// Valid values: file, mem
	// Default: file
	Backend string `mapstructure:"backend" validate:"omitempty,oneof=file mem" yaml:"backend,omitempty"`

	// Size is the device capacity. Required for the mem backend;
	// for files it defaults to the current file size.
	Size bytesize.ByteSize `mapstructure:"size" yaml:"size,omitempty"`

	// Direct opens file devices with O_DIRECT, bypassing the page cache
	Direct bool `mapstructure:"direct" yaml:"direct,omitempty"`

	// Workers is the IO worker count for this device
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers,omitempty"`

	// Class assigns the device's space to an allocation class
	// Valid values: normal, dedup, log
	// Default: normal
	Class string `mapstructure:"class" validate:"omitempty,oneof=normal dedup log" yaml:"class,omitempty"`
}

// ClassesConfig configures the allocation classes.
type ClassesConfig struct {
	// MaxContiguous caps single allocations; larger blocks split into
	// gang blocks. Zero means unlimited.
	MaxContiguous bytesize.ByteSize `mapstructure:"max_contiguous" yaml:"max_contiguous,omitempty"`

	Normal ClassConfig `mapstructure:"normal" yaml:"normal"`
	Dedup  ClassConfig `mapstructure:"dedup" yaml:"dedup"`
	Log    ClassConfig `mapstructure:"log" yaml:"log"`
}

// ClassConfig holds the throttle settings of one allocation class.
type ClassConfig struct {
	// Shards spreads reservation accounting to reduce contention
	// Default: 4
	Shards int `mapstructure:"shards" validate:"omitempty,min=1" yaml:"shards,omitempty"`

	// ReserveLimit caps outstanding allocation reservations per shard.
	// Zero disables throttling for the class.
	ReserveLimit bytesize.ByteSize `mapstructure:"reserve_limit" yaml:"reserve_limit,omitempty"`
}

// WriteConfig holds default logical write properties.
type WriteConfig struct {
	// Checksum algorithm for new blocks
	// Valid values: blake3, sha256, xxhash, off
	// Default: blake3
	Checksum string `mapstructure:"checksum" validate:"omitempty,oneof=blake3 sha256 xxhash off" yaml:"checksum"`

	// Compression algorithm for new blocks
	// Valid values: s2, zstd, off
	// Default: s2
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=s2 zstd off" yaml:"compression"`

	// Copies is the replica count for new blocks
	// Default: 1
	Copies int `mapstructure:"copies" validate:"omitempty,min=1,max=3" yaml:"copies"`

	// Dedup enables block-level deduplication for new writes
	Dedup bool `mapstructure:"dedup" yaml:"dedup"`

	// DedupVerify reads existing blocks back and compares content
	// before sharing them, guarding against checksum collisions
	DedupVerify bool `mapstructure:"dedup_verify" yaml:"dedup_verify"`

	// Encrypt enables encryption for new writes; requires pool.key_file
	Encrypt bool `mapstructure:"encrypt" yaml:"encrypt"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STRATUM_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// config file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  stratum init\n\n"+
				"Or specify a custom config file:\n"+
				"  stratum <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  stratum init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions: the file may reference key material.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the STRATUM_ prefix, for example
// STRATUM_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("STRATUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is acceptable; the caller falls back to defaults.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize,
// so config files can use human-readable sizes like "1Gi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, so config files
// can use human-readable durations like "30s" or "5m".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Raw integers are nanoseconds
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config, falling back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stratum")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "stratum")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
