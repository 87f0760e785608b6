package config

import (
	"strings"
	"time"

	"github.com/stratum-storage/stratum/internal/bytesize"
)

// Default values applied when the configuration leaves a field unset.
const (
	DefaultWorkers        = 8
	DefaultRootShards     = 4
	DefaultDedupShards    = 64
	DefaultDeviceWorkers  = 4
	DefaultClassShards    = 4
	DefaultDeadman        = 60 * time.Second
	DefaultEmbedThreshold = bytesize.ByteSize(512)
	DefaultMetricsPort    = 9090
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyPoolDefaults(&cfg.Pool)
	applyDeviceDefaults(cfg.Devices)
	applyClassDefaults(&cfg.Classes)
	applyWriteDefaults(&cfg.Write)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalized to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{
			"cpu", "alloc_objects", "alloc_space",
			"inuse_objects", "inuse_space", "goroutines",
		}
	}
}

func applyPoolDefaults(cfg *PoolConfig) {
	if cfg.Name == "" {
		cfg.Name = "stratum"
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RootShards == 0 {
		cfg.RootShards = DefaultRootShards
	}
	if cfg.DedupShards == 0 {
		cfg.DedupShards = DefaultDedupShards
	}
	if cfg.Deadman == 0 {
		cfg.Deadman = DefaultDeadman
	}
	if cfg.EmbedThreshold == 0 {
		cfg.EmbedThreshold = DefaultEmbedThreshold
	}
}

func applyDeviceDefaults(devices []DeviceConfig) {
	for i := range devices {
		d := &devices[i]
		if d.Backend == "" {
			d.Backend = "file"
		}
		if d.Workers == 0 {
			d.Workers = DefaultDeviceWorkers
		}
		if d.Class == "" {
			d.Class = "normal"
		}
	}
}

func applyClassDefaults(cfg *ClassesConfig) {
	for _, c := range []*ClassConfig{&cfg.Normal, &cfg.Dedup, &cfg.Log} {
		if c.Shards == 0 {
			c.Shards = DefaultClassShards
		}
	}
}

func applyWriteDefaults(cfg *WriteConfig) {
	if cfg.Checksum == "" {
		cfg.Checksum = "blake3"
	}
	if cfg.Compression == "" {
		cfg.Compression = "s2"
	}
	if cfg.Copies == 0 {
		cfg.Copies = 1
	}
}

// GetDefaultConfig returns a configuration with all defaults applied and
// no devices. Useful for 'stratum init' and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
