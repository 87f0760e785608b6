package config

import (
	"fmt"
	"os"

	"github.com/stratum-storage/stratum/internal/bytesize"
)

// sampleConfig returns a starter configuration with one file-backed
// device, suitable for editing after 'stratum init'.
func sampleConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Devices = []DeviceConfig{
		{
			ID:      1,
			Path:    "/var/lib/stratum/dev1.img",
			Backend: "file",
			Size:    bytesize.GiB,
			Workers: DefaultDeviceWorkers,
			Class:   "normal",
		},
	}
	return cfg
}

// InitConfig writes a sample configuration to the default location and
// returns the path. Refuses to overwrite an existing file unless force
// is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a sample configuration to the given path.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
		}
	}
	return SaveConfig(sampleConfig(), path)
}
