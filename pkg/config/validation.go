package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// Validate checks the configuration for errors the struct tags cannot
// express: cross-field constraints and relationships between sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	seen := make(map[uint64]bool, len(cfg.Devices))
	for i, d := range cfg.Devices {
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate device id %d", i, d.ID)
		}
		seen[d.ID] = true

		switch d.Backend {
		case "mem":
			if d.Size == 0 {
				return fmt.Errorf("devices[%d]: mem backend requires an explicit size", i)
			}
		default:
			if d.Path == "" {
				return fmt.Errorf("devices[%d]: file backend requires a path", i)
			}
		}
		if d.Size != 0 && uint64(d.Size)%blockptr.MinBlockSize != 0 {
			return fmt.Errorf("devices[%d]: size %d is not a multiple of %d",
				i, d.Size, blockptr.MinBlockSize)
		}
	}

	if mc := uint64(cfg.Classes.MaxContiguous); mc != 0 {
		if mc < blockptr.MinBlockSize {
			return fmt.Errorf("classes.max_contiguous %d is below the minimum block size %d",
				mc, blockptr.MinBlockSize)
		}
		if mc%blockptr.MinBlockSize != 0 {
			return fmt.Errorf("classes.max_contiguous %d is not a multiple of %d",
				mc, blockptr.MinBlockSize)
		}
	}

	if cfg.Write.Encrypt && cfg.Pool.KeyFile == "" {
		return fmt.Errorf("write.encrypt requires pool.key_file")
	}
	if cfg.Write.Dedup && cfg.Write.Checksum != "blake3" && cfg.Write.Checksum != "sha256" {
		return fmt.Errorf("write.dedup requires a strong checksum (blake3 or sha256), got %q",
			cfg.Write.Checksum)
	}

	return nil
}
