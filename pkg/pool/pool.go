// Package pool assembles a running storage engine from configuration:
// it opens the backing devices, builds the allocator and its classes,
// and wires the pipeline engine together with metrics.
package pool

import (
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/alloc"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/config"
	"github.com/stratum-storage/stratum/pkg/ddt"
	"github.com/stratum-storage/stratum/pkg/metrics"
	stratumprom "github.com/stratum-storage/stratum/pkg/metrics/prometheus"
	"github.com/stratum-storage/stratum/pkg/pipeline"
	"github.com/stratum-storage/stratum/pkg/vdev"
)

// Pool is a running storage engine plus the collaborators it was
// assembled from. Close releases everything in dependency order.
type Pool struct {
	// ID uniquely identifies this pool instance in logs and metrics.
	ID   uuid.UUID
	Name string

	Engine    *pipeline.Engine
	Devices   *vdev.Manager
	Allocator *alloc.Freelist

	Normal *alloc.Class
	Dedup  *alloc.Class
	Log    *alloc.Class

	// Props are the default write properties from the configuration.
	Props pipeline.WriteProps
}

// Open builds a pool from a validated configuration.
func Open(cfg *config.Config) (*Pool, error) {
	var flOpts []alloc.FreelistOption
	if cfg.Classes.MaxContiguous != 0 {
		flOpts = append(flOpts, alloc.WithMaxContiguous(uint64(cfg.Classes.MaxContiguous)))
	}
	fl := alloc.NewFreelist(flOpts...)

	mgr := vdev.NewManager()
	for _, d := range cfg.Devices {
		backend, size, err := openBackend(d)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		mgr.Attach(d.ID, backend, d.Workers)
		fl.AddRegion(d.Class, alloc.Region{Device: d.ID, Start: 0, Size: uint64(size)})
		logger.Info("attached device",
			logger.KeyDevice, d.ID,
			logger.KeySize, size,
			logger.KeyClass, d.Class)
	}

	normal := newClass(alloc.ClassNormal, cfg.Classes.Normal)
	dedupClass := newClass(alloc.ClassDedup, cfg.Classes.Dedup)
	logClass := newClass(alloc.ClassLog, cfg.Classes.Log)

	var key []byte
	if cfg.Pool.KeyFile != "" {
		var err error
		key, err = os.ReadFile(cfg.Pool.KeyFile)
		if err != nil {
			mgr.Close()
			return nil, fmt.Errorf("reading key file: %w", err)
		}
		if len(key) != 32 {
			mgr.Close()
			return nil, fmt.Errorf("key file %s: expected 32 bytes, got %d",
				cfg.Pool.KeyFile, len(key))
		}
	}

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if s := stratumprom.NewEngineSink(); s != nil {
			sink = s
		}
	}

	props, err := writeProps(cfg.Write)
	if err != nil {
		mgr.Close()
		return nil, err
	}

	eng, err := pipeline.NewEngine(pipeline.Config{
		Devices:        mgr,
		Allocator:      fl,
		NormalClass:    normal,
		DedupClass:     dedupClass,
		LogClass:       logClass,
		DedupTable:     ddt.NewTable(cfg.Pool.DedupShards),
		Sink:           sink,
		CryptKey:       key,
		EmbedThreshold: uint64(cfg.Pool.EmbedThreshold),
		Workers:        cfg.Pool.Workers,
		Deadman:        cfg.Pool.Deadman,
		RootShards:     cfg.Pool.RootShards,
	})
	if err != nil {
		mgr.Close()
		return nil, err
	}

	p := &Pool{
		ID:        uuid.New(),
		Name:      cfg.Pool.Name,
		Engine:    eng,
		Devices:   mgr,
		Allocator: fl,
		Normal:    normal,
		Dedup:     dedupClass,
		Log:       logClass,
		Props:     props,
	}
	logger.Info("pool opened",
		logger.KeyPool, p.Name,
		"id", p.ID.String(),
		"devices", mgr.Len())
	return p, nil
}

// Close shuts the engine down and then the devices.
func (p *Pool) Close() error {
	err := p.Engine.Close()
	if cerr := p.Devices.Close(); err == nil {
		err = cerr
	}
	logger.Info("pool closed", logger.KeyPool, p.Name)
	return err
}

func openBackend(d config.DeviceConfig) (vdev.Backend, int64, error) {
	switch d.Backend {
	case "mem":
		size := int64(d.Size)
		return vdev.NewMemBackend(size), size, nil
	default:
		size := int64(d.Size)
		if size == 0 {
			info, err := os.Stat(d.Path)
			if err != nil {
				return nil, 0, fmt.Errorf("device %d: size omitted and %s not found: %w",
					d.ID, d.Path, err)
			}
			size = info.Size()
		}
		b, err := vdev.OpenFile(d.Path, size, d.Direct)
		if err != nil {
			return nil, 0, fmt.Errorf("device %d: %w", d.ID, err)
		}
		return b, size, nil
	}
}

func newClass(name string, cfg config.ClassConfig) *alloc.Class {
	limit := uint64(cfg.ReserveLimit)
	return alloc.NewClass(name, cfg.Shards, limit, limit != 0)
}

// writeProps translates the configured write defaults into pipeline
// properties.
func writeProps(cfg config.WriteConfig) (pipeline.WriteProps, error) {
	props := pipeline.WriteProps{
		Copies:      cfg.Copies,
		Dedup:       cfg.Dedup,
		DedupVerify: cfg.DedupVerify,
		Encrypt:     cfg.Encrypt,
	}

	switch cfg.Checksum {
	case "blake3":
		props.Checksum = blockptr.ChecksumBlake3
	case "sha256":
		props.Checksum = blockptr.ChecksumSHA256
	case "xxhash":
		props.Checksum = blockptr.ChecksumXXHash64
	case "off":
		props.Checksum = blockptr.ChecksumOff
	default:
		return props, fmt.Errorf("unknown checksum %q", cfg.Checksum)
	}

	switch cfg.Compression {
	case "s2":
		props.Compression = blockptr.CompressS2
	case "zstd":
		props.Compression = blockptr.CompressZstd
	case "off":
		props.Compression = blockptr.CompressOff
	default:
		return props, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	return props, nil
}
