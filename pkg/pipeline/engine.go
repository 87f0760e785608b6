package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/alloc"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/bufpool"
	"github.com/stratum-storage/stratum/pkg/ddt"
	"github.com/stratum-storage/stratum/pkg/metrics"
	"github.com/stratum-storage/stratum/pkg/taskq"
	"github.com/stratum-storage/stratum/pkg/vdev"
)

// Defaults applied by NewEngine when the corresponding Config field is
// zero.
const (
	DefaultWorkers    = 8
	DefaultDeadman    = time.Minute
	DefaultRootShards = 4
	DefaultDDTShards  = 64
)

// Config assembles an Engine from its collaborators. Devices, Allocator
// and NormalClass are required; everything else has a usable default.
type Config struct {
	Devices   *vdev.Manager
	Allocator alloc.SpaceAllocator

	// NormalClass receives general allocations and is the fallback when
	// a dedicated class runs out of space.
	NormalClass *alloc.Class
	DedupClass  *alloc.Class
	LogClass    *alloc.Class

	// DedupTable is created with DefaultDDTShards when nil.
	DedupTable *ddt.Table

	Sink metrics.Sink
	Pool *bufpool.Pool

	// CryptKey enables the encryption stage for writes that request it.
	CryptKey []byte

	// EmbedThreshold is the largest compressed payload stored inline in
	// the block pointer.
	EmbedThreshold uint64

	// Workers is the goroutine count of each task queue.
	Workers int

	// Deadman is the interval at which a blocked waiter reports the
	// operation it is stuck on. Observational only.
	Deadman time.Duration

	// RootShards is the number of godfather roots asynchronous work is
	// spread across.
	RootShards int
}

// Engine owns the task queues, the dedup table, the allocation throttle
// and the suspend state, and creates every node. One Engine serves one
// pool.
type Engine struct {
	pool      *bufpool.Pool
	devices   *vdev.Manager
	allocator alloc.SpaceAllocator

	normalClass *alloc.Class
	dedupClass  *alloc.Class
	logClass    *alloc.Class

	ddt      *ddt.Table
	sink     metrics.Sink
	throttle *allocThrottle

	cryptKey       []byte
	embedThreshold uint64
	deadman        time.Duration

	taskqs [2][numPriorities]*taskq.Queue

	rootMu     sync.Mutex
	roots      []*Node
	rotor      int
	shardRotor atomic.Uint64

	suspendMu   sync.Mutex
	suspended   bool
	suspendCh   chan struct{}
	suspendRoot *Node
}

// NewEngine validates cfg, fills defaults and starts the task queues.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Devices == nil {
		return nil, fmt.Errorf("pipeline: config needs a device manager")
	}
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("pipeline: config needs an allocator")
	}
	if cfg.NormalClass == nil {
		return nil, fmt.Errorf("pipeline: config needs a normal class")
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop{}
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.New()
	}
	if cfg.DedupTable == nil {
		cfg.DedupTable = ddt.NewTable(DefaultDDTShards)
	}
	if cfg.EmbedThreshold == 0 {
		cfg.EmbedThreshold = blockptr.DefaultEmbedThreshold
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Deadman == 0 {
		cfg.Deadman = DefaultDeadman
	}
	if cfg.RootShards == 0 {
		cfg.RootShards = DefaultRootShards
	}

	e := &Engine{
		pool:           cfg.Pool,
		devices:        cfg.Devices,
		allocator:      cfg.Allocator,
		normalClass:    cfg.NormalClass,
		dedupClass:     cfg.DedupClass,
		logClass:       cfg.LogClass,
		ddt:            cfg.DedupTable,
		sink:           cfg.Sink,
		throttle:       newAllocThrottle(),
		cryptKey:       cfg.CryptKey,
		embedThreshold: cfg.EmbedThreshold,
		deadman:        cfg.Deadman,
	}

	for q, qname := range []string{"issue", "intr"} {
		for p := Priority(0); p < numPriorities; p++ {
			e.taskqs[q][p] = taskq.New(
				fmt.Sprintf("%s-%s", qname, p.String()), cfg.Workers)
		}
	}

	e.roots = make([]*Node, cfg.RootShards)
	for i := range e.roots {
		e.roots[i] = e.newGodfather()
	}

	logger.Info("pipeline engine started",
		"workers", cfg.Workers,
		"root_shards", cfg.RootShards)
	return e, nil
}

// NormalClass returns the engine's general allocation class.
func (e *Engine) NormalClass() *alloc.Class { return e.normalClass }

// LogClass returns the log allocation class, nil when not configured.
func (e *Engine) LogClass() *alloc.Class { return e.logClass }

// DedupTable exposes the dedup table for stats reporting.
func (e *Engine) DedupTable() *ddt.Table { return e.ddt }

// rootFor picks the godfather root adopting a fire-and-forget node.
func (e *Engine) rootFor(n *Node) *Node {
	e.rootMu.Lock()
	defer e.rootMu.Unlock()
	e.rotor++
	return e.roots[e.rotor%len(e.roots)]
}

// allocShardFor binds a writer to one reservation shard of its class.
// Shards rotate so a sync pass does not serialize on one counter.
func (e *Engine) allocShardFor(n *Node) int {
	if n.class == nil || n.class.Shards() == 1 {
		return 0
	}
	return int(e.shardRotor.Add(1) % uint64(n.class.Shards()))
}

// Close waits for all adopted asynchronous work and stops the task
// queues. The engine must not be used afterwards.
func (e *Engine) Close() error {
	for _, r := range e.roots {
		if err := r.Wait(); err != nil {
			logger.Error("async work failed during shutdown",
				logger.KeyError, err)
		}
	}
	for q := range e.taskqs {
		for p := range e.taskqs[q] {
			e.taskqs[q][p].Close()
		}
	}
	logger.Info("pipeline engine stopped")
	return nil
}
