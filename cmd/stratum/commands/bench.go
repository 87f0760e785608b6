package commands

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/internal/telemetry"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/config"
	"github.com/stratum-storage/stratum/pkg/metrics"
	"github.com/stratum-storage/stratum/pkg/pipeline"
	"github.com/stratum-storage/stratum/pkg/pool"
)

var (
	benchDuration  time.Duration
	benchWriters   int
	benchBlockSize int
	benchReadRatio float64
	benchTxgEvery  int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a write/read load test against the configured pool",
	Long: `Run a mixed write/read load test against the configured pool.

Each writer goroutine writes blocks with the pool's default properties
and reads a fraction of them back, verifying content. Throughput and
error counts are printed at the end. When metrics are enabled in the
configuration, a Prometheus endpoint is served for the duration of the
run.

Examples:
  # One minute of mixed load with 8 writers
  stratum bench --duration 1m --writers 8

  # Large sequential writes only
  stratum bench --block-size 1Mi --read-ratio 0`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().DurationVar(&benchDuration, "duration", 30*time.Second, "How long to run")
	benchCmd.Flags().IntVar(&benchWriters, "writers", 8, "Concurrent writer goroutines")
	benchCmd.Flags().IntVar(&benchBlockSize, "block-size", 128<<10, "Logical block size in bytes")
	benchCmd.Flags().Float64Var(&benchReadRatio, "read-ratio", 0.25, "Fraction of writes read back and verified")
	benchCmd.Flags().IntVar(&benchTxgEvery, "txg-every", 1000, "Writes per simulated transaction group")
}

type benchStats struct {
	writes     atomic.Uint64
	reads      atomic.Uint64
	bytes      atomic.Uint64
	errors     atomic.Uint64
	mismatches atomic.Uint64
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	shutdownTelemetry, err := telemetry.Init(cmd.Context(), telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "stratum",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return err
	}
	defer shutdownTelemetry(context.Background())

	stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "stratum",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return err
	}
	defer stopProfiling()

	p, err := pool.Open(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, benchDuration)
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Port)
		defer srv.Shutdown(context.Background())
	}

	var stats benchStats
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < benchWriters; i++ {
		seed := int64(i + 1)
		g.Go(func() error {
			return benchWorker(ctx, p, seed, &stats)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	elapsed := time.Since(start)
	fmt.Printf("bench: %d writes, %d reads in %v\n",
		stats.writes.Load(), stats.reads.Load(), elapsed.Round(time.Millisecond))
	fmt.Printf("bench: %.1f MiB/s written, %d errors, %d mismatches\n",
		float64(stats.bytes.Load())/elapsed.Seconds()/(1<<20),
		stats.errors.Load(), stats.mismatches.Load())
	if stats.errors.Load() > 0 || stats.mismatches.Load() > 0 {
		return fmt.Errorf("bench finished with failures")
	}
	return nil
}

// benchWorker writes blocks until the context expires, reading a
// fraction of them back for verification. Each worker keeps a private
// window of recent blocks so read verification never races a rewrite.
func benchWorker(ctx context.Context, p *pool.Pool, seed int64, stats *benchStats) error {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, benchBlockSize)

	type written struct {
		bp   *blockptr.Pointer
		data []byte
	}
	var window []written
	txg := uint64(1)

	for n := 0; ctx.Err() == nil; n++ {
		if benchTxgEvery > 0 && n%benchTxgEvery == 0 {
			txg++
		}
		fillBenchBlock(rng, data)

		bp := &blockptr.Pointer{}
		wctx, span := telemetry.StartIOSpan(ctx, "write",
			telemetry.BlockLSize(uint64(len(data))), telemetry.IOTxg(txg))
		w := p.Engine.NewWrite(nil, bp, data, uint64(len(data)), txg, p.Props,
			pipeline.PriorityAsyncWrite, pipeline.FlagInterruptible, nil, nil)
		if err := w.Wait(); err != nil {
			telemetry.RecordError(wctx, err)
			span.End()
			stats.errors.Add(1)
			logger.Warn("bench write failed", logger.KeyError, err)
			continue
		}
		span.End()
		stats.writes.Add(1)
		stats.bytes.Add(uint64(len(data)))

		if rng.Float64() < benchReadRatio {
			window = append(window, written{bp: bp, data: append([]byte(nil), data...)})
		}
		if len(window) >= 16 {
			pick := window[rng.Intn(len(window))]
			buf := make([]byte, pick.bp.LSize)
			r := p.Engine.NewRead(nil, pick.bp, buf, pipeline.PriorityAsyncRead,
				pipeline.FlagInterruptible, nil)
			switch err := r.Wait(); {
			case err != nil:
				stats.errors.Add(1)
				logger.Warn("bench read failed", logger.KeyError, err)
			case !bytes.Equal(buf, pick.data):
				stats.mismatches.Add(1)
				logger.Error("bench read returned wrong content",
					logger.KeySize, pick.bp.LSize)
			default:
				stats.reads.Add(1)
			}
			window = window[:0]
		}
	}
	return nil
}

// fillBenchBlock produces half-compressible content: a random prefix
// followed by a repeated run, so both compression paths get exercised.
func fillBenchBlock(rng *rand.Rand, data []byte) {
	half := len(data) / 2
	rng.Read(data[:half])
	fill := byte(rng.Intn(256))
	for i := half; i < len(data); i++ {
		data[i] = fill
	}
}

func serveMetrics(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(),
		promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", logger.KeyError, err)
		}
	}()
	return srv
}
