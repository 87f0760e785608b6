package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for storage operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Engine-level keys use "io." and "block." prefixes, device-level keys
// use "device.", allocator keys use "alloc.".
const (
	// ========================================================================
	// IO attributes (engine operations)
	// ========================================================================
	AttrIOOp       = "io.op"       // read, write, free, claim, flush, trim
	AttrIOStage    = "io.stage"    // current pipeline stage
	AttrIOPriority = "io.priority" // scheduling priority
	AttrIOTxg      = "io.txg"      // transaction group
	AttrIOStatus   = "io.status"   // completion status

	// ========================================================================
	// Block attributes
	// ========================================================================
	AttrBlockLSize    = "block.lsize"    // logical size
	AttrBlockPSize    = "block.psize"    // physical size
	AttrBlockCopies   = "block.copies"   // replica count
	AttrBlockChecksum = "block.checksum" // checksum algorithm
	AttrBlockCompress = "block.compress" // compression algorithm
	AttrBlockGang     = "block.gang"     // block is split into a gang
	AttrBlockDedup    = "block.dedup"    // block participates in dedup
	AttrBlockEmbedded = "block.embedded" // payload embedded in the pointer

	// ========================================================================
	// Device attributes
	// ========================================================================
	AttrDeviceID     = "device.id"
	AttrDeviceOffset = "device.offset"
	AttrDeviceSize   = "device.size"

	// ========================================================================
	// Allocator attributes
	// ========================================================================
	AttrAllocClass = "alloc.class"
	AttrAllocShard = "alloc.shard"

	// ========================================================================
	// Dedup attributes
	// ========================================================================
	AttrDedupHit  = "dedup.hit"
	AttrDedupRefs = "dedup.refs"

	// ========================================================================
	// Pool attributes
	// ========================================================================
	AttrPoolName = "pool.name"
	AttrPoolID   = "pool.id"
)

// Span names for operations.
// Format: <component>.<operation>.
const (
	SpanIORead  = "io.read"
	SpanIOWrite = "io.write"
	SpanIOFree  = "io.free"
	SpanIOClaim = "io.claim"
	SpanIOFlush = "io.flush"
	SpanIOTrim  = "io.trim"

	SpanPoolOpen  = "pool.open"
	SpanPoolClose = "pool.close"
)

// IOOp returns an attribute for the operation kind
func IOOp(op string) attribute.KeyValue {
	return attribute.String(AttrIOOp, op)
}

// IOStage returns an attribute for the pipeline stage
func IOStage(stage string) attribute.KeyValue {
	return attribute.String(AttrIOStage, stage)
}

// IOPriority returns an attribute for the scheduling priority
func IOPriority(prio string) attribute.KeyValue {
	return attribute.String(AttrIOPriority, prio)
}

// IOTxg returns an attribute for the transaction group
func IOTxg(txg uint64) attribute.KeyValue {
	return attribute.Int64(AttrIOTxg, int64(txg))
}

// IOStatus returns an attribute for the completion status
func IOStatus(status string) attribute.KeyValue {
	return attribute.String(AttrIOStatus, status)
}

// BlockLSize returns an attribute for the logical block size
func BlockLSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrBlockLSize, int64(size))
}

// BlockPSize returns an attribute for the physical block size
func BlockPSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrBlockPSize, int64(size))
}

// BlockCopies returns an attribute for the replica count
func BlockCopies(n int) attribute.KeyValue {
	return attribute.Int(AttrBlockCopies, n)
}

// BlockChecksum returns an attribute for the checksum algorithm
func BlockChecksum(name string) attribute.KeyValue {
	return attribute.String(AttrBlockChecksum, name)
}

// BlockCompress returns an attribute for the compression algorithm
func BlockCompress(name string) attribute.KeyValue {
	return attribute.String(AttrBlockCompress, name)
}

// BlockGang returns an attribute for the gang indicator
func BlockGang(gang bool) attribute.KeyValue {
	return attribute.Bool(AttrBlockGang, gang)
}

// BlockDedup returns an attribute for the dedup indicator
func BlockDedup(dedup bool) attribute.KeyValue {
	return attribute.Bool(AttrBlockDedup, dedup)
}

// BlockEmbedded returns an attribute for the embedded indicator
func BlockEmbedded(embedded bool) attribute.KeyValue {
	return attribute.Bool(AttrBlockEmbedded, embedded)
}

// DeviceID returns an attribute for the device identifier
func DeviceID(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrDeviceID, int64(id))
}

// DeviceOffset returns an attribute for the device byte offset
func DeviceOffset(off uint64) attribute.KeyValue {
	return attribute.Int64(AttrDeviceOffset, int64(off))
}

// DeviceSize returns an attribute for the device IO size
func DeviceSize(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrDeviceSize, int64(size))
}

// AllocClass returns an attribute for the allocation class
func AllocClass(class string) attribute.KeyValue {
	return attribute.String(AttrAllocClass, class)
}

// AllocShard returns an attribute for the throttle shard
func AllocShard(shard int) attribute.KeyValue {
	return attribute.Int(AttrAllocShard, shard)
}

// DedupHit returns an attribute for the dedup hit indicator
func DedupHit(hit bool) attribute.KeyValue {
	return attribute.Bool(AttrDedupHit, hit)
}

// DedupRefs returns an attribute for the dedup reference count
func DedupRefs(refs int64) attribute.KeyValue {
	return attribute.Int64(AttrDedupRefs, refs)
}

// PoolName returns an attribute for the pool name
func PoolName(name string) attribute.KeyValue {
	return attribute.String(AttrPoolName, name)
}

// PoolID returns an attribute for the pool instance ID
func PoolID(id string) attribute.KeyValue {
	return attribute.String(AttrPoolID, id)
}

// StartIOSpan starts a span for an engine operation. This is a
// convenience function that sets common attributes.
func StartIOSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		IOOp(op),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "io."+op, trace.WithAttributes(allAttrs...))
}

// StartDeviceSpan starts a span for a device-level IO.
func StartDeviceSpan(ctx context.Context, op string, device uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		IOOp(op),
		DeviceID(device),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "device."+op, trace.WithAttributes(allAttrs...))
}

// StartPoolSpan starts a span for a pool lifecycle operation.
func StartPoolSpan(ctx context.Context, operation, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		PoolName(name),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "pool."+operation, trace.WithAttributes(allAttrs...))
}
