// Package pipeline implements the request-execution core: staged IO
// nodes linked into a parent/child DAG, a bitmask-driven dispatcher,
// gang-block assembly, dedup write coordination, allocation throttling,
// and pool-wide suspend/resume.
package pipeline

import (
	"sync"
	"time"

	"github.com/stratum-storage/stratum/pkg/alloc"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/ddt"
	"github.com/stratum-storage/stratum/pkg/vdev"
	"github.com/stratum-storage/stratum/pkg/xform"
)

// OpKind is the operation a node performs.
type OpKind uint8

const (
	OpNull OpKind = iota
	OpRead
	OpWrite
	OpFree
	OpClaim
	OpTrim
	OpFlush
)

func (k OpKind) String() string {
	switch k {
	case OpNull:
		return "null"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFree:
		return "free"
	case OpClaim:
		return "claim"
	case OpTrim:
		return "trim"
	case OpFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// ChildKind classifies a node's nesting level in the DAG. Kinds nest in
// order: logical nodes may own gang children, gang nodes dedup children,
// and so on down to device-level leaves.
type ChildKind uint8

const (
	ChildLogical ChildKind = iota
	ChildGang
	ChildDDT
	ChildVdev

	numChildKinds
)

func (k ChildKind) String() string {
	switch k {
	case ChildLogical:
		return "logical"
	case ChildGang:
		return "gang"
	case ChildDDT:
		return "ddt"
	case ChildVdev:
		return "vdev"
	default:
		return "unknown"
	}
}

type kindMask uint8

const (
	maskLogical = kindMask(1) << ChildLogical
	maskGang    = kindMask(1) << ChildGang
	maskDDT     = kindMask(1) << ChildDDT
	maskVdev    = kindMask(1) << ChildVdev
	maskAll     = maskLogical | maskGang | maskDDT | maskVdev
)

// WaitKind is a completion milestone a parent can wait on.
type WaitKind uint8

const (
	WaitReady WaitKind = iota
	WaitDone

	numWaitKinds
)

// Priority selects the task queue a node's async work runs on and its
// position in the allocation throttle.
type Priority uint8

const (
	PrioritySyncRead Priority = iota
	PrioritySyncWrite
	PriorityAsyncRead
	PriorityAsyncWrite
	PriorityMaintenance

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case PrioritySyncRead:
		return "sync-read"
	case PrioritySyncWrite:
		return "sync-write"
	case PriorityAsyncRead:
		return "async-read"
	case PriorityAsyncWrite:
		return "async-write"
	case PriorityMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Flag alters node behavior.
type Flag uint32

const (
	// FlagCanFail lets the node complete with an error instead of
	// escalating to subtree reexecution or pool suspension.
	FlagCanFail Flag = 1 << iota

	// FlagSpeculative marks best-effort reads whose failures are not
	// reported as integrity events.
	FlagSpeculative

	// FlagDontPropagate keeps this node's error out of its parents.
	FlagDontPropagate

	// FlagRetry marks a device operation being retried; retries cut in
	// line on the device queue.
	FlagRetry

	// FlagGangChild marks a member write of a gang block. Gang children
	// bypass the allocation throttle; the gang leader reserved for them.
	FlagGangChild

	// FlagGodfather marks a tracking-only root that observes descendant
	// completion without ever suspending or reexecuting itself.
	FlagGodfather

	// FlagNopWrite records that the write reused its prior block pointer.
	FlagNopWrite

	// FlagReexecuted is set on every node of a reexecuted subtree; a
	// second failure escalates to suspension instead of another retry.
	FlagReexecuted

	// FlagDontQueue bypasses the allocation throttle.
	FlagDontQueue

	// FlagRaw marks write data as already transformed; compression and
	// encryption stages pass it through untouched.
	FlagRaw

	// FlagInterruptible lets a blocked waiter receive ErrSuspended when
	// the pool suspends instead of waiting for resume.
	FlagInterruptible
)

// DoneFunc is invoked when a node reaches a completion milestone. The
// callback runs on the completing goroutine and must not block.
type DoneFunc func(*Node)

type reexecuteMode uint8

const (
	reexecuteNow reexecuteMode = 1 << iota
	reexecuteSuspend
)

// Node is the unit of work: one staged operation at one DAG level.
//
// A node's stage sequence is driven by exactly one goroutine at a time;
// ownership moves through the dispatcher by handoff, never by locking
// across stages. The mutex guards only the linkage state (edges, wait
// counters, milestone flags) and fields mutated from callbacks.
type Node struct {
	eng *Engine

	op        OpKind
	childKind ChildKind
	priority  Priority
	flags     Flag

	bp     *blockptr.Pointer
	bpOrig blockptr.Pointer
	txg    uint64

	// Leaf addressing. A node with dev set talks to one device directly;
	// otherwise device stages fan out per block pointer copy.
	dev       *vdev.Device
	deviceID  uint64
	devOffset uint64
	devSize   uint64

	data   []byte
	lsize  uint64
	psize  uint64
	xforms []transform

	// Write properties.
	copies      int
	checksum    blockptr.Checksum
	compression blockptr.Compression
	dedup       bool
	dedupVerify bool
	encrypt     bool
	nopwrite    bool
	class       *alloc.Class
	allocShard  int
	bpOverride  *blockptr.Pointer

	stage        Stage
	pipeline     Stage
	origPipeline Stage
	origFlags    Flag

	err      error
	childErr [numChildKinds]error

	mu        sync.Mutex
	parents   []*Node
	children  []*Node
	waitCount [numChildKinds][numWaitKinds]int
	stall     *int
	state     [numWaitKinds]bool
	reexecute reexecuteMode

	// Gang state. gangLeader is the logical ancestor owning the tree.
	gangTree   *gangNode
	gangLeader *Node
	gangHeader *gangHeader // set on header rewrite nodes

	// Dedup state.
	ddtEntry   *ddt.Entry
	ddtPhysTry int
	leadCopies int

	// Device fan-out state. dvaTry is the next copy a read tries,
	// goodCopies counts copy writes that landed, pendingIO is a leaf's
	// in-flight device operation.
	dvaTry     int
	goodCopies int
	pendingIO  *vdev.IO

	readyFn DoneFunc
	doneFn  DoneFunc

	waiterCh  chan struct{}
	executed  bool
	queuedAt  time.Time
	throttled bool
}

// Op returns the node's operation kind.
func (n *Node) Op() OpKind { return n.op }

// Err returns the node's current error. Only meaningful once the node
// has completed.
func (n *Node) Err() error { return n.err }

// BP returns the node's block pointer, nil for pointerless operations.
func (n *Node) BP() *blockptr.Pointer { return n.bp }

// Data returns the node's current data buffer.
func (n *Node) Data() []byte { return n.data }

// Priority returns the node's scheduling priority.
func (n *Node) Priority() Priority { return n.priority }

func (n *Node) isLogical() bool { return n.childKind == ChildLogical }

// allocating reports whether this node obtains new block locations.
func (n *Node) allocating() bool {
	return n.op == OpWrite && n.origPipeline&StageAllocate != 0
}

func newNode(e *Engine, parent *Node, op OpKind, kind ChildKind, bp *blockptr.Pointer,
	data []byte, lsize, psize uint64, prio Priority, flags Flag, pipe Stage) *Node {

	n := &Node{
		eng:          e,
		op:           op,
		childKind:    kind,
		priority:     prio,
		flags:        flags,
		origFlags:    flags,
		bp:           bp,
		data:         data,
		lsize:        lsize,
		psize:        psize,
		stage:        StageOpen,
		pipeline:     pipe,
		origPipeline: pipe,
	}
	if bp != nil {
		n.bpOrig = *bp.Clone()
	}
	if parent != nil {
		if parent.gangLeader != nil {
			n.gangLeader = parent.gangLeader
		}
		addChild(parent, n)
	}
	return n
}

// WriteProps carries the caller-chosen properties of a logical write.
type WriteProps struct {
	Checksum    blockptr.Checksum
	Compression blockptr.Compression
	Copies      int
	Dedup       bool
	DedupVerify bool
	Encrypt     bool
	NopWrite    bool
	Class       *alloc.Class
	Raw         bool
	RawPSize    uint64
}

// NewNull creates a no-op synchronization node. It completes when all of
// its children have completed; doneFn may be nil.
func (e *Engine) NewNull(parent *Node, prio Priority, flags Flag, doneFn DoneFunc) *Node {
	n := newNode(e, parent, OpNull, ChildLogical, nil, nil, 0, 0, prio, flags, pipelineInterlock)
	n.doneFn = doneFn
	return n
}

// NewRoot creates a parentless synchronization root.
func (e *Engine) NewRoot(doneFn DoneFunc) *Node {
	return e.NewNull(nil, PriorityMaintenance, 0, doneFn)
}

func (e *Engine) newGodfather() *Node {
	return e.NewNull(nil, PriorityMaintenance, FlagGodfather, nil)
}

// NewRead creates a read of bp into data, which must be lsize bytes.
func (e *Engine) NewRead(parent *Node, bp *blockptr.Pointer, data []byte,
	prio Priority, flags Flag, doneFn DoneFunc) *Node {

	n := newNode(e, parent, OpRead, ChildLogical, bp, data,
		bp.LSize, bp.PSize, prio, flags, pipelineRead)
	n.doneFn = doneFn
	return n
}

// newChildRead creates a non-logical read child used by the gang and
// dedup paths. The buffer receives raw physical bytes; no transform is
// pushed.
func (e *Engine) newChildRead(parent *Node, kind ChildKind, bp *blockptr.Pointer,
	data []byte, flags Flag, doneFn DoneFunc) *Node {

	n := newNode(e, parent, OpRead, kind, bp, data,
		bp.PSize, bp.PSize, parent.priority, flags, pipelineVdevChildRead)
	n.doneFn = doneFn
	return n
}

// NewWrite creates an allocating logical write of data (lsize bytes) into
// bp at txg. The pointer's prior contents feed nop-write detection.
func (e *Engine) NewWrite(parent *Node, bp *blockptr.Pointer, data []byte,
	lsize, txg uint64, props WriteProps, prio Priority, flags Flag,
	readyFn, doneFn DoneFunc) *Node {

	pipe := pipelineWrite
	if props.NopWrite {
		pipe |= StageNopWrite
	}
	if props.Raw {
		flags |= FlagRaw
	}
	n := newNode(e, parent, OpWrite, ChildLogical, bp, data, lsize, lsize, prio, flags, pipe)
	n.applyWriteProps(props, txg)
	n.readyFn = readyFn
	n.doneFn = doneFn
	return n
}

func (n *Node) applyWriteProps(props WriteProps, txg uint64) {
	n.txg = txg
	n.copies = props.Copies
	if n.copies < 1 {
		n.copies = 1
	}
	if n.copies > blockptr.MaxCopies {
		n.copies = blockptr.MaxCopies
	}
	n.checksum = props.Checksum
	n.compression = props.Compression
	n.dedup = props.Dedup
	n.dedupVerify = props.DedupVerify
	n.encrypt = props.Encrypt
	n.nopwrite = props.NopWrite
	n.class = props.Class
	if n.class == nil {
		n.class = n.eng.normalClass
	}
	if props.Raw && props.RawPSize != 0 {
		n.psize = props.RawPSize
	}
	n.allocShard = n.eng.allocShardFor(n)
}

// newGangChildWrite creates a member write of a gang block. The data is
// already transformed; the member stores it raw. Write properties come
// from the gang leader, not the header node the member hangs off, so
// members carry the leader's checksum, copies, and class. A member whose
// pointer already holds space writes in place; one without allocates,
// ganging again recursively if the allocation fails.
func (e *Engine) newGangChildWrite(parent, leader *Node, bp *blockptr.Pointer,
	data []byte, size, txg uint64, readyFn, doneFn DoneFunc) *Node {

	pipe := pipelineWrite
	if !bp.DVAs[0].IsZero() {
		pipe = pipelineRewrite
	}
	n := newNode(e, parent, OpWrite, ChildGang, bp, data, size, size,
		leader.priority, FlagGangChild|FlagRaw, pipe)
	n.applyWriteProps(WriteProps{
		Checksum: leader.checksum,
		Copies:   leader.copies,
		Class:    leader.class,
	}, txg)
	n.readyFn = readyFn
	n.doneFn = doneFn
	return n
}

// NewRewrite creates an in-place overwrite of an existing block pointer.
// No allocation happens; the data lands at the pointer's current
// locations.
func (e *Engine) NewRewrite(parent *Node, bp *blockptr.Pointer, data []byte,
	txg uint64, prio Priority, flags Flag, doneFn DoneFunc) *Node {

	pipe := pipelineRewrite
	if bp.Gang {
		// Rewriting a gang block means reassembling its tree and
		// rewriting every header and member in it.
		pipe = stagesInterlock | StageWriteBPInit | stagesGang
	}
	n := newNode(e, parent, OpWrite, ChildLogical, bp, data,
		bp.LSize, bp.PSize, prio, flags, pipe)
	n.txg = txg
	n.checksum = bp.Checksum
	n.compression = bp.Compression
	n.doneFn = doneFn
	return n
}

// newGangHeaderRewrite creates the write of a gang header block. The
// header is serialized at checksum time, after the member children have
// filled in their block pointers. The node writes through its own
// header-shaped pointer; the resulting digest is copied back into the
// owning pointer at ready, before any ancestor header serializes it.
func (e *Engine) newGangHeaderRewrite(parent *Node, bp *blockptr.Pointer,
	gh *gangHeader, txg uint64, doneFn DoneFunc) *Node {

	hbp := gangHeaderBP(bp)
	n := newNode(e, parent, OpWrite, ChildGang, hbp, nil,
		gangHeaderSize, gangHeaderSize, parent.priority, FlagGangChild, pipelineRewrite)
	n.txg = txg
	n.checksum = blockptr.ChecksumGangHeader
	n.gangHeader = gh
	n.readyFn = func(*Node) { bp.Sum = hbp.Sum }
	n.doneFn = doneFn
	return n
}

// NewFree releases the space behind bp at txg.
func (e *Engine) NewFree(parent *Node, bp *blockptr.Pointer, txg uint64, flags Flag) *Node {
	n := newNode(e, parent, OpFree, ChildLogical, bp, nil,
		bp.LSize, bp.PSize, PriorityMaintenance, flags, pipelineFree)
	n.txg = txg
	return n
}

// NewClaim re-asserts ownership of bp's space during log replay. A gang
// pointer claims the header and every member it reaches.
func (e *Engine) NewClaim(parent *Node, bp *blockptr.Pointer, txg uint64, doneFn DoneFunc) *Node {
	pipe := pipelineClaim
	if bp.Gang {
		pipe = stagesInterlock | stagesGang
	}
	n := newNode(e, parent, OpClaim, ChildLogical, bp, nil,
		bp.LSize, bp.PSize, PriorityMaintenance, FlagCanFail, pipe)
	n.txg = txg
	n.doneFn = doneFn
	return n
}

// NewTrim discards a device range.
func (e *Engine) NewTrim(parent *Node, deviceID, offset, size uint64, flags Flag) *Node {
	n := newNode(e, parent, OpTrim, ChildLogical, nil, nil,
		size, size, PriorityMaintenance, flags|FlagCanFail, pipelineDevice)
	n.deviceID = deviceID
	n.devOffset = offset
	n.devSize = size
	n.dev = e.devices.Get(deviceID)
	return n
}

// NewFlush asks every attached device to persist its write cache.
func (e *Engine) NewFlush(parent *Node, flags Flag, doneFn DoneFunc) *Node {
	n := newNode(e, parent, OpFlush, ChildLogical, nil, nil,
		0, 0, PriorityMaintenance, flags|FlagCanFail, pipelineDevice)
	n.doneFn = doneFn
	return n
}

// newLeaf creates a device-level child of an interior node.
func (e *Engine) newLeaf(parent *Node, op OpKind, d *vdev.Device, offset uint64,
	data []byte, size uint64) *Node {

	n := newNode(e, parent, op, ChildVdev, nil, data, size, size,
		parent.priority, parent.flags&(FlagRetry|FlagSpeculative), pipelineVdevChild)
	n.dev = d
	n.deviceID = d.ID
	n.devOffset = offset
	n.devSize = size
	return n
}

// SetOverride supplies a pre-known block pointer for a write. When the
// override still matches the content being written, the write completes
// without allocation or device IO.
func (n *Node) SetOverride(bp *blockptr.Pointer) {
	n.bpOverride = bp.Clone()
}

// Shrink reduces a write's logical size before it is issued, used when a
// log block is reused for a smaller record. Illegal once past open.
func (n *Node) Shrink(size uint64) bool {
	if n.stage != StageOpen || size > n.lsize {
		return false
	}
	n.lsize = size
	n.psize = size
	n.data = n.data[:size]
	return true
}

// cryptParams builds the encryption parameters for this node's block.
func (n *Node) cryptParams() xform.CryptParams {
	p := xform.CryptParams{Key: n.eng.cryptKey}
	if n.bp != nil {
		p.Salt = n.bp.Salt
		p.IV = n.bp.IV
	}
	return p
}
