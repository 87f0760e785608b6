package pipeline

import (
	"errors"
	"sync"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/alloc"
	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// allocThrottle parks writes that cannot reserve space in their class
// and wakes them in priority order as completing writes release their
// reservations. A parked node holds no worker; it is redispatched when
// its reservation succeeds.
type allocThrottle struct {
	mu      sync.Mutex
	waiters map[throttleKey][]*Node
}

type throttleKey struct {
	class *alloc.Class
	shard int
}

func newAllocThrottle() *allocThrottle {
	return &allocThrottle{waiters: make(map[throttleKey][]*Node)}
}

// reserve attempts the reservation and parks the node on failure. The
// check and the park share the throttle lock so a concurrent release
// cannot slip between them.
func (t *allocThrottle) reserve(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.class.Reserve(n.allocShard, n.copies, n.psize, false) {
		return true
	}
	k := throttleKey{class: n.class, shard: n.allocShard}
	t.waiters[k] = append(t.waiters[k], n)
	return false
}

// release drops a completed node's reservation and admits as many parked
// waiters as now fit, best priority first.
func (t *allocThrottle) release(e *Engine, n *Node) {
	t.mu.Lock()
	n.class.Unreserve(n.allocShard, n.copies, n.psize)
	k := throttleKey{class: n.class, shard: n.allocShard}
	var admitted []*Node
	for {
		w := t.pickLocked(k)
		if w == nil || !w.class.Reserve(w.allocShard, w.copies, w.psize, false) {
			break
		}
		w.throttled = true
		t.removeLocked(k, w)
		admitted = append(admitted, w)
	}
	t.mu.Unlock()

	// The parked stage is the throttle itself, so dispatch resumes at
	// allocation.
	for _, w := range admitted {
		e.dispatch(w, queueIssue)
	}
}

// pickLocked returns the highest-priority waiter, oldest first within a
// priority.
func (t *allocThrottle) pickLocked(k throttleKey) *Node {
	var best *Node
	for _, w := range t.waiters[k] {
		if best == nil || w.priority < best.priority {
			best = w
		}
	}
	return best
}

func (t *allocThrottle) removeLocked(k throttleKey, n *Node) {
	ws := t.waiters[k]
	for i, w := range ws {
		if w == n {
			t.waiters[k] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// stageAllocThrottle gates allocating writes on class reservations.
// Sync-priority writes, gang members riding their leader's reservation,
// and explicitly unqueued writes bypass the gate entirely.
func (e *Engine) stageAllocThrottle(n *Node) *Node {
	if !n.allocating() || n.flags&(FlagGangChild|FlagDontQueue) != 0 ||
		n.priority == PrioritySyncWrite || !n.class.Throttled {
		return n
	}
	if e.throttle.reserve(n) {
		n.throttled = true
		return n
	}
	e.sink.ThrottleWait(n.class.Name)
	return nil
}

// stageAllocate obtains locations for the write. Exhaustion of a special
// class falls back to the normal class; exhaustion of contiguous space
// splits the write into a gang block.
func (e *Engine) stageAllocate(n *Node) *Node {
	dvas, err := e.allocator.Allocate(n.class, n.psize, n.copies, n.txg)

	if errors.Is(err, ErrNoSpace) && n.class != e.normalClass {
		e.allocFallback(n)
		dvas, err = e.allocator.Allocate(n.class, n.psize, n.copies, n.txg)
	}
	if errors.Is(err, ErrNoSpace) && n.psize > blockptr.MinBlockSize {
		return e.writeGangBlock(n)
	}
	if err != nil {
		n.err = WorstError(n.err, err)
		return n
	}
	setDVAs(n.bp, dvas, false)
	n.bp.Birth = n.txg
	return n
}

// allocFallback moves a write from an exhausted class to the normal
// class. The replacement reservation is forced: the write already passed
// the throttle and must not park twice.
func (e *Engine) allocFallback(n *Node) {
	logger.Debug("allocation falling back to normal class",
		logger.KeyClass, n.class.Name,
		logger.KeyPSize, n.psize)
	if n.throttled {
		// Releasing through the throttle also redispatches waiters
		// parked on the class being abandoned.
		n.throttled = false
		e.throttle.release(e, n)
	}
	n.class = e.normalClass
	n.allocShard = e.allocShardFor(n)
	if n.class.Throttled {
		n.class.Reserve(n.allocShard, n.copies, n.psize, true)
		n.throttled = true
	}
	e.sink.AllocFallback()
}

// stageFreeBPInit routes a free by pointer shape: holes and embedded
// pointers hold no space, dedup blocks release a reference instead of
// space, and gang blocks free their members through the gang tree.
func (e *Engine) stageFreeBPInit(n *Node) *Node {
	switch {
	case n.bp.IsHole() || n.bp.Embedded:
		n.pipeline = pipelineInterlock
	case n.bp.Dedup:
		n.pipeline = pipelineDDTFree
	case n.bp.Gang:
		n.pipeline = n.pipeline&^StageFreeBlock | stagesGang
	}
	return n
}

func (e *Engine) stageFreeBlock(n *Node) *Node {
	e.allocator.Free(dvaSlice(n.bp), n.txg)
	return n
}

// stageClaimBlock re-marks the pointer's space as allocated during log
// replay. Replays are idempotent, so claims tolerate failure.
func (e *Engine) stageClaimBlock(n *Node) *Node {
	if n.bp.IsHole() || n.bp.Embedded {
		return n
	}
	if err := e.allocator.Claim(dvaSlice(n.bp), n.txg); err != nil {
		n.err = WorstError(n.err, err)
	}
	return n
}
