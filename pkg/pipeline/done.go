package pipeline

import (
	"errors"

	"github.com/stratum-storage/stratum/internal/logger"
)

// stageReady marks the first completion milestone: the node's shape is
// final (locations known, gang members created) even though device IO
// may still be in flight.
func (e *Engine) stageReady(n *Node) *Node {
	if n.waitForChildren(maskGang|maskDDT, WaitReady) {
		return nil
	}
	if n.readyFn != nil {
		n.readyFn(n)
	}
	n.mu.Lock()
	n.state[WaitReady] = true
	parents := append([]*Node(nil), n.parents...)
	n.mu.Unlock()
	for _, p := range parents {
		e.notifyParent(p, n, WaitReady, nil)
	}
	return n
}

// propagateTo carries the child's outcome into one parent before the
// parent's wait counter is decremented: the error unless the child opted
// out, and any pending reexecute request unconditionally. Reexecute
// requests must reach the root even when the error does not, so the
// whole failed tree restarts as one unit.
func propagateTo(parent, child *Node) {
	parent.mu.Lock()
	if child.err != nil && child.flags&FlagDontPropagate == 0 {
		parent.childErr[child.childKind] =
			WorstError(parent.childErr[child.childKind], child.err)
	}
	parent.reexecute |= child.reexecute
	parent.mu.Unlock()
}

// stageDone is the last stage of every pipeline. It settles errors,
// undoes side effects of a failed allocation, decides whether the node
// must reexecute or suspend the pool, and otherwise completes: done
// callback, parent notification, waiter release.
func (e *Engine) stageDone(n *Node) *Node {
	if n.waitForChildren(maskAll, WaitDone) {
		return nil
	}

	for k := ChildKind(0); k < numChildKinds; k++ {
		n.err = WorstError(n.err, n.childErr[k])
	}

	n.popTransforms()

	// A failed allocating write must not leak its locations.
	if n.err != nil && n.allocating() && n.bp != nil &&
		!n.bp.Embedded && n.bp.NumCopies() > 0 {
		if n.bp.Gang {
			e.gangUnallocate(n.gangTree, n.bp, n.txg)
		} else {
			e.allocator.Free(dvaSlice(n.bp), n.txg)
		}
		n.bp.ClearCopies()
	}

	if n.throttled {
		n.throttled = false
		e.throttle.release(e, n)
	}

	e.decideReexecute(n)

	if n.reexecute != 0 {
		return e.doneReexecute(n)
	}

	if n.err != nil && n.flags&(FlagCanFail|FlagSpeculative) == 0 {
		logger.Error("operation failed",
			logger.KeyOp, n.op.String(),
			logger.KeyChild, n.childKind.String(),
			logger.KeyError, n.err)
	}

	if n.doneFn != nil {
		n.doneFn(n)
	}

	n.mu.Lock()
	n.state[WaitDone] = true
	parents := append([]*Node(nil), n.parents...)
	n.mu.Unlock()

	var next *Node
	for _, p := range parents {
		propagateTo(p, n)
		removeChild(p, n)
		e.notifyParent(p, n, WaitDone, &next)
	}

	if n.waiterCh != nil {
		close(n.waiterCh)
	}
	return next
}

// decideReexecute translates a failure into a recovery mode. Only
// logical nodes reexecute; lower levels propagate the request upward so
// the restart covers the whole tree.
func (e *Engine) decideReexecute(n *Node) {
	if n.err == nil || !n.isLogical() ||
		n.flags&(FlagCanFail|FlagSpeculative) != 0 {
		return
	}
	if n.allocating() {
		if errors.Is(n.err, ErrNoSpace) {
			n.reexecute |= reexecuteSuspend
		} else {
			n.reexecute |= reexecuteNow
		}
	} else if (n.op == OpRead || n.op == OpFree) && errors.Is(n.err, ErrNoDevice) {
		// The device may come back; hold the operation rather than
		// surface transient loss.
		n.reexecute |= reexecuteSuspend
	}
	if n.flags&FlagReexecuted != 0 && n.reexecute&reexecuteNow != 0 {
		// Second failure of the same tree: stop retrying and suspend.
		n.reexecute = reexecuteSuspend
	}
}

// doneReexecute unwinds a node that must restart instead of completing.
// Failed children were never unlinked, so the restart re-runs exactly
// the failed subtree. Godfather parents are released immediately when
// the pool is about to suspend; a unique real parent absorbs the request
// and restarts us as part of its own recovery; a root handles it here.
func (e *Engine) doneReexecute(n *Node) *Node {
	n.gangTree = nil

	if n.reexecute&reexecuteSuspend != 0 {
		for _, p := range n.parentSnapshot() {
			if p.flags&FlagGodfather != 0 {
				removeChild(p, n)
				e.notifyParent(p, n, WaitDone, nil)
			}
		}
	}

	// A real unique parent absorbs the request; a dormant godfather
	// cannot, so its children restart themselves below.
	if pio := n.uniqueParent(); pio != nil && pio.flags&FlagGodfather == 0 {
		n.flags |= FlagDontPropagate
		var next *Node
		propagateTo(pio, n)
		e.notifyParent(pio, n, WaitDone, &next)
		return next
	}

	if n.reexecute&reexecuteSuspend != 0 {
		e.suspendWith(n, "io failure")
		return nil
	}
	e.reexecuteNode(n)
	return nil
}

// reexecuteNode resets a node and its still-linked children to their
// original pipelines and runs them again. Wait counters are recharged
// for every remaining child before any of them restarts. Children go
// first, head order, so the deepest failures reissue before their
// parents begin waiting; godfathers reset but are not executed here.
func (e *Engine) reexecuteNode(n *Node) {
	n.flags = n.origFlags | FlagReexecuted
	n.pipeline = n.origPipeline
	n.stage = StageOpen
	n.reexecute = 0
	n.err = nil
	n.dvaTry = 0
	n.goodCopies = 0
	for w := WaitKind(0); w < numWaitKinds; w++ {
		n.state[w] = false
	}
	for k := ChildKind(0); k < numChildKinds; k++ {
		n.childErr[k] = nil
	}
	if n.allocating() && n.bp != nil {
		*n.bp = *n.bpOrig.Clone()
	}

	children := n.childSnapshot()
	n.mu.Lock()
	for _, c := range children {
		for w := WaitKind(0); w < numWaitKinds; w++ {
			n.waitCount[c.childKind][w]++
		}
	}
	n.mu.Unlock()

	for _, c := range children {
		e.reexecuteNode(c)
	}
	if n.flags&FlagGodfather == 0 {
		e.execute(n)
	}
}

// suspendWith halts the pool, adopting the failed root (if any) under
// the suspend root so Resume can restart it. An interruptible waiter is
// failed immediately instead of being held across the outage.
func (e *Engine) suspendWith(n *Node, reason string) {
	if n != nil && n.flags&FlagInterruptible != 0 {
		n.reexecute = 0
		// The waiter asked for a fixed signal, not the failure that
		// triggered the suspension.
		n.err = ErrSuspended
		if n.doneFn != nil {
			n.doneFn(n)
		}
		n.mu.Lock()
		n.state[WaitDone] = true
		n.mu.Unlock()
		if n.waiterCh != nil {
			close(n.waiterCh)
		}
		e.markSuspended(reason)
		return
	}

	root := e.markSuspended(reason)
	if n != nil {
		addChild(root, n)
	}
}

func (e *Engine) markSuspended(reason string) *Node {
	e.suspendMu.Lock()
	defer e.suspendMu.Unlock()
	if !e.suspended {
		e.suspended = true
		e.suspendCh = make(chan struct{})
		e.sink.Suspend(reason)
		logger.Error("pool suspended", logger.KeyReason, reason)
	}
	if e.suspendRoot == nil {
		e.suspendRoot = e.NewNull(nil, PriorityMaintenance,
			FlagGodfather|FlagCanFail, nil)
	}
	return e.suspendRoot
}

// Suspended reports whether the pool is currently suspended.
func (e *Engine) Suspended() bool {
	e.suspendMu.Lock()
	defer e.suspendMu.Unlock()
	return e.suspended
}

// Suspend halts the pool administratively. In-flight operations finish
// or park; new parentless operations block until Resume.
func (e *Engine) Suspend(reason string) {
	e.markSuspended(reason)
}

// Resume lifts a suspension, reissues every operation parked under the
// suspend root, and waits for them. The returned error is the worst
// outcome of the reissued work.
func (e *Engine) Resume() error {
	e.suspendMu.Lock()
	if !e.suspended {
		e.suspendMu.Unlock()
		return nil
	}
	root := e.suspendRoot
	e.suspendRoot = nil
	e.suspended = false
	close(e.suspendCh)
	e.suspendCh = nil
	e.suspendMu.Unlock()

	e.sink.Resume()
	logger.Info("pool resumed")

	if root == nil {
		return nil
	}
	for _, c := range root.childSnapshot() {
		e.reexecuteNode(c)
	}
	return root.Wait()
}

// gateSuspended blocks new top-level work while the pool is suspended.
func (e *Engine) gateSuspended(n *Node) error {
	for {
		e.suspendMu.Lock()
		if !e.suspended {
			e.suspendMu.Unlock()
			return nil
		}
		if n.flags&FlagInterruptible != 0 {
			e.suspendMu.Unlock()
			return ErrSuspended
		}
		ch := e.suspendCh
		e.suspendMu.Unlock()
		<-ch
	}
}
