package pipeline

// addChild links child under parent and charges parent's wait counters
// for every milestone the child has not yet passed.
//
// Lock order is parent first. The child's lock is skipped when this is
// the child's first parent: the child is not yet visible to any other
// goroutine, so its list is provably empty and unshared.
func addChild(parent, child *Node) {
	parent.mu.Lock()
	firstParent := len(child.parents) == 0
	if !firstParent {
		child.mu.Lock()
	}

	// New children go to the head so a re-walked parent visits them
	// before pre-existing ones.
	parent.children = append([]*Node{child}, parent.children...)
	child.parents = append(child.parents, parent)

	for w := WaitKind(0); w < numWaitKinds; w++ {
		if !child.state[w] {
			parent.waitCount[child.childKind][w]++
		}
	}

	if !firstParent {
		child.mu.Unlock()
	}
	parent.mu.Unlock()
}

// removeChild unlinks a completed child from one parent.
func removeChild(parent, child *Node) {
	parent.mu.Lock()
	child.mu.Lock()
	for i, c := range parent.children {
		if c == child {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			break
		}
	}
	for i, p := range child.parents {
		if p == parent {
			child.parents = append(child.parents[:i], child.parents[i+1:]...)
			break
		}
	}
	child.mu.Unlock()
	parent.mu.Unlock()
}

// waitForChildren reports whether the node must stall for children of the
// given kinds to reach the milestone. On stall it records the blocking
// counter and rewinds the stage one bit so the dispatcher reruns the
// calling stage when the counter drains. The caller must return
// immediately without further mutation when this returns true.
func (n *Node) waitForChildren(kinds kindMask, w WaitKind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k := ChildKind(0); k < numChildKinds; k++ {
		if kinds&(kindMask(1)<<k) == 0 {
			continue
		}
		if n.waitCount[k][w] != 0 {
			n.stall = &n.waitCount[k][w]
			n.stage >>= 1
			return true
		}
	}
	return false
}

// notifyParent decrements the parent's counter for the child's milestone.
// If the counter drains and it is the counter the parent is stalled on,
// the parent resumes: inline via *next when eligible (same operation
// kind, or a no-op synchronization node with no completion callback),
// otherwise on a task queue. Inline continuation collapses the dispatcher
// round-trips a physical read would otherwise take.
func (e *Engine) notifyParent(parent, child *Node, w WaitKind, next **Node) {
	parent.mu.Lock()
	cnt := &parent.waitCount[child.childKind][w]
	if *cnt > 0 {
		*cnt--
	}
	resume := *cnt == 0 && parent.stall == cnt
	if resume {
		parent.stall = nil
	}
	parent.mu.Unlock()

	if !resume {
		return
	}
	inline := parent.op == child.op || (parent.op == OpNull && parent.doneFn == nil)
	if inline && next != nil && *next == nil {
		*next = parent
		return
	}
	e.dispatch(parent, queueFor(parent))
}

// parentSnapshot returns the parents at a point in time, safe to iterate
// without the node lock.
func (n *Node) parentSnapshot() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.parents...)
}

// childSnapshot returns the children head-first.
func (n *Node) childSnapshot() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.children...)
}

// uniqueParent returns the sole parent, or nil when the node has zero or
// several.
func (n *Node) uniqueParent() *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.parents) == 1 {
		return n.parents[0]
	}
	return nil
}
