package pipeline

import (
	"bytes"
	"errors"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/ddt"
)

// The dedup coordinator keys every unique block to one table entry and
// serializes concurrent writers of identical content against it. At most
// one physical write chain is in flight per entry: the "lead" writer.
// Followers either reference finished copies or hang off the lead.

// stageDDTReadStart issues the physical read of a deduplicated block as
// a dedup child so alternate copies can be tried on failure.
func (e *Engine) stageDDTReadStart(n *Node) *Node {
	rbp := n.bp.Clone()
	rbp.Dedup = false
	if n.ddtPhysTry > 0 {
		// Rotate a previously failing copy out of the first slot.
		rot := append(dvaSlice(rbp)[n.ddtPhysTry:], dvaSlice(rbp)[:n.ddtPhysTry]...)
		setDVAs(rbp, rot, false)
	}
	child := e.newChildRead(n, ChildDDT, rbp, n.data, n.flags&FlagSpeculative, nil)
	if rbp.Gang {
		// The stored block is itself gang'd; assemble and read through
		// the gang stages, members verify themselves.
		child.pipeline = stagesInterlock | stagesGang
		child.origPipeline = child.pipeline
	}
	e.execute(child)
	return n
}

// stageDDTReadDone retries the read from another copy when integrity
// verification failed and untried copies remain.
func (e *Engine) stageDDTReadDone(n *Node) *Node {
	if n.waitForChildren(maskDDT, WaitDone) {
		return nil
	}
	if errors.Is(n.childErr[ChildDDT], ErrChecksum) && n.ddtPhysTry+1 < n.bp.NumCopies() {
		n.ddtPhysTry++
		n.childErr[ChildDDT] = nil
		logger.Debug("dedup read retrying alternate copy",
			logger.KeyOp, n.op.String(),
			logger.KeyCopies, n.ddtPhysTry)
		n.stage = StageDDTReadStart >> 1
	}
	return n
}

// stageDDTWrite coordinates a deduplicating write against the shared
// entry. Outcomes: reference existing copies with no IO, join behind the
// in-flight lead writer, or become the lead (superseding a smaller one)
// with a child write sized to the shortfall only.
func (e *Engine) stageDDTWrite(n *Node) *Node {
	entry := e.ddt.Lookup(ddt.KeyFromPointer(n.bp), true)
	entry.Lock()
	defer entry.Unlock()
	n.ddtEntry = entry

	need := n.copies
	phys := &entry.Phys[0]

	if !phys.Empty() && len(phys.DVAs) >= need {
		if n.dedupVerify && !e.ddtVerifyMatch(n, entry) {
			// Pathological hash collision: write this block uniquely.
			n.dedup = false
			n.bp.Dedup = false
			n.pipeline = pipelineWrite
			e.sink.DedupCollision()
			return n
		}
		fillFromEntry(n.bp, entry, need)
		entry.AddRef(0)
		e.sink.DedupHit()
		n.pipeline = pipelineInterlock
		return n
	}
	e.sink.DedupMiss()

	lead, _ := entry.Lead[0].(*Node)
	if lead != nil && lead.leadCopies >= need {
		// The chain in flight already covers us; wait behind it. Our
		// pointer is filled by the lead's ready callback.
		addChild(n, lead)
		n.pipeline = pipelineInterlock
		return n
	}

	// Become the lead. The child writes only the copies nobody is
	// already writing; a superseded lead becomes our child so the chain
	// completes bottom-up with the highest copy count at the top.
	base := len(phys.DVAs)
	if lead != nil && lead.leadCopies > base {
		base = lead.leadCopies
	}
	cio := e.newDDTChildWrite(n, need-base)
	if lead != nil {
		addChild(cio, lead)
	}
	entry.SaveOrig(0)
	entry.Lead[0] = cio
	cio.leadCopies = need

	n.pipeline = pipelineInterlock
	e.execute(cio)
	return n
}

func (e *Engine) newDDTChildWrite(parent *Node, copies int) *Node {
	n := newNode(e, parent, OpWrite, ChildDDT, &blockptr.Pointer{},
		parent.data, parent.psize, parent.psize,
		parent.priority, FlagRaw|FlagDontQueue, pipelineWrite)
	n.applyWriteProps(WriteProps{
		Checksum: parent.checksum,
		Copies:   copies,
		Class:    e.dedupClass,
	}, parent.txg)
	n.readyFn = e.ddtChildWriteReady
	n.doneFn = e.ddtChildWriteDone
	return n
}

// ddtChildWriteReady extends the entry with the freshly allocated copies
// and fills every waiting logical writer's pointer.
func (e *Engine) ddtChildWriteReady(cio *Node) {
	if cio.Err() != nil {
		return
	}
	entry := cio.parentEntry()
	if entry == nil {
		return
	}
	entry.Lock()
	defer entry.Unlock()

	entry.Phys[0].DVAs = append(entry.Phys[0].DVAs, dvaSlice(cio.bp)...)
	entry.Phys[0].Birth = cio.txg
	for _, p := range cio.parentSnapshot() {
		if p.op == OpWrite && p.isLogical() {
			fillFromEntry(p.bp, entry, p.copies)
		}
	}
}

// ddtChildWriteDone settles the entry: failure reverts it to the state
// saved before the chain extended it, success takes a reference per
// waiting logical writer. The snapshot survives while a newer lead is
// still outstanding so its failure can revert the whole chain.
func (e *Engine) ddtChildWriteDone(cio *Node) {
	entry := cio.parentEntry()
	if entry == nil {
		return
	}
	entry.Lock()
	defer entry.Unlock()

	if cio.Err() != nil {
		entry.RestoreOrig(0)
		if entry.Lead[0] == cio {
			entry.Lead[0] = nil
		}
		return
	}
	for _, p := range cio.parentSnapshot() {
		if p.op == OpWrite && p.isLogical() {
			entry.AddRef(0)
		}
	}
	if entry.Lead[0] == cio {
		entry.Lead[0] = nil
		entry.DiscardOrig(0)
	}
}

// parentEntry finds the table entry through any logical parent.
func (n *Node) parentEntry() *ddt.Entry {
	for _, p := range n.parentSnapshot() {
		if p.ddtEntry != nil {
			return p.ddtEntry
		}
	}
	return nil
}

// stageDDTFree drops one reference; the physical copies go back to the
// allocator only when the last reference is gone.
func (e *Engine) stageDDTFree(n *Node) *Node {
	entry := e.ddt.Lookup(ddt.KeyFromPointer(n.bp), false)
	if entry == nil {
		// Entry lost; free the copies named by the pointer itself.
		e.allocator.Free(dvaSlice(n.bp), n.txg)
		return n
	}
	entry.Lock()
	defer entry.Unlock()
	if entry.Release(0) == 0 && !entry.HasLead() {
		e.freePhys(n, entry)
		e.ddt.Remove(entry)
	}
	return n
}

// freePhys releases the physical copies behind a dead entry. Gang'd
// copies go through a child free so the whole member tree is released.
func (e *Engine) freePhys(n *Node, entry *ddt.Entry) {
	dvas := entry.Phys[0].DVAs
	if len(dvas) > 0 && dvas[0].Gang {
		fbp := n.bp.Clone()
		fbp.Dedup = false
		setDVAs(fbp, dvas, true)
		fbp.Gang = true
		fbp.Birth = entry.Phys[0].Birth
		child := newNode(e, n, OpFree, ChildDDT, fbp, nil,
			fbp.LSize, fbp.PSize, n.priority, 0, pipelineFree)
		child.txg = n.txg
		e.execute(child)
		return
	}
	e.allocator.Free(dvas, n.txg)
}

// ddtVerifyMatch reads the stored block back, undoing its transforms,
// and compares it byte for byte against the content being written.
// Called with the entry locked; the verification read touches neither
// the table nor the entry.
func (e *Engine) ddtVerifyMatch(n *Node, entry *ddt.Entry) bool {
	vbp := n.bp.Clone()
	vbp.Dedup = false
	dvas := entry.Phys[0].DVAs[:1]
	setDVAs(vbp, dvas, dvas[0].Gang)
	vbp.Gang = dvas[0].Gang
	vbp.Birth = entry.Phys[0].Birth

	buf := e.pool.Get(int(vbp.LSize))
	defer e.pool.Put(buf)
	verify := e.NewRead(nil, vbp, buf[:vbp.LSize], n.priority,
		FlagCanFail|FlagSpeculative, nil)
	if err := verify.Wait(); err != nil {
		return false
	}
	return bytes.Equal(buf[:vbp.LSize], n.logicalData())
}

// logicalData returns the pre-transform content of a write.
func (n *Node) logicalData() []byte {
	if len(n.xforms) > 0 {
		return n.xforms[0].data[:n.xforms[0].size]
	}
	return n.data[:n.lsize]
}

func fillFromEntry(bp *blockptr.Pointer, entry *ddt.Entry, copies int) {
	dvas := entry.Phys[0].DVAs
	if copies < len(dvas) {
		dvas = dvas[:copies]
	}
	gang := len(dvas) > 0 && dvas[0].Gang
	setDVAs(bp, dvas, gang)
	bp.Gang = gang
	bp.Birth = entry.Phys[0].Birth
}
