package pipeline

import (
	"errors"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/vdev"
)

// The device stages bridge the pipeline to pkg/vdev. Interior nodes (a
// block pointer, no device handle) fan out one leaf child per physical
// copy; leaves submit a single request and park until its completion
// callback redispatches them on an interrupt queue.

func opToVdev(op OpKind) vdev.OpKind {
	switch op {
	case OpRead:
		return vdev.OpRead
	case OpWrite:
		return vdev.OpWrite
	case OpTrim:
		return vdev.OpTrim
	default:
		return vdev.OpFlush
	}
}

func (e *Engine) stageDeviceIOStart(n *Node) *Node {
	if n.dev != nil {
		return e.leafIOStart(n)
	}
	if n.op == OpFlush {
		// Flush has no pointer; every attached device gets a leaf.
		e.devices.Each(func(d *vdev.Device) {
			e.execute(e.newLeaf(n, OpFlush, d, 0, nil, 0))
		})
		return n
	}
	if n.op == OpTrim {
		// A trim that lost its device during open resolves here.
		n.err = WorstError(n.err, ErrNoDevice)
		return n
	}
	switch n.op {
	case OpRead:
		return e.interiorReadStart(n)
	case OpWrite:
		return e.interiorWriteStart(n)
	}
	return n
}

// leafIOStart submits the single device request. The node is handed off:
// the completion callback resumes it on an interrupt queue, and retried
// requests cut in line so a recovering read is not penalized twice.
func (e *Engine) leafIOStart(n *Node) *Node {
	var data []byte
	if n.data != nil {
		data = n.data[:n.devSize]
	}
	io := &vdev.IO{
		Kind:   opToVdev(n.op),
		Offset: n.devOffset,
		Size:   n.devSize,
		Data:   data,
		Done: func(err error) {
			n.mu.Lock()
			n.pendingIO = nil
			n.mu.Unlock()
			n.err = WorstError(n.err, err)
			e.dispatch(n, queueInterrupt)
		},
	}
	n.mu.Lock()
	n.pendingIO = io
	n.mu.Unlock()
	if n.flags&FlagRetry != 0 {
		n.dev.SubmitFront(io)
	} else {
		n.dev.Submit(io)
	}
	return nil
}

// interiorReadStart issues one leaf read from the first untried copy on
// an accessible device. Assess and checksum verification advance the
// cursor on failure so every copy gets a chance.
func (e *Engine) interiorReadStart(n *Node) *Node {
	dvas := dvaSlice(n.bp)
	for ; n.dvaTry < len(dvas); n.dvaTry++ {
		d := e.devices.Get(dvas[n.dvaTry].Device)
		if d == nil || !d.Accessible() {
			continue
		}
		n.deviceID = d.ID
		c := e.newLeaf(n, OpRead, d, dvas[n.dvaTry].Offset, n.data, n.bp.PSize)
		e.execute(c)
		return n
	}
	n.err = WorstError(n.err, ErrNoDevice)
	return n
}

// interiorWriteStart fans one leaf write per copy. Copy failures do not
// propagate; assess fails the write only when no copy landed.
func (e *Engine) interiorWriteStart(n *Node) *Node {
	dvas := dvaSlice(n.bp)
	issued := 0
	for _, dva := range dvas {
		d := e.devices.Get(dva.Device)
		if d == nil || !d.Accessible() {
			continue
		}
		c := e.newLeaf(n, OpWrite, d, dva.Offset, n.data, n.bp.PSize)
		c.flags |= FlagDontPropagate
		c.doneFn = e.copyWriteDone
		e.execute(c)
		issued++
	}
	if issued == 0 {
		n.err = WorstError(n.err, ErrNoDevice)
	}
	return n
}

// copyWriteDone tallies landed copies on the parent and marks a device
// that rejected the write as unallocatable so the allocator routes
// around it.
func (e *Engine) copyWriteDone(c *Node) {
	p := c.uniqueParent()
	if p == nil {
		return
	}
	p.mu.Lock()
	if c.Err() == nil {
		p.goodCopies++
	} else {
		p.childErr[ChildVdev] = WorstError(p.childErr[ChildVdev], c.Err())
	}
	p.mu.Unlock()
	if c.Err() == nil {
		return
	}
	logger.Warn("copy write failed",
		logger.KeyDevice, c.deviceID,
		logger.KeyOffset, c.devOffset,
		logger.KeyError, c.Err())
	if errors.Is(c.Err(), ErrNoDevice) && c.dev != nil {
		c.dev.SetCantAllocate(true)
		e.allocator.SetDeviceAllocatable(c.deviceID, false)
	}
}

// stageDeviceIODone waits for leaf children. Leaves pass through: their
// completion already ran before this stage was dispatched.
func (e *Engine) stageDeviceIODone(n *Node) *Node {
	if n.dev != nil {
		return n
	}
	if n.waitForChildren(maskVdev, WaitDone) {
		return nil
	}
	return n
}

// stageDeviceIOAssess turns raw device outcomes into pipeline outcomes:
// a device without flush support is remembered instead of failing the
// flush, failed reads retry remaining copies, and a write succeeds if
// any copy landed.
func (e *Engine) stageDeviceIOAssess(n *Node) *Node {
	if n.dev != nil {
		if n.op == OpFlush && errors.Is(n.err, vdev.ErrNotSupported) {
			n.dev.SetNoCache(true)
			n.err = nil
		}
		return n
	}

	cerr := n.childErr[ChildVdev]
	switch n.op {
	case OpRead:
		if cerr != nil {
			if n.dvaTry+1 < n.bp.NumCopies() {
				n.dvaTry++
				n.childErr[ChildVdev] = nil
				n.flags |= FlagRetry
				n.stage = StageDeviceIOStart >> 1
				return n
			}
			n.err = WorstError(n.err, cerr)
		}
	case OpWrite:
		n.mu.Lock()
		good := n.goodCopies
		n.mu.Unlock()
		if good == 0 {
			err := cerr
			if err == nil {
				err = ErrIO
			}
			n.err = WorstError(n.err, err)
		} else {
			n.childErr[ChildVdev] = nil
			if good < n.copies {
				logger.Warn("write landed with reduced redundancy",
					logger.KeyCopies, good,
					logger.KeyOp, n.op.String())
			}
		}
	default:
		if cerr != nil {
			n.err = WorstError(n.err, cerr)
		}
	}
	return n
}
