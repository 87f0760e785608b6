package pipeline

import (
	"time"

	"github.com/stratum-storage/stratum/internal/logger"
)

type queueKind uint8

const (
	queueIssue queueKind = iota
	queueInterrupt
)

// queueFor picks the task queue a node resumes on: issue queues before
// the device boundary, interrupt queues at or past it.
func queueFor(n *Node) queueKind {
	if n.stage >= StageDeviceIOStart {
		return queueInterrupt
	}
	return queueIssue
}

// dispatch hands a node to a task queue worker.
func (e *Engine) dispatch(n *Node, q queueKind) {
	e.taskqs[q][n.priority].Dispatch(func() { e.execute(n) })
}

// execute drives a node's stage sequence. Stage handlers return the node
// to continue with: usually the same node, sometimes an unstalled parent
// (the trampoline that bounds stack depth for deep trees), or nil when
// the node stalled or was handed off.
func (e *Engine) execute(n *Node) {
	for n != nil {
		if n.stage == StageDone {
			return
		}
		stage := nextStage(n.pipeline, n.stage)
		if stage == 0 {
			logger.Error("pipeline exhausted before done",
				logger.KeyOp, n.op.String(),
				logger.KeyStage, n.stage.String())
			return
		}
		n.stage = stage
		n = e.invokeStage(n, stage)
	}
}

func (e *Engine) invokeStage(n *Node, s Stage) *Node {
	switch s {
	case StageReadBPInit:
		return e.stageReadBPInit(n)
	case StageWriteBPInit:
		return e.stageWriteBPInit(n)
	case StageFreeBPInit:
		return e.stageFreeBPInit(n)
	case StageIssueAsync:
		return e.stageIssueAsync(n)
	case StageWriteCompress:
		return e.stageWriteCompress(n)
	case StageEncrypt:
		return e.stageEncrypt(n)
	case StageChecksumGenerate:
		return e.stageChecksumGenerate(n)
	case StageNopWrite:
		return e.stageNopWrite(n)
	case StageDDTReadStart:
		return e.stageDDTReadStart(n)
	case StageDDTReadDone:
		return e.stageDDTReadDone(n)
	case StageDDTWrite:
		return e.stageDDTWrite(n)
	case StageDDTFree:
		return e.stageDDTFree(n)
	case StageGangAssemble:
		return e.stageGangAssemble(n)
	case StageGangIssue:
		return e.stageGangIssue(n)
	case StageAllocThrottle:
		return e.stageAllocThrottle(n)
	case StageAllocate:
		return e.stageAllocate(n)
	case StageFreeBlock:
		return e.stageFreeBlock(n)
	case StageClaimBlock:
		return e.stageClaimBlock(n)
	case StageReady:
		return e.stageReady(n)
	case StageDeviceIOStart:
		return e.stageDeviceIOStart(n)
	case StageDeviceIODone:
		return e.stageDeviceIODone(n)
	case StageDeviceIOAssess:
		return e.stageDeviceIOAssess(n)
	case StageChecksumVerify:
		return e.stageChecksumVerify(n)
	case StageDone:
		return e.stageDone(n)
	default:
		logger.Error("unknown stage", logger.KeyStage, s.String())
		return nil
	}
}

// stageIssueAsync moves the remaining stages onto an issue worker so the
// submitting goroutine is not charged for compression and checksumming.
func (e *Engine) stageIssueAsync(n *Node) *Node {
	e.dispatch(n, queueIssue)
	return nil
}

// Wait drives the node to completion and blocks until it finishes,
// returning the worst error it observed. A node may be waited on only
// once and must not also be fired asynchronously.
func (n *Node) Wait() error {
	e := n.eng
	if n.executed {
		panic("pipeline: node waited on twice or after FireAndForget")
	}
	n.executed = true
	n.queuedAt = time.Now()
	n.waiterCh = make(chan struct{})

	if n.isLogical() && len(n.parentSnapshot()) == 0 && n.flags&FlagGodfather == 0 {
		if err := e.gateSuspended(n); err != nil {
			return err
		}
	}

	e.execute(n)

	deadman := time.NewTicker(e.deadman)
	defer deadman.Stop()
	for {
		select {
		case <-n.waiterCh:
			return n.err
		case <-deadman.C:
			logger.Warn("deadman: operation stalled",
				logger.KeyOp, n.op.String(),
				logger.KeyStage, n.stage.String(),
				logger.KeyError, n.err,
				logger.KeyElapsed, time.Since(n.queuedAt))
			e.sink.SlowIO(n.op.String(), time.Since(n.queuedAt))
		}
	}
}

// FireAndForget starts the node without a waiter. Parentless logical
// nodes are adopted by a per-shard godfather root so Close can wait for
// all outstanding asynchronous work.
func (n *Node) FireAndForget() {
	e := n.eng
	if n.executed {
		panic("pipeline: node issued twice")
	}
	n.executed = true
	n.queuedAt = time.Now()

	if n.isLogical() && len(n.parentSnapshot()) == 0 && n.flags&FlagGodfather == 0 {
		if err := e.gateSuspended(n); err != nil {
			// The node never enters the pipeline; complete it here so
			// the done callback still observes the outcome.
			n.err = err
			if n.doneFn != nil {
				n.doneFn(n)
			}
			n.mu.Lock()
			n.state[WaitReady] = true
			n.state[WaitDone] = true
			n.mu.Unlock()
			return
		}
		addChild(e.rootFor(n), n)
	}
	e.execute(n)
}

// ChangePriority reassigns the node's scheduling priority and propagates
// it to the whole subtree. Leaves whose operation already sits in a device
// queue are promoted ahead of waiting work when the new priority is more
// urgent.
func (n *Node) ChangePriority(prio Priority) {
	n.mu.Lock()
	promote := prio < n.priority
	n.priority = prio
	dev, io := n.dev, n.pendingIO
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()
	if promote && dev != nil && io != nil {
		dev.Promote(io)
	}
	for _, c := range children {
		c.ChangePriority(prio)
	}
}
