package pipeline

import (
	"encoding/binary"
	"fmt"

	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/blockptr"
)

// A gang block stores its payload as up to gangHeaderSlots member blocks
// named by a small header of block pointers, recursively when a member
// itself cannot be allocated contiguously. The header occupies one
// minimum-size block and is self-checksummed with a location-salted
// digest so a stale or misplaced header never parses.
const (
	gangHeaderSlots = 3
	gangHeaderSize  = uint64(blockptr.MinBlockSize)
	gangHeaderMagic = uint32(0x6762c117)
)

type gangHeader struct {
	bps [gangHeaderSlots]blockptr.Pointer
}

// gangNode is one level of the in-memory gang tree: a header plus, per
// slot, the subtree behind any member that is itself a gang block.
type gangNode struct {
	header   *gangHeader
	children [gangHeaderSlots]*gangNode
}

// serialize encodes the header into one header-sized block.
func (gh *gangHeader) serialize() []byte {
	buf := make([]byte, gangHeaderSize)
	binary.BigEndian.PutUint32(buf, gangHeaderMagic)
	off := 4
	for i := range gh.bps {
		off = encodePointer(buf, off, &gh.bps[i])
	}
	return buf
}

func parseGangHeader(buf []byte) (*gangHeader, error) {
	if uint64(len(buf)) < gangHeaderSize || binary.BigEndian.Uint32(buf) != gangHeaderMagic {
		return nil, fmt.Errorf("gang header: %w", ErrChecksum)
	}
	gh := &gangHeader{}
	off := 4
	for i := range gh.bps {
		off = decodePointer(buf, off, &gh.bps[i])
	}
	return gh, nil
}

func encodePointer(buf []byte, off int, bp *blockptr.Pointer) int {
	var flags byte
	if bp.Gang {
		flags |= 1
	}
	if bp.Dedup {
		flags |= 2
	}
	if bp.Encrypted {
		flags |= 4
	}
	buf[off] = flags
	buf[off+1] = byte(bp.Checksum)
	buf[off+2] = byte(bp.Compression)
	off += 3
	for _, v := range []uint64{bp.LSize, bp.PSize, bp.Birth} {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}
	for _, d := range bp.DVAs {
		binary.BigEndian.PutUint64(buf[off:], d.Device)
		binary.BigEndian.PutUint64(buf[off+8:], d.Offset)
		binary.BigEndian.PutUint64(buf[off+16:], d.Asize)
		var g byte
		if d.Gang {
			g = 1
		}
		buf[off+24] = g
		off += 25
	}
	copy(buf[off:], bp.Sum[:])
	return off + len(bp.Sum)
}

func decodePointer(buf []byte, off int, bp *blockptr.Pointer) int {
	flags := buf[off]
	bp.Gang = flags&1 != 0
	bp.Dedup = flags&2 != 0
	bp.Encrypted = flags&4 != 0
	bp.Checksum = blockptr.Checksum(buf[off+1])
	bp.Compression = blockptr.Compression(buf[off+2])
	off += 3
	bp.LSize = binary.BigEndian.Uint64(buf[off:])
	bp.PSize = binary.BigEndian.Uint64(buf[off+8:])
	bp.Birth = binary.BigEndian.Uint64(buf[off+16:])
	off += 24
	for i := range bp.DVAs {
		bp.DVAs[i].Device = binary.BigEndian.Uint64(buf[off:])
		bp.DVAs[i].Offset = binary.BigEndian.Uint64(buf[off+8:])
		bp.DVAs[i].Asize = binary.BigEndian.Uint64(buf[off+16:])
		bp.DVAs[i].Gang = buf[off+24] != 0
		off += 25
	}
	copy(bp.Sum[:], buf[off:])
	return off + len(bp.Sum)
}

// gangHeaderBP derives the pointer used to read a gang header block: same
// locations and birth, header-sized, header-checksummed, no transforms.
func gangHeaderBP(bp *blockptr.Pointer) *blockptr.Pointer {
	h := bp.Clone()
	h.LSize = gangHeaderSize
	h.PSize = gangHeaderSize
	h.Checksum = blockptr.ChecksumGangHeader
	h.Compression = blockptr.CompressOff
	h.Dedup = false
	h.Encrypted = false
	h.Gang = false
	return h
}

// stageGangAssemble builds the in-memory gang tree by reading headers,
// recursively following members that are themselves gang blocks. No
// member IO is issued until the whole tree is in memory; the issue phase
// that follows can then free or claim purely in memory.
func (e *Engine) stageGangAssemble(n *Node) *Node {
	n.gangLeader = n
	e.gangAssembleNode(n, n.bp, &n.gangTree)
	return n
}

func (e *Engine) gangAssembleNode(leader *Node, bp *blockptr.Pointer, slot **gangNode) {
	gn := &gangNode{header: &gangHeader{}}
	*slot = gn

	buf := make([]byte, gangHeaderSize)
	child := e.newChildRead(leader, ChildGang, gangHeaderBP(bp), buf,
		leader.flags&FlagSpeculative, func(c *Node) {
			if c.Err() != nil {
				return
			}
			gh, err := parseGangHeader(c.Data())
			if err != nil {
				c.err = WorstError(c.err, err)
				return
			}
			*gn.header = *gh
			for i := range gn.header.bps {
				mbp := &gn.header.bps[i]
				if mbp.Gang {
					e.gangAssembleNode(leader, mbp, &gn.children[i])
				}
			}
		})
	e.execute(child)
}

// stageGangIssue walks the assembled tree once, applying the node's
// operation to every pointer in it, then collapses to the interlock
// pipeline: the gang node itself has no further device work, it only
// waits for the children issued here.
func (e *Engine) stageGangIssue(n *Node) *Node {
	if n.waitForChildren(maskGang, WaitDone) {
		return nil
	}
	if n.childErr[ChildGang] == nil && n.gangTree != nil {
		e.gangTreeIssue(n, n.gangTree, n.bp, n.data, 0)
	}
	n.pipeline = pipelineInterlock
	return n
}

func (e *Engine) gangTreeIssue(pio *Node, gn *gangNode, bp *blockptr.Pointer,
	data []byte, off uint64) uint64 {

	off = e.gangIssueOne(pio, gn, bp, data, off)
	if gn != nil {
		for i := range gn.header.bps {
			mbp := &gn.header.bps[i]
			if mbp.IsHole() {
				continue
			}
			off = e.gangTreeIssue(pio, gn.children[i], mbp, data, off)
		}
	}
	return off
}

// gangIssueOne applies pio's operation to a single pointer: gn non-nil
// means bp is a gang header, nil means a data member.
func (e *Engine) gangIssueOne(pio *Node, gn *gangNode, bp *blockptr.Pointer,
	data []byte, off uint64) uint64 {

	switch pio.op {
	case OpRead:
		if gn != nil {
			return off // header content already read during assembly
		}
		child := e.newChildRead(pio, ChildGang, bp.Clone(),
			data[off:off+bp.LSize], pio.flags&FlagSpeculative, nil)
		e.execute(child)
		return off + bp.LSize

	case OpWrite:
		// Rewrite path: headers are re-serialized and re-checksummed,
		// members get their data written back with fresh digests.
		if gn != nil {
			hio := e.newGangHeaderRewrite(pio, bp, gn.header, pio.txg, nil)
			e.execute(hio)
			return off
		}
		mio := newNode(e, pio, OpWrite, ChildGang, bp,
			data[off:off+bp.LSize], bp.LSize, bp.PSize,
			pio.priority, FlagGangChild, pipelineRewrite)
		mio.txg = pio.txg
		mio.checksum = bp.Checksum
		e.execute(mio)
		return off + bp.LSize

	case OpFree:
		e.allocator.Free(dvaSlice(bp), pio.txg)
		return off

	case OpClaim:
		if err := e.allocator.Claim(dvaSlice(bp), pio.txg); err != nil {
			pio.err = WorstError(pio.err, err)
		}
		return off

	default:
		return off
	}
}

// writeGangBlock splits a write whose allocation failed into a gang
// header plus member writes. Members are raw slices of the already
// transformed payload; each may gang again recursively. Only the leader
// holds a throttle reservation.
func (e *Engine) writeGangBlock(n *Node) *Node {
	if n.gangLeader == nil {
		n.gangLeader = n
	}
	bp := n.bp

	headerCopies := n.copies + 1
	if headerCopies > blockptr.MaxCopies {
		headerCopies = blockptr.MaxCopies
	}
	dvas, err := e.allocator.Allocate(n.class, gangHeaderSize, headerCopies, n.txg)
	if err != nil {
		n.err = WorstError(n.err, err)
		return n
	}

	setDVAs(bp, dvas, true)
	bp.Gang = true
	bp.Birth = n.txg
	e.sink.GangWrite(n.lsize)
	logger.Debug("splitting write into gang block",
		logger.KeySize, n.psize,
		logger.KeyCopies, n.copies,
		logger.KeyTxg, n.txg)

	gh := &gangHeader{}
	n.gangTree = &gangNode{header: gh}

	hio := e.newGangHeaderRewrite(n, bp, gh, n.txg, nil)

	resid := n.psize
	var off uint64
	members := make([]*Node, 0, gangHeaderSlots)
	for g := 0; resid > 0 && g < gangHeaderSlots; g++ {
		want := blockptr.RoundUp(resid / uint64(gangHeaderSlots-g))
		if want < blockptr.MinBlockSize {
			want = blockptr.MinBlockSize
		}
		if want > resid {
			want = resid
		}

		// Grab the largest contiguous piece still available for this
		// slot. The last slot must hold everything that remains, so a
		// short grab there is returned and the member allocates on its
		// own, ganging again recursively.
		mdvas, got, aerr := e.allocator.AllocateUpTo(
			n.class, blockptr.MinBlockSize, want, n.copies, n.txg)
		if aerr != nil {
			n.err = WorstError(n.err, aerr)
			break
		}
		if g == gangHeaderSlots-1 && got < resid {
			e.allocator.Free(mdvas, n.txg)
			got = 0
		}

		// Member pointers live inside the shared header, so the member
		// pipelines fill the header in place as they checksum.
		mbp := &gh.bps[g]
		size := resid
		if got > 0 {
			size = got
			mbp.LSize = got
			mbp.PSize = got
			mbp.Compression = blockptr.CompressOff
			mbp.Birth = n.txg
			setDVAs(mbp, mdvas, false)
		}
		cio := e.newGangChildWrite(hio, n, mbp, n.data[off:off+size],
			size, n.txg, func(c *Node) { gangMemberReady(n, c) }, nil)
		members = append(members, cio)
		off += size
		resid -= size
	}
	for _, cio := range members {
		e.execute(cio)
	}
	e.execute(hio)

	n.pipeline = pipelineInterlock
	return n
}

// gangMemberReady folds a finished member's allocated sizes into the
// owning gang pointer, so each gang DVA's asize covers the whole subtree
// behind the header, not just the header block itself. Members of one
// header reach ready concurrently.
func gangMemberReady(owner, c *Node) {
	owner.mu.Lock()
	defer owner.mu.Unlock()
	for i := range owner.bp.DVAs {
		if owner.bp.DVAs[i].IsZero() || c.bp.DVAs[i].IsZero() {
			continue
		}
		owner.bp.DVAs[i].Asize += c.bp.DVAs[i].Asize
	}
}

// gangUnallocate returns every pointer already allocated in a failed
// write tree to free space so no space leaks.
func (e *Engine) gangUnallocate(gn *gangNode, bp *blockptr.Pointer, txg uint64) {
	if bp != nil && !bp.IsHole() && !bp.Embedded {
		e.allocator.Free(dvaSlice(bp), txg)
		bp.ClearCopies()
	}
	if gn == nil {
		return
	}
	for i := range gn.header.bps {
		e.gangUnallocate(gn.children[i], &gn.header.bps[i], txg)
	}
}

// dvaSlice returns the populated DVAs of a pointer.
func dvaSlice(bp *blockptr.Pointer) []blockptr.DVA {
	out := make([]blockptr.DVA, 0, blockptr.MaxCopies)
	for _, d := range bp.DVAs {
		if !d.IsZero() {
			out = append(out, d)
		}
	}
	return out
}

// setDVAs installs allocated locations into a pointer.
func setDVAs(bp *blockptr.Pointer, dvas []blockptr.DVA, gang bool) {
	bp.DVAs = [blockptr.MaxCopies]blockptr.DVA{}
	for i, d := range dvas {
		if i >= blockptr.MaxCopies {
			break
		}
		d.Gang = gang
		bp.DVAs[i] = d
	}
}
