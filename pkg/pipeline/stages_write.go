package pipeline

import (
	"github.com/stratum-storage/stratum/internal/logger"
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/xform"
)

// stageWriteBPInit routes a write before any data transformation: a
// matching override pointer short-circuits the whole pipeline, a dedup
// write swaps to the dedup pipeline, and a rewrite of a block born this
// txg keeps its existing locations.
func (e *Engine) stageWriteBPInit(n *Node) *Node {
	bp := n.bp

	if n.bpOverride != nil {
		// The caller already knows where this content lives. Reuse the
		// pointer verbatim; no transformation, allocation, or device IO.
		*bp = *n.bpOverride.Clone()
		n.flags |= FlagNopWrite
		n.pipeline = pipelineInterlock
		return n
	}

	if n.dedup && n.allocating() {
		n.pipeline = pipelineDDTWrite
		if n.nopwrite {
			// Dedup and nop-write are mutually exclusive; dedup wins.
			n.pipeline &^= StageNopWrite
		}
		return n
	}

	if n.allocating() && !bp.IsHole() && bp.Birth == n.txg && !bp.Gang {
		// Block already allocated in this txg; overwrite in place.
		n.pipeline &^= StageAllocThrottle | StageAllocate
	}
	return n
}

// stageWriteCompress transforms the data buffer: all-zero content
// becomes a hole, small compressed results embed directly in the block
// pointer, and everything else is staged into a rounded physical buffer.
// It also finalizes whether nop-write detection stays in the pipeline.
func (e *Engine) stageWriteCompress(n *Node) *Node {
	if n.waitForChildren(maskLogical|maskGang, WaitReady) {
		return nil
	}
	if !n.allocating() {
		return n
	}
	bp := n.bp
	lsize := n.lsize

	if n.flags&FlagRaw == 0 {
		if xform.AllZero(n.data) {
			bp.Reset()
			bp.LSize = n.lsize
			bp.Birth = n.txg
			n.pipeline = pipelineInterlock
			return n
		}

		if n.compression != blockptr.CompressOff {
			maxSize := int(n.lsize) - blockptr.MinBlockSize
			if out, ok := xform.Compress(n.compression, n.data, maxSize); ok {
				if uint64(len(out)) <= e.embedThreshold && !n.encrypt {
					bp.SetEmbedded(out, n.compression, n.lsize, n.txg)
					n.pipeline = pipelineInterlock
					return n
				}
				psize := blockptr.RoundUp(uint64(len(out)))
				staging := e.pool.Get(int(psize))
				copy(staging, out)
				n.pushTransform(staging[:psize], psize, nil, true)
				n.psize = psize
				n.compressionApplied(true)
			} else {
				n.compressionApplied(false)
			}
		}
		if n.compression == blockptr.CompressOff {
			n.psize = blockptr.RoundUp(n.lsize)
			if n.psize > n.lsize {
				// Pad out to the allocation granularity; the pool
				// hands out zeroed buffers.
				staging := e.pool.Get(int(n.psize))
				copy(staging, n.data)
				n.pushTransform(staging[:n.psize], n.psize, nil, true)
			}
		}
	}

	bp.LSize = lsize
	bp.PSize = n.psize
	bp.Checksum = n.checksum
	bp.Compression = n.compression
	bp.Dedup = n.dedup

	if n.pipeline&StageNopWrite != 0 && !n.nopwriteViable() {
		n.pipeline &^= StageNopWrite
	}
	return n
}

func (n *Node) compressionApplied(ok bool) {
	if !ok {
		n.compression = blockptr.CompressOff
	}
}

// nopwriteViable checks the preconditions that make reusing the prior
// block pointer safe: a strong checksum, identical transform settings,
// identical copy count, a real prior block, and no dedup or encryption
// on either side.
func (n *Node) nopwriteViable() bool {
	prior := &n.bpOrig
	switch {
	case !n.checksum.Strong():
		return false
	case prior.IsHole() || prior.Embedded:
		return false
	case prior.Checksum != n.checksum:
		return false
	case prior.Compression != n.compression:
		return false
	case prior.NumCopies() != n.copies:
		return false
	case n.dedup || prior.Dedup:
		return false
	case n.encrypt || prior.Encrypted:
		return false
	default:
		return true
	}
}

// stageEncrypt encrypts the staged physical buffer with fresh per-block
// parameters recorded in the pointer. Raw writes carry pre-supplied
// salt, IV, and MAC and pass through.
func (e *Engine) stageEncrypt(n *Node) *Node {
	if !n.encrypt || !n.allocating() {
		return n
	}
	bp := n.bp
	if n.flags&FlagRaw != 0 {
		bp.Encrypted = true
		return n
	}
	if len(e.cryptKey) == 0 {
		n.err = WorstError(n.err, ErrIO)
		logger.Error("encrypting write without a pool key")
		return n
	}

	params := xform.CryptParams{Key: e.cryptKey}
	if err := params.NewSaltIV(); err != nil {
		n.err = WorstError(n.err, WorstError(ErrIO, err))
		return n
	}
	ct, mac, err := xform.Encrypt(&params, n.data[:n.psize])
	if err != nil {
		n.err = WorstError(n.err, WorstError(ErrIO, err))
		return n
	}
	if len(n.xforms) == 0 {
		// The current buffer still belongs to the submitter; ciphertext
		// goes into a staging buffer of its own.
		staging := e.pool.Get(int(n.psize))
		n.pushTransform(staging[:n.psize], n.psize, nil, true)
	}
	copy(n.data, ct)
	bp.Encrypted = true
	bp.Salt = params.Salt
	bp.IV = params.IV
	bp.MAC = mac
	return n
}

// stageChecksumGenerate records the physical data's digest in the block
// pointer. Gang header writes serialize their header first, after the
// member children have wired their pointers in, and use the
// location-salted header checksum.
func (e *Engine) stageChecksumGenerate(n *Node) *Node {
	bp := n.bp

	if n.gangHeader != nil {
		n.data = n.gangHeader.serialize()
		n.lsize = gangHeaderSize
		n.psize = gangHeaderSize
		dva := bp.DVAs[0]
		bp.Sum = xform.ChecksumGang(n.data, dva.Device, dva.Offset, bp.Birth)
		bp.Checksum = blockptr.ChecksumGangHeader
		return n
	}

	data := n.data
	if uint64(len(data)) > n.psize {
		data = data[:n.psize]
	}
	bp.Sum = xform.ChecksumData(n.checksum, data)
	bp.Checksum = n.checksum
	return n
}

// stageNopWrite reuses the prior block pointer when the freshly computed
// checksum matches it exactly. The pipeline collapses to the interlock
// stages: no allocation, no device IO.
func (e *Engine) stageNopWrite(n *Node) *Node {
	prior := &n.bpOrig
	if n.bp.Sum != prior.Sum || n.bp.PSize != prior.PSize {
		return n
	}

	*n.bp = *prior.Clone()
	n.flags |= FlagNopWrite
	n.pipeline = pipelineInterlock
	logger.Debug("nop-write matched prior block",
		logger.KeyTxg, n.txg,
		logger.KeySize, n.lsize)
	return n
}
