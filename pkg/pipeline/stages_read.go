package pipeline

import (
	"github.com/stratum-storage/stratum/pkg/blockptr"
	"github.com/stratum-storage/stratum/pkg/xform"
)

// stageReadBPInit prepares a read from its block pointer: embedded data
// is lifted straight out of the pointer, compressed blocks get a staging
// buffer with a decompression transform, and dedup or gang pointers
// reroute the pipeline. Only logical reads carry transforms; gang and
// dedup children move raw physical bytes.
func (e *Engine) stageReadBPInit(n *Node) *Node {
	bp := n.bp
	if bp == nil || !n.isLogical() {
		return n
	}

	if bp.IsHole() {
		for i := range n.data {
			n.data[i] = 0
		}
		n.pipeline = pipelineInterlock
		return n
	}

	if bp.Embedded {
		if bp.Compression != blockptr.CompressOff {
			out, err := xform.Decompress(bp.Compression, bp.Embed, int(bp.LSize))
			if err != nil {
				n.err = WorstError(n.err, err)
			} else {
				copy(n.data, out)
			}
		} else {
			copy(n.data, bp.Embed)
		}
		n.pipeline = pipelineInterlock
		return n
	}

	// Physical bytes are encrypt(compress(data)); undo runs in reverse,
	// and transforms pop last-pushed first, so decryption goes on top.
	if bp.Compression != blockptr.CompressOff {
		staging := e.pool.Get(int(bp.PSize))
		n.pushTransform(staging, bp.PSize, decompressTransform, true)
	} else if bp.PSize > n.lsize {
		// Uncompressed but padded to the allocation granularity; stage
		// the full physical block and carve the logical bytes out.
		staging := e.pool.Get(int(bp.PSize))
		n.pushTransform(staging, bp.PSize, subblockTransform, true)
	}
	if bp.Encrypted {
		n.pushTransform(n.data, n.lsize, decryptTransform, false)
	}

	if bp.Dedup {
		n.pipeline = pipelineDDTRead
		return n
	}
	if bp.Gang {
		n.pipeline = pipelineRead&^stagesVdevIO | stagesGang
	}
	return n
}

// decompressTransform carries staged physical bytes back into the
// caller's logical buffer.
func decompressTransform(n *Node, dst []byte, dstSize uint64) error {
	out, err := xform.Decompress(n.bp.Compression, n.data[:n.bp.PSize], int(dstSize))
	if err != nil {
		return WorstError(ErrIO, err)
	}
	copy(dst, out)
	return nil
}

// subblockTransform copies the logical prefix of a padded physical block
// back into the caller's buffer.
func subblockTransform(n *Node, dst []byte, dstSize uint64) error {
	copy(dst, n.data[:dstSize])
	return nil
}

// decryptTransform decrypts in place using the parameters stored in the
// block pointer.
func decryptTransform(n *Node, dst []byte, dstSize uint64) error {
	params := n.cryptParams()
	pt, err := xform.Decrypt(&params, n.data[:dstSize], n.bp.MAC)
	if err != nil {
		return WorstError(ErrChecksum, err)
	}
	copy(dst, pt)
	return nil
}

// stageChecksumVerify compares the physical data against the pointer's
// recorded digest. Gang headers verify with the location-salted header
// checksum.
func (e *Engine) stageChecksumVerify(n *Node) *Node {
	bp := n.bp
	if bp == nil || bp.IsHole() || bp.Embedded || bp.Checksum == blockptr.ChecksumOff {
		return n
	}
	if n.err != nil {
		return n
	}

	data := n.data
	if uint64(len(data)) > bp.PSize {
		data = data[:bp.PSize]
	}

	var got blockptr.Digest
	if bp.Checksum == blockptr.ChecksumGangHeader {
		dva := bp.DVAs[0]
		got = xform.ChecksumGang(data, dva.Device, dva.Offset, bp.Birth)
	} else {
		got = xform.ChecksumData(bp.Checksum, data)
	}
	if got != bp.Sum {
		if n.flags&FlagSpeculative == 0 {
			e.sink.ChecksumError(n.deviceID)
		}
		// A node that did its own device IO can retry the read from
		// another copy before giving up.
		if n.pipeline&StageDeviceIOStart != 0 && n.dvaTry+1 < bp.NumCopies() {
			n.dvaTry++
			n.flags |= FlagRetry
			n.stage = StageDeviceIOStart >> 1
			return n
		}
		n.err = WorstError(n.err, ErrChecksum)
	}
	return n
}
