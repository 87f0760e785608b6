package pipeline

// transform is one buffer substitution layered over a node's data. The
// stack unwinds at completion; each pop restores the saved buffer and
// runs fn to carry data from the inner buffer back out (decompression,
// decryption, subblock extraction).
type transform struct {
	data   []byte // buffer to restore
	size   uint64
	fn     func(n *Node, dst []byte, dstSize uint64) error
	pooled bool // current buffer came from the engine pool
}

// pushTransform swaps the node's buffer for buf, remembering the old one.
// fn may be nil when the substitution needs no undo work beyond restoring
// the buffer (e.g. a compressed staging copy on the write path).
func (n *Node) pushTransform(buf []byte, size uint64,
	fn func(n *Node, dst []byte, dstSize uint64) error, pooled bool) {

	n.xforms = append(n.xforms, transform{
		data:   n.data,
		size:   n.lsize,
		fn:     fn,
		pooled: pooled,
	})
	n.data = buf
	n.lsize = size
}

// popTransforms unwinds the whole stack, innermost first, merging any
// undo error into the node.
func (n *Node) popTransforms() {
	for len(n.xforms) > 0 {
		t := n.xforms[len(n.xforms)-1]
		n.xforms = n.xforms[:len(n.xforms)-1]

		if t.fn != nil && n.err == nil {
			if err := t.fn(n, t.data, t.size); err != nil {
				n.err = WorstError(n.err, err)
			}
		}
		if t.pooled {
			n.eng.pool.Put(n.data)
		}
		n.data = t.data
		n.lsize = t.size
	}
}
