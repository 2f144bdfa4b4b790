package accumulator

import "errors"

// Binary layout, version 1. All sections are self-delimiting so a witness
// can embed frontiers.
//
//	frontier: flags(1: bit0 left, bit1 right) [left 32] [right 32]
//	          parentCount(1) parentCount * { present(1) [node 32] }
//	blob:     version(1) payload

const encodingVersion = 0x01

var errBadEncoding = errors.New("accumulator: bad encoding")

func appendFrontier(dst []byte, f *Frontier) []byte {
	var flags byte
	if f.left != nil {
		flags |= 0x01
	}
	if f.right != nil {
		flags |= 0x02
	}
	dst = append(dst, flags)
	if f.left != nil {
		dst = append(dst, f.left[:]...)
	}
	if f.right != nil {
		dst = append(dst, f.right[:]...)
	}
	dst = append(dst, byte(len(f.parents)))
	for _, p := range f.parents {
		if p != nil {
			dst = append(dst, 0x01)
			dst = append(dst, p[:]...)
		} else {
			dst = append(dst, 0x00)
		}
	}
	return dst
}

type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, errBadEncoding
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *byteReader) node() (Node, error) {
	if r.off+NodeSize > len(r.buf) {
		return Node{}, errBadEncoding
	}
	var n Node
	copy(n[:], r.buf[r.off:r.off+NodeSize])
	r.off += NodeSize
	return n, nil
}

func readFrontier(r *byteReader) (*Frontier, error) {
	flags, err := r.byte()
	if err != nil {
		return nil, err
	}
	if flags&^byte(0x03) != 0 {
		return nil, errBadEncoding
	}
	f := &Frontier{}
	if flags&0x01 != 0 {
		n, err := r.node()
		if err != nil {
			return nil, err
		}
		f.left = nodeRef(n)
	}
	if flags&0x02 != 0 {
		if f.left == nil {
			return nil, errBadEncoding
		}
		n, err := r.node()
		if err != nil {
			return nil, err
		}
		f.right = nodeRef(n)
	}
	count, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(count) > Depth-1 {
		return nil, errBadEncoding
	}
	if count > 0 {
		f.parents = make([]*Node, count)
		for i := 0; i < int(count); i++ {
			present, err := r.byte()
			if err != nil {
				return nil, err
			}
			switch present {
			case 0x00:
			case 0x01:
				n, err := r.node()
				if err != nil {
					return nil, err
				}
				f.parents[i] = nodeRef(n)
			default:
				return nil, errBadEncoding
			}
		}
	}
	return f, nil
}

// MarshalBinary serializes the frontier for checkpoint storage.
func (f *Frontier) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 0, 2+NodeSize*(2+len(f.parents)))
	dst = append(dst, encodingVersion)
	dst = appendFrontier(dst, f)
	return dst, nil
}

// ParseFrontier is the inverse of Frontier.MarshalBinary.
func ParseFrontier(data []byte) (*Frontier, error) {
	r := &byteReader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, errBadEncoding
	}
	f, err := readFrontier(r)
	if err != nil {
		return nil, err
	}
	if r.off != len(data) {
		return nil, errBadEncoding
	}
	return f, nil
}

// MarshalBinary serializes the witness for per-height storage.
func (w *Witness) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 0, 8+NodeSize*(4+len(w.tree.parents)+len(w.filled)))
	dst = append(dst, encodingVersion)
	dst = appendFrontier(dst, w.tree)
	dst = append(dst, byte(len(w.filled)))
	for _, n := range w.filled {
		dst = append(dst, n[:]...)
	}
	if w.cursor != nil {
		dst = append(dst, 0x01)
		dst = appendFrontier(dst, w.cursor)
	} else {
		dst = append(dst, 0x00)
	}
	dst = append(dst, byte(w.cursorDepth))
	return dst, nil
}

// ParseWitness is the inverse of Witness.MarshalBinary.
func ParseWitness(data []byte) (*Witness, error) {
	r := &byteReader{buf: data}
	version, err := r.byte()
	if err != nil {
		return nil, err
	}
	if version != encodingVersion {
		return nil, errBadEncoding
	}
	tree, err := readFrontier(r)
	if err != nil {
		return nil, err
	}
	if tree.left == nil {
		return nil, errBadEncoding
	}
	w := &Witness{tree: tree}
	count, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(count) > Depth {
		return nil, errBadEncoding
	}
	if count > 0 {
		w.filled = make([]Node, count)
		for i := 0; i < int(count); i++ {
			n, err := r.node()
			if err != nil {
				return nil, err
			}
			w.filled[i] = n
		}
	}
	present, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch present {
	case 0x00:
	case 0x01:
		c, err := readFrontier(r)
		if err != nil {
			return nil, err
		}
		w.cursor = c
	default:
		return nil, errBadEncoding
	}
	depth, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(depth) > Depth {
		return nil, errBadEncoding
	}
	w.cursorDepth = int(depth)
	if r.off != len(data) {
		return nil, errBadEncoding
	}
	return w, nil
}
