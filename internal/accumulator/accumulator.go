// Package accumulator implements the append-only note-commitment tree as a
// frontier: the minimal set of filled-subtree hashes needed to compute the
// current root and to keep incremental witnesses growing, without storing
// the whole tree.
package accumulator

import (
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const (
	// Depth is the fixed depth of the commitment tree. Leaf positions fit
	// in 32 bits.
	Depth = 32

	// NodeSize is the byte length of every node hash and commitment.
	NodeSize = 32
)

var (
	ErrInvalidCommitment = errors.New("accumulator: invalid commitment")
	ErrTreeFull          = errors.New("accumulator: tree full")
)

// Node is one 32-byte hash in the tree. Leaves are note commitments.
type Node [NodeSize]byte

func NodeFromBytes(b []byte) (Node, error) {
	var n Node
	if len(b) != NodeSize {
		return Node{}, ErrInvalidCommitment
	}
	copy(n[:], b)
	return n, nil
}

func NodeFromHex(s string) (Node, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Node{}, ErrInvalidCommitment
	}
	return NodeFromBytes(b)
}

func (n Node) Hex() string {
	return hex.EncodeToString(n[:])
}

// combine hashes two sibling subtree roots at the given level into their
// parent. The level byte keeps levels domain-separated.
func combine(level uint8, l, r Node) Node {
	var buf [1 + 2*NodeSize]byte
	buf[0] = level
	copy(buf[1:], l[:])
	copy(buf[1+NodeSize:], r[:])
	return blake2b.Sum256(buf[:])
}

// uncommittedLeaf fills empty leaf slots. It is distinct from any real
// commitment with overwhelming probability.
var uncommittedLeaf = blake2b.Sum256([]byte("vault:uncommitted"))

// emptyRoots[d] is the root of an all-empty subtree of depth d.
var emptyRoots = func() [Depth + 1]Node {
	var roots [Depth + 1]Node
	roots[0] = uncommittedLeaf
	for d := 1; d <= Depth; d++ {
		roots[d] = combine(uint8(d-1), roots[d-1], roots[d-1])
	}
	return roots
}()

// EmptyRoot returns the root of an empty tree of the full depth.
func EmptyRoot() Node {
	return emptyRoots[Depth]
}

// Frontier holds the rightmost edge of the tree: the newest one or two
// leaves plus, per level, the hash of the completed left sibling subtree
// when one is waiting for its right counterpart. parents[i] is the filled
// subtree of depth i+1, nil while that slot is open.
type Frontier struct {
	left    *Node
	right   *Node
	parents []*Node
}

func NewFrontier() *Frontier {
	return &Frontier{}
}

func nodeRef(n Node) *Node {
	return &n
}

// Size reports the number of leaves appended so far.
func (f *Frontier) Size() uint64 {
	var n uint64
	if f.left != nil {
		n++
	}
	if f.right != nil {
		n++
	}
	for i, p := range f.parents {
		if p != nil {
			n += 1 << (uint(i) + 1)
		}
	}
	return n
}

func (f *Frontier) isComplete(depth int) bool {
	if f.left == nil || f.right == nil {
		return false
	}
	if len(f.parents) != depth-1 {
		return false
	}
	for _, p := range f.parents {
		if p == nil {
			return false
		}
	}
	return true
}

// Append adds one leaf. The frontier is untouched when an error is
// returned.
func (f *Frontier) Append(leaf Node) error {
	return f.appendDepth(leaf, Depth)
}

func (f *Frontier) appendDepth(leaf Node, depth int) error {
	if f.isComplete(depth) {
		return ErrTreeFull
	}
	switch {
	case f.left == nil:
		f.left = nodeRef(leaf)
	case f.right == nil:
		f.right = nodeRef(leaf)
	default:
		// Both leaf slots full: combine them and carry upward until an
		// open parent slot absorbs the carry.
		carry := combine(0, *f.left, *f.right)
		f.left = nodeRef(leaf)
		f.right = nil
		for i := 0; ; i++ {
			if i >= len(f.parents) {
				f.parents = append(f.parents, nodeRef(carry))
				break
			}
			if f.parents[i] != nil {
				carry = combine(uint8(i+1), *f.parents[i], carry)
				f.parents[i] = nil
				continue
			}
			f.parents[i] = nodeRef(carry)
			break
		}
	}
	return nil
}

// Root computes the current root, padding open slots with empty-subtree
// roots. Pure: the frontier is not modified.
func (f *Frontier) Root() Node {
	return f.rootDepth(Depth, &pathFiller{})
}

func (f *Frontier) rootDepth(depth int, filler *pathFiller) Node {
	var root Node
	switch {
	case f.left == nil:
		root = combine(0, filler.next(0), filler.next(0))
	case f.right == nil:
		root = combine(0, *f.left, filler.next(0))
	default:
		root = combine(0, *f.left, *f.right)
	}
	for i := 0; i < depth-1; i++ {
		if i < len(f.parents) && f.parents[i] != nil {
			root = combine(uint8(i+1), *f.parents[i], root)
		} else {
			root = combine(uint8(i+1), root, filler.next(uint8(i+1)))
		}
	}
	return root
}

func (f *Frontier) Clone() *Frontier {
	g := &Frontier{}
	if f.left != nil {
		g.left = nodeRef(*f.left)
	}
	if f.right != nil {
		g.right = nodeRef(*f.right)
	}
	if len(f.parents) > 0 {
		g.parents = make([]*Node, len(f.parents))
		for i, p := range f.parents {
			if p != nil {
				g.parents[i] = nodeRef(*p)
			}
		}
	}
	return g
}

// pathFiller supplies sibling hashes for slots to the right of the
// frontier: queued future subtree roots first, then empty-subtree roots.
type pathFiller struct {
	queue []Node
}

func (p *pathFiller) next(level uint8) Node {
	if len(p.queue) > 0 {
		n := p.queue[0]
		p.queue = p.queue[1:]
		return n
	}
	return emptyRoots[level]
}
