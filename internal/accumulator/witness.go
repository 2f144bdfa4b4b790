package accumulator

import "errors"

// Witness tracks the authentication path of one leaf as the tree grows past
// it. Levels where the witnessed leaf is a right-hand node had their sibling
// fixed when the witness was opened (they sit in the frontier snapshot);
// levels where it is a left-hand node receive their sibling from a later
// append, collected through filled and the cursor.
type Witness struct {
	tree        *Frontier
	filled      []Node
	cursor      *Frontier
	cursorDepth int
}

// NewWitness opens a witness for the newest leaf of the frontier. Call it
// in the same step that appended the leaf; the snapshot is cloned so the
// live frontier can keep growing.
func NewWitness(f *Frontier) (*Witness, error) {
	if f.left == nil {
		return nil, errors.New("accumulator: witness of empty tree")
	}
	return &Witness{tree: f.Clone()}, nil
}

// Position reports the witnessed leaf's position.
func (w *Witness) Position() uint64 {
	return w.tree.Size() - 1
}

// Size reports the leaf count the witness has been extended to.
func (w *Witness) Size() uint64 {
	n := w.tree.Size() + w.filledLeafCount()
	if w.cursor != nil {
		n += w.cursor.Size()
	}
	return n
}

// filledLeafCount totals the leaves under the completed sibling subtrees
// recorded so far. Each filled entry plugs the next open slot reported by
// nextDepth at the time it completed.
func (w *Witness) filledLeafCount() uint64 {
	var n uint64
	depths := w.filledDepths(len(w.filled))
	for _, d := range depths {
		n += 1 << uint(d)
	}
	return n
}

// filledDepths reports the subtree depth of the first k filled entries, in
// the order they were (or will be) collected.
func (w *Witness) filledDepths(k int) []int {
	depths := make([]int, 0, k)
	open := make([]int, 0, Depth)
	if w.tree.right == nil {
		open = append(open, 0)
	}
	for i, p := range w.tree.parents {
		if p == nil {
			open = append(open, i+1)
		}
	}
	d := len(w.tree.parents) + 1
	for len(depths) < k {
		if len(open) > 0 {
			depths = append(depths, open[0])
			open = open[1:]
			continue
		}
		depths = append(depths, d)
		d++
	}
	return depths
}

// nextDepth reports the depth of the sibling subtree the witness needs
// next: the first open slot of the snapshot not yet filled, or the next
// level above everything recorded so far.
func (w *Witness) nextDepth() int {
	skip := len(w.filled)
	if w.tree.left == nil {
		if skip > 0 {
			skip--
		} else {
			return 0
		}
	}
	if w.tree.right == nil {
		if skip > 0 {
			skip--
		} else {
			return 0
		}
	}
	d := 1
	for _, p := range w.tree.parents {
		if p == nil {
			if skip > 0 {
				skip--
			} else {
				return d
			}
		}
		d++
	}
	return d + skip
}

// Append extends the witness with the next appended leaf. Every leaf
// appended to the tree after the witness was opened must be fed here, in
// order.
func (w *Witness) Append(leaf Node) error {
	return w.appendDepth(leaf, Depth)
}

func (w *Witness) appendDepth(leaf Node, depth int) error {
	if w.cursor != nil {
		if err := w.cursor.appendDepth(leaf, depth); err != nil {
			return err
		}
		if w.cursor.isComplete(w.cursorDepth) {
			w.filled = append(w.filled, w.cursor.rootDepth(w.cursorDepth, &pathFiller{}))
			w.cursor = nil
		}
		return nil
	}
	w.cursorDepth = w.nextDepth()
	if w.cursorDepth >= depth {
		return ErrTreeFull
	}
	if w.cursorDepth == 0 {
		// The needed sibling is a single leaf.
		w.filled = append(w.filled, leaf)
		return nil
	}
	c := NewFrontier()
	if err := c.appendDepth(leaf, depth); err != nil {
		return err
	}
	w.cursor = c
	return nil
}

func (w *Witness) filler() *pathFiller {
	queue := make([]Node, 0, len(w.filled)+1)
	queue = append(queue, w.filled...)
	if w.cursor != nil {
		queue = append(queue, w.cursor.rootDepth(w.cursorDepth, &pathFiller{}))
	}
	return &pathFiller{queue: queue}
}

// Root computes the tree root as of the last leaf fed to the witness. It
// equals the frontier root at the same leaf count.
func (w *Witness) Root() Node {
	return w.rootDepth(Depth)
}

func (w *Witness) rootDepth(depth int) Node {
	return w.tree.rootDepth(depth, w.filler())
}

// Path is an authentication path: the sibling hash at every level from the
// leaf up, ordered leaf level first.
type Path struct {
	Position uint64
	Siblings [Depth]Node
}

// Path extracts the authentication path of the witnessed leaf, valid
// against Root at the witness's current leaf count.
func (w *Witness) Path() (Path, error) {
	if w.tree.left == nil {
		return Path{}, errors.New("accumulator: witness of empty tree")
	}
	filler := w.filler()
	p := Path{Position: w.Position()}
	i := 0
	if w.tree.right != nil {
		p.Siblings[i] = *w.tree.left
	} else {
		p.Siblings[i] = filler.next(0)
	}
	i++
	for j, parent := range w.tree.parents {
		if parent != nil {
			p.Siblings[i] = *parent
		} else {
			p.Siblings[i] = filler.next(uint8(j + 1))
		}
		i++
	}
	for ; i < Depth; i++ {
		p.Siblings[i] = filler.next(uint8(i))
	}
	return p, nil
}

// PathRoot recomputes the root implied by a leaf and its path. Position
// bits choose the hashing order at each level.
func PathRoot(leaf Node, p Path) Node {
	root := leaf
	pos := p.Position
	for i := 0; i < Depth; i++ {
		if pos&1 == 1 {
			root = combine(uint8(i), p.Siblings[i], root)
		} else {
			root = combine(uint8(i), root, p.Siblings[i])
		}
		pos >>= 1
	}
	return root
}
