// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package rbtree provides the ordered-tree core shared by the range lock and
// the block allocator: a red-black tree with parent pointers, intrusive nodes
// embedded in caller records, and an optional augmentation hook that is
// re-run on every structural change so per-subtree summaries survive
// rotations.
//
// Ordering is supplied by the owning tree's compare function. A comparison
// that returns zero during an insert rejects the insert and surfaces the
// conflicting node; a compare function that never returns zero therefore
// admits duplicate keys, which land to the right of their equals so that an
// in-order walk visits them in insertion order.
package rbtree

// Node is the tree linkage embedded in a caller's record. Item points back at
// the record. A zero Node is detached; Tree.Delete returns it to that state.
type Node[T any] struct {
	parent *Node[T]
	left   *Node[T]
	right  *Node[T]
	red    bool

	Item T
}

// Left returns the node's left child, or nil.
func (n *Node[T]) Left() *Node[T] { return n.left }

// Right returns the node's right child, or nil.
func (n *Node[T]) Right() *Node[T] { return n.right }

// Parent returns the node's parent, or nil for the root.
func (n *Node[T]) Parent() *Node[T] { return n.parent }

// Next returns the in-order successor of n, or nil.
func (n *Node[T]) Next() *Node[T] {
	if n.right != nil {
		m := n.right
		for m.left != nil {
			m = m.left
		}
		return m
	}
	p := n.parent
	for p != nil && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

// Prev returns the in-order predecessor of n, or nil.
func (n *Node[T]) Prev() *Node[T] {
	if n.left != nil {
		m := n.left
		for m.right != nil {
			m = m.right
		}
		return m
	}
	p := n.parent
	for p != nil && n == p.left {
		n = p
		p = p.parent
	}
	return p
}

// Tree is a red-black tree over caller-owned nodes.
type Tree[T any] struct {
	root *Node[T]

	// cmp orders item against an in-tree item. Negative descends left,
	// positive descends right, zero rejects the insert.
	cmp func(item, existing T) int

	// aug, when non-nil, recomputes a node's subtree summary from its item
	// and children. Run bottom-up after every link, unlink and rotation.
	aug func(n *Node[T])
}

// New returns an empty tree ordered by cmp. aug may be nil.
func New[T any](cmp func(item, existing T) int, aug func(n *Node[T])) *Tree[T] {
	return &Tree[T]{cmp: cmp, aug: aug}
}

// Root returns the root node, or nil for an empty tree.
func (t *Tree[T]) Root() *Node[T] { return t.root }

// Empty reports whether the tree has no nodes.
func (t *Tree[T]) Empty() bool { return t.root == nil }

// Min returns the smallest node in the tree, or nil.
func (t *Tree[T]) Min() *Node[T] {
	n := t.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// Max returns the largest node in the tree, or nil.
func (t *Tree[T]) Max() *Node[T] {
	n := t.root
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// Search descends the tree steered by probe: negative goes left, positive
// goes right, zero stops. It returns the matching node if probe hit zero,
// and the last node visited either way (the would-be attachment point of
// the probed key when there is no match).
func (t *Tree[T]) Search(probe func(item T) int) (match, leaf *Node[T]) {
	n := t.root
	for n != nil {
		leaf = n
		c := probe(n.Item)
		if c < 0 {
			n = n.left
		} else if c > 0 {
			n = n.right
		} else {
			return n, n
		}
	}
	return nil, leaf
}

// Insert links n into the tree. If cmp reports an existing node as equal,
// the insert is rejected and that node is returned; otherwise nil.
func (t *Tree[T]) Insert(n *Node[T]) *Node[T] {
	var parent *Node[T]
	link := &t.root
	for *link != nil {
		parent = *link
		c := t.cmp(n.Item, parent.Item)
		if c < 0 {
			link = &parent.left
		} else if c > 0 {
			link = &parent.right
		} else {
			return parent
		}
	}
	n.parent = parent
	n.left = nil
	n.right = nil
	n.red = true
	*link = n
	t.augmentPath(n)
	t.insertFixup(n)
	return nil
}

// Delete unlinks n, which must be in the tree, and resets it to the
// detached state.
func (t *Tree[T]) Delete(n *Node[T]) {
	var x, xParent *Node[T]
	removedRed := n.red

	switch {
	case n.left == nil:
		x, xParent = n.right, n.parent
		t.transplant(n, n.right)
	case n.right == nil:
		x, xParent = n.left, n.parent
		t.transplant(n, n.left)
	default:
		s := n.right
		for s.left != nil {
			s = s.left
		}
		removedRed = s.red
		x = s.right
		if s.parent == n {
			xParent = s
		} else {
			xParent = s.parent
			t.transplant(s, s.right)
			s.right = n.right
			s.right.parent = s
		}
		t.transplant(n, s)
		s.left = n.left
		s.left.parent = s
		s.red = n.red
	}

	t.augmentPath(xParent)
	if !removedRed {
		t.deleteFixup(x, xParent)
	}

	n.parent = nil
	n.left = nil
	n.right = nil
	n.red = false
}

// transplant replaces the subtree rooted at u with the one rooted at v.
func (t *Tree[T]) transplant(u, v *Node[T]) {
	switch {
	case u.parent == nil:
		t.root = v
	case u == u.parent.left:
		u.parent.left = v
	default:
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// augmentPath re-runs the augmentation hook from n up to the root.
func (t *Tree[T]) augmentPath(n *Node[T]) {
	if t.aug == nil {
		return
	}
	for ; n != nil; n = n.parent {
		t.aug(n)
	}
}

func isRed[T any](n *Node[T]) bool { return n != nil && n.red }

func (t *Tree[T]) rotateLeft(x *Node[T]) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.left:
		x.parent.left = y
	default:
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	if t.aug != nil {
		t.aug(x)
		t.aug(y)
	}
}

func (t *Tree[T]) rotateRight(x *Node[T]) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	switch {
	case x.parent == nil:
		t.root = y
	case x == x.parent.right:
		x.parent.right = y
	default:
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	if t.aug != nil {
		t.aug(x)
		t.aug(y)
	}
}

func (t *Tree[T]) insertFixup(n *Node[T]) {
	for isRed(n.parent) {
		g := n.parent.parent
		if n.parent == g.left {
			u := g.right
			if isRed(u) {
				n.parent.red = false
				u.red = false
				g.red = true
				n = g
			} else {
				if n == n.parent.right {
					n = n.parent
					t.rotateLeft(n)
				}
				n.parent.red = false
				g.red = true
				t.rotateRight(g)
			}
		} else {
			u := g.left
			if isRed(u) {
				n.parent.red = false
				u.red = false
				g.red = true
				n = g
			} else {
				if n == n.parent.left {
					n = n.parent
					t.rotateRight(n)
				}
				n.parent.red = false
				g.red = true
				t.rotateLeft(g)
			}
		}
	}
	t.root.red = false
}

func (t *Tree[T]) deleteFixup(x, parent *Node[T]) {
	for x != t.root && !isRed(x) {
		if x == parent.left {
			w := parent.right
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateLeft(parent)
				w = parent.right
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.right) {
					w.left.red = false
					w.red = true
					t.rotateRight(w)
					w = parent.right
				}
				w.red = parent.red
				parent.red = false
				w.right.red = false
				t.rotateLeft(parent)
				x = t.root
			}
		} else {
			w := parent.left
			if isRed(w) {
				w.red = false
				parent.red = true
				t.rotateRight(parent)
				w = parent.left
			}
			if !isRed(w.left) && !isRed(w.right) {
				w.red = true
				x = parent
				parent = x.parent
			} else {
				if !isRed(w.left) {
					w.right.red = false
					w.red = true
					t.rotateLeft(w)
					w = parent.left
				}
				w.red = parent.red
				parent.red = false
				w.left.red = false
				t.rotateRight(parent)
				x = t.root
			}
		}
	}
	if x != nil {
		x.red = false
	}
}
