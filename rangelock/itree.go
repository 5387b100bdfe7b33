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

package rangelock

import "github.com/oslab-swrc/hybridF2FS/internal/rbtree"

// The tree is keyed by interval start; ties descend right so equal starts
// are visited in insertion order. Each node carries subtreeLast, the largest
// interval end below it, which the augmentation hook keeps as a rotation
// invariant.

func cmpStart(a, b *Lock) int {
	if a.start < b.start {
		return -1
	}
	return 1
}

func augmentLast(n *rbtree.Node[*Lock]) {
	l := n.Item
	m := l.last
	if left := n.Left(); left != nil && left.Item.subtreeLast > m {
		m = left.Item.subtreeLast
	}
	if right := n.Right(); right != nil && right.Item.subtreeLast > m {
		m = right.Item.subtreeLast
	}
	l.subtreeLast = m
}

// intersects is the O(1) overlap fast path: a candidate [a0, a1] intersects
// something in the tree iff a0 <= the root's subtreeLast (the global largest
// end) and the cached leftmost start <= a1.
func (t *Tree) intersects(l *Lock) bool {
	root := t.tree.Root()
	if root == nil {
		return false
	}
	return l.start <= root.Item.subtreeLast && t.leftmost.start <= l.last
}

func (t *Tree) insert(l *Lock) {
	if t.leftmost == nil || l.start < t.leftmost.start {
		t.leftmost = l
	}
	l.seqnum = t.seqnum
	t.seqnum++
	t.tree.Insert(&l.node)
}

func (t *Tree) remove(l *Lock) {
	if t.leftmost == l {
		if next := l.node.Next(); next != nil {
			t.leftmost = next.Item
		} else {
			t.leftmost = nil
		}
	}
	t.tree.Delete(&l.node)
}

// subtreeSearch returns the leftmost node under n intersecting [start, last],
// pruning on subtreeLast. Precondition: start <= n.subtreeLast.
func subtreeSearch(n *rbtree.Node[*Lock], start, last uint64) *rbtree.Node[*Lock] {
	for {
		if left := n.Left(); left != nil && start <= left.Item.subtreeLast {
			// The leftmost node under left whose end reaches start is
			// the leftmost candidate overall; if its start is already
			// past last, nothing to its right can match either.
			n = left
			continue
		}
		if n.Item.start <= last {
			if start <= n.Item.last {
				return n
			}
			if right := n.Right(); right != nil {
				n = right
				if start <= n.Item.subtreeLast {
					continue
				}
			}
		}
		return nil
	}
}

// iterFirst returns the leftmost lock intersecting [start, last], or nil.
func (t *Tree) iterFirst(start, last uint64) *Lock {
	root := t.tree.Root()
	if root == nil || root.Item.subtreeLast < start {
		return nil
	}
	if t.leftmost.start > last {
		return nil
	}
	if n := subtreeSearch(root, start, last); n != nil {
		return n.Item
	}
	return nil
}

// iterNext returns the next lock after l intersecting [start, last], or nil.
func iterNext(l *Lock, start, last uint64) *Lock {
	n := &l.node
	rb := n.Right()
	for {
		if rb != nil && start <= rb.Item.subtreeLast {
			if m := subtreeSearch(rb, start, last); m != nil {
				return m.Item
			}
			return nil
		}

		// Climb until we come up from a left child.
		for {
			p := n.Parent()
			if p == nil {
				return nil
			}
			prev := n
			n = p
			rb = n.Right()
			if rb != prev {
				break
			}
		}

		if n.Item.start > last {
			return nil
		}
		if start <= n.Item.last {
			return n.Item
		}
	}
}

// forEachOverlap visits every in-tree lock intersecting [start, last] in key
// order. fn must not change the tree's structure.
func (t *Tree) forEachOverlap(start, last uint64, fn func(b *Lock)) {
	for b := t.iterFirst(start, last); b != nil; b = iterNext(b, start, last) {
		fn(b)
	}
}
