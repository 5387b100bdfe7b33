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

package balloc

import (
	"sync"

	"github.com/oslab-swrc/hybridF2FS/internal/rbtree"
)

// A RangeNode describes one contiguous run of free blocks, [Low, High] both
// inclusive. Nodes in a free list are pairwise disjoint and never adjacent;
// a free that would make two nodes adjacent coalesces them instead.
type RangeNode struct {
	node rbtree.Node[*RangeNode]

	Low  uint64
	High uint64
}

// blocks returns the extent size.
func (n *RangeNode) blocks() uint64 {
	return n.High - n.Low + 1
}

// next returns the free extent after n in address order, or nil.
func (n *RangeNode) next() *RangeNode {
	if m := n.node.Next(); m != nil {
		return m.Item
	}
	return nil
}

// prev returns the free extent before n in address order, or nil.
func (n *RangeNode) prev() *RangeNode {
	if m := n.node.Prev(); m != nil {
		return m.Item
	}
	return nil
}

// Range nodes churn on every fragmenting allocation and coalescing free, so
// they are recycled through a pool rather than allocated per operation.
var nodePool = sync.Pool{
	New: func() interface{} { return new(RangeNode) },
}

func allocRangeNode() *RangeNode {
	n := nodePool.Get().(*RangeNode)
	n.node = rbtree.Node[*RangeNode]{Item: n}
	n.Low = 0
	n.High = 0
	return n
}

func freeRangeNode(n *RangeNode) {
	nodePool.Put(n)
}

// cmpRange orders free extents by Low with containment semantics: a probe
// whose Low falls inside an existing extent compares equal, which makes the
// tree reject inserts of already-free ranges.
func cmpRange(a, b *RangeNode) int {
	if a.Low < b.Low {
		return -1
	}
	if a.Low > b.High {
		return 1
	}
	return 0
}
