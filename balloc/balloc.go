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

// Package balloc maintains the set of free blocks of a managed region as an
// ordered tree of disjoint, non-adjacent extents. Allocation serves a
// contiguous run from either end of the free space; freeing returns a run
// and coalesces it with its neighbors. Every operation is O(log n) under the
// free list's mutex, and nothing here ever suspends.
package balloc

import (
	"sync"

	logging "github.com/op/go-logging"
	"github.com/pkg/errors"

	"github.com/oslab-swrc/hybridF2FS/internal/rbtree"
)

var log = logging.MustGetLogger("balloc")

var (
	// ErrNoSpace means no free extent can satisfy the allocation.
	ErrNoSpace = errors.New("balloc: out of space")
	// ErrInvalid means a zero-length request, or a free that overlaps an
	// extent that is already free.
	ErrInvalid = errors.New("balloc: invalid block range")
	// ErrIO means a free outside the managed region.
	ErrIO = errors.New("balloc: block range outside free list")
	// ErrNoMem is reserved for range-node pool exhaustion. The pool in this
	// implementation cannot fail; the sentinel keeps the contract complete.
	ErrNoMem = errors.New("balloc: out of memory")
)

// Direction selects which end of the free space an allocation is served
// from.
type Direction int

const (
	// FromHead serves from the lowest-addressed free extent.
	FromHead Direction = iota
	// FromTail serves from the highest-addressed free extent.
	FromTail
)

// BlockType zero is a normal allocation. A positive value demands a
// superpage: an extent strictly smaller than the request is skipped rather
// than granted whole, so the grant always has the requested length.
type BlockType uint16

// AllocType tags an allocation with its purpose. Recorded for diagnostics;
// reserved, it does not affect placement.
type AllocType int

const (
	// AllocData marks a data-block allocation.
	AllocData AllocType = iota
	// AllocNode marks a node-block allocation.
	AllocNode
)

// A Zeroer zeroes the contents of a granted block run. Zeroing is the
// enclosing filesystem's business; the free list only requests it, after
// its own mutex is released.
type Zeroer interface {
	ZeroBlocks(start, count uint64)
}

// Stats is a snapshot of the free list's diagnostic counters.
type Stats struct {
	AllocCount uint64
	AllocPages uint64
	Frees      uint64

	FreeBlocks uint64
	Nodes      uint64

	LastAllocType AllocType
}

// A FreeList owns the free extents of one managed block region,
// [blockStart, blockEnd] inclusive. The mutex guards the tree, the
// first/last caches and every counter. There is a single free list per
// region; index exists so a future split into per-CPU lists has somewhere
// to hang.
type FreeList struct {
	mu   sync.Mutex
	tree *rbtree.Tree[*RangeNode]

	firstNode *RangeNode
	lastNode  *RangeNode

	blockStart uint64
	blockEnd   uint64

	numFreeBlocks uint64
	numBlocknode  uint64

	index int

	allocCount    uint64
	allocPages    uint64
	freeCount     uint64
	lastAllocType AllocType

	// Zeroer, when non-nil, is invoked for allocations that requested
	// zeroed blocks. Set it before first use.
	Zeroer Zeroer
}

// NewFreeList returns a free list managing [blockStart, blockEnd],
// inclusive, with no free space registered yet; InitBlockmap populates it.
func NewFreeList(blockStart, blockEnd uint64) *FreeList {
	if blockStart > blockEnd {
		panic("balloc: NewFreeList with blockStart > blockEnd")
	}
	return &FreeList{
		tree:       rbtree.New[*RangeNode](cmpRange, nil),
		blockStart: blockStart,
		blockEnd:   blockEnd,
	}
}

// InitBlockmap registers the region's free space. On first boot (recovery
// false) the whole region becomes one free extent. On recovery the tree is
// left empty for the caller to repopulate with FreeBlocks.
func (f *FreeList) InitBlockmap(recovery bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	log.Debugf("init blockmap: block start %d, block end %d, recovery %v",
		f.blockStart, f.blockEnd, recovery)

	if recovery {
		return nil
	}

	n := allocRangeNode()
	n.Low = f.blockStart
	n.High = f.blockEnd
	if conflict := f.tree.Insert(&n.node); conflict != nil {
		freeRangeNode(n)
		return errors.Wrap(ErrInvalid, "blockmap already initialized")
	}
	f.firstNode = n
	f.lastNode = n
	f.numBlocknode = 1
	f.numFreeBlocks = f.blockEnd - f.blockStart + 1
	return nil
}

// Destroy tears the free list down, returning every range node to the pool.
// The free list must not be used afterwards.
func (f *FreeList) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		n := f.tree.Min()
		if n == nil {
			break
		}
		f.tree.Delete(n)
		freeRangeNode(n.Item)
	}
	f.firstNode = nil
	f.lastNode = nil
	f.numFreeBlocks = 0
	f.numBlocknode = 0
}

// FreeCount returns the number of free blocks.
func (f *FreeList) FreeCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numFreeBlocks
}

// NodeCount returns the number of free extents.
func (f *FreeList) NodeCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numBlocknode
}

// Stats returns a snapshot of the diagnostic counters.
func (f *FreeList) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		AllocCount:    f.allocCount,
		AllocPages:    f.allocPages,
		Frees:         f.freeCount,
		FreeBlocks:    f.numFreeBlocks,
		Nodes:         f.numBlocknode,
		LastAllocType: f.lastAllocType,
	}
}

func (f *FreeList) step(n *RangeNode, dir Direction) *RangeNode {
	if dir == FromHead {
		return n.next()
	}
	return n.prev()
}

// allocBlocks serves count blocks from the free tree, walking from the
// first (head) or last (tail) extent. An extent no larger than the request
// is consumed whole — unless a superpage was demanded and the extent is
// strictly too small, in which case the walk moves on. A larger extent is
// trimmed from the chosen end. Caller holds the mutex.
func (f *FreeList) allocBlocks(count uint64, btype BlockType, dir Direction) (start, got uint64, err error) {
	if f.firstNode == nil || f.numFreeBlocks == 0 {
		return 0, 0, errors.Wrap(ErrNoSpace, "free list empty")
	}

	cur := f.firstNode
	if dir == FromTail {
		cur = f.lastNode
	}

	for cur != nil {
		size := cur.blocks()

		if count >= size {
			if btype > 0 && count > size {
				// Superpage allocation must not span extents.
				cur = f.step(cur, dir)
				continue
			}

			// Consume the whole extent.
			if cur == f.firstNode {
				f.firstNode = cur.next()
			}
			if cur == f.lastNode {
				f.lastNode = cur.prev()
			}
			f.tree.Delete(&cur.node)
			f.numBlocknode--
			start = cur.Low
			got = size
			freeRangeNode(cur)
			break
		}

		// Trim a partial run off the chosen end.
		if dir == FromHead {
			start = cur.Low
			cur.Low += count
		} else {
			start = cur.High + 1 - count
			cur.High -= count
		}
		got = count
		break
	}

	if got == 0 || f.numFreeBlocks < got {
		return 0, 0, errors.Wrapf(ErrNoSpace, "no extent holds %d blocks", count)
	}
	f.numFreeBlocks -= got
	return start, got, nil
}

// NewBlocks allocates a contiguous run of count blocks and returns its
// starting block and the granted length — the whole containing extent when
// the request consumed it. dir picks the end of free space served from;
// btype > 0 demands a single-extent (superpage) grant; atype is recorded
// only. With zero set, the granted run is handed to the Zeroer after the
// free list is unlocked. Fails with ErrNoSpace when no extent satisfies the
// request; a failed allocation consumes nothing.
func (f *FreeList) NewBlocks(count uint64, btype BlockType, zero bool, atype AllocType, dir Direction) (start, got uint64, err error) {
	if count == 0 {
		return 0, 0, errors.Wrap(ErrInvalid, "zero-length allocation")
	}

	f.mu.Lock()
	start, got, err = f.allocBlocks(count, btype, dir)
	if err == nil {
		f.allocCount++
		f.allocPages += got
		f.lastAllocType = atype
	}
	f.mu.Unlock()

	if err != nil {
		return 0, 0, err
	}
	if zero && f.Zeroer != nil {
		f.Zeroer.ZeroBlocks(start, got)
	}
	return start, got, nil
}

// findFreeSlot locates the free extents neighboring [low, high]: prev ends
// below low and next starts above high, either possibly nil. A probe that
// lands inside an existing extent, or a neighbor reaching into the range,
// means the range is at least partly free already. Caller holds the mutex.
func (f *FreeList) findFreeSlot(low, high uint64) (prev, next *RangeNode, err error) {
	match, leaf := f.tree.Search(func(n *RangeNode) int {
		if low < n.Low {
			return -1
		}
		if low > n.High {
			return 1
		}
		return 0
	})
	if match != nil {
		return nil, nil, errors.Wrapf(ErrInvalid,
			"block %d already free in [%d,%d]", low, match.Item.Low, match.Item.High)
	}
	if leaf == nil {
		return nil, nil, nil
	}

	if leaf.Item.High < low {
		prev = leaf.Item
		next = leaf.Item.next()
	} else {
		next = leaf.Item
		prev = leaf.Item.prev()
	}
	if next != nil && next.Low <= high {
		return nil, nil, errors.Wrapf(ErrInvalid,
			"range [%d,%d] overlaps free extent [%d,%d]", low, high, next.Low, next.High)
	}
	return prev, next, nil
}

// FreeBlocks returns [start, start+count-1] to the free set, coalescing
// with the neighboring extents. Fails with ErrIO when the range lies
// outside the managed region and ErrInvalid when any of it is already
// free; a failed free changes nothing.
func (f *FreeList) FreeBlocks(start, count uint64) error {
	if count == 0 || start+count-1 < start {
		log.Errorf("free of invalid count %d at block %d", count, start)
		return errors.Wrapf(ErrInvalid, "free %d blocks", count)
	}

	cur := allocRangeNode()
	newNodeUsed := false

	low := start
	high := start + count - 1

	f.mu.Lock()
	err := func() error {
		if low < f.blockStart || high > f.blockEnd {
			log.Errorf("free blocks %d to %d, free list %d, start %d, end %d",
				low, high, f.index, f.blockStart, f.blockEnd)
			return errors.Wrapf(ErrIO, "range [%d,%d] outside [%d,%d]",
				low, high, f.blockStart, f.blockEnd)
		}

		prev, next, err := f.findFreeSlot(low, high)
		if err != nil {
			log.Errorf("find free slot for [%d,%d] failed: %v", low, high, err)
			return err
		}

		switch {
		case prev != nil && next != nil && prev.High+1 == low && high+1 == next.Low:
			// Fits the hole exactly: the two neighbors become one.
			f.tree.Delete(&next.node)
			f.numBlocknode--
			prev.High = next.High
			if f.lastNode == next {
				f.lastNode = prev
			}
			freeRangeNode(next)

		case prev != nil && prev.High+1 == low:
			// Abuts the left neighbor.
			prev.High += count

		case next != nil && high+1 == next.Low:
			// Abuts the right neighbor.
			next.Low -= count

		default:
			// Isolated: insert a fresh extent.
			cur.Low = low
			cur.High = high
			if conflict := f.tree.Insert(&cur.node); conflict != nil {
				return errors.Wrapf(ErrInvalid,
					"range [%d,%d] collides with free extent [%d,%d]",
					low, high, conflict.Item.Low, conflict.Item.High)
			}
			newNodeUsed = true
			if prev == nil {
				f.firstNode = cur
			}
			if next == nil {
				f.lastNode = cur
			}
			f.numBlocknode++
		}

		f.numFreeBlocks += count
		f.freeCount++
		return nil
	}()
	f.mu.Unlock()

	if !newNodeUsed {
		freeRangeNode(cur)
	}
	return err
}
