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

// Package rangelock implements reader/writer locking over arbitrary
// [start, last] intervals.
//
// A Tree holds every range currently locked or waiting to be locked, in an
// interval tree augmented with the largest interval end per subtree. Locking
// a range is about controlling forward progress against the ranges already in
// the tree: before inserting itself, an acquirer counts one reference per
// intersecting node (its "blocking ranges") and may only proceed once that
// count drains to zero, each release of an intersecting range dropping it by
// one. Readers extend this to shared semantics by simply not counting
// intersecting nodes that are also readers.
//
// The compatibility rules are those of any reader/writer lock, applied
// per-overlap:
//
//	+----------------+--------------+--------------+
//	|Request/In-tree | reader       | writer       |
//	+----------------+--------------+--------------+
//	|Request reader  | shared       | waits        |
//	|Request writer  | waits        | waits        |
//	+----------------+--------------+--------------+
//
// Fairness and freedom from starvation come from the lack of lock stealing:
// waiters are ordered by a sequence number assigned at insertion, equal
// interval starts are walked in insertion order, and an arriving request
// waits behind every incompatible intersecting range already in the tree,
// held or still waiting, so a stream of readers cannot starve a queued
// writer.
//
// The cost of locking and unlocking a range is O((1+k) log n) where n is the
// number of ranges in the tree and k the number intersecting the operated
// range. A cached leftmost node and the root's subtree summary give an O(1)
// fast path for ranges that intersect nothing.
//
// Lock records are owned by the caller and must be kept alive from lock to
// unlock; the tree only borrows them. A record may be reused for another
// acquisition after it has been unlocked, or after a wait was interrupted.
package rangelock

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/oslab-swrc/hybridF2FS/internal/rbtree"
)

// Full is the upper bound of the largest lockable range, [0, Full].
const Full = ^uint64(0)

// ErrInterrupted is returned when an interruptible or killable wait is
// aborted by its context before the range is acquired.
var ErrInterrupted = errors.New("rangelock: interrupted")

// A Lock is one range acquisition: the interval, the waiter's bookkeeping,
// and the tree linkage. Initialize with Init or InitFull (or New/NewFull)
// before the first use, and again before reusing a record whose wait was
// interrupted or that was last locked on a different interval.
type Lock struct {
	node        rbtree.Node[*Lock]
	start, last uint64
	subtreeLast uint64

	reader bool
	// blockingRanges counts the in-tree ranges this waiter must wait for.
	// Guarded by the owning tree's mutex.
	blockingRanges uint32
	seqnum         uint64
	holds          uint32

	// wake is closed when blockingRanges drains to zero. Replaced on every
	// blocking acquisition.
	wake chan struct{}
}

// Init initializes the record to cover [start, last], start <= last, both
// inclusive. The record must not currently be in any tree.
func (l *Lock) Init(start, last uint64) {
	if start > last {
		panic("rangelock: Init with start > last")
	}
	l.node = rbtree.Node[*Lock]{Item: l}
	l.start = start
	l.last = last
	l.subtreeLast = 0
	l.reader = false
	l.blockingRanges = 0
	l.seqnum = 0
	l.holds = 0
	l.wake = nil
}

// InitFull initializes the record to cover the full range [0, Full].
func (l *Lock) InitFull() {
	l.Init(0, Full)
}

// New returns a record initialized to cover [start, last].
func New(start, last uint64) *Lock {
	l := new(Lock)
	l.Init(start, last)
	return l
}

// NewFull returns a record initialized to cover the full range.
func NewFull() *Lock {
	return New(0, Full)
}

// Start returns the inclusive lower bound of the record's interval.
func (l *Lock) Start() uint64 { return l.start }

// Last returns the inclusive upper bound of the record's interval.
func (l *Lock) Last() uint64 { return l.last }

// A Tree serializes range acquisitions against each other. Create one with
// NewTree; the zero value is not ready to use. All fields below the mutex are
// guarded by it, including the blockingRanges counter of every in-tree record.
type Tree struct {
	mu       sync.Mutex
	tree     *rbtree.Tree[*Lock]
	leftmost *Lock
	seqnum   uint64
	holds    uint32
}

// NewTree returns an empty range lock tree.
func NewTree() *Tree {
	return &Tree{tree: rbtree.New[*Lock](cmpStart, augmentLast)}
}

// Holds returns the tree's write-acquisition counter. Purely diagnostic.
func (t *Tree) Holds() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holds
}

// put drops one blocking reference from b; when the last reference drains,
// b's wake channel joins the queue flushed after the mutex is released.
func (t *Tree) put(b *Lock, wakeq *[]chan struct{}) {
	b.blockingRanges--
	if b.blockingRanges == 0 {
		*wakeq = append(*wakeq, b.wake)
	}
}

func wakeAll(wakeq []chan struct{}) {
	for _, ch := range wakeq {
		close(ch)
	}
}

// waitForRanges parks the caller until its blocking references drain. A nil
// ctx waits unconditionally. When ctx fires first the waiter is no longer
// taking the lock and has to clean up after itself: it leaves the tree and
// unaccounts itself from every intersecting waiter that arrived later (those
// are the ones that counted it), waking any that drain to zero.
func (t *Tree) waitForRanges(ctx context.Context, l *Lock) error {
	if ctx == nil {
		<-l.wake
		return nil
	}

	select {
	case <-l.wake:
		return nil
	case <-ctx.Done():
	}

	var wakeq []chan struct{}

	t.mu.Lock()
	wasReader := l.reader
	l.reader = false
	t.remove(l)
	l.blockingRanges = 0

	if t.intersects(l) {
		t.forEachOverlap(l.start, l.last, func(b *Lock) {
			if wasReader && b.reader {
				return
			}
			if l.seqnum < b.seqnum {
				t.put(b, &wakeq)
			}
		})
	}
	t.mu.Unlock()
	wakeAll(wakeq)

	return ErrInterrupted
}

// readLockCommon counts every intersecting non-reader, inserts the record as
// a reader and waits for the references to drain.
func (t *Tree) readLockCommon(ctx context.Context, l *Lock) error {
	t.mu.Lock()
	if t.intersects(l) {
		t.forEachOverlap(l.start, l.last, func(b *Lock) {
			if !b.reader {
				l.blockingRanges++
			}
		})
	}
	t.insert(l)
	l.reader = true
	l.wake = make(chan struct{})
	blocked := l.blockingRanges != 0
	t.mu.Unlock()

	if !blocked {
		return nil
	}
	return t.waitForRanges(ctx, l)
}

// ReadLock locks the range for reading, waiting until no intersecting
// writer remains in the tree. The wait cannot be interrupted.
func (t *Tree) ReadLock(l *Lock) {
	t.readLockCommon(nil, l)
}

// ReadLockInterruptible locks the range for reading like ReadLock, but
// aborts the wait and returns ErrInterrupted if ctx is done first. Use the
// context that is canceled by whatever event should be allowed to interrupt
// the caller.
func (t *Tree) ReadLockInterruptible(ctx context.Context, l *Lock) error {
	return t.readLockCommon(ctx, l)
}

// ReadLockKillable is ReadLockInterruptible for callers that may only be
// aborted by a fatal event: the supplied context must fire for nothing less.
func (t *Tree) ReadLockKillable(ctx context.Context, l *Lock) error {
	return t.readLockCommon(ctx, l)
}

// TryReadLock locks the range for reading iff that needs no waiting, which
// is the case exactly when every intersecting range is also a reader. The
// try is against the range itself, not the tree's mutex.
func (t *Tree) TryReadLock(l *Lock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intersects(l) {
		for b := t.iterFirst(l.start, l.last); b != nil; b = iterNext(b, l.start, l.last) {
			if !b.reader {
				return false
			}
		}
	}
	l.reader = true
	t.insert(l)
	return true
}

// ReadUnlock releases a read-locked range and drops one blocking reference
// from every intersecting waiting writer, waking those that drain to zero.
// Intersecting readers never counted this record and are left alone.
func (t *Tree) ReadUnlock(l *Lock) {
	var wakeq []chan struct{}

	t.mu.Lock()
	l.reader = false
	t.remove(l)

	if t.intersects(l) {
		t.forEachOverlap(l.start, l.last, func(b *Lock) {
			if !b.reader {
				t.put(b, &wakeq)
			}
		})
	}
	t.mu.Unlock()
	wakeAll(wakeq)
}

// writeLockCommon counts every intersecting range, inserts the record as a
// writer, waits for the references to drain and stamps the acquisition.
func (t *Tree) writeLockCommon(ctx context.Context, l *Lock) error {
	t.mu.Lock()
	if t.intersects(l) {
		t.forEachOverlap(l.start, l.last, func(b *Lock) {
			// A writer always waits for an intersecting node: either
			// another writer, or a reader that needs to finish.
			l.blockingRanges++
		})
	}
	t.insert(l)
	l.reader = false
	l.wake = make(chan struct{})
	blocked := l.blockingRanges != 0
	t.mu.Unlock()

	if blocked {
		if err := t.waitForRanges(ctx, l); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.holds++
	l.holds = t.holds
	t.mu.Unlock()
	return nil
}

// WriteLock locks the range for writing, waiting until no intersecting
// range remains in the tree. The wait cannot be interrupted.
func (t *Tree) WriteLock(l *Lock) {
	t.writeLockCommon(nil, l)
}

// WriteLockInterruptible locks the range for writing like WriteLock, but
// aborts the wait and returns ErrInterrupted if ctx is done first.
func (t *Tree) WriteLockInterruptible(ctx context.Context, l *Lock) error {
	return t.writeLockCommon(ctx, l)
}

// WriteLockKillable is WriteLockInterruptible for callers that may only be
// aborted by a fatal event: the supplied context must fire for nothing less.
func (t *Tree) WriteLockKillable(ctx context.Context, l *Lock) error {
	return t.writeLockCommon(ctx, l)
}

// TryWriteLock locks the range for writing iff nothing in the tree
// intersects it. The try is against the range itself, not the tree's mutex.
func (t *Tree) TryWriteLock(l *Lock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.intersects(l) && t.iterFirst(l.start, l.last) != nil {
		return false
	}
	l.reader = false
	t.insert(l)
	t.holds++
	l.holds = t.holds
	return true
}

// WriteUnlock releases a write-locked range and drops one blocking
// reference from every intersecting waiter, waking those that drain to
// zero. Everything intersecting a held writer counted it.
func (t *Tree) WriteUnlock(l *Lock) {
	var wakeq []chan struct{}

	t.mu.Lock()
	l.reader = false
	t.remove(l)
	t.holds--

	if t.intersects(l) {
		t.forEachOverlap(l.start, l.last, func(b *Lock) {
			t.put(b, &wakeq)
		})
	}
	t.mu.Unlock()
	wakeAll(wakeq)
}

// DowngradeWrite converts a held write lock into a read lock without
// releasing the range: every intersecting waiting reader stops counting
// this record and is woken if it drains to zero, while waiting writers
// keep waiting. The tree's structure does not change.
func (t *Tree) DowngradeWrite(l *Lock) {
	var wakeq []chan struct{}

	t.mu.Lock()
	if l.reader {
		t.mu.Unlock()
		panic("rangelock: DowngradeWrite of a read lock")
	}

	t.forEachOverlap(l.start, l.last, func(b *Lock) {
		if b.reader {
			t.put(b, &wakeq)
		}
	})
	l.reader = true
	t.mu.Unlock()
	wakeAll(wakeq)
}
