package rangelock

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkTree verifies the leftmost cache and the subtreeLast augmentation
// against a full recomputation.
func checkTree(t *testing.T, tr *Tree) {
	t.Helper()

	var locks []*Lock
	for n := tr.tree.Min(); n != nil; n = n.Next() {
		locks = append(locks, n.Item)
	}

	if len(locks) == 0 {
		require.Nil(t, tr.leftmost)
		return
	}
	require.Equal(t, locks[0], tr.leftmost, "stale leftmost cache")

	var walk func(l *Lock) uint64
	walk = func(l *Lock) uint64 {
		want := l.last
		if left := l.node.Left(); left != nil {
			if m := walk(left.Item); m > want {
				want = m
			}
		}
		if right := l.node.Right(); right != nil {
			if m := walk(right.Item); m > want {
				want = m
			}
		}
		require.Equal(t, want, l.subtreeLast, "stale subtreeLast at [%d,%d]", l.start, l.last)
		return want
	}
	walk(tr.tree.Root().Item)
}

func overlaps(a, b *Lock) bool {
	return a.start <= b.last && b.start <= a.last
}

func TestOverlapIterationMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	tr := NewTree()

	var inTree []*Lock
	for round := 0; round < 2000; round++ {
		switch {
		case len(inTree) == 0 || rng.Intn(3) != 0:
			start := rng.Uint64() % 1000
			l := New(start, start+rng.Uint64()%100)
			tr.insert(l)
			inTree = append(inTree, l)
		default:
			i := rng.Intn(len(inTree))
			tr.remove(inTree[i])
			inTree = append(inTree[:i], inTree[i+1:]...)
		}
		if round%10 == 0 {
			checkTree(t, tr)
		}

		qs := rng.Uint64() % 1100
		q := &Lock{start: qs, last: qs + rng.Uint64()%150}

		var want []*Lock
		for _, l := range inTree {
			if overlaps(q, l) {
				want = append(want, l)
			}
		}

		var got []*Lock
		tr.forEachOverlap(q.start, q.last, func(b *Lock) {
			got = append(got, b)
		})
		require.ElementsMatch(t, want, got,
			"overlap query [%d,%d] over %d ranges", q.start, q.last, len(inTree))

		// The fast path may conservatively say yes, but a no is binding.
		if len(want) > 0 {
			assert.True(t, tr.intersects(q), "fast path missed a real overlap")
		} else if !tr.intersects(q) {
			assert.Empty(t, got)
		}
	}
}

func TestOverlapIterationVisitsInKeyOrder(t *testing.T) {
	tr := NewTree()
	spans := [][2]uint64{{40, 60}, {0, 10}, {5, 25}, {50, 55}, {20, 45}}
	for _, s := range spans {
		tr.insert(New(s[0], s[1]))
	}

	var starts []uint64
	tr.forEachOverlap(0, Full, func(b *Lock) {
		starts = append(starts, b.start)
	})
	assert.Equal(t, []uint64{0, 5, 20, 40, 50}, starts)
}

func TestEqualStartsIterateInInsertionOrder(t *testing.T) {
	tr := NewTree()
	a := New(10, 20)
	b := New(10, 30)
	c := New(10, 15)
	tr.insert(a)
	tr.insert(b)
	tr.insert(c)

	var got []*Lock
	tr.forEachOverlap(10, 10, func(l *Lock) { got = append(got, l) })
	assert.Equal(t, []*Lock{a, b, c}, got)
	assert.Less(t, a.seqnum, b.seqnum)
	assert.Less(t, b.seqnum, c.seqnum)
}

func TestFastPathOnEmptyAndDisjoint(t *testing.T) {
	tr := NewTree()
	probe := New(100, 200)
	assert.False(t, tr.intersects(probe), "empty tree intersects nothing")

	tr.insert(New(0, 50))
	assert.False(t, tr.intersects(probe), "range strictly below the probe")

	tr.insert(New(300, 400))
	// Now the fast path alone cannot rule the probe out; the walk must.
	assert.True(t, tr.intersects(probe))
	var hits int
	tr.forEachOverlap(probe.start, probe.last, func(*Lock) { hits++ })
	assert.Zero(t, hits)
}

func TestLeftmostFollowsRemovals(t *testing.T) {
	tr := NewTree()
	a := New(5, 10)
	b := New(20, 30)
	c := New(1, 2)
	tr.insert(a)
	tr.insert(b)
	tr.insert(c)
	require.Equal(t, c, tr.leftmost)

	tr.remove(c)
	assert.Equal(t, a, tr.leftmost)
	tr.remove(a)
	assert.Equal(t, b, tr.leftmost)
	tr.remove(b)
	assert.Nil(t, tr.leftmost)
}
