package storage

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

type slotImage struct {
	index int
	prior common.LBIDRange
}

type recordingRecorder struct {
	images []slotImage
}

func (r *recordingRecorder) RecordFreeSlot(fl *FreeList, index int, prior common.LBIDRange) {
	r.images = append(r.images, slotImage{index: index, prior: prior})
}

func (r *recordingRecorder) rollback(fl *FreeList) {
	for i := len(r.images) - 1; i >= 0; i-- {
		fl.RestoreSlot(r.images[i].index, r.images[i].prior)
	}
	r.images = nil
}

func newTestFreeList(t *testing.T, sizing map[SegmentKind]Sizing) *FreeList {
	st := newTestSegmentTable(t, SegmentTableOptions{Sizing: sizing})
	seg, err := st.Segment(EMFreeList)
	require.NoError(t, err)
	require.NoError(t, seg.Lock())
	t.Cleanup(seg.Unlock)
	fl := NewFreeList(seg, nil)
	require.NoError(t, fl.EnsureAllocated())
	return fl
}

func units(n uint32) common.LBID {
	return common.LBID(n) * common.LBIDUnit
}

// checkCoalesced asserts that no two free entries touch or overlap.
func checkCoalesced(t *testing.T, fl *FreeList) {
	entries := fl.Entries()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })
	for i := 1; i < len(entries); i++ {
		assert.Less(t, entries[i-1].End(), entries[i].Start, "entries %s and %s are adjacent or overlap", entries[i-1], entries[i])
	}
	assert.Equal(t, len(entries), fl.Len())
}

func freeUnits(fl *FreeList) uint64 {
	var total uint64
	for _, e := range fl.Entries() {
		total += uint64(e.Size)
	}
	return total
}

func TestFreeList_Init(t *testing.T) {
	fl := newTestFreeList(t, nil)
	entries := fl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, common.LBIDRange{Start: 0, Size: common.LBIDSpaceUnits}, entries[0])
	assert.Equal(t, 1024, fl.Capacity())
}

func TestFreeList_TakeFirstFit(t *testing.T) {
	fl := newTestFreeList(t, nil)
	a, err := fl.Take(4, nil)
	require.NoError(t, err)
	assert.Equal(t, common.LBID(0), a)
	b, err := fl.Take(8, nil)
	require.NoError(t, err)
	assert.Equal(t, units(4), b)
	_, err = fl.Take(4, nil)
	require.NoError(t, err)

	// the hole lands in slot 1, behind the tail of the space in slot 0
	require.NoError(t, fl.Give(common.LBIDRange{Start: b, Size: 8}, nil))
	x, err := fl.Take(2, nil)
	require.NoError(t, err)
	assert.Equal(t, units(16), x, "slots are scanned in order")

	_, err = fl.Take(common.LBIDSpaceUnits-18, nil)
	require.NoError(t, err)

	_, err = fl.Take(10, nil)
	assert.True(t, common.IsCode(err, common.ResourceExhaustedError), "the only hole is too small")
	y, err := fl.Take(8, nil)
	require.NoError(t, err)
	assert.Equal(t, units(4), y)
	assert.Empty(t, fl.Entries())
	checkCoalesced(t, fl)
}

func TestFreeList_TakeExhausted(t *testing.T) {
	fl := newTestFreeList(t, nil)
	_, err := fl.Take(common.LBIDSpaceUnits, nil)
	require.NoError(t, err)
	assert.Empty(t, fl.Entries())

	_, err = fl.Take(1, nil)
	assert.True(t, common.IsCode(err, common.ResourceExhaustedError))
}

func TestFreeList_GiveCoalesces(t *testing.T) {
	fl := newTestFreeList(t, nil)
	var starts []common.LBID
	for i := 0; i < 5; i++ {
		s, err := fl.Take(2, nil)
		require.NoError(t, err)
		starts = append(starts, s)
	}
	// free 1 and 3: two separate holes
	require.NoError(t, fl.Give(common.LBIDRange{Start: starts[1], Size: 2}, nil))
	require.NoError(t, fl.Give(common.LBIDRange{Start: starts[3], Size: 2}, nil))
	assert.Len(t, fl.Entries(), 3)
	checkCoalesced(t, fl)

	// freeing 2 bridges both holes
	require.NoError(t, fl.Give(common.LBIDRange{Start: starts[2], Size: 2}, nil))
	assert.Len(t, fl.Entries(), 2)
	checkCoalesced(t, fl)

	// freeing 4 merges with the tail of the space
	require.NoError(t, fl.Give(common.LBIDRange{Start: starts[4], Size: 2}, nil))
	require.NoError(t, fl.Give(common.LBIDRange{Start: starts[0], Size: 2}, nil))
	entries := fl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, common.LBIDRange{Start: 0, Size: common.LBIDSpaceUnits}, entries[0])
}

func TestFreeList_GiveDoubleFree(t *testing.T) {
	fl := newTestFreeList(t, nil)
	_, err := fl.Take(4, nil)
	require.NoError(t, err)
	err = fl.Give(common.LBIDRange{Start: units(4), Size: 1}, nil)
	assert.True(t, common.IsCode(err, common.InvariantViolationError))
}

func TestFreeList_Reserve(t *testing.T) {
	fl := newTestFreeList(t, nil)

	// middle split
	require.NoError(t, fl.Reserve(common.LBIDRange{Start: units(10), Size: 5}, nil))
	assert.Len(t, fl.Entries(), 2)
	// front of the head piece
	require.NoError(t, fl.Reserve(common.LBIDRange{Start: 0, Size: 2}, nil))
	// back of the head piece
	require.NoError(t, fl.Reserve(common.LBIDRange{Start: units(8), Size: 2}, nil))
	checkCoalesced(t, fl)
	assert.Equal(t, uint64(common.LBIDSpaceUnits)-9, freeUnits(fl))

	err := fl.Reserve(common.LBIDRange{Start: units(10), Size: 1}, nil)
	assert.True(t, common.IsCode(err, common.InvariantViolationError), "already reserved")
	err = fl.Reserve(common.LBIDRange{Start: units(6), Size: 4}, nil)
	assert.True(t, common.IsCode(err, common.InvariantViolationError), "partly reserved")
}

func TestFreeList_GrowsWhenFull(t *testing.T) {
	fl := newTestFreeList(t, map[SegmentKind]Sizing{
		EMFreeList: {Initial: 4 * FreeListSlotSize, Increment: 2 * FreeListSlotSize},
	})
	assert.Equal(t, 4, fl.Capacity())

	// every other unit taken leaves one free entry per hole
	for i := 0; i < 10; i++ {
		require.NoError(t, fl.Reserve(common.LBIDRange{Start: units(uint32(2*i + 1)), Size: 1}, nil))
	}
	assert.Len(t, fl.Entries(), 11)
	assert.GreaterOrEqual(t, fl.Capacity(), 11)
	checkCoalesced(t, fl)
}

func TestFreeList_RollbackRestoresSlots(t *testing.T) {
	fl := newTestFreeList(t, nil)
	_, err := fl.Take(4, nil)
	require.NoError(t, err)
	before := fl.Slots()

	rec := &recordingRecorder{}
	_, err = fl.Take(8, rec)
	require.NoError(t, err)
	require.NoError(t, fl.Give(common.LBIDRange{Start: 0, Size: 4}, rec))
	require.NoError(t, fl.Reserve(common.LBIDRange{Start: units(100), Size: 1}, rec))
	assert.NotEqual(t, before, fl.Slots())

	rec.rollback(fl)
	assert.Equal(t, before, fl.Slots())
	assert.Equal(t, 1, fl.Len())
}

// TestFreeList_RandomizedCoalescing checks that any interleaving of Take and Give keeps the free
// entries coalesced and conserves the total amount of space.
func TestFreeList_RandomizedCoalescing(t *testing.T) {
	fl := newTestFreeList(t, nil)
	r := rand.New(rand.NewSource(7))
	var taken []common.LBIDRange
	var takenUnits uint64

	for i := 0; i < 3000; i++ {
		if len(taken) == 0 || r.Intn(3) != 0 {
			size := uint32(1 + r.Intn(16))
			start, err := fl.Take(size, nil)
			require.NoError(t, err)
			taken = append(taken, common.LBIDRange{Start: start, Size: size})
			takenUnits += uint64(size)
		} else {
			idx := r.Intn(len(taken))
			rng := taken[idx]
			taken[idx] = taken[len(taken)-1]
			taken = taken[:len(taken)-1]
			require.NoError(t, fl.Give(rng, nil))
			takenUnits -= uint64(rng.Size)
		}
		if i%100 == 0 {
			checkCoalesced(t, fl)
		}
	}
	checkCoalesced(t, fl)
	assert.Equal(t, uint64(common.LBIDSpaceUnits)-takenUnits, freeUnits(fl))

	for _, rng := range taken {
		require.NoError(t, fl.Give(rng, nil))
	}
	require.Len(t, fl.Entries(), 1)
	assert.Equal(t, common.LBIDSpaceUnits, fl.Entries()[0].Size)
}
