package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegmentTable(t *testing.T, opts SegmentTableOptions) *SegmentTable {
	st, err := NewSegmentTable(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestChooseKey(t *testing.T) {
	base := keyRangeBase[EMTable]
	assert.Equal(t, base+1, chooseKey(EMTable, 0))
	assert.Equal(t, base+2, chooseKey(EMTable, base+1))
	assert.Equal(t, base+1, chooseKey(EMTable, base+keyRangeSize-2), "wraps at the end of the range")
}

func TestSegment_AllocateAndGrow(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	seg, err := st.Segment(EMTable)
	require.NoError(t, err)

	again, err := st.Segment(EMTable)
	require.NoError(t, err)
	assert.Same(t, seg, again, "registry returns one segment per kind")

	require.NoError(t, seg.Lock())
	defer seg.Unlock()
	assert.False(t, seg.Allocated())

	fresh, err := seg.Allocate()
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, DefaultSizing[EMTable].Initial, seg.AllocatedSize())
	firstKey := seg.Key()

	fresh, err = seg.Allocate()
	require.NoError(t, err)
	assert.False(t, fresh, "second allocation is a no-op")

	view := NewView(seg)
	view.Data()[0] = 0x5a
	assert.False(t, view.Stale())

	require.NoError(t, seg.Grow(1))
	assert.Equal(t, DefaultSizing[EMTable].Initial+DefaultSizing[EMTable].Increment, seg.AllocatedSize())
	assert.NotEqual(t, firstKey, seg.Key(), "growth moves the segment to a new key")
	assert.True(t, view.Stale())

	assert.True(t, view.Remap())
	assert.Equal(t, byte(0x5a), view.Data()[0], "contents survive growth")
	assert.Len(t, view.Data(), int(seg.AllocatedSize()))
}

func TestSegment_GrowByNeeded(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	seg, err := st.Segment(EMFreeList)
	require.NoError(t, err)
	require.NoError(t, seg.Lock())
	defer seg.Unlock()

	_, err = seg.Allocate()
	require.NoError(t, err)
	before := seg.AllocatedSize()
	needed := DefaultSizing[EMFreeList].Increment * 3
	require.NoError(t, seg.Grow(needed))
	assert.Equal(t, before+needed, seg.AllocatedSize())
}

func TestSegment_AccountingOnly(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	seg, err := st.Segment(EMIndex)
	require.NoError(t, err)
	require.NoError(t, seg.Lock())
	defer seg.Unlock()

	_, err = seg.Allocate()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), seg.AllocatedSize())
	view := NewView(seg)
	assert.Nil(t, view.Data())

	seg.SetCurrentSize(100)
	assert.Equal(t, int64(100), seg.CurrentSize())
	assert.Equal(t, uint64(1), seg.BumpChangeSeq())
	require.NoError(t, seg.Grow(10))
	assert.Equal(t, int64(2<<20), seg.AllocatedSize())
}

func TestSegment_FileBackedSharedBetweenTables(t *testing.T) {
	if !mmapSupported {
		t.Skip("mmap not supported")
	}
	dir := t.TempDir()
	a := newTestSegmentTable(t, SegmentTableOptions{Dir: dir, SharedLockFile: true})
	b := newTestSegmentTable(t, SegmentTableOptions{Dir: dir, SharedLockFile: true})

	segA, err := a.Segment(EMFreeList)
	require.NoError(t, err)
	require.NoError(t, segA.Lock())
	_, err = segA.Allocate()
	require.NoError(t, err)
	viewA := NewView(segA)
	viewA.Data()[3] = 0x11
	segA.BumpChangeSeq()
	segA.Unlock()

	segB, err := b.Segment(EMFreeList)
	require.NoError(t, err)
	require.NoError(t, segB.RLock())
	assert.True(t, segB.Allocated(), "second table attaches to the published segment")
	viewB := NewView(segB)
	assert.Equal(t, byte(0x11), viewB.Data()[3])
	assert.Equal(t, uint64(1), segB.ChangeSeq())
	segB.RUnlock()

	// grow through A, B must notice the new size on its next lock
	require.NoError(t, segA.Lock())
	require.NoError(t, segA.Grow(1))
	size := segA.AllocatedSize()
	segA.Unlock()

	require.NoError(t, segB.RLock())
	assert.Equal(t, size, segB.AllocatedSize())
	assert.True(t, viewB.Stale())
	viewB.Remap()
	assert.Len(t, viewB.Data(), int(size))
	assert.Equal(t, byte(0x11), viewB.Data()[3])
	segB.RUnlock()
}

func TestSegment_ConcurrentReaders(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	seg, err := st.Segment(EMTable)
	require.NoError(t, err)
	require.NoError(t, seg.Lock())
	_, err = seg.Allocate()
	require.NoError(t, err)
	seg.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if !assert.NoError(t, seg.RLock()) {
					return
				}
				view := NewView(seg)
				_ = view.Data()[0]
				seg.RUnlock()
			}
		}()
	}
	for j := 0; j < 10; j++ {
		require.NoError(t, seg.Lock())
		require.NoError(t, seg.Grow(1))
		seg.Unlock()
	}
	wg.Wait()
}

func TestView_AttachWhileGrowing(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	seg, err := st.Segment(EMTable)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for j := 0; j < 20; j++ {
			if !assert.NoError(t, seg.Lock()) {
				return
			}
			_, err := seg.Allocate()
			assert.NoError(t, err)
			assert.NoError(t, seg.Grow(1))
			seg.Unlock()
		}
	}()

	for j := 0; j < 100; j++ {
		// handles attach without holding the lock
		view := NewView(seg)
		require.NoError(t, seg.RLock())
		if seg.Allocated() {
			assert.Len(t, view.Data(), int(seg.AllocatedSize()))
		} else {
			assert.Empty(t, view.Data())
		}
		seg.RUnlock()
	}
	<-done
}

func TestSegmentTable_Descriptors(t *testing.T) {
	st := newTestSegmentTable(t, SegmentTableOptions{})
	for _, kind := range []SegmentKind{EMTable, EMIndex, EMFreeList} {
		seg, err := st.Segment(kind)
		require.NoError(t, err)
		require.NoError(t, seg.Lock())
		_, err = seg.Allocate()
		require.NoError(t, err)
		seg.Unlock()
	}
	descs := st.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, EMTable, descs[0].Kind)
	assert.Equal(t, EMFreeList, descs[2].Kind)
	assert.Equal(t, keyRangeBase[EMIndex]+1, descs[1].Key)
}
