package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

func newTestIndex(t *testing.T, sizing storage.Sizing) *SecondaryIndex {
	st := newTestSegments(t, storage.SegmentTableOptions{
		Sizing: map[storage.SegmentKind]storage.Sizing{storage.EMIndex: sizing},
	})
	return NewSecondaryIndex(lockedSegment(t, st, storage.EMIndex), nil)
}

func onRoot(e common.ExtentInfo, dbRoot uint16) *common.ExtentInfo {
	e.DBRoot = dbRoot
	return &e
}

func TestSecondaryIndex_InsertFind(t *testing.T) {
	idx := newTestIndex(t, storage.DefaultSizing[storage.EMIndex])

	e0 := onRoot(testExtent(0, 1, 10, 0, 0), 1)
	e1 := onRoot(testExtent(common.LBIDUnit, 1, 10, 1, 0), 1)
	e2 := onRoot(testExtent(2*common.LBIDUnit, 1, 10, 0, 1), 1)
	e3 := onRoot(testExtent(3*common.LBIDUnit, 1, 10, 0, 0), 2)
	for _, e := range []*common.ExtentInfo{e0, e1, e2, e3} {
		_, err := idx.Insert(e, e.Range.Start)
		require.NoError(t, err)
	}

	assert.Equal(t, []common.LBID{0, 2 * common.LBIDUnit, common.LBIDUnit}, idx.Find(1, 10),
		"grouped by ascending partition")
	assert.ElementsMatch(t, []common.LBID{0, 2 * common.LBIDUnit}, idx.FindPartition(1, 10, 0))
	assert.Equal(t, []uint32{0, 1}, idx.FindPartitions(1, 10))
	assert.Equal(t, []common.LBID{3 * common.LBIDUnit}, idx.Find(2, 10))
	assert.Empty(t, idx.Find(3, 10))
	assert.Empty(t, idx.Find(1, 11))
	assert.Equal(t, []uint16{1, 2}, idx.DBRoots())
	assert.Equal(t, []common.OID{10}, idx.OIDs(1))
	assert.Equal(t, 4, idx.Len())

	want := int64(2*dbRootBucketCost + 2*oidBucketCost + 3*partitionBucketCost + 4*lbidCost)
	assert.Equal(t, want, idx.Segment().CurrentSize())
}

func TestSecondaryIndex_Delete(t *testing.T) {
	idx := newTestIndex(t, storage.DefaultSizing[storage.EMIndex])

	var extents []*common.ExtentInfo
	for i := 0; i < 4; i++ {
		e := onRoot(testExtent(common.LBID(i)*common.LBIDUnit, 1, 10, uint32(i%2), 0), 1)
		extents = append(extents, e)
		_, err := idx.Insert(e, e.Range.Start)
		require.NoError(t, err)
	}
	other := onRoot(testExtent(10*common.LBIDUnit, 1, 11, 0, 0), 1)
	_, err := idx.Insert(other, other.Range.Start)
	require.NoError(t, err)

	require.NoError(t, idx.DeleteEntry(extents[0], 0))
	assert.Equal(t, []common.LBID{2 * common.LBIDUnit}, idx.FindPartition(1, 10, 0))
	require.NoError(t, idx.DeleteEntry(extents[2], 2*common.LBIDUnit))
	assert.Equal(t, []uint32{1}, idx.FindPartitions(1, 10), "empty partition bucket is dropped")
	require.NoError(t, idx.DeleteEntry(extents[2], 2*common.LBIDUnit), "deleting twice is harmless")

	require.NoError(t, idx.DeleteOID(1, 10))
	assert.Empty(t, idx.Find(1, 10))
	assert.Equal(t, []common.OID{11}, idx.OIDs(1))

	require.NoError(t, idx.DeleteDBRoot(1))
	assert.Empty(t, idx.DBRoots())
	assert.Equal(t, 0, idx.Len())
	assert.Equal(t, int64(0), idx.Segment().CurrentSize(), "every charge is released")
}

func TestSecondaryIndex_GrowsBudget(t *testing.T) {
	idx := newTestIndex(t, storage.Sizing{Initial: 1024, Increment: 1024, AccountingOnly: true})

	grewAny := false
	for i := 0; i < 200; i++ {
		e := onRoot(testExtent(common.LBID(i)*common.LBIDUnit, 1, common.OID(i%7), uint32(i%3), 0), uint16(i%2+1))
		grew, err := idx.Insert(e, e.Range.Start)
		require.NoError(t, err)
		grewAny = grewAny || grew
	}
	assert.True(t, grewAny)
	assert.LessOrEqual(t, idx.Segment().CurrentSize(), idx.Segment().AllocatedSize())
	assert.Equal(t, 200, idx.Len())
}

func TestSecondaryIndex_FragmentationRetry(t *testing.T) {
	idx := newTestIndex(t, storage.DefaultSizing[storage.EMIndex])
	e := onRoot(testExtent(0, 1, 10, 0, 0), 1)

	idx.FailNextAllocations(1)
	grew, err := idx.Insert(e, 0)
	require.NoError(t, err, "one failure is recovered by growing and retrying")
	assert.True(t, grew)
	assert.False(t, idx.ReadOnly())

	idx.FailNextAllocations(2)
	e2 := onRoot(testExtent(common.LBIDUnit, 1, 10, 0, 0), 1)
	_, err = idx.Insert(e2, e2.Range.Start)
	assert.True(t, common.IsCode(err, common.ResourceExhaustedError))
	assert.True(t, idx.ReadOnly())
	assert.Equal(t, []common.LBID{0}, idx.Find(1, 10), "failed insert leaves the index untouched")

	_, err = idx.Insert(e2, e2.Range.Start)
	assert.True(t, common.IsCode(err, common.ReadOnlyError))
	assert.True(t, common.IsCode(idx.DeleteEntry(e, 0), common.ReadOnlyError))
	assert.True(t, common.IsCode(idx.DeleteOID(1, 10), common.ReadOnlyError))
}

func TestSecondaryIndex_Rebuild(t *testing.T) {
	st := newTestSegments(t, storage.SegmentTableOptions{})
	table := NewExtentTable(lockedSegment(t, st, storage.EMTable), nil)
	require.NoError(t, table.EnsureAllocated())
	idx := NewSecondaryIndex(lockedSegment(t, st, storage.EMIndex), nil)

	require.NoError(t, table.Insert(testExtent(0, 1, 10, 0, 0)))
	require.NoError(t, table.Insert(testExtent(common.LBIDUnit, 1, 10, 1, 0)))
	require.NoError(t, table.Insert(testExtent(2*common.LBIDUnit, 1, 12, 0, 0)))

	idx.Rebuild(table)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, []common.LBID{0, common.LBIDUnit}, idx.Find(1, 10))
	assert.Equal(t, []common.OID{10, 12}, idx.OIDs(1))

	idx.Clear()
	assert.Equal(t, 0, idx.Len())
}
