package extentmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/catalog"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/config"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

// extent blocks and LBID units of a 4-byte column with the default configuration
const (
	int4Blocks = 4096
	int4Units  = 4
)

func newTestSegments(t *testing.T) *storage.SegmentTable {
	st, err := storage.NewSegmentTable(storage.SegmentTableOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestHandle(t *testing.T, st *storage.SegmentTable, topology *catalog.Topology, metrics *Metrics) *ExtentMap {
	em, err := New(Options{
		Segments: st,
		Config:   config.NewStaticProvider(config.Default()),
		Topology: topology,
		Logger:   zaptest.NewLogger(t),
		Metrics:  metrics,
	})
	require.NoError(t, err)
	return em
}

// newTestExtentMap returns an extent map over private segments with a single DBRoot 1 on node 1.
func newTestExtentMap(t *testing.T) *ExtentMap {
	return newTestHandle(t, newTestSegments(t), catalog.NewStaticTopology(catalog.DBRoot{ID: 1, Node: 1}), nil)
}

// createColumn appends n extents of a 4-byte INT column on DBRoot 1.
func createColumn(t *testing.T, em *ExtentMap, oid common.OID, n int) []CreatedExtent {
	out := make([]CreatedExtent, 0, n)
	for i := 0; i < n; i++ {
		ext, err := em.CreateColumnExtentDBRoot(oid, 4, 1, common.ColTypeInt, 0)
		require.NoError(t, err)
		out = append(out, ext)
	}
	return out
}

func requireConsistent(t *testing.T, em *ExtentMap) {
	t.Helper()
	require.NoError(t, em.CheckConsistency())
}

func requireAllFree(t *testing.T, em *ExtentMap) {
	t.Helper()
	free, err := em.GetFreeListEntries()
	require.NoError(t, err)
	require.Equal(t, []common.LBIDRange{{Start: 0, Size: common.LBIDSpaceUnits}}, free)
}

func TestNew_RequiresSegments(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.InvalidArgumentError))
}

func TestExtentMap_EmptyMap(t *testing.T) {
	em := newTestExtentMap(t)

	n, err := em.EntryCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	requireAllFree(t, em)
	requireConsistent(t, em)

	assert.Equal(t, config.DefaultExtentRows, em.GetExtentRows())
	assert.Equal(t, int4Blocks, em.GetExtentSize(4))
	assert.Equal(t, 8192, em.GetExtentSize(8))
	assert.Equal(t, config.DefaultFilesPerColumnPartition, em.GetFilesPerColumnPartition())
	assert.Equal(t, config.DefaultExtentsPerSegmentFile, em.GetExtentsPerSegmentFile())
	assert.Equal(t, 1, em.GetDBRootCount())
	assert.Equal(t, []uint16{1}, em.GetPMDBRoots(1))
	assert.Empty(t, em.GetPMDBRoots(2))
}

func TestExtentMap_Transactions(t *testing.T) {
	em := newTestExtentMap(t)
	em.UseTransactions(true)

	createColumn(t, em, 42, 3)
	assert.Positive(t, em.PendingChanges())
	n, err := em.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n, "the open transaction sees its own changes")

	assert.Panics(t, func() { em.UseTransactions(false) }, "mode cannot change with changes pending")

	require.NoError(t, em.UndoChanges())
	assert.Zero(t, em.PendingChanges())
	n, err = em.EntryCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	requireAllFree(t, em)
	requireConsistent(t, em)

	created := createColumn(t, em, 42, 2)
	_, err = em.MarkInvalid(created[0].StartLBID, common.ColTypeInt)
	require.NoError(t, err)
	em.ConfirmChanges()
	assert.Zero(t, em.PendingChanges())
	require.NoError(t, em.UndoChanges(), "nothing left to undo")

	em.UseTransactions(false)
	extents, err := em.GetExtents(42, true)
	require.NoError(t, err)
	require.Len(t, extents, 2)
	assert.Equal(t, common.CPUpdating, extents[0].CP.State)
	requireConsistent(t, em)
}

func TestExtentMap_UndoRestoresDeletes(t *testing.T) {
	em := newTestExtentMap(t)
	createColumn(t, em, 42, 5)
	createColumn(t, em, 43, 2)
	before := em.String()

	em.UseTransactions(true)
	require.NoError(t, em.DeleteOID(42))
	require.NoError(t, em.SetLocalHWM(43, 0, 0, 7))
	_, err := em.CreateDictStoreExtent(44, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, em.UndoChanges())
	em.UseTransactions(false)

	assert.Equal(t, before, em.String())
	requireConsistent(t, em)
}

func TestExtentMap_SharedSegments(t *testing.T) {
	st := newTestSegments(t)
	topology := catalog.NewStaticTopology(catalog.DBRoot{ID: 1, Node: 1})
	a := newTestHandle(t, st, topology, nil)
	b := newTestHandle(t, st, topology, nil)

	created := createColumn(t, a, 42, 2)

	first, last, err := b.Lookup(created[1].StartLBID + 7)
	require.NoError(t, err)
	assert.Equal(t, created[1].StartLBID, first)
	assert.Equal(t, created[1].StartLBID+int4Blocks-1, last)

	// b continues the column where a left off
	ext, err := b.CreateColumnExtentDBRoot(42, 4, 1, common.ColTypeInt, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), ext.SegmentNum)
	assert.Equal(t, common.LBID(2*int4Blocks), ext.StartLBID)

	require.NoError(t, b.DeleteOID(42))
	n, err := a.EntryCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	requireAllFree(t, a)
	requireConsistent(t, a)
	requireConsistent(t, b)

	b.UseTransactions(true)
	createColumn(t, b, 43, 1)
	require.NoError(t, b.UndoChanges())
	b.UseTransactions(false)
	n, err = a.EntryCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	requireConsistent(t, a)
}

func TestExtentMap_ConcurrentCreates(t *testing.T) {
	st := newTestSegments(t)
	topology := catalog.NewStaticTopology(catalog.DBRoot{ID: 1, Node: 1})
	shared := newTestHandle(t, st, topology, nil)

	const workers, perWorker = 8, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		em := shared
		if w%2 == 1 {
			em = newTestHandle(t, st, topology, nil)
		}
		wg.Add(1)
		go func(em *ExtentMap, oid common.OID) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := em.CreateColumnExtentDBRoot(oid, 4, 1, common.ColTypeInt, 0)
				assert.NoError(t, err)
				_, _, err = em.Lookup(0)
				assert.NoError(t, err)
			}
		}(em, common.OID(100+w))
	}
	wg.Wait()

	n, err := shared.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, n)
	requireConsistent(t, shared)
	for w := 0; w < workers; w++ {
		extents, err := shared.GetExtents(common.OID(100+w), true)
		require.NoError(t, err)
		assert.Len(t, extents, perWorker, fmt.Sprintf("oid %d", 100+w))
	}
}

func TestExtentMap_IndexAllocationFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	em := newTestHandle(t, newTestSegments(t), catalog.NewStaticTopology(catalog.DBRoot{ID: 1, Node: 1}), NewMetrics(reg))
	createColumn(t, em, 42, 1)

	// one failure is absorbed by growing the segment
	em.index.FailNextAllocations(1)
	_, err := em.CreateColumnExtentDBRoot(43, 4, 1, common.ColTypeInt, 0)
	require.NoError(t, err)
	assert.False(t, em.index.ReadOnly())
	assert.Equal(t, 1.0, testutil.ToFloat64(em.metrics.SegmentGrowths.WithLabelValues(storage.EMIndex.String())))

	em.index.FailNextAllocations(2)
	_, err = em.CreateColumnExtentDBRoot(44, 4, 1, common.ColTypeInt, 0)
	require.Error(t, err)
	assert.True(t, common.IsCode(err, common.ResourceExhaustedError))
	assert.True(t, em.index.ReadOnly())

	n, err := em.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the failed extent was rolled back")
	requireConsistent(t, em)

	_, err = em.CreateColumnExtentDBRoot(45, 4, 1, common.ColTypeInt, 0)
	assert.True(t, common.IsCode(err, common.ReadOnlyError))
	ranges, err := em.LookupByOID(42)
	require.NoError(t, err)
	assert.Len(t, ranges, 1, "lookups keep working")
}

func TestExtentMap_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	em := newTestHandle(t, newTestSegments(t), catalog.NewStaticTopology(catalog.DBRoot{ID: 1, Node: 1}), NewMetrics(reg))

	created := createColumn(t, em, 42, 3)
	require.NoError(t, em.SetMaxMin(created[0].StartLBID, 10, 1, 0))
	require.NoError(t, em.SetMaxMin(created[0].StartLBID, 10, 1, 0), "stale sequence number")
	require.NoError(t, em.DeleteOID(42))

	assert.Equal(t, 3.0, testutil.ToFloat64(em.metrics.ExtentsCreated))
	assert.Equal(t, 3.0, testutil.ToFloat64(em.metrics.ExtentsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.metrics.CPUpdatesApplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.metrics.CPUpdatesDropped))
	assert.Equal(t, 0.0, testutil.ToFloat64(em.metrics.Extents))
	assert.Equal(t, 1.0, testutil.ToFloat64(em.metrics.FreeListEntries))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestExtentMap_String(t *testing.T) {
	em := newTestExtentMap(t)
	createColumn(t, em, 42, 1)
	dump := em.String()
	assert.Contains(t, dump, "extent map: 1 extents")
	assert.Contains(t, dump, "free list: 1 entries")
}
