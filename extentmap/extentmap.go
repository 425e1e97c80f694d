package extentmap

import (
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/catalog"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/config"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/indexing"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// Error is the error class for extent map failures that wrap a lower-level cause.
var Error = errs.Class("extentmap")

var (
	tableLocks    = []transaction.Resource{transaction.ExtentTableLock}
	indexedLocks  = []transaction.Resource{transaction.ExtentTableLock, transaction.SecondaryIndexLock}
	freeListLocks = []transaction.Resource{transaction.FreeListLock}
	allLocks      = []transaction.Resource{transaction.ExtentTableLock, transaction.SecondaryIndexLock, transaction.FreeListLock}
)

// Options configures an ExtentMap.
type Options struct {
	// Segments is the registry shared by every ExtentMap that should see the same extents. Required.
	Segments *storage.SegmentTable
	// Config serves the placement tunables. Nil uses config.Default().
	Config *config.Provider
	// Topology lists the DBRoots of the cluster. Nil means an empty topology.
	Topology *catalog.Topology
	Logger   *zap.Logger
	// Metrics receives activity counters. Nil creates an unregistered set.
	Metrics *Metrics
}

// ExtentMap maps the LBID space onto column and dictionary segment files. Any number of ExtentMaps
// may attach to the same SegmentTable; each one keeps private lookup structures derived from the
// shared segments and rebuilds them when another handle changed the extents.
//
// An ExtentMap is safe for concurrent use. In transaction mode (see UseTransactions) the write
// locks taken by the first mutation are held until ConfirmChanges or UndoChanges, and every other
// call through the same handle is serialized behind them.
type ExtentMap struct {
	tableSeg *storage.Segment
	indexSeg *storage.Segment
	flSeg    *storage.Segment

	table    *indexing.ExtentTable
	index    *indexing.SecondaryIndex
	freeList *storage.FreeList

	cfg      *config.Provider
	topology *catalog.Topology
	metrics  *Metrics
	logger   *zap.Logger

	// refreshMu makes rebuilding the table and the secondary index one step for readers sharing
	// this handle.
	refreshMu sync.Mutex

	// writeMu serializes mutations through this handle and guards the transaction state below.
	writeMu         sync.Mutex
	useTransactions bool
	txGuard         *transaction.Guard
	undo            *transaction.UndoLog
}

// New attaches an ExtentMap to the segments in opts.Segments.
func New(opts Options) (*ExtentMap, error) {
	if opts.Segments == nil {
		return nil, common.Errorf(common.InvalidArgumentError, "extent map requires a segment table")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config == nil {
		opts.Config = config.NewStaticProvider(config.Default())
	}
	if opts.Topology == nil {
		opts.Topology = catalog.NewStaticTopology()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	logger := opts.Logger.Named("extentmap")

	em := &ExtentMap{
		cfg:      opts.Config,
		topology: opts.Topology,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	var err error
	if em.tableSeg, err = opts.Segments.Segment(storage.EMTable); err != nil {
		return nil, err
	}
	if em.indexSeg, err = opts.Segments.Segment(storage.EMIndex); err != nil {
		return nil, err
	}
	if em.flSeg, err = opts.Segments.Segment(storage.EMFreeList); err != nil {
		return nil, err
	}
	em.table = indexing.NewExtentTable(em.tableSeg, logger.Named("table"))
	em.index = indexing.NewSecondaryIndex(em.indexSeg, logger.Named("index"))
	em.freeList = storage.NewFreeList(em.flSeg, logger.Named("freelist"))
	return em, nil
}

func (em *ExtentMap) newGuard() *transaction.Guard {
	return transaction.NewGuard(em.tableSeg, em.indexSeg, em.flSeg)
}

// allocate gives every held segment its initial size. The guard must hold write locks.
func (em *ExtentMap) allocate(g *transaction.Guard) error {
	if g.Mode(transaction.ExtentTableLock) != transaction.LockNone && !em.tableSeg.Allocated() {
		if err := em.table.EnsureAllocated(); err != nil {
			return err
		}
	}
	if g.Mode(transaction.SecondaryIndexLock) != transaction.LockNone && !em.indexSeg.Allocated() {
		if _, err := em.indexSeg.Allocate(); err != nil {
			return err
		}
	}
	if g.Mode(transaction.FreeListLock) != transaction.LockNone && !em.flSeg.Allocated() {
		if err := em.freeList.EnsureAllocated(); err != nil {
			return err
		}
	}
	return nil
}

func (em *ExtentMap) needsAllocation(g *transaction.Guard) bool {
	return (g.Mode(transaction.ExtentTableLock) != transaction.LockNone && !em.tableSeg.Allocated()) ||
		(g.Mode(transaction.FreeListLock) != transaction.LockNone && !em.flSeg.Allocated())
}

// refresh brings the private structures of this handle up to date with the shared segments.
// Requires at least the shared table lock.
func (em *ExtentMap) refresh() {
	em.refreshMu.Lock()
	defer em.refreshMu.Unlock()
	if em.table.Refresh() {
		em.index.Rebuild(em.table)
	}
}

// read runs fn holding resources in read mode. A segment found unallocated is allocated by briefly
// upgrading to write mode.
func (em *ExtentMap) read(fn func() error, resources ...transaction.Resource) error {
	em.writeMu.Lock()
	if em.txGuard != nil {
		defer em.writeMu.Unlock()
		return fn()
	}
	em.writeMu.Unlock()

	g := em.newGuard()
	defer g.ReleaseAll()
	if err := g.Acquire(transaction.LockRead, resources...); err != nil {
		return Error.Wrap(err)
	}
	if em.needsAllocation(g) {
		if err := g.Upgrade(); err != nil {
			return Error.Wrap(err)
		}
		if err := em.allocate(g); err != nil {
			return err
		}
		if err := g.Downgrade(); err != nil {
			return Error.Wrap(err)
		}
	}
	if g.Mode(transaction.ExtentTableLock) != transaction.LockNone {
		em.refresh()
	}
	return fn()
}

// write runs fn holding resources in write mode, passing it the undo log that must receive every
// change. Outside transaction mode the changes are confirmed when fn returns, or undone if it
// failed with an error that leaves nothing worth keeping.
func (em *ExtentMap) write(fn func(undo *transaction.UndoLog) error, resources ...transaction.Resource) error {
	em.writeMu.Lock()
	defer em.writeMu.Unlock()

	if em.useTransactions {
		if em.txGuard == nil {
			g := em.newGuard()
			if err := g.Acquire(transaction.LockWrite, allLocks...); err != nil {
				g.ReleaseAll()
				return Error.Wrap(err)
			}
			em.txGuard = g
			em.undo = transaction.NewUndoLog(undoTarget{em})
		}
		if err := em.prepareWrite(em.txGuard); err != nil {
			return err
		}
		return em.tracked(em.txGuard, func() error { return fn(em.undo) })
	}

	g := em.newGuard()
	defer g.ReleaseAll()
	if err := g.Acquire(transaction.LockWrite, resources...); err != nil {
		return Error.Wrap(err)
	}
	if err := em.prepareWrite(g); err != nil {
		return err
	}
	undo := transaction.NewUndoLog(undoTarget{em})
	err := em.tracked(g, func() error { return fn(undo) })
	if err != nil && undoesChanges(err) {
		rbErr := undo.Rollback()
		if em.index.ReadOnly() {
			// a frozen index skipped the undo; derive it from the restored table instead
			em.index.Rebuild(em.table)
		}
		if rbErr != nil {
			em.logger.Error("rolling back a failed operation", zap.Error(rbErr), zap.NamedError("cause", err))
			return errs.Combine(err, rbErr)
		}
		return err
	}
	undo.Commit()
	return err
}

func (em *ExtentMap) prepareWrite(g *transaction.Guard) error {
	if err := em.allocate(g); err != nil {
		return err
	}
	if g.Mode(transaction.ExtentTableLock) != transaction.LockNone {
		em.refresh()
	}
	return nil
}

// undoesChanges reports whether a failed operation must be rolled back. Misses and partition state
// warnings are reported after the rest of the batch was applied.
func undoesChanges(err error) bool {
	return !common.IsCode(err, common.NotFoundError) &&
		!common.IsCode(err, common.PartitionAlreadyDisabledError) &&
		!common.IsCode(err, common.PartitionAlreadyEnabledError)
}

// tracked runs fn and records segment growth and the resulting sizes in the metrics.
func (em *ExtentMap) tracked(g *transaction.Guard, fn func() error) error {
	segs := [...]*storage.Segment{em.tableSeg, em.indexSeg, em.flSeg}
	var before [len(segs)]int64
	for i, seg := range segs {
		before[i] = seg.AllocatedSize()
	}
	err := fn()
	for i, seg := range segs {
		if after := seg.AllocatedSize(); after > before[i] && before[i] > 0 {
			em.metrics.SegmentGrowths.WithLabelValues(seg.Kind().String()).Inc()
			em.logger.Debug("segment grew", zap.Stringer("segment", seg.Descriptor()))
		}
	}
	if g.Mode(transaction.ExtentTableLock) != transaction.LockNone {
		em.metrics.Extents.Set(float64(em.table.Len()))
	}
	if g.Mode(transaction.FreeListLock) != transaction.LockNone {
		em.metrics.FreeListEntries.Set(float64(em.freeList.Len()))
	}
	return err
}

// UseTransactions switches transaction mode on or off. In transaction mode the first mutation
// acquires every lock for writing and keeps them, with an undo log of all changes, until
// ConfirmChanges or UndoChanges. Switching modes with changes pending panics.
func (em *ExtentMap) UseTransactions(on bool) {
	em.writeMu.Lock()
	defer em.writeMu.Unlock()
	common.Assert(em.txGuard == nil, "cannot switch transaction mode with changes pending")
	em.useTransactions = on
}

// ConfirmChanges makes the pending changes permanent and releases the transaction's locks.
func (em *ExtentMap) ConfirmChanges() {
	em.writeMu.Lock()
	defer em.writeMu.Unlock()
	if em.txGuard == nil {
		return
	}
	em.undo.Commit()
	em.finishTransaction()
}

// UndoChanges reverts the pending changes, newest first, and releases the transaction's locks.
func (em *ExtentMap) UndoChanges() error {
	em.writeMu.Lock()
	defer em.writeMu.Unlock()
	if em.txGuard == nil {
		return nil
	}
	n := em.undo.Len()
	err := em.undo.Rollback()
	if em.index.ReadOnly() {
		em.index.Rebuild(em.table)
	}
	em.metrics.Extents.Set(float64(em.table.Len()))
	em.metrics.FreeListEntries.Set(float64(em.freeList.Len()))
	em.finishTransaction()
	if err != nil {
		em.logger.Error("undoing changes", zap.Int("records", n), zap.Error(err))
		return err
	}
	em.logger.Debug("changes undone", zap.Int("records", n))
	return nil
}

func (em *ExtentMap) finishTransaction() {
	em.txGuard.ReleaseAll()
	em.txGuard = nil
	em.undo = nil
}

// PendingChanges returns the number of undo records of the open transaction.
func (em *ExtentMap) PendingChanges() int {
	em.writeMu.Lock()
	defer em.writeMu.Unlock()
	if em.undo == nil {
		return 0
	}
	return em.undo.Len()
}

// undoTarget inverts extent changes on behalf of an UndoLog, keeping the secondary index in step.
type undoTarget struct {
	em *ExtentMap
}

func (u undoTarget) UndoInsert(inserted common.ExtentInfo) error {
	if _, ok := u.em.table.Erase(inserted.Range.Start); !ok {
		return common.Errorf(common.InvariantViolationError, "undo insert: no extent at lbid %d", inserted.Range.Start)
	}
	if u.em.index.ReadOnly() {
		return nil
	}
	return u.em.index.DeleteEntry(&inserted, inserted.Range.Start)
}

func (u undoTarget) UndoDelete(deleted common.ExtentInfo) error {
	if err := u.em.table.Insert(deleted); err != nil {
		return err
	}
	if u.em.index.ReadOnly() || u.em.indexed(&deleted) {
		return nil
	}
	_, err := u.em.index.Insert(&deleted, deleted.Range.Start)
	return err
}

func (u undoTarget) UndoUpdate(prior common.ExtentInfo) error {
	current, ok := u.em.table.Get(prior.Range.Start)
	if !ok {
		return common.Errorf(common.InvariantViolationError, "undo update: no extent at lbid %d", prior.Range.Start)
	}
	if err := u.em.table.Update(prior); err != nil {
		return err
	}
	if u.em.index.ReadOnly() {
		return nil
	}
	return u.em.reindex(&current, &prior)
}

// indexed reports whether e's start LBID is in the secondary index.
func (em *ExtentMap) indexed(e *common.ExtentInfo) bool {
	for _, lbid := range em.index.FindPartition(e.DBRoot, e.FileID, e.PartitionNum) {
		if lbid == e.Range.Start {
			return true
		}
	}
	return false
}

// reindex moves an extent in the secondary index if an update changed its placement.
func (em *ExtentMap) reindex(from, to *common.ExtentInfo) error {
	if from.DBRoot == to.DBRoot && from.FileID == to.FileID && from.PartitionNum == to.PartitionNum {
		return nil
	}
	if err := em.index.DeleteEntry(from, from.Range.Start); err != nil {
		return err
	}
	_, err := em.index.Insert(to, to.Range.Start)
	return err
}

// insertExtent adds a new extent to both indexes. Requires the table and index write locks.
func (em *ExtentMap) insertExtent(undo *transaction.UndoLog, e common.ExtentInfo) error {
	if err := em.table.Insert(e); err != nil {
		return err
	}
	undo.RecordInsert(e)
	if _, err := em.index.Insert(&e, e.Range.Start); err != nil {
		return err
	}
	em.metrics.ExtentsCreated.Inc()
	return nil
}

// updateExtent overwrites an extent. Requires the table write lock, and the index write lock if
// the update moves the extent to another DBRoot.
func (em *ExtentMap) updateExtent(undo *transaction.UndoLog, e common.ExtentInfo) error {
	prior, ok := em.table.Get(e.Range.Start)
	if !ok {
		return common.Errorf(common.NotFoundError, "no extent starts at lbid %d", e.Range.Start)
	}
	undo.RecordUpdate(prior)
	if err := em.table.Update(e); err != nil {
		return err
	}
	return em.reindex(&prior, &e)
}

// deleteExtent removes an extent and returns its range to the free list. Callers that clean the
// secondary index per OID afterwards pass updateIndex=false. Requires every write lock.
func (em *ExtentMap) deleteExtent(undo *transaction.UndoLog, e common.ExtentInfo, updateIndex bool) error {
	if _, ok := em.table.Erase(e.Range.Start); !ok {
		return common.Errorf(common.NotFoundError, "no extent starts at lbid %d", e.Range.Start)
	}
	undo.RecordDelete(e)
	if err := em.freeList.Give(e.Range, undo); err != nil {
		return err
	}
	if updateIndex {
		if err := em.index.DeleteEntry(&e, e.Range.Start); err != nil {
			return err
		}
	}
	em.metrics.ExtentsDeleted.Inc()
	return nil
}

// extentsOf collects the extents matching keep, in LBID order. Requires the table lock.
func (em *ExtentMap) extentsOf(keep func(e *common.ExtentInfo) bool) []common.ExtentInfo {
	var out []common.ExtentInfo
	em.table.Scan(func(e common.ExtentInfo) bool {
		if keep(&e) {
			out = append(out, e)
		}
		return true
	})
	return out
}

// extentsOfOID returns the extents of oid, optionally on one DBRoot only, using the secondary
// index. Requires the table and index locks.
func (em *ExtentMap) extentsOfOID(oid common.OID, dbRoot uint16, allRoots bool) []common.ExtentInfo {
	roots := []uint16{dbRoot}
	if allRoots {
		roots = em.index.DBRoots()
	}
	var out []common.ExtentInfo
	for _, root := range roots {
		for _, lbid := range em.index.Find(root, oid) {
			e, ok := em.table.Get(lbid)
			common.Assert(ok, "secondary index lists lbid %d of oid %d missing from the extent table", lbid, oid)
			out = append(out, e)
		}
	}
	return out
}
