package indexing

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

// Bytes charged against the EMIndex segment for each level of the index.
const (
	dbRootBucketCost    = 256
	oidBucketCost       = 128
	partitionBucketCost = 64
	lbidCost            = 8

	worstCaseInsertCost = dbRootBucketCost + oidBucketCost + partitionBucketCost + lbidCost
)

// partitionBucket holds the start LBIDs of one OID's extents on one DBRoot, grouped by partition.
type partitionBucket struct {
	sync.RWMutex
	parts map[uint32][]common.LBID
}

type oidMap = xsync.MapOf[common.OID, *partitionBucket]

// SecondaryIndex maps (DBRoot, OID, partition) to the start LBIDs of the extents placed there. It is
// derived from the ExtentTable and rebuilt from it whenever the table was changed through another
// handle.
//
// Memory is accounted against the EMIndex segment: every bucket and LBID charges a fixed cost, and the
// segment grows when the budget runs short. Reads require the EMIndex segment lock in shared mode,
// mutations in exclusive mode.
type SecondaryIndex struct {
	roots *xsync.MapOf[uint16, *oidMap]
	seg   *storage.Segment

	// failNext counts simulated allocator failures still to be reported.
	failNext atomic.Int32
	readOnly atomic.Bool
	logger   *zap.Logger
}

// NewSecondaryIndex returns an empty index accounted against seg.
func NewSecondaryIndex(seg *storage.Segment, logger *zap.Logger) *SecondaryIndex {
	common.Assert(seg.Kind() == storage.EMIndex, "secondary index requires an %s segment, got %s", storage.EMIndex, seg.Kind())
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecondaryIndex{
		roots:  xsync.NewMapOf[uint16, *oidMap](),
		seg:    seg,
		logger: logger,
	}
}

// Segment returns the segment the index is accounted against.
func (idx *SecondaryIndex) Segment() *storage.Segment {
	return idx.seg
}

// ReadOnly reports whether the index was frozen after an unrecoverable allocation failure. Only a
// restart clears it.
func (idx *SecondaryIndex) ReadOnly() bool {
	return idx.readOnly.Load()
}

// FailNextAllocations makes the next n bucket allocations fail as if the segment were fragmented.
func (idx *SecondaryIndex) FailNextAllocations(n int) {
	idx.failNext.Store(int32(n))
}

func (idx *SecondaryIndex) allocationFails() bool {
	for {
		n := idx.failNext.Load()
		if n <= 0 {
			return false
		}
		if idx.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// insertCost returns the number of bytes an insert at (dbRoot, oid, partition) would charge.
func (idx *SecondaryIndex) insertCost(dbRoot uint16, oid common.OID, partition uint32) int64 {
	oids, ok := idx.roots.Load(dbRoot)
	if !ok {
		return worstCaseInsertCost
	}
	b, ok := oids.Load(oid)
	if !ok {
		return oidBucketCost + partitionBucketCost + lbidCost
	}
	b.RLock()
	defer b.RUnlock()
	if _, ok := b.parts[partition]; !ok {
		return partitionBucketCost + lbidCost
	}
	return lbidCost
}

// reserve makes room for cost more bytes in the segment budget.
func (idx *SecondaryIndex) reserve(cost int64) (grew bool, err error) {
	if _, err := idx.seg.Allocate(); err != nil {
		return false, err
	}
	if idx.seg.CurrentSize()+cost <= idx.seg.AllocatedSize() {
		return false, nil
	}
	if err := idx.seg.Grow(cost); err != nil {
		return false, common.WrapError(common.ResourceExhaustedError, err, "growing the secondary index")
	}
	return true, nil
}

func (idx *SecondaryIndex) charge(delta int64) {
	idx.seg.SetCurrentSize(idx.seg.CurrentSize() + delta)
}

// Insert adds lbid under the extent's (DBRoot, OID, partition), creating missing buckets. It reports
// whether the backing segment grew. An allocation failure is retried once after extending the
// segment by the worst-case insert size; a second failure freezes the index.
func (idx *SecondaryIndex) Insert(e *common.ExtentInfo, lbid common.LBID) (grew bool, err error) {
	if idx.ReadOnly() {
		return false, common.Errorf(common.ReadOnlyError, "secondary index is read-only")
	}
	cost := idx.insertCost(e.DBRoot, e.FileID, e.PartitionNum)
	if grew, err = idx.reserve(cost); err != nil {
		return grew, err
	}

	if idx.allocationFails() {
		idx.logger.Warn("secondary index allocation failed, extending segment and retrying",
			zap.Uint16("dbRoot", e.DBRoot), zap.Int32("oid", int32(e.FileID)))
		if err := idx.seg.Grow(worstCaseInsertCost); err != nil {
			return grew, common.WrapError(common.ResourceExhaustedError, err, "growing the secondary index")
		}
		grew = true
		if idx.allocationFails() {
			idx.readOnly.Store(true)
			idx.logger.Error("secondary index is fragmented beyond recovery, switching to read-only",
				zap.Stringer("segment", idx.seg.Descriptor()))
			return grew, common.Errorf(common.ResourceExhaustedError,
				"secondary index allocation failed after growing the segment")
		}
	}

	oids, _ := idx.roots.LoadOrCompute(e.DBRoot, func() *oidMap {
		return xsync.NewMapOf[common.OID, *partitionBucket]()
	})
	b, _ := oids.LoadOrCompute(e.FileID, func() *partitionBucket {
		return &partitionBucket{parts: make(map[uint32][]common.LBID)}
	})
	b.Lock()
	b.parts[e.PartitionNum] = append(b.parts[e.PartitionNum], lbid)
	b.Unlock()
	idx.charge(cost)
	return grew, nil
}

// DeleteEntry removes lbid from the extent's partition bucket, dropping buckets that become empty.
func (idx *SecondaryIndex) DeleteEntry(e *common.ExtentInfo, lbid common.LBID) error {
	if idx.ReadOnly() {
		return common.Errorf(common.ReadOnlyError, "secondary index is read-only")
	}
	oids, ok := idx.roots.Load(e.DBRoot)
	if !ok {
		return nil
	}
	b, ok := oids.Load(e.FileID)
	if !ok {
		return nil
	}

	b.Lock()
	lbids := b.parts[e.PartitionNum]
	freed := int64(0)
	for i, l := range lbids {
		if l == lbid {
			last := len(lbids) - 1
			lbids[i] = lbids[last]
			lbids = lbids[:last]
			freed += lbidCost
			break
		}
	}
	if len(lbids) == 0 {
		if _, present := b.parts[e.PartitionNum]; present {
			delete(b.parts, e.PartitionNum)
			freed += partitionBucketCost
		}
	} else {
		b.parts[e.PartitionNum] = lbids
	}
	emptyOID := len(b.parts) == 0
	b.Unlock()

	if emptyOID {
		oids.Delete(e.FileID)
		freed += oidBucketCost
		if oids.Size() == 0 {
			idx.roots.Delete(e.DBRoot)
			freed += dbRootBucketCost
		}
	}
	idx.charge(-freed)
	return nil
}

// DeleteOID drops every entry of oid on dbRoot.
func (idx *SecondaryIndex) DeleteOID(dbRoot uint16, oid common.OID) error {
	if idx.ReadOnly() {
		return common.Errorf(common.ReadOnlyError, "secondary index is read-only")
	}
	oids, ok := idx.roots.Load(dbRoot)
	if !ok {
		return nil
	}
	b, ok := oids.LoadAndDelete(oid)
	if !ok {
		return nil
	}
	freed := bucketCost(b) + oidBucketCost
	if oids.Size() == 0 {
		idx.roots.Delete(dbRoot)
		freed += dbRootBucketCost
	}
	idx.charge(-freed)
	return nil
}

// DeleteDBRoot drops every entry on dbRoot.
func (idx *SecondaryIndex) DeleteDBRoot(dbRoot uint16) error {
	if idx.ReadOnly() {
		return common.Errorf(common.ReadOnlyError, "secondary index is read-only")
	}
	oids, ok := idx.roots.LoadAndDelete(dbRoot)
	if !ok {
		return nil
	}
	freed := int64(dbRootBucketCost)
	oids.Range(func(_ common.OID, b *partitionBucket) bool {
		freed += bucketCost(b) + oidBucketCost
		return true
	})
	idx.charge(-freed)
	return nil
}

func bucketCost(b *partitionBucket) int64 {
	b.RLock()
	defer b.RUnlock()
	cost := int64(0)
	for _, lbids := range b.parts {
		cost += partitionBucketCost + int64(len(lbids))*lbidCost
	}
	return cost
}

// Find returns the start LBIDs of every extent of oid on dbRoot, grouped by ascending partition.
func (idx *SecondaryIndex) Find(dbRoot uint16, oid common.OID) []common.LBID {
	b := idx.bucket(dbRoot, oid)
	if b == nil {
		return nil
	}
	b.RLock()
	defer b.RUnlock()
	parts := make([]uint32, 0, len(b.parts))
	n := 0
	for p, lbids := range b.parts {
		parts = append(parts, p)
		n += len(lbids)
	}
	slices.Sort(parts)
	out := make([]common.LBID, 0, n)
	for _, p := range parts {
		out = append(out, b.parts[p]...)
	}
	return out
}

// FindPartition returns the start LBIDs of the extents of oid in one partition on dbRoot.
func (idx *SecondaryIndex) FindPartition(dbRoot uint16, oid common.OID, partition uint32) []common.LBID {
	b := idx.bucket(dbRoot, oid)
	if b == nil {
		return nil
	}
	b.RLock()
	defer b.RUnlock()
	return slices.Clone(b.parts[partition])
}

// FindPartitions returns the partitions oid has extents in on dbRoot, ascending.
func (idx *SecondaryIndex) FindPartitions(dbRoot uint16, oid common.OID) []uint32 {
	b := idx.bucket(dbRoot, oid)
	if b == nil {
		return nil
	}
	b.RLock()
	defer b.RUnlock()
	parts := make([]uint32, 0, len(b.parts))
	for p := range b.parts {
		parts = append(parts, p)
	}
	slices.Sort(parts)
	return parts
}

func (idx *SecondaryIndex) bucket(dbRoot uint16, oid common.OID) *partitionBucket {
	oids, ok := idx.roots.Load(dbRoot)
	if !ok {
		return nil
	}
	b, _ := oids.Load(oid)
	return b
}

// DBRoots returns every DBRoot holding at least one extent, ascending.
func (idx *SecondaryIndex) DBRoots() []uint16 {
	var out []uint16
	idx.roots.Range(func(dbRoot uint16, _ *oidMap) bool {
		out = append(out, dbRoot)
		return true
	})
	slices.Sort(out)
	return out
}

// OIDs returns every OID with extents on dbRoot, ascending.
func (idx *SecondaryIndex) OIDs(dbRoot uint16) []common.OID {
	oids, ok := idx.roots.Load(dbRoot)
	if !ok {
		return nil
	}
	var out []common.OID
	oids.Range(func(oid common.OID, _ *partitionBucket) bool {
		out = append(out, oid)
		return true
	})
	slices.Sort(out)
	return out
}

// Len returns the total number of LBIDs in the index.
func (idx *SecondaryIndex) Len() int {
	n := 0
	idx.roots.Range(func(_ uint16, oids *oidMap) bool {
		oids.Range(func(_ common.OID, b *partitionBucket) bool {
			b.RLock()
			for _, lbids := range b.parts {
				n += len(lbids)
			}
			b.RUnlock()
			return true
		})
		return true
	})
	return n
}

// Rebuild replaces the contents of the index with the extents in table. The segment accounting is
// shared between handles and already reflects the writer's charges, so it is left alone. Rebuilding
// does not clear the read-only flag.
func (idx *SecondaryIndex) Rebuild(table *ExtentTable) {
	roots := xsync.NewMapOf[uint16, *oidMap]()
	cost := int64(0)
	table.Scan(func(e common.ExtentInfo) bool {
		oids, loaded := roots.LoadOrCompute(e.DBRoot, func() *oidMap {
			return xsync.NewMapOf[common.OID, *partitionBucket]()
		})
		if !loaded {
			cost += dbRootBucketCost
		}
		b, loaded := oids.LoadOrCompute(e.FileID, func() *partitionBucket {
			return &partitionBucket{parts: make(map[uint32][]common.LBID)}
		})
		if !loaded {
			cost += oidBucketCost
		}
		if _, ok := b.parts[e.PartitionNum]; !ok {
			cost += partitionBucketCost
		}
		b.parts[e.PartitionNum] = append(b.parts[e.PartitionNum], e.Range.Start)
		cost += lbidCost
		return true
	})
	idx.roots = roots
	idx.logger.Debug("secondary index rebuilt", zap.Int64("bytes", cost),
		zap.Int64("accounted", idx.seg.CurrentSize()))
}

// Clear empties the index and releases its budget.
func (idx *SecondaryIndex) Clear() {
	idx.roots.Clear()
	if idx.seg.Allocated() {
		idx.seg.SetCurrentSize(0)
	}
}
