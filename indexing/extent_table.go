package indexing

import (
	"sync"

	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

type tableItem struct {
	start common.LBID
	slot  int32
}

func lessTableItem(a, b tableItem) bool {
	return a.start < b.start
}

// ExtentTable is the primary index of the extent map. Descriptors live in fixed-size slots of the
// EMTable segment; a B-tree keyed by the first LBID of each extent maps to the slot holding it.
//
// The B-tree and the slot occupancy bitmap are private to this handle. Other handles attached to
// the same segment write through their own trees, so every access first calls Refresh, which
// rebuilds the local structures when the segment's change counter moved.
//
// Callers must hold the EMTable segment lock: shared for reads, exclusive for mutations.
type ExtentTable struct {
	view     storage.View
	tree     *btree.BTreeG[tableItem]
	occupied *storage.Bitmap
	seenSeq  uint64
	// lowWater is the number of free slots EnsureCapacity keeps in reserve.
	lowWater int

	// refreshMu serializes Refresh between readers sharing this handle.
	refreshMu sync.Mutex
	logger    *zap.Logger
}

// NewExtentTable returns a handle on the extent table stored in seg.
func NewExtentTable(seg *storage.Segment, logger *zap.Logger) *ExtentTable {
	common.Assert(seg.Kind() == storage.EMTable, "extent table requires an %s segment, got %s", storage.EMTable, seg.Kind())
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtentTable{
		view:     storage.NewView(seg),
		tree:     btree.NewBTreeG(lessTableItem),
		occupied: storage.NewBitmap(0),
		lowWater: int(seg.Sizing().Increment / common.ExtentInfoSize),
		logger:   logger,
	}
}

// Segment returns the backing segment.
func (t *ExtentTable) Segment() *storage.Segment {
	return t.view.Segment()
}

// EnsureAllocated gives the segment its initial size on first use. Requires the exclusive lock.
func (t *ExtentTable) EnsureAllocated() error {
	if _, err := t.view.Segment().Allocate(); err != nil {
		return err
	}
	t.Refresh()
	return nil
}

// Refresh re-resolves the mapping after a growth and rebuilds the B-tree after a write made through
// another handle. It reports whether the B-tree was rebuilt, in which case anything derived from
// the table must be rebuilt too.
func (t *ExtentTable) Refresh() (rebuilt bool) {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	if t.view.Stale() {
		t.view.Remap()
	}
	if t.view.Segment().ChangeSeq() != t.seenSeq {
		t.rebuild()
		return true
	}
	if t.occupied.Len() != t.slotCount() {
		// grown by this handle or another one, no entries changed
		t.occupied.Resize(t.slotCount())
	}
	return false
}

func (t *ExtentTable) rebuild() {
	n := t.slotCount()
	tree := btree.NewBTreeG(lessTableItem)
	occupied := storage.NewBitmap(n)
	var e common.ExtentInfo
	for i := 0; i < n; i++ {
		e = t.readSlot(i)
		if e.Range.Size == 0 {
			continue
		}
		occupied.SetBit(i, true)
		tree.Set(tableItem{start: e.Range.Start, slot: int32(i)})
	}
	t.tree = tree
	t.occupied = occupied
	t.seenSeq = t.view.Segment().ChangeSeq()
	t.logger.Debug("extent table rebuilt", zap.Int("extents", tree.Len()), zap.Uint64("changeSeq", t.seenSeq))
}

func (t *ExtentTable) slotCount() int {
	return len(t.view.Data()) / common.ExtentInfoSize
}

func (t *ExtentTable) readSlot(i int) common.ExtentInfo {
	var e common.ExtentInfo
	e.LoadFrom(t.view.Data()[i*common.ExtentInfoSize:])
	return e
}

func (t *ExtentTable) writeSlot(i int, e *common.ExtentInfo) {
	e.WriteTo(t.view.Data()[i*common.ExtentInfoSize:])
}

func (t *ExtentTable) markChanged() {
	t.seenSeq = t.view.Segment().BumpChangeSeq()
}

// Len returns the number of extents.
func (t *ExtentTable) Len() int {
	return t.tree.Len()
}

// Capacity returns the number of slots, used or not.
func (t *ExtentTable) Capacity() int {
	return t.slotCount()
}

// EnsureCapacity grows the segment so that at least n more extents fit while keeping the low-water
// reserve of free slots. Requires the exclusive lock.
func (t *ExtentTable) EnsureCapacity(n int) (grew bool, err error) {
	free := t.slotCount() - t.tree.Len()
	want := n + t.lowWater
	if free >= want {
		return false, nil
	}
	if err := t.view.Segment().Grow(int64(want-free) * common.ExtentInfoSize); err != nil {
		return false, common.WrapError(common.ResourceExhaustedError, err, "growing the extent table")
	}
	t.view.Remap()
	t.occupied.Resize(t.slotCount())
	return true, nil
}

// Insert adds a new extent. It fails with InvariantViolationError if the extent overlaps one already
// present. Requires the exclusive lock.
func (t *ExtentTable) Insert(e common.ExtentInfo) error {
	common.Assert(e.Range.Size > 0, "cannot insert an empty extent")
	if prev, ok := t.FindByLBID(e.Range.Start); ok {
		return common.Errorf(common.InvariantViolationError, "extent %s overlaps %s", e.Range, prev.Range)
	}
	overlap := false
	t.tree.Ascend(tableItem{start: e.Range.Start}, func(item tableItem) bool {
		overlap = item.start < e.Range.End()
		return false
	})
	if overlap {
		return common.Errorf(common.InvariantViolationError, "extent %s overlaps a following extent", e.Range)
	}

	slot := t.occupied.FindFirstZero(0)
	if slot == -1 {
		if _, err := t.EnsureCapacity(1); err != nil {
			return err
		}
		slot = t.occupied.FindFirstZero(0)
		common.Assert(slot != -1, "no free slot after growing the extent table")
	}
	t.writeSlot(slot, &e)
	t.occupied.SetBit(slot, true)
	t.tree.Set(tableItem{start: e.Range.Start, slot: int32(slot)})
	t.markChanged()
	return nil
}

// Erase removes the extent starting at start and returns it. Requires the exclusive lock.
func (t *ExtentTable) Erase(start common.LBID) (common.ExtentInfo, bool) {
	item, ok := t.tree.Delete(tableItem{start: start})
	if !ok {
		return common.ExtentInfo{}, false
	}
	e := t.readSlot(int(item.slot))
	clear(t.view.Data()[int(item.slot)*common.ExtentInfoSize : (int(item.slot)+1)*common.ExtentInfoSize])
	t.occupied.SetBit(int(item.slot), false)
	t.markChanged()
	return e, true
}

// Update overwrites the extent starting at e.Range.Start. The range itself cannot change. Requires
// the exclusive lock.
func (t *ExtentTable) Update(e common.ExtentInfo) error {
	item, ok := t.tree.Get(tableItem{start: e.Range.Start})
	if !ok {
		return common.Errorf(common.NotFoundError, "no extent starts at lbid %d", e.Range.Start)
	}
	old := t.readSlot(int(item.slot))
	common.Assert(old.Range == e.Range, "extent range changed from %s to %s", old.Range, e.Range)
	t.writeSlot(int(item.slot), &e)
	t.markChanged()
	return nil
}

// Get returns the extent starting exactly at start.
func (t *ExtentTable) Get(start common.LBID) (common.ExtentInfo, bool) {
	item, ok := t.tree.Get(tableItem{start: start})
	if !ok {
		return common.ExtentInfo{}, false
	}
	return t.readSlot(int(item.slot)), true
}

// FindByLBID returns the extent whose range contains lbid. It looks up the last extent starting at
// or before lbid; when the search runs off the end of the tree the last extent is checked instead.
func (t *ExtentTable) FindByLBID(lbid common.LBID) (common.ExtentInfo, bool) {
	iter := t.tree.Iter()
	defer iter.Release()

	var found bool
	if iter.Seek(tableItem{start: lbid}) {
		if iter.Item().start > lbid {
			found = iter.Prev()
		} else {
			found = true
		}
	} else {
		found = iter.Last()
	}
	if !found {
		return common.ExtentInfo{}, false
	}
	e := t.readSlot(int(iter.Item().slot))
	if !e.Range.Contains(lbid) {
		return common.ExtentInfo{}, false
	}
	return e, true
}

// Ascend calls fn for every extent starting at or after pivot, in LBID order, until fn returns false.
func (t *ExtentTable) Ascend(pivot common.LBID, fn func(e common.ExtentInfo) bool) {
	t.tree.Ascend(tableItem{start: pivot}, func(item tableItem) bool {
		return fn(t.readSlot(int(item.slot)))
	})
}

// Scan calls fn for every extent in LBID order until fn returns false.
func (t *ExtentTable) Scan(fn func(e common.ExtentInfo) bool) {
	t.tree.Scan(func(item tableItem) bool {
		return fn(t.readSlot(int(item.slot)))
	})
}

// Clear removes every extent. Requires the exclusive lock.
func (t *ExtentTable) Clear() {
	clear(t.view.Data())
	t.tree.Clear()
	t.occupied.Clear()
	t.markChanged()
}
