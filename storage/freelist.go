package storage

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// SlotRecorder receives the prior contents of every free-list slot before it is overwritten, so
// that a transaction can put them back on rollback.
type SlotRecorder interface {
	RecordFreeSlot(fl *FreeList, index int, prior common.LBIDRange)
}

// FreeList tracks the unallocated parts of the LBID space as an array of {start, size} slots in the
// EMFreeList segment. A slot with size 0 is empty. Adjacent free ranges are always coalesced, which
// keeps the array short enough for linear scans.
//
// Every method requires the segment lock: read methods the shared side, mutators the exclusive side.
type FreeList struct {
	view   View
	logger *zap.Logger
}

// NewFreeList returns a handle on the free list stored in seg.
func NewFreeList(seg *Segment, logger *zap.Logger) *FreeList {
	common.Assert(seg.Kind() == EMFreeList, "free list requires an %s segment, got %s", EMFreeList, seg.Kind())
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FreeList{view: NewView(seg), logger: logger}
}

// Segment returns the backing segment.
func (fl *FreeList) Segment() *Segment {
	return fl.view.Segment()
}

// EnsureAllocated gives the segment its initial size on first use, with a single entry covering the
// whole LBID space. Requires the exclusive lock.
func (fl *FreeList) EnsureAllocated() error {
	fresh, err := fl.view.Segment().Allocate()
	if err != nil {
		return err
	}
	if fresh {
		fl.Reset()
	}
	return nil
}

func (fl *FreeList) data() []byte {
	return fl.view.Data()
}

// Capacity returns the number of slots, empty ones included.
func (fl *FreeList) Capacity() int {
	return len(fl.data()) / FreeListSlotSize
}

func (fl *FreeList) slot(i int) common.LBIDRange {
	b := fl.data()[i*FreeListSlotSize:]
	return common.LBIDRange{
		Start: common.LBID(binary.LittleEndian.Uint64(b)),
		Size:  binary.LittleEndian.Uint32(b[8:]),
	}
}

func (fl *FreeList) writeSlot(i int, r common.LBIDRange) {
	b := fl.data()[i*FreeListSlotSize:]
	binary.LittleEndian.PutUint64(b, uint64(r.Start))
	binary.LittleEndian.PutUint32(b[8:], r.Size)
	binary.LittleEndian.PutUint32(b[12:], 0)
}

// setSlot overwrites slot i, recording its prior value and keeping the segment's current size in
// step with the number of occupied slots.
func (fl *FreeList) setSlot(i int, r common.LBIDRange, rec SlotRecorder) {
	prior := fl.slot(i)
	if rec != nil {
		rec.RecordFreeSlot(fl, i, prior)
	}
	fl.writeSlot(i, r)
	fl.adjustCurrentSize(prior, r)
}

func (fl *FreeList) adjustCurrentSize(prior, next common.LBIDRange) {
	seg := fl.view.Segment()
	switch {
	case prior.Size == 0 && next.Size != 0:
		seg.SetCurrentSize(seg.CurrentSize() + FreeListSlotSize)
	case prior.Size != 0 && next.Size == 0:
		seg.SetCurrentSize(seg.CurrentSize() - FreeListSlotSize)
	}
}

// Reset empties the list and puts back one entry covering the whole LBID space. Requires the
// exclusive lock.
func (fl *FreeList) Reset() {
	clear(fl.data())
	fl.writeSlot(0, common.LBIDRange{Start: 0, Size: common.LBIDSpaceUnits})
	fl.view.Segment().SetCurrentSize(FreeListSlotSize)
}

// emptySlot returns the lowest empty slot, growing the segment if there is none.
func (fl *FreeList) emptySlot() (int, error) {
	n := fl.Capacity()
	for i := 0; i < n; i++ {
		if fl.slot(i).Size == 0 {
			return i, nil
		}
	}
	if err := fl.view.Segment().Grow(FreeListSlotSize); err != nil {
		return -1, common.WrapError(common.ResourceExhaustedError, err, "growing the free list")
	}
	fl.view.Remap()
	fl.logger.Debug("free list grown", zap.Int("slots", fl.Capacity()))
	return n, nil
}

// Take allocates size units from the first entry large enough to hold them and returns the start
// of the allocated range.
func (fl *FreeList) Take(size uint32, rec SlotRecorder) (common.LBID, error) {
	common.Assert(size > 0, "cannot take an empty range")
	n := fl.Capacity()
	for i := 0; i < n; i++ {
		entry := fl.slot(i)
		if entry.Size == 0 || entry.Size < size {
			continue
		}
		start := entry.Start
		fl.setSlot(i, common.LBIDRange{Start: start + common.LBID(size)*common.LBIDUnit, Size: entry.Size - size}, rec)
		return start, nil
	}
	fl.logger.Error("out of LBID space", zap.Uint32("units", size))
	return common.InvalidLBID, common.Errorf(common.ResourceExhaustedError, "out of LBID space: no free range of %d units", size)
}

// Give returns r to the free list, merging it with the free entries on either side. Merged entries
// migrate to the lowest empty slot so that occupied slots stay packed at the front.
func (fl *FreeList) Give(r common.LBIDRange, rec SlotRecorder) error {
	if r.Size == 0 {
		return nil
	}
	preceding, succeeding, firstEmpty := -1, -1, -1
	n := fl.Capacity()
	for i := 0; i < n; i++ {
		entry := fl.slot(i)
		if entry.Size == 0 {
			if firstEmpty == -1 {
				firstEmpty = i
			}
			continue
		}
		if entry.Start < r.End() && r.Start < entry.End() {
			return common.Errorf(common.InvariantViolationError, "range %s is already free (overlaps %s)", r, entry)
		}
		if r.End() == entry.Start {
			succeeding = i
		} else if entry.End() == r.Start {
			preceding = i
		}
	}

	// migrate moves the entry at idx down into the first empty slot if that is lower.
	migrate := func(idx int) int {
		if firstEmpty == -1 || firstEmpty > idx {
			return idx
		}
		entry := fl.slot(idx)
		fl.setSlot(firstEmpty, entry, rec)
		fl.setSlot(idx, common.LBIDRange{}, rec)
		moved := firstEmpty
		firstEmpty = -1
		return moved
	}

	switch {
	case preceding != -1 && succeeding != -1:
		preceding = migrate(preceding)
		prev, next := fl.slot(preceding), fl.slot(succeeding)
		fl.setSlot(preceding, common.LBIDRange{Start: prev.Start, Size: prev.Size + r.Size + next.Size}, rec)
		fl.setSlot(succeeding, common.LBIDRange{}, rec)
	case succeeding != -1:
		succeeding = migrate(succeeding)
		next := fl.slot(succeeding)
		fl.setSlot(succeeding, common.LBIDRange{Start: r.Start, Size: next.Size + r.Size}, rec)
	case preceding != -1:
		preceding = migrate(preceding)
		prev := fl.slot(preceding)
		fl.setSlot(preceding, common.LBIDRange{Start: prev.Start, Size: prev.Size + r.Size}, rec)
	default:
		idx := firstEmpty
		if idx == -1 {
			var err error
			if idx, err = fl.emptySlot(); err != nil {
				return err
			}
		}
		fl.setSlot(idx, r, rec)
	}
	return nil
}

// Reserve removes exactly r from the free entry that contains it, splitting that entry in two if r
// lies in its middle. It is used to rebuild the free list around extents loaded from a snapshot.
func (fl *FreeList) Reserve(r common.LBIDRange, rec SlotRecorder) error {
	common.Assert(r.Size > 0, "cannot reserve an empty range")
	n := fl.Capacity()
	for i := 0; i < n; i++ {
		entry := fl.slot(i)
		if entry.Size == 0 || !entry.Contains(r.Start) {
			continue
		}
		if r.End() > entry.End() {
			return common.Errorf(common.InvariantViolationError, "range %s is only partly free (%s)", r, entry)
		}
		switch {
		case entry.Start == r.Start:
			fl.setSlot(i, common.LBIDRange{Start: r.End(), Size: entry.Size - r.Size}, rec)
		case entry.End() == r.End():
			fl.setSlot(i, common.LBIDRange{Start: entry.Start, Size: entry.Size - r.Size}, rec)
		default:
			head := common.LBIDRange{Start: entry.Start, Size: uint32((r.Start - entry.Start) / common.LBIDUnit)}
			tail := common.LBIDRange{Start: r.End(), Size: uint32((entry.End() - r.End()) / common.LBIDUnit)}
			idx, err := fl.emptySlot()
			if err != nil {
				return err
			}
			fl.setSlot(i, head, rec)
			fl.setSlot(idx, tail, rec)
		}
		return nil
	}
	return common.Errorf(common.InvariantViolationError, "range %s is not free", r)
}

// RestoreSlot puts back the prior contents of a slot. It is the rollback path of SlotRecorder.
func (fl *FreeList) RestoreSlot(i int, r common.LBIDRange) {
	common.Assert(i >= 0 && i < fl.Capacity(), "free list slot %d out of range", i)
	fl.setSlot(i, r, nil)
}

// Entries returns the occupied slots in slot order.
func (fl *FreeList) Entries() []common.LBIDRange {
	var out []common.LBIDRange
	n := fl.Capacity()
	for i := 0; i < n; i++ {
		if entry := fl.slot(i); entry.Size != 0 {
			out = append(out, entry)
		}
	}
	return out
}

// Slots returns every slot, empty ones included, in slot order.
func (fl *FreeList) Slots() []common.LBIDRange {
	n := fl.Capacity()
	out := make([]common.LBIDRange, n)
	for i := 0; i < n; i++ {
		out[i] = fl.slot(i)
	}
	return out
}

// Len returns the number of occupied slots.
func (fl *FreeList) Len() int {
	return int(fl.view.Segment().CurrentSize() / FreeListSlotSize)
}
