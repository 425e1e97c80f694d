package extentmap

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// Snapshot file magic numbers. Version 5 is written; versions 4 and 5 are read.
const (
	SnapshotMagicV4 uint32 = 0x76f78b1f
	SnapshotMagicV5 uint32 = 0x76f78b20
)

const (
	snapshotHeaderSize = 12
	// extentInfoSizeV4 is the size of a version 4 extent record: the version 5 layout up to the
	// sequence number, without the CP state.
	extentInfoSizeV4 = 56
)

var saveLocks = []transaction.Resource{transaction.ExtentTableLock, transaction.FreeListLock}

// Save writes the extents and the free list to path. The file is written next to path and renamed
// over it, so a reader never sees a partial snapshot.
func (em *ExtentMap) Save(path string) error {
	var (
		extents []common.ExtentInfo
		slots   []common.LBIDRange
	)
	err := em.read(func() error {
		if em.table.Len() == 0 {
			return common.Errorf(common.InvalidArgumentError, "refusing to save an empty extent map")
		}
		extents = make([]common.ExtentInfo, 0, em.table.Len())
		em.table.Scan(func(e common.ExtentInfo) bool {
			extents = append(extents, e)
			return true
		})
		slots = em.freeList.Slots()
		return nil
	}, saveLocks...)
	if err != nil {
		return err
	}
	if err := writeSnapshot(path, extents, slots); err != nil {
		return common.WrapError(common.IOError, err, "saving extent map to %s", path)
	}
	em.logger.Info("extent map saved", zap.String("path", path),
		zap.Int("extents", len(extents)), zap.Int("freeListSlots", len(slots)))
	return nil
}

func writeSnapshot(path string, extents []common.ExtentInfo, slots []common.LBIDRange) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Error.Wrap(err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	w := bufio.NewWriter(f)
	var header [snapshotHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], SnapshotMagicV5)
	binary.LittleEndian.PutUint32(header[4:], uint32(len(extents)))
	binary.LittleEndian.PutUint32(header[8:], uint32(len(slots)))
	if _, err := w.Write(header[:]); err != nil {
		return Error.Wrap(err)
	}
	var rec [common.ExtentInfoSize]byte
	for i := range extents {
		extents[i].WriteTo(rec[:])
		if _, err := w.Write(rec[:]); err != nil {
			return Error.Wrap(err)
		}
	}
	var slot [storage.FreeListSlotSize]byte
	for _, r := range slots {
		binary.LittleEndian.PutUint64(slot[0:], uint64(r.Start))
		binary.LittleEndian.PutUint32(slot[8:], r.Size)
		if _, err := w.Write(slot[:]); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := w.Flush(); err != nil {
		return Error.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := f.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(f.Name(), path))
}

// readSnapshot parses and validates a snapshot. The free list stored in the file is skipped: it is
// rebuilt from the extents on load.
func readSnapshot(r io.Reader) ([]common.ExtentInfo, error) {
	br := bufio.NewReader(r)
	var header [snapshotHeaderSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, common.WrapError(common.IOError, err, "reading snapshot header")
	}
	magic := binary.LittleEndian.Uint32(header[0:])
	emCount := binary.LittleEndian.Uint32(header[4:])
	flCount := binary.LittleEndian.Uint32(header[8:])

	recSize := common.ExtentInfoSize
	switch magic {
	case SnapshotMagicV5:
	case SnapshotMagicV4:
		recSize = extentInfoSizeV4
	default:
		return nil, common.Errorf(common.InvalidArgumentError, "bad snapshot magic %#x", magic)
	}
	if emCount == 0 {
		return nil, common.Errorf(common.InvalidArgumentError, "snapshot holds no extents")
	}

	extents := make([]common.ExtentInfo, 0, emCount)
	rec := make([]byte, common.ExtentInfoSize)
	for i := uint32(0); i < emCount; i++ {
		clear(rec)
		if _, err := io.ReadFull(br, rec[:recSize]); err != nil {
			return nil, common.WrapError(common.IOError, err, "reading extent %d of %d", i, emCount)
		}
		var e common.ExtentInfo
		e.LoadFrom(rec)
		if magic == SnapshotMagicV4 {
			// version 4 did not persist the CP state
			e.CP.State = common.CPInvalid
		}
		if e.Status > common.ExtentOutOfService {
			e.Status = common.ExtentAvailable
		}
		extents = append(extents, e)
	}
	if _, err := io.CopyN(io.Discard, br, int64(flCount)*storage.FreeListSlotSize); err != nil {
		return nil, common.WrapError(common.IOError, err, "reading %d free list slots", flCount)
	}
	if err := validateExtents(extents); err != nil {
		return nil, err
	}
	return extents, nil
}

// validateExtents checks that extents can be loaded: non-empty ranges inside the LBID space that
// do not overlap. It sorts extents by start LBID.
func validateExtents(extents []common.ExtentInfo) error {
	slices.SortFunc(extents, compareStart)
	var prevEnd common.LBID
	for i, e := range extents {
		if e.Range.Size == 0 || e.Range.Start < 0 || e.Range.Start%common.LBIDUnit != 0 ||
			int64(e.Range.End()) > common.LBIDSpaceBlocks {
			return common.Errorf(common.InvariantViolationError, "snapshot extent %s has a bad range", &e)
		}
		if i > 0 && e.Range.Start < prevEnd {
			return common.Errorf(common.InvariantViolationError, "snapshot extents overlap at lbid %d", e.Range.Start)
		}
		prevEnd = e.Range.End()
	}
	return nil
}

// Load replaces the extents with those of the snapshot at path and rebuilds the free list around
// them. A snapshot that cannot be read, validated or applied leaves the extent map unchanged.
func (em *ExtentMap) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return common.WrapError(common.IOError, Error.Wrap(err), "opening snapshot %s", path)
	}
	defer func() { _ = f.Close() }()
	extents, err := readSnapshot(f)
	if err != nil {
		return err
	}

	err = em.write(func(undo *transaction.UndoLog) error {
		if undo.Len() > 0 {
			return common.Errorf(common.InvalidArgumentError, "cannot load a snapshot with changes pending")
		}
		if em.index.ReadOnly() {
			return common.Errorf(common.ReadOnlyError, "cannot load a snapshot into a read-only secondary index")
		}
		prior := em.captureState()
		if err := em.applySnapshot(extents); err != nil {
			em.restoreState(prior)
			return err
		}
		return nil
	}, allLocks...)
	if err != nil {
		em.logger.Error("loading snapshot", zap.String("path", path), zap.Error(err))
		return err
	}
	em.logger.Info("extent map loaded", zap.String("path", path), zap.Int("extents", len(extents)))
	return nil
}

func (em *ExtentMap) applySnapshot(extents []common.ExtentInfo) error {
	em.table.Clear()
	em.index.Clear()
	em.freeList.Reset()
	if _, err := em.table.EnsureCapacity(len(extents)); err != nil {
		return err
	}
	for _, e := range extents {
		if err := em.table.Insert(e); err != nil {
			return err
		}
		if _, err := em.index.Insert(&e, e.Range.Start); err != nil {
			return err
		}
		if err := em.freeList.Reserve(e.Range, nil); err != nil {
			return err
		}
	}
	return nil
}

// mapState is a copy of everything applySnapshot overwrites.
type mapState struct {
	extents   []common.ExtentInfo
	slots     []common.LBIDRange
	indexSize int64
}

// captureState copies the extents and free list. Requires every write lock.
func (em *ExtentMap) captureState() mapState {
	st := mapState{
		extents:   make([]common.ExtentInfo, 0, em.table.Len()),
		slots:     em.freeList.Slots(),
		indexSize: em.indexSeg.CurrentSize(),
	}
	em.table.Scan(func(e common.ExtentInfo) bool {
		st.extents = append(st.extents, e)
		return true
	})
	return st
}

// restoreState puts back a state taken by captureState. The segments only ever grow, so the prior
// extents and slots always fit again. Requires every write lock.
func (em *ExtentMap) restoreState(st mapState) {
	em.table.Clear()
	for _, e := range st.extents {
		err := em.table.Insert(e)
		common.Assert(err == nil, "restoring extent %s: %v", &e, err)
	}
	for i, n := 0, em.freeList.Capacity(); i < n; i++ {
		var r common.LBIDRange
		if i < len(st.slots) {
			r = st.slots[i]
		}
		em.freeList.RestoreSlot(i, r)
	}
	em.index.Rebuild(em.table)
	if em.indexSeg.Allocated() {
		em.indexSeg.SetCurrentSize(st.indexSize)
	}
	em.logger.Warn("snapshot load failed, previous extent map restored", zap.Int("extents", len(st.extents)))
}
