package extentmap

import (
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// CreatedExtent describes a newly allocated extent.
type CreatedExtent struct {
	StartLBID common.LBID
	// Blocks is the size of the extent in blocks.
	Blocks       int
	PartitionNum uint32
	SegmentNum   uint16
	BlockOffset  uint32
}

// StripeColumn is one column of a CreateStripeColumnExtents request.
type StripeColumn struct {
	OID     common.OID
	Width   uint16
	ColType common.ColType
}

// placement holds the tunables one creation call works with.
type placement struct {
	filesPerColumnPartition int
	extentsPerSegmentFile   int
	extentRows              int
}

// checkReloadConfig picks up a changed configuration file and returns the current tunables.
func (em *ExtentMap) checkReloadConfig() placement {
	changed, err := em.cfg.Reload()
	if err != nil {
		em.logger.Warn("reloading configuration, keeping previous values", zap.Error(err))
	} else if changed {
		em.logger.Info("configuration reloaded")
	}
	c := em.cfg.Config().ExtentMap
	return placement{
		filesPerColumnPartition: c.FilesPerColumnPartition,
		extentsPerSegmentFile:   c.ExtentsPerSegmentFile,
		extentRows:              c.ExtentRows,
	}
}

// dbRootCount returns the number of DBRoots extents are spread over: those in the topology, or
// failing that those holding extents, and at least one. Requires the index lock.
func (em *ExtentMap) dbRootCount() int {
	if n := em.topology.DBRootCount(); n > 0 {
		return n
	}
	return max(1, len(em.index.DBRoots()))
}

// filesPerDBRoot returns the number of segment files of one column partition on each DBRoot.
func (em *ExtentMap) filesPerDBRoot(p placement) int {
	roots := em.dbRootCount()
	if p.filesPerColumnPartition%roots != 0 {
		em.logger.Warn("files per column partition is not a multiple of the DBRoot count, rounding down",
			zap.Int("filesPerColumnPartition", p.filesPerColumnPartition), zap.Int("dbRoots", roots))
	}
	return max(1, p.filesPerColumnPartition/roots)
}

// atOrAfter reports whether a is appended to its DBRoot no earlier than b: by partition, then block
// offset, then segment.
func atOrAfter(a, b *common.ExtentInfo) bool {
	if a.PartitionNum != b.PartitionNum {
		return a.PartitionNum > b.PartitionNum
	}
	if a.BlockOffset != b.BlockOffset {
		return a.BlockOffset > b.BlockOffset
	}
	return a.SegmentNum >= b.SegmentNum
}

func extentUnits(p placement, colWidth uint16) (uint32, error) {
	size := common.ExtentUnits(p.extentRows, int(colWidth))
	if size == 0 {
		return 0, common.Errorf(common.InvalidArgumentError,
			"an extent of %d rows of width %d is smaller than one allocation unit", p.extentRows, colWidth)
	}
	return size, nil
}

func newExtent(start common.LBID, size uint32, oid common.OID, colWidth uint16, colType common.ColType) common.ExtentInfo {
	lo, hi := colType.UpdatingSentinels()
	return common.ExtentInfo{
		Range:    common.LBIDRange{Start: start, Size: size},
		FileID:   oid,
		ColWidth: colWidth,
		Status:   common.ExtentUnavailable,
		CP:       common.CPRange{LoVal: lo, HiVal: hi, State: common.CPInvalid},
	}
}

// markFirstExtentValid makes the CP range of the first extent of a new column VALID, so that the
// first load can set its min/max.
func markFirstExtentValid(e *common.ExtentInfo) {
	if e.PartitionNum == 0 && e.SegmentNum == 0 && e.BlockOffset == 0 {
		e.CP.State = common.CPValid
	}
}

func created(e *common.ExtentInfo) CreatedExtent {
	return CreatedExtent{
		StartLBID:    e.Range.Start,
		Blocks:       int(e.Blocks()),
		PartitionNum: e.PartitionNum,
		SegmentNum:   e.SegmentNum,
		BlockOffset:  e.BlockOffset,
	}
}

func checkCreate(oid common.OID, dbRoot uint16) error {
	if oid <= 0 {
		return common.Errorf(common.InvalidArgumentError, "OID must be > 0, got %d", oid)
	}
	if dbRoot == 0 {
		return common.Errorf(common.InvalidArgumentError, "DBRoot 0 is reserved")
	}
	return nil
}

// CreateColumnExtentDBRoot allocates the next extent of a column on dbRoot and chooses the
// partition, segment file and block offset it goes to. partitionNum is only used when the column
// has no extents on dbRoot yet.
func (em *ExtentMap) CreateColumnExtentDBRoot(oid common.OID, colWidth uint16, dbRoot uint16, colType common.ColType, partitionNum uint32) (CreatedExtent, error) {
	if err := checkCreate(oid, dbRoot); err != nil {
		return CreatedExtent{}, err
	}
	p := em.checkReloadConfig()
	var out CreatedExtent
	err := em.write(func(undo *transaction.UndoLog) error {
		if _, err := em.table.EnsureCapacity(1); err != nil {
			return err
		}
		e, err := em.createColumnExtent(undo, p, oid, colWidth, dbRoot, colType, partitionNum)
		if err != nil {
			return err
		}
		out = created(&e)
		return nil
	}, allLocks...)
	return out, err
}

// createColumnExtent places and inserts one column extent. Requires every write lock.
func (em *ExtentMap) createColumnExtent(undo *transaction.UndoLog, p placement, oid common.OID, colWidth uint16, dbRoot uint16, colType common.ColType, partitionNum uint32) (common.ExtentInfo, error) {
	size, err := extentUnits(p, colWidth)
	if err != nil {
		return common.ExtentInfo{}, err
	}
	extentBlocks := uint32(common.ExtentBlocks(p.extentRows, int(colWidth)))
	start, err := em.freeList.Take(size, undo)
	if err != nil {
		return common.ExtentInfo{}, err
	}

	extents := em.extentsOfOID(oid, 0, true)
	var last *common.ExtentInfo
	for i := range extents {
		e := &extents[i]
		if e.DBRoot == dbRoot && (last == nil || atOrAfter(e, last)) {
			last = e
		}
	}

	e := newExtent(start, size, oid, colWidth, colType)
	e.DBRoot = dbRoot
	e.PartitionNum = partitionNum

	if last == nil {
		// first extent on this DBRoot: next segment after those other DBRoots use in the partition
		highSeg := -1
		for i := range extents {
			if extents[i].PartitionNum == partitionNum {
				highSeg = max(highSeg, int(extents[i].SegmentNum))
			}
		}
		e.SegmentNum = uint16(highSeg + 1)
	} else {
		e.PartitionNum, e.SegmentNum, e.BlockOffset = em.nextPosition(p, extents, last, dbRoot, extentBlocks)
	}
	markFirstExtentValid(&e)

	if err := em.insertExtent(undo, e); err != nil {
		return common.ExtentInfo{}, err
	}
	em.logger.Debug("column extent created", zap.Stringer("extent", &e))
	return e, nil
}

// nextPosition chooses the partition, segment and block offset of the extent following last, the
// HWM extent of the column on dbRoot.
func (em *ExtentMap) nextPosition(p placement, extents []common.ExtentInfo, last *common.ExtentInfo, dbRoot uint16, extentBlocks uint32) (uint32, uint16, uint32) {
	part := last.PartitionNum
	partHighSeg := int(last.SegmentNum)
	partHighSegNext := -1
	// segment file -> highest block offset, for the files of the HWM partition on dbRoot
	targetSegs := map[uint16]uint32{last.SegmentNum: last.BlockOffset}
	outOfService := false
	for i := range extents {
		e := &extents[i]
		switch e.PartitionNum {
		case part + 1:
			partHighSegNext = max(partHighSegNext, int(e.SegmentNum))
		case part:
			partHighSeg = max(partHighSeg, int(e.SegmentNum))
			if e.DBRoot != dbRoot {
				continue
			}
			if e.Status == common.ExtentOutOfService {
				outOfService = true
			}
			if off, ok := targetSegs[e.SegmentNum]; !ok || e.BlockOffset > off {
				targetSegs[e.SegmentNum] = e.BlockOffset
			}
		}
	}

	filesPerDBRoot := em.filesPerDBRoot(p)
	firstSeg, lastSeg, nextSeg := last.SegmentNum, last.SegmentNum, last.SegmentNum
	nextSet := false
	for seg := range targetSegs {
		firstSeg = min(firstSeg, seg)
		lastSeg = max(lastSeg, seg)
		if seg > last.SegmentNum && (!nextSet || seg < nextSeg) {
			nextSeg, nextSet = seg, true
		}
	}

	newPartition := outOfService
	if !newPartition && len(targetSegs) < filesPerDBRoot {
		// an incomplete set of files with more than one layer of extents, left by a dropped partition
		for _, off := range targetSegs {
			if off > 0 {
				newPartition = true
				break
			}
		}
	}

	newSeg := last.SegmentNum
	newStripe := false
	if !newPartition {
		switch {
		case len(targetSegs) < filesPerDBRoot:
			newSeg = uint16(partHighSeg + 1)
		case last.SegmentNum != lastSeg:
			newSeg = nextSeg
		case last.BlockOffset == uint32(p.extentsPerSegmentFile-1)*extentBlocks:
			newPartition = true
		default:
			newStripe = true
			newSeg = firstSeg
		}
	}

	if newPartition {
		return part + 1, uint16(partHighSegNext + 1), 0
	}
	switch {
	case last.BlockOffset == 0 && newSeg > firstSeg:
		return part, newSeg, 0
	case newStripe:
		return part, newSeg, last.BlockOffset + last.Blocks()
	default:
		return part, newSeg, last.BlockOffset
	}
}

// CreateColumnExtentExactFile allocates an extent appended to one specific segment file.
func (em *ExtentMap) CreateColumnExtentExactFile(oid common.OID, colWidth uint16, dbRoot uint16, partitionNum uint32, segmentNum uint16, colType common.ColType) (CreatedExtent, error) {
	if err := checkCreate(oid, dbRoot); err != nil {
		return CreatedExtent{}, err
	}
	p := em.checkReloadConfig()
	var out CreatedExtent
	err := em.write(func(undo *transaction.UndoLog) error {
		if _, err := em.table.EnsureCapacity(1); err != nil {
			return err
		}
		size, err := extentUnits(p, colWidth)
		if err != nil {
			return err
		}
		start, err := em.freeList.Take(size, undo)
		if err != nil {
			return err
		}
		e := newExtent(start, size, oid, colWidth, colType)
		e.DBRoot, e.PartitionNum, e.SegmentNum = dbRoot, partitionNum, segmentNum
		if last, ok := em.lastInFile(oid, dbRoot, partitionNum, segmentNum); ok {
			e.BlockOffset = last.BlockOffset + last.Blocks()
		}
		markFirstExtentValid(&e)
		if err := em.insertExtent(undo, e); err != nil {
			return err
		}
		out = created(&e)
		return nil
	}, allLocks...)
	return out, err
}

// lastInFile returns the extent with the highest block offset in one segment file. Requires the
// table and index locks.
func (em *ExtentMap) lastInFile(oid common.OID, dbRoot uint16, partitionNum uint32, segmentNum uint16) (common.ExtentInfo, bool) {
	var last common.ExtentInfo
	found := false
	for _, lbid := range em.index.FindPartition(dbRoot, oid, partitionNum) {
		e, ok := em.table.Get(lbid)
		if !ok || e.SegmentNum != segmentNum {
			continue
		}
		if !found || e.BlockOffset >= last.BlockOffset {
			last, found = e, true
		}
	}
	return last, found
}

// CreateDictStoreExtent allocates an extent appended to a dictionary store file. Dictionary extents
// carry no column width and their CP range is always INVALID.
func (em *ExtentMap) CreateDictStoreExtent(oid common.OID, dbRoot uint16, partitionNum uint32, segmentNum uint16) (CreatedExtent, error) {
	if err := checkCreate(oid, dbRoot); err != nil {
		return CreatedExtent{}, err
	}
	p := em.checkReloadConfig()
	var out CreatedExtent
	err := em.write(func(undo *transaction.UndoLog) error {
		if _, err := em.table.EnsureCapacity(1); err != nil {
			return err
		}
		size, err := extentUnits(p, common.DictColWidth)
		if err != nil {
			return err
		}
		start, err := em.freeList.Take(size, undo)
		if err != nil {
			return err
		}
		e := newExtent(start, size, oid, 0, common.ColTypeVarChar)
		e.DBRoot, e.PartitionNum, e.SegmentNum = dbRoot, partitionNum, segmentNum
		if last, ok := em.lastInFile(oid, dbRoot, partitionNum, segmentNum); ok {
			e.BlockOffset = last.BlockOffset + last.Blocks()
		}
		if err := em.insertExtent(undo, e); err != nil {
			return err
		}
		out = created(&e)
		return nil
	}, allLocks...)
	return out, err
}

// CreateStripeColumnExtents allocates one extent for each column of a table on dbRoot. Every column
// must land in the same partition and segment; the partition chosen for each column is the input
// for the next. It returns the extents in column order and the common partition and segment.
func (em *ExtentMap) CreateStripeColumnExtents(cols []StripeColumn, dbRoot uint16, partitionNum uint32) ([]CreatedExtent, uint32, uint16, error) {
	if len(cols) == 0 {
		return nil, partitionNum, 0, nil
	}
	for _, c := range cols {
		if err := checkCreate(c.OID, dbRoot); err != nil {
			return nil, partitionNum, 0, err
		}
	}
	p := em.checkReloadConfig()
	out := make([]CreatedExtent, 0, len(cols))
	var segmentNum uint16
	err := em.write(func(undo *transaction.UndoLog) error {
		if _, err := em.table.EnsureCapacity(len(cols)); err != nil {
			return err
		}
		for i, c := range cols {
			e, err := em.createColumnExtent(undo, p, c.OID, c.Width, dbRoot, c.ColType, partitionNum)
			if err != nil {
				return err
			}
			if i > 0 && (e.PartitionNum != partitionNum || e.SegmentNum != segmentNum) {
				em.logger.Error("inconsistent stripe extent creation",
					zap.Uint16("dbRoot", dbRoot),
					zap.Int32("baselineOID", int32(cols[0].OID)), zap.Uint32("baselinePartition", partitionNum),
					zap.Uint16("baselineSegment", segmentNum),
					zap.Int32("oid", int32(c.OID)), zap.Uint32("partition", e.PartitionNum),
					zap.Uint16("segment", e.SegmentNum))
				return common.Errorf(common.InvariantViolationError,
					"inconsistent segment extent creation on DBRoot %d: oid %d at %d.%d, oid %d at %d.%d",
					dbRoot, cols[0].OID, partitionNum, segmentNum, c.OID, e.PartitionNum, e.SegmentNum)
			}
			partitionNum, segmentNum = e.PartitionNum, e.SegmentNum
			out = append(out, created(&e))
		}
		return nil
	}, allLocks...)
	if err != nil {
		return nil, partitionNum, segmentNum, err
	}
	return out, partitionNum, segmentNum, nil
}
