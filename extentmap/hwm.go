package extentmap

import (
	"slices"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// HWMInfo sets the high water mark of one segment file.
type HWMInfo struct {
	OID          common.OID
	PartitionNum uint32
	SegmentNum   uint16
	HWM          uint32
}

// DBRootUpdate moves the extent starting at StartLBID to DBRoot.
type DBRootUpdate struct {
	StartLBID common.LBID
	DBRoot    uint16
}

// LastHWM is the HWM extent of a column on one DBRoot.
type LastHWM struct {
	PartitionNum uint32
	SegmentNum   uint16
	HWM          uint32
	Status       common.ExtentStatus
}

// DBRootHWMInfo summarizes the blocks of a column on one DBRoot.
type DBRootHWMInfo struct {
	DBRoot       uint16
	PartitionNum uint32
	SegmentNum   uint16
	// BlockOffset is the file block offset of the HWM extent.
	BlockOffset uint32
	LocalHWM    uint32
	StartLBID   common.LBID
	Status      common.ExtentStatus
	// TotalBlocks counts the blocks written to the column on the DBRoot.
	TotalBlocks uint64
	// Found is false if the column has no extents on the DBRoot.
	Found bool
}

// extentsInFile returns the extents of one segment file, on whatever DBRoot it lives, in LBID
// order. Requires the table and index locks.
func (em *ExtentMap) extentsInFile(oid common.OID, partitionNum uint32, segmentNum uint16) []common.ExtentInfo {
	var out []common.ExtentInfo
	for _, root := range em.index.DBRoots() {
		for _, lbid := range em.index.FindPartition(root, oid, partitionNum) {
			e, ok := em.table.Get(lbid)
			if ok && e.SegmentNum == segmentNum {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, compareStart)
	return out
}

// GetLastHWMDBRoot returns the HWM extent of oid on dbRoot, considering AVAILABLE and out-of-service
// extents. found is false if there is none.
func (em *ExtentMap) GetLastHWMDBRoot(oid common.OID, dbRoot uint16) (last LastHWM, found bool, err error) {
	if err := checkOID(oid); err != nil {
		return LastHWM{}, false, err
	}
	err = em.read(func() error {
		var hwmExtent *common.ExtentInfo
		extents := em.extentsOfOID(oid, dbRoot, false)
		for i := range extents {
			e := &extents[i]
			if e.Status == common.ExtentUnavailable {
				continue
			}
			if hwmExtent == nil || atOrAfter(e, hwmExtent) {
				hwmExtent = e
			}
		}
		if hwmExtent != nil {
			last = LastHWM{
				PartitionNum: hwmExtent.PartitionNum,
				SegmentNum:   hwmExtent.SegmentNum,
				HWM:          hwmExtent.HWM,
				Status:       hwmExtent.Status,
			}
			found = true
		}
		return nil
	}, indexedLocks...)
	return last, found, err
}

// GetDBRootHWMInfo reports, for each DBRoot mounted on node, the HWM extent of oid and the number
// of blocks the column has written there.
func (em *ExtentMap) GetDBRootHWMInfo(oid common.OID, node int) ([]DBRootHWMInfo, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	roots := em.topology.PMDBRoots(node)
	if len(roots) == 0 {
		return nil, common.Errorf(common.InvalidArgumentError, "node %d has no DBRoots", node)
	}
	infos := make([]DBRootHWMInfo, len(roots))
	err := em.read(func() error {
		for i, root := range roots {
			info := &infos[i]
			info.DBRoot = root
			for _, e := range em.extentsOfOID(oid, root, false) {
				if e.Status != common.ExtentOutOfService && e.HWM != 0 {
					info.TotalBlocks += uint64(e.HWM) + 1
				}
				hwmExtent := common.ExtentInfo{PartitionNum: info.PartitionNum, BlockOffset: info.BlockOffset, SegmentNum: info.SegmentNum}
				if !info.Found || atOrAfter(&e, &hwmExtent) {
					info.PartitionNum, info.SegmentNum, info.BlockOffset = e.PartitionNum, e.SegmentNum, e.BlockOffset
					info.LocalHWM, info.StartLBID, info.Status = e.HWM, e.Range.Start, e.Status
					info.Found = true
				}
			}
		}
		return nil
	}, indexedLocks...)
	if err != nil {
		return nil, err
	}
	for i := range infos {
		info := &infos[i]
		if !info.Found {
			continue
		}
		if info.Status == common.ExtentUnavailable {
			return nil, common.Errorf(common.InvariantViolationError,
				"oid %d has an UNAVAILABLE HWM extent on DBRoot %d: partition %d segment %d offset %d lbid %d",
				oid, info.DBRoot, info.PartitionNum, info.SegmentNum, info.BlockOffset, info.StartLBID)
		}
		// a file holding a single block at HWM 0 still has that block
		if info.LocalHWM == 0 && info.Status == common.ExtentAvailable {
			info.TotalBlocks++
		}
	}
	return infos, nil
}

// GetLocalHWM returns the HWM of a segment file and the status of its extents. A file that exists
// but carries no HWM yet reports 0.
func (em *ExtentMap) GetLocalHWM(oid common.OID, partitionNum uint32, segmentNum uint16) (uint32, common.ExtentStatus, error) {
	if err := checkOID(oid); err != nil {
		return 0, common.ExtentAvailable, err
	}
	var (
		hwm    uint32
		status common.ExtentStatus
	)
	err := em.read(func() error {
		extents := em.extentsInFile(oid, partitionNum, segmentNum)
		if len(extents) == 0 {
			return common.Errorf(common.NotFoundError, "no extents for oid %d partition %d segment %d", oid, partitionNum, segmentNum)
		}
		status = extents[len(extents)-1].Status
		for _, e := range extents {
			if e.HWM != 0 {
				hwm, status = e.HWM, e.Status
				break
			}
		}
		return nil
	}, indexedLocks...)
	return hwm, status, err
}

// setLocalHWM stores hwm in the last extent of a segment file, marks it AVAILABLE and clears the
// HWM of the extent that carried it before. Requires the table and index write locks.
func (em *ExtentMap) setLocalHWM(undo *transaction.UndoLog, h HWMInfo) error {
	if h.OID < 0 {
		return common.Errorf(common.InvalidArgumentError, "OID must be >= 0, got %d", h.OID)
	}
	extents := em.extentsInFile(h.OID, h.PartitionNum, h.SegmentNum)
	if len(extents) == 0 {
		return common.Errorf(common.InvalidArgumentError, "no extents for oid %d partition %d segment %d",
			h.OID, h.PartitionNum, h.SegmentNum)
	}
	var lastEm, prevEm *common.ExtentInfo
	for i := range extents {
		e := &extents[i]
		if lastEm == nil || e.BlockOffset >= lastEm.BlockOffset {
			lastEm = e
		}
		if e.HWM != 0 {
			prevEm = e
		}
	}
	if h.HWM >= lastEm.BlockOffset+lastEm.Blocks() {
		return common.Errorf(common.InvalidArgumentError, "HWM %d is past the end of oid %d partition %d segment %d",
			h.HWM, h.OID, h.PartitionNum, h.SegmentNum)
	}
	lastEm.HWM = h.HWM
	lastEm.Status = common.ExtentAvailable
	if err := em.updateExtent(undo, *lastEm); err != nil {
		return err
	}
	if prevEm != nil && prevEm != lastEm {
		prevEm.HWM = 0
		return em.updateExtent(undo, *prevEm)
	}
	return nil
}

// SetLocalHWM sets the HWM of a segment file. Only the file's last extent carries the HWM.
func (em *ExtentMap) SetLocalHWM(oid common.OID, partitionNum uint32, segmentNum uint16, hwm uint32) error {
	return em.BulkSetHWM([]HWMInfo{{OID: oid, PartitionNum: partitionNum, SegmentNum: segmentNum, HWM: hwm}})
}

// BulkSetHWM sets the HWM of many segment files as one change.
func (em *ExtentMap) BulkSetHWM(hwms []HWMInfo) error {
	if len(hwms) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		for _, h := range hwms {
			if err := em.setLocalHWM(undo, h); err != nil {
				return err
			}
		}
		return nil
	}, indexedLocks...)
}

// BulkUpdateDBRoot moves extents to other DBRoots. Updates for unallocated LBIDs are reported with a
// NotFound error after the rest were applied.
func (em *ExtentMap) BulkUpdateDBRoot(updates []DBRootUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		var missing []common.LBID
		for _, u := range updates {
			if u.DBRoot == 0 {
				return common.Errorf(common.InvalidArgumentError, "cannot move lbid %d to DBRoot 0", u.StartLBID)
			}
			e, ok := em.table.Get(u.StartLBID)
			if !ok {
				missing = append(missing, u.StartLBID)
				continue
			}
			if e.DBRoot == u.DBRoot {
				continue
			}
			em.logger.Info("moving extent", zap.Int64("lbid", int64(u.StartLBID)),
				zap.Uint16("from", e.DBRoot), zap.Uint16("to", u.DBRoot))
			e.DBRoot = u.DBRoot
			if err := em.updateExtent(undo, e); err != nil {
				return err
			}
		}
		if len(missing) > 0 {
			return common.Errorf(common.NotFoundError, "update DBRoot: no extents start at lbids %v", missing)
		}
		return nil
	}, indexedLocks...)
}

// GetExtentState returns the status of a segment file's extents. found is false if the file has
// none.
func (em *ExtentMap) GetExtentState(oid common.OID, partitionNum uint32, segmentNum uint16) (status common.ExtentStatus, found bool, err error) {
	if err := checkOID(oid); err != nil {
		return common.ExtentAvailable, false, err
	}
	err = em.read(func() error {
		if extents := em.extentsInFile(oid, partitionNum, segmentNum); len(extents) > 0 {
			status, found = extents[0].Status, true
		}
		return nil
	}, indexedLocks...)
	return status, found, err
}
