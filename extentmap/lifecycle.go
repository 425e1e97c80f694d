package extentmap

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// ExtentsInfo locates the last extent to keep of one OID in DeleteEmptyColExtents and
// DeleteEmptyDictStoreExtents.
type ExtentsInfo struct {
	DBRoot       uint16
	PartitionNum uint32
	SegmentNum   uint16
	HWM          uint32
	// NewFile marks a dictionary file created by the failed load; all of its extents go.
	NewFile bool
}

// deleteOIDs deletes every extent of oids and reports the OIDs that had none. Requires every
// write lock.
func (em *ExtentMap) deleteOIDs(undo *transaction.UndoLog, oids []common.OID) ([]common.OID, error) {
	var empty []common.OID
	for _, oid := range oids {
		extents := em.extentsOfOID(oid, 0, true)
		if len(extents) == 0 {
			empty = append(empty, oid)
			continue
		}
		roots := map[uint16]struct{}{}
		for _, e := range extents {
			if err := em.deleteExtent(undo, e, false); err != nil {
				return nil, err
			}
			roots[e.DBRoot] = struct{}{}
		}
		for root := range roots {
			if err := em.index.DeleteOID(root, oid); err != nil {
				return nil, err
			}
		}
	}
	return empty, nil
}

// DeleteOID deletes every extent of oid and returns their ranges to the free list.
func (em *ExtentMap) DeleteOID(oid common.OID) error {
	if oid < 0 {
		return common.Errorf(common.InvalidArgumentError, "OID must be >= 0, got %d", oid)
	}
	return em.write(func(undo *transaction.UndoLog) error {
		empty, err := em.deleteOIDs(undo, []common.OID{oid})
		if err != nil {
			return err
		}
		if len(empty) > 0 {
			return common.Errorf(common.NotFoundError, "no extents for oid %d", oid)
		}
		em.logger.Info("oid deleted", zap.Int32("oid", int32(oid)))
		return nil
	}, allLocks...)
}

// DeleteOIDs deletes every extent of each OID. OIDs without extents are ignored.
func (em *ExtentMap) DeleteOIDs(oids []common.OID) error {
	if len(oids) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		unique := make([]common.OID, 0, len(oids))
		for oid := range oidSet(oids) {
			unique = append(unique, oid)
		}
		_, err := em.deleteOIDs(undo, unique)
		return err
	}, allLocks...)
}

func oidSet(oids []common.OID) map[common.OID]struct{} {
	set := make(map[common.OID]struct{}, len(oids))
	for _, oid := range oids {
		set[oid] = struct{}{}
	}
	return set
}

func partitionOf(e *common.ExtentInfo) common.LogicalPartition {
	return common.LogicalPartition{DBRoot: e.DBRoot, PartitionNum: e.PartitionNum, SegmentNum: e.SegmentNum}
}

// partitionExtents returns the extents of oids lying in partitions. Partitions without any such
// extent fail the call with NotFound. Requires the table and index locks.
func (em *ExtentMap) partitionExtents(oids []common.OID, partitions []common.LogicalPartition) ([]common.ExtentInfo, error) {
	wanted := make(map[common.LogicalPartition]bool, len(partitions))
	for _, lp := range partitions {
		wanted[lp] = false
	}
	var out []common.ExtentInfo
	for oid := range oidSet(oids) {
		for _, e := range em.extentsOfOID(oid, 0, true) {
			lp := partitionOf(&e)
			if _, ok := wanted[lp]; ok {
				wanted[lp] = true
				out = append(out, e)
			}
		}
	}
	var missing []string
	for _, lp := range partitions {
		if !wanted[lp] {
			missing = append(missing, lp.String())
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, common.Errorf(common.NotFoundError, "partitions %s do not exist", strings.Join(missing, ", "))
	}
	return out, nil
}

// DeletePartition deletes the extents of oids in the given logical partitions. Nothing is deleted
// if any partition does not exist.
func (em *ExtentMap) DeletePartition(oids []common.OID, partitions []common.LogicalPartition) error {
	if len(oids) == 0 || len(partitions) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		extents, err := em.partitionExtents(oids, partitions)
		if err != nil {
			return err
		}
		for _, e := range extents {
			if err := em.deleteExtent(undo, e, true); err != nil {
				return err
			}
		}
		em.logger.Info("partitions deleted", zap.Int("partitions", len(partitions)), zap.Int("extents", len(extents)))
		return nil
	}, allLocks...)
}

// setStatus changes the status of extents, reporting whether any already had it.
func (em *ExtentMap) setStatus(undo *transaction.UndoLog, extents []common.ExtentInfo, status common.ExtentStatus) (bool, error) {
	already := false
	for _, e := range extents {
		if e.Status == status {
			already = true
			continue
		}
		e.Status = status
		if err := em.updateExtent(undo, e); err != nil {
			return false, err
		}
	}
	return already, nil
}

// MarkPartitionForDeletion takes the extents of oids in the given logical partitions out of
// service. Nothing changes if any partition does not exist. If some extents were already out of
// service the rest are still disabled and PartitionAlreadyDisabled is returned.
func (em *ExtentMap) MarkPartitionForDeletion(oids []common.OID, partitions []common.LogicalPartition) error {
	if len(oids) == 0 || len(partitions) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		extents, err := em.partitionExtents(oids, partitions)
		if err != nil {
			return err
		}
		already, err := em.setStatus(undo, extents, common.ExtentOutOfService)
		if err != nil {
			return err
		}
		em.logger.Info("partitions disabled", zap.Int("partitions", len(partitions)))
		if already {
			return common.Errorf(common.PartitionAlreadyDisabledError, "some partitions were already disabled")
		}
		return nil
	}, indexedLocks...)
}

// MarkAllPartitionForDeletion takes every extent of oids out of service.
func (em *ExtentMap) MarkAllPartitionForDeletion(oids []common.OID) error {
	if len(oids) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		for oid := range oidSet(oids) {
			if _, err := em.setStatus(undo, em.extentsOfOID(oid, 0, true), common.ExtentOutOfService); err != nil {
				return err
			}
		}
		return nil
	}, indexedLocks...)
}

// RestorePartition puts the extents of oids in the given logical partitions back into service.
// Nothing changes if any partition does not exist. If some extents were already available the rest
// are still restored and PartitionAlreadyEnabled is returned.
func (em *ExtentMap) RestorePartition(oids []common.OID, partitions []common.LogicalPartition) error {
	if len(oids) == 0 || len(partitions) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		extents, err := em.partitionExtents(oids, partitions)
		if err != nil {
			return err
		}
		already, err := em.setStatus(undo, extents, common.ExtentAvailable)
		if err != nil {
			return err
		}
		em.logger.Info("partitions restored", zap.Int("partitions", len(partitions)))
		if already {
			return common.Errorf(common.PartitionAlreadyEnabledError, "some partitions were already enabled")
		}
		return nil
	}, indexedLocks...)
}

// GetOutOfServicePartitions returns the logical partitions of oid that hold disabled extents, in
// LogicalPartition order.
func (em *ExtentMap) GetOutOfServicePartitions(oid common.OID) ([]common.LogicalPartition, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	seen := map[common.LogicalPartition]struct{}{}
	err := em.read(func() error {
		for _, e := range em.extentsOfOID(oid, 0, true) {
			if e.Status == common.ExtentOutOfService {
				seen[partitionOf(&e)] = struct{}{}
			}
		}
		return nil
	}, indexedLocks...)
	out := make([]common.LogicalPartition, 0, len(seen))
	for lp := range seen {
		out = append(out, lp)
	}
	slices.SortFunc(out, func(a, b common.LogicalPartition) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out, err
}

// DeleteDBRoot deletes every extent on dbRoot.
func (em *ExtentMap) DeleteDBRoot(dbRoot uint16) error {
	return em.write(func(undo *transaction.UndoLog) error {
		extents := em.extentsOf(func(e *common.ExtentInfo) bool { return e.DBRoot == dbRoot })
		for _, e := range extents {
			if err := em.deleteExtent(undo, e, false); err != nil {
				return err
			}
		}
		if err := em.index.DeleteDBRoot(dbRoot); err != nil {
			return err
		}
		em.logger.Info("DBRoot deleted", zap.Uint16("dbRoot", dbRoot), zap.Int("extents", len(extents)))
		return nil
	}, allLocks...)
}

// IsDBRootEmpty reports whether no extent lives on dbRoot.
func (em *ExtentMap) IsDBRootEmpty(dbRoot uint16) (bool, error) {
	empty := true
	err := em.read(func() error {
		if em.table.Len() == 0 {
			return common.Errorf(common.InvariantViolationError, "extent map is not loaded")
		}
		em.table.Scan(func(e common.ExtentInfo) bool {
			empty = e.DBRoot != dbRoot
			return empty
		})
		return nil
	}, tableLocks...)
	return empty, err
}

// setHWMAvailable stores hwm in e and marks it AVAILABLE unless it already carries that HWM.
func (em *ExtentMap) setHWMAvailable(undo *transaction.UndoLog, e common.ExtentInfo, hwm uint32) error {
	if e.HWM == hwm {
		return nil
	}
	e.HWM = hwm
	e.Status = common.ExtentAvailable
	return em.updateExtent(undo, e)
}

// rollbackColumn deletes the extents of a column on dbRoot past the one holding hwm in
// (partitionNum, segmentNum), and resets the HWMs of the segment files that end in the last stripe
// kept. Out-of-service extents are left alone. Requires every write lock.
func (em *ExtentMap) rollbackColumn(undo *transaction.UndoLog, oid common.OID, deleteAll bool, dbRoot uint16, partitionNum uint32, segmentNum uint16, hwm uint32) error {
	var extents []common.ExtentInfo
	for _, e := range em.extentsOfOID(oid, dbRoot, false) {
		if e.Status != common.ExtentOutOfService {
			extents = append(extents, e)
		}
	}
	if len(extents) == 0 {
		return nil
	}
	slices.SortFunc(extents, compareStart)
	if deleteAll {
		for _, e := range extents {
			if err := em.deleteExtent(undo, e, true); err != nil {
				return err
			}
		}
		return nil
	}

	// block offsets of the stripe holding hwm and of the stripe before it
	stripe := extents[0].Blocks()
	fboLo := hwm - hwm%stripe
	fboHi := fboLo + stripe - 1
	var fboLoPrev uint32
	if fboLo > 0 {
		fboLoPrev = fboLo - stripe
	}

	for _, e := range extents {
		var err error
		switch {
		case e.PartitionNum > partitionNum:
			err = em.deleteExtent(undo, e, true)
		case e.PartitionNum < partitionNum:
		case e.BlockOffset > fboHi:
			err = em.deleteExtent(undo, e, true)
		case e.BlockOffset < fboLo:
			// trailing segment of the previous stripe is now the end of its file
			if e.BlockOffset >= fboLoPrev && e.SegmentNum > segmentNum {
				err = em.setHWMAvailable(undo, e, fboLo-1)
			}
		case e.SegmentNum > segmentNum:
			err = em.deleteExtent(undo, e, true)
		case e.SegmentNum < segmentNum:
			err = em.setHWMAvailable(undo, e, fboHi)
		default:
			err = em.setHWMAvailable(undo, e, hwm)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// rollbackDictStore deletes the extents of a dictionary store on dbRoot past those holding hwms in
// the given segment files of partitionNum. Other segment files of partitionNum are deleted too
// unless keepOthers is set. An empty hwms deletes them all. Requires every write lock.
func (em *ExtentMap) rollbackDictStore(undo *transaction.UndoLog, oid common.OID, dbRoot uint16, partitionNum uint32, segNums []uint16, hwms []uint32, keepOthers bool) error {
	var extents []common.ExtentInfo
	for _, e := range em.extentsOfOID(oid, dbRoot, false) {
		if e.Status != common.ExtentOutOfService {
			extents = append(extents, e)
		}
	}
	if len(extents) == 0 {
		return nil
	}
	slices.SortFunc(extents, compareStart)
	if len(hwms) == 0 {
		for _, e := range extents {
			if err := em.deleteExtent(undo, e, true); err != nil {
				return err
			}
		}
		return nil
	}

	type keep struct{ hwm, fboLo uint32 }
	stripe := extents[0].Blocks()
	keepSegs := make(map[uint16]keep, len(hwms))
	for i, hwm := range hwms {
		keepSegs[segNums[i]] = keep{hwm: hwm, fboLo: hwm - hwm%stripe}
	}

	for _, e := range extents {
		var err error
		switch {
		case e.PartitionNum > partitionNum:
			err = em.deleteExtent(undo, e, true)
		case e.PartitionNum < partitionNum:
		default:
			k, ok := keepSegs[e.SegmentNum]
			switch {
			case !ok && keepOthers:
			case !ok, e.BlockOffset > k.fboLo:
				err = em.deleteExtent(undo, e, true)
			case e.BlockOffset == k.fboLo:
				err = em.setHWMAvailable(undo, e, k.hwm)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RollbackColumnExtentsDBRoot undoes the extents a failed load added to a column on dbRoot, keeping
// everything up to hwm in (partitionNum, segmentNum). deleteAll removes every in-service extent of
// the column on dbRoot.
func (em *ExtentMap) RollbackColumnExtentsDBRoot(oid common.OID, deleteAll bool, dbRoot uint16, partitionNum uint32, segmentNum uint16, hwm uint32) error {
	if oid < 0 {
		return common.Errorf(common.InvalidArgumentError, "OID must be >= 0, got %d", oid)
	}
	return em.write(func(undo *transaction.UndoLog) error {
		return em.rollbackColumn(undo, oid, deleteAll, dbRoot, partitionNum, segmentNum, hwm)
	}, allLocks...)
}

// RollbackDictStoreExtentsDBRoot undoes the extents a failed load added to a dictionary store on
// dbRoot. segNums and hwms list the segment files of partitionNum to keep and their HWMs; files not
// listed, and later partitions, are deleted.
func (em *ExtentMap) RollbackDictStoreExtentsDBRoot(oid common.OID, dbRoot uint16, partitionNum uint32, segNums []uint16, hwms []uint32) error {
	if oid < 0 {
		return common.Errorf(common.InvalidArgumentError, "OID must be >= 0, got %d", oid)
	}
	if len(segNums) != len(hwms) {
		return common.Errorf(common.InvalidArgumentError, "%d segment numbers but %d HWMs", len(segNums), len(hwms))
	}
	return em.write(func(undo *transaction.UndoLog) error {
		return em.rollbackDictStore(undo, oid, dbRoot, partitionNum, segNums, hwms, false)
	}, allLocks...)
}

// DeleteEmptyColExtents deletes, for each column, the extents past the HWM extent described by its
// ExtentsInfo.
func (em *ExtentMap) DeleteEmptyColExtents(infos map[common.OID]ExtentsInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		for _, oid := range sortedOIDs(infos) {
			info := infos[oid]
			if err := em.rollbackColumn(undo, oid, false, info.DBRoot, info.PartitionNum, info.SegmentNum, info.HWM); err != nil {
				return err
			}
		}
		return nil
	}, allLocks...)
}

// DeleteEmptyDictStoreExtents deletes, for each dictionary store, the extents past the HWM extent
// described by its ExtentsInfo, or every extent of the file if it is new.
func (em *ExtentMap) DeleteEmptyDictStoreExtents(infos map[common.OID]ExtentsInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		for _, oid := range sortedOIDs(infos) {
			info := infos[oid]
			if !info.NewFile {
				err := em.rollbackDictStore(undo, oid, info.DBRoot, info.PartitionNum, []uint16{info.SegmentNum}, []uint32{info.HWM}, true)
				if err != nil {
					return err
				}
				continue
			}
			for _, e := range em.extentsOfOID(oid, info.DBRoot, false) {
				if e.PartitionNum != info.PartitionNum || e.SegmentNum != info.SegmentNum {
					continue
				}
				if err := em.deleteExtent(undo, e, true); err != nil {
					return err
				}
			}
		}
		return nil
	}, allLocks...)
}

func sortedOIDs[V any](m map[common.OID]V) []common.OID {
	oids := make([]common.OID, 0, len(m))
	for oid := range m {
		oids = append(oids, oid)
	}
	slices.Sort(oids)
	return oids
}
