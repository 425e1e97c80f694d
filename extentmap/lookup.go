package extentmap

import (
	"cmp"
	"slices"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// LocalAddress locates a block inside a segment file.
type LocalAddress struct {
	OID             common.OID
	DBRoot          uint16
	PartitionNum    uint32
	SegmentNum      uint16
	FileBlockOffset uint32
}

func checkOID(oid common.OID) error {
	if oid < 0 {
		return common.Errorf(common.InvalidArgumentError, "invalid OID %d", oid)
	}
	return nil
}

func checkLBID(lbid common.LBID) error {
	if lbid < 0 {
		return common.Errorf(common.InvalidArgumentError, "invalid LBID %d", lbid)
	}
	return nil
}

func notFoundLBID(lbid common.LBID) error {
	return common.Errorf(common.NotFoundError, "lbid %d is not allocated", lbid)
}

// compareExtents orders extents by DBRoot, partition, segment and block offset.
func compareExtents(a, b common.ExtentInfo) int {
	return cmp.Or(
		cmp.Compare(a.DBRoot, b.DBRoot),
		cmp.Compare(a.PartitionNum, b.PartitionNum),
		cmp.Compare(a.SegmentNum, b.SegmentNum),
		cmp.Compare(a.BlockOffset, b.BlockOffset),
	)
}

func compareStart(a, b common.ExtentInfo) int {
	return cmp.Compare(a.Range.Start, b.Range.Start)
}

// Lookup returns the first and last LBID of the extent containing lbid.
func (em *ExtentMap) Lookup(lbid common.LBID) (first, last common.LBID, err error) {
	if err := checkLBID(lbid); err != nil {
		return common.InvalidLBID, common.InvalidLBID, err
	}
	err = em.read(func() error {
		e, ok := em.table.FindByLBID(lbid)
		if !ok {
			return notFoundLBID(lbid)
		}
		first, last = e.Range.Start, e.Range.Last()
		return nil
	}, tableLocks...)
	return first, last, err
}

// LookupLocal translates lbid into the file and block offset it is stored at.
func (em *ExtentMap) LookupLocal(lbid common.LBID) (LocalAddress, error) {
	if err := checkLBID(lbid); err != nil {
		return LocalAddress{}, err
	}
	var addr LocalAddress
	err := em.read(func() error {
		e, ok := em.table.FindByLBID(lbid)
		if !ok {
			return notFoundLBID(lbid)
		}
		addr = LocalAddress{
			OID:             e.FileID,
			DBRoot:          e.DBRoot,
			PartitionNum:    e.PartitionNum,
			SegmentNum:      e.SegmentNum,
			FileBlockOffset: e.BlockOffset + uint32(lbid-e.Range.Start),
		}
		return nil
	}, tableLocks...)
	return addr, err
}

// findFileBlock returns the extent of (oid, partition, segment) holding fbo. With anyRoot false
// only dbRoot is searched. Requires the table and index locks.
func (em *ExtentMap) findFileBlock(oid common.OID, dbRoot uint16, anyRoot bool, partition uint32, segment uint16, fbo uint32) (common.ExtentInfo, bool) {
	roots := []uint16{dbRoot}
	if anyRoot {
		roots = em.index.DBRoots()
	}
	for _, root := range roots {
		for _, lbid := range em.index.FindPartition(root, oid, partition) {
			e, ok := em.table.Get(lbid)
			if !ok || e.SegmentNum != segment {
				continue
			}
			if e.BlockOffset <= fbo && fbo <= e.LastBlockOffset() {
				return e, true
			}
		}
	}
	return common.ExtentInfo{}, false
}

func (em *ExtentMap) lookupFileBlock(oid common.OID, dbRoot uint16, anyRoot bool, partition uint32, segment uint16, fbo uint32) (common.ExtentInfo, error) {
	if err := checkOID(oid); err != nil {
		return common.ExtentInfo{}, err
	}
	var e common.ExtentInfo
	err := em.read(func() error {
		var ok bool
		if e, ok = em.findFileBlock(oid, dbRoot, anyRoot, partition, segment, fbo); !ok {
			return common.Errorf(common.NotFoundError, "no extent of oid %d holds block %d of partition %d segment %d",
				oid, fbo, partition, segment)
		}
		return nil
	}, indexedLocks...)
	return e, err
}

// LookupLocalLBID translates a block offset of a segment file into its LBID.
func (em *ExtentMap) LookupLocalLBID(oid common.OID, partition uint32, segment uint16, fbo uint32) (common.LBID, error) {
	e, err := em.lookupFileBlock(oid, 0, true, partition, segment, fbo)
	if err != nil {
		return common.InvalidLBID, err
	}
	return e.Range.Start + common.LBID(fbo-e.BlockOffset), nil
}

// LookupLocalLBIDDBRoot is LookupLocalLBID restricted to the segment file on one DBRoot.
func (em *ExtentMap) LookupLocalLBIDDBRoot(oid common.OID, dbRoot uint16, partition uint32, segment uint16, fbo uint32) (common.LBID, error) {
	e, err := em.lookupFileBlock(oid, dbRoot, false, partition, segment, fbo)
	if err != nil {
		return common.InvalidLBID, err
	}
	return e.Range.Start + common.LBID(fbo-e.BlockOffset), nil
}

// LookupLocalStartLBID returns the first LBID of the extent holding a block of a segment file.
func (em *ExtentMap) LookupLocalStartLBID(oid common.OID, partition uint32, segment uint16, fbo uint32) (common.LBID, error) {
	e, err := em.lookupFileBlock(oid, 0, true, partition, segment, fbo)
	if err != nil {
		return common.InvalidLBID, err
	}
	return e.Range.Start, nil
}

// LookupByOID returns the LBID ranges of every in-service extent of oid, in LBID order.
func (em *ExtentMap) LookupByOID(oid common.OID) ([]common.LBIDRange, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	var ranges []common.LBIDRange
	err := em.read(func() error {
		for _, e := range em.extentsOfOID(oid, 0, true) {
			if e.Status != common.ExtentOutOfService {
				ranges = append(ranges, e.Range)
			}
		}
		return nil
	}, indexedLocks...)
	slices.SortFunc(ranges, func(a, b common.LBIDRange) int { return cmp.Compare(a.Start, b.Start) })
	return ranges, err
}

// GetExtents returns the extents of oid ordered by DBRoot, partition, segment and block offset.
func (em *ExtentMap) GetExtents(oid common.OID, includeOutOfService bool) ([]common.ExtentInfo, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	var out []common.ExtentInfo
	err := em.read(func() error {
		for _, e := range em.extentsOfOID(oid, 0, true) {
			if includeOutOfService || e.Status != common.ExtentOutOfService {
				out = append(out, e)
			}
		}
		return nil
	}, indexedLocks...)
	slices.SortFunc(out, compareExtents)
	return out, err
}

// GetExtentsDBRoot returns every extent of oid on dbRoot, out-of-service ones included, in the
// order of GetExtents.
func (em *ExtentMap) GetExtentsDBRoot(oid common.OID, dbRoot uint16) ([]common.ExtentInfo, error) {
	if err := checkOID(oid); err != nil {
		return nil, err
	}
	var out []common.ExtentInfo
	err := em.read(func() error {
		out = em.extentsOfOID(oid, dbRoot, false)
		return nil
	}, indexedLocks...)
	slices.SortFunc(out, compareExtents)
	return out, err
}

// GetExtentCountDBRoot counts the extents of oid on dbRoot.
func (em *ExtentMap) GetExtentCountDBRoot(oid common.OID, dbRoot uint16, includeOutOfService bool) (int, error) {
	if err := checkOID(oid); err != nil {
		return 0, err
	}
	n := 0
	err := em.read(func() error {
		for _, e := range em.extentsOfOID(oid, dbRoot, false) {
			if includeOutOfService || e.Status != common.ExtentOutOfService {
				n++
			}
		}
		return nil
	}, indexedLocks...)
	return n, err
}

// GetSysCatDBRoot returns the DBRoot of the lowest-LBID extent of a system catalog OID.
func (em *ExtentMap) GetSysCatDBRoot(oid common.OID) (uint16, error) {
	var dbRoot uint16
	err := em.read(func() error {
		found := false
		em.table.Scan(func(e common.ExtentInfo) bool {
			if e.FileID == oid {
				dbRoot, found = e.DBRoot, true
			}
			return !found
		})
		if !found {
			return common.Errorf(common.NotFoundError, "no extents for system catalog oid %d", oid)
		}
		return nil
	}, tableLocks...)
	return dbRoot, err
}

// GetFreeListEntries returns the free LBID ranges in slot order.
func (em *ExtentMap) GetFreeListEntries() ([]common.LBIDRange, error) {
	var out []common.LBIDRange
	err := em.read(func() error {
		out = em.freeList.Entries()
		return nil
	}, freeListLocks...)
	return out, err
}

// EntryCount returns the number of extents.
func (em *ExtentMap) EntryCount() (int, error) {
	n := 0
	err := em.read(func() error {
		n = em.table.Len()
		return nil
	}, tableLocks...)
	return n, err
}

// GetExtentRows returns the number of rows in one extent.
func (em *ExtentMap) GetExtentRows() int {
	return em.cfg.Config().ExtentMap.ExtentRows
}

// GetExtentSize returns the size in blocks of one extent of a column with the given width.
func (em *ExtentMap) GetExtentSize(colWidth uint16) int {
	return common.ExtentBlocks(em.GetExtentRows(), int(colWidth))
}

// GetFilesPerColumnPartition returns the number of segment files per column partition.
func (em *ExtentMap) GetFilesPerColumnPartition() int {
	return em.cfg.Config().ExtentMap.FilesPerColumnPartition
}

// GetExtentsPerSegmentFile returns the number of extents one segment file holds.
func (em *ExtentMap) GetExtentsPerSegmentFile() int {
	return em.cfg.Config().ExtentMap.ExtentsPerSegmentFile
}

// GetDBRootCount returns the number of DBRoots in the topology.
func (em *ExtentMap) GetDBRootCount() int {
	return em.topology.DBRootCount()
}

// GetPMDBRoots returns the DBRoots mounted on node.
func (em *ExtentMap) GetPMDBRoots(node int) []uint16 {
	return em.topology.PMDBRoots(node)
}
