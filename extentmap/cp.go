package extentmap

import (
	"slices"

	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

// Sequence numbers with a special meaning in SetMaxMin and SetExtentsMaxMin.
const (
	// SeqNumMarkInvalid marks the range INVALID and ignores the min/max passed in.
	SeqNumMarkInvalid int32 = -1
	// SeqNumMarkInvalidSetRange stores the min/max passed in but leaves the range INVALID.
	SeqNumMarkInvalidSetRange int32 = -2
	// SeqNumMarkUpdatingInvalidSetRange is SeqNumMarkInvalidSetRange applied only to extents being
	// updated. The sequence number advances either way.
	SeqNumMarkUpdatingInvalidSetRange int32 = -3
)

// CPUpdate is a min/max for one extent, tagged with the sequence number the writer read.
type CPUpdate struct {
	Max    int64
	Min    int64
	SeqNum int32
}

// CPMerge is a min/max that bulk import merges into an extent's range.
type CPMerge struct {
	Max  int64
	Min  int64
	Type common.ColType
	// NewExtent allows an INVALID extent to take the range as its first one.
	NewExtent bool
}

// CPInfo is the casual partitioning state of the extent holding an LBID.
type CPInfo struct {
	LBID common.LBID
	common.CPRange
}

// findCP returns the extent holding lbid. Requires the table lock.
func (em *ExtentMap) findCP(lbid common.LBID) (common.ExtentInfo, error) {
	if err := checkLBID(lbid); err != nil {
		return common.ExtentInfo{}, err
	}
	e, ok := em.table.FindByLBID(lbid)
	if !ok {
		return common.ExtentInfo{}, notFoundLBID(lbid)
	}
	return e, nil
}

func (em *ExtentMap) markInvalid(undo *transaction.UndoLog, lbid common.LBID, colType common.ColType) (int32, error) {
	e, err := em.findCP(lbid)
	if err != nil {
		return 0, err
	}
	e.CP.LoVal, e.CP.HiVal = colType.UpdatingSentinels()
	e.CP.State = common.CPUpdating
	e.CP.SeqNum = common.IncSeqNum(e.CP.SeqNum)
	if err := em.updateExtent(undo, e); err != nil {
		return 0, err
	}
	return e.CP.SeqNum, nil
}

// MarkInvalid flags the extent holding lbid as being updated and returns its new sequence number.
// A writer passes that number back to SetMaxMin when it is done.
func (em *ExtentMap) MarkInvalid(lbid common.LBID, colType common.ColType) (int32, error) {
	var seq int32
	err := em.write(func(undo *transaction.UndoLog) (err error) {
		seq, err = em.markInvalid(undo, lbid, colType)
		return err
	}, tableLocks...)
	return seq, err
}

// MarkInvalids is MarkInvalid for many extents. LBIDs that are not allocated are logged and
// skipped.
func (em *ExtentMap) MarkInvalids(lbids []common.LBID, colTypes []common.ColType) error {
	if len(lbids) != len(colTypes) {
		return common.Errorf(common.InvalidArgumentError, "%d LBIDs but %d column types", len(lbids), len(colTypes))
	}
	return em.write(func(undo *transaction.UndoLog) error {
		for i, lbid := range lbids {
			if _, err := em.markInvalid(undo, lbid, colTypes[i]); err != nil {
				if !common.IsCode(err, common.NotFoundError) {
					return err
				}
				em.logger.Warn("mark invalid: skipping unallocated lbid", zap.Int64("lbid", int64(lbid)))
			}
		}
		return nil
	}, tableLocks...)
}

// applyMaxMin applies one sequence-checked min/max update to e and reports whether e changed.
func (em *ExtentMap) applyMaxMin(e *common.ExtentInfo, u CPUpdate) bool {
	switch {
	case u.SeqNum == e.CP.SeqNum:
		e.CP.LoVal, e.CP.HiVal = u.Min, u.Max
		e.CP.State = common.CPValid
	case u.SeqNum == SeqNumMarkInvalid:
		e.CP.State = common.CPInvalid
	case u.SeqNum == SeqNumMarkInvalidSetRange:
		e.CP.LoVal, e.CP.HiVal = u.Min, u.Max
		e.CP.State = common.CPInvalid
	case u.SeqNum == SeqNumMarkUpdatingInvalidSetRange:
		if e.CP.State == common.CPUpdating {
			e.CP.LoVal, e.CP.HiVal = u.Min, u.Max
			e.CP.State = common.CPInvalid
		}
	default:
		em.metrics.CPUpdatesDropped.Inc()
		em.logger.Debug("dropping min/max update with a stale sequence number",
			zap.Int64("lbid", int64(e.Range.Start)), zap.Int32("seq", u.SeqNum), zap.Int32("current", e.CP.SeqNum))
		return false
	}
	e.CP.SeqNum = common.IncSeqNum(e.CP.SeqNum)
	em.metrics.CPUpdatesApplied.Inc()
	return true
}

// SetMaxMin stores the min/max of the extent holding lbid if its sequence number still equals
// seqNum, that is if nobody invalidated the extent since the caller's MarkInvalid. Otherwise the
// update is dropped without error. The negative SeqNum* constants override the check.
func (em *ExtentMap) SetMaxMin(lbid common.LBID, max, min int64, seqNum int32) error {
	return em.SetExtentsMaxMin(map[common.LBID]CPUpdate{lbid: {Max: max, Min: min, SeqNum: seqNum}})
}

// SetExtentsMaxMin is SetMaxMin for many extents. Every allocated LBID is updated even if some are
// not; those are then reported with a NotFound error.
func (em *ExtentMap) SetExtentsMaxMin(updates map[common.LBID]CPUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		var missing []common.LBID
		for _, lbid := range sortedKeys(updates) {
			e, err := em.findCP(lbid)
			if common.IsCode(err, common.NotFoundError) {
				missing = append(missing, lbid)
				continue
			}
			if err != nil {
				return err
			}
			if em.applyMaxMin(&e, updates[lbid]) {
				if err := em.updateExtent(undo, e); err != nil {
					return err
				}
			}
		}
		if len(missing) > 0 {
			return common.Errorf(common.NotFoundError, "set min/max: lbids %v are not allocated", missing)
		}
		return nil
	}, tableLocks...)
}

// cpLess compares casual partitioning values with the ordering of t.
func cpLess(a, b int64, t common.ColType) bool {
	switch {
	case t.IsCharType():
		return common.CharOrder(a) < common.CharOrder(b)
	case t.IsUnsigned():
		return uint64(a) < uint64(b)
	default:
		return a < b
	}
}

// applyMerge merges m into e and reports whether e changed.
func applyMerge(e *common.ExtentInfo, m CPMerge) bool {
	valid := common.IsValidCPRange(m.Max, m.Min, m.Type)
	switch e.CP.State {
	case common.CPValid:
		if !valid {
			return false
		}
		if common.IsValidCPRange(e.CP.HiVal, e.CP.LoVal, m.Type) {
			if cpLess(m.Min, e.CP.LoVal, m.Type) {
				e.CP.LoVal = m.Min
			}
			if cpLess(e.CP.HiVal, m.Max, m.Type) {
				e.CP.HiVal = m.Max
			}
		} else {
			// VALID but empty: nothing to merge with
			e.CP.LoVal, e.CP.HiVal = m.Min, m.Max
		}
	case common.CPUpdating:
		if valid {
			e.CP.LoVal, e.CP.HiVal = m.Min, m.Max
		}
		e.CP.State = common.CPValid
	default:
		if m.NewExtent {
			if valid {
				e.CP.LoVal, e.CP.HiVal = m.Min, m.Max
			}
			// an empty new extent is still VALID
			e.CP.State = common.CPValid
		}
	}
	e.CP.SeqNum = common.IncSeqNum(e.CP.SeqNum)
	return true
}

// MergeExtentsMaxMin folds bulk-import min/max values into the ranges of the extents starting at
// the map's LBIDs. VALID ranges are widened, extents being updated take the new range, and INVALID
// extents only become VALID when flagged as new. All matching extents are merged before unknown
// LBIDs are reported as NotFound.
func (em *ExtentMap) MergeExtentsMaxMin(merges map[common.LBID]CPMerge) error {
	if len(merges) == 0 {
		return nil
	}
	return em.write(func(undo *transaction.UndoLog) error {
		var missing []common.LBID
		for _, lbid := range sortedKeys(merges) {
			e, err := em.findCP(lbid)
			if common.IsCode(err, common.NotFoundError) {
				missing = append(missing, lbid)
				continue
			}
			if err != nil {
				return err
			}
			if applyMerge(&e, merges[lbid]) {
				if err := em.updateExtent(undo, e); err != nil {
					return err
				}
				em.metrics.CPUpdatesApplied.Inc()
			}
		}
		if len(missing) > 0 {
			return common.Errorf(common.NotFoundError, "merge min/max: lbids %v are not allocated", missing)
		}
		return nil
	}, tableLocks...)
}

// GetMaxMin returns the casual partitioning range of the extent holding lbid.
func (em *ExtentMap) GetMaxMin(lbid common.LBID) (max, min int64, seqNum int32, state common.CPState, err error) {
	cp, err := em.GetCPRange(lbid)
	if err != nil {
		return 0, 0, 0, common.CPInvalid, err
	}
	return cp.HiVal, cp.LoVal, cp.SeqNum, cp.State, nil
}

// GetCPRange returns the casual partitioning range of the extent holding lbid.
func (em *ExtentMap) GetCPRange(lbid common.LBID) (common.CPRange, error) {
	var cp common.CPRange
	err := em.read(func() error {
		e, err := em.findCP(lbid)
		if err != nil {
			return err
		}
		cp = e.CP
		return nil
	}, tableLocks...)
	return cp, err
}

// GetExtentMaxMin returns the ranges of the extents holding lbids, in the order given. Unknown LBIDs
// are left out and reported with a NotFound error alongside the ranges that were found.
func (em *ExtentMap) GetExtentMaxMin(lbids []common.LBID) ([]CPInfo, error) {
	out := make([]CPInfo, 0, len(lbids))
	var missing []common.LBID
	err := em.read(func() error {
		for _, lbid := range lbids {
			e, err := em.findCP(lbid)
			if common.IsCode(err, common.NotFoundError) {
				missing = append(missing, lbid)
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, CPInfo{LBID: lbid, CPRange: e.CP})
		}
		return nil
	}, tableLocks...)
	if err == nil && len(missing) > 0 {
		err = common.Errorf(common.NotFoundError, "get min/max: lbids %v are not allocated", missing)
	}
	return out, err
}

func sortedKeys[V any](m map[common.LBID]V) []common.LBID {
	keys := make([]common.LBID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
