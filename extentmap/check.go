package extentmap

import (
	"cmp"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

func unitRange(r common.LBIDRange) (uint64, uint64) {
	start := uint64(r.Start) / common.LBIDUnit
	return start, start + uint64(r.Size)
}

// CheckConsistency verifies the extent map against its invariants: extents and free ranges
// partition the LBID space exactly, free ranges are coalesced, the secondary index and the extent
// table list the same extents, and no extent sits on DBRoot 0. Every violation found is reported.
func (em *ExtentMap) CheckConsistency() error {
	var group errs.Group
	err := em.read(func() error {
		used := roaring.New()
		one := roaring.New()
		claim := func(what string, r common.LBIDRange) {
			lo, hi := unitRange(r)
			one.Clear()
			one.AddRange(lo, hi)
			if used.Intersects(one) {
				group.Add(common.Errorf(common.InvariantViolationError, "%s %s overlaps allocated or free space", what, r))
			}
			used.Or(one)
		}

		extents := 0
		em.table.Scan(func(e common.ExtentInfo) bool {
			extents++
			claim("extent", e.Range)
			if e.DBRoot == 0 {
				group.Add(common.Errorf(common.InvariantViolationError, "extent %s is on DBRoot 0", &e))
			}
			if !em.indexed(&e) {
				group.Add(common.Errorf(common.InvariantViolationError, "extent %s is missing from the secondary index", &e))
			}
			return true
		})

		free := em.freeList.Entries()
		for _, r := range free {
			claim("free range", r)
		}
		if n := used.GetCardinality(); n != uint64(common.LBIDSpaceUnits) {
			group.Add(common.Errorf(common.InvariantViolationError,
				"extents and free list cover %d of %d units", n, common.LBIDSpaceUnits))
		}

		slices.SortFunc(free, func(a, b common.LBIDRange) int { return cmp.Compare(a.Start, b.Start) })
		for i := 1; i < len(free); i++ {
			if free[i-1].End() == free[i].Start {
				group.Add(common.Errorf(common.InvariantViolationError, "free ranges %s and %s are not coalesced", free[i-1], free[i]))
			}
		}
		if em.freeList.Len() != len(free) {
			group.Add(common.Errorf(common.InvariantViolationError,
				"free list counts %d entries but holds %d", em.freeList.Len(), len(free)))
		}

		indexed := 0
		for _, root := range em.index.DBRoots() {
			for _, oid := range em.index.OIDs(root) {
				for _, lbid := range em.index.Find(root, oid) {
					indexed++
					e, ok := em.table.Get(lbid)
					if !ok || e.FileID != oid || e.DBRoot != root {
						group.Add(common.Errorf(common.InvariantViolationError,
							"secondary index lists lbid %d under DBRoot %d oid %d but the extent table does not", lbid, root, oid))
					}
				}
			}
		}
		if indexed != extents || em.table.Len() != extents {
			group.Add(common.Errorf(common.InvariantViolationError,
				"extent table holds %d extents (counted %d), secondary index %d", extents, em.table.Len(), indexed))
		}
		return nil
	}, allLocks...)
	if err != nil {
		return err
	}
	if err := group.Err(); err != nil {
		em.logger.Error("extent map is inconsistent", zap.Error(err))
		return err
	}
	return nil
}
