package transaction

import (
	"github.com/zeebo/errs"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

// UndoLog collects the prior state of everything a transaction changed in the extent map. It is
// consumed exactly once, by Commit or by Rollback, and is never persisted.
type UndoLog struct {
	target  ExtentUndoTarget
	records []UndoRecord
}

// NewUndoLog returns an empty log whose extent records are inverted through target.
func NewUndoLog(target ExtentUndoTarget) *UndoLog {
	return &UndoLog{target: target, records: make([]UndoRecord, 0, 16)}
}

// Len returns the number of records.
func (l *UndoLog) Len() int {
	return len(l.records)
}

// Records returns the kinds of the logged records, oldest first.
func (l *UndoLog) Records() []UndoKind {
	kinds := make([]UndoKind, len(l.records))
	for i := range l.records {
		kinds[i] = l.records[i].Kind
	}
	return kinds
}

// RecordInsert logs a newly inserted extent.
func (l *UndoLog) RecordInsert(e common.ExtentInfo) {
	l.records = append(l.records, UndoRecord{Kind: UndoInsert, Extent: e})
}

// RecordDelete logs an extent about to be deleted.
func (l *UndoLog) RecordDelete(e common.ExtentInfo) {
	l.records = append(l.records, UndoRecord{Kind: UndoDelete, Extent: e})
}

// RecordUpdate logs an extent about to be overwritten.
func (l *UndoLog) RecordUpdate(prior common.ExtentInfo) {
	l.records = append(l.records, UndoRecord{Kind: UndoUpdate, Extent: prior})
}

// RecordFreeSlot implements storage.SlotRecorder.
func (l *UndoLog) RecordFreeSlot(fl *storage.FreeList, index int, prior common.LBIDRange) {
	l.records = append(l.records, UndoRecord{Kind: UndoFreeSlot, FreeList: fl, SlotIndex: index, PriorSlot: prior})
}

// Commit discards the log, making the changes permanent.
func (l *UndoLog) Commit() {
	l.records = l.records[:0]
}

// Rollback inverts every logged change, newest first, and empties the log. Every record is applied
// even if some fail; the failures are returned together.
func (l *UndoLog) Rollback() error {
	var group errs.Group
	for i := len(l.records) - 1; i >= 0; i-- {
		group.Add(l.records[i].apply(l.target))
	}
	l.records = l.records[:0]
	return group.Err()
}
