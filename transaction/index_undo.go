package transaction

import (
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

// ExtentUndoTarget is implemented by the extent map to invert changes to its extent table. Each method
// must keep the secondary index in step with the table.
type ExtentUndoTarget interface {
	// UndoInsert removes the extent that was inserted.
	UndoInsert(inserted common.ExtentInfo) error
	// UndoDelete puts back the extent that was deleted.
	UndoDelete(deleted common.ExtentInfo) error
	// UndoUpdate overwrites the extent with its state before the update.
	UndoUpdate(prior common.ExtentInfo) error
}

// UndoKind tags the variant of an UndoRecord.
type UndoKind int

const (
	UndoInsert UndoKind = iota
	UndoDelete
	UndoUpdate
	// UndoFreeSlot restores one slot of the free list.
	UndoFreeSlot
)

func (k UndoKind) String() string {
	switch k {
	case UndoInsert:
		return "INSERT"
	case UndoDelete:
		return "DELETE"
	case UndoUpdate:
		return "UPDATE"
	case UndoFreeSlot:
		return "FREE_SLOT"
	}
	return "unknown"
}

// UndoRecord is a single undo action. It is a value struct to avoid a heap allocation per change.
type UndoRecord struct {
	Kind UndoKind
	// Extent is the prior state for UndoUpdate and UndoDelete and the new extent for UndoInsert.
	Extent common.ExtentInfo

	FreeList  *storage.FreeList
	SlotIndex int
	PriorSlot common.LBIDRange
}

func (r *UndoRecord) apply(target ExtentUndoTarget) error {
	switch r.Kind {
	case UndoInsert:
		return target.UndoInsert(r.Extent)
	case UndoDelete:
		return target.UndoDelete(r.Extent)
	case UndoUpdate:
		return target.UndoUpdate(r.Extent)
	case UndoFreeSlot:
		r.FreeList.RestoreSlot(r.SlotIndex, r.PriorSlot)
		return nil
	}
	panic("unhandled undo kind")
}
