package extentmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/transaction"
)

func TestCheckConsistency_DetectsCorruption(t *testing.T) {
	em := newTestExtentMap(t)
	createColumn(t, em, 42, 3)
	requireConsistent(t, em)

	// an extent that bypassed both the free list and the secondary index
	stray := snapshotExtent(1<<20, 7)
	require.NoError(t, em.write(func(*transaction.UndoLog) error {
		_, err := em.table.EnsureCapacity(1)
		if err != nil {
			return err
		}
		return em.table.Insert(stray)
	}, tableLocks...))

	err := em.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps allocated or free space")
	assert.Contains(t, err.Error(), "missing from the secondary index")
}

func TestCheckConsistency_StaleIndexEntry(t *testing.T) {
	em := newTestExtentMap(t)
	created := createColumn(t, em, 42, 2)

	require.NoError(t, em.write(func(*transaction.UndoLog) error {
		e, ok := em.table.Get(created[1].StartLBID)
		require.True(t, ok)
		e.FileID = 43
		return em.table.Update(e)
	}, tableLocks...))

	err := em.CheckConsistency()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secondary index lists lbid")
}
