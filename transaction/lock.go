package transaction

import (
	"fmt"

	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/common"
)

// Resource names one of the three locks of the extent map. The numeric order is the acquisition order.
type Resource int

const (
	ExtentTableLock Resource = iota
	SecondaryIndexLock
	FreeListLock
	numResources
)

func (r Resource) String() string {
	switch r {
	case ExtentTableLock:
		return "ExtentTableLock"
	case SecondaryIndexLock:
		return "SecondaryIndexLock"
	case FreeListLock:
		return "FreeListLock"
	}
	return "Unknown resource"
}

// LockMode is the access a guard holds on a resource.
type LockMode int

const (
	LockNone LockMode = iota
	// LockRead may be held by any number of guards at once.
	LockRead
	// LockWrite excludes every other guard, in this process and, with lock files, in others.
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "LockNone"
	case LockRead:
		return "LockRead"
	case LockWrite:
		return "LockWrite"
	}
	return "Unknown lock mode"
}

// CoveredBy checks if a requested lock mode is already implied by a held mode.
func CoveredBy(req, held LockMode) bool {
	return req <= held
}

// Lockable is a reader/writer lock. storage.Segment implements it.
type Lockable interface {
	RLock() error
	RUnlock()
	Lock() error
	Unlock()
}

// Guard holds some prefix-ordered subset of the three extent map locks. Locks are always taken in
// Resource order and released in reverse; asking for a resource while holding a later one panics.
//
// A Guard belongs to one goroutine.
type Guard struct {
	locks [numResources]Lockable
	held  [numResources]LockMode
}

// NewGuard returns a guard over the three locks, holding none of them.
func NewGuard(table, index, freeList Lockable) *Guard {
	return &Guard{locks: [numResources]Lockable{table, index, freeList}}
}

// Mode returns the mode the guard holds r in.
func (g *Guard) Mode(r Resource) LockMode {
	return g.held[r]
}

// Holding reports whether any lock is held.
func (g *Guard) Holding() bool {
	for _, m := range g.held {
		if m != LockNone {
			return true
		}
	}
	return false
}

func (g *Guard) highestHeld() Resource {
	for r := numResources - 1; r >= 0; r-- {
		if g.held[r] != LockNone {
			return r
		}
	}
	return -1
}

// Acquire takes the given resources in mode. Resources must be listed in ascending order and none may
// precede a resource already held; resources already held in a covering mode are skipped. To raise
// the mode of a held resource use Upgrade.
func (g *Guard) Acquire(mode LockMode, resources ...Resource) error {
	common.Assert(mode != LockNone, "cannot acquire %s", mode)
	for i, r := range resources {
		common.Assert(r >= 0 && r < numResources, "unknown resource %d", r)
		common.Assert(i == 0 || resources[i-1] < r, "resources must be acquired in order, got %v", resources)
		if held := g.held[r]; held != LockNone {
			common.Assert(CoveredBy(mode, held), "%s is held in %s, upgrade to %s instead", r, held, mode)
			continue
		}
		common.Assert(g.highestHeld() < r, "cannot acquire %s while holding %s", r, g.highestHeld())
		if err := g.lock(r, mode); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) lock(r Resource, mode LockMode) error {
	var err error
	if mode == LockWrite {
		err = g.locks[r].Lock()
	} else {
		err = g.locks[r].RLock()
	}
	if err != nil {
		return fmt.Errorf("acquiring %s in %s: %w", r, mode, err)
	}
	g.held[r] = mode
	return nil
}

func (g *Guard) unlock(r Resource) {
	switch g.held[r] {
	case LockWrite:
		g.locks[r].Unlock()
	case LockRead:
		g.locks[r].RUnlock()
	}
	g.held[r] = LockNone
}

// Release gives up r, which must be the last resource held.
func (g *Guard) Release(r Resource) {
	common.Assert(g.highestHeld() == r, "releasing %s out of order", r)
	g.unlock(r)
}

// ReleaseAll gives up every held lock, last acquired first.
func (g *Guard) ReleaseAll() {
	for r := numResources - 1; r >= 0; r-- {
		g.unlock(r)
	}
}

// Upgrade re-acquires every held lock in write mode. The locks are released in between, so anything
// read under the old locks must be revalidated.
func (g *Guard) Upgrade() error {
	return g.reacquire(LockWrite)
}

// Downgrade re-acquires every held lock in read mode.
func (g *Guard) Downgrade() error {
	return g.reacquire(LockRead)
}

func (g *Guard) reacquire(mode LockMode) error {
	var held []Resource
	for r := Resource(0); r < numResources; r++ {
		if g.held[r] != LockNone {
			held = append(held, r)
		}
	}
	g.ReleaseAll()
	return g.Acquire(mode, held...)
}
