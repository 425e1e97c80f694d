package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLock is an RWMutex that logs the order of lock operations.
type recordingLock struct {
	sync.RWMutex
	name string
	log  *[]string
	mu   *sync.Mutex
}

func (l *recordingLock) record(op string) {
	l.mu.Lock()
	*l.log = append(*l.log, op+" "+l.name)
	l.mu.Unlock()
}

func (l *recordingLock) RLock() error {
	l.RWMutex.RLock()
	l.record("r")
	return nil
}

func (l *recordingLock) RUnlock() {
	l.record("ru")
	l.RWMutex.RUnlock()
}

func (l *recordingLock) Lock() error {
	l.RWMutex.Lock()
	l.record("w")
	return nil
}

func (l *recordingLock) Unlock() {
	l.record("wu")
	l.RWMutex.Unlock()
}

func newRecordingGuard() (*Guard, *[]string, [3]*recordingLock) {
	log := &[]string{}
	mu := &sync.Mutex{}
	var locks [3]*recordingLock
	for i, name := range []string{"table", "index", "free"} {
		locks[i] = &recordingLock{name: name, log: log, mu: mu}
	}
	return NewGuard(locks[0], locks[1], locks[2]), log, locks
}

func TestGuard_OrderedAcquireAndRelease(t *testing.T) {
	g, log, _ := newRecordingGuard()
	require.NoError(t, g.Acquire(LockWrite, ExtentTableLock, SecondaryIndexLock, FreeListLock))
	assert.True(t, g.Holding())
	assert.Equal(t, LockWrite, g.Mode(SecondaryIndexLock))
	g.ReleaseAll()
	assert.False(t, g.Holding())
	assert.Equal(t, []string{"w table", "w index", "w free", "wu free", "wu index", "wu table"}, *log)
}

func TestGuard_RejectsOutOfOrder(t *testing.T) {
	g, _, _ := newRecordingGuard()
	require.NoError(t, g.Acquire(LockRead, FreeListLock))
	assert.Panics(t, func() { _ = g.Acquire(LockRead, ExtentTableLock) })
	g.ReleaseAll()

	assert.Panics(t, func() { _ = g.Acquire(LockRead, SecondaryIndexLock, ExtentTableLock) })
	g.ReleaseAll()

	require.NoError(t, g.Acquire(LockRead, ExtentTableLock, FreeListLock))
	assert.Panics(t, func() { g.Release(ExtentTableLock) }, "release must be in reverse order")
	g.Release(FreeListLock)
	g.Release(ExtentTableLock)
	assert.False(t, g.Holding())
}

func TestGuard_Reentrant(t *testing.T) {
	g, log, _ := newRecordingGuard()
	require.NoError(t, g.Acquire(LockWrite, ExtentTableLock))
	require.NoError(t, g.Acquire(LockRead, ExtentTableLock), "write covers read")
	require.NoError(t, g.Acquire(LockWrite, ExtentTableLock, FreeListLock))
	g.ReleaseAll()
	assert.Equal(t, []string{"w table", "w free", "wu free", "wu table"}, *log)

	require.NoError(t, g.Acquire(LockRead, ExtentTableLock))
	assert.Panics(t, func() { _ = g.Acquire(LockWrite, ExtentTableLock) }, "raising a mode needs Upgrade")
	g.ReleaseAll()
}

func TestGuard_UpgradeDowngrade(t *testing.T) {
	g, log, _ := newRecordingGuard()
	require.NoError(t, g.Acquire(LockRead, ExtentTableLock, SecondaryIndexLock))
	require.NoError(t, g.Upgrade())
	assert.Equal(t, LockWrite, g.Mode(ExtentTableLock))
	assert.Equal(t, LockWrite, g.Mode(SecondaryIndexLock))
	assert.Equal(t, LockNone, g.Mode(FreeListLock))
	require.NoError(t, g.Downgrade())
	assert.Equal(t, LockRead, g.Mode(ExtentTableLock))
	g.ReleaseAll()

	assert.Equal(t, []string{
		"r table", "r index",
		"ru index", "ru table", "w table", "w index",
		"wu index", "wu table", "r table", "r index",
		"ru index", "ru table",
	}, *log)
}

func TestGuard_WriteExcludesReaders(t *testing.T) {
	writer, _, locks := newRecordingGuard()
	reader := NewGuard(locks[0], locks[1], locks[2])

	require.NoError(t, writer.Acquire(LockWrite, ExtentTableLock))
	acquired := make(chan struct{})
	go func() {
		_ = reader.Acquire(LockRead, ExtentTableLock)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired the lock while a writer held it")
	case <-time.After(50 * time.Millisecond):
	}
	writer.ReleaseAll()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never acquired the lock")
	}
	reader.ReleaseAll()
}
