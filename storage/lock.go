package storage

import (
	"os"
	"sync"
)

// processLock is a reader/writer lock that, when given a lock file, also excludes other processes
// through flock. Shared flocks are reference counted: the whole process holds one LOCK_SH while
// any of its goroutines holds the read side.
type processLock struct {
	mu   sync.RWMutex
	file *os.File

	readMu  sync.Mutex
	readers int
}

func newProcessLock(path string) (*processLock, error) {
	l := &processLock{}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	l.file = f
	return l, nil
}

func (l *processLock) RLock() error {
	l.mu.RLock()
	if l.file == nil {
		return nil
	}
	l.readMu.Lock()
	defer l.readMu.Unlock()
	if l.readers == 0 {
		if err := flockShared(l.file); err != nil {
			l.mu.RUnlock()
			return err
		}
	}
	l.readers++
	return nil
}

func (l *processLock) RUnlock() {
	if l.file != nil {
		l.readMu.Lock()
		l.readers--
		if l.readers == 0 {
			_ = funlock(l.file)
		}
		l.readMu.Unlock()
	}
	l.mu.RUnlock()
}

func (l *processLock) Lock() error {
	l.mu.Lock()
	if l.file == nil {
		return nil
	}
	if err := flockExclusive(l.file); err != nil {
		l.mu.Unlock()
		return err
	}
	return nil
}

func (l *processLock) Unlock() {
	if l.file != nil {
		_ = funlock(l.file)
	}
	l.mu.Unlock()
}

func (l *processLock) close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
