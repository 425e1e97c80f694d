package extentmap

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshotter periodically saves an ExtentMap to a snapshot file, so that a restart loses at most
// one interval of changes.
type Snapshotter struct {
	em       *ExtentMap
	path     string
	interval time.Duration
	logger   *zap.Logger
	shutdown chan struct{}
	done     sync.WaitGroup
	once     sync.Once
}

// NewSnapshotter creates a snapshotter saving em to path every interval.
func NewSnapshotter(em *ExtentMap, path string, interval time.Duration, logger *zap.Logger) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		em:       em,
		path:     path,
		interval: interval,
		logger:   logger.Named("snapshotter"),
		shutdown: make(chan struct{}),
	}
}

// Start begins saving in the background.
func (s *Snapshotter) Start() {
	s.done.Add(1)
	go s.saveLoop()
}

// Stop signals the snapshotter to shut down and blocks until the final save is complete. It is safe
// to call more than once.
func (s *Snapshotter) Stop() {
	s.once.Do(func() { close(s.shutdown) })
	s.done.Wait()
}

func (s *Snapshotter) save() {
	n, err := s.em.EntryCount()
	if err == nil && n == 0 {
		return
	}
	if err == nil {
		err = s.em.Save(s.path)
	}
	if err != nil {
		s.logger.Error("saving extent map snapshot", zap.String("path", s.path), zap.Error(err))
	}
}

func (s *Snapshotter) saveLoop() {
	defer s.done.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.save()
		case <-s.shutdown:
			// one final save on shutdown
			s.save()
			return
		}
	}
}
