package brm

import (
	"errors"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	// Imports all sub-components
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/catalog"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/config"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/extentmap"
	"github.com/mariadb-corporation/mariadb-columnstore-engine-sub004/storage"
)

// System is the top-level container of the block resolution manager.
type System struct {
	Config      *config.Provider
	Logger      *zap.Logger
	Segments    *storage.SegmentTable
	Topology    *catalog.Topology
	Metrics     *extentmap.Metrics
	ExtentMap   *extentmap.ExtentMap
	Snapshotter *extentmap.Snapshotter
}

// NewSystem builds a System from the configuration file at configPath (empty for defaults). If the
// configured snapshot exists it is loaded, and a snapshotter keeps saving to it. Metrics are
// registered with reg unless it is nil.
func NewSystem(configPath string, reg prometheus.Registerer) (*System, error) {
	provider, err := config.NewProvider(configPath)
	if err != nil {
		return nil, err
	}
	cfg := provider.Config()

	logger, err := config.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	segments, err := storage.NewSegmentTable(storage.SegmentTableOptions{
		Dir:            cfg.Storage.SegmentDir,
		SharedLockFile: cfg.Storage.SharedLockFile,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	topology := catalog.NewStaticTopology()
	if cfg.Topology.Path != "" {
		if topology, err = catalog.NewTopology(catalog.NewDiskTopologyManager(cfg.Topology.Path)); err != nil {
			return nil, errs.Combine(err, segments.Close())
		}
	}

	metrics := extentmap.NewMetrics(reg)
	em, err := extentmap.New(extentmap.Options{
		Segments: segments,
		Config:   provider,
		Topology: topology,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, errs.Combine(err, segments.Close())
	}

	s := &System{
		Config:    provider,
		Logger:    logger,
		Segments:  segments,
		Topology:  topology,
		Metrics:   metrics,
		ExtentMap: em,
	}
	if path := cfg.Snapshot.Path; path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := em.Load(path); err != nil {
				return nil, errs.Combine(err, segments.Close())
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, errs.Combine(err, segments.Close())
		}
		s.Snapshotter = extentmap.NewSnapshotter(em, path, cfg.Snapshot.Interval, logger)
		s.Snapshotter.Start()
	}
	logger.Info("block resolution manager started",
		zap.String("segmentDir", cfg.Storage.SegmentDir), zap.Int("dbRoots", topology.DBRootCount()))
	return s, nil
}

// Close saves a final snapshot and releases the shared segments.
func (s *System) Close() error {
	if s.Snapshotter != nil {
		s.Snapshotter.Stop()
	}
	err := s.Segments.Close()
	_ = s.Logger.Sync()
	return err
}
