package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is the error class for configuration failures.
var Error = errs.Class("config")

const (
	DefaultFilesPerColumnPartition = 4
	DefaultExtentsPerSegmentFile   = 2
	DefaultExtentRows              = 0x800000
	DefaultSnapshotInterval        = 5 * time.Minute
)

// ExtentMapConfig holds the placement tunables of the extent map.
type ExtentMapConfig struct {
	FilesPerColumnPartition int `toml:"files_per_column_partition"`
	ExtentsPerSegmentFile   int `toml:"extents_per_segment_file"`
	ExtentRows              int `toml:"extent_rows"`
}

// StorageConfig selects how shared segments are backed. An empty SegmentDir keeps every segment
// on the Go heap of the current process.
type StorageConfig struct {
	SegmentDir     string `toml:"segment_dir"`
	SharedLockFile bool   `toml:"shared_lock_file"`
}

type SnapshotConfig struct {
	Path     string        `toml:"path"`
	Interval time.Duration `toml:"interval"`
}

type TopologyConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Config is the full configuration of the block resolution manager.
type Config struct {
	ExtentMap ExtentMapConfig `toml:"extentmap"`
	Storage   StorageConfig   `toml:"storage"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Topology  TopologyConfig  `toml:"topology"`
	Log       LogConfig       `toml:"log"`
}

// Default returns a configuration with every tunable at its default value.
func Default() Config {
	var c Config
	c.SetDefaultValues()
	return c
}

// SetDefaultValues fills in every field left at its zero value.
func (c *Config) SetDefaultValues() {
	if c.ExtentMap.FilesPerColumnPartition <= 0 {
		c.ExtentMap.FilesPerColumnPartition = DefaultFilesPerColumnPartition
	}
	if c.ExtentMap.ExtentsPerSegmentFile <= 0 {
		c.ExtentMap.ExtentsPerSegmentFile = DefaultExtentsPerSegmentFile
	}
	if c.ExtentMap.ExtentRows <= 0 {
		c.ExtentMap.ExtentRows = DefaultExtentRows
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = DefaultSnapshotInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load decodes the TOML file at path and fills in defaults.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, Error.Wrap(err)
	}
	c.SetDefaultValues()
	return c, nil
}

// Provider serves the extent map tunables from a configuration file and re-reads the file when its
// modification time changes. A Provider without a path always serves its initial values.
type Provider struct {
	path string

	mu      sync.RWMutex
	cfg     Config
	modTime time.Time
}

// NewProvider loads the file at path. An empty path yields a provider over Default().
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path, cfg: Default()}
	if path == "" {
		return p, nil
	}
	if _, err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewStaticProvider returns a provider that always serves cfg.
func NewStaticProvider(cfg Config) *Provider {
	cfg.SetDefaultValues()
	return &Provider{cfg: cfg}
}

// Reload re-reads the configuration file if it changed since the last read. It reports whether new
// values were loaded.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}
	stat, err := os.Stat(p.path)
	if err != nil {
		return false, Error.Wrap(err)
	}

	p.mu.RLock()
	unchanged := stat.ModTime().Equal(p.modTime)
	p.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	cfg, err := Load(p.path)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	p.modTime = stat.ModTime()
	return true, nil
}

// Config returns a copy of the current configuration.
func (p *Provider) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// NewLogger builds a production zap logger at the given level name ("debug", "info", ...).
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return logger, nil
}
