package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, path, contents string, modTime time.Time) {
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4, cfg.ExtentMap.FilesPerColumnPartition)
	assert.Equal(t, 2, cfg.ExtentMap.ExtentsPerSegmentFile)
	assert.Equal(t, 0x800000, cfg.ExtentMap.ExtentRows)
	assert.Equal(t, 5*time.Minute, cfg.Snapshot.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brm.toml")
	writeConfig(t, path, `
[extentmap]
files_per_column_partition = 8

[snapshot]
path = "/tmp/em"
interval = "30s"
`, time.Now())

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ExtentMap.FilesPerColumnPartition)
	assert.Equal(t, 2, cfg.ExtentMap.ExtentsPerSegmentFile, "missing keys fall back to defaults")
	assert.Equal(t, "/tmp/em", cfg.Snapshot.Path)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval)
}

func TestLoad_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brm.toml")
	writeConfig(t, path, "[extentmap\n", time.Now())
	_, err := Load(path)
	assert.Error(t, err)
	assert.True(t, Error.Has(err))
}

func TestProvider_ReloadOnModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brm.toml")
	first := time.Now().Add(-time.Hour)
	writeConfig(t, path, "[extentmap]\nfiles_per_column_partition = 4\n", first)

	p, err := NewProvider(path)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Config().ExtentMap.FilesPerColumnPartition)

	changed, err := p.Reload()
	require.NoError(t, err)
	assert.False(t, changed, "same mtime must not reload")

	writeConfig(t, path, "[extentmap]\nfiles_per_column_partition = 6\n", first.Add(time.Minute))
	changed, err = p.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 6, p.Config().ExtentMap.FilesPerColumnPartition)
}

func TestProvider_Static(t *testing.T) {
	p := NewStaticProvider(Config{ExtentMap: ExtentMapConfig{FilesPerColumnPartition: 2}})
	changed, err := p.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 2, p.Config().ExtentMap.FilesPerColumnPartition)
	assert.Equal(t, 2, p.Config().ExtentMap.ExtentsPerSegmentFile)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}
