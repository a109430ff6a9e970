package container

import (
	"testing"

	"github.com/jinford/clipline/internal/platform/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadConfig(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Upload.PartSize = 64 * 1024 * 1024

	got := UploadConfig(cfg)
	assert.Equal(t, int64(64*1024*1024), got.DefaultPartSize)
	assert.Equal(t, cfg.Upload.MinPartSize, got.MinPartSize)
	assert.Equal(t, cfg.Upload.MaxFileSize, got.MaxFileSize)
	assert.Equal(t, cfg.Upload.SessionTTL, got.SessionTTL)
}

func TestDatabaseParams(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Database.Host = "pg.internal"

	got := DatabaseParams(cfg)
	assert.Equal(t, "pg.internal", got.Host)
	assert.Equal(t, cfg.Database.Port, got.Port)
	assert.Contains(t, got.ConnString(), "host=pg.internal")
}

func TestContainer_NilSafeAccessors(t *testing.T) {
	var c *Container
	assert.NotNil(t, c.Logger())
	assert.Nil(t, c.Database())
	c.Close()
}
