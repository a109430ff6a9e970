package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "clipline", cfg.ObjectStore.Bucket)
	assert.Equal(t, 4, cfg.RabbitMQ.Prefetch)
	assert.Equal(t, int64(200*1000*1000), cfg.Upload.PartSize)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.Upload.MaxFileSize)
	assert.Equal(t, 24*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, 30*time.Minute, cfg.Upload.ImportTimeout)
	assert.Equal(t, 3, cfg.Render.Concurrency)
	assert.Equal(t, 60, cfg.Render.RequestsPerMinute)
	assert.Equal(t, 10*time.Second, cfg.Render.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Render.MaxWait)
	assert.Equal(t, "fail", cfg.Render.ExhaustionPolicy)
	assert.True(t, cfg.Pipeline.ReclaimIntermediates)
	assert.Equal(t, 0.5, cfg.Pipeline.DurationEpsilon)
	assert.Equal(t, 5, cfg.Lifecycle.RetentionDays)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RENDER_POLL_INTERVAL", "5s")
	t.Setenv("RENDER_EXHAUSTION_POLICY", "leave")
	t.Setenv("PIPELINE_RECLAIM_INTERMEDIATES", "false")
	t.Setenv("UPLOAD_PART_SIZE", "10485760")
	t.Setenv("RETENTION_DAYS", "9")
	t.Setenv("S3_USE_SSL", "not-a-bool")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Render.PollInterval)
	assert.Equal(t, "leave", cfg.Render.ExhaustionPolicy)
	assert.False(t, cfg.Pipeline.ReclaimIntermediates)
	assert.Equal(t, int64(10485760), cfg.Upload.PartSize)
	assert.Equal(t, 9, cfg.Lifecycle.RetentionDays)
	assert.False(t, cfg.ObjectStore.UseSSL, "不正な値は既定値に戻る")
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_DB=3\nSHOTSTACK_STAGE=v1\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("REDIS_DB")
		os.Unsetenv("SHOTSTACK_STAGE")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "v1", cfg.Render.Stage)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("RENDER_EXHAUSTION_POLICY", "retry")
	t.Setenv("RENDER_CONCURRENCY", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENDER_EXHAUSTION_POLICY")
	assert.Contains(t, err.Error(), "RENDER_CONCURRENCY")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"part size below store minimum", func(c *Config) { c.Upload.MinPartSize = 1024 }, "UPLOAD_MIN_PART_SIZE"},
		{"part size below configured minimum", func(c *Config) { c.Upload.PartSize = c.Upload.MinPartSize - 1 }, "UPLOAD_PART_SIZE"},
		{"zero upload concurrency", func(c *Config) { c.Upload.Concurrency = 0 }, "UPLOAD_CONCURRENCY"},
		{"non-positive poll interval", func(c *Config) { c.Render.PollInterval = 0 }, "RENDER_POLL_INTERVAL"},
		{"max wait shorter than interval", func(c *Config) { c.Render.MaxWait = time.Second }, "RENDER_MAX_WAIT"},
		{"zero prefetch", func(c *Config) { c.RabbitMQ.Prefetch = 0 }, "RABBITMQ_PREFETCH"},
		{"negative retention", func(c *Config) { c.Lifecycle.RetentionDays = -1 }, "RETENTION_DAYS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, base().Validate())
}
