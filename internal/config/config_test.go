package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Worker.Count)
	assert.Equal(t, 64, cfg.Writer.MaxBacklog)
	assert.Equal(t, 32, cfg.Writer.MaxExceptions)
	assert.Equal(t, 30*time.Minute, cfg.Writer.ChildTimeout)
	assert.Equal(t, 1, cfg.Writer.MaxTaskRetries)
	assert.Equal(t, 2, cfg.Client.FetchRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: "database.driver",
		},
		{
			name:    "empty dsn",
			mutate:  func(c *Config) { c.Database.DSN = "" },
			wantErr: "database.dsn",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.Worker.Count = 0 },
			wantErr: "worker.count",
		},
		{
			name:    "zero backlog",
			mutate:  func(c *Config) { c.Writer.MaxBacklog = 0 },
			wantErr: "writer.max_backlog",
		},
		{
			name:    "relative url",
			mutate:  func(c *Config) { c.Client.URL = "scans" },
			wantErr: "client.url",
		},
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.Client.URL = "" },
			wantErr: "client.url is required",
		},
		{
			name:    "negative lookup cache",
			mutate:  func(c *Config) { c.Cache.LookupSize = -1 },
			wantErr: "cache.lookup_size",
		},
		{
			name:   "unbounded lookup cache",
			mutate: func(c *Config) { c.Cache.LookupSize = 0 },
		},
		{
			name:   "sqlite is accepted",
			mutate: func(c *Config) { c.Database.Driver = "sqlite3"; c.Database.DSN = ":memory:" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Client.AccessKey = "abc"
	cfg.Client.SecretKey = "def"
	cfg.Database.DSN = "postgres://user:hunter2@db:5432/vulnpull"

	red := cfg.Redacted()
	assert.Equal(t, "***", red.Client.AccessKey)
	assert.Equal(t, "***", red.Client.SecretKey)
	assert.NotContains(t, red.Database.DSN, "hunter2")
	assert.Equal(t, "abc", cfg.Client.AccessKey, "original must be untouched")
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://u:p@h/db", "postgres://u:%2A%2A%2A@h/db"},
		{"host=h user=u password=secret dbname=x", "host=h user=u password=*** dbname=x"},
		{"file::memory:?cache=shared", "file::memory:?cache=shared"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskDSN(tt.dsn))
	}
}
