package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /var/lib/buildsync/original.db
scheduler:
  concurrency: 2
  continue_interval: 10s
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/var/lib/buildsync/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, 2, cfg.Scheduler.Concurrency)
				assert.Equal(t, 10*time.Second, cfg.Scheduler.ContinueInterval)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"BUILDSYNC_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - sqlite path",
			envVars: map[string]string{
				"BUILDSYNC_DATABASE_SQLITE_PATH": "/tmp/custom.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/custom.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "integer override - concurrency",
			envVars: map[string]string{
				"BUILDSYNC_SCHEDULER_CONCURRENCY": "16",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 16, cfg.Scheduler.Concurrency)
			},
		},
		{
			name: "duration override - backoff initial interval",
			envVars: map[string]string{
				"BUILDSYNC_SCHEDULER_BACKOFF_INITIAL_INTERVAL": "250ms",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Backoff.InitialInterval)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"BUILDSYNC_GLOBAL_LOG_LEVEL":          "trace",
				"BUILDSYNC_SCHEDULER_STEP_MAX_RETRIES": "7",
				"BUILDSYNC_DATABASE_DRIVER":           "postgres",
				"BUILDSYNC_DATABASE_POSTGRES_HOST":    "db.internal",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "trace", cfg.Global.LogLevel)
				assert.Equal(t, 7, cfg.Scheduler.StepMaxRetries)
				assert.Equal(t, "postgres", cfg.Database.Driver)
				assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
global:
  log_level: warn
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, DefaultDatabaseDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultSQLitePath, cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultPollInterval, cfg.Scheduler.PollInterval)
	assert.Equal(t, DefaultConcurrency, cfg.Scheduler.Concurrency)
	assert.Equal(t, DefaultContinueInterval, cfg.Scheduler.ContinueInterval)
	assert.Equal(t, DefaultStepMaxRetries, cfg.Scheduler.StepMaxRetries)
	assert.Equal(t, DefaultProjectStatsDelay, cfg.Scheduler.ProjectStatsDelay)
	assert.Nil(t, cfg.API)
	assert.Nil(t, cfg.Archive.S3)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, "base.yaml", `
scheduler:
  concurrency: 2
  poll_interval: 2s
api:
  server:
    listen: ":9000"
`)
	override := writeConfig(t, "override.yaml", `
scheduler:
  concurrency: 8
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	require.NotNil(t, cfg.API)
	assert.Equal(t, ":9000", cfg.API.Server.Listen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(_ *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "postgres without host",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "postgres"
				cfg.Database.Postgres.Database = "buildsync"
			},
			wantErr: "database.postgres.host is required",
		},
		{
			name: "backoff max below initial",
			mutate: func(cfg *Config) {
				cfg.Scheduler.Backoff.InitialInterval = time.Minute
				cfg.Scheduler.Backoff.MaxInterval = time.Second
			},
			wantErr: "max_interval",
		},
		{
			name: "s3 archive without bucket",
			mutate: func(cfg *Config) {
				cfg.Archive.S3 = &S3ArchiveConfig{Enabled: true}
			},
			wantErr: "archive.s3.bucket is required",
		},
		{
			name: "api token hash not bcrypt",
			mutate: func(cfg *Config) {
				cfg.API = &APIConfig{Auth: APIAuthConfig{TokenHash: "plaintext"}}
			},
			wantErr: "not a bcrypt hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAPIAuthConfig_CheckToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	auth := APIAuthConfig{TokenHash: string(hash)}
	assert.True(t, auth.CheckToken("s3cret"))
	assert.False(t, auth.CheckToken("wrong"))

	open := APIAuthConfig{}
	assert.True(t, open.CheckToken("anything"))
}
