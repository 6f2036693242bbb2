package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

const testContract = "0x5fbdb2315678afecb367f032d93f642f64180aa3"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
worker:
  worker_count: 8
  task_timeout: 5s

wal:
  path: "./test_wal/wal.log"
  sync_on_append: true
  batch_size: 50
  flush_interval_ms: 20

snapshot:
  backend: file
  path: "./test_snapshot/snapshot.json"
  keep_backups: 2
  interval_seconds: 15

metrics:
  enabled: true
  port: 8080

chain:
  rpc_urls: ["http://localhost:8545"]
  contracts: ["`+testContract+`"]
  block_tag: safe
  start_block: "100"
  max_block_range: 250
  scrape_interval_seconds: 3

scheduler:
  job_kind: recurring
  key_id: signer-1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.WorkerCount)
	assert.Equal(t, 5*time.Second, cfg.Worker.TaskTimeout)
	assert.Equal(t, "./test_wal/wal.log", cfg.WAL.Path)
	assert.True(t, cfg.WAL.SyncOnAppend)
	assert.Equal(t, 2, cfg.Snapshot.KeepBackups)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.Equal(t, []string{"http://localhost:8545"}, cfg.Chain.RPCURLs)

	// 未設定的欄位保留預設值
	assert.Equal(t, 100, cfg.Worker.ResultBuffer)
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.Addr)

	cc := cfg.ControllerConfig()
	assert.Equal(t, 8, cc.WorkerCount)
	assert.Equal(t, 15*time.Second, cc.SnapshotInterval)
	assert.Equal(t, 3*time.Second, cc.ScrapeInterval)
	assert.Equal(t, 20*time.Millisecond, cc.WALFlushInterval)
	assert.Equal(t, uint64(250), cc.MaxBlockRange)
	assert.Equal(t, types.KindRecurring, cc.State.JobKind)
	assert.Equal(t, state.BlockSafe, cc.State.BlockTag)
	assert.Equal(t, "100", cc.State.StartBlock.String())
	assert.Equal(t, "signer-1", cc.State.KeyID)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
worker:
  worker_count: "not a number"
  invalid yaml structure
    broken indentation
`)

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Worker, cfg.Worker)
	assert.Equal(t, BackendFile, cfg.Snapshot.Backend)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CFS_RPC_URL", "http://a:8545, http://b:8545")
	t.Setenv("CFS_WORKER_COUNT", "16")
	t.Setenv("CFS_JOB_KIND", "recurring")
	t.Setenv("CFS_SNAPSHOT_BACKEND", "redis")
	t.Setenv("CFS_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CFS_LOG_LEVEL", "debug")

	path := writeConfig(t, "worker:\n  worker_count: 2\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Chain.RPCURLs)
	assert.Equal(t, 16, cfg.Worker.WorkerCount)
	assert.Equal(t, "recurring", cfg.Scheduler.JobKind)
	assert.Equal(t, BackendRedis, cfg.Snapshot.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Snapshot.RedisURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CFS_KEY_ID=from-dotenv\n"), 0644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		os.Chdir(wd)
		os.Unsetenv("CFS_KEY_ID")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Scheduler.KeyID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero workers", func(c *Config) { c.Worker.WorkerCount = 0 }, "worker_count"},
		{"missing wal path", func(c *Config) { c.WAL.Path = "" }, "wal.path"},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "s3" }, "unknown snapshot backend"},
		{"postgres without url", func(c *Config) { c.Snapshot.Backend = BackendPostgres }, "CFS_DATABASE_URL"},
		{"redis without url", func(c *Config) { c.Snapshot.Backend = BackendRedis }, "CFS_REDIS_URL"},
		{"metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"bad start block", func(c *Config) { c.Chain.StartBlock = "-5" }, "chain.start_block"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad contract", func(c *Config) { c.Chain.Contracts = []string{"0x1234"} }, "invalid contract address"},
		{"bad job kind", func(c *Config) { c.Scheduler.JobKind = "cron" }, "unknown job kind"},
		{"bad block tag", func(c *Config) { c.Chain.BlockTag = "pending" }, "unknown block tag"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
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

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Worker.WorkerCount = -1
	cfg.WAL.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker_count")
	assert.Contains(t, err.Error(), "wal.path")
}

func TestValidate_DoesNotNormaliseCaller(t *testing.T) {
	cfg := Default()
	cfg.Chain.Contracts = []string{testContract}
	require.NoError(t, cfg.Validate())

	// 正規化只發生在 state.Config 的副本
	assert.Equal(t, testContract, cfg.Chain.Contracts[0])
}

func TestOpenStore_File(t *testing.T) {
	cfg := Default()
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "snapshot.json")

	store, err := cfg.OpenStore(context.Background())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, snapshot.ErrSnapshotNotFound)
}

func TestOpenSource_RequiresURL(t *testing.T) {
	_, err := Default().OpenSource()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"job_id":"1"`)

	cfg.Log.Format = "xml"
	_, err = cfg.NewLogger(&buf)
	assert.Error(t, err)
}
