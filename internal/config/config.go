package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/chain"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// ============================================================================
// 設定載入順序：預設值 → YAML 檔 → .env → CFS_* 環境變數
// ============================================================================

// 快照儲存後端
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config 完整系統設定，透過 YAML tag 對應設定檔欄位
type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	WAL       WALConfig       `yaml:"wal"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Chain     ChainConfig     `yaml:"chain"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type WorkerConfig struct {
	WorkerCount  int           `yaml:"worker_count"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`
	ResultBuffer int           `yaml:"result_buffer"`
}

type WALConfig struct {
	Path            string `yaml:"path"`
	SyncOnAppend    bool   `yaml:"sync_on_append"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

type SnapshotConfig struct {
	Backend         string `yaml:"backend"` // file | postgres | redis
	Path            string `yaml:"path"`
	KeepBackups     int    `yaml:"keep_backups"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	Name            string `yaml:"name"` // Postgres 列名 / Redis key
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type ChainConfig struct {
	RPCURLs               []string   `yaml:"rpc_urls"`
	RequestsPerSecond     float64    `yaml:"requests_per_second"`
	Burst                 int        `yaml:"burst"`
	Contracts             []string   `yaml:"contracts"`
	Topics                [][]string `yaml:"topics"`
	BlockTag              string     `yaml:"block_tag"`
	StartBlock            string     `yaml:"start_block"`
	MaxBlockRange         uint64     `yaml:"max_block_range"`
	ScrapeIntervalSeconds int        `yaml:"scrape_interval_seconds"`
}

type SchedulerConfig struct {
	JobKind            string `yaml:"job_kind"` // oneshot | recurring
	KeyID              string `yaml:"key_id"`
	ProcessIntervalMs  int    `yaml:"process_interval_ms"`
	DispatchIntervalMs int    `yaml:"dispatch_interval_ms"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default 預設設定
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			WorkerCount:  4,
			TaskTimeout:  30 * time.Second,
			ResultBuffer: 100,
		},
		WAL: WALConfig{
			Path:            "data/wal.log",
			BatchSize:       100,
			FlushIntervalMs: 10,
		},
		Snapshot: SnapshotConfig{
			Backend:         BackendFile,
			Path:            "data/snapshot.json",
			KeepBackups:     3,
			IntervalSeconds: 60,
			Name:            "chainfusion-scheduler",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Chain: ChainConfig{
			RequestsPerSecond:     10,
			Burst:                 5,
			BlockTag:              string(state.BlockFinalized),
			MaxBlockRange:         500,
			ScrapeIntervalSeconds: 12,
		},
		Scheduler: SchedulerConfig{
			JobKind:            string(types.KindOneShot),
			ProcessIntervalMs:  1000,
			DispatchIntervalMs: 1000,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:50051",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 讀取設定檔並套用環境變數覆寫
//
// path 為空時只使用預設值與環境變數。
func Load(path string) (*Config, error) {
	// .env 不存在不是錯誤
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if urls := getEnv("CFS_RPC_URL", ""); urls != "" {
		c.Chain.RPCURLs = splitList(urls)
	}
	if contracts := getEnv("CFS_CONTRACTS", ""); contracts != "" {
		c.Chain.Contracts = splitList(contracts)
	}
	c.Chain.StartBlock = getEnv("CFS_START_BLOCK", c.Chain.StartBlock)
	c.Scheduler.JobKind = getEnv("CFS_JOB_KIND", c.Scheduler.JobKind)
	c.Scheduler.KeyID = getEnv("CFS_KEY_ID", c.Scheduler.KeyID)

	c.Snapshot.Backend = getEnv("CFS_SNAPSHOT_BACKEND", c.Snapshot.Backend)
	c.Snapshot.DatabaseURL = getEnv("CFS_DATABASE_URL", c.Snapshot.DatabaseURL)
	c.Snapshot.RedisURL = getEnv("CFS_REDIS_URL", c.Snapshot.RedisURL)

	c.Worker.WorkerCount = getEnvInt("CFS_WORKER_COUNT", c.Worker.WorkerCount)
	c.Metrics.Port = getEnvInt("CFS_METRICS_PORT", c.Metrics.Port)
	c.Server.Addr = getEnv("CFS_ADMIN_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("CFS_LOG_LEVEL", c.Log.Level)
}

// Validate 檢查設定，所有問題一次回報
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("worker.worker_count must be positive, got %d", c.Worker.WorkerCount))
	}
	if c.WAL.Path == "" {
		errs = append(errs, errors.New("wal.path is required"))
	}

	switch c.Snapshot.Backend {
	case BackendFile:
		if c.Snapshot.Path == "" {
			errs = append(errs, errors.New("snapshot.path is required for the file backend"))
		}
	case BackendPostgres:
		if c.Snapshot.DatabaseURL == "" {
			errs = append(errs, errors.New("CFS_DATABASE_URL is required for the postgres backend"))
		}
	case BackendRedis:
		if c.Snapshot.RedisURL == "" {
			errs = append(errs, errors.New("CFS_REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Chain.StartBlock != "" {
		if _, err := types.ParseBigUint(c.Chain.StartBlock); err != nil {
			errs = append(errs, fmt.Errorf("chain.start_block: %w", err))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		// 地址、topic、任務種類由 state.Config 驗證
		sc := c.stateConfig()
		if err := sc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ============================================================================
// 建構元件
// ============================================================================

func (c *Config) stateConfig() state.Config {
	sc := state.Config{
		RPCEndpoints:      append([]string(nil), c.Chain.RPCURLs...),
		ContractAddresses: append([]string(nil), c.Chain.Contracts...),
		KeyID:             c.Scheduler.KeyID,
		BlockTag:          state.BlockTag(c.Chain.BlockTag),
		JobKind:           types.JobKind(c.Scheduler.JobKind),
	}
	for _, position := range c.Chain.Topics {
		sc.Topics = append(sc.Topics, append([]string(nil), position...))
	}
	if c.Chain.StartBlock != "" {
		sc.StartBlock, _ = types.ParseBigUint(c.Chain.StartBlock)
	}
	return sc
}

// ControllerConfig 轉換為 controller.Config
func (c *Config) ControllerConfig() controller.Config {
	return controller.Config{
		State:            c.stateConfig(),
		WorkerCount:      c.Worker.WorkerCount,
		TaskTimeout:      c.Worker.TaskTimeout,
		ResultBuffer:     c.Worker.ResultBuffer,
		ScrapeInterval:   time.Duration(c.Chain.ScrapeIntervalSeconds) * time.Second,
		ProcessInterval:  time.Duration(c.Scheduler.ProcessIntervalMs) * time.Millisecond,
		DispatchInterval: time.Duration(c.Scheduler.DispatchIntervalMs) * time.Millisecond,
		SnapshotInterval: time.Duration(c.Snapshot.IntervalSeconds) * time.Second,
		MaxBlockRange:    c.Chain.MaxBlockRange,
		WALPath:          c.WAL.Path,
		WALSyncOnAppend:  c.WAL.SyncOnAppend,
		WALBatchSize:     c.WAL.BatchSize,
		WALFlushInterval: time.Duration(c.WAL.FlushIntervalMs) * time.Millisecond,
	}
}

// OpenStore 依 snapshot.backend 開啟快照儲存
func (c *Config) OpenStore(ctx context.Context) (snapshot.Store, error) {
	switch c.Snapshot.Backend {
	case BackendPostgres:
		store, err := snapshot.NewPostgresStore(ctx, c.Snapshot.DatabaseURL, c.Snapshot.Name)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendRedis:
		store, err := snapshot.NewRedisStore(ctx, c.Snapshot.RedisURL, c.Snapshot.Name)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendFile, "":
		return snapshot.NewFileStore(c.Snapshot.Path, c.Snapshot.KeepBackups), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
}

// OpenSource 連線到 RPC 端點
func (c *Config) OpenSource() (*chain.EthSource, error) {
	if len(c.Chain.RPCURLs) == 0 {
		return nil, errors.New("chain.rpc_urls is empty (set CFS_RPC_URL)")
	}
	return chain.NewEthSource(c.Chain.RPCURLs, c.Chain.RequestsPerSecond, c.Chain.Burst)
}

// ============================================================================
// Logging
// ============================================================================

// NewLogger 依 log 區段建立 logger
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(c.Log.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ============================================================================
// 環境變數
// ============================================================================

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
