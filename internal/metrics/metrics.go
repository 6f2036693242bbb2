// ============================================================================
// chainfusion-scheduler Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露排程器運行指標
//
// 指標分類:
//
//   1. 事件 (ledger):
//      - chainfusion_events_pending: 目前待處理的 log 事件數
//      - chainfusion_events_processed_total: 已處理事件總數
//      - chainfusion_protocol_violations_total{kind}: 協定違規次數
//
//   2. 任務 (registry / worker pool):
//      - chainfusion_jobs_registered: 登錄表中的任務數
//      - chainfusion_jobs_dispatched_total / completed_total / failed_total
//      - chainfusion_job_latency_seconds: 任務執行時間分佈
//
//   3. 鏈上進度:
//      - chainfusion_blocks_skipped_total: 因 RPC 失敗被跳過的區塊
//      - chainfusion_last_scraped_block: 掃描游標
//
//   4. 持久化:
//      - chainfusion_snapshot_size_bytes: 最近一次快照大小
//      - chainfusion_recovery_time_seconds: 最近一次啟動恢復時間
//
// Prometheus 查詢示例:
//
//   # 違規率
//   sum(rate(chainfusion_protocol_violations_total[5m])) by (kind)
//
//   # 掃描落後程度（搭配節點的 head 指標）
//   chainfusion_last_scraped_block
//
// 註冊:
//   所有指標註冊在呼叫端提供的 prometheus.Registerer 上，
//   測試使用獨立的 prometheus.NewRegistry()。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainfusion"

// Violation kinds 使用的標籤值
const (
	KindDuplicateEvent      = "duplicate_event"
	KindUnknownEvent        = "unknown_event"
	KindBlockAlreadySkipped = "block_already_skipped"
	KindInvalidBlock        = "invalid_block"
	KindCorruptedSnapshot   = "corrupted_snapshot"
	KindIncompatibleFormat  = "incompatible_version"
	KindOther               = "other"
)

func logger() *slog.Logger { return slog.Default() }

// Collector Prometheus 指標收集器
type Collector struct {
	// 事件相關指標
	eventsPending   prometheus.Gauge
	eventsProcessed prometheus.Counter
	violations      *prometheus.CounterVec

	// 任務相關指標
	jobsRegistered prometheus.Gauge
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobLatency     prometheus.Histogram

	// 鏈上進度
	blocksSkipped    prometheus.Counter
	lastScrapedBlock prometheus.Gauge

	// 持久化
	snapshotSize prometheus.Gauge
	recoveryTime prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
// 若 reg 同時實作 prometheus.Gatherer（例如 *prometheus.Registry），Handler() 只暴露它的指標。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		eventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_pending",
			Help:      "Number of observed NewJob log events waiting to be processed",
		}),
		eventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total number of log events moved from pending to processed",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of rejected operations that indicate a caller bug",
		}, []string{"kind"}),
		jobsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_registered",
			Help:      "Current number of jobs in the registry",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs dispatched to workers",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of job executions that succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of job executions that failed",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Job execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		blocksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_skipped_total",
			Help:      "Total number of blocks skipped after repeated log fetch failures",
		}),
		lastScrapedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_scraped_block",
			Help:      "Highest block whose logs have been recorded",
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of the most recent snapshot in bytes",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}),
	}

	reg.MustRegister(
		c.eventsPending,
		c.eventsProcessed,
		c.violations,
		c.jobsRegistered,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobLatency,
		c.blocksSkipped,
		c.lastScrapedBlock,
		c.snapshotSize,
		c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// ============================================================================
// 事件
// ============================================================================

// SetEventsPending 更新待處理事件數
func (c *Collector) SetEventsPending(n int) {
	c.eventsPending.Set(float64(n))
}

// RecordProcessed 記錄一個事件完成處理
func (c *Collector) RecordProcessed() {
	c.eventsProcessed.Inc()
}

// RecordViolation 記錄協定違規
func (c *Collector) RecordViolation(kind string) {
	if kind == "" {
		kind = KindOther
	}
	c.violations.WithLabelValues(kind).Inc()
}

// ============================================================================
// 任務
// ============================================================================

// SetJobsRegistered 更新登錄表任務數
func (c *Collector) SetJobsRegistered(n int) {
	c.jobsRegistered.Set(float64(n))
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(latency time.Duration) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// RecordFailed 記錄任務失敗
func (c *Collector) RecordFailed(latency time.Duration) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latency.Seconds())
}

// ============================================================================
// 鏈上進度與持久化
// ============================================================================

// RecordSkippedBlock 記錄被跳過的區塊
func (c *Collector) RecordSkippedBlock() {
	c.blocksSkipped.Inc()
}

// SetLastScrapedBlock 更新掃描游標
func (c *Collector) SetLastScrapedBlock(n uint64) {
	c.lastScrapedBlock.Set(float64(n))
}

// SetSnapshotSize 設置最近一次快照大小
func (c *Collector) SetSnapshotSize(n int) {
	c.snapshotSize.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 回傳 /metrics 的 http.Handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Server metrics HTTP 伺服器
type Server struct {
	srv *http.Server
}

// NewServer 建立在 addr 上暴露 /metrics 的伺服器
func NewServer(addr string, c *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run 啟動伺服器，ctx 取消時優雅關閉
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger().Info("Metrics server listening", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
