// ============================================================================
// chainfusion-scheduler 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 協調所有模組，實現鏈上事件掃描、任務調度與崩潰恢復
//
// 架構設計:
//   Controller 是唯一持有 state.Container 的元件，協調：
//   - chain.LogSource: 取得鏈上高度與 NewJob log
//   - state.Container: 帳本、任務登錄表、跳過區塊、游標
//   - WAL: 登錄表與游標的變更日誌，快照之間的崩潰不遺失資料
//   - snapshot.Manager: 定期保存登錄表與游標
//   - worker.Pool: 實際執行到期任務
//
// 核心循環 (5 個並發 Goroutine):
//   1. Scrape Loop   - 掃描 (cursor, latest] 的 log，同步登記為 pending
//   2. Process Loop  - 處理 pending 事件：record_processed → decode → upsert
//   3. Dispatch Loop - 一次性任務到期時移出登錄表並交給 worker
//   4. Result Loop   - 接收 worker 結果，更新指標
//   5. Snapshot Loop - 定期快照並旋轉 WAL
//   週期性任務由 recurring.go 的每任務 ticker 負責。
//
// 崩潰恢復流程:
//   1. snapshot.Load()     - 讀取最新快照（首次啟動時不存在）
//   2. OnResume()          - 覆寫登錄表與游標
//   3. replayWAL()         - 重放快照之後的變更（事件皆為冪等）
//   4. 重新武裝週期性任務
//
// 日誌寫入順序:
//   變更先在 Mutate 範圍內套用（被拒絕的操作不留痕跡），再寫入 WAL。
//   journalMu 保證記憶體變更與 WAL 的順序一致，並與快照 + 旋轉互斥。
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/chain"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/metrics"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/storage/wal"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/worker"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// logger 每次取用目前的預設 logger，讓 slog.SetDefault 之後的設定生效
func logger() *slog.Logger { return slog.Default() }

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped controller 已停止
	ErrStopped = errors.New("controller stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	State state.Config // 鏈上來源、合約、任務種類等

	WorkerCount  int           // Worker 數量
	TaskTimeout  time.Duration // 任務超時時間
	ResultBuffer int           // Worker Pool 任務/結果緩衝

	ScrapeInterval   time.Duration // 掃描間隔
	ProcessInterval  time.Duration // 處理 pending 事件的間隔
	DispatchInterval time.Duration // 檢查到期一次性任務的間隔
	SnapshotInterval time.Duration // 快照間隔
	MaxBlockRange    uint64        // 單次 FilterLogs 的最大區塊數

	WALPath          string        // WAL 檔案路徑
	WALSyncOnAppend  bool          // 每次追加都 fsync
	WALBatchSize     int           // 每幾筆事件 fsync 一次
	WALFlushInterval time.Duration // 未 fsync 事件的最長等待
}

// withDefaults 補上未設定的欄位
func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 100
	}
	if c.ScrapeInterval <= 0 {
		c.ScrapeInterval = 12 * time.Second
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Minute
	}
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 500
	}
	return c
}

// Option 調整 Controller 的協作者
type Option func(*Controller)

// WithRunner 指定任務執行邏輯（預設只記錄日誌）
func WithRunner(r worker.Runner) Option {
	return func(c *Controller) { c.runner = r }
}

// WithMetrics 指定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock 指定時鐘，測試用
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller 核心控制器
type Controller struct {
	container *state.Container
	wal       *wal.WAL
	snapshot  *snapshot.Manager
	pool      *worker.Pool
	source    chain.LogSource
	decode    chain.Decoder
	runner    worker.Runner
	metrics   *metrics.Collector
	recurring *recurringScheduler
	config    Config
	kind      types.JobKind
	now       func() time.Time

	journalMu sync.Mutex // 序列化「Mutate + WAL 追加」以及「快照 + 旋轉」

	mu        sync.Mutex // 保護 started / ready / stopped
	started   bool
	ready     bool // 恢復成功；只有此時 Stop 才寫最終快照
	stopped   bool
	stopCh    chan struct{}
	cancel    context.CancelFunc
	startTime time.Time
	loopWg    sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 容器在此初始化但尚未服務任何範圍，Start 會先嘗試從快照恢復。
func NewController(config Config, source chain.LogSource, store snapshot.Store, opts ...Option) (*Controller, error) {
	config = config.withDefaults()

	// 1. 驗證設定並取得任務種類
	sc := config.State.Clone()
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state config: %w", err)
	}
	container := state.NewContainer()
	if err := container.Init(config.State); err != nil {
		return nil, err
	}

	// 2. 開啟 WAL
	walInstance, err := wal.NewWAL(config.WALPath, config.WALSyncOnAppend,
		wal.WithBatch(config.WALBatchSize, config.WALFlushInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	c := &Controller{
		container: container,
		wal:       walInstance,
		snapshot:  snapshot.NewManager(store),
		source:    source,
		decode:    chain.NewJobDecoder(sc.JobKind),
		config:    config,
		kind:      sc.JobKind,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}

	// 3. 建立 Worker Pool 與週期性排程
	c.pool = worker.NewPool(config.ResultBuffer, c.runner)
	c.recurring = newRecurringScheduler(c.submit)

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：載入快照 -> OnResume -> 重放 WAL
//  2. 啟動階段：啟動 Worker Pool、週期性任務與核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = c.now()
	c.mu.Unlock()

	// 1. 恢復階段
	logger().Info("Starting recovery...")
	if err := c.recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	// 2. 啟動 Worker Pool
	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	// 3. 週期性任務：登錄表中的每個任務都重新武裝
	if c.kind == types.KindRecurring {
		jobs, err := c.ListJobs(ctx)
		if err != nil {
			cancel()
			return err
		}
		c.recurring.start(loopCtx, jobs)
	}

	// 4. 啟動核心循環
	c.loopWg.Add(5)
	go c.scrapeLoop(loopCtx)
	go c.processLoop(loopCtx)
	go c.dispatchLoop(loopCtx)
	go c.resultLoop()
	go c.snapshotLoop(loopCtx)

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	logger().Info("Controller started",
		"workers", c.config.WorkerCount,
		"kind", c.kind)
	return nil
}

// recover 從快照與 WAL 恢復登錄表與游標
func (c *Controller) recover(ctx context.Context) error {
	start := time.Now()

	b, found, err := c.snapshot.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if found {
		if err := c.OnResume(ctx, b); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	} else {
		logger().Info("No snapshot found, starting fresh")
	}

	replayed, torn, err := c.replayWAL(ctx)
	if err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}

	// 有重放內容或尾端損壞時立即快照，讓舊 WAL 旋轉出去
	if replayed > 0 || torn {
		if err := c.takeSnapshot(ctx); err != nil {
			return fmt.Errorf("post-recovery snapshot failed: %w", err)
		}
	}

	recoveryTime := time.Since(start)
	c.metrics.SetRecoveryTime(recoveryTime)
	c.refreshGauges(ctx)

	logger().Info("Recovery completed",
		"duration", recoveryTime,
		"snapshot", found,
		"wal_events", replayed,
		"torn_tail", torn)
	return nil
}

// replayWAL 重放 WAL 事件
//
// 所有事件都是冪等的：UPSERT 覆寫、REMOVE 對不存在的任務無作用、CURSOR 只前進。
// 尾端的半行（寫入中崩潰）視為未提交並略過。
func (c *Controller) replayWAL(ctx context.Context) (int, bool, error) {
	replayed := 0
	handler := func(event wal.Event) error {
		replayed++
		return c.container.Mutate(ctx, func(_ context.Context, s *state.State) error {
			switch event.Type {
			case wal.EventUpsert:
				s.Jobs.Upsert(event.JobID, event.Param)
			case wal.EventRemove:
				s.Jobs.Remove(event.JobID)
			case wal.EventCursor:
				s.AdvanceCursor(event.Block)
			}
			return nil
		})
	}

	err := c.wal.Replay(handler)
	if wal.IsTornTail(err) {
		logger().Warn("WAL has a torn tail, ignoring the incomplete record", "error", err)
		return replayed, true, nil
	}
	return replayed, false, err
}

// ============================================================================
// 核心循環
// ============================================================================

// scrapeLoop 定期掃描新區塊
func (c *Controller) scrapeLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ScrapeInterval)
	defer ticker.Stop()

	for {
		if err := c.scrapeOnce(ctx); err != nil && ctx.Err() == nil {
			logger().Error("Scrape pass failed", "error", err)
		}
		select {
		case <-c.stopCh:
			logger().Info("Scrape loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// scrapeOnce 掃描 (cursor, min(latest, cursor+MaxBlockRange)]
func (c *Controller) scrapeOnce(ctx context.Context) error {
	var (
		from    *big.Int
		cfg     state.Config
		started bool
	)
	err := c.container.Mutate(ctx, func(_ context.Context, s *state.State) error {
		if !s.TryStartTask(types.TaskScrapeLogs) {
			return nil
		}
		started = true
		from = new(big.Int).Add(s.LastScrapedBlock, big.NewInt(1))
		cfg = s.Config.Clone()
		return nil
	})
	if err != nil || !started {
		return err
	}
	defer c.finishTask(types.TaskScrapeLogs)

	latest, err := c.source.LatestBlock(ctx, string(cfg.BlockTag))
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	if latest == nil {
		return errors.New("latest block: empty response")
	}
	if err := c.container.Mutate(ctx, func(_ context.Context, s *state.State) error {
		s.LastObservedBlock = types.CloneBig(latest)
		return nil
	}); err != nil {
		return err
	}
	if latest.Cmp(from) < 0 {
		return nil
	}

	to := new(big.Int).Add(from, new(big.Int).SetUint64(c.config.MaxBlockRange-1))
	if to.Cmp(latest) > 0 {
		to.Set(latest)
	}
	return c.scrapeRange(ctx, from, to, cfg)
}

// scrapeRange 掃描 [from, to]
//
// RPC 失敗時範圍減半重試；單一區塊仍失敗時記錄為跳過並前進。
func (c *Controller) scrapeRange(ctx context.Context, from, to *big.Int, cfg state.Config) error {
	from = types.CloneBig(from)
	one := big.NewInt(1)

	for from.Cmp(to) <= 0 {
		end := types.CloneBig(to)
		for {
			logs, err := c.source.FilterLogs(ctx, from, end, cfg.ContractAddresses, cfg.Topics)
			if err == nil {
				if err := c.recordLogs(ctx, logs, end); err != nil {
					return err
				}
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if from.Cmp(end) == 0 {
				logger().Warn("Skipping block after repeated log fetch failures", "block", from, "error", err)
				if err := c.MarkBlockSkipped(ctx, from); err != nil {
					return err
				}
				if err := c.advanceCursor(ctx, end); err != nil {
					return err
				}
				break
			}
			logger().Debug("Log fetch failed, halving range", "from", from, "to", end, "error", err)
			half := new(big.Int).Sub(end, from)
			half.Rsh(half, 1)
			end = half.Add(half, from)
		}
		from = new(big.Int).Add(end, one)
	}
	return nil
}

// recordLogs 在同一個 Mutate 範圍內同步登記所有 log，然後前進游標
//
// 重複事件是協定違規：記錄並丟棄，不中斷同範圍的其他 log。
func (c *Controller) recordLogs(ctx context.Context, logs []types.LogRecord, end *big.Int) error {
	var (
		rejected []error
		pending  int
		recorded int
	)
	err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
		for _, rec := range logs {
			if rec.Removed {
				continue
			}
			id, err := rec.Identity()
			if err != nil {
				rejected = append(rejected, err)
				continue
			}
			if err := s.Ledger.RecordPending(id, rec); err != nil {
				rejected = append(rejected, err)
				continue
			}
			recorded++
		}
		pending = s.Ledger.Stats()["pending"]
		if s.AdvanceCursor(end) {
			return []wal.Event{wal.Cursor(end)}, nil
		}
		return nil, nil
	})
	for _, r := range rejected {
		if !c.observe("record_pending", r) {
			logger().Warn("Ignoring log without identity", "error", r)
		}
	}
	if err != nil {
		return err
	}

	c.metrics.SetEventsPending(pending)
	if end.IsUint64() {
		c.metrics.SetLastScrapedBlock(end.Uint64())
	}
	logger().Debug("Range recorded", "to", end, "logs", len(logs), "recorded", recorded)
	return nil
}

// advanceCursor 前進游標並寫入 WAL
func (c *Controller) advanceCursor(ctx context.Context, n *big.Int) error {
	err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
		if s.AdvanceCursor(n) {
			return []wal.Event{wal.Cursor(n)}, nil
		}
		return nil, nil
	})
	if err == nil && n.IsUint64() {
		c.metrics.SetLastScrapedBlock(n.Uint64())
	}
	return err
}

// processLoop 定期處理 pending 事件
func (c *Controller) processLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Process loop stopped")
			return
		case <-ticker.C:
			if err := c.processOnce(ctx); err != nil && ctx.Err() == nil {
				logger().Error("Process pass failed", "error", err)
			}
		}
	}
}

// processOnce 依排序處理目前所有 pending 事件
func (c *Controller) processOnce(ctx context.Context) error {
	var (
		ids     []types.EventIdentity
		started bool
	)
	err := c.container.Mutate(ctx, func(_ context.Context, s *state.State) error {
		if !s.Ledger.HasPending() || !s.TryStartTask(types.TaskProcessLogs) {
			return nil
		}
		started = true
		ids = s.Ledger.PendingIDs()
		return nil
	})
	if err != nil || !started {
		return err
	}
	defer c.finishTask(types.TaskProcessLogs)

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := c.processEvent(ctx, id, c.decode)
		switch {
		case err == nil, types.IsProtocolViolation(err):
			// 協定違規已記錄，繼續處理其他事件
		case errors.Is(err, chain.ErrUndecodable):
			// 解碼失敗的事件已標記為 processed，不會重試
			logger().Warn("Dropping undecodable event", "event", id, "error", err)
		default:
			return err
		}
	}
	return nil
}

// dispatchLoop 將到期的一次性任務交給 Worker Pool
func (c *Controller) dispatchLoop(ctx context.Context) {
	defer c.loopWg.Done()
	if c.kind != types.KindOneShot {
		<-c.stopCh
		logger().Info("Dispatch loop stopped")
		return
	}

	ticker := time.NewTicker(c.config.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Dispatch loop stopped")
			return
		case <-ticker.C:
			if err := c.dispatchDue(ctx); err != nil && ctx.Err() == nil {
				logger().Error("Dispatch pass failed", "error", err)
			}
		}
	}
}

// dispatchDue 取出所有 param <= now 的任務並提交
func (c *Controller) dispatchDue(ctx context.Context) error {
	for {
		now := c.now()
		var (
			job  types.Job
			due  bool
			left int
		)
		err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
			earliest, ok := s.Jobs.Earliest()
			if !ok || earliest.DueAt().After(now) {
				return nil, nil
			}
			s.Jobs.Remove(earliest.ID)
			job, due, left = earliest, true, s.Jobs.Len()
			return []wal.Event{wal.Remove(earliest.ID)}, nil
		})
		if err != nil || !due {
			return err
		}
		c.metrics.SetJobsRegistered(left)

		if err := c.submit(ctx, job); err != nil {
			// 提交失敗時放回登錄表，下一輪或重啟後再試
			logger().Warn("Failed to submit due job, putting it back", "job_id", job.ID, "error", err)
			if rerr := c.journaled(context.Background(), func(_ context.Context, s *state.State) ([]wal.Event, error) {
				s.Jobs.Upsert(job.ID, job.Param)
				return []wal.Event{wal.Upsert(job.ID, job.Param)}, nil
			}); rerr != nil {
				logger().Error("Failed to put job back", "job_id", job.ID, "error", rerr)
			}
			return err
		}
	}
}

// submit 建立一次執行並交給 Worker Pool
func (c *Controller) submit(ctx context.Context, job types.Job) error {
	task := worker.NewTask(job, c.kind, c.config.TaskTimeout)
	if err := c.pool.Submit(ctx, task); err != nil {
		return err
	}
	c.metrics.RecordDispatch()
	logger().Debug("Job dispatched", "job_id", job.ID, "run_id", task.RunID, "param", job.Param)
	return nil
}

// resultLoop 處理 Worker 執行結果
// 注意：此循環會一直運行到 Pool 關閉為止
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
	}
	logger().Info("Result loop stopped")
}

// handleResult 處理單個任務結果
func (c *Controller) handleResult(result worker.Result) {
	if result.Success {
		c.metrics.RecordCompleted(result.Duration)
		logger().Debug("Job completed",
			"job_id", result.Task.JobID,
			"run_id", result.Task.RunID,
			"duration", result.Duration)
		return
	}
	c.metrics.RecordFailed(result.Duration)
	logger().Warn("Job failed",
		"job_id", result.Task.JobID,
		"run_id", result.Task.RunID,
		"duration", result.Duration,
		"error", result.Error)
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			logger().Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(ctx); err != nil && ctx.Err() == nil {
				logger().Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 在唯讀範圍內編碼、保存並旋轉 WAL
func (c *Controller) takeSnapshot(ctx context.Context) error {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	b, err := c.container.Snapshot(ctx)
	if err != nil {
		return c.violation("snapshot", err)
	}
	return c.persistLocked(ctx, b)
}

// persistLocked 保存快照並旋轉 WAL；呼叫端持有 journalMu
func (c *Controller) persistLocked(ctx context.Context, b []byte) error {
	start := time.Now()
	if err := c.wal.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := c.snapshot.Write(ctx, b); err != nil {
		return err
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}
	c.metrics.SetSnapshotSize(len(b))

	logger().Info("Snapshot taken",
		"duration", time.Since(start),
		"bytes", len(b))
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Status 系統狀態
type Status struct {
	Phase             string   `json:"phase"`
	Kind              string   `json:"kind"`
	Uptime            string   `json:"uptime"`
	Workers           int      `json:"workers"`
	Jobs              int      `json:"jobs"`
	EventsPending     int      `json:"events_pending"`
	EventsProcessed   int      `json:"events_processed"`
	SkippedBlocks     int      `json:"skipped_blocks"`
	LastScrapedBlock  string   `json:"last_scraped_block"`
	LastObservedBlock string   `json:"last_observed_block,omitempty"`
	ActiveTasks       []string `json:"active_tasks"`
	WALSeq            uint64   `json:"wal_seq"`
	RecurringArmed    int      `json:"recurring_armed"`
}

// GetStatus 取得系統狀態
//
// 容器不在 Running 時只回傳生命週期與設定相關欄位。
func (c *Controller) GetStatus(ctx context.Context) (Status, error) {
	c.mu.Lock()
	startTime := c.startTime
	c.mu.Unlock()

	st := Status{
		Phase:          c.container.Phase().String(),
		Kind:           string(c.kind),
		Workers:        c.config.WorkerCount,
		WALSeq:         c.wal.GetLastSeq(),
		RecurringArmed: c.recurring.armed(),
		ActiveTasks:    []string{},
	}
	if !startTime.IsZero() {
		st.Uptime = c.now().Sub(startTime).Round(time.Second).String()
	}

	err := c.container.Read(ctx, func(_ context.Context, s *state.State) error {
		ledgerStats := s.Ledger.Stats()
		st.Jobs = s.Jobs.Len()
		st.EventsPending = ledgerStats["pending"]
		st.EventsProcessed = ledgerStats["processed"]
		st.SkippedBlocks = s.Skipped.Len()
		st.LastScrapedBlock = s.LastScrapedBlock.String()
		if s.LastObservedBlock != nil {
			st.LastObservedBlock = s.LastObservedBlock.String()
		}
		for _, t := range s.ActiveTasks() {
			st.ActiveTasks = append(st.ActiveTasks, string(t))
		}
		return nil
	})
	if errors.Is(err, state.ErrNotRunning) {
		return st, nil
	}
	return st, err
}

// ListJobs 依 (param, id) 排序的所有任務
func (c *Controller) ListJobs(ctx context.Context) ([]types.Job, error) {
	var jobs []types.Job
	err := c.container.Read(ctx, func(_ context.Context, s *state.State) error {
		jobs = s.Jobs.Jobs()
		return nil
	})
	return jobs, err
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh)  → 通知所有循環停止，取消進行中的 RPC
//  2. 停止週期性任務
//  3. pool.Stop()    → 等待 worker 完成並關閉 resultCh（resultLoop 因此退出）
//  4. loopWg.Wait()  → 等待所有循環退出
//  5. OnSuspend      → 最終快照，保存後旋轉並關閉 WAL
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		logger().Info("Controller already stopped")
		return nil
	}
	c.stopped = true
	ready := c.ready
	cancel := c.cancel
	c.mu.Unlock()

	logger().Info("Stopping controller...")

	close(c.stopCh)
	if cancel != nil {
		cancel()
	}
	c.recurring.stop()
	c.pool.Stop()
	c.loopWg.Wait()

	// 恢復失敗時不覆寫既有快照
	var errs []error
	if ready {
		c.journalMu.Lock()
		b, err := c.OnSuspend(ctx)
		if err == nil {
			err = c.persistLocked(ctx, b)
		}
		c.journalMu.Unlock()
		if err != nil {
			logger().Error("Failed to take final snapshot", "error", err)
			errs = append(errs, err)
		}
	}

	if err := c.wal.Close(); err != nil {
		logger().Error("Failed to close WAL", "error", err)
		errs = append(errs, err)
	}
	if err := c.snapshot.Close(); err != nil {
		errs = append(errs, err)
	}

	logger().Info("Controller stopped")
	return errors.Join(errs...)
}

// ============================================================================
// 內部工具
// ============================================================================

// journaled 在 Mutate 範圍內執行 fn，成功後依序寫入 fn 回傳的 WAL 事件
func (c *Controller) journaled(ctx context.Context, fn func(ctx context.Context, s *state.State) ([]wal.Event, error)) error {
	c.journalMu.Lock()
	defer c.journalMu.Unlock()

	var events []wal.Event
	err := c.container.Mutate(ctx, func(ctx context.Context, s *state.State) error {
		ev, err := fn(ctx, s)
		events = ev
		return err
	})
	for _, e := range events {
		if werr := c.wal.Append(e); werr != nil {
			return errors.Join(err, fmt.Errorf("failed to append %s event: %w", e.Type, werr))
		}
	}
	return err
}

// finishTask 結束背景任務標記
func (c *Controller) finishTask(kind types.TaskType) {
	err := c.container.Mutate(context.Background(), func(_ context.Context, s *state.State) error {
		s.FinishTask(kind)
		return nil
	})
	if err != nil && !errors.Is(err, state.ErrNotRunning) {
		logger().Error("Failed to finish task", "task", kind, "error", err)
	}
}

// refreshGauges 以目前狀態更新 gauge 類指標
func (c *Controller) refreshGauges(ctx context.Context) {
	var jobs, pending int
	var cursor *big.Int
	err := c.container.Read(ctx, func(_ context.Context, s *state.State) error {
		jobs = s.Jobs.Len()
		pending = s.Ledger.Stats()["pending"]
		cursor = types.CloneBig(s.LastScrapedBlock)
		return nil
	})
	if err != nil {
		return
	}
	c.metrics.SetJobsRegistered(jobs)
	c.metrics.SetEventsPending(pending)
	if cursor.IsUint64() {
		c.metrics.SetLastScrapedBlock(cursor.Uint64())
	}
}
