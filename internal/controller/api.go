package controller

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/blocks"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/chain"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/ledger"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/metrics"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/storage/wal"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// ============================================================================
// 對外入口
//
// 每個入口都透過 state.Container 的範圍存取狀態。協定違規以錯誤回傳，
// 同時計入 chainfusion_protocol_violations_total 並以 error 等級記錄。
// ============================================================================

// HandleEvent 登記並立即處理一個事件：record_pending → record_processed → decode → upsert
//
// decode 為 nil 時使用部署設定的 NewJob 解碼器。
// 解碼失敗時事件仍為 processed（同一個 log 不會再被接受），回傳的錯誤包裝 chain.ErrUndecodable。
func (c *Controller) HandleEvent(ctx context.Context, id types.EventIdentity, raw types.LogRecord, decode chain.Decoder) (types.DecodedJob, error) {
	if decode == nil {
		decode = c.decode
	}

	var job types.DecodedJob
	var jobs, pending int
	err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
		if err := s.Ledger.RecordPending(id, raw); err != nil {
			return nil, err
		}
		j, events, err := applyEvent(s, id, decode)
		job = j
		jobs, pending = s.Jobs.Len(), s.Ledger.Stats()["pending"]
		return events, err
	})
	if err != nil {
		return types.DecodedJob{}, c.eventFailed("handle_event", id, err)
	}

	c.eventApplied(job, jobs, pending)
	return job, nil
}

// processEvent 處理一個已登記的 pending 事件
func (c *Controller) processEvent(ctx context.Context, id types.EventIdentity, decode chain.Decoder) (types.DecodedJob, error) {
	var job types.DecodedJob
	var jobs, pending int
	err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
		j, events, err := applyEvent(s, id, decode)
		job = j
		jobs, pending = s.Jobs.Len(), s.Ledger.Stats()["pending"]
		return events, err
	})
	if err != nil {
		return types.DecodedJob{}, c.eventFailed("process_event", id, err)
	}

	c.eventApplied(job, jobs, pending)
	return job, nil
}

// applyEvent 在 Mutate 範圍內：record_processed → decode → upsert
func applyEvent(s *state.State, id types.EventIdentity, decode chain.Decoder) (types.DecodedJob, []wal.Event, error) {
	rec, err := s.Ledger.RecordProcessed(id)
	if err != nil {
		return types.DecodedJob{}, nil, err
	}
	job, err := decode(rec)
	if err != nil {
		return types.DecodedJob{}, nil, fmt.Errorf("decode %s: %w", id, err)
	}
	s.Jobs.Upsert(job.ID, job.Param)
	return job, []wal.Event{wal.Upsert(job.ID, job.Param)}, nil
}

func (c *Controller) eventApplied(job types.DecodedJob, jobs, pending int) {
	c.metrics.RecordProcessed()
	c.metrics.SetJobsRegistered(jobs)
	c.metrics.SetEventsPending(pending)
	if c.kind == types.KindRecurring {
		c.recurring.arm(types.Job{ID: job.ID, Param: job.Param})
	}
	logger().Info("Job registered", "job_id", job.ID, "param", job.Param)
}

func (c *Controller) eventFailed(op string, id types.EventIdentity, err error) error {
	if errors.Is(err, chain.ErrUndecodable) {
		// 帳本轉換已完成
		c.metrics.RecordProcessed()
		return err
	}
	c.observe(op+" "+id.String(), err)
	return err
}

// NextDueJob 回傳排程參數最小的任務；登錄表為空時 ok 為 false
func (c *Controller) NextDueJob(ctx context.Context) (types.Job, bool, error) {
	var (
		job types.Job
		ok  bool
	)
	err := c.container.Read(ctx, func(_ context.Context, s *state.State) error {
		job, ok = s.Jobs.Earliest()
		return nil
	})
	return job, ok, err
}

// CancelJob 移除任務並回傳先前的排程參數；任務不存在時 ok 為 false（不是錯誤）
func (c *Controller) CancelJob(ctx context.Context, id types.JobID) (uint64, bool, error) {
	var (
		param uint64
		ok    bool
		jobs  int
	)
	err := c.journaled(ctx, func(_ context.Context, s *state.State) ([]wal.Event, error) {
		param, ok = s.Jobs.Remove(id)
		jobs = s.Jobs.Len()
		if !ok {
			return nil, nil
		}
		return []wal.Event{wal.Remove(id)}, nil
	})
	if err != nil {
		return 0, false, err
	}
	if ok {
		c.recurring.disarm(id)
		c.metrics.SetJobsRegistered(jobs)
		logger().Info("Job cancelled", "job_id", id, "param", param)
	}
	return param, ok, nil
}

// MarkBlockSkipped 記錄一個無法取得 log 的區塊；重複記錄為協定違規
func (c *Controller) MarkBlockSkipped(ctx context.Context, n *big.Int) error {
	err := c.container.Mutate(ctx, func(_ context.Context, s *state.State) error {
		return s.Skipped.RecordSkipped(n)
	})
	if err != nil {
		return c.violation("mark_block_skipped", err)
	}
	c.metrics.RecordSkippedBlock()
	return nil
}

// OnSuspend 編碼登錄表與游標並暫停容器
func (c *Controller) OnSuspend(ctx context.Context) ([]byte, error) {
	b, err := c.container.Suspend(ctx)
	if err != nil {
		return nil, c.violation("on_suspend", err)
	}
	logger().Info("State suspended", "bytes", len(b))
	return b, nil
}

// OnResume 以快照覆寫登錄表與游標並恢復容器
//
// 解碼失敗時狀態不變。週期性任務依新的登錄表重新武裝。
func (c *Controller) OnResume(ctx context.Context, b []byte) error {
	if err := c.container.Resume(ctx, b); err != nil {
		return c.violation("on_resume", err)
	}

	jobs, err := c.ListJobs(ctx)
	if err != nil {
		return err
	}
	if c.kind == types.KindRecurring {
		for _, job := range jobs {
			c.recurring.arm(job)
		}
	}
	c.refreshGauges(ctx)
	logger().Info("State resumed", "jobs", len(jobs))
	return nil
}

// ============================================================================
// 協定違規
// ============================================================================

// observe 若 err 為協定違規則計數並記錄，回傳是否為協定違規
func (c *Controller) observe(op string, err error) bool {
	if !types.IsProtocolViolation(err) {
		return false
	}
	c.metrics.RecordViolation(violationKind(err))
	logger().Error("Protocol violation", "op", op, "error", err)
	return true
}

// violation 同 observe，回傳原錯誤
func (c *Controller) violation(op string, err error) error {
	c.observe(op, err)
	return err
}

func violationKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return metrics.KindDuplicateEvent
	case errors.Is(err, ledger.ErrUnknownEvent):
		return metrics.KindUnknownEvent
	case errors.Is(err, blocks.ErrBlockAlreadySkipped):
		return metrics.KindBlockAlreadySkipped
	case errors.Is(err, blocks.ErrInvalidBlockNumber):
		return metrics.KindInvalidBlock
	case errors.Is(err, snapshot.ErrCorruptedSnapshot):
		return metrics.KindCorruptedSnapshot
	case errors.Is(err, snapshot.ErrIncompatibleVersion):
		return metrics.KindIncompatibleFormat
	default:
		return metrics.KindOther
	}
}
