package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/google/uuid"
)

// Task 代表一次到期任務的執行
type Task struct {
	RunID   uuid.UUID     // 每次執行的唯一識別碼（週期性任務每次不同）
	JobID   types.JobID   // 任務 ID
	Param   uint64        // 排程參數（執行時間或間隔）
	Kind    types.JobKind // 部署變體
	Timeout time.Duration // 執行超時時間，0 表示不限制
}

// NewTask 建立帶新 RunID 的任務
func NewTask(job types.Job, kind types.JobKind, timeout time.Duration) Task {
	return Task{
		RunID:   uuid.New(),
		JobID:   job.ID,
		Param:   job.Param,
		Kind:    kind,
		Timeout: timeout,
	}
}

// Result 代表任務執行結果
type Result struct {
	Task     Task          // 原始任務
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}

// Runner 實際執行任務的邏輯
//
// 簽署與送出交易由 Runner 的實作負責，不在排程器的範圍內。
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// RunnerFunc 讓普通函式滿足 Runner
type RunnerFunc func(ctx context.Context, task Task) error

// Run 呼叫 f
func (f RunnerFunc) Run(ctx context.Context, task Task) error {
	return f(ctx, task)
}
