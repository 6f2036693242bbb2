package controller

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// recurringScheduler 週期性任務：武裝時立即執行一次，之後每隔 param 秒執行
//
// 間隔為 0 的任務只執行一次，仍保留在登錄表中。
type recurringScheduler struct {
	mu     sync.Mutex
	submit func(ctx context.Context, job types.Job) error
	ctx    context.Context // nil 表示尚未啟動
	timers map[types.JobID]*armedJob
	wg     sync.WaitGroup
}

type armedJob struct {
	interval uint64
	cancel   context.CancelFunc
}

func newRecurringScheduler(submit func(ctx context.Context, job types.Job) error) *recurringScheduler {
	return &recurringScheduler{
		submit: submit,
		timers: make(map[types.JobID]*armedJob),
	}
}

// start 啟動排程並武裝 jobs
func (r *recurringScheduler) start(ctx context.Context, jobs []types.Job) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	for _, job := range jobs {
		r.arm(job)
	}
}

// arm 武裝任務；間隔未變時保持現有 ticker
func (r *recurringScheduler) arm(job types.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil || r.ctx.Err() != nil {
		return
	}
	if cur, ok := r.timers[job.ID]; ok {
		if cur.interval == job.Param {
			return
		}
		cur.cancel()
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.timers[job.ID] = &armedJob{interval: job.Param, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, job)
	}()
}

// disarm 停止任務的 ticker
func (r *recurringScheduler) disarm(id types.JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.timers[id]; ok {
		cur.cancel()
		delete(r.timers, id)
	}
}

// armed 目前武裝中的任務數
func (r *recurringScheduler) armed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// stop 停止所有 ticker 並等待退出
func (r *recurringScheduler) stop() {
	r.mu.Lock()
	for id, cur := range r.timers {
		cur.cancel()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *recurringScheduler) run(ctx context.Context, job types.Job) {
	r.fire(ctx, job)
	if job.Param == 0 {
		return
	}

	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.fire(ctx, job)
		}
	}
}

func (r *recurringScheduler) fire(ctx context.Context, job types.Job) {
	if err := r.submit(ctx, job); err != nil && ctx.Err() == nil {
		logger().Warn("Failed to submit recurring job", "job_id", job.ID, "interval", job.Param, "error", err)
	}
}
