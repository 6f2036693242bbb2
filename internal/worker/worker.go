// ============================================================================
// chainfusion-scheduler Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes due jobs, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (or exit when stopCh closes)
//   2. Run the task through the Runner (with timeout control)
//   3. Send result to resultCh
//
// Timeout Control:
//   Use context.WithTimeout so a Runner never executes indefinitely.
//   A Runner that panics is reported as a failed Result; the Worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// logger 每次取用目前的預設 logger，讓 slog.SetDefault 之後的設定生效
func logger() *slog.Logger { return slog.Default() }

// Worker represents a work execution unit
type Worker struct {
	id       int
	runner   Runner
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

// newWorker creates a new Worker instance
func newWorker(id int, runner Runner, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		runner:   runner,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				return
			}
		}
	}
}

// execute runs one task and converts panics into errors
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.Task = task

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger().Error("runner panic", "worker", w.id, "job_id", task.JobID, "panic", r)
			result.Error = fmt.Errorf("runner panic: %v", r)
		}
		result.Success = result.Error == nil
		result.Duration = time.Since(start)
	}()

	result.Error = w.runner.Run(ctx, task)
	return result
}

// ============================================================================
// 預設 Runner
// ============================================================================

// LogRunner 只記錄任務到期，不做任何鏈上動作
type LogRunner struct {
	Logger *slog.Logger
}

// Run 記錄一次執行
func (r LogRunner) Run(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := r.Logger
	if l == nil {
		l = logger()
	}
	l.Info("executing job",
		"job_id", task.JobID,
		"kind", task.Kind,
		"param", task.Param,
		"run_id", task.RunID,
	)
	return nil
}
