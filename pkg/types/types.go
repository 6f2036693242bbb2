// Package types 定義了 chainfusion-scheduler 系統中使用的核心領域模型
package types

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// JobKind 部署變體：同一個部署只會有一種
type JobKind string

// 定義任務種類常數
const (
	KindOneShot   JobKind = "one_shot"  // 排程參數為絕對執行時間（Unix 秒）
	KindRecurring JobKind = "recurring" // 排程參數為重複間隔（秒）：先執行一次，之後每隔 N 秒
)

// ParseJobKind 解析設定檔中的任務種類
func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case KindOneShot, KindRecurring:
		return JobKind(s), nil
	case "":
		return KindOneShot, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", s)
	}
}

// Job 任務結構：只存在於 Job Registry 中
type Job struct {
	ID    JobID  `json:"id"`    // 256-bit 任務識別碼
	Param uint64 `json:"param"` // 排程參數，意義由 JobKind 決定
}

// maxDueUnix time.Time 內部以 year 1 為起點，過大的秒數會溢位
const maxDueUnix = 1 << 62

// DueAt 一次性任務的到期時間；過大的值視為永不到期
func (j Job) DueAt() time.Time {
	if j.Param > maxDueUnix {
		return time.Unix(maxDueUnix, 0)
	}
	return time.Unix(int64(j.Param), 0)
}

// Interval 週期性任務的執行間隔；超出 time.Duration 範圍時取最大值
func (j Job) Interval() time.Duration {
	if j.Param > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(j.Param) * time.Second
}

// DecodedJob 從 NewJob 事件解碼出的資料
type DecodedJob struct {
	ID    JobID
	Param uint64
}

// TaskType 背景任務種類，用於避免同類任務重入
type TaskType string

const (
	TaskScrapeLogs  TaskType = "scrape_logs"
	TaskProcessLogs TaskType = "process_logs"
)

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
// 只包含 Job Registry 與掃描游標，其餘狀態皆可在重啟時重新推導
type SnapshotData struct {
	Jobs             map[JobID]uint64 `json:"jobs"`               // 所有任務的排程參數
	LastScrapedBlock *big.Int         `json:"last_scraped_block"` // 最後掃描的區塊高度
}
