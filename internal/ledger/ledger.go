// ============================================================================
// chainfusion-scheduler 事件去重帳本
// ============================================================================
//
// Package: internal/ledger
// 文件: ledger.go
// 功能: 保證每一個 log 事件最多被處理一次
//
// 狀態轉換:
//   (未見過)
//      ↓ RecordPending()
//   Pending (待處理)
//      ↓ RecordProcessed()
//   Processed (已處理，永久保留)
//
// 不變量:
//   - pending 與 processed 沒有共同的 key
//   - processed 中的識別一定曾經在 pending 中，並在同一步驟被移出
//   - 被拒絕的操作不會留下任何部分修改
//
// 並發:
//   Ledger 本身不加鎖，由 internal/state.Container 的 Read/Mutate 範圍保護。
//
// ============================================================================

package ledger

import (
	"errors"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

var (
	// ErrDuplicateEvent 同一個事件識別被登記兩次
	ErrDuplicateEvent = errors.New("event already recorded")
	// ErrUnknownEvent 嘗試處理一個不在 pending 中的事件（未知或已處理）
	ErrUnknownEvent = errors.New("event is not pending")
)

// Ledger 去重帳本
type Ledger struct {
	pending   map[types.EventIdentity]types.LogRecord
	processed map[types.EventIdentity]types.LogRecord
}

// New 建立空帳本
func New() *Ledger {
	return &Ledger{
		pending:   make(map[types.EventIdentity]types.LogRecord),
		processed: make(map[types.EventIdentity]types.LogRecord),
	}
}

// RecordPending 登記一個新觀察到的事件
//
// 錯誤處理：
//   - 識別已存在於 pending 或 processed：回傳 ErrDuplicateEvent 協定違規
func (l *Ledger) RecordPending(id types.EventIdentity, rec types.LogRecord) error {
	if _, ok := l.pending[id]; ok {
		return types.Violation("record_pending", id.String(), ErrDuplicateEvent)
	}
	if _, ok := l.processed[id]; ok {
		return types.Violation("record_pending", id.String(), ErrDuplicateEvent)
	}
	l.pending[id] = rec.Clone()
	return nil
}

// RecordProcessed 將事件從 pending 移到 processed，回傳被移動的記錄供解碼
//
// 錯誤處理：
//   - 識別不在 pending：回傳 ErrUnknownEvent 協定違規
func (l *Ledger) RecordProcessed(id types.EventIdentity) (types.LogRecord, error) {
	rec, ok := l.pending[id]
	if !ok {
		return types.LogRecord{}, types.Violation("record_processed", id.String(), ErrUnknownEvent)
	}
	delete(l.pending, id)
	l.processed[id] = rec
	return rec.Clone(), nil
}

// HasPending 是否還有待處理事件
func (l *Ledger) HasPending() bool {
	return len(l.pending) > 0
}

// IsPending 查詢
func (l *Ledger) IsPending(id types.EventIdentity) bool {
	_, ok := l.pending[id]
	return ok
}

// IsProcessed 查詢
func (l *Ledger) IsProcessed(id types.EventIdentity) bool {
	_, ok := l.processed[id]
	return ok
}

// PendingIDs 所有待處理事件，依 types.Compare 排序
func (l *Ledger) PendingIDs() []types.EventIdentity {
	ids := make([]types.EventIdentity, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}
	types.SortIdentities(ids)
	return ids
}

// Stats 各狀態事件數量
func (l *Ledger) Stats() map[string]int {
	return map[string]int{
		"pending":   len(l.pending),
		"processed": len(l.processed),
	}
}
