// ============================================================================
// chainfusion-scheduler 跳過區塊帳本
// ============================================================================
//
// Package: internal/blocks
// 文件: skipped.go
// 功能: 記錄掃描時因 RPC 持續失敗而放棄的區塊高度
//
// 區塊號以數值正規化（"0x10" 與 16 視為同一個區塊），
// 只增不減，重複記錄視為協定違規。
//
// ============================================================================

package blocks

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

var (
	// ErrBlockAlreadySkipped 同一個區塊被記錄兩次
	ErrBlockAlreadySkipped = errors.New("block already marked as skipped")
	// ErrInvalidBlockNumber nil 或負數
	ErrInvalidBlockNumber = errors.New("invalid block number")
)

// SkippedBlocks 跳過的區塊集合
type SkippedBlocks struct {
	set map[string]*big.Int // key 為十進位字串
}

// NewSkippedBlocks 建立空集合
func NewSkippedBlocks() *SkippedBlocks {
	return &SkippedBlocks{set: make(map[string]*big.Int)}
}

// RecordSkipped 記錄一個被跳過的區塊
func (s *SkippedBlocks) RecordSkipped(n *big.Int) error {
	if n == nil || n.Sign() < 0 {
		return types.Violation("record_skipped", "", ErrInvalidBlockNumber)
	}
	key := n.String()
	if _, ok := s.set[key]; ok {
		return types.Violation("record_skipped", key, ErrBlockAlreadySkipped)
	}
	s.set[key] = types.CloneBig(n)
	return nil
}

// Contains 查詢
func (s *SkippedBlocks) Contains(n *big.Int) bool {
	if n == nil {
		return false
	}
	_, ok := s.set[n.String()]
	return ok
}

// Len 數量
func (s *SkippedBlocks) Len() int {
	return len(s.set)
}

// List 由小到大排序的副本
func (s *SkippedBlocks) List() []*big.Int {
	out := make([]*big.Int, 0, len(s.set))
	for _, n := range s.set {
		out = append(out, types.CloneBig(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
