// Package chain 連接 EVM 節點：查詢區塊高度、抓取 log，並解碼 NewJob 事件
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// ErrNoEndpoints 沒有可用的 RPC 端點
var ErrNoEndpoints = errors.New("no rpc endpoints configured")

// LogSource 掃描驅動所需的鏈上資料來源
type LogSource interface {
	// LatestBlock 依標籤（latest / safe / finalized）查詢區塊高度
	LatestBlock(ctx context.Context, tag string) (*big.Int, error)
	// FilterLogs 抓取 [from, to] 範圍內符合過濾條件的 log
	FilterLogs(ctx context.Context, from, to *big.Int, addresses []string, topics [][]string) ([]types.LogRecord, error)
}
