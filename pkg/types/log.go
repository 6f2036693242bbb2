package types

import (
	"errors"
	"math/big"
)

// ErrLogNotFinal log 尚未被打包（缺少 tx hash 或 log index）
var ErrLogNotFinal = errors.New("log entry has no transaction hash or log index")

// LogRecord 一筆原始 log 事件，對 core 而言是不透明的載荷
// 欄位對應 eth_getLogs 的回傳
type LogRecord struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber *big.Int `json:"block_number,omitempty"`
	BlockHash   string   `json:"block_hash,omitempty"`
	TxHash      string   `json:"transaction_hash,omitempty"`
	LogIndex    *big.Int `json:"log_index,omitempty"`
	Removed     bool     `json:"removed"`
}

// Identity 由 log 的來源推導事件識別
func (r LogRecord) Identity() (EventIdentity, error) {
	if r.TxHash == "" || r.LogIndex == nil {
		return EventIdentity{}, ErrLogNotFinal
	}
	return NewEventIdentity(r.TxHash, r.LogIndex)
}

// Clone 深拷貝，讓帳本持有的記錄不與呼叫端共用切片
func (r LogRecord) Clone() LogRecord {
	out := r
	out.Topics = append([]string(nil), r.Topics...)
	out.BlockNumber = CloneBig(r.BlockNumber)
	out.LogIndex = CloneBig(r.LogIndex)
	return out
}
