package types

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidTxHash 交易雜湊不是 32-byte 十六進位
	ErrInvalidTxHash = errors.New("invalid transaction hash")
	// ErrInvalidLogIndex log index 不是非負整數
	ErrInvalidLogIndex = errors.New("invalid log index")
)

// EventIdentity 一個 log 事件的唯一識別：來源交易雜湊 + 該交易中的 log 位置
//
// 欄位在建構時正規化（雜湊小寫 0x 前綴、index 為十進位），
// 因此可直接作為 map key，且相同的值必定相等。
type EventIdentity struct {
	txHash   string
	logIndex string
}

// NewEventIdentity 由交易雜湊與 log index 建立事件識別
func NewEventIdentity(txHash string, logIndex *big.Int) (EventIdentity, error) {
	hash, err := canonicalTxHash(txHash)
	if err != nil {
		return EventIdentity{}, err
	}
	if logIndex == nil || logIndex.Sign() < 0 {
		return EventIdentity{}, fmt.Errorf("%w: %v", ErrInvalidLogIndex, logIndex)
	}
	return EventIdentity{txHash: hash, logIndex: logIndex.String()}, nil
}

// ParseEventIdentity 接受十進位或 0x 十六進位的 log index
func ParseEventIdentity(txHash, logIndex string) (EventIdentity, error) {
	idx, err := ParseBigUint(logIndex)
	if err != nil {
		return EventIdentity{}, fmt.Errorf("%w: %v", ErrInvalidLogIndex, err)
	}
	return NewEventIdentity(txHash, idx)
}

// MustEventIdentity 測試用
func MustEventIdentity(txHash string, logIndex uint64) EventIdentity {
	id, err := NewEventIdentity(txHash, new(big.Int).SetUint64(logIndex))
	if err != nil {
		panic(err)
	}
	return id
}

// TxHash 正規化後的交易雜湊
func (e EventIdentity) TxHash() string { return e.txHash }

// LogIndex log 在交易中的位置
func (e EventIdentity) LogIndex() *big.Int {
	n, _ := new(big.Int).SetString(e.logIndex, 10)
	return n
}

// IsZero 未經建構的零值
func (e EventIdentity) IsZero() bool { return e.txHash == "" }

func (e EventIdentity) String() string {
	return e.txHash + "#" + e.logIndex
}

// Compare 全序：先比雜湊，再比 log index 的數值
func Compare(a, b EventIdentity) int {
	if c := strings.Compare(a.txHash, b.txHash); c != 0 {
		return c
	}
	// 十進位正規形式沒有前導零，長度較短者數值較小
	if len(a.logIndex) != len(b.logIndex) {
		if len(a.logIndex) < len(b.logIndex) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.logIndex, b.logIndex)
}

// SortIdentities 依 Compare 就地排序
func SortIdentities(ids []EventIdentity) {
	sort.Slice(ids, func(i, j int) bool { return Compare(ids[i], ids[j]) < 0 })
}

func canonicalTxHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !has0x(s) {
		s = "0x" + s
	}
	b, err := hexutil.Decode(strings.ToLower(s))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidTxHash, s, err)
	}
	if len(b) != common.HashLength {
		return "", fmt.Errorf("%w: %q has %d bytes", ErrInvalidTxHash, s, len(b))
	}
	return common.BytesToHash(b).Hex(), nil
}
