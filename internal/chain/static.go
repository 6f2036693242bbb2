package chain

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// StaticSource 記憶體中的 LogSource，用於 demo 與測試
type StaticSource struct {
	mu     sync.Mutex
	latest *big.Int
	logs   []types.LogRecord

	// FailFn 不為 nil 時，FilterLogs 先以它決定是否回傳錯誤
	FailFn func(from, to *big.Int) error
}

// NewStaticSource 建立空來源
func NewStaticSource() *StaticSource {
	return &StaticSource{latest: new(big.Int)}
}

// AddLogs 加入 log，若區塊高於目前高度則一併推進
func (s *StaticSource) AddLogs(logs ...types.LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range logs {
		s.logs = append(s.logs, l.Clone())
		if l.BlockNumber != nil && l.BlockNumber.Cmp(s.latest) > 0 {
			s.latest = types.CloneBig(l.BlockNumber)
		}
	}
}

// SetLatest 設定鏈上高度
func (s *StaticSource) SetLatest(n *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = types.CloneBig(n)
}

// LatestBlock 所有標籤都回傳同一個高度
func (s *StaticSource) LatestBlock(ctx context.Context, _ string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneBig(s.latest), nil
}

// FilterLogs 回傳區塊範圍內、符合地址與 topic 的 log，依 (區塊, log index) 排序
func (s *StaticSource) FilterLogs(ctx context.Context, from, to *big.Int, addresses []string, topics [][]string) ([]types.LogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailFn != nil {
		if err := s.FailFn(from, to); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.LogRecord
	for _, l := range s.logs {
		if l.BlockNumber == nil || l.BlockNumber.Cmp(from) < 0 || l.BlockNumber.Cmp(to) > 0 {
			continue
		}
		if !matchAddress(l.Address, addresses) || !matchTopics(l.Topics, topics) {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].BlockNumber.Cmp(out[j].BlockNumber); c != 0 {
			return c < 0
		}
		if out[i].LogIndex == nil || out[j].LogIndex == nil {
			return false
		}
		return out[i].LogIndex.Cmp(out[j].LogIndex) < 0
	})
	return out, nil
}

func matchAddress(addr string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.EqualFold(addr, f) {
			return true
		}
	}
	return false
}

// matchTopics 與 eth_getLogs 相同：每個位置為 OR，空位置表示任意
func matchTopics(topics []string, filter [][]string) bool {
	for i, position := range filter {
		if len(position) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		ok := false
		for _, f := range position {
			if strings.EqualFold(topics[i], f) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
