// ============================================================================
// chainfusion-scheduler 程序狀態
// ============================================================================
//
// Package: internal/state
// 文件: state.go
// 功能: 單一狀態實例，擁有帳本、任務登錄表、跳過區塊與掃描游標
//
// State 只能透過 Container 的 Read/Mutate 範圍取得；
// 各元件本身不加鎖。
//
// ============================================================================

package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/blocks"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/jobmanager"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/ledger"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrInvalidContractAddress 合約地址不是 20-byte hex
	ErrInvalidContractAddress = errors.New("invalid contract address")
	// ErrInvalidTopic topic 不是 32-byte hex
	ErrInvalidTopic = errors.New("invalid topic")
)

// BlockTag 掃描時查詢最新區塊使用的標籤
type BlockTag string

const (
	BlockLatest    BlockTag = "latest"
	BlockSafe      BlockTag = "safe"
	BlockFinalized BlockTag = "finalized"
)

// Config 與核心無關、但由狀態持有的設定
type Config struct {
	RPCEndpoints      []string      // RPC 端點，依序嘗試
	ContractAddresses []string      // eth_getLogs 的 address 過濾
	Topics            [][]string    // eth_getLogs 的 topics 過濾（每個位置可多選）
	KeyID             string        // 簽章金鑰識別
	PublicKey         []byte        // 可選，啟動後推導
	EVMAddress        string        // 可選，由公鑰推導
	BlockTag          BlockTag      // 預設 finalized
	JobKind           types.JobKind // 部署變體
	StartBlock        *big.Int      // 首次啟動時的游標
}

// Clone 深拷貝，Validate 的正規化不影響呼叫端
func (c Config) Clone() Config {
	out := c
	out.RPCEndpoints = append([]string(nil), c.RPCEndpoints...)
	out.ContractAddresses = append([]string(nil), c.ContractAddresses...)
	out.Topics = make([][]string, len(c.Topics))
	for i, position := range c.Topics {
		out.Topics[i] = append([]string(nil), position...)
	}
	out.PublicKey = append([]byte(nil), c.PublicKey...)
	out.StartBlock = types.CloneBig(c.StartBlock)
	return out
}

// Validate 正規化地址與 topic，並檢查格式
func (c *Config) Validate() error {
	for i, addr := range c.ContractAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %q", ErrInvalidContractAddress, addr)
		}
		c.ContractAddresses[i] = common.HexToAddress(addr).Hex()
	}
	for i, position := range c.Topics {
		for j, topic := range position {
			b, err := hexutil.Decode(topic)
			if err != nil || len(b) != common.HashLength {
				return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
			}
			c.Topics[i][j] = common.BytesToHash(b).Hex()
		}
	}
	switch c.BlockTag {
	case "":
		c.BlockTag = BlockFinalized
	case BlockLatest, BlockSafe, BlockFinalized:
	default:
		return fmt.Errorf("unknown block tag %q", c.BlockTag)
	}
	kind, err := types.ParseJobKind(string(c.JobKind))
	if err != nil {
		return err
	}
	c.JobKind = kind
	if c.StartBlock != nil && c.StartBlock.Sign() < 0 {
		return fmt.Errorf("negative start block %s", c.StartBlock)
	}
	return nil
}

// State 程序狀態
type State struct {
	Ledger  *ledger.Ledger
	Jobs    *jobmanager.JobManager
	Skipped *blocks.SkippedBlocks

	LastScrapedBlock  *big.Int // 掃描游標，快照的兩個欄位之一
	LastObservedBlock *big.Int // 最近一次查到的鏈上高度，nil 表示尚未查詢

	Config Config

	activeTasks map[types.TaskType]struct{}
}

// newState 以正常啟動路徑初始化
func newState(cfg Config) *State {
	cursor := new(big.Int)
	if cfg.StartBlock != nil {
		cursor.Set(cfg.StartBlock)
	}
	return &State{
		Ledger:           ledger.New(),
		Jobs:             jobmanager.NewJobManager(),
		Skipped:          blocks.NewSkippedBlocks(),
		LastScrapedBlock: cursor,
		Config:           cfg,
		activeTasks:      make(map[types.TaskType]struct{}),
	}
}

// TryStartTask 標記任務開始；同類任務已在執行時回傳 false
func (s *State) TryStartTask(kind types.TaskType) bool {
	if _, running := s.activeTasks[kind]; running {
		return false
	}
	s.activeTasks[kind] = struct{}{}
	return true
}

// FinishTask 標記任務結束
func (s *State) FinishTask(kind types.TaskType) {
	delete(s.activeTasks, kind)
}

// ActiveTasks 執行中的任務，依名稱排序
func (s *State) ActiveTasks() []types.TaskType {
	out := make([]types.TaskType, 0, len(s.activeTasks))
	for k := range s.activeTasks {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AdvanceCursor 將游標前移到 n；n 不大於目前游標時不動作並回傳 false
func (s *State) AdvanceCursor(n *big.Int) bool {
	if n == nil || n.Cmp(s.LastScrapedBlock) <= 0 {
		return false
	}
	s.LastScrapedBlock = types.CloneBig(n)
	return true
}

// SnapshotData 快照需要的兩個欄位（副本）
func (s *State) SnapshotData() types.SnapshotData {
	return types.SnapshotData{
		Jobs:             s.Jobs.Snapshot(),
		LastScrapedBlock: types.CloneBig(s.LastScrapedBlock),
	}
}
