package snapshot

// ============================================================================
// 職責說明：
// 1. 包裝 Store，統一快照的保存與載入流程
// 2. 記錄快照大小與耗時，供 metrics 使用
// 3. 配合 WAL 實現快速恢復
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

func logger() *slog.Logger { return slog.Default() }

// Manager 快照管理器
type Manager struct {
	store Store
	mu    sync.Mutex // 序列化寫入

	lastSize     int
	lastDuration time.Duration
}

// NewManager 建立快照管理器實例
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Write 保存一份已編碼的快照
func (m *Manager) Write(ctx context.Context, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if err := m.store.Save(ctx, b); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	m.lastSize = len(b)
	m.lastDuration = time.Since(start)

	logger().Debug("snapshot written", "bytes", m.lastSize, "duration", m.lastDuration)
	return nil
}

// Load 讀取最新快照
//
// 行為：
//   - 尚無快照時回傳 (nil, false, nil)（首次啟動）
//   - 其他錯誤原樣回傳
func (m *Manager) Load(ctx context.Context) ([]byte, bool, error) {
	b, err := m.store.Load(ctx)
	if errors.Is(err, ErrSnapshotNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot load: %w", err)
	}
	return b, true, nil
}

// LastWrite 最近一次寫入的大小與耗時
func (m *Manager) LastWrite() (int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSize, m.lastDuration
}

// Close 釋放後端資源
func (m *Manager) Close() error {
	return m.store.Close()
}
