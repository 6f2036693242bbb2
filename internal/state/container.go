// ============================================================================
// chainfusion-scheduler 狀態容器
// ============================================================================
//
// Package: internal/state
// 文件: container.go
// 功能: 以 Read / Mutate 兩種範圍存取唯一的 State，並管理生命週期
//
// 生命週期:
//   Uninitialized ──Init──► Running ──Suspend──► Suspended ──Resume──► Running
//
//   - 只有 Running 可以開啟範圍
//   - 剛初始化、尚未服務過任何範圍的容器可以直接 Resume（啟動時載入快照）
//
// 範圍規則:
//   - 在範圍內再開啟任何範圍回傳 ErrNestedScope：以 ctx 標記或持有範圍的
//     goroutine 判斷，所以 fn 內改用 context.Background() 也不會死鎖
//   - 其他 goroutine 的範圍照常排隊等待
//   - Mutate 獨佔，Read 可並行；fn 內不得做 I/O
//   - Read 範圍內不得修改 State
//
// ============================================================================

package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
)

var (
	// ErrNotRunning 容器不在 Running 狀態
	ErrNotRunning = errors.New("state container is not running")
	// ErrNestedScope 在範圍內再開啟範圍（程式錯誤）
	ErrNestedScope = errors.New("nested state scope")
	// ErrAlreadyInitialized 重複初始化
	ErrAlreadyInitialized = errors.New("state container already initialized")
	// ErrInvalidTransition 不合法的生命週期轉換
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Phase 容器生命週期
type Phase int32

const (
	Uninitialized Phase = iota
	Running
	Suspended
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

type scopeKey struct{}

// Container 狀態容器
type Container struct {
	mu     sync.RWMutex
	state  *State
	phase  Phase
	served atomic.Bool // 是否已服務過任何範圍

	holders sync.Map // goroutine id -> struct{}，目前持有範圍者
}

// NewContainer 建立未初始化的容器
func NewContainer() *Container {
	return &Container{}
}

// Init 以設定初始化狀態並進入 Running
func (c *Container) Init(cfg Config) error {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != Uninitialized {
		return ErrAlreadyInitialized
	}
	c.state = newState(cfg)
	c.phase = Running
	return nil
}

// Phase 目前的生命週期
func (c *Container) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Read 開啟唯讀範圍
func (c *Container) Read(ctx context.Context, fn func(ctx context.Context, s *State) error) error {
	release, err := c.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer release()
	if c.phase != Running {
		return ErrNotRunning
	}
	c.served.Store(true)
	return fn(c.scope(ctx), c.state)
}

// Mutate 開啟獨佔修改範圍
func (c *Container) Mutate(ctx context.Context, fn func(ctx context.Context, s *State) error) error {
	release, err := c.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()
	if c.phase != Running {
		return ErrNotRunning
	}
	c.served.Store(true)
	return fn(c.scope(ctx), c.state)
}

// Snapshot 在唯讀範圍內編碼目前的登錄表與游標，不改變生命週期
func (c *Container) Snapshot(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.Read(ctx, func(_ context.Context, s *State) error {
		b, err := snapshot.Encode(s.SnapshotData())
		out = b
		return err
	})
	return out, err
}

// Suspend 編碼快照並進入 Suspended；之後所有範圍都會被拒絕
func (c *Container) Suspend(ctx context.Context) ([]byte, error) {
	release, err := c.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()
	if c.phase != Running {
		return nil, ErrNotRunning
	}
	b, err := snapshot.Encode(c.state.SnapshotData())
	if err != nil {
		return nil, err
	}
	c.phase = Suspended
	return b, nil
}

// Resume 解碼快照、覆寫登錄表與游標並回到 Running
//
// 其餘狀態（帳本、跳過區塊、設定）維持正常啟動路徑的初始值。
// 解碼失敗時狀態與生命週期都不變。
func (c *Container) Resume(ctx context.Context, b []byte) error {
	release, err := c.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	fresh := c.phase == Running && !c.served.Load()
	if c.phase != Suspended && !fresh {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.phase)
	}

	data, err := snapshot.Decode(b)
	if err != nil {
		return err
	}
	c.state.Jobs.Restore(data.Jobs)
	c.state.LastScrapedBlock = data.LastScrapedBlock
	c.phase = Running
	return nil
}

// acquire 取得鎖並登記持有者；同一 goroutine 重複進入時不等待鎖，直接回傳 ErrNestedScope
func (c *Container) acquire(ctx context.Context, exclusive bool) (func(), error) {
	if owner, ok := ctx.Value(scopeKey{}).(*Container); ok && owner == c {
		return nil, ErrNestedScope
	}
	g := goroutineID()
	if _, held := c.holders.Load(g); held {
		return nil, ErrNestedScope
	}

	if exclusive {
		c.mu.Lock()
	} else {
		c.mu.RLock()
	}
	c.holders.Store(g, struct{}{})

	return func() {
		c.holders.Delete(g)
		if exclusive {
			c.mu.Unlock()
		} else {
			c.mu.RUnlock()
		}
	}, nil
}

func (c *Container) scope(ctx context.Context) context.Context {
	return context.WithValue(ctx, scopeKey{}, c)
}

// goroutineID 解析 runtime.Stack 的第一行 "goroutine N [...]"
func goroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseInt(string(b), 10, 64)
	return id
}
