package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加登錄表與游標的變更到日誌檔案（append-only）
// 2. 提供重放功能以恢復快照之後的變更
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL 表示 Write-Ahead Log 實例
//
// 每個事件在 Append 返回前就寫入檔案，程序崩潰不會遺失；
// syncOnAppend=false 時只有 fsync 以批次進行（到達筆數、逾時或背景定時）。
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	unsynced      int // 已寫入但尚未 fsync 的事件數
	batchSize     int
	lastFlushTime time.Time
	flushInterval time.Duration

	stopFlusher chan struct{}
	flusherDone chan struct{}
	stopOnce    sync.Once
}

// Option 調整 WAL 的批次參數
type Option func(*WAL)

// WithBatch 設定每次 fsync 的事件數與最長間隔（syncOnAppend=false 時生效）
func WithBatch(size int, interval time.Duration) Option {
	return func(w *WAL) {
		if size > 0 {
			w.batchSize = size
		}
		if interval > 0 {
			w.flushInterval = interval
		}
	}
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個完整事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	// 若檔案非空，讀取最後一個事件以取得 seq；損壞的尾端由 Replay 回報
	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		if last, err := GetLastEvent(path); err == nil {
			seq = last.Seq
		}
	}

	w := &WAL{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,

		batchSize:     1000,
		lastFlushTime: time.Now(),
		flushInterval: 1 * time.Second,
		stopFlusher:   make(chan struct{}),
		flusherDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if syncOnAppend {
		close(w.flusherDone)
	} else {
		go w.flushLoop()
	}
	return w, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq、填入 timestamp 與 checksum
// - 立即寫入檔案；syncOnAppend 時立即 fsync，否則累積到批次大小或超時
func (w *WAL) Append(e Event) error {
	if err := validate(e); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	e.Seq = w.seq + 1
	e.Timestamp = time.Now().UnixMilli()
	e.Checksum = CalculateChecksum(e)
	if err := w.encoder.Encode(e); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", e.Seq, err)
	}
	w.seq = e.Seq
	w.unsynced++

	if w.syncOnAppend || w.unsynced >= w.batchSize || time.Since(w.lastFlushTime) > w.flushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 立即同步尚未 fsync 的事件
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 fsync，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止；之前的事件已套用
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}
	return scan(w.path, func(e Event, _ int64) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		return handler(e)
	})
}

// Rotate 旋轉日誌檔案
//
// 在快照成功保存後呼叫：目前的檔案改名為 .prev（覆蓋上一份），
// 並以空檔案重新開始，seq 歸零。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		w.closed = true
		return fmt.Errorf("wal: rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: rotate: %w", err)
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.unsynced = 0
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL 並停止背景同步；關閉後的實例不可再用
func (w *WAL) Close() error {
	defer w.stopOnce.Do(func() {
		close(w.stopFlusher)
		<-w.flusherDone
	})

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// Unsynced 已寫入但尚未 fsync 的事件數
func (w *WAL) Unsynced() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unsynced
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將已寫入的事件同步到磁碟
func (w *WAL) flushLocked() error {
	if w.unsynced == 0 {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	w.unsynced = 0
	w.lastFlushTime = time.Now()
	return nil
}

// flushLoop 每個 flushInterval 同步一次，讓閒置時的最後幾筆事件也能落盤
func (w *WAL) flushLoop() {
	defer close(w.flusherDone)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopFlusher:
			return
		case <-ticker.C:
			w.mu.Lock()
			if !w.closed {
				if err := w.flushLocked(); err != nil {
					slog.Default().Error("wal background sync failed", "path", w.path, "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func validate(e Event) error {
	switch e.Type {
	case EventUpsert, EventRemove:
		return nil
	case EventCursor:
		if e.Block == nil || e.Block.Sign() < 0 {
			return fmt.Errorf("%w: cursor without block", ErrInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidEvent, e.Type)
	}
}
