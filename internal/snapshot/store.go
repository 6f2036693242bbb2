package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// backupLayout 備份檔名的時間戳後綴：<path>.<backupLayout>
const backupLayout = "20060102_150405.000000000"

// Store 快照位元組的持久化後端
//
// Load 在尚無快照時回傳 ErrSnapshotNotFound。
type Store interface {
	Save(ctx context.Context, b []byte) error
	Load(ctx context.Context) ([]byte, error)
	Close() error
}

// ============================================================================
// FileStore - 本地檔案
// ============================================================================

// FileStore 以原子性寫入（temp file + rename）保存快照檔
type FileStore struct {
	path        string
	keepBackups int // 0 表示不保留備份
	mu          sync.Mutex
}

// NewFileStore 建立檔案後端
func NewFileStore(path string, keepBackups int) *FileStore {
	return &FileStore{path: path, keepBackups: keepBackups}
}

// Path 快照檔案路徑
func (s *FileStore) Path() string {
	return s.path
}

// Save 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 若保留備份，先將舊檔改名為帶時間戳的備份
// 2. 寫入臨時檔案（.tmp）並 fsync
// 3. 使用 os.Rename 原子性替換原始檔案
// 4. fsync 所在目錄，讓 rename 本身也落盤
func (s *FileStore) Save(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	if s.keepBackups > 0 && s.exists() {
		backupPath := fmt.Sprintf("%s.%s", s.path, time.Now().Format(backupLayout))
		if err := copyFile(s.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := s.pruneBackups(); err != nil {
			return err
		}
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	if err := syncDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to sync snapshot dir: %w", err)
	}
	return nil
}

// Load 讀取快照檔
func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return b, nil
}

// Close 檔案後端無需釋放資源
func (s *FileStore) Close() error { return nil }

// Backups 目前的備份檔，由舊到新
//
// 只認得 Save 產生的時間戳後綴；其他同名前綴的檔案（.bak、.tmp）不算備份。
func (s *FileStore) Backups() ([]string, error) {
	matches, err := filepath.Glob(s.path + ".*")
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if _, err := time.Parse(backupLayout, strings.TrimPrefix(m, s.path+".")); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FileStore) exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// pruneBackups 清理過舊的備份檔案（保留最近 keepBackups 個）
func (s *FileStore) pruneBackups() error {
	backups, err := s.Backups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	for len(backups) > s.keepBackups {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}

// syncDir fsync 目錄本身，讓其中的 rename 持久化
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func copyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, b, 0644)
}
