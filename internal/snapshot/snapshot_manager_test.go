package snapshot

// ============================================================================
// Snapshot Manager / FileStore 測試檔案
// 職責：驗證快照的原子性寫入、載入、備份保留與錯誤處理
// ============================================================================

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeCursor(t testing.TB, cursor int64, jobs int) []byte {
	t.Helper()
	data := types.SnapshotData{
		Jobs:             make(map[types.JobID]uint64, jobs),
		LastScrapedBlock: big.NewInt(cursor),
	}
	for i := 0; i < jobs; i++ {
		data.Jobs[types.NewJobID(uint64(i))] = uint64(1000 + i)
	}
	b, err := Encode(data)
	require.NoError(t, err)
	return b
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(NewFileStore(path, 0))

	original := encodeCursor(t, 100, 3)
	require.NoError(t, manager.Write(ctx, original))

	loaded, found, err := manager.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, loaded)

	size, _ := manager.LastWrite()
	assert.Equal(t, len(original), size)
}

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), 0)

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	// Manager 將「不存在」轉為 found=false，不是錯誤
	b, found, err := NewManager(store).Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, b)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(path, 0)
	require.NoError(t, store.Save(ctx, encodeCursor(t, 50, 1)))

	var wg sync.WaitGroup
	wg.Add(2)

	// Goroutine 1: 寫入新快照
	go func() {
		defer wg.Done()
		assert.NoError(t, store.Save(ctx, encodeCursor(t, 100, 2)))
	}()

	// Goroutine 2: 讀取快照
	var loaded []byte
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		b, err := store.Load(ctx)
		assert.NoError(t, err)
		loaded = b
	}()

	wg.Wait()

	// 驗證：應該讀到完整的快照（舊的或新的），不會是半成品
	data, err := Decode(loaded)
	require.NoError(t, err)
	cursor := data.LastScrapedBlock.Int64()
	assert.True(t, cursor == 50 || cursor == 100, "got cursor %d", cursor)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestCorruptedFile 損壞的檔案在解碼時被拒絕
func TestCorruptedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"format":"chainfusion-snapshot","sche`), 0644))

	b, err := NewFileStore(path, 0).Load(ctx)
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(dir, 0555))
	defer os.Chmod(dir, 0755)

	manager := NewManager(NewFileStore(filepath.Join(dir, "snapshot.json"), 0))
	assert.Error(t, manager.Write(context.Background(), encodeCursor(t, 1, 0)))
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"), 0)
	assert.ErrorIs(t, store.Save(ctx, []byte("x")), context.Canceled)
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試備份保留
func TestWriteWithBackup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := NewFileStore(path, 2)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Save(ctx, encodeCursor(t, i, 1)))
	}

	backups, err := store.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2, "only the most recent backups are kept")

	// 最新的備份是倒數第二次寫入
	b, err := os.ReadFile(backups[len(backups)-1])
	require.NoError(t, err)
	data, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, int64(4), data.LastScrapedBlock.Int64())

	b, err = store.Load(ctx)
	require.NoError(t, err)
	data, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, int64(5), data.LastScrapedBlock.Int64())
}

// TestPruneKeepsUnrelatedSiblings 同名前綴但非時間戳後綴的檔案不會被清理
func TestPruneKeepsUnrelatedSiblings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	for _, name := range []string{path + ".bak", path + ".old", path + ".20260101"} {
		require.NoError(t, os.WriteFile(name, []byte("keep"), 0644))
	}
	store := NewFileStore(path, 1)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, store.Save(ctx, encodeCursor(t, i, 1)))
	}

	backups, err := store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.NotContains(t, backups, path+".bak")

	for _, name := range []string{path + ".bak", path + ".old", path + ".20260101"} {
		b, err := os.ReadFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, "keep", string(b))
	}
}

// TestSyncDir 目錄同步
func TestSyncDir(t *testing.T) {
	assert.NoError(t, syncDir(t.TempDir()))
	assert.Error(t, syncDir(filepath.Join(t.TempDir(), "missing")))
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"), 0))

	start := time.Now()
	require.NoError(t, manager.Write(ctx, encodeCursor(t, 10000, 10000)))
	t.Logf("Write duration for 10000 jobs: %v", time.Since(start))

	b, found, err := manager.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	data, err := Decode(b)
	require.NoError(t, err)
	assert.Len(t, data.Jobs, 10000)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"), 0))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, manager.Write(ctx, encodeCursor(t, int64(index), index)))
		}(i)
	}
	wg.Wait()

	b, found, err := manager.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	_, err = Decode(b)
	assert.NoError(t, err, "final snapshot must be one complete write")
}

// ============================================================================
// 外部後端（需要環境變數）
// ============================================================================

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CFS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CFS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url, fmt.Sprintf("test-%d", time.Now().UnixNano()))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	require.NoError(t, store.Save(ctx, encodeCursor(t, 1, 1)))
	want := encodeCursor(t, 2, 2)
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CFS_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CFS_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	key := fmt.Sprintf("chainfusion:test:%d", time.Now().UnixNano())
	store, err := NewRedisStore(ctx, url, key)
	require.NoError(t, err)
	defer func() {
		store.client.Del(ctx, key)
		store.Close()
	}()

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	want := encodeCursor(t, 3, 3)
	require.NoError(t, store.Save(ctx, want))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

// BenchmarkEncode 測試編碼效能
func BenchmarkEncode(b *testing.B) {
	data := types.SnapshotData{Jobs: make(map[types.JobID]uint64), LastScrapedBlock: big.NewInt(1)}
	for i := 0; i < 1000; i++ {
		data.Jobs[types.NewJobID(uint64(i))] = uint64(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(data)
	}
}
