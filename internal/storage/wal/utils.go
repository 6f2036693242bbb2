package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 讀取、驗證與診斷的輔助功能
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// scan 逐行讀取 WAL 檔案，每個完整解析的事件呼叫一次 fn
//
// 無法解析的行回傳 *CorruptionError；若它是沒有換行結尾的最後一行，
// 標記為 Truncated（寫入中途崩潰）。
func scan(path string, fn func(e Event, offset int64) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset int64
	var lastSeq uint64
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			terminated := line[len(line)-1] == '\n'
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var e Event
				if err := json.Unmarshal(trimmed, &e); err != nil {
					return &CorruptionError{Seq: lastSeq, Offset: offset, Truncated: !terminated, Cause: err}
				}
				if err := fn(e, offset); err != nil {
					return err
				}
				lastSeq = e.Seq
			}
			offset += int64(len(line))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// ============================================================================
// 檔案操作輔助
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭掃描；檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(e Event, _ int64) error {
		last = &e
		return nil
	})
	if err != nil && !IsTornTail(err) {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中可解析的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(Event, int64) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateWAL(path string) error {
	var expected uint64 = 1
	return scan(path, func(e Event, offset int64) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		if e.Seq != expected {
			return &CorruptionError{
				Seq:    expected - 1,
				Offset: offset,
				Cause:  fmt.Errorf("sequence gap: got %d, want %d", e.Seq, expected),
			}
		}
		expected++
		return nil
	})
}

// ============================================================================
// 除錯與診斷工具
// ============================================================================

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[Seq:1] UPSERT job=7 param=1000 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return scan(path, func(e Event, _ int64) error {
		mark := ""
		if VerifyChecksum(e) != nil {
			mark = " [BAD CHECKSUM]"
		}
		var body string
		switch e.Type {
		case EventUpsert:
			body = fmt.Sprintf("job=%s param=%d", e.JobID, e.Param)
		case EventRemove:
			body = fmt.Sprintf("job=%s", e.JobID)
		case EventCursor:
			body = fmt.Sprintf("block=%s", e.Block)
		}
		ts := time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339)
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s at %s (checksum:0x%08x)%s\n", e.Seq, e.Type, body, ts, e.Checksum, mark)
		return err
	})
}

// ============================================================================
// 統計與分析
// ============================================================================

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents    int               `json:"total_events"`
	EventTypes     map[EventType]int `json:"event_types"`
	FirstSeq       uint64            `json:"first_seq"`
	LastSeq        uint64            `json:"last_seq"`
	TimeRange      [2]int64          `json:"time_range"` // [最早, 最晚]，Unix 毫秒
	CorruptedCount int               `json:"corrupted_count"`
	TornTail       bool              `json:"torn_tail"`
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := scan(path, func(e Event, _ int64) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
			stats.TimeRange[0] = e.Timestamp
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		stats.TimeRange[1] = e.Timestamp
		if VerifyChecksum(e) != nil {
			stats.CorruptedCount++
		}
		return nil
	})
	if err != nil {
		if !errors.As(err, new(*CorruptionError)) {
			return nil, err
		}
		stats.CorruptedCount++
		stats.TornTail = IsTornTail(err)
	}
	return stats, nil
}
