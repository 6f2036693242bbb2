package snapshot

// ============================================================================
// 職責說明：
// 1. 將 Job Registry 與掃描游標編碼為自描述、帶版本的位元組
// 2. 解碼時驗證格式標記、版本與 CRC32 校驗碼
// 3. 任何不符都回傳協定違規，不嘗試修復
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot not found")
)

// ============================================================================
// 格式定義
// ============================================================================

const (
	// FormatTag 快照格式標記
	FormatTag = "chainfusion-snapshot"
	// SchemaVersion 目前的快照版本
	SchemaVersion = 1
)

// envelope 快照外層
type envelope struct {
	Format        string          `json:"format"`
	SchemaVersion int             `json:"schema_version"`
	Checksum      uint32          `json:"checksum"` // CRC32(IEEE) over compact state
	State         json.RawMessage `json:"state"`
}

// Encode 序列化 Job Registry 與游標
//
// 只包含兩個欄位；nil 游標視為 0。
func Encode(data types.SnapshotData) ([]byte, error) {
	st := types.SnapshotData{
		Jobs:             data.Jobs,
		LastScrapedBlock: data.LastScrapedBlock,
	}
	if st.Jobs == nil {
		st.Jobs = make(map[types.JobID]uint64)
	}
	if st.LastScrapedBlock == nil {
		st.LastScrapedBlock = new(big.Int)
	}
	if st.LastScrapedBlock.Sign() < 0 {
		return nil, fmt.Errorf("negative cursor %s", st.LastScrapedBlock)
	}

	state, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot state: %w", err)
	}

	out, err := json.Marshal(envelope{
		Format:        FormatTag,
		SchemaVersion: SchemaVersion,
		Checksum:      crc32.ChecksumIEEE(state),
		State:         state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return out, nil
}

// Decode 反序列化並驗證快照
//
// 錯誤處理：
//   - 非 JSON、截斷、校驗碼不符：ErrCorruptedSnapshot
//   - 格式標記或版本不符：ErrIncompatibleVersion
//
// 兩者皆為協定違規。
func Decode(b []byte) (types.SnapshotData, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return types.SnapshotData{}, corrupted(err.Error())
	}
	if env.Format != FormatTag {
		return types.SnapshotData{}, types.Violation("restore", "",
			fmt.Errorf("%w: format %q", ErrIncompatibleVersion, env.Format))
	}
	if env.SchemaVersion != SchemaVersion {
		return types.SnapshotData{}, types.Violation("restore", "",
			fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, env.SchemaVersion, SchemaVersion))
	}
	if len(env.State) == 0 {
		return types.SnapshotData{}, corrupted("missing state")
	}

	// 允許人工格式化過的檔案：先壓縮再計算校驗碼
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.State); err != nil {
		return types.SnapshotData{}, corrupted(err.Error())
	}
	if sum := crc32.ChecksumIEEE(compact.Bytes()); sum != env.Checksum {
		return types.SnapshotData{}, corrupted(fmt.Sprintf("checksum mismatch: got %08x, want %08x", sum, env.Checksum))
	}

	var data types.SnapshotData
	if err := json.Unmarshal(compact.Bytes(), &data); err != nil {
		return types.SnapshotData{}, corrupted(err.Error())
	}
	if data.LastScrapedBlock == nil || data.LastScrapedBlock.Sign() < 0 {
		return types.SnapshotData{}, corrupted("invalid cursor")
	}
	if data.Jobs == nil {
		data.Jobs = make(map[types.JobID]uint64)
	}
	return data, nil
}

func corrupted(detail string) error {
	return types.Violation("restore", "", fmt.Errorf("%w: %s", ErrCorruptedSnapshot, detail))
}
