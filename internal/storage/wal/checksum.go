package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Seq、Type、JobID、Param、Block 以 '|' 串接
// - 使用 CRC32-IEEE 多項式計算
//
// 不包含 Timestamp 與 Checksum 本身。
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.Grow(128)
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.JobID.String())
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(e.Param, 10))
	b.WriteByte('|')
	if e.Block != nil {
		b.WriteString(e.Block.String())
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證事件的校驗和；不符時回傳 *ChecksumError
func VerifyChecksum(e Event) error {
	if expected := CalculateChecksum(e); expected != e.Checksum {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
