package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// ErrInvalidJobID 任務 ID 無法解析或超出 256 bit
var ErrInvalidJobID = errors.New("invalid job id")

// JobID 任務唯一識別碼（256-bit 無號整數）
//
// 以 uint256.Int 作為底層表示，值比較即可（可作為 map key），
// 十進位與十六進位輸入在建構時就正規化為同一個值。
type JobID struct {
	v uint256.Int
}

// NewJobID 由 uint64 建立任務 ID
func NewJobID(n uint64) JobID {
	var id JobID
	id.v.SetUint64(n)
	return id
}

// JobIDFromBig 由 *big.Int 建立任務 ID，負數或超過 256 bit 會回傳錯誤
func JobIDFromBig(b *big.Int) (JobID, error) {
	var id JobID
	if b == nil || b.Sign() < 0 {
		return id, fmt.Errorf("%w: %v", ErrInvalidJobID, b)
	}
	if overflow := id.v.SetFromBig(b); overflow {
		return id, fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidJobID, b.String())
	}
	return id, nil
}

// JobIDFromBytes 由 big-endian 位元組建立任務 ID（例如 32-byte topic）
func JobIDFromBytes(b []byte) (JobID, error) {
	var id JobID
	b = trimLeadingZeros(b)
	if len(b) > 32 {
		return id, fmt.Errorf("%w: %d bytes", ErrInvalidJobID, len(b))
	}
	id.v.SetBytes(b)
	return id, nil
}

// ParseJobID 解析十進位或 0x 前綴的十六進位字串
func ParseJobID(s string) (JobID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return JobID{}, fmt.Errorf("%w: empty", ErrInvalidJobID)
	}
	if has0x(s) {
		raw := s[2:]
		if len(raw)%2 == 1 {
			raw = "0" + raw
		}
		b, err := hex.DecodeString(raw)
		if err != nil {
			return JobID{}, fmt.Errorf("%w: %q: %v", ErrInvalidJobID, s, err)
		}
		return JobIDFromBytes(b)
	}
	var id JobID
	if err := id.v.SetFromDecimal(s); err != nil {
		return JobID{}, fmt.Errorf("%w: %q: %v", ErrInvalidJobID, s, err)
	}
	return id, nil
}

// MustParseJobID 測試與常數用
func MustParseJobID(s string) JobID {
	id, err := ParseJobID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Cmp 比較兩個任務 ID：-1, 0, +1
func (id JobID) Cmp(other JobID) int {
	return id.v.Cmp(&other.v)
}

// Big 轉為 *big.Int
func (id JobID) Big() *big.Int {
	return id.v.ToBig()
}

// Hex 0x 前綴十六進位表示
func (id JobID) Hex() string {
	return id.v.Hex()
}

// String 十進位表示
func (id JobID) String() string {
	return id.v.Dec()
}

// MarshalText 以十進位輸出，讓 JobID 可作為 JSON map key
func (id JobID) MarshalText() ([]byte, error) {
	return []byte(id.v.Dec()), nil
}

// UnmarshalText 接受十進位或十六進位
func (id *JobID) UnmarshalText(text []byte) error {
	parsed, err := ParseJobID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func trimLeadingZeros(b []byte) []byte {
	for len(b) > 0 && b[0] == 0 {
		b = b[1:]
	}
	return b
}
