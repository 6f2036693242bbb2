package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalidNumber 無法解析為非負整數
var ErrInvalidNumber = errors.New("invalid non-negative integer")

// ParseBigUint 解析十進位或 0x 十六進位的非負整數（任意精度）
func ParseBigUint(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	if has0x(s) {
		s, base = s[2:], 16
	}
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidNumber)
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return n, nil
}

// CloneBig 複製，nil 保持 nil
func CloneBig(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}
