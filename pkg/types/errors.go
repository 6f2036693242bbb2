package types

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation 所有協定違規錯誤的共同哨兵
//
// 協定違規代表上游驅動程式（擷取或掃描）破壞了 core 的不變量，
// 當前操作必須中止；是否終止程序由外層決定。
var ErrProtocolViolation = errors.New("protocol violation")

// ProtocolViolation 協定違規錯誤，同時可 errors.Is 到 ErrProtocolViolation 與具體原因
type ProtocolViolation struct {
	Op      string // 觸發的操作，例如 "record_pending"
	Subject string // 相關的識別（事件、區塊、快照）
	Err     error  // 具體原因（各套件的哨兵錯誤）
}

// Violation 建立協定違規錯誤
func Violation(op, subject string, err error) *ProtocolViolation {
	return &ProtocolViolation{Op: op, Subject: subject, Err: err}
}

func (e *ProtocolViolation) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("protocol violation in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("protocol violation in %s (%s): %v", e.Op, e.Subject, e.Err)
}

func (e *ProtocolViolation) Unwrap() []error {
	return []error{ErrProtocolViolation, e.Err}
}

// IsProtocolViolation 判斷錯誤鏈中是否含有協定違規
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
