package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrUndecodable log 不符合 NewJob 事件格式
//
// 這不是協定違規：事件已標記為已處理，只是不會產生任務。
var ErrUndecodable = errors.New("log is not a decodable NewJob event")

// Decoder 將 log 解碼為任務
type Decoder func(rec types.LogRecord) (types.DecodedJob, error)

// NewJobDecoder 依部署變體回傳解碼器
func NewJobDecoder(kind types.JobKind) Decoder {
	return func(rec types.LogRecord) (types.DecodedJob, error) {
		return DecodeNewJob(kind, rec)
	}
}

// DecodeNewJob 解碼 NewJob 事件
//
//   - job id 來自 topics[1]
//   - OneShot: 執行時間（Unix 秒）來自 data
//   - Recurring: 間隔秒數來自 topics[2]
func DecodeNewJob(kind types.JobKind, rec types.LogRecord) (types.DecodedJob, error) {
	if len(rec.Topics) < 2 {
		return types.DecodedJob{}, fmt.Errorf("%w: expected at least 2 topics, got %d", ErrUndecodable, len(rec.Topics))
	}
	idBytes, err := hexutil.Decode(rec.Topics[1])
	if err != nil {
		return types.DecodedJob{}, fmt.Errorf("%w: job id topic: %v", ErrUndecodable, err)
	}
	id, err := types.JobIDFromBytes(idBytes)
	if err != nil {
		return types.DecodedJob{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	var raw string
	switch kind {
	case types.KindOneShot, "":
		raw = rec.Data
	case types.KindRecurring:
		if len(rec.Topics) < 3 {
			return types.DecodedJob{}, fmt.Errorf("%w: recurring job needs 3 topics, got %d", ErrUndecodable, len(rec.Topics))
		}
		raw = rec.Topics[2]
	default:
		return types.DecodedJob{}, fmt.Errorf("%w: unknown job kind %q", ErrUndecodable, kind)
	}

	param, err := decodeWord(raw)
	if err != nil {
		return types.DecodedJob{}, err
	}
	return types.DecodedJob{ID: id, Param: param}, nil
}

// decodeWord 解析單一 ABI word 並確認其值可放入 uint64
func decodeWord(s string) (uint64, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if len(b) == 0 || len(b) > 32 {
		return 0, fmt.Errorf("%w: word of %d bytes", ErrUndecodable, len(b))
	}
	n := new(big.Int).SetBytes(b)
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: value %s exceeds uint64", ErrUndecodable, n)
	}
	return n.Uint64(), nil
}
