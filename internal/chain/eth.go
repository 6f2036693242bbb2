package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

func logger() *slog.Logger { return slog.Default() }

// EthSource implements LogSource using go-ethereum's ethclient
//
// Endpoints are tried in order; the first successful answer wins.
// Every RPC call first takes a token from the shared limiter.
type EthSource struct {
	clients []*ethclient.Client
	urls    []string
	limiter *rate.Limiter
}

// NewEthSource dials every endpoint
func NewEthSource(urls []string, rps float64, burst int) (*EthSource, error) {
	if len(urls) == 0 {
		return nil, ErrNoEndpoints
	}
	s := &EthSource{urls: urls}
	for _, u := range urls {
		c, err := ethclient.Dial(u)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to dial %s: %w", u, err)
		}
		s.clients = append(s.clients, c)
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(limit, burst)
	return s, nil
}

// LatestBlock returns the block number for the given tag
func (s *EthSource) LatestBlock(ctx context.Context, tag string) (*big.Int, error) {
	num, err := tagNumber(tag)
	if err != nil {
		return nil, err
	}
	var out *big.Int
	err = s.each(ctx, "eth_getBlockByNumber", func(c *ethclient.Client) error {
		header, err := c.HeaderByNumber(ctx, num)
		if err != nil {
			return err
		}
		out = new(big.Int).Set(header.Number)
		return nil
	})
	return out, err
}

// FilterLogs fetches logs in [from, to]
func (s *EthSource) FilterLogs(ctx context.Context, from, to *big.Int, addresses []string, topics [][]string) ([]types.LogRecord, error) {
	query := ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: make([]common.Address, len(addresses)),
		Topics:    make([][]common.Hash, len(topics)),
	}
	for i, a := range addresses {
		query.Addresses[i] = common.HexToAddress(a)
	}
	for i, position := range topics {
		for _, t := range position {
			query.Topics[i] = append(query.Topics[i], common.HexToHash(t))
		}
	}

	var out []types.LogRecord
	err := s.each(ctx, "eth_getLogs", func(c *ethclient.Client) error {
		logs, err := c.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		out = make([]types.LogRecord, len(logs))
		for i := range logs {
			out[i] = FromEthLog(logs[i])
		}
		return nil
	})
	return out, err
}

// Close closes every client
func (s *EthSource) Close() {
	for _, c := range s.clients {
		c.Close()
	}
}

func (s *EthSource) each(ctx context.Context, method string, call func(*ethclient.Client) error) error {
	var errs []error
	for i, c := range s.clients {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		err := call(c)
		if err == nil {
			return nil
		}
		logger().Warn("rpc call failed", "method", method, "endpoint", s.urls[i], "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.urls[i], err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%s: %w", method, errors.Join(errs...))
}

// FromEthLog converts a go-ethereum log into a LogRecord
func FromEthLog(l ethtypes.Log) types.LogRecord {
	rec := types.LogRecord{
		Address:     l.Address.Hex(),
		Topics:      make([]string, len(l.Topics)),
		Data:        "0x" + common.Bytes2Hex(l.Data),
		BlockNumber: new(big.Int).SetUint64(l.BlockNumber),
		BlockHash:   l.BlockHash.Hex(),
		Removed:     l.Removed,
	}
	for i, t := range l.Topics {
		rec.Topics[i] = t.Hex()
	}
	if l.TxHash != (common.Hash{}) {
		rec.TxHash = l.TxHash.Hex()
		rec.LogIndex = new(big.Int).SetUint64(uint64(l.Index))
	}
	return rec
}

func tagNumber(tag string) (*big.Int, error) {
	switch tag {
	case "", "latest":
		return nil, nil
	case "safe":
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case "finalized":
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	default:
		return nil, fmt.Errorf("unsupported block tag %q", tag)
	}
}
