package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/chain"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/worker"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// 本地 demo：以記憶體內的鏈來源代替 RPC 節點
//
//	go run ./cmd/demo start    # 產生 NewJob 事件，Ctrl+C 中斷
//	go run ./cmd/demo recover  # 從快照 + WAL 恢復尚未執行的任務

const (
	demoDir      = "data/demo"
	demoContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	demoJobs     = 50
)

var newJobTopic = crypto.Keccak256Hash([]byte("NewJob(uint256,uint256)")).Hex()

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	source := chain.NewStaticSource()
	cfg := controller.Config{
		State: state.Config{
			ContractAddresses: []string{demoContract},
			Topics:            [][]string{{newJobTopic}},
			BlockTag:          state.BlockLatest,
			JobKind:           types.KindOneShot,
		},
		WorkerCount:      8,
		TaskTimeout:      5 * time.Second,
		ScrapeInterval:   500 * time.Millisecond,
		ProcessInterval:  200 * time.Millisecond,
		DispatchInterval: 200 * time.Millisecond,
		SnapshotInterval: 5 * time.Second,
		WALPath:          filepath.Join(demoDir, "wal.log"),
		WALBatchSize:     10,
		WALFlushInterval: 50 * time.Millisecond,
	}
	store := snapshot.NewFileStore(filepath.Join(demoDir, "snapshot.json"), 2)

	runner := worker.RunnerFunc(func(ctx context.Context, task worker.Task) error {
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	ctrl, err := controller.NewController(cfg, source, store, controller.WithRunner(runner))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop(context.Background())
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	st, _ := ctrl.GetStatus(ctx)
	switch mode {
	case "start":
		if st.Jobs > 0 {
			fmt.Printf("\n⚠️  Found %d jobs from a previous run (recovered!)\n", st.Jobs)
			fmt.Printf("   Last scraped block: %s\n", st.LastScrapedBlock)
			break
		}

		// 每個區塊 5 個事件，執行時間在接下來的 10 秒內
		now := time.Now().Unix()
		for i := 0; i < demoJobs; i++ {
			source.AddLogs(newJobLog(int64(i/5+1), int64(i%5), uint64(i+1), uint64(now)+uint64(i/5)))
		}
		fmt.Printf("✓ Emitted %d NewJob events across %d blocks\n", demoJobs, demoJobs/5)
		fmt.Printf("💡 Press Ctrl+C within a few seconds to stop with jobs still registered\n\n")

	case "recover":
		fmt.Printf("\n📊 Status after recovery:\n")
		printStatus(st)

	default:
		fmt.Printf("unknown mode %q\n", mode)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			if err := ctrl.Stop(context.Background()); err != nil {
				log.Fatalf("Stop failed: %v", err)
			}
			fmt.Println("✓ Controller stopped")
			return
		case <-ticker.C:
			st, err := ctrl.GetStatus(ctx)
			if err == nil {
				fmt.Printf("📊 jobs=%d processed=%d cursor=%s\n", st.Jobs, st.EventsProcessed, st.LastScrapedBlock)
			}
		}
	}
}

func newJobLog(block, idx int64, jobID, runAt uint64) types.LogRecord {
	return types.LogRecord{
		Address:     demoContract,
		Topics:      []string{newJobTopic, word(jobID)},
		Data:        word(runAt),
		BlockNumber: big.NewInt(block),
		TxHash:      common.BigToHash(big.NewInt(block*100 + idx)).Hex(),
		LogIndex:    big.NewInt(idx),
	}
}

func word(n uint64) string {
	return common.BigToHash(new(big.Int).SetUint64(n)).Hex()
}

func printStatus(st controller.Status) {
	fmt.Printf("  Phase:        %s\n", st.Phase)
	fmt.Printf("  Jobs:         %d\n", st.Jobs)
	fmt.Printf("  Cursor:       %s\n", st.LastScrapedBlock)
	fmt.Printf("  WAL seq:      %d\n", st.WALSeq)
}
