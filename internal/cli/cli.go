// ============================================================================
// chainfusion-scheduler CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
//
// Command Structure:
//   chainfusion-scheduler               # Root command
//   ├── run                             # 啟動排程器（controller + admin gRPC + metrics）
//   ├── status                          # 透過 admin gRPC 查詢執行中的排程器
//   ├── jobs list | next | cancel <id>  # 任務登錄表
//   ├── snapshot inspect <file>         # 離線檢視快照檔
//   ├── wal inspect <file>              # 離線檢視 WAL
//   ├── --config, -c                    # 設定檔（預設 configs/default.yaml）
//   └── --version
//
// run 的關閉流程：
//   1. SIGINT / SIGTERM 取消 context
//   2. admin 與 metrics 伺服器優雅關閉
//   3. controller.Stop：停止循環、最終快照、關閉 WAL 與快照儲存
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/config"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/metrics"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/server"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/snapshot"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/storage/wal"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// Version 由 -ldflags "-X .../internal/cli.Version=..." 注入
var Version = "dev"

const (
	defaultConfigFile = "configs/default.yaml"
	shutdownTimeout   = 30 * time.Second
	rpcTimeout        = 10 * time.Second
)

type rootOptions struct {
	configFile string
	addr       string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "chainfusion-scheduler",
		Short: "ChainFusion job scheduler: turns on-chain NewJob events into executions",
		Long: `chainfusion-scheduler watches a contract for NewJob log events and runs the
jobs they register:
- exactly-once event handling via a dedup ledger
- one-shot (run at time T) or recurring (every N seconds) jobs
- WAL + snapshot durability across restarts
- Prometheus metrics and a gRPC admin service`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildJobsCommand(opts))
	rootCmd.AddCommand(buildSnapshotCommand())
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler",
		Long:  "Recover from the last snapshot and WAL, then scrape, process and dispatch until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := cfg.NewLogger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runScheduler(ctx, cfg)
		},
	}
}

func runScheduler(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting chainfusion-scheduler",
		"version", Version,
		"job_kind", cfg.Scheduler.JobKind,
		"workers", cfg.Worker.WorkerCount,
		"snapshot_backend", cfg.Snapshot.Backend)

	source, err := cfg.OpenSource()
	if err != nil {
		return fmt.Errorf("failed to open chain source: %w", err)
	}
	defer source.Close()

	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	collector := metrics.NewCollector(prometheus.NewRegistry())
	ctrl, err := controller.NewController(cfg.ControllerConfig(), source, store, controller.WithMetrics(collector))
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create controller: %w", err)
	}

	// admin 伺服器必須在恢復完成後才開始服務
	if err := ctrl.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("failed to start controller: %w", err), ctrl.Stop(context.Background()))
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(fmt.Sprintf(":%d", cfg.Metrics.Port), collector)
		g.Go(func() error { return metricsServer.Run(gctx) })
	}
	admin := server.NewServer(ctrl)
	g.Go(func() error { return admin.ListenAndServe(gctx, cfg.Server.Addr) })

	slog.Info("System started successfully", "admin_addr", cfg.Server.Addr)
	<-gctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully...")

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := ctrl.Stop(shutdownCtx)

	slog.Info("System stopped. Goodbye!")
	return errors.Join(runErr, stopErr)
}

// ============================================================================
// status / jobs（admin gRPC 客戶端）
// ============================================================================

func (o *rootOptions) adminAddr() string {
	if o.addr != "" {
		return o.addr
	}
	if cfg, err := config.Load(o.configFile); err == nil {
		return cfg.Server.Addr
	}
	return config.Default().Server.Addr
}

func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *server.Client) error) error {
	client, err := server.Dial(o.adminAddr())
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long:  "Query a running scheduler over the admin gRPC service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				st, err := c.GetStatus(ctx)
				if err != nil {
					return fmt.Errorf("failed to get status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "admin address (defaults to server.addr from config)")
	return cmd
}

func printStatus(w io.Writer, st map[string]any) {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(w, "Scheduler Status")
	fmt.Fprintln(w, "================")
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %v\n", k+":", formatValue(st[k]))
	}
}

func formatValue(v any) any {
	// structpb 數字一律為 float64
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return int64(f)
	}
	return v
}

func buildJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect or cancel registered jobs",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "admin address (defaults to server.addr from config)")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all jobs ordered by (param, job id)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				jobs, err := c.ListJobs(ctx)
				if err != nil {
					return fmt.Errorf("failed to list jobs: %w", err)
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Show the job with the smallest param",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				job, ok, err := c.NextDueJob(ctx)
				if err != nil {
					return fmt.Errorf("failed to get next job: %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "no jobs registered")
					return nil
				}
				printJobs(cmd.OutOrStdout(), []types.Job{job})
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Remove a job from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *server.Client) error {
				param, ok, err := c.CancelJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to cancel job: %w", err)
				}
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "job %s not found\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled job %s (param %d)\n", args[0], param)
				return nil
			})
		},
	})

	return cmd
}

func printJobs(w io.Writer, jobs []types.Job) {
	fmt.Fprintf(w, "%-68s %s\n", "JOB ID", "PARAM")
	for _, job := range jobs {
		fmt.Fprintf(w, "%-68s %d\n", job.ID.Hex(), job.Param)
	}
	fmt.Fprintf(w, "(%d jobs)\n", len(jobs))
}

// ============================================================================
// snapshot / wal（離線檢視）
// ============================================================================

func buildSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot file tools",
	}

	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode a snapshot file and print the registry and cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectSnapshot(cmd.OutOrStdout(), args[0], asJSON)
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "print the decoded snapshot as JSON")
	cmd.AddCommand(inspect)
	return cmd
}

func inspectSnapshot(w io.Writer, path string, asJSON bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read snapshot file: %w", err)
	}
	data, err := snapshot.Decode(b)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	jobs := make([]types.Job, 0, len(data.Jobs))
	for id, param := range data.Jobs {
		jobs = append(jobs, types.Job{ID: id, Param: param})
	}
	slices.SortFunc(jobs, func(a, b types.Job) int {
		switch {
		case a.Param < b.Param:
			return -1
		case a.Param > b.Param:
			return 1
		default:
			return a.ID.Cmp(b.ID)
		}
	})

	fmt.Fprintf(w, "Snapshot:           %s (%d bytes)\n", path, len(b))
	fmt.Fprintf(w, "Last scraped block: %s\n", data.LastScrapedBlock)
	printJobs(w, jobs)
	return nil
}

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "WAL file tools",
	}

	var dump bool
	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Validate a WAL file and print statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectWAL(cmd.OutOrStdout(), args[0], dump)
		},
	}
	inspect.Flags().BoolVar(&dump, "dump", false, "print every event")
	cmd.AddCommand(inspect)
	return cmd
}

func inspectWAL(w io.Writer, path string, dump bool) error {
	stats, err := wal.GetWALStats(path)
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}

	fmt.Fprintf(w, "WAL:          %s\n", path)
	fmt.Fprintf(w, "Events:       %d (seq %d..%d)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
	for _, t := range []wal.EventType{wal.EventUpsert, wal.EventRemove, wal.EventCursor} {
		fmt.Fprintf(w, "  %-10s  %d\n", t, stats.EventTypes[t])
	}
	fmt.Fprintf(w, "Corrupted:    %d\n", stats.CorruptedCount)
	if stats.TornTail {
		fmt.Fprintln(w, "Torn tail:    yes (ignored on replay)")
	}

	if dump {
		fmt.Fprintln(w)
		if err := wal.DumpWAL(path, w); err != nil && !wal.IsTornTail(err) {
			return err
		}
	}

	// 只有尾端截斷時仍可重放
	if err := wal.ValidateWAL(path); err != nil && !wal.IsTornTail(err) {
		return fmt.Errorf("WAL is not replayable: %w", err)
	}
	return nil
}
