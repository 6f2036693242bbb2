package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

// Backend 管理介面需要的 controller 能力
type Backend interface {
	GetStatus(ctx context.Context) (controller.Status, error)
	NextDueJob(ctx context.Context) (types.Job, bool, error)
	ListJobs(ctx context.Context) ([]types.Job, error)
	CancelJob(ctx context.Context, id types.JobID) (uint64, bool, error)
}

// Server implements SchedulerAdminServer on top of a Backend.
type Server struct {
	backend Backend
	grpc    *grpc.Server
	health  *health.Server
}

// NewServer creates a gRPC server with the admin and health services registered.
func NewServer(backend Backend, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	s := &Server{
		backend: backend,
		grpc:    grpc.NewServer(opts...),
		health:  health.NewServer(),
	}
	RegisterSchedulerAdminServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Serve 在 lis 上服務直到 ctx 結束，之後優雅關閉
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 1)
	go func() {
		logger().Info("Admin server listening", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

// ListenAndServe 監聽 addr 並服務
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// ============================================================================
// SchedulerAdminServer
// ============================================================================

// GetStatus returns the controller status as a Struct.
func (s *Server) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.backend.GetStatus(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// NextDueJob returns {"found": bool, "job_id", "job_id_hex", "param"}.
func (s *Server) NextDueJob(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	job, ok, err := s.backend.NextDueJob(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	fields := map[string]any{"found": ok}
	if ok {
		for k, v := range jobFields(job) {
			fields[k] = v
		}
	}
	return newStruct(fields)
}

// ListJobs returns {"count": n, "jobs": [...]} ordered by (param, job_id).
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	jobs, err := s.backend.ListJobs(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, jobFields(job))
	}
	return newStruct(map[string]any{
		"count": len(jobs),
		"jobs":  list,
	})
}

// CancelJob removes a job; the id may be decimal or 0x-prefixed hex.
func (s *Server) CancelJob(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id, err := types.ParseJobID(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	param, ok, err := s.backend.CancelJob(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	fields := map[string]any{
		"cancelled": ok,
		"job_id":    id.String(),
	}
	if ok {
		fields["param"] = strconv.FormatUint(param, 10)
	}
	return newStruct(fields)
}

// ============================================================================
// Helpers
// ============================================================================

func jobFields(job types.Job) map[string]any {
	return map[string]any{
		"job_id":     job.ID.String(),
		"job_id_hex": job.ID.Hex(),
		"param":      strconv.FormatUint(job.Param, 10),
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps controller errors to gRPC codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, state.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case types.IsProtocolViolation(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logger().Warn("Admin call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		logger().Debug("Admin call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}
