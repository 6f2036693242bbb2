package server

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

// Client 管理介面的客戶端，供 CLI 使用
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to an admin server without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetStatus 回傳狀態欄位
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// NextDueJob 回傳排程參數最小的任務
func (c *Client) NextDueJob(ctx context.Context) (types.Job, bool, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodNextDueJob, &emptypb.Empty{}, out); err != nil {
		return types.Job{}, false, err
	}
	fields := out.GetFields()
	if !fields["found"].GetBoolValue() {
		return types.Job{}, false, nil
	}
	job, err := parseJob(out)
	return job, err == nil, err
}

// ListJobs 所有任務
func (c *Client) ListJobs(ctx context.Context) ([]types.Job, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodListJobs, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	values := out.GetFields()["jobs"].GetListValue().GetValues()
	jobs := make([]types.Job, 0, len(values))
	for _, v := range values {
		job, err := parseJob(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// CancelJob 取消任務；id 可為十進位或 0x 十六進位
func (c *Client) CancelJob(ctx context.Context, id string) (uint64, bool, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodCancelJob, wrapperspb.String(id), out); err != nil {
		return 0, false, err
	}
	fields := out.GetFields()
	if !fields["cancelled"].GetBoolValue() {
		return 0, false, nil
	}
	param, err := strconv.ParseUint(fields["param"].GetStringValue(), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed param in response: %w", err)
	}
	return param, true, nil
}

// Health 查詢標準 gRPC health 服務
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func parseJob(s *structpb.Struct) (types.Job, error) {
	fields := s.GetFields()
	id, err := types.ParseJobID(fields["job_id"].GetStringValue())
	if err != nil {
		return types.Job{}, fmt.Errorf("malformed job id in response: %w", err)
	}
	param, err := strconv.ParseUint(fields["param"].GetStringValue(), 10, 64)
	if err != nil {
		return types.Job{}, fmt.Errorf("malformed param in response: %w", err)
	}
	return types.Job{ID: id, Param: param}, nil
}
