package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/state"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

type fakeBackend struct {
	status    controller.Status
	jobs      []types.Job
	err       error
	cancelled []types.JobID
}

func (f *fakeBackend) GetStatus(context.Context) (controller.Status, error) {
	return f.status, f.err
}

func (f *fakeBackend) NextDueJob(context.Context) (types.Job, bool, error) {
	if f.err != nil || len(f.jobs) == 0 {
		return types.Job{}, false, f.err
	}
	return f.jobs[0], true, nil
}

func (f *fakeBackend) ListJobs(context.Context) ([]types.Job, error) {
	return f.jobs, f.err
}

func (f *fakeBackend) CancelJob(_ context.Context, id types.JobID) (uint64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	for i, job := range f.jobs {
		if job.ID == id {
			f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
			f.cancelled = append(f.cancelled, id)
			return job.Param, true, nil
		}
	}
	return 0, false, nil
}

// startServer 以 bufconn 啟動伺服器並回傳連線好的客戶端
func startServer(t *testing.T, backend Backend) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return client
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetStatus(t *testing.T) {
	backend := &fakeBackend{status: controller.Status{
		Phase:            "running",
		Kind:             "one_shot",
		Workers:          4,
		Jobs:             2,
		LastScrapedBlock: "123",
		ActiveTasks:      []string{},
	}}
	client := startServer(t, backend)

	st, err := client.GetStatus(testCtx(t))
	require.NoError(t, err)

	assert.Equal(t, "running", st["phase"])
	assert.Equal(t, "one_shot", st["kind"])
	assert.Equal(t, float64(4), st["workers"])
	assert.Equal(t, float64(2), st["jobs"])
	assert.Equal(t, "123", st["last_scraped_block"])
	assert.NotContains(t, st, "last_observed_block")
}

func TestNextDueJob(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		backend := &fakeBackend{jobs: []types.Job{{ID: types.MustParseJobID("0xff"), Param: 42}}}
		client := startServer(t, backend)

		job, ok, err := client.NextDueJob(testCtx(t))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, types.NewJobID(255), job.ID)
		assert.Equal(t, uint64(42), job.Param)
	})

	t.Run("empty registry", func(t *testing.T) {
		client := startServer(t, &fakeBackend{})

		_, ok, err := client.NextDueJob(testCtx(t))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestListJobsPreservesLargeValues(t *testing.T) {
	// param 超過 float64 精度，必須以字串傳遞
	big := types.MustParseJobID("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	backend := &fakeBackend{jobs: []types.Job{
		{ID: types.NewJobID(1), Param: 10},
		{ID: big, Param: 1<<64 - 1},
	}}
	client := startServer(t, backend)

	jobs, err := client.ListJobs(testCtx(t))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, backend.jobs, jobs)
}

func TestCancelJob(t *testing.T) {
	backend := &fakeBackend{jobs: []types.Job{{ID: types.NewJobID(7), Param: 99}}}
	client := startServer(t, backend)
	ctx := testCtx(t)

	param, ok, err := client.CancelJob(ctx, "0x07")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(99), param)
	assert.Equal(t, []types.JobID{types.NewJobID(7)}, backend.cancelled)

	// 第二次取消：不存在，不是錯誤
	_, ok, err = client.CancelJob(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelJobInvalidID(t *testing.T) {
	client := startServer(t, &fakeBackend{})

	_, _, err := client.CancelJob(testCtx(t), "not-a-number")
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not running", state.ErrNotRunning, codes.Unavailable},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"violation", types.Violation("on_resume", "", state.ErrInvalidTransition), codes.FailedPrecondition},
		{"other", errors.New("disk full"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := startServer(t, &fakeBackend{err: tt.err})

			_, err := client.ListJobs(testCtx(t))
			require.Error(t, err)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestHealth(t *testing.T) {
	client := startServer(t, &fakeBackend{})

	// Serve 在背景設定狀態，輪詢直到 SERVING
	assert.Eventually(t, func() bool {
		st, err := client.Health(testCtx(t))
		return err == nil && st == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
