// ============================================================================
// chainfusion-scheduler Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
//
// TestRecoveryPerformance:
//   - register 5000 jobs through HandleEvent (each one journaled to the WAL)
//   - crash: after Stop, put the rotated journal back and delete the snapshot,
//     leaving the files a crash before the final snapshot would leave
//   - restart from snapshot + WAL replay
//   - target: < 3 seconds recovery time, zero jobs lost
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chainfusion-scheduler/internal/chain"
	"github.com/ChuLiYu/chainfusion-scheduler/internal/controller"
	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
)

const recoveryTarget = 3 * time.Second

func registerJobs(t testing.TB, ctrl *controller.Controller, logs []types.LogRecord) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range logs {
		id, err := rec.Identity()
		require.NoError(t, err)
		_, err = ctrl.HandleEvent(ctx, id, rec, nil)
		require.NoError(t, err)
	}
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}

	const jobCount = 5000
	n := newNode(t)
	n.cfg.WALSyncOnAppend = false
	n.cfg.SnapshotInterval = time.Hour
	future := uint64(time.Now().Add(time.Hour).Unix())

	source := chain.NewStaticSource()
	ctrl := n.start(t, source)

	start := time.Now()
	registerJobs(t, ctrl, generateJobLogs(jobCount, future))
	elapsed := time.Since(start)
	t.Logf("Registered %d jobs in %v (%.0f jobs/s)", jobCount, elapsed, float64(jobCount)/elapsed.Seconds())

	// 模擬崩潰：還原最終快照前的 WAL 並刪除快照
	require.NoError(t, ctrl.Stop(context.Background()))
	walPath := n.cfg.WALPath
	prev, err := os.ReadFile(walPath + ".prev")
	require.NoError(t, err, "the final snapshot rotates the journal to .prev")
	require.NoError(t, os.WriteFile(walPath, prev, 0644))
	require.NoError(t, os.Remove(filepath.Join(n.dir, "snapshot.json")))

	restartSource := chain.NewStaticSource()
	restartSource.SetLatest(big.NewInt(0))

	recoverStart := time.Now()
	restarted := n.start(t, restartSource)
	recoveryTime := time.Since(recoverStart)
	t.Logf("Recovered from WAL replay in %v", recoveryTime)

	st := status(t, restarted)
	assert.Equal(t, jobCount, st.Jobs, "no job may be lost")
	assert.Less(t, recoveryTime, recoveryTarget)
}
