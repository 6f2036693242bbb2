package wal

import (
	"bytes"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/chainfusion-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newTestWAL(t *testing.T, syncOnAppend bool, opts ...Option) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, syncOnAppend, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// Append / Replay
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	w, _ := newTestWAL(t, true)

	require.NoError(t, w.Append(Upsert(types.NewJobID(7), 1000)))
	require.NoError(t, w.Append(Upsert(types.NewJobID(7), 500)))
	require.NoError(t, w.Append(Remove(types.NewJobID(7))))
	require.NoError(t, w.Append(Cursor(big.NewInt(42))))

	events := collect(t, w)
	require.Len(t, events, 4)

	assert.Equal(t, EventUpsert, events[0].Type)
	assert.Equal(t, uint64(1000), events[0].Param)
	assert.Equal(t, uint64(500), events[1].Param)
	assert.Equal(t, EventRemove, events[2].Type)
	assert.Equal(t, types.NewJobID(7), events[2].JobID)
	assert.Equal(t, EventCursor, events[3].Type)
	assert.Equal(t, int64(42), events[3].Block.Int64())

	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NoError(t, VerifyChecksum(e))
	}
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	w, _ := newTestWAL(t, true)

	assert.ErrorIs(t, w.Append(Event{Type: "ENQUEUE"}), ErrInvalidEvent)
	assert.ErrorIs(t, w.Append(Event{Type: EventCursor}), ErrInvalidEvent)
	assert.ErrorIs(t, w.Append(Cursor(big.NewInt(-1))), ErrInvalidEvent)
	assert.Equal(t, uint64(0), w.GetLastSeq())
}

func TestBatchedAppendIsWrittenBeforeSync(t *testing.T) {
	w, path := newTestWAL(t, false, WithBatch(100, time.Hour))

	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 1)))
	require.NoError(t, w.Append(Upsert(types.NewJobID(2), 2)))

	// 已在檔案中，只是尚未 fsync
	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, w.Unsynced())

	require.NoError(t, w.Flush())
	assert.Equal(t, 0, w.Unsynced())
	assert.Len(t, collect(t, w), 2)
}

func TestBatchSizeTriggersSync(t *testing.T) {
	w, _ := newTestWAL(t, false, WithBatch(3, time.Hour))

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, w.Append(Upsert(types.NewJobID(i), i)))
	}
	assert.Equal(t, 1, w.Unsynced())
}

func TestIdleEventsAreSyncedInBackground(t *testing.T) {
	w, path := newTestWAL(t, false, WithBatch(100, 10*time.Millisecond))

	require.NoError(t, w.Append(Remove(types.NewJobID(9))))

	// 之後沒有任何 Append，背景同步仍需完成
	assert.Eventually(t, func() bool { return w.Unsynced() == 0 }, 2*time.Second, 5*time.Millisecond)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, EventRemove, last.Type)
}

func TestCloseStopsBackgroundSync(t *testing.T) {
	w, _ := newTestWAL(t, false, WithBatch(100, time.Millisecond))
	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 1)))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, 0, w.Unsynced())
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 10)))
	require.NoError(t, w.Append(Upsert(types.NewJobID(2), 20)))
	require.NoError(t, w.Close())

	w2, err := NewWAL(path, true)
	require.NoError(t, err)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())

	require.NoError(t, w2.Append(Remove(types.NewJobID(1))))
	assert.NoError(t, ValidateWAL(path))

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last.Seq)
	assert.Equal(t, EventRemove, last.Type)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := newTestWAL(t, true)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(Upsert(types.NewJobID(1), 1)), ErrWALClosed)
	assert.NoError(t, w.Close(), "closing twice is a no-op")
}

// ============================================================================
// Rotate
// ============================================================================

func TestRotate(t *testing.T) {
	w, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 10)))
	require.NoError(t, w.Rotate())

	assert.Equal(t, uint64(0), w.GetLastSeq())
	assert.Empty(t, collect(t, w))

	prev, err := CountEvents(path + ".prev")
	require.NoError(t, err)
	assert.Equal(t, 1, prev)

	require.NoError(t, w.Append(Cursor(big.NewInt(9))))
	events := collect(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(1), events[0].Seq)
}

// ============================================================================
// Corruption
// ============================================================================

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 10)))
	require.NoError(t, w.Append(Upsert(types.NewJobID(2), 20)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte(`"param":20`), []byte(`"param":21`), 1)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	var applied int
	err = w.Replay(func(Event) error {
		applied++
		return nil
	})
	var ce *ChecksumError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.Equal(t, uint64(2), ce.Seq)
	assert.Equal(t, 1, applied, "events before the bad one are applied")
	assert.Contains(t, err.Error(), "seq=2")
}

func TestReplayReportsTornTail(t *testing.T) {
	w, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Upsert(types.NewJobID(1), 10)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"UPS`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied int
	err = w.Replay(func(Event) error {
		applied++
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.True(t, IsTornTail(err))
	assert.Equal(t, 1, applied)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.True(t, stats.TornTail)
	assert.Equal(t, 1, stats.TotalEvents)
}

func TestReplayReportsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0644))

	err := scan(path, func(Event, int64) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.False(t, IsTornTail(err))
}

func TestValidateDetectsGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	e1 := Upsert(types.NewJobID(1), 1)
	e1.Seq = 1
	e1.Checksum = CalculateChecksum(e1)
	e3 := Upsert(types.NewJobID(3), 3)
	e3.Seq = 3
	e3.Checksum = CalculateChecksum(e3)

	var buf bytes.Buffer
	for _, e := range []Event{e1, e3} {
		line, err := jsonLine(e)
		require.NoError(t, err)
		buf.Write(line)
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	err := ValidateWAL(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	assert.Contains(t, err.Error(), "sequence gap")
}

// ============================================================================
// Utils
// ============================================================================

func TestGetLastEventEmpty(t *testing.T) {
	_, path := newTestWAL(t, true)
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestDumpAndStats(t *testing.T) {
	w, path := newTestWAL(t, true)
	require.NoError(t, w.Append(Upsert(types.NewJobID(7), 1000)))
	require.NoError(t, w.Append(Remove(types.NewJobID(7))))
	require.NoError(t, w.Append(Cursor(big.NewInt(5))))

	var out strings.Builder
	require.NoError(t, DumpWAL(path, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "[Seq:1] UPSERT job=7 param=1000")
	assert.Contains(t, lines[2], "CURSOR block=5")
	assert.NotContains(t, out.String(), "BAD CHECKSUM")

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalEvents)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(3), stats.LastSeq)
	assert.Equal(t, 1, stats.EventTypes[EventRemove])
	assert.Zero(t, stats.CorruptedCount)
}

func TestChecksumCoversAllFields(t *testing.T) {
	base := Upsert(types.NewJobID(1), 10)
	base.Seq = 1
	sum := CalculateChecksum(base)

	variants := []Event{
		{Seq: 2, Type: EventUpsert, JobID: types.NewJobID(1), Param: 10},
		{Seq: 1, Type: EventRemove, JobID: types.NewJobID(1), Param: 10},
		{Seq: 1, Type: EventUpsert, JobID: types.NewJobID(2), Param: 10},
		{Seq: 1, Type: EventUpsert, JobID: types.NewJobID(1), Param: 11},
		{Seq: 1, Type: EventUpsert, JobID: types.NewJobID(1), Param: 10, Block: big.NewInt(1)},
	}
	for _, v := range variants {
		assert.NotEqual(t, sum, CalculateChecksum(v), "%+v", v)
	}

	// Timestamp 不在校驗範圍內
	base.Timestamp = 12345
	assert.Equal(t, sum, CalculateChecksum(base))
}

func jsonLine(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
