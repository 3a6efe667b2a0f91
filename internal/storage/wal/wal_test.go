package wal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

func newTestJob(id string) *types.Job {
	return &types.Job{
		ID:        types.JobID(id),
		Queue:     types.QueueAssetGeneration,
		Payload:   map[string]any{"prompt": "knight"},
		Status:    types.StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}
}

func openTestWAL(t *testing.T, opts Options) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t, Options{SyncOnAppend: true})

	job := newTestJob("job-1")
	require.NoError(t, w.Append(EventEnqueue, job, false))
	job.Status = types.StatusActive
	require.NoError(t, w.Append(EventActivate, job, false))

	var seen []Event
	require.NoError(t, w.Replay(func(e Event) error {
		seen = append(seen, e)
		return nil
	}))

	require.Len(t, seen, 2)
	assert.Equal(t, uint64(1), seen[0].Seq)
	assert.Equal(t, EventActivate, seen[1].Type)
	assert.Equal(t, types.QueueAssetGeneration, seen[1].Queue)

	restored, err := seen[1].Job()
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, restored.Status)
	assert.Equal(t, "knight", restored.Payload["prompt"])
}

func TestReplayFlushesBufferedEvents(t *testing.T) {
	w, _ := openTestWAL(t, Options{BufferSize: 100, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(EventEnqueue, newTestJob("job"), false))
	}

	count := 0
	require.NoError(t, w.Replay(func(Event) error { count++; return nil }))
	assert.Equal(t, 5, count)
}

func TestOpenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.wal")

	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, w.Append(EventEnqueue, newTestJob("a"), false))
	require.NoError(t, w.Append(EventEnqueue, newTestJob("b"), false))
	require.NoError(t, w.Close())

	reopened, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(2), reopened.GetLastSeq())
	require.NoError(t, reopened.Append(EventEnqueue, newTestJob("c"), false))
	assert.Equal(t, uint64(3), reopened.GetLastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-1"), false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(data, []byte("knight"), []byte("wizard"), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = replayFile(path, func(Event) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestReplayStopsAtTornRecord(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-1"), false))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"ENQ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	applied := 0
	err = replayFile(path, func(Event) error { applied++; return nil })

	var corruption *CorruptionError
	require.ErrorAs(t, err, &corruption)
	assert.Equal(t, uint64(1), corruption.Seq)
	assert.Equal(t, 1, applied)

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-1"), false))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"ENQ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Append(EventEnqueue, newTestJob("job-2"), false))

	var ids []types.JobID
	require.NoError(t, reopened.Replay(func(e Event) error {
		ids = append(ids, e.JobID)
		return nil
	}))
	assert.Equal(t, []types.JobID{"job-1", "job-2"}, ids)
}

func TestRotate(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-1"), false))
	require.NoError(t, w.Rotate())

	_, err := os.Stat(path + ".1")
	assert.NoError(t, err, "previous log should be kept as a backup")

	count := 0
	require.NoError(t, w.Replay(func(Event) error { count++; return nil }))
	assert.Zero(t, count)

	require.NoError(t, w.Append(EventComplete, newTestJob("job-1"), true))
	assert.Equal(t, uint64(2), w.GetLastSeq(), "sequence keeps increasing across rotations")
}

func TestReplayFromSpansRotation(t *testing.T) {
	w, _ := openTestWAL(t, Options{SyncOnAppend: true})
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, w.Append(EventEnqueue, newTestJob(id), false))
	}
	// snapshot taken at seq 1, rotation happened after seq 3
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-4"), false))

	var seqs []uint64
	require.NoError(t, w.ReplayFrom(1, func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{2, 3, 4}, seqs)
}

func TestOpenAfterRotationContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.wal")
	w, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	require.NoError(t, w.Append(EventEnqueue, newTestJob("job-1"), false))
	require.NoError(t, w.Append(EventActivate, newTestJob("job-1"), false))
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Close())

	reopened, err := Open(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(2), reopened.GetLastSeq())

	reopened.AdvanceSeq(10)
	reopened.AdvanceSeq(4)
	assert.Equal(t, uint64(10), reopened.GetLastSeq())
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := openTestWAL(t, DefaultOptions())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventEnqueue, newTestJob("x"), false), ErrWALClosed)
}

func TestStatsAndDump(t *testing.T) {
	w, path := openTestWAL(t, Options{SyncOnAppend: true})
	require.NoError(t, w.Append(EventEnqueue, newTestJob("a"), false))
	require.NoError(t, w.Append(EventRemove, newTestJob("a"), false))

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, 1, stats.EventTypes[EventRemove])
	assert.False(t, stats.Corrupted)

	var buf bytes.Buffer
	require.NoError(t, DumpWAL(path, &buf))
	assert.Contains(t, buf.String(), "[seq:2] REMOVE asset-generation/a")
}
