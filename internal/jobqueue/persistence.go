package jobqueue

// ============================================================================
// 持久化與崩潰恢復
//
// 恢復流程（New 時執行）：
//   1. loadSnapshot() - 從最新快照恢復各佇列
//   2. replayWAL()    - 重放快照之後（Seq > LastSeq）的事件，冪等 upsert/remove；
//                       WAL 序號至少推進到 LastSeq
//   3. RecoverInterrupted - 崩潰前仍 active 的任務重新排隊（次數用盡則 failed）
//   4. 寫入新快照並旋轉 WAL
//
// 寫入路徑：
//   JobManager 在鎖內呼叫 journal，每次狀態轉換都以完整任務紀錄寫入 WAL，
//   WAL 順序與記憶體中的轉換順序一致。
// ============================================================================

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/forge-dispatch/internal/snapshot"
	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// interruptedReason is recorded on jobs found active during recovery.
const interruptedReason = "interrupted by process restart"

func (s *Service) openPersistence() error {
	start := time.Now()

	snapshotPath := s.cfg.SnapshotPath
	if snapshotPath == "" {
		snapshotPath = s.cfg.WALPath + ".snapshot"
	}
	s.snapshot = snapshot.NewManager(snapshotPath)

	w, err := wal.Open(s.cfg.WALPath, s.cfg.WALOptions)
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	s.wal = w

	lastSeq, err := s.loadSnapshot()
	if err != nil {
		w.Close()
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}
	w.AdvanceSeq(lastSeq)
	replayed, err := s.replayWAL(lastSeq)
	if err != nil {
		w.Close()
		return fmt.Errorf("replayWAL failed: %w", err)
	}

	// journal 在重放之後才掛上，重放本身不會再寫 WAL
	requeued, failed := 0, 0
	for _, name := range s.order {
		qs := s.queues[name]
		qs.jobs.SetJournal(s.journal)
		r, f := qs.jobs.RecoverInterrupted(interruptedReason)
		requeued += r
		failed += f
		s.observe(qs)
	}

	if err := s.takeSnapshot(); err != nil {
		s.log.Warn("Failed to take post-recovery snapshot", "error", err)
	}

	recovery := time.Since(start)
	s.metrics.SetRecoveryTime(recovery)
	s.log.Info("Recovery completed",
		"duration", recovery,
		"replayed_events", replayed,
		"requeued_jobs", requeued,
		"failed_jobs", failed)
	return nil
}

// loadSnapshot 從快照恢復狀態，返回快照涵蓋的最後 WAL 序號
func (s *Service) loadSnapshot() (uint64, error) {
	data, err := s.snapshot.Load()
	if err != nil {
		return 0, err
	}

	for queue, jobs := range data.Queues {
		qs, ok := s.queues[queue]
		if !ok {
			s.log.Warn("Snapshot contains unknown queue, skipping", "queue", queue, "jobs", len(jobs))
			continue
		}
		qs.jobs.Restore(jobs)
	}

	s.log.Info("Snapshot loaded", "jobs", data.JobCount(), "last_seq", data.LastSeq)
	return data.LastSeq, nil
}

// replayWAL 重放 WAL 事件
//
// 每個事件帶有轉換後的完整任務紀錄，因此重放只是 upsert（REMOVE 則刪除），
// 重複重放結果相同。尾端被截斷的紀錄（寫入途中崩潰）只記錄警告。
func (s *Service) replayWAL(after uint64) (int, error) {
	count := 0
	handler := func(event wal.Event) error {
		qs, ok := s.queues[event.Queue]
		if !ok {
			return nil
		}
		count++
		if event.Type == wal.EventRemove {
			qs.jobs.Remove(event.JobID)
			return nil
		}
		job, err := event.Job()
		if err != nil {
			return err
		}
		qs.jobs.Upsert(job)
		return nil
	}

	err := s.wal.ReplayFrom(after, handler)
	var corrupt *wal.CorruptionError
	if errors.As(err, &corrupt) {
		s.log.Warn("WAL ends with a torn record, ignoring the tail",
			"after_seq", corrupt.Seq,
			"offset", corrupt.Offset)
		return count, nil
	}
	return count, err
}

// journal 由 JobManager 在鎖內呼叫
func (s *Service) journal(event wal.EventType, job *types.Job) {
	terminal := event == wal.EventComplete || event == wal.EventFail || event == wal.EventCancel
	if err := s.wal.Append(event, job, terminal); err != nil {
		if errors.Is(err, wal.ErrWALClosed) {
			s.log.Debug("Transition after WAL close not journaled", "event", event, "jobID", job.ID)
			return
		}
		s.log.Error("Failed to append WAL event", "event", event, "jobID", job.ID, "error", err)
	}
}

// snapshotLoop 定期生成快照
func (s *Service) snapshotLoop() {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.log.Debug("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := s.takeSnapshot(); err != nil {
				s.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 執行快照操作
//
// LastSeq 先於任務狀態讀取：序號之前的事件必然已反映在記憶體中，
// 之後的事件在恢復時重放（冪等）。
func (s *Service) takeSnapshot() error {
	start := time.Now()

	data := types.SnapshotData{
		Queues:  make(map[types.QueueName][]*types.Job, len(s.order)),
		LastSeq: s.wal.GetLastSeq(),
	}
	for _, name := range s.order {
		data.Queues[name] = s.queues[name].jobs.Snapshot()
	}

	if err := s.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	s.log.Debug("Snapshot taken",
		"duration", time.Since(start),
		"jobs", data.JobCount(),
		"last_seq", data.LastSeq)
	return nil
}
