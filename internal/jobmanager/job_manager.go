// ============================================================================
// Forge-Dispatch 任務管理器 - 單一佇列的任務狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理單一佇列內任務的完整生命週期和狀態轉換
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源
//   2. 狀態索引 - waiting (排序 slice) / delayed / active / completed /
//      failed / cancelled，透過指針與 jobs 同步
//
// 任務狀態轉換:
//
//	waiting ──Acquire──▶ active ──Complete──▶ completed
//	   ▲                   │
//	   │◀──Fail(可重試)────┤
//	   │                   └──Fail(用盡/永久)──▶ failed
//	delayed ──(延遲到期)──▶ waiting
//	waiting|delayed|active ──Cancel──▶ cancelled
//
// 排程順序:
//   waiting 依 Priority 由高到低、同優先權依 Seq（提交順序）FIFO。
//   RunAt 尚未到期（重試退避中）的任務留在 waiting 但不會被取出。
//
// 並發安全:
//   每個佇列一把 sync.RWMutex；不同佇列之間沒有共享鎖。
//   journal 回呼在鎖內呼叫，WAL 順序與記憶體狀態順序一致。
//
// ============================================================================

package jobmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在執行中狀態
	ErrNotActive = errors.New("job is not active")
	// 結果屬於較早的執行嘗試
	ErrStaleAttempt = errors.New("result belongs to a previous attempt")
)

// MaxRunningPercentage caps progress reported while a job is running.
// 100 is only ever written by Complete.
const MaxRunningPercentage = 99

// DefaultKeepCancelled caps cancelled jobs when the job sets no KeepCancelled.
const DefaultKeepCancelled = 100

// JournalFunc receives every transition together with the post-transition job.
// The job pointer is only valid for the duration of the call.
type JournalFunc func(event wal.EventType, job *types.Job)

// Option configures a JobManager.
type Option func(*JobManager)

// WithJournal installs the transition journal.
func WithJournal(fn JournalFunc) Option {
	return func(jm *JobManager) { jm.journal = fn }
}

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) { jm.now = now }
}

// JobManager 代表單一佇列的任務管理器
type JobManager struct {
	mu        sync.RWMutex
	queue     types.QueueName
	jobs      map[types.JobID]*types.Job // 所有任務
	waiting   []types.JobID              // 依優先權 + seq 排序
	delayed   map[types.JobID]*types.Job
	active    map[types.JobID]*types.Job
	completed map[types.JobID]*types.Job
	failed    map[types.JobID]*types.Job
	cancelled map[types.JobID]*types.Job
	seq       uint64

	journal JournalFunc
	now     func() time.Time
}

// FailOutcome describes what Fail did with the job.
type FailOutcome struct {
	Job      *types.Job    // copy of the job after the transition
	Retrying bool          // true when the job went back to waiting
	Delay    time.Duration // backoff applied when retrying
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager(queue types.QueueName, opts ...Option) *JobManager {
	jm := &JobManager{
		queue: queue,
		now:   time.Now,
	}
	jm.resetLocked()
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// SetJournal replaces the transition journal.
func (jm *JobManager) SetJournal(fn JournalFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.journal = fn
}

func (jm *JobManager) resetLocked() {
	jm.jobs = make(map[types.JobID]*types.Job)
	jm.waiting = make([]types.JobID, 0)
	jm.delayed = make(map[types.JobID]*types.Job)
	jm.active = make(map[types.JobID]*types.Job)
	jm.completed = make(map[types.JobID]*types.Job)
	jm.failed = make(map[types.JobID]*types.Job)
	jm.cancelled = make(map[types.JobID]*types.Job)
}

// Enqueue 將新任務加入佇列
//
// 參數：
//   - job: 已填好 ID、Payload 與執行策略的任務；JobManager 取得其副本的所有權
//
// 返回值：
//   - *types.Job: 入隊後的任務副本（含 Status、Seq）
//   - error: ErrDuplicateJob
func (jm *JobManager) Enqueue(job *types.Job) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return nil, ErrDuplicateJob
	}

	now := jm.now()
	stored := job.Clone()
	stored.Queue = jm.queue
	jm.seq++
	stored.Seq = jm.seq
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.RunAt.IsZero() {
		stored.RunAt = stored.CreatedAt
	}
	stored.Progress = types.Progress{}
	stored.AttemptsMade = 0

	jm.jobs[stored.ID] = stored
	if stored.RunAt.After(now) {
		stored.Status = types.StatusDelayed
		jm.delayed[stored.ID] = stored
	} else {
		stored.Status = types.StatusWaiting
		jm.insertWaitingLocked(stored)
	}
	jm.record(wal.EventEnqueue, stored)

	return stored.Clone(), nil
}

// Acquire 取出至多 max 個可執行的任務並標記為 active
//
// 先將延遲到期的任務移入 waiting，再依優先權/FIFO 挑選 RunAt 已到期者。
// 每個取出的任務 AttemptsMade 加一、進度歸零。
func (jm *JobManager) Acquire(max int) []*types.Job {
	if max <= 0 {
		return nil
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	jm.promoteLocked(now)

	out := make([]*types.Job, 0, max)
	for i := 0; i < len(jm.waiting) && len(out) < max; {
		job := jm.jobs[jm.waiting[i]]
		if job.RunAt.After(now) {
			i++
			continue
		}
		jm.waiting = append(jm.waiting[:i], jm.waiting[i+1:]...)

		job.Status = types.StatusActive
		job.AttemptsMade++
		job.StartedAt = now
		job.FinishedAt = time.Time{}
		job.Progress = types.Progress{}
		jm.active[job.ID] = job
		jm.record(wal.EventActivate, job)

		out = append(out, job.Clone())
	}
	return out
}

// promoteLocked moves delayed jobs whose delay elapsed to waiting.
func (jm *JobManager) promoteLocked(now time.Time) {
	for id, job := range jm.delayed {
		if job.RunAt.After(now) {
			continue
		}
		delete(jm.delayed, id)
		job.Status = types.StatusWaiting
		jm.insertWaitingLocked(job)
	}
}

// NextRunAt returns the earliest time a non-active job becomes eligible.
func (jm *JobManager) NextRunAt() (time.Time, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next, found = t, true
		}
	}
	for _, id := range jm.waiting {
		consider(jm.jobs[id].RunAt)
	}
	for _, job := range jm.delayed {
		consider(job.RunAt)
	}
	return next, found
}

// UpdateProgress 更新執行中任務的進度
//
// 百分比只增不減且上限為 MaxRunningPercentage；Stage/Message/步數照實寫入。
// 返回實際存下的進度。
func (jm *JobManager) UpdateProgress(id types.JobID, attempt int, p types.Progress) (types.Progress, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.activeAttemptLocked(id, attempt)
	if err != nil {
		return types.Progress{}, err
	}

	pct := p.Percentage
	if pct > MaxRunningPercentage {
		pct = MaxRunningPercentage
	}
	if pct < job.Progress.Percentage {
		pct = job.Progress.Percentage
	}
	p.Percentage = pct
	job.Progress = p
	return p, nil
}

// Complete 將執行中的任務標記為已完成，進度設為 100
func (jm *JobManager) Complete(id types.JobID, attempt int, result *types.JobResult) (*types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.activeAttemptLocked(id, attempt)
	if err != nil {
		return nil, err
	}

	now := jm.now()
	res := result.Clone()
	if res == nil {
		res = &types.JobResult{}
	}
	res.Success = true
	res.Error = ""

	job.Status = types.StatusCompleted
	job.Progress.Percentage = 100
	job.Progress.Stage = "completed"
	job.Result = res
	job.FailureReason = ""
	job.LastError = ""
	job.FinishedAt = now
	delete(jm.active, id)
	jm.completed[id] = job
	jm.record(wal.EventComplete, job)

	out := job.Clone()
	jm.trimLocked(jm.completed, job.KeepCompleted)
	return out, nil
}

// Fail 處理一次失敗的執行
//
// 行為：
//   - 尚有剩餘次數且非永久錯誤：回到 waiting，RunAt = now + backoff(AttemptsMade)
//   - 否則：進入 failed，記錄 FailureReason
func (jm *JobManager) Fail(id types.JobID, attempt int, reason string, permanent bool) (FailOutcome, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.activeAttemptLocked(id, attempt)
	if err != nil {
		return FailOutcome{}, err
	}

	now := jm.now()
	delete(jm.active, id)
	job.LastError = reason

	if !permanent && job.AttemptsMade < job.AttemptsAllowed {
		delay := job.Backoff.Next(job.AttemptsMade)
		job.Status = types.StatusWaiting
		job.RunAt = now.Add(delay)
		jm.insertWaitingLocked(job)
		jm.record(wal.EventRetry, job)
		return FailOutcome{Job: job.Clone(), Retrying: true, Delay: delay}, nil
	}

	job.Status = types.StatusFailed
	job.FailureReason = reason
	job.Result = nil
	job.FinishedAt = now
	jm.failed[id] = job
	jm.record(wal.EventFail, job)

	out := FailOutcome{Job: job.Clone()}
	jm.trimLocked(jm.failed, job.KeepFailed)
	return out, nil
}

// Cancel 取消任務
//
// 返回值：
//   - prev: 取消前的狀態
//   - changed: 是否真的發生轉換（終態任務為 no-op）
//   - error: ErrJobNotFound
func (jm *JobManager) Cancel(id types.JobID) (prev types.JobStatus, changed bool, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return "", false, ErrJobNotFound
	}

	prev = job.Status
	switch prev {
	case types.StatusWaiting:
		jm.removeWaitingLocked(id)
	case types.StatusDelayed:
		delete(jm.delayed, id)
	case types.StatusActive:
		delete(jm.active, id)
	default:
		return prev, false, nil
	}

	job.Status = types.StatusCancelled
	job.FinishedAt = jm.now()
	jm.cancelled[id] = job
	jm.record(wal.EventCancel, job)
	jm.trimLocked(jm.cancelled, keepCancelled(job))
	return prev, true, nil
}

// RecoverInterrupted handles jobs left active by a previous process: they go
// back to waiting, or to failed when no attempts remain.
func (jm *JobManager) RecoverInterrupted(reason string) (requeued, failed int) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	now := jm.now()
	for id, job := range jm.active {
		delete(jm.active, id)
		job.LastError = reason
		if job.AttemptsMade < job.AttemptsAllowed {
			job.Status = types.StatusWaiting
			job.RunAt = now
			jm.insertWaitingLocked(job)
			jm.record(wal.EventRetry, job)
			requeued++
			continue
		}
		job.Status = types.StatusFailed
		job.FailureReason = reason
		job.FinishedAt = now
		jm.failed[id] = job
		jm.record(wal.EventFail, job)
		failed++
	}
	return requeued, failed
}

// Clean 移除 FinishedAt 早於 maxAge 的 completed/failed 任務
func (jm *JobManager) Clean(maxAge time.Duration) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	cutoff := jm.now().Add(-maxAge)
	var removed []types.JobID
	for _, index := range []map[types.JobID]*types.Job{jm.completed, jm.failed} {
		for id, job := range index {
			if job.FinishedAt.Before(cutoff) {
				jm.removeLocked(id)
				removed = append(removed, id)
			}
		}
	}
	return removed
}

// keepCancelled 取消的任務不受 Clean 影響，因此一律有上限
func keepCancelled(job *types.Job) int {
	if job.KeepCancelled > 0 {
		return job.KeepCancelled
	}
	return DefaultKeepCancelled
}

// trimLocked drops the oldest finished jobs of an index beyond keep.
func (jm *JobManager) trimLocked(index map[types.JobID]*types.Job, keep int) {
	if keep <= 0 || len(index) <= keep {
		return
	}
	jobs := make([]*types.Job, 0, len(index))
	for _, job := range index {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].FinishedAt.Equal(jobs[j].FinishedAt) {
			return jobs[i].FinishedAt.Before(jobs[j].FinishedAt)
		}
		return jobs[i].Seq < jobs[j].Seq
	})
	for _, job := range jobs[:len(jobs)-keep] {
		jm.removeLocked(job.ID)
	}
}

func (jm *JobManager) removeLocked(id types.JobID) {
	job, exists := jm.jobs[id]
	if !exists {
		return
	}
	jm.unindexLocked(job)
	delete(jm.jobs, id)
	jm.record(wal.EventRemove, job)
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得任務副本
func (jm *JobManager) Get(id types.JobID) (*types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Stats 取得各狀態任務的統計資訊（同一把鎖下計算，保證一致）
func (jm *JobManager) Stats() types.QueueStats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return types.QueueStats{
		Queue:     jm.queue,
		Waiting:   len(jm.waiting),
		Delayed:   len(jm.delayed),
		Active:    len(jm.active),
		Completed: len(jm.completed),
		Failed:    len(jm.failed),
		Cancelled: len(jm.cancelled),
		Total:     len(jm.jobs),
	}
}

// Outstanding returns the number of jobs that have not finished.
func (jm *JobManager) Outstanding() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.waiting) + len(jm.delayed) + len(jm.active)
}

// OutstandingFor counts unfinished jobs whose payload belongs to userID.
func (jm *JobManager) OutstandingFor(userID string) int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	n := 0
	for _, job := range jm.jobs {
		if job.Status.Terminal() {
			continue
		}
		if uid, _ := job.Payload["user_id"].(string); uid == userID {
			n++
		}
	}
	return n
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Snapshot 生成所有任務的深拷貝，依 Seq 排序
func (jm *JobManager) Snapshot() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Restore 從快照恢復狀態（清空現有狀態）
func (jm *JobManager) Restore(jobs []*types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.resetLocked()
	jm.seq = 0
	for _, job := range jobs {
		jm.upsertLocked(job)
	}
}

// Upsert 以重放的任務紀錄覆蓋目前狀態（冪等）
func (jm *JobManager) Upsert(job *types.Job) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.upsertLocked(job)
}

// Remove 刪除任務（重放 REMOVE 事件用），不寫 journal
func (jm *JobManager) Remove(id types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return false
	}
	jm.unindexLocked(job)
	delete(jm.jobs, id)
	return true
}

func (jm *JobManager) upsertLocked(job *types.Job) {
	if existing, ok := jm.jobs[job.ID]; ok {
		jm.unindexLocked(existing)
	}

	stored := job.Clone()
	stored.Queue = jm.queue
	jm.jobs[stored.ID] = stored
	if stored.Seq > jm.seq {
		jm.seq = stored.Seq
	}

	switch stored.Status {
	case types.StatusWaiting:
		jm.insertWaitingLocked(stored)
	case types.StatusDelayed:
		jm.delayed[stored.ID] = stored
	case types.StatusActive:
		jm.active[stored.ID] = stored
	case types.StatusCompleted:
		jm.completed[stored.ID] = stored
	case types.StatusFailed:
		jm.failed[stored.ID] = stored
	case types.StatusCancelled:
		jm.cancelled[stored.ID] = stored
	}
}

func (jm *JobManager) unindexLocked(job *types.Job) {
	switch job.Status {
	case types.StatusWaiting:
		jm.removeWaitingLocked(job.ID)
	case types.StatusDelayed:
		delete(jm.delayed, job.ID)
	case types.StatusActive:
		delete(jm.active, job.ID)
	case types.StatusCompleted:
		delete(jm.completed, job.ID)
	case types.StatusFailed:
		delete(jm.failed, job.ID)
	case types.StatusCancelled:
		delete(jm.cancelled, job.ID)
	}
}

// ============================================================================
// 內部輔助
// ============================================================================

func (jm *JobManager) activeAttemptLocked(id types.JobID, attempt int) (*types.Job, error) {
	job, exists := jm.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.Status != types.StatusActive {
		return nil, ErrNotActive
	}
	if job.AttemptsMade != attempt {
		return nil, ErrStaleAttempt
	}
	return job, nil
}

// insertWaitingLocked keeps waiting ordered by priority desc, then seq asc.
func (jm *JobManager) insertWaitingLocked(job *types.Job) {
	idx := sort.Search(len(jm.waiting), func(i int) bool {
		other := jm.jobs[jm.waiting[i]]
		if other.Priority != job.Priority {
			return other.Priority < job.Priority
		}
		return other.Seq > job.Seq
	})
	jm.waiting = append(jm.waiting, "")
	copy(jm.waiting[idx+1:], jm.waiting[idx:])
	jm.waiting[idx] = job.ID
}

func (jm *JobManager) removeWaitingLocked(id types.JobID) {
	for i, wid := range jm.waiting {
		if wid == id {
			jm.waiting = append(jm.waiting[:i], jm.waiting[i+1:]...)
			return
		}
	}
}

func (jm *JobManager) record(event wal.EventType, job *types.Job) {
	if jm.journal != nil {
		jm.journal(event, job)
	}
}
