// Package types defines the domain model shared by the forge-dispatch queue,
// worker pool and orchestrator.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobID uniquely identifies a job. It is assigned at enqueue and never changes.
type JobID string

// QueueName identifies one of the fixed queue kinds.
type QueueName string

// Queue kinds
const (
	QueueAssetGeneration   QueueName = "asset-generation"
	QueueStylePackTraining QueueName = "style-pack-training"
	QueuePostProcessing    QueueName = "post-processing"
	QueueNotifications     QueueName = "notifications"
	QueueCodeScaffold      QueueName = "code-scaffold"
	QueueDocSummary        QueueName = "doc-summary"
)

// AllQueues returns every queue kind in a stable order.
func AllQueues() []QueueName {
	return []QueueName{
		QueueAssetGeneration,
		QueueStylePackTraining,
		QueuePostProcessing,
		QueueNotifications,
		QueueCodeScaffold,
		QueueDocSummary,
	}
}

// ParseQueueName maps a string onto a known queue kind.
func ParseQueueName(s string) (QueueName, bool) {
	for _, q := range AllQueues() {
		if string(q) == s {
			return q, true
		}
	}
	return "", false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// 任務狀態
const (
	StatusWaiting   JobStatus = "waiting"   // eligible (or becoming eligible after backoff)
	StatusDelayed   JobStatus = "delayed"   // submitted with a delay that has not elapsed
	StatusActive    JobStatus = "active"    // claimed by a worker
	StatusCompleted JobStatus = "completed" // finished successfully
	StatusFailed    JobStatus = "failed"    // attempts exhausted or permanent error
	StatusCancelled JobStatus = "cancelled" // cancelled by a caller
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// BackoffPolicy describes the delay before a failed job becomes eligible again.
type BackoffPolicy struct {
	Kind  BackoffKind   `json:"kind" yaml:"kind"`
	Delay time.Duration `json:"delay" yaml:"delay"`
}

// Next returns the delay applied after the given number of attempts.
// Exponential: Delay * 2^(attemptsMade-1). Fixed: Delay.
func (b BackoffPolicy) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Kind != BackoffExponential || attemptsMade <= 1 {
		return b.Delay
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return b.Delay * time.Duration(1<<uint(shift))
}

// Progress is the last progress report of the running attempt.
type Progress struct {
	Percentage  int    `json:"percentage"`
	Stage       string `json:"stage,omitempty"`
	Message     string `json:"message,omitempty"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
}

// JobResult is the structured outcome of a processing function.
type JobResult struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *JobResult) Clone() *JobResult {
	if r == nil {
		return nil
	}
	return &JobResult{
		Success:  r.Success,
		Data:     CloneMap(r.Data),
		Error:    r.Error,
		Metadata: CloneMap(r.Metadata),
	}
}

// Job is a unit of work. The queue service owns every Job value it stores;
// callers only ever see copies.
type Job struct {
	// 識別與資料
	ID      JobID          `json:"id"`
	Queue   QueueName      `json:"queue"`
	Payload map[string]any `json:"payload"`

	// 狀態追蹤
	Status          JobStatus `json:"status"`
	Progress        Progress  `json:"progress"`
	AttemptsMade    int       `json:"attempts_made"`
	AttemptsAllowed int       `json:"attempts_allowed"`
	Priority        int       `json:"priority"`
	Seq             uint64    `json:"seq"`

	// 執行策略
	Backoff       BackoffPolicy `json:"backoff"`
	Timeout       time.Duration `json:"timeout"`
	KeepCompleted int           `json:"keep_completed,omitempty"`
	KeepFailed    int           `json:"keep_failed,omitempty"`
	KeepCancelled int           `json:"keep_cancelled,omitempty"`

	// 結果
	Result        *JobResult `json:"result,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	LastError     string     `json:"last_error,omitempty"` // error of the most recent failed attempt

	// 時間
	CreatedAt  time.Time `json:"created_at"`
	RunAt      time.Time `json:"run_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the job, payload and result included.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = CloneMap(j.Payload)
	c.Result = j.Result.Clone()
	return &c
}

// View projects the job onto the read-only status view.
func (j *Job) View() StatusView {
	return StatusView{
		ID:              j.ID,
		Queue:           j.Queue,
		Status:          j.Status,
		Progress:        j.Progress,
		AttemptsMade:    j.AttemptsMade,
		AttemptsAllowed: j.AttemptsAllowed,
		Result:          j.Result.Clone(),
		FailureReason:   j.FailureReason,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

// StatusView is the consistent snapshot returned by status queries.
type StatusView struct {
	ID              JobID      `json:"id"`
	Queue           QueueName  `json:"queue"`
	Status          JobStatus  `json:"status"`
	Progress        Progress   `json:"progress"`
	AttemptsMade    int        `json:"attempts_made"`
	AttemptsAllowed int        `json:"attempts_allowed"`
	Result          *JobResult `json:"result,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	FinishedAt      time.Time  `json:"finished_at,omitempty"`
}

// JobHandle is returned by enqueue.
type JobHandle struct {
	ID        JobID     `json:"id"`
	Queue     QueueName `json:"queue"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	RunAt     time.Time `json:"run_at"`
}

// JobOptions override the queue defaults for a single job.
// Zero values mean "use the queue default".
type JobOptions struct {
	Priority      int            `json:"priority,omitempty"`
	Delay         time.Duration  `json:"delay,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
	Backoff       *BackoffPolicy `json:"backoff,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	KeepCompleted int            `json:"keep_completed,omitempty"`
	KeepFailed    int            `json:"keep_failed,omitempty"`
	KeepCancelled int            `json:"keep_cancelled,omitempty"`
}

// QueueConfig is the static definition of a queue.
type QueueConfig struct {
	Name          QueueName     `yaml:"name" validate:"required"`
	Concurrency   int           `yaml:"concurrency" validate:"min=1,max=256"`
	Attempts      int           `yaml:"attempts" validate:"min=1,max=25"`
	Backoff       BackoffPolicy `yaml:"backoff"`
	Timeout       time.Duration `yaml:"timeout" validate:"min=0"`
	KeepCompleted int           `yaml:"keep_completed" validate:"min=0"`
	KeepFailed    int           `yaml:"keep_failed" validate:"min=0"`
	KeepCancelled int           `yaml:"keep_cancelled" validate:"min=0"`
}

// QueueStats are coherent per-status counts for one queue.
type QueueStats struct {
	Queue     QueueName `json:"queue"`
	Waiting   int       `json:"waiting"`
	Delayed   int       `json:"delayed"`
	Active    int       `json:"active"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Total     int       `json:"total"`
}

// SnapshotData is the persisted form of every queue.
type SnapshotData struct {
	Queues    map[QueueName][]*Job `json:"queues"`
	SchemaVer int                  `json:"schema_ver"`
	LastSeq   uint64               `json:"last_seq"`
	TakenAt   time.Time            `json:"taken_at"`
}

// JobCount returns the number of jobs across all queues.
func (s SnapshotData) JobCount() int {
	n := 0
	for _, jobs := range s.Queues {
		n += len(jobs)
	}
	return n
}

// ============================================================================
// Payload helpers
// ============================================================================

// NormalizePayload converts v into a JSON-shaped map (only maps, slices,
// strings, float64, bool and nil remain). Structs and typed slices are
// flattened through encoding/json.
func NormalizePayload(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return out, nil
}

// DecodePayload decodes a JSON-shaped payload into a typed struct.
func DecodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
