package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// Lease 代表一次被取出執行的任務嘗試
type Lease struct {
	Job     *types.Job      // 任務副本，處理函式可自由讀取
	Attempt int             // 本次嘗試的序號（1 起算）
	Ctx     context.Context // 任務被取消時以 ErrJobCancelled 為 cause 結束
	Timeout time.Duration   // 硬性逾時；<= 0 時使用 Pool 預設值
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID     // 任務 ID
	Attempt  int             // 對應的嘗試序號
	Output   types.JobResult // 結構化輸出（失敗時 Success=false）
	Err      error           // 失敗原因（TimeoutError / JobExecutionError / ErrJobCancelled）
	Duration time.Duration   // 實際執行時間
}

// Success reports whether the attempt produced a result.
func (r Result) Success() bool { return r.Err == nil }

// ProcessFunc is the per-queue processing function.
type ProcessFunc func(ctx context.Context, job *types.Job, r Reporter) (types.JobResult, error)

// Reporter lets a processing function publish progress and observe
// cancellation of its own attempt.
type Reporter interface {
	// Report forwards progress synchronously; reports are never reordered.
	Report(p types.Progress) error
	// Cancelled reports whether the job was cancelled by a caller. A timeout
	// or a forced shutdown does not count.
	Cancelled() bool
}

// Checkpoint returns the cancellation cause once ctx is done. Processing
// functions call it at stage boundaries.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}
