package jobqueue

import (
	"errors"

	"github.com/ChuLiYu/forge-dispatch/internal/jobmanager"
	"github.com/ChuLiYu/forge-dispatch/internal/worker"
)

var (
	// ErrQueueNotFound 佇列名稱不存在
	ErrQueueNotFound = errors.New("queue not found")
	// ErrServiceShuttingDown 服務已開始關閉（或已關閉）
	ErrServiceShuttingDown = errors.New("job queue service is shutting down")
	// ErrQueueFull 未完成任務數已達上限
	ErrQueueFull = errors.New("queue is full")
	// ErrInvalidPayload payload 無法正規化為 JSON 物件
	ErrInvalidPayload = errors.New("invalid job payload")
	// ErrWorkerAlreadyRegistered 同一佇列重複註冊處理函式
	ErrWorkerAlreadyRegistered = errors.New("worker already registered for queue")
	// ErrAlreadyStarted Start 被重複呼叫
	ErrAlreadyStarted = errors.New("job queue service already started")
	// ErrShutdownTimeout 寬限期內仍有任務未結束，已強制取消
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")

	// ErrJobNotFound is returned by status queries for unknown ids.
	ErrJobNotFound = jobmanager.ErrJobNotFound
	// ErrJobCancelled is the cancellation cause seen by processing functions.
	ErrJobCancelled = worker.ErrJobCancelled
)
