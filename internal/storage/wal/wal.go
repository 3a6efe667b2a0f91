package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only, JSON lines）
// 2. 提供重放功能以恢復佇列狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options tune batching.
type Options struct {
	// SyncOnAppend flushes and fsyncs on every Append.
	SyncOnAppend bool
	// BufferSize is the number of buffered events that triggers a flush.
	BufferSize int
	// FlushInterval is the maximum age of the buffer checked on Append.
	FlushInterval time.Duration
}

// DefaultOptions mirror the batching used in production.
func DefaultOptions() Options {
	return Options{
		BufferSize:    256,
		FlushInterval: time.Second,
	}
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	closed  bool
	opts    Options

	buffer        []Event
	lastFlushTime time.Time
}

// Open 建立或開啟一個 WAL 實例
//
// 行為：
//   - 如果檔案不存在，建立新檔案，seq 從 0 開始
//   - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
//   - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}

	if err := truncateTornTail(path); err != nil {
		return nil, err
	}

	// 旋轉後的新檔案可能是空的，此時序號從上一代檔案接續
	var seq uint64
	for _, p := range []string{path, path + ".1"} {
		if last, err := GetLastEvent(p); err == nil && last.Seq > seq {
			seq = last.Seq
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
//   - 自動遞增 seq
//   - 記錄任務轉換後的完整狀態並計算 checksum
//   - 緩衝寫入；緩衝滿、超時或 force 時 flush + fsync
func (w *WAL) Append(eventType EventType, job *types.Job, force bool) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		Queue:     job.Queue,
		JobID:     job.ID,
		Timestamp: time.Now().UnixMilli(),
		Record:    record,
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	if force || w.opts.SyncOnAppend || len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush writes buffered events and fsyncs the file.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
//   - 從頭讀取 WAL 檔案（包含尚未 flush 的緩衝區之前的內容）
//   - 驗證每個事件的 checksum
//   - 呼叫 handler 應用事件，遇到錯誤立即停止
//
// A torn trailing record (crash mid-write) surfaces as *CorruptionError after
// every intact event before it has been applied.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// ReplayFrom replays every event with Seq > after, reading the rotated
// generation (<path>.1) before the live file. Recovery uses it with the
// snapshot's LastSeq so events appended between a snapshot and its rotation
// are not lost.
func (w *WAL) ReplayFrom(after uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	filtered := func(event Event) error {
		if event.Seq <= after {
			return nil
		}
		return handler(event)
	}
	// 上一代檔案的殘缺尾端不影響目前檔案的重放
	var corrupt *CorruptionError
	older := replayFile(w.path+".1", filtered)
	if older != nil && !errors.As(older, &corrupt) {
		return older
	}
	if err := replayFile(w.path, filtered); err != nil {
		return err
	}
	return older
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var (
		lastSeq uint64
		good    int64 // 最後一筆完整紀錄的結尾位置
	)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: good, Cause: err}
		}
		if want := CalculateChecksum(event); want != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: want, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
		good = decoder.InputOffset()
	}
	return nil
}

// truncateTornTail cuts a partially written last record so new appends
// start on a record boundary. Checksum mismatches are left for Replay to
// report.
func truncateTornTail(path string) error {
	err := replayFile(path, func(Event) error { return nil })
	var corrupt *CorruptionError
	if !errors.As(err, &corrupt) {
		return nil
	}
	if terr := os.Truncate(path, corrupt.Offset); terr != nil {
		return fmt.Errorf("truncate torn wal tail %s: %w", path, terr)
	}
	return nil
}

// Rotate 旋轉日誌檔案
//
// 在快照成功寫入後呼叫：舊檔案改名為 <path>.1（覆蓋上一份備份），
// 新檔案從空開始，seq 持續遞增。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		return err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.lastFlushTime = time.Now()
	return nil
}

// Close flushes and closes the WAL. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// AdvanceSeq moves the sequence forward to at least seq. Recovery calls it
// with the snapshot's LastSeq so new events always sort after the snapshot.
func (w *WAL) AdvanceSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.seq {
		w.seq = seq
	}
}

// Path returns the file backing the log.
func (w *WAL) Path() string {
	return w.path
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}
