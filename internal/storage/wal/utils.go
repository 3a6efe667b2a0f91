package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能（啟動時取得 seq、除錯輸出、統計）
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"
)

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 從頭到尾掃描；遇到損壞的尾端記錄時回傳最後一個完整事件。
// 檔案不存在或沒有事件時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if last == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// WALStats WAL 統計資訊
type WALStats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	Corrupted   bool              // 是否遇到損壞記錄
}

// GetWALStats 取得 WAL 的統計資訊
func GetWALStats(path string) (*WALStats, error) {
	stats := &WALStats{EventTypes: make(map[EventType]int)}
	err := replayFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
		return nil
	})
	if err != nil {
		var corruption *CorruptionError
		var checksum *ChecksumError
		switch {
		case errors.As(err, &corruption), errors.As(err, &checksum):
			stats.Corrupted = true
		default:
			return nil, err
		}
	}
	return stats, nil
}

// DumpWAL 輸出 WAL 內容（人類可讀格式）
//
//	[seq:1] ENQUEUE asset-generation/6f0c... at 2026-01-01T00:00:00Z (checksum:0x12345678)
func DumpWAL(path string, w io.Writer) error {
	return replayFile(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s/%s at %s (checksum:0x%08x)\n",
			event.Seq, event.Type, event.Queue, event.JobID,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		return err
	})
}
