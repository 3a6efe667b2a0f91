package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event.
//
// Covered fields: Seq, Type, Queue, JobID and the raw job record.
// Timestamp is not covered.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(event.Seq, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(event.Type))
	h.Write([]byte{'|'})
	h.Write([]byte(event.Queue))
	h.Write([]byte{'|'})
	h.Write([]byte(event.JobID))
	h.Write([]byte{'|'})
	h.Write(event.Record)
	return h.Sum32()
}

// VerifyChecksum reports whether the stored checksum matches the event.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
