// Package wire implements the fixed-width binary record encoding for
// Coldshot's calls and lines streams. Encoding is a set of pure functions
// over a byte buffer with no runtime endianness branch on the hot path:
// the host's native byte order is baked in at encode time and recorded
// once, in the index prefix, for the loader to detect and correct for.
package wire

import (
	"encoding/binary"
	"unsafe"
)

// RecordSize is the fixed width, in bytes, of every calls and lines
// record.
const RecordSize = 16

// Tag values for calls records.
const (
	TagCall   byte = 'c'
	TagReturn byte = 'r'
)

// CallRecord is the 16-byte calls-stream record:
//
//	offset  size  field
//	0       1     tag: 'c' or 'r'
//	1       1     pad
//	2       2     thread id (u16)
//	4       4     function id (u32)
//	8       2     line (u16)
//	10      2     pad
//	12      4     timestamp delta (u32 ticks)
type CallRecord struct {
	Tag       byte
	Thread    uint16
	Func      uint32
	Line      uint16
	Timestamp uint32
}

// Encode writes r into buf[:RecordSize] using order. buf must have length
// >= RecordSize.
func (r CallRecord) Encode(buf []byte, order binary.ByteOrder) {
	buf[0] = r.Tag
	buf[1] = 0
	order.PutUint16(buf[2:4], r.Thread)
	order.PutUint32(buf[4:8], r.Func)
	order.PutUint16(buf[8:10], r.Line)
	order.PutUint16(buf[10:12], 0)
	order.PutUint32(buf[12:16], r.Timestamp)
}

// DecodeCallRecord reads a CallRecord from buf[:RecordSize] using order.
func DecodeCallRecord(buf []byte, order binary.ByteOrder) CallRecord {
	return CallRecord{
		Tag:       buf[0],
		Thread:    order.Uint16(buf[2:4]),
		Func:      order.Uint32(buf[4:8]),
		Line:      order.Uint16(buf[8:10]),
		Timestamp: order.Uint32(buf[12:16]),
	}
}

// LineRecord is the 16-byte lines-stream record. The thread field is 16
// bits wide, matching CallRecord, so readers share one thread-id decode
// path across both record kinds:
//
//	offset  size  field
//	0       2     thread id (u16)
//	2       2     line (u16)
//	4       4     timestamp delta (u32 ticks)
//	8       8     reserved
type LineRecord struct {
	Thread    uint16
	Line      uint16
	Timestamp uint32
}

// Encode writes r into buf[:RecordSize] using order.
func (r LineRecord) Encode(buf []byte, order binary.ByteOrder) {
	order.PutUint16(buf[0:2], r.Thread)
	order.PutUint16(buf[2:4], r.Line)
	order.PutUint32(buf[4:8], r.Timestamp)
	for i := 8; i < RecordSize; i++ {
		buf[i] = 0
	}
}

// DecodeLineRecord reads a LineRecord from buf[:RecordSize] using order.
func DecodeLineRecord(buf []byte, order binary.ByteOrder) LineRecord {
	return LineRecord{
		Thread:    order.Uint16(buf[0:2]),
		Line:      order.Uint16(buf[2:4]),
		Timestamp: order.Uint32(buf[4:8]),
	}
}

// EndiannessWitness is the canonical 8-byte word the index prefix line
// carries so the loader can detect a mismatch between the writer's and
// reader's byte order: the u64 value 1 written in the given byte order.
func EndiannessWitness(order binary.ByteOrder) [8]byte {
	var buf [8]byte
	order.PutUint64(buf[:], 1)
	return buf
}

// DetectByteOrder compares an 8-byte witness read from an index file
// against the encodings of the value 1 and returns the byte order the
// data files were actually written in. swapped reports whether that
// differs from this host's own order — the condition under which a
// loader on different hardware than the writer needs to byteswap.
func DetectByteOrder(witness [8]byte) (order binary.ByteOrder, swapped bool) {
	if binary.LittleEndian.Uint64(witness[:]) == 1 {
		order = binary.LittleEndian
	} else if binary.BigEndian.Uint64(witness[:]) == 1 {
		order = binary.BigEndian
	} else {
		order = binary.LittleEndian
	}
	return order, order != NativeByteOrder
}

// NativeByteOrder is the byte order this process encodes records in. Go
// does not expose the host byte order directly, so it is probed once from
// a fixed bit pattern.
var NativeByteOrder = detectNativeByteOrder()

func detectNativeByteOrder() binary.ByteOrder {
	var i uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&i))
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}
