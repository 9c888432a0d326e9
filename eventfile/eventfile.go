// Package eventfile presents the calls/lines binary streams as
// memory-mapped, typed, randomly indexable record sequences, with
// byte-swapping applied on decode when the log's recorded endianness
// differs from the host's.
package eventfile

import (
	"encoding/binary"
	"fmt"

	"github.com/mcfletch/coldshot/internal/cserr"
	"github.com/mcfletch/coldshot/mmapfile"
	"github.com/mcfletch/coldshot/wire"
)

// CallsFile is a typed view over the calls stream.
type CallsFile struct {
	m       *mmapfile.ReadOnly
	order   binary.ByteOrder
	swapped bool
	count   int
}

// OpenCalls memory-maps the calls file at path. order/swapped come from
// the index prefix's endianness witness.
func OpenCalls(path string, order binary.ByteOrder, swapped bool) (*CallsFile, error) {
	m, err := mmapfile.OpenReadOnly(path)
	if err != nil {
		return nil, cserr.IoError(err, "mmap calls file")
	}
	n := len(m.Bytes())
	if n%wire.RecordSize != 0 {
		m.Close()
		return nil, cserr.MalformedLog(fmt.Sprintf("calls file size %d is not a multiple of record size %d", n, wire.RecordSize))
	}
	return &CallsFile{m: m, order: order, swapped: swapped, count: n / wire.RecordSize}, nil
}

// Len returns the number of records in the file.
func (f *CallsFile) Len() int { return f.count }

// Swapped reports whether records are being byte-swapped relative to the
// bytes on disk.
func (f *CallsFile) Swapped() bool { return f.swapped }

// At returns the i'th record.
func (f *CallsFile) At(i int) wire.CallRecord {
	off := i * wire.RecordSize
	return wire.DecodeCallRecord(f.m.Bytes()[off:off+wire.RecordSize], f.order)
}

// Slice returns the records in [start, stop), for bounded replay.
func (f *CallsFile) Slice(start, stop int) []wire.CallRecord {
	if stop > f.count {
		stop = f.count
	}
	if start < 0 {
		start = 0
	}
	out := make([]wire.CallRecord, 0, stop-start)
	for i := start; i < stop; i++ {
		out = append(out, f.At(i))
	}
	return out
}

// Close unmaps the file.
func (f *CallsFile) Close() error { return f.m.Close() }

// LinesFile is a typed view over the lines stream.
type LinesFile struct {
	m       *mmapfile.ReadOnly
	order   binary.ByteOrder
	swapped bool
	count   int
}

// OpenLines memory-maps the lines file at path. A missing lines file
// (line tracing was never enabled for this run) is represented by the
// caller simply not calling OpenLines.
func OpenLines(path string, order binary.ByteOrder, swapped bool) (*LinesFile, error) {
	m, err := mmapfile.OpenReadOnly(path)
	if err != nil {
		return nil, cserr.IoError(err, "mmap lines file")
	}
	n := len(m.Bytes())
	if n%wire.RecordSize != 0 {
		m.Close()
		return nil, cserr.MalformedLog(fmt.Sprintf("lines file size %d is not a multiple of record size %d", n, wire.RecordSize))
	}
	return &LinesFile{m: m, order: order, swapped: swapped, count: n / wire.RecordSize}, nil
}

// Len returns the number of records in the file.
func (f *LinesFile) Len() int { return f.count }

// At returns the i'th record.
func (f *LinesFile) At(i int) wire.LineRecord {
	off := i * wire.RecordSize
	return wire.DecodeLineRecord(f.m.Bytes()[off:off+wire.RecordSize], f.order)
}

// Close unmaps the file.
func (f *LinesFile) Close() error { return f.m.Close() }
