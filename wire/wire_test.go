package wire

import (
	"encoding/binary"
	"testing"
)

func TestCallRecordRoundTrip(t *testing.T) {
	want := CallRecord{Tag: TagCall, Thread: 2, Func: 1, Line: 1, Timestamp: 5}
	buf := make([]byte, RecordSize)
	want.Encode(buf, binary.LittleEndian)
	got := DecodeCallRecord(buf, binary.LittleEndian)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReturnRecordRoundTrip(t *testing.T) {
	want := CallRecord{Tag: TagReturn, Thread: 2, Func: 1, Line: 2, Timestamp: 5}
	buf := make([]byte, RecordSize)
	want.Encode(buf, binary.LittleEndian)
	got := DecodeCallRecord(buf, binary.LittleEndian)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestLineRecordRoundTrip(t *testing.T) {
	want := LineRecord{Thread: 2, Line: 25, Timestamp: 1}
	buf := make([]byte, RecordSize)
	want.Encode(buf, binary.LittleEndian)
	got := DecodeLineRecord(buf, binary.LittleEndian)
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"simple",
		"has space",
		"has%percent",
		"multi  space  run",
	}
	for _, c := range cases {
		esc := EscapeIndexField(c)
		if got := UnescapeIndexField(esc); got != c {
			t.Errorf("escape round trip: %q -> %q -> %q", c, esc, got)
		}
	}
}

func TestDetectByteOrder(t *testing.T) {
	le := EndiannessWitness(binary.LittleEndian)
	order, swapped := DetectByteOrder(le)
	if order != binary.LittleEndian || swapped {
		t.Fatalf("expected unswapped little endian, got %v swapped=%v", order, swapped)
	}

	be := EndiannessWitness(binary.BigEndian)
	order, swapped = DetectByteOrder(be)
	if order != binary.BigEndian || !swapped {
		t.Fatalf("expected swapped big endian, got %v swapped=%v", order, swapped)
	}
}
