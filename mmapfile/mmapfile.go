// Package mmapfile memory-maps files for Coldshot's writer and loader:
// a growable writable mapping for the append-only record streams (growth,
// by truncating the underlying file and remapping, is the only lengthy
// operation on the write side) and a read-only mapping for replay.
package mmapfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Writable is a growable, memory-mapped append target backed by a regular
// file opened for read/write.
type Writable struct {
	f    *os.File
	data []byte // current mapping
	size int64  // file size backing the current mapping
}

// OpenWritable creates (truncating any existing contents) the file at path
// and maps an initial region of at least initialSize bytes.
func OpenWritable(path string, initialSize int64) (*Writable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	w := &Writable{f: f}
	if err := w.grow(initialSize); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// grow ensures the mapping covers at least n bytes, truncating the file
// and remapping if necessary. Existing mapped data is preserved.
func (w *Writable) grow(n int64) error {
	if n <= w.size {
		return nil
	}
	if err := w.f.Truncate(n); err != nil {
		return fmt.Errorf("mmapfile: truncate: %w", err)
	}
	if w.data != nil {
		if err := unix.Munmap(w.data); err != nil {
			return fmt.Errorf("mmapfile: munmap for regrow: %w", err)
		}
		w.data = nil
	}
	data, err := unix.Mmap(int(w.f.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmapfile: mmap: %w", err)
	}
	w.data = data
	w.size = n
	return nil
}

// EnsureCapacity grows the mapping, if necessary, so that offset+length
// bytes are addressable.
func (w *Writable) EnsureCapacity(offset, length int64) error {
	return w.grow(offset + length)
}

// WriteAt copies buf into the mapping at offset, growing the mapping first
// if needed.
func (w *Writable) WriteAt(buf []byte, offset int64) error {
	if err := w.EnsureCapacity(offset, int64(len(buf))); err != nil {
		return err
	}
	copy(w.data[offset:], buf)
	return nil
}

// Truncate shrinks the backing file (and the reported size) to n bytes,
// used by Close to drop any unwritten tail of the last grown region.
func (w *Writable) Truncate(n int64) error {
	if w.data != nil {
		if err := unix.Munmap(w.data); err != nil {
			return fmt.Errorf("mmapfile: munmap for truncate: %w", err)
		}
		w.data = nil
	}
	if err := w.f.Truncate(n); err != nil {
		return fmt.Errorf("mmapfile: truncate: %w", err)
	}
	w.size = 0
	return w.grow(n)
}

// Flush asks the kernel to write the mapped pages back to disk.
func (w *Writable) Flush() error {
	if w.data == nil {
		return nil
	}
	if err := unix.Msync(w.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("mmapfile: msync: %w", err)
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (w *Writable) Close() error {
	var err error
	if w.data != nil {
		err = unix.Munmap(w.data)
		w.data = nil
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadOnly is a read-only memory mapping of an existing file, used by
// eventfile to present calls/lines streams as typed, randomly indexable
// slices.
type ReadOnly struct {
	f    *os.File
	data []byte
}

// OpenReadOnly maps the entirety of the file at path for reading.
func OpenReadOnly(path string) (*ReadOnly, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmapfile: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: stat %s: %w", path, err)
	}
	size := st.Size()
	if size == 0 {
		// mmap of a zero-length region is invalid; expose an empty file
		// as a reader with no bytes rather than failing.
		return &ReadOnly{f: f}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmapfile: mmap %s: %w", path, err)
	}
	return &ReadOnly{f: f, data: data}, nil
}

// Bytes returns the mapped region.
func (r *ReadOnly) Bytes() []byte {
	return r.data
}

// Close unmaps and closes the underlying file.
func (r *ReadOnly) Close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
