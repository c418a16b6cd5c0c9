package cow

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// WriterFile presents a snapshot writer as a FileDescriptor. Writes must be
// block aligned; reads see everything written so far, falling through to
// the source device for untouched blocks.
type WriterFile struct {
	writer Writer
	reader *Reader
	source io.ReaderAt
	offset int64
	dirty  bool
	closed bool
}

var _ FileDescriptor = (*WriterFile)(nil)

// NewWriterFile takes ownership of w. source may be nil.
func NewWriterFile(w Writer, source io.ReaderAt) (*WriterFile, error) {
	reader, err := w.OpenReader(source)
	if err != nil {
		return nil, err
	}
	return &WriterFile{writer: w, reader: reader, source: source}, nil
}

// Open is not supported; the descriptor is opened by construction.
func (f *WriterFile) Open(string, int, os.FileMode) error {
	return ErrNotSupported
}

func (f *WriterFile) IsOpen() bool {
	return !f.closed
}

func (f *WriterFile) Read(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.dirty {
		if err := f.Flush(); err != nil {
			return 0, err
		}
	}
	n, err := f.reader.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write stores p at the current offset. An unaligned offset or length fails
// with ErrUnaligned before anything is written.
func (f *WriterFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	if f.offset%BlockSize != 0 || len(p)%BlockSize != 0 {
		return 0, fmt.Errorf("%w: offset %d length %d", ErrUnaligned, f.offset, len(p))
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.writer.AddRawBlocks(uint64(f.offset/BlockSize), p); err != nil {
		return 0, err
	}
	f.dirty = true
	f.offset += int64(len(p))
	return len(p), nil
}

func (f *WriterFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = int64(f.writer.DeviceSize()) + offset
	default:
		return 0, fmt.Errorf("cow: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("cow: negative offset %d", next)
	}
	f.offset = next
	return next, nil
}

func (f *WriterFile) BlockDevSize() (uint64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return f.writer.DeviceSize(), nil
}

// BlkIoctl is not supported on snapshots.
func (f *WriterFile) BlkIoctl(uint, uint64, uint64) (int, error) {
	return -1, ErrNotSupported
}

// Flush makes pending writes durable and reopens the reader so later reads
// observe them.
func (f *WriterFile) Flush() error {
	if f.closed {
		return ErrClosed
	}
	reader, err := f.writer.OpenReader(f.source)
	if err != nil {
		return err
	}
	old := f.reader
	f.reader = reader
	f.dirty = false
	return old.Close()
}

// Close flushes pending writes, even without a preceding Flush, and then
// releases the reader and the writer.
func (f *WriterFile) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true

	var result *multierror.Error
	if f.dirty {
		if err := f.writer.Finalize(); err != nil {
			result = multierror.Append(result, fmt.Errorf("finalize: %w", err))
		}
		f.dirty = false
	}
	if err := f.reader.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close reader: %w", err))
	}
	if err := f.writer.Close(); err != nil && !errors.Is(err, ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close writer: %w", err))
	}
	return result.ErrorOrNil()
}
