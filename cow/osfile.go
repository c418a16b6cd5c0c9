package cow

import (
	"fmt"
	"os"
)

// Range ioctl requests accepted by BlkIoctl. The values are the Linux ones.
const (
	BlkDiscard    uint = 0x1277
	BlkSecDiscard uint = 0x127d
	BlkZeroOut    uint = 0x127f
)

// OSFile is a FileDescriptor over a regular file or a block device node.
type OSFile struct {
	f *os.File
}

var _ FileDescriptor = (*OSFile)(nil)

// OpenFile opens path and returns the descriptor.
func OpenFile(path string, flag int, perm os.FileMode) (*OSFile, error) {
	fd := &OSFile{}
	if err := fd.Open(path, flag, perm); err != nil {
		return nil, err
	}
	return fd, nil
}

func (o *OSFile) Open(path string, flag int, perm os.FileMode) error {
	if o.f != nil {
		return fmt.Errorf("cow: %s already open", o.f.Name())
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return err
	}
	o.f = f
	return nil
}

func (o *OSFile) IsOpen() bool {
	return o.f != nil
}

func (o *OSFile) Name() string {
	if o.f == nil {
		return ""
	}
	return o.f.Name()
}

func (o *OSFile) Read(p []byte) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Read(p)
}

func (o *OSFile) ReadAt(p []byte, off int64) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.ReadAt(p, off)
}

func (o *OSFile) Write(p []byte) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Write(p)
}

func (o *OSFile) WriteAt(p []byte, off int64) (int, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.WriteAt(p, off)
}

func (o *OSFile) Seek(offset int64, whence int) (int64, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	return o.f.Seek(offset, whence)
}

// BlockDevSize asks the kernel for the size of a device node and stats
// regular files.
func (o *OSFile) BlockDevSize() (uint64, error) {
	if o.f == nil {
		return 0, ErrClosed
	}
	info, err := o.f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice != 0 {
		return blockDeviceSize(o.f)
	}
	return uint64(info.Size()), nil
}

// BlkIoctl issues request over [start, start+length). On regular files the
// range is deallocated instead, which reads back as zeros.
func (o *OSFile) BlkIoctl(request uint, start, length uint64) (int, error) {
	if o.f == nil {
		return -1, ErrClosed
	}
	switch request {
	case BlkDiscard, BlkSecDiscard, BlkZeroOut:
	default:
		return -1, fmt.Errorf("%w: ioctl %#x", ErrNotSupported, request)
	}
	info, err := o.f.Stat()
	if err != nil {
		return -1, err
	}
	if info.Mode()&os.ModeDevice != 0 {
		return rangeIoctl(o.f, request, start, length)
	}
	return punchHole(o.f, start, length)
}

func (o *OSFile) Flush() error {
	if o.f == nil {
		return ErrClosed
	}
	return o.f.Sync()
}

func (o *OSFile) Close() error {
	if o.f == nil {
		return ErrClosed
	}
	err := o.f.Close()
	o.f = nil
	return err
}
