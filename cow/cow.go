// Package cow implements the copy-on-write snapshot format that receives
// update data for a partition, and the file-descriptor style adapter that lets
// block-oriented writers treat a snapshot like a plain block device.
package cow

import (
	"errors"
	"os"
)

// BlockSize is the only block size snapshots support. Offsets and lengths
// passed to WriterFile.Write must be multiples of it.
const BlockSize = 4096

var (
	ErrUnaligned          = errors.New("cow: offset or length not block aligned")
	ErrNotSupported       = errors.New("cow: operation not supported")
	ErrClosed             = errors.New("cow: closed")
	ErrWriterInvalidated  = errors.New("cow: writer invalidated by end of update attempt")
	ErrOutOfRange         = errors.New("cow: block out of device range")
	ErrCopyOrdering       = errors.New("cow: copy source overlaps an earlier copy destination")
	ErrLabelNotFound      = errors.New("cow: label not found")
	ErrChecksum           = errors.New("cow: checksum mismatch")
	ErrBadHeader          = errors.New("cow: bad header")
	ErrNoSource           = errors.New("cow: copy or xor operation needs a source device")
	ErrUnknownCompression = errors.New("cow: unknown compression")
)

// FileDescriptor is the block-device handle update writers consume. OSFile
// backs it with a real file or device node; WriterFile backs it with a
// snapshot.
type FileDescriptor interface {
	Open(path string, flag int, perm os.FileMode) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
	// BlockDevSize is the size in bytes of the device behind the descriptor.
	BlockDevSize() (uint64, error)
	// BlkIoctl issues a range ioctl such as BLKDISCARD or BLKZEROOUT.
	BlkIoctl(request uint, start, length uint64) (int, error)
	Flush() error
	Close() error
	IsOpen() bool
}
