package lp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ankur-anand/otaengine/cow"
)

var ErrReadOnly = errors.New("lp: device is read-only")

// Table describes a mapped device node: the extents of a partition on the
// super device, optionally viewed through a snapshot.
type Table struct {
	Name      string   `json:"name"`
	SuperPath string   `json:"super_path"`
	Extents   []Extent `json:"extents"`
	ReadOnly  bool     `json:"read_only,omitempty"`
	// SnapshotPath makes the device the snapshot view over Extents. Such
	// devices are read-only; writes go through the snapshot writer.
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

func (t Table) Size() uint64 {
	p := Partition{Extents: t.Extents}
	return p.Size()
}

// WriteTable publishes t at path by writing a temporary file and renaming
// it into place.
func WriteTable(path string, t Table) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, err
	}
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("lp: table %s: %w", path, err)
	}
	return t, nil
}

// PartitionFile is a FileDescriptor over the extents of one partition.
type PartitionFile struct {
	table   Table
	super   *os.File
	size    uint64
	offset  int64
	overlay *cow.Reader
	flag    int
}

var _ cow.FileDescriptor = (*PartitionFile)(nil)

// OpenPartition opens the device table at path.
func OpenPartition(path string, flag int) (*PartitionFile, error) {
	f := &PartitionFile{}
	if err := f.Open(path, flag, 0); err != nil {
		return nil, err
	}
	return f, nil
}

// OpenTable opens t directly, without a table file.
func OpenTable(t Table, flag int) (*PartitionFile, error) {
	f := &PartitionFile{}
	if err := f.openTable(t, flag); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *PartitionFile) Open(path string, flag int, _ os.FileMode) error {
	if f.super != nil {
		return fmt.Errorf("lp: %s already open", f.table.Name)
	}
	t, err := ReadTable(path)
	if err != nil {
		return err
	}
	return f.openTable(t, flag)
}

func (f *PartitionFile) openTable(t Table, flag int) error {
	readOnly := t.ReadOnly || t.SnapshotPath != ""
	if readOnly && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return fmt.Errorf("%w: %s", ErrReadOnly, t.Name)
	}
	superFlag := os.O_RDONLY
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		superFlag = os.O_RDWR
	}
	super, err := os.OpenFile(t.SuperPath, superFlag, 0)
	if err != nil {
		return err
	}
	f.table = t
	f.super = super
	f.size = t.Size()
	f.flag = flag
	f.offset = 0
	if t.SnapshotPath != "" {
		overlay, err := cow.OpenReader(t.SnapshotPath, cow.ReaderOptions{Source: extentIO{f}})
		if err != nil {
			_ = super.Close()
			f.super = nil
			return err
		}
		f.overlay = overlay
	}
	return nil
}

func (f *PartitionFile) IsOpen() bool {
	return f.super != nil
}

func (f *PartitionFile) Name() string {
	return f.table.Name
}

func (f *PartitionFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *PartitionFile) ReadAt(p []byte, off int64) (int, error) {
	if f.super == nil {
		return 0, cow.ErrClosed
	}
	if f.overlay != nil {
		return f.overlay.ReadAt(p, off)
	}
	return extentIO{f}.ReadAt(p, off)
}

func (f *PartitionFile) Write(p []byte) (int, error) {
	n, err := f.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *PartitionFile) WriteAt(p []byte, off int64) (int, error) {
	if f.super == nil {
		return 0, cow.ErrClosed
	}
	if f.overlay != nil || f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrReadOnly, f.table.Name)
	}
	if off < 0 || uint64(off)+uint64(len(p)) > f.size {
		return 0, fmt.Errorf("%w: write [%d,+%d) of %d", cow.ErrOutOfRange, off, len(p), f.size)
	}
	return extentIO{f}.WriteAt(p, off)
}

func (f *PartitionFile) Seek(offset int64, whence int) (int64, error) {
	if f.super == nil {
		return 0, cow.ErrClosed
	}
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = int64(f.size) + offset
	default:
		return 0, fmt.Errorf("lp: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("lp: negative offset %d", next)
	}
	f.offset = next
	return next, nil
}

func (f *PartitionFile) BlockDevSize() (uint64, error) {
	if f.super == nil {
		return 0, cow.ErrClosed
	}
	return f.size, nil
}

// BlkIoctl zeroes the range for discard and zero-out requests.
func (f *PartitionFile) BlkIoctl(request uint, start, length uint64) (int, error) {
	switch request {
	case cow.BlkDiscard, cow.BlkSecDiscard, cow.BlkZeroOut:
	default:
		return -1, fmt.Errorf("%w: ioctl %#x", cow.ErrNotSupported, request)
	}
	zeros := make([]byte, min(length, 1<<20))
	for length > 0 {
		n := min(length, uint64(len(zeros)))
		if _, err := f.WriteAt(zeros[:n], int64(start)); err != nil {
			return -1, err
		}
		start += n
		length -= n
	}
	return 0, nil
}

func (f *PartitionFile) Flush() error {
	if f.super == nil {
		return cow.ErrClosed
	}
	return f.super.Sync()
}

func (f *PartitionFile) Close() error {
	if f.super == nil {
		return cow.ErrClosed
	}
	var err error
	if f.overlay != nil {
		err = f.overlay.Close()
		f.overlay = nil
	}
	if cerr := f.super.Close(); cerr != nil && err == nil {
		err = cerr
	}
	f.super = nil
	return err
}

// extentIO translates partition offsets to super device offsets, bypassing
// any snapshot overlay.
type extentIO struct {
	f *PartitionFile
}

func (e extentIO) ReadAt(p []byte, off int64) (int, error) {
	size := int64(e.f.size)
	if off >= size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < size {
		phys, run := e.locate(uint64(off))
		chunk := min(int64(len(p)-n), run, size-off)
		m, err := e.f.super.ReadAt(p[n:n+int(chunk)], phys)
		n += m
		off += int64(m)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Sparse tail of the super image.
				clear(p[n : n+int(chunk)-m])
				n += int(chunk) - m
				off += chunk - int64(m)
				continue
			}
			return n, err
		}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (e extentIO) WriteAt(p []byte, off int64) (int, error) {
	n := 0
	for n < len(p) {
		phys, run := e.locate(uint64(off))
		chunk := min(int64(len(p)-n), run)
		m, err := e.f.super.WriteAt(p[n:n+int(chunk)], phys)
		n += m
		off += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// locate returns the super offset of partition offset off and how many
// bytes remain in its extent.
func (e extentIO) locate(off uint64) (int64, int64) {
	for _, ext := range e.f.table.Extents {
		length := ext.NumSectors * SectorSize
		if off < length {
			return int64(ext.PhysicalSector*SectorSize + off), int64(length - off)
		}
		off -= length
	}
	return 0, 0
}
