package cow

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"sync"
)

// Writer appends operations to a snapshot. Blocks are numbered in units of
// BlockSize from the start of the partition.
type Writer interface {
	AddCopy(newBlock, oldBlock, numBlocks uint64) error
	AddRawBlocks(newBlock uint64, data []byte) error
	// AddXorBlocks stores data XORed against the source device contents
	// starting at byte sourceOffset.
	AddXorBlocks(newBlock uint64, data []byte, sourceOffset uint64) error
	AddZeroBlocks(newBlock, numBlocks uint64) error
	// AddLabel records a resume point for append mode.
	AddLabel(label uint64) error
	// Finalize makes everything added so far durable. The writer stays usable.
	Finalize() error
	BlockSize() uint32
	DeviceSize() uint64
	// CowSize is the snapshot size in bytes, buffered data included.
	CowSize() uint64
	// OpenReader finalizes and opens a reader over the snapshot.
	OpenReader(source io.ReaderAt) (*Reader, error)
	Close() error
}

type WriterOptions struct {
	Compression Compression
	// DeviceSize is the partition size in bytes; it must be block aligned.
	DeviceSize uint64
	// Append resumes an existing snapshot instead of truncating it. A missing
	// file is created.
	Append bool
	// Label, with Append, discards every record after the last label with this
	// value.
	Label *uint64
	// ReaderCacheSize bounds the decoded-block cache of readers opened
	// through OpenReader.
	ReaderCacheSize int64
}

// FileWriter is a Writer over a file in the snapshot directory.
type FileWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	buf  *bufio.Writer
	hdr  header
	size int64

	cacheSize int64
	copyDst   map[uint64]struct{}
	invalid   bool
	closed    bool
	onClose   func()
}

var _ Writer = (*FileWriter)(nil)

// OpenWriter creates or resumes the snapshot at path.
func OpenWriter(path string, opts WriterOptions) (*FileWriter, error) {
	if opts.DeviceSize%BlockSize != 0 {
		return nil, fmt.Errorf("%w: device size %d", ErrUnaligned, opts.DeviceSize)
	}
	if opts.Compression > CompressionZstd {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, opts.Compression)
	}
	if opts.Label != nil && !opts.Append {
		return nil, errors.New("cow: label requires append mode")
	}
	if opts.Append {
		w, err := resumeWriter(path, opts)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return w, err
		}
		if opts.Label != nil {
			return nil, fmt.Errorf("%w: %d", ErrLabelNotFound, *opts.Label)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	hdr := header{BlockSize: BlockSize, Compression: opts.Compression, DeviceSize: opts.DeviceSize}
	if _, err := f.Write(hdr.encode()); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileWriter{
		path:      path,
		f:         f,
		buf:       bufio.NewWriterSize(f, 64<<10),
		hdr:       hdr,
		size:      HeaderSize,
		cacheSize: opts.ReaderCacheSize,
		copyDst:   make(map[uint64]struct{}),
	}, nil
}

func resumeWriter(path string, opts WriterOptions) (*FileWriter, error) {
	data, err := mapPath(path)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		_ = munmap(data)
		return nil, err
	}
	records, end := scanRecords(data)
	if err := munmap(data); err != nil {
		return nil, err
	}

	if opts.Label != nil {
		idx := -1
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].Op == OpLabel && records[i].Source == *opts.Label {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: %d", ErrLabelNotFound, *opts.Label)
		}
		records = records[:idx+1]
		end = records[idx].end()
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(end); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &FileWriter{
		path:      path,
		f:         f,
		buf:       bufio.NewWriterSize(f, 64<<10),
		hdr:       hdr,
		size:      end,
		cacheSize: opts.ReaderCacheSize,
		copyDst:   make(map[uint64]struct{}),
	}
	for _, r := range records {
		if r.Op == OpCopy || r.Op == OpXor {
			w.copyDst[r.NewBlock] = struct{}{}
		}
	}
	return w, nil
}

func (w *FileWriter) Path() string {
	return w.path
}

func (w *FileWriter) BlockSize() uint32 {
	return w.hdr.BlockSize
}

func (w *FileWriter) DeviceSize() uint64 {
	return w.hdr.DeviceSize
}

func (w *FileWriter) CowSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return uint64(w.size)
}

// Invalidate makes every later call fail with ErrWriterInvalidated. The
// snapshot manager calls it when the update attempt the writer belongs to
// ends.
// OnClose registers fn to run once the writer is closed, after its lock is
// released.
func (w *FileWriter) OnClose(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onClose = fn
}

func (w *FileWriter) Invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.invalid = true
}

func (w *FileWriter) usable() error {
	switch {
	case w.closed:
		return ErrClosed
	case w.invalid:
		return ErrWriterInvalidated
	}
	return nil
}

func (w *FileWriter) checkRange(newBlock, numBlocks uint64) error {
	blocks := w.hdr.DeviceSize / BlockSize
	if newBlock >= blocks || numBlocks > blocks-newBlock {
		return fmt.Errorf("%w: blocks [%d,+%d) of %d", ErrOutOfRange, newBlock, numBlocks, blocks)
	}
	return nil
}

func (w *FileWriter) append(r record, data []byte) error {
	r.DataLen = uint32(len(data))
	r.DataCRC = crc32.Checksum(data, crcTable)
	if _, err := w.buf.Write(r.encode()); err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	w.size += int64(RecordHeaderSize + len(data))
	return nil
}

func (w *FileWriter) AddCopy(newBlock, oldBlock, numBlocks uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.checkRange(newBlock, numBlocks); err != nil {
		return err
	}
	for i := uint64(0); i < numBlocks; i++ {
		if _, ok := w.copyDst[oldBlock+i]; ok {
			return fmt.Errorf("%w: source block %d", ErrCopyOrdering, oldBlock+i)
		}
	}
	for i := uint64(0); i < numBlocks; i++ {
		if err := w.append(record{Op: OpCopy, NewBlock: newBlock + i, Source: oldBlock + i}, nil); err != nil {
			return err
		}
		w.copyDst[newBlock+i] = struct{}{}
	}
	return nil
}

func (w *FileWriter) AddRawBlocks(newBlock uint64, data []byte) error {
	return w.addData(OpRaw, newBlock, data, 0)
}

func (w *FileWriter) AddXorBlocks(newBlock uint64, data []byte, sourceOffset uint64) error {
	return w.addData(OpXor, newBlock, data, sourceOffset)
}

func (w *FileWriter) addData(op OpType, newBlock uint64, data []byte, sourceOffset uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if len(data)%BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes", ErrUnaligned, len(data))
	}
	numBlocks := uint64(len(data) / BlockSize)
	if err := w.checkRange(newBlock, numBlocks); err != nil {
		return err
	}
	if op == OpXor {
		first := sourceOffset / BlockSize
		last := (sourceOffset + uint64(len(data)) - 1) / BlockSize
		for b := first; len(data) > 0 && b <= last; b++ {
			if _, ok := w.copyDst[b]; ok {
				return fmt.Errorf("%w: xor source block %d", ErrCopyOrdering, b)
			}
		}
	}

	for i := uint64(0); i < numBlocks; i++ {
		block := data[i*BlockSize : (i+1)*BlockSize]
		encoded, codec, err := compressBlock(w.hdr.Compression, block)
		if err != nil {
			return err
		}
		r := record{Op: op, Codec: codec, NewBlock: newBlock + i}
		if op == OpXor {
			r.Source = sourceOffset + i*BlockSize
		}
		if err := w.append(r, encoded); err != nil {
			return err
		}
		if op == OpXor {
			w.copyDst[newBlock+i] = struct{}{}
		}
	}
	return nil
}

func (w *FileWriter) AddZeroBlocks(newBlock, numBlocks uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	if err := w.checkRange(newBlock, numBlocks); err != nil {
		return err
	}
	for i := uint64(0); i < numBlocks; i++ {
		if err := w.append(record{Op: OpZero, NewBlock: newBlock + i}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (w *FileWriter) AddLabel(label uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	return w.append(record{Op: OpLabel, Source: label}, nil)
}

func (w *FileWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.usable(); err != nil {
		return err
	}
	return w.sync()
}

func (w *FileWriter) sync() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("cow: flush %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("cow: sync %s: %w", w.path, err)
	}
	return nil
}

func (w *FileWriter) OpenReader(source io.ReaderAt) (*Reader, error) {
	if err := w.Finalize(); err != nil {
		return nil, err
	}
	return OpenReader(w.path, ReaderOptions{Source: source, CacheSize: w.cacheSize})
}

// Close flushes buffered records and releases the file. Closing an
// invalidated writer still flushes, so nothing acknowledged is lost.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	syncErr := w.sync()
	if err := w.f.Close(); err != nil && syncErr == nil {
		syncErr = err
	}
	onClose := w.onClose
	w.onClose = nil
	w.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return syncErr
}
