package cow

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultReaderCacheSize bounds the decoded-block cache of a Reader.
const DefaultReaderCacheSize = 4 << 20

type ReaderOptions struct {
	// Source backs blocks the snapshot never wrote and the inputs of copy and
	// xor records. Nil reads unwritten blocks as zeros.
	Source io.ReaderAt
	// CacheSize of zero selects DefaultReaderCacheSize; negative disables
	// the cache.
	CacheSize int64
}

// MergeOp is one block of the final snapshot contents, in the order a merge
// must apply it.
type MergeOp struct {
	Op       OpType
	NewBlock uint64
	// Source is the source block of a copy and the byte offset of an xor.
	Source uint64
}

// Reader serves the merged view of a snapshot over its source device. It
// is safe for concurrent use.
type Reader struct {
	mu      sync.RWMutex
	path    string
	data    []byte
	hdr     header
	records []scannedRecord
	index   map[uint64]int
	labels  []uint64
	source  io.ReaderAt
	cache   *ristretto.Cache[uint64, []byte]
	closed  bool
}

// OpenReader maps the snapshot at path. Records after a torn tail are
// ignored.
func OpenReader(path string, opts ReaderOptions) (*Reader, error) {
	data, err := mapPath(path)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		_ = munmap(data)
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	r := &Reader{
		path:   path,
		data:   data,
		hdr:    hdr,
		index:  make(map[uint64]int),
		source: opts.Source,
	}
	r.records, _ = scanRecords(data)
	for i, rec := range r.records {
		if rec.Op == OpLabel {
			r.labels = append(r.labels, rec.Source)
			continue
		}
		r.index[rec.NewBlock] = i
	}

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = DefaultReaderCacheSize
	}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
			NumCounters:        max(cacheSize/BlockSize*10, 1024),
			MaxCost:            cacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			_ = munmap(data)
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

// Size is the device size in bytes.
func (r *Reader) Size() uint64 {
	return r.hdr.DeviceSize
}

func (r *Reader) Compression() Compression {
	return r.hdr.Compression
}

// Labels lists the labels in the order they were written.
func (r *Reader) Labels() []uint64 {
	return append([]uint64(nil), r.labels...)
}

// WrittenBlocks is the number of distinct blocks the snapshot overrides.
func (r *Reader) WrittenBlocks() int {
	return len(r.index)
}

// ReadBlock returns the contents of block as the snapshot presents it.
func (r *Reader) ReadBlock(block uint64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrClosed
	}
	if block >= r.hdr.DeviceSize/BlockSize {
		return nil, fmt.Errorf("%w: block %d", ErrOutOfRange, block)
	}
	i, ok := r.index[block]
	if !ok {
		return r.readSource(block*BlockSize, false)
	}
	return r.resolve(i)
}

func (r *Reader) resolve(i int) ([]byte, error) {
	rec := r.records[i]
	switch rec.Op {
	case OpZero:
		return make([]byte, BlockSize), nil
	case OpCopy:
		return r.readSource(rec.Source*BlockSize, true)
	case OpRaw:
		payload, err := r.payload(i)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), payload...), nil
	case OpXor:
		payload, err := r.payload(i)
		if err != nil {
			return nil, err
		}
		src, err := r.readSource(rec.Source, true)
		if err != nil {
			return nil, err
		}
		for j := range src {
			src[j] ^= payload[j]
		}
		return src, nil
	default:
		return nil, fmt.Errorf("cow: block %d resolves to %s record", rec.NewBlock, rec.Op)
	}
}

// payload returns the decoded data of record i. Callers must not modify it.
func (r *Reader) payload(i int) ([]byte, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(uint64(i)); ok {
			return v, nil
		}
	}
	rec := r.records[i]
	raw := r.data[rec.dataOffset():rec.end()]
	if crc32.Checksum(raw, crcTable) != rec.DataCRC {
		return nil, fmt.Errorf("%w: %s record for block %d at offset %d", ErrChecksum, rec.Op, rec.NewBlock, rec.Offset)
	}
	out, err := decompressBlock(rec.Codec, raw, BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrChecksum, rec.NewBlock, err)
	}
	if len(out) != BlockSize {
		return nil, fmt.Errorf("%w: block %d holds %d bytes", ErrChecksum, rec.NewBlock, len(out))
	}
	if r.cache != nil {
		r.cache.Set(uint64(i), out, int64(len(out)))
	}
	return out, nil
}

func (r *Reader) readSource(off uint64, required bool) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if r.source == nil {
		if required {
			return nil, ErrNoSource
		}
		return buf, nil
	}
	n, err := r.source.ReadAt(buf, int64(off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cow: read source at %d: %w", off, err)
	}
	clear(buf[n:])
	return buf, nil
}

// ReadAt implements io.ReaderAt over the device view.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("cow: negative offset %d", off)
	}
	size := int64(r.hdr.DeviceSize)
	if off >= size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && off < size {
		block := uint64(off / BlockSize)
		data, err := r.ReadBlock(block)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], data[off%BlockSize:])
		n += c
		off += int64(c)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Verify checks the checksum of every stored payload.
func (r *Reader) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	for _, rec := range r.records {
		raw := r.data[rec.dataOffset():rec.end()]
		if crc32.Checksum(raw, crcTable) != rec.DataCRC {
			return fmt.Errorf("%w: %s record for block %d at offset %d", ErrChecksum, rec.Op, rec.NewBlock, rec.Offset)
		}
	}
	return nil
}

// MergePlan lists the final operation for each written block: copy and xor
// records first, then raw and zero records, each group in write order.
// Writers reject copies whose source an earlier copy overwrote, so applying
// the plan in place over the source device reproduces the snapshot view.
func (r *Reader) MergePlan() []MergeOp {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var first, second []MergeOp
	for i, rec := range r.records {
		if rec.Op == OpLabel || r.index[rec.NewBlock] != i {
			continue
		}
		op := MergeOp{Op: rec.Op, NewBlock: rec.NewBlock, Source: rec.Source}
		if rec.Op == OpCopy || rec.Op == OpXor {
			first = append(first, op)
		} else {
			second = append(second, op)
		}
	}
	return append(first, second...)
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cache != nil {
		r.cache.Close()
	}
	err := munmap(r.data)
	r.data = nil
	return err
}
