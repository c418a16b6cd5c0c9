package snapshot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/lp"
	"github.com/hashicorp/go-multierror"
)

const (
	scratchSuffix     = ".merge"
	scratchHeaderSize = 24
)

var scratchTable = crc32.MakeTable(crc32.Castagnoli)

// Merger copies the final contents of one snapshot into its base
// partition, in plan order.
//
// Copy and xor blocks read the base partition they are rewriting, so a
// chunk is first computed into a scratch file. Applying the same chunk
// again after a crash replays the scratch file instead of recomputing
// from a partly rewritten base.
type Merger struct {
	name    string
	scratch string
	base    *lp.PartitionFile
	reader  *cow.Reader
	plan    []cow.MergeOp

	pending     [][]byte
	pendingFrom int
	pendingTo   int
}

// OpenMerge prepares merging snapshot name. The update must be merging.
// Snapshot data failing its checksum is reported as ErrCorrupted.
func (m *Manager) OpenMerge(ctx context.Context, name string) (*Merger, error) {
	st, _, err := m.readStatus(ctx)
	if err != nil {
		return nil, err
	}
	if st.State != StateMerging {
		return nil, fmt.Errorf("%w: merge in %s", ErrWrongState, st.State)
	}
	snap, err := m.Snapshot(ctx, name)
	if err != nil {
		return nil, err
	}
	base, err := lp.OpenTable(snap.Base, os.O_RDWR)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: open base: %w", name, err)
	}
	reader, err := cow.OpenReader(m.cowPath(snap.CowFile), cow.ReaderOptions{
		Source:    base,
		CacheSize: m.opts.ReaderCacheSize,
	})
	if err != nil {
		_ = base.Close()
		if errors.Is(err, cow.ErrBadHeader) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
		}
		return nil, err
	}
	if err := reader.Verify(); err != nil {
		_ = reader.Close()
		_ = base.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, name, err)
	}
	return &Merger{
		name:    name,
		scratch: filepath.Join(m.opts.Dir, name+scratchSuffix),
		base:    base,
		reader:  reader,
		plan:    reader.MergePlan(),
	}, nil
}

func (g *Merger) Name() string {
	return g.name
}

// Len is the number of blocks to merge.
func (g *Merger) Len() int {
	return len(g.plan)
}

// Apply merges plan entries [from, to) and syncs the base partition. It
// returns the number of bytes written.
func (g *Merger) Apply(ctx context.Context, from, to int) (int64, error) {
	if from < 0 || to > len(g.plan) || from > to {
		return 0, fmt.Errorf("%w: merge range [%d,%d) of %d", ErrCorrupted, from, to, len(g.plan))
	}
	if err := g.prepare(ctx, from, to); err != nil {
		return 0, err
	}
	return g.commit(ctx)
}

// prepare loads the chunk from a matching scratch file or computes it and
// persists a new scratch file.
func (g *Merger) prepare(ctx context.Context, from, to int) error {
	if blocks, ok := g.loadScratch(from, to); ok {
		g.pending, g.pendingFrom, g.pendingTo = blocks, from, to
		return nil
	}

	blocks := make([][]byte, 0, to-from)
	for _, op := range g.plan[from:to] {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := g.reader.ReadBlock(op.NewBlock)
		if err != nil {
			if errors.Is(err, cow.ErrChecksum) {
				return fmt.Errorf("%w: %s: %v", ErrCorrupted, g.name, err)
			}
			return err
		}
		blocks = append(blocks, data)
	}
	if err := g.writeScratch(from, to, blocks); err != nil {
		return fmt.Errorf("snapshot %s: write merge scratch: %w", g.name, err)
	}
	g.pending, g.pendingFrom, g.pendingTo = blocks, from, to
	return nil
}

func (g *Merger) commit(ctx context.Context) (int64, error) {
	var written int64
	for i, data := range g.pending {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		op := g.plan[g.pendingFrom+i]
		n, err := g.base.WriteAt(data, int64(op.NewBlock*cow.BlockSize))
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("snapshot %s: merge block %d: %w", g.name, op.NewBlock, err)
		}
	}
	if err := g.base.Flush(); err != nil {
		return written, err
	}
	g.pending = nil
	return written, nil
}

// Scratch layout: from u64, to u64, crc32 of the blocks u32, reserved u32,
// then the blocks in plan order.
func (g *Merger) writeScratch(from, to int, blocks [][]byte) error {
	buf := make([]byte, scratchHeaderSize, scratchHeaderSize+len(blocks)*cow.BlockSize)
	for _, b := range blocks {
		buf = append(buf, b...)
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(from))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(to))
	binary.LittleEndian.PutUint32(buf[16:20], crc32.Checksum(buf[scratchHeaderSize:], scratchTable))

	tmp := g.scratch + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, g.scratch)
}

func (g *Merger) loadScratch(from, to int) ([][]byte, bool) {
	data, err := os.ReadFile(g.scratch)
	if err != nil || len(data) < scratchHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint64(data[0:8]) != uint64(from) || binary.LittleEndian.Uint64(data[8:16]) != uint64(to) {
		return nil, false
	}
	body := data[scratchHeaderSize:]
	if len(body) != (to-from)*cow.BlockSize || crc32.Checksum(body, scratchTable) != binary.LittleEndian.Uint32(data[16:20]) {
		return nil, false
	}
	blocks := make([][]byte, 0, to-from)
	for i := 0; i < to-from; i++ {
		blocks = append(blocks, body[i*cow.BlockSize:(i+1)*cow.BlockSize])
	}
	return blocks, true
}

// Close releases the snapshot and the base partition. The scratch file
// is kept until the snapshot is deleted.
func (g *Merger) Close() error {
	var result *multierror.Error
	if err := g.reader.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.base.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
