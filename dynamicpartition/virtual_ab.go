package dynamicpartition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/lp"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/ankur-anand/otaengine/snapshot"
	"github.com/hashicorp/go-multierror"
)

// virtualABControl serves Virtual A/B devices. The target slot starts out
// sharing the source slot's extents; update data goes to snapshots that are
// merged into those extents after the new slot boots.
type virtualABControl struct {
	*base
	table     *partitionTable
	snapshots *snapshot.Manager

	// layout of the prepared attempt, used to optimize operations.
	layout *vabLayout
}

type vabLayout struct {
	source      *lp.Metadata
	target      *lp.Metadata
	blockSize   uint64
	snapshotted map[string]bool
}

var _ Control = (*virtualABControl)(nil)

func (c *virtualABControl) restore(ctx context.Context) error {
	st, err := c.snapshots.UpdateState(ctx)
	if err != nil {
		return err
	}
	c.setSlots(st.SourceSlot, st.TargetSlot)
	switch st.State {
	case snapshot.StateInitiated:
		c.setState(StatePrepared)
		c.layout = c.loadLayout(ctx, st.SourceSlot, st.TargetSlot, manifest.DefaultBlockSize)
	case snapshot.StateUnverified:
		c.setState(StateFinished)
	case snapshot.StateMerging:
		c.setState(StateMerging)
	default:
		c.setState(StateNoUpdate)
	}
	return nil
}

// loadLayout rebuilds the prepared layout from persisted metadata. Without
// it operations are simply not optimized.
func (c *virtualABControl) loadLayout(ctx context.Context, source, target uint32, blockSize uint64) *vabLayout {
	src, _, err := c.table.load(ctx, source)
	if err != nil {
		slog.Warn("otaengine: cannot load source metadata", "slot", source, "error", err)
		return nil
	}
	dst, _, err := c.table.load(ctx, target)
	if err != nil {
		slog.Warn("otaengine: cannot load target metadata", "slot", target, "error", err)
		return nil
	}
	snaps, err := c.snapshots.ListSnapshots(ctx)
	if err != nil {
		slog.Warn("otaengine: cannot list snapshots", "error", err)
		return nil
	}
	l := &vabLayout{source: src, target: dst, blockSize: blockSize, snapshotted: make(map[string]bool)}
	for _, s := range snaps {
		l.snapshotted[s.Name] = true
	}
	return l
}

func (c *virtualABControl) UpdateUsesSnapshotCompression(ctx context.Context) bool {
	return c.snapshots.UpdateUsesCompression(ctx)
}

func (c *virtualABControl) PreparePartitionsForUpdate(ctx context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error) {
	start := time.Now()
	required, err := c.prepare(ctx, source, target, m, update)
	c.opts.Metrics.ObservePrepare(time.Since(start), err)
	if err != nil {
		slog.Error("otaengine: prepare partitions failed", "source_slot", source, "target_slot", target,
			"update", update, "required", required, "error", err)
	}
	return required, err
}

func (c *virtualABControl) prepare(ctx context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error) {
	if err := c.checkPrepare(source, target, m); err != nil {
		return 0, err
	}
	st, err := c.snapshots.UpdateState(ctx)
	if err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	if st.State == snapshot.StateMerging {
		return 0, errorcode.Wrap(errorcode.Error, snapshot.ErrMergeInProgress)
	}

	src, _, err := c.table.load(ctx, source)
	if err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	shared := renameSlot(src, target, c.suffix(source), c.suffix(target))
	b := lp.NewBuilder(shared)
	if err := applyManifest(b, shared, m, c.suffix(target)); err != nil {
		return superShortfall(err), spaceError(err)
	}
	dst, err := b.Metadata()
	if err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	plans, err := c.plans(dst, m, target)
	if err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}

	if !update {
		if err := c.snapshots.CheckSpace(plans); err != nil {
			return snapshotShortfall(err), snapshotError(err)
		}
		return 0, nil
	}

	if st.State == snapshot.StateInitiated || st.State == snapshot.StateUnverified {
		slog.Info("otaengine: cancelling previous update", "update_id", st.UpdateID, "state", st.State)
		if err := c.snapshots.CancelUpdate(ctx, false); err != nil {
			return 0, errorcode.Wrap(errorcode.Error, err)
		}
	}
	c.layout = nil
	c.setState(StateNoUpdate)
	if err := c.table.unmapAll(); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}

	compression := c.compression(m)
	if _, err := c.snapshots.BeginUpdate(ctx, snapshot.BeginOptions{
		SourceSlot:         source,
		TargetSlot:         target,
		Compression:        compression,
		XorEnabled:         c.opts.Features.VirtualABCompressionXor.IsEnabled() && compression != "none",
		UserspaceSnapshots: c.opts.Features.VirtualABUserspaceSnapshots.IsEnabled(),
	}); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	if err := c.snapshots.CreateUpdateSnapshots(ctx, plans); err != nil {
		c.abandon(ctx)
		return snapshotShortfall(err), snapshotError(err)
	}
	_, etag, err := c.table.loadOrEmpty(ctx, target)
	if err == nil {
		err = c.table.save(ctx, dst, etag)
	}
	if err == nil {
		err = clearMergeCheckpoint(c.opts.Prefs)
	}
	if err != nil {
		c.abandon(ctx)
		return 0, errorcode.Wrap(errorcode.Error, err)
	}

	l := &vabLayout{source: src, target: dst, blockSize: uint64(m.BlockSize), snapshotted: make(map[string]bool)}
	for _, p := range plans {
		l.snapshotted[p.Name] = true
	}
	c.layout = l
	c.setSlots(source, target)
	c.setState(StatePrepared)
	slog.Info("otaengine: snapshots created", "target_slot", target, "snapshots", len(plans), "compression", compression)
	return 0, nil
}

// abandon cancels a half-prepared attempt.
func (c *virtualABControl) abandon(ctx context.Context) {
	if err := c.snapshots.CancelUpdate(ctx, false); err != nil {
		slog.Error("otaengine: cannot cancel failed update", "error", err)
	}
}

func snapshotShortfall(err error) uint64 {
	var ise *snapshot.InsufficientSpaceError
	if errors.As(err, &ise) {
		return ise.Required
	}
	return 0
}

func snapshotError(err error) error {
	if errors.Is(err, snapshot.ErrNotEnoughSpace) {
		return errorcode.Wrap(errorcode.NotEnoughSpace, err)
	}
	return errorcode.Wrap(errorcode.Error, err)
}

// compression picks the snapshot codec: the manifest's choice when it
// enables compression and the device supports it, none otherwise.
func (c *virtualABControl) compression(m *manifest.Manifest) string {
	dpm := m.DynamicPartitionMetadata
	if !c.opts.Features.VirtualABCompression.IsEnabled() || dpm == nil || !dpm.VABCEnabled {
		return "none"
	}
	if dpm.VABCCompressionParam != "" {
		return dpm.VABCCompressionParam
	}
	return c.opts.Compression
}

// plans lists one snapshot per dynamic partition the manifest writes.
func (c *virtualABControl) plans(dst *lp.Metadata, m *manifest.Manifest, target uint32) ([]snapshot.Plan, error) {
	var plans []snapshot.Plan
	for i := range m.Partitions {
		pu := &m.Partitions[i]
		if m.GroupOf(pu.PartitionName) == nil {
			continue
		}
		full := pu.PartitionName + c.suffix(target)
		p := dst.Partition(full)
		if p == nil || p.Size() == 0 {
			continue
		}
		tbl, err := c.table.tableFor(dst, full)
		if err != nil {
			return nil, err
		}
		plans = append(plans, snapshot.Plan{
			Name:       full,
			DeviceSize: p.Size(),
			CowSize:    estimateCowSize(pu, uint64(m.BlockSize)),
			Base:       tbl,
		})
	}
	return plans, nil
}

// estimateCowSize trusts the payload's estimate and otherwise assumes
// every destination block is stored uncompressed.
func estimateCowSize(pu *manifest.PartitionUpdate, blockSize uint64) uint64 {
	if pu.EstimateCowSize > 0 {
		return pu.EstimateCowSize
	}
	var blocks uint64
	for _, op := range pu.Operations {
		blocks += manifest.TotalBlocks(op.DstExtents) * blockSize / cow.BlockSize
	}
	if blocks == 0 {
		blocks = (pu.NewSize() + cow.BlockSize - 1) / cow.BlockSize
	}
	return cow.HeaderSize + blocks*(cow.RecordHeaderSize+cow.BlockSize)
}

// OptimizeOperation drops the blocks of a source copy whose source and
// destination are the same physical blocks, which the snapshot already
// shows unchanged.
func (c *virtualABControl) OptimizeOperation(name string, op manifest.InstallOperation) (manifest.InstallOperation, bool) {
	if op.Type != manifest.OpSourceCopy || c.State() != StatePrepared || c.layout == nil {
		return op, false
	}
	source, target := c.slots()
	l := c.layout
	if !l.snapshotted[name+c.suffix(target)] {
		return op, false
	}
	src := l.source.Partition(name + c.suffix(source))
	dst := l.target.Partition(name + c.suffix(target))
	if src == nil || dst == nil || manifest.TotalBlocks(op.SrcExtents) != manifest.TotalBlocks(op.DstExtents) {
		return op, false
	}

	var keepSrc, keepDst []manifest.Extent
	skipped := false
	walkBlockPairs(op.SrcExtents, op.DstExtents, func(s, d uint64) {
		sp, okS := src.PhysicalSector(s * l.blockSize)
		dp, okD := dst.PhysicalSector(d * l.blockSize)
		if okS && okD && sp == dp {
			skipped = true
			return
		}
		keepSrc = appendBlock(keepSrc, s)
		keepDst = appendBlock(keepDst, d)
	})
	if !skipped {
		return op, false
	}
	out := op.Clone()
	out.SrcExtents = keepSrc
	out.DstExtents = keepDst
	return out, true
}

// walkBlockPairs calls fn with the i-th block of src and of dst for every
// i. Both lists must cover the same number of blocks.
func walkBlockPairs(src, dst []manifest.Extent, fn func(s, d uint64)) {
	si, di := 0, 0
	var so, do uint64
	for si < len(src) && di < len(dst) {
		fn(src[si].StartBlock+so, dst[di].StartBlock+do)
		so++
		do++
		if so == src[si].NumBlocks {
			si, so = si+1, 0
		}
		if do == dst[di].NumBlocks {
			di, do = di+1, 0
		}
	}
}

func appendBlock(exts []manifest.Extent, block uint64) []manifest.Extent {
	if n := len(exts); n > 0 && exts[n-1].End() == block {
		exts[n-1].NumBlocks++
		return exts
	}
	return append(exts, manifest.Extent{StartBlock: block, NumBlocks: 1})
}

func (c *virtualABControl) snapshotName(name string) (string, error) {
	if c.State() != StatePrepared {
		return "", fmt.Errorf("%w: snapshot writes in %s", ErrWrongState, c.State())
	}
	_, target := c.slots()
	return name + c.suffix(target), nil
}

func (c *virtualABControl) OpenCowWriter(ctx context.Context, name string, _ *string, label *uint64) (cow.Writer, error) {
	full, err := c.snapshotName(name)
	if err != nil {
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	w, err := c.snapshots.OpenSnapshotWriter(ctx, full, snapshot.WriterOptions{Append: label != nil, Label: label})
	if err != nil {
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	return w, nil
}

func (c *virtualABControl) OpenCowFd(ctx context.Context, name string, source *string, appendMode bool) (cow.FileDescriptor, error) {
	full, err := c.snapshotName(name)
	if err != nil {
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	snap, err := c.snapshots.Snapshot(ctx, full)
	if err != nil {
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	var src sourceDevice
	if source != nil {
		src, err = c.openSource(*source)
	} else {
		src, err = lp.OpenTable(snap.Base, os.O_RDONLY)
	}
	if err != nil {
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	w, err := c.snapshots.OpenSnapshotWriter(ctx, full, snapshot.WriterOptions{Append: appendMode})
	if err != nil {
		_ = src.Close()
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	fd, err := cow.NewWriterFile(w, src)
	if err != nil {
		_ = w.Close()
		_ = src.Close()
		return nil, errorcode.Wrap(errorcode.Error, err)
	}
	return &cowFd{WriterFile: fd, source: src, metrics: c.opts.Metrics}, nil
}

// openSource opens a device path handed out by GetPartitionDevice or a
// plain image file.
func (c *virtualABControl) openSource(path string) (sourceDevice, error) {
	if isMapperPath(c.table, path) {
		return lp.OpenPartition(path, os.O_RDONLY)
	}
	return cow.OpenFile(path, os.O_RDONLY, 0)
}

// MapAllPartitions maps every target partition: snapshotted ones through
// their snapshot, the rest read-only over their extents.
func (c *virtualABControl) MapAllPartitions(ctx context.Context) error {
	switch c.State() {
	case StatePrepared, StateFinished:
	default:
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: map in %s", ErrWrongState, c.State()))
	}
	_, target := c.slots()
	md, _, err := c.table.load(ctx, target)
	if err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	for _, name := range md.PartitionNames() {
		tbl, err := c.targetTable(ctx, md, name)
		if err != nil {
			return errorcode.Wrap(errorcode.Error, err)
		}
		if _, err := c.table.mapTable(tbl); err != nil {
			return errorcode.Wrap(errorcode.Error, err)
		}
	}
	return nil
}

// targetTable is the device table of target partition name (suffixed).
func (c *virtualABControl) targetTable(ctx context.Context, md *lp.Metadata, name string) (lp.Table, error) {
	snap, err := c.snapshots.SnapshotTable(ctx, name, name)
	if err == nil {
		return snap.Base, nil
	}
	if !errors.Is(err, snapshot.ErrNoSuchSnapshot) {
		return lp.Table{}, err
	}
	tbl, err := c.table.tableFor(md, name)
	if err != nil {
		return lp.Table{}, err
	}
	tbl.ReadOnly = true
	return tbl, nil
}

func (c *virtualABControl) UnmapAllPartitions(ctx context.Context) error {
	_, target := c.slots()
	md, _, err := c.table.load(ctx, target)
	if err != nil {
		if errors.Is(err, lp.ErrNoMetadata) {
			return nil
		}
		return errorcode.Wrap(errorcode.Error, err)
	}
	var result *multierror.Error
	for _, name := range md.PartitionNames() {
		if err := c.table.unmap(name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return errorcode.Wrap(errorcode.Error, result.ErrorOrNil())
}

func (c *virtualABControl) FinishUpdate(ctx context.Context, powerwashRequired bool) error {
	switch c.State() {
	case StatePrepared:
	case StateFinished:
		return nil
	default:
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: finish in %s", ErrWrongState, c.State()))
	}
	if err := c.snapshots.FinishedSnapshotWrites(ctx, powerwashRequired, c.opts.BootControl.BootID()); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	if err := c.recordFinish(powerwashRequired, nil); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.layout = nil
	c.setState(StateFinished)
	slog.Info("otaengine: snapshot writes finished", "powerwash_required", powerwashRequired)
	return nil
}

func (c *virtualABControl) GetCleanupPreviousUpdateAction(boot bootcontrol.BootControl, p prefs.Prefs, delegate CleanupDelegate) Action {
	return &cleanupAction{
		snapshots:  c.snapshots,
		boot:       boot,
		prefs:      p,
		delegate:   delegate,
		chunk:      c.opts.MergeChunkBlocks,
		waitFor:    c.opts.SlotSuccessTimeout,
		metrics:    c.opts.Metrics,
		onProgress: c.setState,
	}
}

func (c *virtualABControl) ResetUpdate(ctx context.Context, p prefs.Prefs) error {
	c.setState(StateReset)
	var result *multierror.Error
	if err := clearUpdateProgress(p); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.snapshots.CancelUpdate(ctx, true); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.table.unmapAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.layout = nil
	c.opts.Metrics.ObserveReset()
	c.setState(StateNoUpdate)
	slog.Info("otaengine: update reset")
	return nil
}

func (c *virtualABControl) ListDynamicPartitionsForSlot(ctx context.Context, slot, currentSlot uint32) ([]string, error) {
	return c.table.listForSlot(ctx, slot, currentSlot)
}

func (c *virtualABControl) VerifyExtentsForUntouchedPartitions(ctx context.Context, source, target uint32, names []string) error {
	if err := c.table.verifyExtents(ctx, source, target, names); err != nil {
		return errorcode.Wrap(errorcode.FilesystemVerifierError, err)
	}
	return nil
}

func (c *virtualABControl) IsDynamicPartition(ctx context.Context, name string, slot uint32) bool {
	return c.table.isDynamic(ctx, name, slot)
}

// GetPartitionDevice returns the snapshot view for snapshotted partitions
// of the pending update; writes to them go through OpenCowWriter or
// OpenCowFd.
func (c *virtualABControl) GetPartitionDevice(ctx context.Context, name string, slot, currentSlot uint32) (PartitionDevice, error) {
	_, target := c.slots()
	pending := c.State() == StatePrepared || c.State() == StateFinished
	if pending && slot == target && slot != currentSlot {
		full := name + c.suffix(slot)
		snap, err := c.snapshots.SnapshotTable(ctx, full, full)
		if err == nil {
			path, err := c.table.mapTable(snap.Base)
			if err != nil {
				return PartitionDevice{}, err
			}
			return PartitionDevice{ReadOnlyDevicePath: path, IsDynamic: true}, nil
		}
		if !errors.Is(err, snapshot.ErrNoSuchSnapshot) {
			return PartitionDevice{}, err
		}
	}
	return dynamicDevice(ctx, c.base, c.table, name, slot, currentSlot)
}

func (c *virtualABControl) Cleanup() error {
	return c.table.unmapAll()
}

// sourceDevice is what a snapshot descriptor reads untouched blocks from.
type sourceDevice interface {
	io.ReaderAt
	io.Closer
}

func isMapperPath(t *partitionTable, path string) bool {
	rel, err := filepath.Rel(t.mapperPath(), path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// cowFd is a snapshot descriptor that owns its source device and reports
// writes to the engine metrics.
type cowFd struct {
	*cow.WriterFile
	source  sourceDevice
	metrics *metrics.EngineMetrics
}

func (f *cowFd) Write(p []byte) (int, error) {
	n, err := f.WriterFile.Write(p)
	if n > 0 {
		f.metrics.ObserveCowWrite(n)
	}
	return n, err
}

func (f *cowFd) Flush() error {
	if err := f.WriterFile.Flush(); err != nil {
		return err
	}
	f.metrics.ObserveCowFlush()
	return nil
}

func (f *cowFd) Close() error {
	var result *multierror.Error
	if err := f.WriterFile.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := f.source.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
