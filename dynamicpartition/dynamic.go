package dynamicpartition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/lp"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/hashicorp/go-multierror"
)

// dynamicControl serves dynamic partitions without snapshots: the target
// slot gets its own extents and is written in place.
type dynamicControl struct {
	*base
	table *partitionTable
}

var _ Control = (*dynamicControl)(nil)

// restore treats an attempt as finished when its metadata was committed
// during the running boot.
func (c *dynamicControl) restore(context.Context) error {
	updated, _, err := c.opts.Prefs.GetBoolean(prefs.KeyDynamicPartitionMetadataUpdated)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	bootID, _, err := c.opts.Prefs.GetString(prefs.KeyUpdateCompletedOnBootID)
	if err != nil {
		return err
	}
	if bootID == c.opts.BootControl.BootID() {
		current := c.opts.BootControl.CurrentSlot()
		c.setSlots(current, 1-current)
		c.setState(StateFinished)
	}
	return nil
}

func (c *dynamicControl) UpdateUsesSnapshotCompression(context.Context) bool {
	return false
}

func (c *dynamicControl) PreparePartitionsForUpdate(ctx context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error) {
	start := time.Now()
	required, err := c.prepare(ctx, source, target, m, update)
	c.opts.Metrics.ObservePrepare(time.Since(start), err)
	if err != nil {
		slog.Error("otaengine: prepare partitions failed", "source_slot", source, "target_slot", target,
			"update", update, "required", required, "error", err)
	}
	return required, err
}

func (c *dynamicControl) prepare(ctx context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error) {
	if err := c.checkPrepare(source, target, m); err != nil {
		return 0, err
	}
	if m.PartialUpdate {
		return 0, errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: partial update without virtual A/B", ErrNotSupported))
	}

	md, required, err := c.buildTarget(ctx, source, target, m)
	if err != nil {
		return required, err
	}
	if !update {
		return 0, nil
	}

	if err := c.table.unmapAll(); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	_, etag, err := c.table.loadOrEmpty(ctx, target)
	if err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	// The flag goes first: a crash after the metadata write must not leave
	// a stale "updated" marker for the new layout.
	if err := c.opts.Prefs.Delete(prefs.KeyDynamicPartitionMetadataUpdated); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	if err := c.table.save(ctx, md, etag); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	if err := clearMergeCheckpoint(c.opts.Prefs); err != nil {
		return 0, errorcode.Wrap(errorcode.Error, err)
	}
	c.setSlots(source, target)
	c.setState(StatePrepared)
	slog.Info("otaengine: target slot metadata written", "target_slot", target, "partitions", len(md.Partitions))
	return 0, nil
}

// buildTarget lays out the target slot. Launch devices share one super, so
// the source slot's extents stay reserved.
func (c *dynamicControl) buildTarget(ctx context.Context, source, target uint32, m *manifest.Manifest) (*lp.Metadata, uint64, error) {
	src, _, err := c.table.loadOrEmpty(ctx, source)
	if err != nil {
		return nil, 0, errorcode.Wrap(errorcode.Error, err)
	}
	b := lp.NewBuilder(lp.NewMetadata(target, c.table.superSize))
	if !c.table.retrofit {
		b.Reserve(src.UsedExtents()...)
	}
	if err := applyManifest(b, lp.NewMetadata(target, c.table.superSize), m, c.suffix(target)); err != nil {
		return nil, superShortfall(err), spaceError(err)
	}
	md, err := b.Metadata()
	if err != nil {
		return nil, 0, errorcode.Wrap(errorcode.Error, err)
	}
	return md, 0, nil
}

// superShortfall is the extra super space a failed layout needed.
func superShortfall(err error) uint64 {
	var nse *lp.NoSpaceError
	if errors.As(err, &nse) {
		return roundUpSpace(nse.Shortfall())
	}
	return 0
}

func spaceError(err error) error {
	if errors.Is(err, lp.ErrNoSpace) {
		return errorcode.Wrap(errorcode.NotEnoughSpace, err)
	}
	return errorcode.Wrap(errorcode.Error, err)
}

func (c *dynamicControl) OptimizeOperation(_ string, op manifest.InstallOperation) (manifest.InstallOperation, bool) {
	return op, false
}

func (c *dynamicControl) OpenCowWriter(context.Context, string, *string, *uint64) (cow.Writer, error) {
	return nil, errorcode.Wrap(errorcode.Error, ErrNotSupported)
}

func (c *dynamicControl) OpenCowFd(context.Context, string, *string, bool) (cow.FileDescriptor, error) {
	return nil, errorcode.Wrap(errorcode.Error, ErrNotSupported)
}

// MapAllPartitions maps every target partition read-write.
func (c *dynamicControl) MapAllPartitions(ctx context.Context) error {
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
		tbl, err := c.table.tableFor(md, name)
		if err != nil {
			return errorcode.Wrap(errorcode.Error, err)
		}
		if _, err := c.table.mapTable(tbl); err != nil {
			return errorcode.Wrap(errorcode.Error, err)
		}
	}
	return nil
}

func (c *dynamicControl) UnmapAllPartitions(ctx context.Context) error {
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

func (c *dynamicControl) FinishUpdate(_ context.Context, powerwashRequired bool) error {
	switch c.State() {
	case StatePrepared:
	case StateFinished:
		return nil
	default:
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: finish in %s", ErrWrongState, c.State()))
	}
	err := c.recordFinish(powerwashRequired, func(p prefs.Prefs) error {
		return p.SetBoolean(prefs.KeyDynamicPartitionMetadataUpdated, true)
	})
	if err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.setState(StateFinished)
	return nil
}

func (c *dynamicControl) GetCleanupPreviousUpdateAction(bootcontrol.BootControl, prefs.Prefs, CleanupDelegate) Action {
	return NoOpAction{}
}

func (c *dynamicControl) ResetUpdate(_ context.Context, p prefs.Prefs) error {
	c.setState(StateReset)
	var result *multierror.Error
	if err := clearUpdateProgress(p); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.table.unmapAll(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.opts.Metrics.ObserveReset()
	c.setState(StateNoUpdate)
	return nil
}

func (c *dynamicControl) ListDynamicPartitionsForSlot(ctx context.Context, slot, currentSlot uint32) ([]string, error) {
	return c.table.listForSlot(ctx, slot, currentSlot)
}

func (c *dynamicControl) VerifyExtentsForUntouchedPartitions(ctx context.Context, source, target uint32, names []string) error {
	if err := c.table.verifyExtents(ctx, source, target, names); err != nil {
		return errorcode.Wrap(errorcode.FilesystemVerifierError, err)
	}
	return nil
}

func (c *dynamicControl) IsDynamicPartition(ctx context.Context, name string, slot uint32) bool {
	return c.table.isDynamic(ctx, name, slot)
}

// GetPartitionDevice maps name of slot. The running slot's partitions are
// mapped read-only.
func (c *dynamicControl) GetPartitionDevice(ctx context.Context, name string, slot, currentSlot uint32) (PartitionDevice, error) {
	return dynamicDevice(ctx, c.base, c.table, name, slot, currentSlot)
}

func dynamicDevice(ctx context.Context, b *base, t *partitionTable, name string, slot, currentSlot uint32) (PartitionDevice, error) {
	if slot >= b.opts.BootControl.NumSlots() {
		return PartitionDevice{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	md, _, err := t.load(ctx, slot)
	if err != nil && !errors.Is(err, lp.ErrNoMetadata) {
		return PartitionDevice{}, err
	}
	full := name + b.suffix(slot)
	if md == nil || md.Partition(full) == nil {
		return b.staticDevice(name, slot), nil
	}
	tbl, err := t.tableFor(md, full)
	if err != nil {
		return PartitionDevice{}, err
	}
	tbl.ReadOnly = slot == currentSlot
	path, err := t.mapTable(tbl)
	if err != nil {
		return PartitionDevice{}, err
	}
	dev := PartitionDevice{ReadOnlyDevicePath: path, IsDynamic: true}
	if !tbl.ReadOnly {
		dev.RWDevicePath = path
	}
	return dev, nil
}

func (c *dynamicControl) Cleanup() error {
	return c.table.unmapAll()
}
