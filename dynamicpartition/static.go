package dynamicpartition

import (
	"context"
	"fmt"
	"time"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/prefs"
)

// staticControl serves devices without dynamic partitions. Every partition
// is a fixed image per slot and there is nothing to allocate or merge.
type staticControl struct {
	*base
}

var _ Control = (*staticControl)(nil)

func (c *staticControl) UpdateUsesSnapshotCompression(context.Context) bool {
	return false
}

func (c *staticControl) PreparePartitionsForUpdate(_ context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error) {
	start := time.Now()
	err := c.checkPrepare(source, target, m)
	if err == nil && update {
		c.setSlots(source, target)
		c.setState(StatePrepared)
	}
	c.opts.Metrics.ObservePrepare(time.Since(start), err)
	return 0, err
}

func (c *staticControl) OptimizeOperation(_ string, op manifest.InstallOperation) (manifest.InstallOperation, bool) {
	return op, false
}

func (c *staticControl) OpenCowWriter(context.Context, string, *string, *uint64) (cow.Writer, error) {
	return nil, errorcode.Wrap(errorcode.Error, ErrNotSupported)
}

func (c *staticControl) OpenCowFd(context.Context, string, *string, bool) (cow.FileDescriptor, error) {
	return nil, errorcode.Wrap(errorcode.Error, ErrNotSupported)
}

func (c *staticControl) MapAllPartitions(context.Context) error {
	return nil
}

func (c *staticControl) UnmapAllPartitions(context.Context) error {
	return nil
}

func (c *staticControl) FinishUpdate(_ context.Context, powerwashRequired bool) error {
	switch c.State() {
	case StatePrepared:
	case StateFinished:
		return nil
	default:
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: finish in %s", ErrWrongState, c.State()))
	}
	if err := c.recordFinish(powerwashRequired, nil); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.setState(StateFinished)
	return nil
}

func (c *staticControl) GetCleanupPreviousUpdateAction(bootcontrol.BootControl, prefs.Prefs, CleanupDelegate) Action {
	return NoOpAction{}
}

func (c *staticControl) ResetUpdate(_ context.Context, p prefs.Prefs) error {
	c.setState(StateReset)
	if err := clearUpdateProgress(p); err != nil {
		return errorcode.Wrap(errorcode.Error, err)
	}
	c.opts.Metrics.ObserveReset()
	c.setState(StateNoUpdate)
	return nil
}

func (c *staticControl) ListDynamicPartitionsForSlot(context.Context, uint32, uint32) ([]string, error) {
	return nil, nil
}

func (c *staticControl) VerifyExtentsForUntouchedPartitions(context.Context, uint32, uint32, []string) error {
	return nil
}

func (c *staticControl) IsDynamicPartition(context.Context, string, uint32) bool {
	return false
}

func (c *staticControl) GetPartitionDevice(_ context.Context, name string, slot, _ uint32) (PartitionDevice, error) {
	if slot >= c.opts.BootControl.NumSlots() {
		return PartitionDevice{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return c.staticDevice(name, slot), nil
}

func (c *staticControl) Cleanup() error {
	return nil
}
