package dynamicpartition

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/prefs"
)

// Control is the orchestrator contract. Mutating calls return an error
// carrying an errorcode.Code; errorcode.FromError recovers it.
type Control interface {
	DynamicPartitionsFeatureFlag() FeatureFlag
	VirtualABFeatureFlag() FeatureFlag
	VirtualABCompressionFeatureFlag() FeatureFlag
	VirtualABCompressionXorFeatureFlag() FeatureFlag
	VirtualABUserspaceSnapshotsFeatureFlag() FeatureFlag
	// UpdateUsesSnapshotCompression is meaningful between a successful
	// prepare and the start of a merge or reset.
	UpdateUsesSnapshotCompression(ctx context.Context) bool

	// PreparePartitionsForUpdate makes the target slot ready for the
	// partitions of m. With update false it only checks feasibility. When
	// space is short the error carries errorcode.NotEnoughSpace and the
	// returned size is the extra space needed; otherwise it is zero.
	PreparePartitionsForUpdate(ctx context.Context, source, target uint32, m *manifest.Manifest, update bool) (uint64, error)
	// OptimizeOperation returns a cheaper equivalent of op for the unsuffixed
	// partition name, or false when none applies.
	OptimizeOperation(name string, op manifest.InstallOperation) (manifest.InstallOperation, bool)
	// OpenCowWriter opens the snapshot writer of name. A nil label
	// overwrites earlier contents; otherwise writing resumes after label.
	OpenCowWriter(ctx context.Context, name string, source *string, label *uint64) (cow.Writer, error)
	// OpenCowFd opens a block-aligned descriptor over the snapshot of name.
	// Reads of blocks not yet written come from source, or from the base
	// partition when source is nil.
	OpenCowFd(ctx context.Context, name string, source *string, appendMode bool) (cow.FileDescriptor, error)
	MapAllPartitions(ctx context.Context) error
	UnmapAllPartitions(ctx context.Context) error
	FinishUpdate(ctx context.Context, powerwashRequired bool) error
	// GetCleanupPreviousUpdateAction returns the work that merges a previous
	// update once the device runs it.
	GetCleanupPreviousUpdateAction(boot bootcontrol.BootControl, p prefs.Prefs, delegate CleanupDelegate) Action
	// ResetUpdate abandons the attempt, discarding snapshots even while a
	// merge is in progress, and clears the persisted progress in p.
	ResetUpdate(ctx context.Context, p prefs.Prefs) error

	// ListDynamicPartitionsForSlot lists the dynamic partitions in the
	// metadata of slot, with the suffix of currentSlot removed.
	ListDynamicPartitionsForSlot(ctx context.Context, slot, currentSlot uint32) ([]string, error)
	GetDeviceDir() string
	VerifyExtentsForUntouchedPartitions(ctx context.Context, source, target uint32, names []string) error
	IsDynamicPartition(ctx context.Context, name string, slot uint32) bool
	GetPartitionDevice(ctx context.Context, name string, slot, currentSlot uint32) (PartitionDevice, error)
	State() UpdateState

	// Cleanup unmaps every device node. It may be called any number of
	// times, in any state.
	Cleanup() error
}

// New selects the variant matching opts.Features and restores the state of
// an attempt left by a previous process.
func New(ctx context.Context, opts Options) (Control, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b := &base{opts: opts}

	if !opts.Features.DynamicPartitions.IsEnabled() {
		slog.Info("otaengine: dynamic partitions disabled")
		return &staticControl{base: b}, nil
	}

	table, err := newPartitionTable(opts)
	if err != nil {
		return nil, err
	}
	if !opts.Features.VirtualAB.IsEnabled() {
		c := &dynamicControl{base: b, table: table}
		if err := c.restore(ctx); err != nil {
			return nil, err
		}
		slog.Info("otaengine: dynamic partitions enabled", "layout", opts.Features.DynamicPartitions, "state", c.State())
		return c, nil
	}

	c := &virtualABControl{base: b, table: table, snapshots: opts.Snapshots}
	if err := c.restore(ctx); err != nil {
		return nil, err
	}
	slog.Info("otaengine: virtual A/B enabled", "compression", opts.Features.VirtualABCompression, "state", c.State())
	return c, nil
}

// base holds what every variant shares.
type base struct {
	opts Options

	mu     sync.Mutex
	state  UpdateState
	source uint32
	target uint32
}

func (b *base) DynamicPartitionsFeatureFlag() FeatureFlag {
	return b.opts.Features.DynamicPartitions
}

func (b *base) VirtualABFeatureFlag() FeatureFlag {
	return b.opts.Features.VirtualAB
}

func (b *base) VirtualABCompressionFeatureFlag() FeatureFlag {
	return b.opts.Features.VirtualABCompression
}

func (b *base) VirtualABCompressionXorFeatureFlag() FeatureFlag {
	return b.opts.Features.VirtualABCompressionXor
}

func (b *base) VirtualABUserspaceSnapshotsFeatureFlag() FeatureFlag {
	return b.opts.Features.VirtualABUserspaceSnapshots
}

func (b *base) GetDeviceDir() string {
	return b.opts.DeviceDir
}

func (b *base) State() UpdateState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) setState(s UpdateState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *base) slots() (uint32, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.source, b.target
}

func (b *base) setSlots(source, target uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source, b.target = source, target
}

func (b *base) suffix(slot uint32) string {
	return b.opts.BootControl.SlotSuffix(slot)
}

func (b *base) checkSlots(source, target uint32) error {
	n := b.opts.BootControl.NumSlots()
	if source >= n || target >= n {
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: source %d target %d of %d", ErrInvalidSlot, source, target, n))
	}
	if source == target {
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: source and target are both %d", ErrInvalidSlot, source))
	}
	return nil
}

func (b *base) checkPrepare(source, target uint32, m *manifest.Manifest) error {
	if err := b.checkSlots(source, target); err != nil {
		return err
	}
	if m == nil {
		return errorcode.Errorf(errorcode.Error, "dynamicpartition: nil manifest")
	}
	if err := m.Validate(); err != nil {
		return errorcode.Wrap(errorcode.DownloadManifestParseError, err)
	}
	if b.State() == StateMerging {
		return errorcode.Wrap(errorcode.Error, fmt.Errorf("%w: previous update is merging", ErrWrongState))
	}
	return nil
}

// staticPath is the image file of a partition outside the super device.
func (b *base) staticPath(name string, slot uint32) string {
	return filepath.Join(b.opts.DeviceDir, name+b.suffix(slot))
}

func (b *base) staticDevice(name string, slot uint32) PartitionDevice {
	path := b.staticPath(name, slot)
	return PartitionDevice{RWDevicePath: path, ReadOnlyDevicePath: path}
}

// recordFinish persists the end of writes in one transaction, with any
// extra keys set by set.
func (b *base) recordFinish(powerwashRequired bool, set func(p prefs.Prefs) error) error {
	p := b.opts.Prefs
	if err := p.StartTransaction(); err != nil {
		return err
	}
	err := p.SetBoolean(prefs.KeyPowerwashRequired, powerwashRequired)
	if err == nil {
		err = p.SetString(prefs.KeyUpdateCompletedOnBootID, b.opts.BootControl.BootID())
	}
	if err == nil && set != nil {
		err = set(p)
	}
	if err != nil {
		_ = p.CancelTransaction()
		return err
	}
	return p.SubmitTransaction()
}

// clearUpdateProgress deletes every progress key in one transaction.
func clearUpdateProgress(p prefs.Prefs) error {
	return deleteKeys(p, prefs.UpdateProgressKeys)
}

func clearMergeCheckpoint(p prefs.Prefs) error {
	return deleteKeys(p, []string{prefs.KeyMergeStatePartition, prefs.KeyMergeStateCursor, prefs.KeyMergeStatePhase, prefs.KeyMergeStateChunk})
}

func deleteKeys(p prefs.Prefs, keys []string) error {
	if err := p.StartTransaction(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.Delete(key); err != nil {
			_ = p.CancelTransaction()
			return err
		}
	}
	return p.SubmitTransaction()
}

// roundUpSpace rounds a shortfall up to SpaceGranularity.
func roundUpSpace(n uint64) uint64 {
	return (n + SpaceGranularity - 1) / SpaceGranularity * SpaceGranularity
}
