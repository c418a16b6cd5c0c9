// Package dynamicpartition orchestrates one A/B update attempt over
// dynamic partitions: it prepares the target slot, hands out devices and
// snapshot writers, finishes the attempt and merges or discards it later.
//
// A Control is not safe for concurrent mutation. Callers serialize
// PreparePartitionsForUpdate, FinishUpdate and ResetUpdate themselves.
package dynamicpartition

import (
	"errors"
	"fmt"
	"time"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/ankur-anand/otaengine/snapshot"
)

// FeatureFlag says whether a feature is absent, emulated on a legacy
// layout or native to the device.
type FeatureFlag int

const (
	FeatureNone FeatureFlag = iota
	FeatureRetrofit
	FeatureLaunch
)

func (f FeatureFlag) IsEnabled() bool  { return f != FeatureNone }
func (f FeatureFlag) IsRetrofit() bool { return f == FeatureRetrofit }
func (f FeatureFlag) IsLaunch() bool   { return f == FeatureLaunch }

func (f FeatureFlag) String() string {
	switch f {
	case FeatureNone:
		return "none"
	case FeatureRetrofit:
		return "retrofit"
	case FeatureLaunch:
		return "launch"
	default:
		return fmt.Sprintf("FeatureFlag(%d)", int(f))
	}
}

// ParseFeatureFlag accepts the String forms, plus "" for none.
func ParseFeatureFlag(s string) (FeatureFlag, error) {
	switch s {
	case "", "none":
		return FeatureNone, nil
	case "retrofit":
		return FeatureRetrofit, nil
	case "launch":
		return FeatureLaunch, nil
	default:
		return FeatureNone, fmt.Errorf("dynamicpartition: unknown feature flag %q", s)
	}
}

// FeatureConfig is fixed for the lifetime of a boot.
type FeatureConfig struct {
	DynamicPartitions           FeatureFlag
	VirtualAB                   FeatureFlag
	VirtualABCompression        FeatureFlag
	VirtualABCompressionXor     FeatureFlag
	VirtualABUserspaceSnapshots FeatureFlag
}

func (c FeatureConfig) Validate() error {
	if c.VirtualAB.IsEnabled() && !c.DynamicPartitions.IsEnabled() {
		return errors.New("dynamicpartition: virtual A/B requires dynamic partitions")
	}
	if !c.VirtualAB.IsEnabled() && (c.VirtualABCompression.IsEnabled() ||
		c.VirtualABCompressionXor.IsEnabled() || c.VirtualABUserspaceSnapshots.IsEnabled()) {
		return errors.New("dynamicpartition: virtual A/B sub-features require virtual A/B")
	}
	if c.VirtualABCompressionXor.IsEnabled() && !c.VirtualABCompression.IsEnabled() {
		return errors.New("dynamicpartition: xor requires virtual A/B compression")
	}
	return nil
}

// PartitionDevice locates one partition of one update attempt. The paths
// go stale when the attempt ends.
type PartitionDevice struct {
	// RWDevicePath is empty when writes must go through a snapshot writer.
	RWDevicePath       string
	ReadOnlyDevicePath string
	IsDynamic          bool
}

// UpdateState of the attempt as seen by the orchestrator.
type UpdateState int

const (
	StateNoUpdate UpdateState = iota
	StatePrepared
	StateFinished
	StateMerging
	// StateReset is held while ResetUpdate runs, and after it fails.
	StateReset
)

func (s UpdateState) String() string {
	switch s {
	case StateNoUpdate:
		return "no-update"
	case StatePrepared:
		return "prepared"
	case StateFinished:
		return "finished"
	case StateMerging:
		return "merging"
	case StateReset:
		return "reset"
	default:
		return fmt.Sprintf("UpdateState(%d)", int(s))
	}
}

var (
	ErrInvalidSlot     = errors.New("dynamicpartition: invalid slot")
	ErrWrongState      = errors.New("dynamicpartition: operation not allowed in current state")
	ErrNotSupported    = errors.New("dynamicpartition: not supported on this device")
	ErrNotDynamic      = errors.New("dynamicpartition: not a dynamic partition")
	ErrNotSnapshotted  = errors.New("dynamicpartition: partition has no snapshot")
	ErrExtentsMismatch = errors.New("dynamicpartition: untouched partition extents differ between slots")
)

const (
	DefaultCompression        = "zstd"
	DefaultMergeChunkBlocks   = 256
	DefaultSlotSuccessTimeout = 30 * time.Second
	// SpaceGranularity is the unit required sizes are rounded up to.
	SpaceGranularity = 1 << 20
)

type Options struct {
	Features FeatureConfig

	// DeviceDir holds static partition images, the super image(s) and the
	// mapper directory of device tables.
	DeviceDir string
	// SuperName is the base name of the super image. Retrofit devices
	// carry one image per slot, named with the slot suffix.
	SuperName string
	// SuperSize sizes the super image and the metadata of a slot that has
	// none yet.
	SuperSize uint64

	Store       *blobstore.Store
	Snapshots   *snapshot.Manager
	BootControl bootcontrol.BootControl
	Prefs       prefs.Prefs

	// Compression of snapshot blocks when virtual A/B compression is on.
	Compression string
	// MergeChunkBlocks is the number of blocks merged per checkpoint.
	MergeChunkBlocks int
	// SlotSuccessTimeout bounds how long the cleanup action waits for the
	// new slot to be marked successful.
	SlotSuccessTimeout time.Duration

	Metrics *metrics.EngineMetrics
}

func DefaultOptions() Options {
	return Options{
		SuperName:          "super",
		Compression:        DefaultCompression,
		MergeChunkBlocks:   DefaultMergeChunkBlocks,
		SlotSuccessTimeout: DefaultSlotSuccessTimeout,
	}
}

// WithDefaults returns a copy of o with zero values replaced by defaults.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.SuperName == "" {
		o.SuperName = defaults.SuperName
	}
	if o.Compression == "" {
		o.Compression = defaults.Compression
	}
	if o.MergeChunkBlocks == 0 {
		o.MergeChunkBlocks = defaults.MergeChunkBlocks
	}
	if o.SlotSuccessTimeout == 0 {
		o.SlotSuccessTimeout = defaults.SlotSuccessTimeout
	}
	return o
}

// Validate checks the configuration for invalid combinations.
func (o Options) Validate() error {
	if err := o.Features.Validate(); err != nil {
		return err
	}
	if o.DeviceDir == "" {
		return errors.New("DeviceDir is required")
	}
	if o.BootControl == nil {
		return errors.New("BootControl is required")
	}
	if o.Prefs == nil {
		return errors.New("Prefs is required")
	}
	if o.Features.DynamicPartitions.IsEnabled() {
		if o.Store == nil {
			return errors.New("Store is required for dynamic partitions")
		}
		if o.SuperSize == 0 {
			return errors.New("SuperSize is required for dynamic partitions")
		}
	}
	if o.Features.VirtualAB.IsEnabled() && o.Snapshots == nil {
		return errors.New("Snapshots is required for virtual A/B")
	}
	if o.MergeChunkBlocks < 0 {
		return errors.New("MergeChunkBlocks must not be negative")
	}
	return nil
}
