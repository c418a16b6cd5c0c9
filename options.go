package otaengine

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/clock"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/dynamicpartition"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PrefsBackend selects the storage under the preference store.
type PrefsBackend string

const (
	// PrefsBlob keeps one object per key in a file-backed bucket, with a
	// journal for transactions.
	PrefsBlob   PrefsBackend = "blob"
	PrefsPebble PrefsBackend = "pebble"
	PrefsBadger PrefsBackend = "badger"
)

const (
	defaultSuperSize       = 64 << 20
	defaultReaderCacheSize = 8 << 20
)

// Options configures an Engine.
type Options struct {
	// RootDir holds everything the engine persists: preferences, slot
	// metadata, snapshot files and, unless DeviceDir is set, the devices.
	RootDir string
	// DeviceDir holds static partition images, the super image and the
	// mapper directory. Defaults to RootDir/dev.
	DeviceDir string

	Features dynamicpartition.FeatureConfig

	PrefsBackend PrefsBackend
	// CowCompression is one of "none", "gz" or "zstd".
	CowCompression     string
	SuperName          string
	SuperSize          uint64
	MergeChunkBlocks   int
	SlotSuccessTimeout time.Duration
	// ReaderCacheSize is the decoded-block cache of each snapshot reader.
	ReaderCacheSize int64

	MetricsConstLabels prometheus.Labels
	// Reporter receives attempt outcomes. Defaults to a Prometheus reporter
	// whose collectors are returned by Engine.Collectors.
	Reporter metrics.Reporter

	// FreeSpace reports free bytes under the snapshot directory.
	FreeSpace func(dir string) (uint64, error)
	Clock     clock.Clock

	// BootControl defaults to slot state kept in the engine's preferences,
	// running CurrentSlot in the boot identified by BootID.
	BootControl bootcontrol.BootControl
	CurrentSlot uint32
	// BootID is read from the kernel when empty.
	BootID string
}

// DefaultOptions configures a virtual A/B launch device with compressed
// snapshots.
func DefaultOptions() Options {
	return Options{
		Features: dynamicpartition.FeatureConfig{
			DynamicPartitions:    dynamicpartition.FeatureLaunch,
			VirtualAB:            dynamicpartition.FeatureLaunch,
			VirtualABCompression: dynamicpartition.FeatureLaunch,
		},
		PrefsBackend:       PrefsBlob,
		CowCompression:     dynamicpartition.DefaultCompression,
		SuperName:          "super",
		SuperSize:          defaultSuperSize,
		MergeChunkBlocks:   dynamicpartition.DefaultMergeChunkBlocks,
		SlotSuccessTimeout: dynamicpartition.DefaultSlotSuccessTimeout,
		ReaderCacheSize:    defaultReaderCacheSize,
	}
}

// WithDefaults returns a copy of o with zero values replaced by defaults.
// Features are taken as given.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()

	if o.DeviceDir == "" && o.RootDir != "" {
		o.DeviceDir = filepath.Join(o.RootDir, "dev")
	}
	if o.PrefsBackend == "" {
		o.PrefsBackend = defaults.PrefsBackend
	}
	if o.CowCompression == "" {
		o.CowCompression = defaults.CowCompression
	}
	if o.SuperName == "" {
		o.SuperName = defaults.SuperName
	}
	if o.SuperSize == 0 {
		o.SuperSize = defaults.SuperSize
	}
	if o.MergeChunkBlocks == 0 {
		o.MergeChunkBlocks = defaults.MergeChunkBlocks
	}
	if o.SlotSuccessTimeout == 0 {
		o.SlotSuccessTimeout = defaults.SlotSuccessTimeout
	}
	if o.ReaderCacheSize == 0 {
		o.ReaderCacheSize = defaults.ReaderCacheSize
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}

	return o
}

// Validate checks the configuration for invalid combinations.
func (o Options) Validate() error {
	if o.RootDir == "" {
		return errors.New("RootDir is required")
	}
	switch o.PrefsBackend {
	case PrefsBlob, PrefsPebble, PrefsBadger:
	default:
		return fmt.Errorf("unknown prefs backend %q", o.PrefsBackend)
	}
	if _, err := cow.ParseCompression(o.CowCompression); err != nil {
		return err
	}
	if err := o.Features.Validate(); err != nil {
		return err
	}
	if o.MergeChunkBlocks < 0 {
		return errors.New("MergeChunkBlocks must not be negative")
	}
	if o.BootControl == nil && o.CurrentSlot >= bootcontrol.NumSlots {
		return fmt.Errorf("%w: %d", bootcontrol.ErrInvalidSlot, o.CurrentSlot)
	}
	return nil
}

func (o Options) stateDir() string    { return filepath.Join(o.RootDir, "state") }
func (o Options) prefsDir() string    { return filepath.Join(o.RootDir, "prefs") }
func (o Options) snapshotDir() string { return filepath.Join(o.RootDir, "snapshots") }
