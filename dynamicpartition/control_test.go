package dynamicpartition

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ankur-anand/otaengine/blobstore"
	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/cow"
	"github.com/ankur-anand/otaengine/errorcode"
	"github.com/ankur-anand/otaengine/lp"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/ankur-anand/otaengine/prefs"
	"github.com/ankur-anand/otaengine/snapshot"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const (
	mib       = 1 << 20
	superSize = 16 * mib
)

var (
	launch    = FeatureConfig{DynamicPartitions: FeatureLaunch}
	retrofit  = FeatureConfig{DynamicPartitions: FeatureRetrofit}
	virtualAB = FeatureConfig{
		DynamicPartitions:    FeatureLaunch,
		VirtualAB:            FeatureLaunch,
		VirtualABCompression: FeatureLaunch,
	}
)

type fixture struct {
	dir   string
	store *blobstore.Store
	boot  *bootcontrol.Fake
	prefs *prefs.Store
	snaps *snapshot.Manager
	free  uint64
	chunk int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		dir:   t.TempDir(),
		store: blobstore.NewMemory(""),
		boot:  bootcontrol.NewFake(0),
		free:  1 << 30,
		chunk: 4,
	}
	t.Cleanup(func() { _ = f.store.Close() })

	storage, err := prefs.OpenBlob(ctx, f.store)
	require.NoError(t, err)
	f.prefs = prefs.New(storage)

	snaps, err := snapshot.New(f.store, snapshot.Options{
		Dir:       filepath.Join(f.dir, "snapshots"),
		FreeSpace: func(string) (uint64, error) { return f.free, nil },
	})
	require.NoError(t, err)
	f.snaps = snaps
	return f
}

func (f *fixture) options(features FeatureConfig) Options {
	return Options{
		Features:           features,
		DeviceDir:          filepath.Join(f.dir, "dev"),
		SuperSize:          superSize,
		Store:              f.store,
		Snapshots:          f.snaps,
		BootControl:        f.boot,
		Prefs:              f.prefs,
		MergeChunkBlocks:   f.chunk,
		SlotSuccessTimeout: 50 * time.Millisecond,
	}
}

func (f *fixture) control(t *testing.T, features FeatureConfig) Control {
	t.Helper()
	c, err := New(context.Background(), f.options(features))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Cleanup() })
	return c
}

type part struct {
	name string
	size uint64
	cow  uint64
}

// writeSlot stores metadata for slot holding parts in group "group".
func (f *fixture) writeSlot(t *testing.T, slot uint32, parts ...part) {
	t.Helper()
	b := lp.NewBuilder(lp.NewMetadata(slot, superSize))
	require.NoError(t, b.AddGroup("group", 0))
	for _, p := range parts {
		name := p.name + bootcontrol.SlotSuffix(slot)
		require.NoError(t, b.AddPartition(name, "group", lp.AttrReadonly))
		require.NoError(t, b.ResizePartition(name, p.size))
	}
	md, err := b.Metadata()
	require.NoError(t, err)
	_, err = lp.NewStore(f.store).Save(context.Background(), md, "")
	require.NoError(t, err)
}

func (f *fixture) metadata(t *testing.T, slot uint32) *lp.Metadata {
	t.Helper()
	md, _, err := lp.NewStore(f.store).Load(context.Background(), slot)
	require.NoError(t, err)
	return md
}

// readBase reads blocks of the partition straight from the super image.
func (f *fixture) readBase(t *testing.T, slot uint32, name string, blocks int) []byte {
	t.Helper()
	md := f.metadata(t, slot)
	p := md.Partition(name + bootcontrol.SlotSuffix(slot))
	require.NotNil(t, p)
	pf, err := lp.OpenTable(lp.Table{
		Name:      p.Name,
		SuperPath: filepath.Join(f.dir, "dev", "super"),
		Extents:   p.Extents,
	}, os.O_RDONLY)
	require.NoError(t, err)
	defer pf.Close()
	buf := make([]byte, blocks*cow.BlockSize)
	_, err = pf.ReadAt(buf, 0)
	require.NoError(t, err)
	return buf
}

func (f *fixture) mapped(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.dir, "dev", mapperDir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newManifest(parts ...part) *manifest.Manifest {
	g := manifest.PartitionGroup{Name: "group"}
	m := &manifest.Manifest{
		BlockSize: manifest.DefaultBlockSize,
		DynamicPartitionMetadata: &manifest.DynamicPartitionMetadata{
			SnapshotEnabled: true,
			VABCEnabled:     true,
		},
	}
	for _, p := range parts {
		g.PartitionNames = append(g.PartitionNames, p.name)
		m.Partitions = append(m.Partitions, manifest.PartitionUpdate{
			PartitionName:    p.name,
			NewPartitionInfo: &manifest.PartitionInfo{Size: p.size},
			EstimateCowSize:  p.cow,
		})
	}
	m.DynamicPartitionMetadata.Groups = []manifest.PartitionGroup{g}
	return m
}

func fill(b byte, blocks int) []byte {
	return bytes.Repeat([]byte{b}, blocks*cow.BlockSize)
}

func requireCode(t *testing.T, want errorcode.Code, err error) {
	t.Helper()
	require.Error(t, err)
	if got := errorcode.FromError(err); got != want {
		t.Fatalf("error code = %s, want %s (%v)", got, want, err)
	}
}

type progressRecorder struct {
	updates []float64
}

func (r *progressRecorder) OnCleanupProgressUpdate(p float64) {
	r.updates = append(r.updates, p)
}

func TestParseFeatureFlag(t *testing.T) {
	for _, flag := range []FeatureFlag{FeatureNone, FeatureRetrofit, FeatureLaunch} {
		got, err := ParseFeatureFlag(flag.String())
		require.NoError(t, err)
		require.Equal(t, flag, got)
	}
	_, err := ParseFeatureFlag("sometimes")
	require.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"virtual ab without dynamic", func(o *Options) { o.Features = FeatureConfig{VirtualAB: FeatureLaunch} }},
		{"xor without compression", func(o *Options) {
			o.Features = FeatureConfig{DynamicPartitions: FeatureLaunch, VirtualAB: FeatureLaunch, VirtualABCompressionXor: FeatureLaunch}
		}},
		{"no device dir", func(o *Options) { o.DeviceDir = "" }},
		{"no super size", func(o *Options) { o.SuperSize = 0 }},
		{"no snapshots", func(o *Options) { o.Snapshots = nil }},
		{"negative chunk", func(o *Options) { o.MergeChunkBlocks = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := f.options(virtualAB)
			tt.mutate(&opts)
			_, err := New(context.Background(), opts)
			require.Error(t, err)
		})
	}
}

func TestStaticDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, FeatureConfig{})

	require.Equal(t, FeatureNone, c.DynamicPartitionsFeatureFlag())
	require.False(t, c.IsDynamicPartition(ctx, "system", 1))
	require.False(t, c.UpdateUsesSnapshotCompression(ctx))

	dev, err := c.GetPartitionDevice(ctx, "boot", 1, 0)
	require.NoError(t, err)
	want := filepath.Join(f.dir, "dev", "boot_b")
	if diff := cmp.Diff(PartitionDevice{RWDevicePath: want, ReadOnlyDevicePath: want}, dev); diff != "" {
		t.Fatalf("device mismatch (-want +got):\n%s", diff)
	}

	_, err = c.OpenCowWriter(ctx, "system", nil, nil)
	require.ErrorIs(t, err, ErrNotSupported)
	requireCode(t, errorcode.Error, err)

	names, err := c.ListDynamicPartitionsForSlot(ctx, 1, 0)
	require.NoError(t, err)
	require.Empty(t, names)
	require.Equal(t, NoOpAction{}, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil))
}

func TestPrepareRejectsInvalidSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, FeatureConfig{})
	m := newManifest()

	_, err := c.PreparePartitionsForUpdate(ctx, 0, 0, m, true)
	require.ErrorIs(t, err, ErrInvalidSlot)
	_, err = c.PreparePartitionsForUpdate(ctx, 0, 2, m, true)
	require.ErrorIs(t, err, ErrInvalidSlot)
	requireCode(t, errorcode.Error, err)

	bad := newManifest(part{name: "system", size: mib}, part{name: "system", size: mib})
	_, err = c.PreparePartitionsForUpdate(ctx, 0, 1, bad, true)
	requireCode(t, errorcode.DownloadManifestParseError, err)
	require.Equal(t, StateNoUpdate, c.State())
}

func TestFinishThenResetClearsProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, FeatureConfig{})

	require.NoError(t, metrics.SetPayloadAttemptNumber(3, f.prefs))
	require.NoError(t, metrics.SetNumReboots(2, f.prefs))

	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(), true)
	require.NoError(t, err)
	require.Equal(t, StatePrepared, c.State())

	require.NoError(t, c.FinishUpdate(ctx, false))
	require.Equal(t, StateFinished, c.State())
	bootID, found, err := f.prefs.GetString(prefs.KeyUpdateCompletedOnBootID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, f.boot.BootID(), bootID)

	require.NoError(t, c.ResetUpdate(ctx, f.prefs))
	require.Equal(t, StateNoUpdate, c.State())
	require.Zero(t, metrics.GetPersistedValue(prefs.KeyPayloadAttemptNumber, f.prefs))
	require.Zero(t, metrics.GetPersistedValue(prefs.KeyNumReboots, f.prefs))
	require.False(t, f.prefs.Exists(prefs.KeyUpdateCompletedOnBootID))
}

func TestFinishRequiresPrepare(t *testing.T) {
	f := newFixture(t)
	c := f.control(t, launch)
	err := c.FinishUpdate(context.Background(), false)
	require.ErrorIs(t, err, ErrWrongState)
}

func TestDynamicPrepareAllocatesTargetSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: 2 * mib})
	c := f.control(t, launch)
	m := newManifest(part{name: "system", size: 2 * mib}, part{name: "vendor", size: mib})

	required, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, false)
	require.NoError(t, err)
	require.Zero(t, required)
	_, _, err = lp.NewStore(f.store).Load(ctx, 1)
	require.ErrorIs(t, err, lp.ErrNoMetadata)

	_, err = c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	require.Equal(t, StatePrepared, c.State())

	src := f.metadata(t, 0)
	dst := f.metadata(t, 1)
	require.Equal(t, []string{"system_b", "vendor_b"}, dst.PartitionNames())
	for _, used := range dst.UsedExtents() {
		for _, reserved := range src.UsedExtents() {
			require.False(t, used.Overlaps(reserved), "target extent %v overlaps source %v", used, reserved)
		}
	}
	require.Equal(t, uint64(2*mib), dst.Partition("system_b").Size())
	require.Equal(t, lp.AttrReadonly|lp.AttrUpdated, dst.Partition("vendor_b").Attributes)

	require.True(t, c.IsDynamicPartition(ctx, "vendor", 1))
	require.False(t, c.IsDynamicPartition(ctx, "vendor", 0))

	names, err := c.ListDynamicPartitionsForSlot(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system", "vendor"}, names)
}

func TestDynamicPrepareNotEnoughSuperSpace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: 2 * mib})
	c := f.control(t, launch)

	// 15 MiB usable, 2 MiB held by the source slot.
	required, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: 20 * mib}), true)
	requireCode(t, errorcode.NotEnoughSpace, err)
	require.Equal(t, uint64(7*mib), required)
	require.Equal(t, StateNoUpdate, c.State())
}

func TestDynamicRejectsPartialUpdate(t *testing.T) {
	f := newFixture(t)
	c := f.control(t, launch)
	m := newManifest(part{name: "system", size: mib})
	m.PartialUpdate = true
	_, err := c.PreparePartitionsForUpdate(context.Background(), 0, 1, m, true)
	require.ErrorIs(t, err, ErrNotSupported)
}

func TestRetrofitUsesSlotSuperImages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, retrofit)
	for _, name := range []string{"super_a", "super_b"} {
		_, err := os.Stat(filepath.Join(f.dir, "dev", name))
		require.NoError(t, err)
	}

	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: 14 * mib}), true)
	require.NoError(t, err)
	dev, err := c.GetPartitionDevice(ctx, "system", 1, 0)
	require.NoError(t, err)
	tbl, err := lp.ReadTable(dev.RWDevicePath)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(f.dir, "dev", "super_b"), tbl.SuperPath)
}

func TestDynamicDevicesAndMapping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: 2 * mib})
	c := f.control(t, launch)

	require.ErrorIs(t, c.MapAllPartitions(ctx), ErrWrongState)

	m := newManifest(part{name: "system", size: 2 * mib}, part{name: "vendor", size: mib})
	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)

	target, err := c.GetPartitionDevice(ctx, "system", 1, 0)
	require.NoError(t, err)
	again, err := c.GetPartitionDevice(ctx, "system", 1, 0)
	require.NoError(t, err)
	require.Equal(t, target, again)
	require.True(t, target.IsDynamic)
	require.NotEmpty(t, target.RWDevicePath)
	require.Equal(t, target.RWDevicePath, target.ReadOnlyDevicePath)

	current, err := c.GetPartitionDevice(ctx, "system", 0, 0)
	require.NoError(t, err)
	require.Empty(t, current.RWDevicePath)
	_, err = lp.OpenPartition(current.ReadOnlyDevicePath, os.O_RDWR)
	require.ErrorIs(t, err, lp.ErrReadOnly)

	// Partitions outside the super device stay plain images.
	boot, err := c.GetPartitionDevice(ctx, "boot", 1, 0)
	require.NoError(t, err)
	require.False(t, boot.IsDynamic)

	pf, err := lp.OpenPartition(target.RWDevicePath, os.O_RDWR)
	require.NoError(t, err)
	_, err = pf.WriteAt(fill(7, 1), 0)
	require.NoError(t, err)
	require.NoError(t, pf.Close())
	require.Equal(t, fill(7, 1), f.readBase(t, 1, "system", 1))

	require.NoError(t, c.MapAllPartitions(ctx))
	require.ElementsMatch(t, []string{"system_a", "system_b", "vendor_b"}, f.mapped(t))

	// system_b was handed out twice before the map, so it outlives the
	// unmap that pairs with it and one per device reference.
	require.NoError(t, c.UnmapAllPartitions(ctx))
	require.ElementsMatch(t, []string{"system_a", "system_b"}, f.mapped(t))
	require.NoError(t, c.UnmapAllPartitions(ctx))
	require.ElementsMatch(t, []string{"system_a", "system_b"}, f.mapped(t))
	require.NoError(t, c.UnmapAllPartitions(ctx))
	require.ElementsMatch(t, []string{"system_a"}, f.mapped(t))

	require.NoError(t, c.Cleanup())
	require.NoError(t, c.Cleanup())
	require.Empty(t, f.mapped(t))
}

func TestMapAllKeepsHandedOutDevices(t *testing.T) {
	for _, tc := range []struct {
		name     string
		features FeatureConfig
		prepare  func(t *testing.T, f *fixture, c Control)
	}{
		{"dynamic", launch, func(t *testing.T, f *fixture, c Control) {
			f.writeSlot(t, 0, part{name: "system", size: mib})
			_, err := c.PreparePartitionsForUpdate(context.Background(), 0, 1, newManifest(part{name: "system", size: mib}), true)
			require.NoError(t, err)
		}},
		{"virtual_ab", virtualAB, func(t *testing.T, f *fixture, c Control) {
			prepareWrites(t, f, c, 1)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			c := f.control(t, tc.features)
			tc.prepare(t, f, c)

			dev, err := c.GetPartitionDevice(ctx, "system", 1, 0)
			require.NoError(t, err)
			require.True(t, dev.IsDynamic)
			require.Equal(t, []string{"system_b"}, f.mapped(t))

			require.NoError(t, c.MapAllPartitions(ctx))
			require.NoError(t, c.UnmapAllPartitions(ctx))
			require.Equal(t, []string{"system_b"}, f.mapped(t))
			require.FileExists(t, dev.ReadOnlyDevicePath)

			require.NoError(t, c.UnmapAllPartitions(ctx))
			require.Empty(t, f.mapped(t))
		})
	}
}

func TestDynamicFinishSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib})
	c := f.control(t, launch)

	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: mib}), true)
	require.NoError(t, err)
	require.NoError(t, c.FinishUpdate(ctx, true))

	powerwash, _, err := f.prefs.GetBoolean(prefs.KeyPowerwashRequired)
	require.NoError(t, err)
	require.True(t, powerwash)

	restarted := f.control(t, launch)
	require.Equal(t, StateFinished, restarted.State())

	f.boot.Reboot()
	rebooted := f.control(t, launch)
	require.Equal(t, StateNoUpdate, rebooted.State())
}

func TestVerifyExtentsForUntouchedPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib}, part{name: "product", size: mib})
	c := f.control(t, virtualAB)

	m := newManifest(part{name: "system", size: mib})
	m.PartialUpdate = true
	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	require.NoError(t, c.VerifyExtentsForUntouchedPartitions(ctx, 0, 1, []string{"product"}))

	// Move product_b somewhere else.
	md, etag, err := lp.NewStore(f.store).Load(ctx, 1)
	require.NoError(t, err)
	b := lp.NewBuilder(md)
	require.NoError(t, b.SetExtents("product_b", []lp.Extent{{PhysicalSector: 8 * mib / lp.SectorSize, NumSectors: mib / lp.SectorSize}}))
	moved, err := b.Metadata()
	require.NoError(t, err)
	_, err = lp.NewStore(f.store).Save(ctx, moved, etag)
	require.NoError(t, err)

	err = c.VerifyExtentsForUntouchedPartitions(ctx, 0, 1, []string{"product"})
	require.ErrorIs(t, err, ErrExtentsMismatch)
	requireCode(t, errorcode.FilesystemVerifierError, err)
}

func TestVirtualABInsufficientSpace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib}, part{name: "vendor", size: mib})
	f.free = 400 * mib
	c := f.control(t, virtualAB)
	m := newManifest(
		part{name: "system", size: mib, cow: 300 * mib},
		part{name: "vendor", size: mib, cow: 200 * mib},
	)

	for _, update := range []bool{false, true} {
		required, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, update)
		requireCode(t, errorcode.NotEnoughSpace, err)
		require.Equal(t, uint64(100*mib), required)
	}

	snaps, err := f.snaps.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
	require.Empty(t, f.mapped(t))
	require.Equal(t, StateNoUpdate, c.State())

	f.free = 500 * mib
	required, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	require.Zero(t, required)
}

func TestVirtualABPrepareCreatesSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib}, part{name: "vendor", size: mib})
	c := f.control(t, virtualAB)

	m := newManifest(part{name: "system", size: mib}, part{name: "vendor", size: 2 * mib})
	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	require.Equal(t, StatePrepared, c.State())
	require.True(t, c.UpdateUsesSnapshotCompression(ctx))

	snaps, err := f.snaps.ListSnapshots(ctx)
	require.NoError(t, err)
	var names []string
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	require.ElementsMatch(t, []string{"system_b", "vendor_b"}, names)

	// The unchanged partition shares its extents with the source slot.
	src, dst := f.metadata(t, 0), f.metadata(t, 1)
	require.Equal(t, src.Partition("system_a").Extents, dst.Partition("system_b").Extents)
	require.Equal(t, uint64(2*mib), dst.Partition("vendor_b").Size())

	// Preparing again replaces the attempt.
	_, err = c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: mib}), true)
	require.NoError(t, err)
	snaps, err = f.snaps.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestVirtualABCompressionFollowsManifest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib})
	c := f.control(t, virtualAB)

	m := newManifest(part{name: "system", size: mib})
	m.DynamicPartitionMetadata.VABCEnabled = false
	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	require.False(t, c.UpdateUsesSnapshotCompression(ctx))

	m.DynamicPartitionMetadata.VABCEnabled = true
	m.DynamicPartitionMetadata.VABCCompressionParam = "gz"
	_, err = c.PreparePartitionsForUpdate(ctx, 0, 1, m, true)
	require.NoError(t, err)
	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, "gz", st.Compression)
}

func TestOptimizeOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.writeSlot(t, 0, part{name: "system", size: mib})
	c := f.control(t, virtualAB)

	copyOp := manifest.InstallOperation{
		Type:       manifest.OpSourceCopy,
		SrcExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 2}, {StartBlock: 10, NumBlocks: 2}},
		DstExtents: []manifest.Extent{{StartBlock: 5, NumBlocks: 2}, {StartBlock: 10, NumBlocks: 2}},
	}
	_, ok := c.OptimizeOperation("system", copyOp)
	require.False(t, ok, "nothing to optimize before prepare")

	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: mib}), true)
	require.NoError(t, err)

	got, ok := c.OptimizeOperation("system", copyOp)
	require.True(t, ok)
	want := copyOp.Clone()
	want.SrcExtents = []manifest.Extent{{StartBlock: 0, NumBlocks: 2}}
	want.DstExtents = []manifest.Extent{{StartBlock: 5, NumBlocks: 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("optimized operation mismatch (-want +got):\n%s", diff)
	}

	identity := manifest.InstallOperation{
		Type:       manifest.OpSourceCopy,
		SrcExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 4}},
		DstExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 4}},
	}
	got, ok = c.OptimizeOperation("system", identity)
	require.True(t, ok)
	require.Empty(t, got.SrcExtents)
	require.Empty(t, got.DstExtents)

	shifted := manifest.InstallOperation{
		Type:       manifest.OpSourceCopy,
		SrcExtents: []manifest.Extent{{StartBlock: 0, NumBlocks: 2}},
		DstExtents: []manifest.Extent{{StartBlock: 2, NumBlocks: 2}},
	}
	_, ok = c.OptimizeOperation("system", shifted)
	require.False(t, ok)

	replace := manifest.InstallOperation{Type: manifest.OpReplace, DstExtents: identity.DstExtents}
	_, ok = c.OptimizeOperation("system", replace)
	require.False(t, ok)

	_, ok = c.OptimizeOperation("vendor", identity)
	require.False(t, ok)
}

// prepareWrites prepares system for slot 1 and writes blocks through the
// snapshot, returning the written image.
func prepareWrites(t *testing.T, f *fixture, c Control, blocks int) []byte {
	t.Helper()
	ctx := context.Background()
	f.writeSlot(t, 0, part{name: "system", size: mib})
	_, err := c.PreparePartitionsForUpdate(ctx, 0, 1, newManifest(part{name: "system", size: mib}), true)
	require.NoError(t, err)

	w, err := c.OpenCowWriter(ctx, "system", nil, nil)
	require.NoError(t, err)
	var image []byte
	for i := 0; i < blocks; i++ {
		data := fill(byte(i+1), 1)
		require.NoError(t, w.AddRawBlocks(uint64(i), data))
		image = append(image, data...)
	}
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())
	return image
}

func TestVirtualABCowFd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 1)

	fd, err := c.OpenCowFd(ctx, "system", nil, true)
	require.NoError(t, err)
	_, err = fd.Seek(cow.BlockSize, io.SeekStart)
	require.NoError(t, err)
	_, err = fd.Write(fill(9, 1))
	require.NoError(t, err)
	_, err = fd.Write(fill(9, 1)[:100])
	require.ErrorIs(t, err, cow.ErrUnaligned)
	require.NoError(t, fd.Flush())

	_, err = fd.Seek(0, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 3*cow.BlockSize)
	_, err = io.ReadFull(fd, got)
	require.NoError(t, err)
	want := append(append(fill(1, 1), fill(9, 1)...), fill(0, 1)...)
	require.True(t, bytes.Equal(want, got), "snapshot view does not match writes")

	size, err := fd.BlockDevSize()
	require.NoError(t, err)
	require.Equal(t, uint64(mib), size)
	require.NoError(t, fd.Close())

	dev, err := c.GetPartitionDevice(ctx, "system", 1, 0)
	require.NoError(t, err)
	require.Empty(t, dev.RWDevicePath)
	view, err := lp.OpenPartition(dev.ReadOnlyDevicePath, os.O_RDONLY)
	require.NoError(t, err)
	defer view.Close()
	got = make([]byte, 2*cow.BlockSize)
	_, err = view.ReadAt(got, 0)
	require.NoError(t, err)
	require.True(t, bytes.Equal(want[:2*cow.BlockSize], got), "mapped snapshot view does not match writes")
}

func TestVirtualABWritersClosedByFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 1)

	w, err := c.OpenCowWriter(ctx, "system", nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.FinishUpdate(ctx, false))
	require.Error(t, w.AddRawBlocks(1, fill(1, 1)))

	_, err = c.OpenCowWriter(ctx, "system", nil, nil)
	require.ErrorIs(t, err, ErrWrongState)
	require.NoError(t, c.FinishUpdate(ctx, false))
}

func TestVirtualABMergeAfterReboot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	image := prepareWrites(t, f, c, 10)
	require.NoError(t, c.FinishUpdate(ctx, false))

	// Still in the boot that wrote the update.
	action := c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil)
	require.Equal(t, errorcode.Success, action.Run(ctx))
	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateUnverified, st.State)

	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.boot.MarkBootSuccessful())

	c = f.control(t, virtualAB)
	require.Equal(t, StateFinished, c.State())
	progress := &progressRecorder{}
	require.Equal(t, errorcode.Success, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, progress).Run(ctx))
	require.Equal(t, StateNoUpdate, c.State())

	// Chunks of four blocks: 4, 8, 10 of 10.
	if diff := cmp.Diff([]float64{0.4, 0.8, 1, 1}, progress.updates); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	require.True(t, bytes.Equal(image, f.readBase(t, 1, "system", 10)), "merged partition does not match writes")

	st, err = f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateNone, st.State)
	require.False(t, f.prefs.Exists(prefs.KeyMergeStateCursor))
	require.False(t, f.prefs.Exists(prefs.KeyMergeStateChunk))
}

func TestVirtualABRollbackDiscardsSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 2)
	require.NoError(t, c.FinishUpdate(ctx, false))

	// The device came back up on the source slot.
	f.boot.Reboot()
	c = f.control(t, virtualAB)
	require.Equal(t, errorcode.Success, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil).Run(ctx))

	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateCancelled, st.State)
	snaps, err := f.snaps.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
	require.Equal(t, bytes.Repeat([]byte{0}, 2*cow.BlockSize), f.readBase(t, 1, "system", 2))
}

func TestVirtualABMergeWaitsForSuccessfulBoot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 2)
	require.NoError(t, c.FinishUpdate(ctx, false))

	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	c = f.control(t, virtualAB)
	require.Equal(t, errorcode.Error, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil).Run(ctx))

	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateUnverified, st.State)
}

func TestVirtualABMergeResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	image := prepareWrites(t, f, c, 8)
	require.NoError(t, c.FinishUpdate(ctx, false))
	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.boot.MarkBootSuccessful())
	require.NoError(t, f.snaps.InitiateMerge(ctx))

	// A previous run merged the first chunk before it was interrupted.
	require.NoError(t, f.prefs.SetString(prefs.KeyMergeStatePartition, "system_b"))
	require.NoError(t, f.prefs.SetInt64(prefs.KeyMergeStateCursor, 4))

	c = f.control(t, virtualAB)
	require.Equal(t, StateMerging, c.State())
	_, err := c.PreparePartitionsForUpdate(ctx, 1, 0, newManifest(), true)
	require.ErrorIs(t, err, ErrWrongState)

	require.Equal(t, errorcode.Success, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil).Run(ctx))
	got := f.readBase(t, 1, "system", 8)
	require.Equal(t, make([]byte, 4*cow.BlockSize), got[:4*cow.BlockSize])
	require.True(t, bytes.Equal(image[4*cow.BlockSize:], got[4*cow.BlockSize:]))
}

// interruptAfter cancels the merge once it reports n progress updates.
type interruptAfter struct {
	progressRecorder
	n      int
	cancel context.CancelFunc
}

func (r *interruptAfter) OnCleanupProgressUpdate(p float64) {
	r.progressRecorder.OnCleanupProgressUpdate(p)
	if len(r.updates) == r.n {
		r.cancel()
	}
}

func TestVirtualABMergeKeepsChunkSizeAcrossRestart(t *testing.T) {
	f := newFixture(t)
	c := f.control(t, virtualAB)
	image := prepareWrites(t, f, c, 10)
	require.NoError(t, c.FinishUpdate(context.Background(), false))
	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.boot.MarkBootSuccessful())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := &interruptAfter{n: 1, cancel: cancel}
	c = f.control(t, virtualAB)
	require.Equal(t, errorcode.Error, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, interrupted).Run(ctx))
	require.Equal(t, []float64{0.4}, interrupted.updates)

	chunk, found, err := f.prefs.GetInt64(prefs.KeyMergeStateChunk)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(4), chunk)

	// The next boot is configured with a smaller chunk; the running merge
	// keeps the one it started with.
	f.chunk = 2
	c = f.control(t, virtualAB)
	require.Equal(t, StateMerging, c.State())
	progress := &progressRecorder{}
	require.Equal(t, errorcode.Success, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, progress).Run(context.Background()))
	if diff := cmp.Diff([]float64{0.8, 1, 1}, progress.updates); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	require.True(t, bytes.Equal(image, f.readBase(t, 1, "system", 10)), "merged partition does not match writes")
	require.False(t, f.prefs.Exists(prefs.KeyMergeStateChunk))
}

func TestVirtualABMergeRejectsBadCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 2)
	require.NoError(t, c.FinishUpdate(ctx, false))
	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.boot.MarkBootSuccessful())
	require.NoError(t, f.snaps.InitiateMerge(ctx))
	require.NoError(t, f.prefs.SetString(prefs.KeyMergeStatePartition, "system_b"))
	require.NoError(t, f.prefs.SetInt64(prefs.KeyMergeStateCursor, 100))

	c = f.control(t, virtualAB)
	require.Equal(t, errorcode.DeviceCorrupted, c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil).Run(ctx))
	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateMergeFailed, st.State)
}

func TestVirtualABMergeDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 2)
	require.NoError(t, c.FinishUpdate(ctx, false))

	path := filepath.Join(f.snaps.Dir(), "system_b.cow")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.boot.MarkBootSuccessful())
	c = f.control(t, virtualAB)
	action := c.GetCleanupPreviousUpdateAction(f.boot, f.prefs, nil)
	require.Equal(t, errorcode.DeviceCorrupted, action.Run(ctx))
	require.Equal(t, errorcode.DeviceCorrupted, action.Run(ctx))

	st, err := f.snaps.UpdateState(ctx)
	require.NoError(t, err)
	require.Equal(t, snapshot.StateMergeFailed, st.State)
}

func TestVirtualABResetDuringMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.control(t, virtualAB)
	prepareWrites(t, f, c, 2)
	require.NoError(t, c.FinishUpdate(ctx, false))
	require.NoError(t, f.boot.SetActiveBootSlot(1))
	f.boot.Reboot()
	require.NoError(t, f.snaps.InitiateMerge(ctx))

	c = f.control(t, virtualAB)
	require.Equal(t, StateMerging, c.State())
	require.NoError(t, c.ResetUpdate(ctx, f.prefs))
	require.Equal(t, StateNoUpdate, c.State())

	snaps, err := f.snaps.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, snaps)
	require.Empty(t, f.mapped(t))
}
