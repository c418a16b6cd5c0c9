package dynamicpartition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ankur-anand/otaengine/bootcontrol"
	"github.com/ankur-anand/otaengine/lp"
	"github.com/ankur-anand/otaengine/manifest"
	"github.com/ankur-anand/otaengine/metrics"
	"github.com/hashicorp/go-multierror"
)

const mapperDir = "mapper"

// partitionTable is the super-device layer shared by the dynamic variants:
// per-slot metadata, the super image(s) and the registry of mapped device
// tables.
type partitionTable struct {
	store     *lp.Store
	boot      bootcontrol.BootControl
	deviceDir string
	superName string
	superSize uint64
	// retrofit devices keep one super image per slot.
	retrofit bool
	metrics  *metrics.EngineMetrics

	mu     sync.Mutex
	mapped map[string]*mapping
}

type mapping struct {
	refs int
	path string
}

func newPartitionTable(opts Options) (*partitionTable, error) {
	t := &partitionTable{
		store:     lp.NewStore(opts.Store),
		boot:      opts.BootControl,
		deviceDir: opts.DeviceDir,
		superName: opts.SuperName,
		superSize: opts.SuperSize,
		retrofit:  opts.Features.DynamicPartitions.IsRetrofit() && !opts.Features.VirtualAB.IsEnabled(),
		metrics:   opts.Metrics,
		mapped:    make(map[string]*mapping),
	}
	if err := os.MkdirAll(t.mapperPath(), 0o755); err != nil {
		return nil, err
	}
	supers := []string{t.superPath(0)}
	if t.retrofit {
		supers = supers[:0]
		for slot := uint32(0); slot < t.boot.NumSlots(); slot++ {
			supers = append(supers, t.superPath(slot))
		}
	}
	for _, path := range supers {
		if err := ensureImage(path, t.superSize); err != nil {
			return nil, fmt.Errorf("dynamicpartition: super image %s: %w", path, err)
		}
	}
	return t, nil
}

// ensureImage creates a sparse image of size bytes unless path exists.
func ensureImage(path string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (t *partitionTable) suffix(slot uint32) string {
	return t.boot.SlotSuffix(slot)
}

func (t *partitionTable) superPath(slot uint32) string {
	if t.retrofit {
		return filepath.Join(t.deviceDir, t.superName+t.suffix(slot))
	}
	return filepath.Join(t.deviceDir, t.superName)
}

func (t *partitionTable) mapperPath() string {
	return filepath.Join(t.deviceDir, mapperDir)
}

func (t *partitionTable) devicePath(deviceName string) string {
	return filepath.Join(t.mapperPath(), deviceName)
}

func (t *partitionTable) load(ctx context.Context, slot uint32) (*lp.Metadata, string, error) {
	return t.store.Load(ctx, slot)
}

// loadOrEmpty returns empty metadata for a slot that has none yet.
func (t *partitionTable) loadOrEmpty(ctx context.Context, slot uint32) (*lp.Metadata, string, error) {
	md, etag, err := t.store.Load(ctx, slot)
	if errors.Is(err, lp.ErrNoMetadata) {
		return lp.NewMetadata(slot, t.superSize), "", nil
	}
	return md, etag, err
}

func (t *partitionTable) save(ctx context.Context, md *lp.Metadata, etag string) error {
	_, err := t.store.Save(ctx, md, etag)
	return err
}

// tableFor describes partition name (with suffix) of md as a device table.
func (t *partitionTable) tableFor(md *lp.Metadata, name string) (lp.Table, error) {
	p := md.Partition(name)
	if p == nil {
		return lp.Table{}, fmt.Errorf("%w: %s in slot %d", lp.ErrNoSuchPartition, name, md.Slot)
	}
	return lp.Table{
		Name:      name,
		SuperPath: t.superPath(md.Slot),
		Extents:   slices.Clone(p.Extents),
	}, nil
}

// mapTable publishes tbl under its name. Mapping a name again only takes
// another reference.
func (t *partitionTable) mapTable(tbl lp.Table) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.mapped[tbl.Name]; ok {
		m.refs++
		return m.path, nil
	}
	path := t.devicePath(tbl.Name)
	if err := lp.WriteTable(path, tbl); err != nil {
		return "", fmt.Errorf("dynamicpartition: map %s: %w", tbl.Name, err)
	}
	t.mapped[tbl.Name] = &mapping{refs: 1, path: path}
	t.metrics.SetMappedPartitions(len(t.mapped))
	return path, nil
}

// unmap drops one reference and removes the node with the last one.
// Unmapping a name that is not mapped is a no-op.
func (t *partitionTable) unmap(deviceName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mapped[deviceName]
	if !ok {
		return nil
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	delete(t.mapped, deviceName)
	t.metrics.SetMappedPartitions(len(t.mapped))
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("dynamicpartition: unmap %s: %w", deviceName, err)
	}
	return nil
}

// unmapAll removes every node regardless of references, including nodes
// left by an earlier process.
func (t *partitionTable) unmapAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var result *multierror.Error
	entries, err := os.ReadDir(t.mapperPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		result = multierror.Append(result, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(t.mapperPath(), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	clear(t.mapped)
	t.metrics.SetMappedPartitions(0)
	return result.ErrorOrNil()
}

func (t *partitionTable) listForSlot(ctx context.Context, slot, currentSlot uint32) ([]string, error) {
	md, _, err := t.load(ctx, slot)
	if err != nil {
		return nil, err
	}
	suffix := t.suffix(currentSlot)
	var names []string
	for _, p := range md.Partitions {
		if name, ok := strings.CutSuffix(p.Name, suffix); ok && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (t *partitionTable) isDynamic(ctx context.Context, name string, slot uint32) bool {
	md, _, err := t.load(ctx, slot)
	if err != nil {
		if !errors.Is(err, lp.ErrNoMetadata) {
			slog.Warn("otaengine: cannot load partition metadata", "slot", slot, "error", err)
		}
		return false
	}
	return md.Partition(name+t.suffix(slot)) != nil
}

// verifyExtents checks that each named partition occupies the same extents
// of the same super image in both slots.
func (t *partitionTable) verifyExtents(ctx context.Context, source, target uint32, names []string) error {
	src, _, err := t.load(ctx, source)
	if err != nil {
		return err
	}
	dst, _, err := t.load(ctx, target)
	if err != nil {
		return err
	}
	for _, name := range names {
		sp := src.Partition(name + t.suffix(source))
		tp := dst.Partition(name + t.suffix(target))
		switch {
		case sp == nil && tp == nil:
			continue
		case sp == nil || tp == nil:
			return fmt.Errorf("%w: %s exists in only one slot", ErrExtentsMismatch, name)
		case t.superPath(source) != t.superPath(target) || !slices.Equal(sp.Extents, tp.Extents):
			return fmt.Errorf("%w: %s", ErrExtentsMismatch, name)
		}
	}
	return nil
}

// applyManifest lays out the dynamic partitions of m in b, suffixed with
// suffix. Without a partial update, partitions and groups the manifest does
// not mention are removed.
func applyManifest(b *lp.Builder, md *lp.Metadata, m *manifest.Manifest, suffix string) error {
	var groups []manifest.PartitionGroup
	if m.DynamicPartitionMetadata != nil {
		groups = m.DynamicPartitionMetadata.Groups
	}

	if !m.PartialUpdate {
		keep := make(map[string]bool)
		for _, g := range groups {
			keep[g.Name] = true
			for _, name := range g.PartitionNames {
				keep[name+suffix] = true
			}
		}
		for _, g := range md.Groups {
			if g.Name != lp.DefaultGroup && !keep[g.Name] {
				b.RemoveGroupAndPartitions(g.Name)
			}
		}
		for _, p := range md.Partitions {
			if !keep[p.Name] {
				b.RemovePartition(p.Name)
			}
		}
	}

	// Group limits are applied once every partition has its final size,
	// and partitions shrink before any grows, so space freed by one
	// partition is available to the next.
	for _, g := range groups {
		if md.Group(g.Name) != nil {
			if err := b.ResizeGroup(g.Name, 0); err != nil {
				return err
			}
		} else if err := b.AddGroup(g.Name, 0); err != nil {
			return err
		}
	}

	type resize struct {
		name string
		size uint64
	}
	var shrink, grow []resize
	for _, g := range groups {
		for _, name := range g.PartitionNames {
			full := name + suffix
			if existing := md.Partition(full); existing != nil && existing.GroupName != g.Name {
				b.RemovePartition(full)
			}
			if err := b.AddPartition(full, g.Name, 0); err != nil && !errors.Is(err, lp.ErrPartitionExists) {
				return err
			}
			if err := b.SetAttributes(full, lp.AttrReadonly|lp.AttrUpdated); err != nil {
				return err
			}
			var size uint64
			if pu := m.Partition(name); pu != nil {
				size = pu.NewSize()
			}
			r := resize{name: full, size: size}
			if p := md.Partition(full); p != nil && p.GroupName == g.Name && size < p.Size() {
				shrink = append(shrink, r)
			} else {
				grow = append(grow, r)
			}
		}
	}
	for _, r := range append(shrink, grow...) {
		if err := b.ResizePartition(r.name, r.size); err != nil {
			return err
		}
	}

	for _, g := range groups {
		if err := b.ResizeGroup(g.Name, g.Size); err != nil {
			return err
		}
	}
	return nil
}

// renameSlot returns md for slot target, with the partitions of slot
// source renamed to the target suffix and the rest dropped.
func renameSlot(md *lp.Metadata, target uint32, sourceSuffix, targetSuffix string) *lp.Metadata {
	out := md.Clone()
	out.Slot = target
	parts := out.Partitions[:0]
	for _, p := range out.Partitions {
		name, ok := strings.CutSuffix(p.Name, sourceSuffix)
		if !ok {
			continue
		}
		p.Name = name + targetSuffix
		p.Attributes &^= lp.AttrUpdated
		parts = append(parts, p)
	}
	out.Partitions = parts
	return out
}
