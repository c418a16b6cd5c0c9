package lp

import (
	"fmt"
	"sort"
)

// NoSpaceError reports an allocation the super device could not satisfy.
type NoSpaceError struct {
	Partition string
	// Needed and Available are in bytes.
	Needed    uint64
	Available uint64
}

func (e *NoSpaceError) Error() string {
	return fmt.Sprintf("lp: not enough space for %s: need %d bytes, %d available", e.Partition, e.Needed, e.Available)
}

func (e *NoSpaceError) Is(target error) bool {
	return target == ErrNoSpace
}

// Shortfall is how many more bytes the allocation needed.
func (e *NoSpaceError) Shortfall() uint64 {
	if e.Needed <= e.Available {
		return 0
	}
	return e.Needed - e.Available
}

// Builder edits a copy of slot metadata, allocating extents from the free
// space of the super device.
type Builder struct {
	md       *Metadata
	reserved []Extent
}

func NewBuilder(base *Metadata) *Builder {
	return &Builder{md: base.Clone()}
}

// Reserve keeps exts out of new allocations, e.g. the extents the other
// slot still uses.
func (b *Builder) Reserve(exts ...Extent) {
	b.reserved = append(b.reserved, exts...)
}

func (b *Builder) SetSlot(slot uint32) {
	b.md.Slot = slot
}

func (b *Builder) AddGroup(name string, maximumSize uint64) error {
	if b.md.Group(name) != nil {
		return fmt.Errorf("%w: %s", ErrGroupExists, name)
	}
	b.md.Groups = append(b.md.Groups, Group{Name: name, MaximumSize: maximumSize})
	return nil
}

func (b *Builder) ResizeGroup(name string, maximumSize uint64) error {
	g := b.md.Group(name)
	if g == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchGroup, name)
	}
	if maximumSize > 0 && b.md.GroupUsage(name) > maximumSize {
		return fmt.Errorf("%w: %q uses %d, new maximum %d", ErrGroupSizeExceeds, name, b.md.GroupUsage(name), maximumSize)
	}
	g.MaximumSize = maximumSize
	return nil
}

// RemoveGroupAndPartitions drops group and every partition in it. The
// default group is kept, emptied.
func (b *Builder) RemoveGroupAndPartitions(name string) {
	parts := b.md.Partitions[:0]
	for _, p := range b.md.Partitions {
		if p.GroupName != name {
			parts = append(parts, p)
		}
	}
	b.md.Partitions = parts
	if name == DefaultGroup {
		return
	}
	groups := b.md.Groups[:0]
	for _, g := range b.md.Groups {
		if g.Name != name {
			groups = append(groups, g)
		}
	}
	b.md.Groups = groups
}

func (b *Builder) AddPartition(name, group string, attrs Attributes) error {
	if b.md.Partition(name) != nil {
		return fmt.Errorf("%w: %s", ErrPartitionExists, name)
	}
	if b.md.Group(group) == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchGroup, group)
	}
	b.md.Partitions = append(b.md.Partitions, Partition{Name: name, GroupName: group, Attributes: attrs})
	return nil
}

func (b *Builder) RemovePartition(name string) {
	for i := range b.md.Partitions {
		if b.md.Partitions[i].Name == name {
			b.md.Partitions = append(b.md.Partitions[:i], b.md.Partitions[i+1:]...)
			return
		}
	}
}

// SetExtents assigns exts to name verbatim. Virtual A/B target slots use it
// to share the source slot's extents.
func (b *Builder) SetExtents(name string, exts []Extent) error {
	p := b.md.Partition(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchPartition, name)
	}
	p.Extents = append([]Extent(nil), exts...)
	return nil
}

func (b *Builder) SetAttributes(name string, attrs Attributes) error {
	p := b.md.Partition(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchPartition, name)
	}
	p.Attributes = attrs
	return nil
}

// ResizePartition grows or shrinks name to size bytes, rounded up to
// LogicalBlockSize. Growth allocates from free space, extending the last
// extent in place when possible.
func (b *Builder) ResizePartition(name string, size uint64) error {
	p := b.md.Partition(name)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchPartition, name)
	}
	size = roundUp(size, LogicalBlockSize)
	current := p.Size()
	if size == current {
		return nil
	}

	if g := b.md.Group(p.GroupName); g != nil && g.MaximumSize > 0 && size > current {
		usage := b.md.GroupUsage(g.Name) - current + size
		if usage > g.MaximumSize {
			return fmt.Errorf("%w: %q needs %d of %d for %s", ErrGroupSizeExceeds, g.Name, usage, g.MaximumSize, name)
		}
	}

	if size < current {
		shrinkExtents(p, size/SectorSize)
		return nil
	}

	need := (size - current) / SectorSize
	free := b.freeRegions()

	original := append([]Extent(nil), p.Extents...)

	// Extend in place when the last extent borders a free region.
	if n := len(p.Extents); n > 0 {
		last := &p.Extents[n-1]
		for i, r := range free {
			if r.PhysicalSector == last.End() {
				take := min(need, r.NumSectors)
				last.NumSectors += take
				need -= take
				free[i].PhysicalSector += take
				free[i].NumSectors -= take
				break
			}
		}
	}

	var added []Extent
	for _, r := range free {
		if need == 0 {
			break
		}
		start := b.alignUp(r.PhysicalSector)
		if start >= r.End() {
			continue
		}
		take := min(need, r.End()-start)
		added = append(added, Extent{PhysicalSector: start, NumSectors: take})
		need -= take
	}
	if need > 0 {
		p.Extents = original
		return &NoSpaceError{
			Partition: name,
			Needed:    size - current,
			Available: b.allocatable(),
		}
	}
	p.Extents = append(p.Extents, added...)
	p.Extents = coalesce(p.Extents)
	return nil
}

// FreeSpace is the number of bytes new allocations can still use.
func (b *Builder) FreeSpace() uint64 {
	return b.allocatable()
}

func (b *Builder) allocatable() uint64 {
	var total uint64
	for _, r := range b.freeRegions() {
		start := b.alignUp(r.PhysicalSector)
		if start < r.End() {
			total += r.End() - start
		}
	}
	return total * SectorSize
}

// freeRegions lists the gaps between used and reserved extents.
func (b *Builder) freeRegions() []Extent {
	used := append(b.md.UsedExtents(), b.reserved...)
	sort.Slice(used, func(i, j int) bool { return used[i].PhysicalSector < used[j].PhysicalSector })

	var out []Extent
	cursor := b.md.FirstSector
	last := b.md.lastSector()
	for _, e := range used {
		if e.PhysicalSector > cursor {
			out = append(out, Extent{PhysicalSector: cursor, NumSectors: min(e.PhysicalSector, last) - cursor})
		}
		cursor = max(cursor, e.End())
		if cursor >= last {
			return out
		}
	}
	if cursor < last {
		out = append(out, Extent{PhysicalSector: cursor, NumSectors: last - cursor})
	}
	return out
}

func (b *Builder) alignUp(sector uint64) uint64 {
	return roundUp(sector, b.md.Alignment/SectorSize)
}

// Metadata validates and returns the edited metadata.
func (b *Builder) Metadata() (*Metadata, error) {
	out := b.md.Clone()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func shrinkExtents(p *Partition, sectors uint64) {
	var kept []Extent
	for _, e := range p.Extents {
		if sectors == 0 {
			break
		}
		if e.NumSectors > sectors {
			e.NumSectors = sectors
		}
		kept = append(kept, e)
		sectors -= e.NumSectors
	}
	p.Extents = kept
}

func coalesce(exts []Extent) []Extent {
	if len(exts) < 2 {
		return exts
	}
	out := exts[:1]
	for _, e := range exts[1:] {
		last := &out[len(out)-1]
		if last.End() == e.PhysicalSector {
			last.NumSectors += e.NumSectors
			continue
		}
		out = append(out, e)
	}
	return out
}

func roundUp(v, unit uint64) uint64 {
	if unit <= 1 {
		return v
	}
	return (v + unit - 1) / unit * unit
}
