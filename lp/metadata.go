// Package lp manages logical partitions carved out of the shared super
// device: the per-slot metadata describing partitions and groups, the extent
// allocator that builds it, and the descriptors that read and write a
// partition through its extents.
package lp

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

const (
	SectorSize = 512
	// DefaultAlignment is the allocation granularity of extents, in bytes.
	DefaultAlignment = 1 << 20
	// LogicalBlockSize is the unit partition sizes are rounded up to.
	LogicalBlockSize = 4096
)

var (
	ErrInvalidMetadata  = errors.New("lp: invalid metadata")
	ErrNoSuchPartition  = errors.New("lp: no such partition")
	ErrNoSuchGroup      = errors.New("lp: no such group")
	ErrPartitionExists  = errors.New("lp: partition exists")
	ErrGroupExists      = errors.New("lp: group exists")
	ErrNoSpace          = errors.New("lp: not enough space")
	ErrGroupSizeExceeds = errors.New("lp: group size exceeded")
)

// Attributes of a partition.
type Attributes uint32

const (
	AttrReadonly Attributes = 1 << iota
	// AttrUpdated marks partitions written by the pending update.
	AttrUpdated
)

// Extent is a run of sectors on the super device.
type Extent struct {
	PhysicalSector uint64 `json:"physical_sector"`
	NumSectors     uint64 `json:"num_sectors"`
}

func (e Extent) End() uint64 {
	return e.PhysicalSector + e.NumSectors
}

func (e Extent) Overlaps(o Extent) bool {
	return e.PhysicalSector < o.End() && o.PhysicalSector < e.End()
}

type Group struct {
	Name string `json:"name"`
	// MaximumSize of zero means unlimited.
	MaximumSize uint64 `json:"maximum_size"`
}

type Partition struct {
	Name       string     `json:"name"`
	GroupName  string     `json:"group_name"`
	Attributes Attributes `json:"attributes,omitempty"`
	Extents    []Extent   `json:"extents,omitempty"`
}

// Size is the partition size in bytes.
func (p *Partition) Size() uint64 {
	var sectors uint64
	for _, e := range p.Extents {
		sectors += e.NumSectors
	}
	return sectors * SectorSize
}

// PhysicalSector maps a byte offset inside the partition to its sector on
// the super device. ok is false past the end.
func (p *Partition) PhysicalSector(offset uint64) (uint64, bool) {
	sector := offset / SectorSize
	for _, e := range p.Extents {
		if sector < e.NumSectors {
			return e.PhysicalSector + sector, true
		}
		sector -= e.NumSectors
	}
	return 0, false
}

// Metadata describes the logical partitions of one slot.
type Metadata struct {
	Slot      uint32 `json:"slot"`
	SuperSize uint64 `json:"super_size"`
	// FirstSector is the first sector usable for extents.
	FirstSector uint64      `json:"first_sector"`
	Alignment   uint64      `json:"alignment"`
	Groups      []Group     `json:"groups"`
	Partitions  []Partition `json:"partitions"`
}

// NewMetadata returns empty metadata for slot with the default group.
func NewMetadata(slot uint32, superSize uint64) *Metadata {
	return &Metadata{
		Slot:        slot,
		SuperSize:   superSize,
		FirstSector: DefaultAlignment / SectorSize,
		Alignment:   DefaultAlignment,
		Groups:      []Group{{Name: DefaultGroup}},
	}
}

// DefaultGroup holds partitions listed in no group.
const DefaultGroup = "default"

func (m *Metadata) Partition(name string) *Partition {
	for i := range m.Partitions {
		if m.Partitions[i].Name == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

func (m *Metadata) Group(name string) *Group {
	for i := range m.Groups {
		if m.Groups[i].Name == name {
			return &m.Groups[i]
		}
	}
	return nil
}

// PartitionNames returns the sorted partition names.
func (m *Metadata) PartitionNames() []string {
	names := make([]string, 0, len(m.Partitions))
	for _, p := range m.Partitions {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// GroupUsage is the total size of the partitions in group.
func (m *Metadata) GroupUsage(group string) uint64 {
	var total uint64
	for i := range m.Partitions {
		if m.Partitions[i].GroupName == group {
			total += m.Partitions[i].Size()
		}
	}
	return total
}

// UsedExtents lists every allocated extent sorted by start.
func (m *Metadata) UsedExtents() []Extent {
	var out []Extent
	for _, p := range m.Partitions {
		out = append(out, p.Extents...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PhysicalSector < out[j].PhysicalSector })
	return out
}

func (m *Metadata) lastSector() uint64 {
	return m.SuperSize / SectorSize
}

// Validate checks that extents lie inside the usable area without
// overlapping and that groups respect their maximum size.
func (m *Metadata) Validate() error {
	if m.SuperSize == 0 || m.SuperSize%SectorSize != 0 {
		return fmt.Errorf("%w: super size %d", ErrInvalidMetadata, m.SuperSize)
	}
	if m.Alignment == 0 || m.Alignment%SectorSize != 0 {
		return fmt.Errorf("%w: alignment %d", ErrInvalidMetadata, m.Alignment)
	}
	groups := make(map[string]bool, len(m.Groups))
	for _, g := range m.Groups {
		if g.Name == "" || groups[g.Name] {
			return fmt.Errorf("%w: group %q", ErrInvalidMetadata, g.Name)
		}
		groups[g.Name] = true
	}
	names := make(map[string]bool, len(m.Partitions))
	for _, p := range m.Partitions {
		if p.Name == "" || names[p.Name] {
			return fmt.Errorf("%w: partition %q", ErrInvalidMetadata, p.Name)
		}
		names[p.Name] = true
		if !groups[p.GroupName] {
			return fmt.Errorf("%w: partition %q in unknown group %q", ErrInvalidMetadata, p.Name, p.GroupName)
		}
		for _, e := range p.Extents {
			if e.NumSectors == 0 || e.PhysicalSector < m.FirstSector || e.End() > m.lastSector() {
				return fmt.Errorf("%w: partition %q extent %+v outside super", ErrInvalidMetadata, p.Name, e)
			}
		}
	}
	used := m.UsedExtents()
	for i := 1; i < len(used); i++ {
		if used[i].Overlaps(used[i-1]) {
			return fmt.Errorf("%w: overlapping extents %+v and %+v", ErrInvalidMetadata, used[i-1], used[i])
		}
	}
	for _, g := range m.Groups {
		if g.MaximumSize > 0 && m.GroupUsage(g.Name) > g.MaximumSize {
			return fmt.Errorf("%w: %q uses %d of %d", ErrGroupSizeExceeds, g.Name, m.GroupUsage(g.Name), g.MaximumSize)
		}
	}
	return nil
}

func (m *Metadata) Clone() *Metadata {
	out := *m
	out.Groups = slices.Clone(m.Groups)
	out.Partitions = slices.Clone(m.Partitions)
	for i, p := range out.Partitions {
		p.Extents = slices.Clone(p.Extents)
		out.Partitions[i] = p
	}
	return &out
}

func Encode(m *Metadata) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
