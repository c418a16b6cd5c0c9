// Package manifest models the target description of an update: the
// partitions it writes, the install operations that produce them, and the
// dynamic partition layout they must fit in.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// DefaultBlockSize is the only block size the COW format accepts.
const DefaultBlockSize = 4096

var ErrInvalidManifest = errors.New("manifest: invalid")

// OperationType values match the payload format's numbering.
type OperationType int

const (
	OpReplace         OperationType = 0
	OpReplaceBZ       OperationType = 1
	OpSourceCopy      OperationType = 4
	OpSourceBsdiff    OperationType = 5
	OpZero            OperationType = 6
	OpDiscard         OperationType = 7
	OpReplaceXZ       OperationType = 8
	OpPuffdiff        OperationType = 9
	OpBrotliBsdiff    OperationType = 10
	OpZucchini        OperationType = 11
	OpLz4diffBsdiff   OperationType = 12
	OpLz4diffPuffdiff OperationType = 13
)

var opTypeNames = map[OperationType]string{
	OpReplace:         "REPLACE",
	OpReplaceBZ:       "REPLACE_BZ",
	OpSourceCopy:      "SOURCE_COPY",
	OpSourceBsdiff:    "SOURCE_BSDIFF",
	OpZero:            "ZERO",
	OpDiscard:         "DISCARD",
	OpReplaceXZ:       "REPLACE_XZ",
	OpPuffdiff:        "PUFFDIFF",
	OpBrotliBsdiff:    "BROTLI_BSDIFF",
	OpZucchini:        "ZUCCHINI",
	OpLz4diffBsdiff:   "LZ4DIFF_BSDIFF",
	OpLz4diffPuffdiff: "LZ4DIFF_PUFFDIFF",
}

func (t OperationType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("OperationType(%d)", int(t))
}

// ReadsSource reports whether operations of this type read the source slot.
func (t OperationType) ReadsSource() bool {
	switch t {
	case OpSourceCopy, OpSourceBsdiff, OpPuffdiff, OpBrotliBsdiff, OpZucchini, OpLz4diffBsdiff, OpLz4diffPuffdiff:
		return true
	}
	return false
}

// Extent is a run of blocks.
type Extent struct {
	StartBlock uint64 `json:"start_block"`
	NumBlocks  uint64 `json:"num_blocks"`
}

// End is one past the last block of e.
func (e Extent) End() uint64 {
	return e.StartBlock + e.NumBlocks
}

func (e Extent) Overlaps(o Extent) bool {
	return e.StartBlock < o.End() && o.StartBlock < e.End()
}

// TotalBlocks sums the lengths of exts.
func TotalBlocks(exts []Extent) uint64 {
	var n uint64
	for _, e := range exts {
		n += e.NumBlocks
	}
	return n
}

type InstallOperation struct {
	Type       OperationType `json:"type"`
	DataOffset uint64        `json:"data_offset,omitempty"`
	DataLength uint64        `json:"data_length,omitempty"`
	SrcExtents []Extent      `json:"src_extents,omitempty"`
	SrcLength  uint64        `json:"src_length,omitempty"`
	DstExtents []Extent      `json:"dst_extents,omitempty"`
	DstLength  uint64        `json:"dst_length,omitempty"`

	DataSHA256Hash []byte `json:"data_sha256_hash,omitempty"`
	SrcSHA256Hash  []byte `json:"src_sha256_hash,omitempty"`
}

func (op InstallOperation) Clone() InstallOperation {
	out := op
	out.SrcExtents = slices.Clone(op.SrcExtents)
	out.DstExtents = slices.Clone(op.DstExtents)
	out.DataSHA256Hash = slices.Clone(op.DataSHA256Hash)
	out.SrcSHA256Hash = slices.Clone(op.SrcSHA256Hash)
	return out
}

type PartitionInfo struct {
	Size uint64 `json:"size"`
	Hash []byte `json:"hash,omitempty"`
}

type PartitionUpdate struct {
	PartitionName    string             `json:"partition_name"`
	OldPartitionInfo *PartitionInfo     `json:"old_partition_info,omitempty"`
	NewPartitionInfo *PartitionInfo     `json:"new_partition_info,omitempty"`
	Operations       []InstallOperation `json:"operations,omitempty"`
	// EstimateCowSize is the payload generator's COW size estimate in bytes.
	// Zero means no estimate; the engine then derives one from Operations.
	EstimateCowSize uint64 `json:"estimate_cow_size,omitempty"`
}

// NewSize is the size of the partition after the update.
func (p *PartitionUpdate) NewSize() uint64 {
	if p.NewPartitionInfo == nil {
		return 0
	}
	return p.NewPartitionInfo.Size
}

type PartitionGroup struct {
	Name           string   `json:"name"`
	Size           uint64   `json:"size"`
	PartitionNames []string `json:"partition_names,omitempty"`
}

type DynamicPartitionMetadata struct {
	Groups          []PartitionGroup `json:"groups,omitempty"`
	SnapshotEnabled bool             `json:"snapshot_enabled,omitempty"`
	VABCEnabled     bool             `json:"vabc_enabled,omitempty"`
	// VABCCompressionParam names the COW block codec, e.g. "gz" or "zstd".
	VABCCompressionParam string `json:"vabc_compression_param,omitempty"`
	CowVersion           uint32 `json:"cow_version,omitempty"`
}

type Manifest struct {
	BlockSize    uint32            `json:"block_size"`
	MinorVersion uint32            `json:"minor_version,omitempty"`
	Partitions   []PartitionUpdate `json:"partitions"`
	// PartialUpdate manifests leave unlisted partitions untouched.
	PartialUpdate            bool                      `json:"partial_update,omitempty"`
	DynamicPartitionMetadata *DynamicPartitionMetadata `json:"dynamic_partition_metadata,omitempty"`
}

func Encode(m *Manifest) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.BlockSize == 0 {
		m.BlockSize = DefaultBlockSize
	}
	return &m, nil
}

// Partition returns the update for name, or nil.
func (m *Manifest) Partition(name string) *PartitionUpdate {
	for i := range m.Partitions {
		if m.Partitions[i].PartitionName == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

// GroupOf returns the group listing partition name, or nil.
func (m *Manifest) GroupOf(name string) *PartitionGroup {
	if m.DynamicPartitionMetadata == nil {
		return nil
	}
	for i := range m.DynamicPartitionMetadata.Groups {
		if slices.Contains(m.DynamicPartitionMetadata.Groups[i].PartitionNames, name) {
			return &m.DynamicPartitionMetadata.Groups[i]
		}
	}
	return nil
}

// Validate checks the structural rules every consumer relies on: a power of
// two block size, unique partition names, a group for at most one owner, and
// destination extents inside the new partition size.
func (m *Manifest) Validate() error {
	if m.BlockSize == 0 || m.BlockSize&(m.BlockSize-1) != 0 {
		return fmt.Errorf("%w: block size %d", ErrInvalidManifest, m.BlockSize)
	}
	seen := make(map[string]bool, len(m.Partitions))
	for _, p := range m.Partitions {
		if p.PartitionName == "" {
			return fmt.Errorf("%w: unnamed partition", ErrInvalidManifest)
		}
		if seen[p.PartitionName] {
			return fmt.Errorf("%w: duplicate partition %q", ErrInvalidManifest, p.PartitionName)
		}
		seen[p.PartitionName] = true

		blocks := p.NewSize() / uint64(m.BlockSize)
		for i, op := range p.Operations {
			for _, e := range op.DstExtents {
				if p.NewPartitionInfo != nil && e.End() > blocks {
					return fmt.Errorf("%w: %s operation %d writes block %d past size %d",
						ErrInvalidManifest, p.PartitionName, i, e.End(), p.NewSize())
				}
			}
		}
	}

	if m.DynamicPartitionMetadata == nil {
		return nil
	}
	owner := make(map[string]string)
	groups := make(map[string]bool)
	for _, g := range m.DynamicPartitionMetadata.Groups {
		if g.Name == "" {
			return fmt.Errorf("%w: unnamed group", ErrInvalidManifest)
		}
		if groups[g.Name] {
			return fmt.Errorf("%w: duplicate group %q", ErrInvalidManifest, g.Name)
		}
		groups[g.Name] = true
		for _, name := range g.PartitionNames {
			if prev, ok := owner[name]; ok {
				return fmt.Errorf("%w: partition %q in groups %q and %q", ErrInvalidManifest, name, prev, g.Name)
			}
			owner[name] = g.Name
		}
	}
	return nil
}

func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Partitions = slices.Clone(m.Partitions)
	for i, p := range out.Partitions {
		cp := p
		if p.OldPartitionInfo != nil {
			info := *p.OldPartitionInfo
			info.Hash = slices.Clone(info.Hash)
			cp.OldPartitionInfo = &info
		}
		if p.NewPartitionInfo != nil {
			info := *p.NewPartitionInfo
			info.Hash = slices.Clone(info.Hash)
			cp.NewPartitionInfo = &info
		}
		cp.Operations = slices.Clone(p.Operations)
		for j, op := range cp.Operations {
			cp.Operations[j] = op.Clone()
		}
		out.Partitions[i] = cp
	}
	if m.DynamicPartitionMetadata != nil {
		dpm := *m.DynamicPartitionMetadata
		dpm.Groups = slices.Clone(dpm.Groups)
		for i, g := range dpm.Groups {
			g.PartitionNames = slices.Clone(g.PartitionNames)
			dpm.Groups[i] = g
		}
		out.DynamicPartitionMetadata = &dpm
	}
	return &out
}
