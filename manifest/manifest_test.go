package manifest

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleManifest() *Manifest {
	return &Manifest{
		BlockSize:    DefaultBlockSize,
		MinorVersion: 8,
		Partitions: []PartitionUpdate{
			{
				PartitionName:    "system",
				OldPartitionInfo: &PartitionInfo{Size: 8 * DefaultBlockSize, Hash: []byte{1, 2}},
				NewPartitionInfo: &PartitionInfo{Size: 10 * DefaultBlockSize, Hash: []byte{3, 4}},
				Operations: []InstallOperation{
					{Type: OpSourceCopy, SrcExtents: []Extent{{0, 4}}, DstExtents: []Extent{{0, 4}}},
					{Type: OpReplace, DataOffset: 0, DataLength: 8192, DstExtents: []Extent{{4, 2}}},
					{Type: OpZero, DstExtents: []Extent{{6, 4}}},
				},
				EstimateCowSize: 3 * DefaultBlockSize,
			},
			{
				PartitionName:    "vendor",
				NewPartitionInfo: &PartitionInfo{Size: 4 * DefaultBlockSize},
			},
		},
		DynamicPartitionMetadata: &DynamicPartitionMetadata{
			Groups: []PartitionGroup{
				{Name: "group", Size: 1 << 20, PartitionNames: []string{"system", "vendor"}},
			},
			SnapshotEnabled:      true,
			VABCEnabled:          true,
			VABCCompressionParam: "zstd",
			CowVersion:           2,
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleManifest()
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeDefaultsBlockSize(t *testing.T) {
	got, err := Decode([]byte(`{"partitions":[]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BlockSize != DefaultBlockSize {
		t.Fatalf("block size = %d, want %d", got.BlockSize, DefaultBlockSize)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestValidate(t *testing.T) {
	if err := sampleManifest().Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	cases := map[string]func(m *Manifest){
		"block size": func(m *Manifest) { m.BlockSize = 3000 },
		"unnamed":    func(m *Manifest) { m.Partitions[1].PartitionName = "" },
		"duplicate":  func(m *Manifest) { m.Partitions[1].PartitionName = "system" },
		"past end": func(m *Manifest) {
			m.Partitions[0].Operations[2].DstExtents = []Extent{{8, 4}}
		},
		"two groups": func(m *Manifest) {
			m.DynamicPartitionMetadata.Groups = append(m.DynamicPartitionMetadata.Groups,
				PartitionGroup{Name: "other", PartitionNames: []string{"vendor"}})
		},
		"duplicate group": func(m *Manifest) {
			m.DynamicPartitionMetadata.Groups = append(m.DynamicPartitionMetadata.Groups,
				PartitionGroup{Name: "group"})
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			m := sampleManifest()
			mutate(m)
			if err := m.Validate(); !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("Validate() = %v, want ErrInvalidManifest", err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := sampleManifest()
	c := m.Clone()
	if diff := cmp.Diff(m, c); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}

	c.Partitions[0].Operations[0].SrcExtents[0].StartBlock = 99
	c.Partitions[0].NewPartitionInfo.Hash[0] = 0xFF
	c.DynamicPartitionMetadata.Groups[0].PartitionNames[0] = "other"

	if m.Partitions[0].Operations[0].SrcExtents[0].StartBlock != 0 {
		t.Fatalf("clone shares extents")
	}
	if m.Partitions[0].NewPartitionInfo.Hash[0] != 3 {
		t.Fatalf("clone shares hash")
	}
	if m.DynamicPartitionMetadata.Groups[0].PartitionNames[0] != "system" {
		t.Fatalf("clone shares group names")
	}
	if (*Manifest)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestClonePreservesNilSlices(t *testing.T) {
	m := &Manifest{
		BlockSize:                DefaultBlockSize,
		Partitions:               []PartitionUpdate{{PartitionName: "system"}},
		DynamicPartitionMetadata: &DynamicPartitionMetadata{},
	}
	c := m.Clone()
	if diff := cmp.Diff(m, c); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}
	if c.Partitions[0].Operations != nil {
		t.Fatalf("nil operations cloned as %#v", c.Partitions[0].Operations)
	}
	if c.DynamicPartitionMetadata.Groups != nil {
		t.Fatalf("nil groups cloned as %#v", c.DynamicPartitionMetadata.Groups)
	}
	if (&Manifest{}).Clone().Partitions != nil {
		t.Fatalf("nil partitions cloned as non-nil")
	}
}

func TestLookupHelpers(t *testing.T) {
	m := sampleManifest()
	if p := m.Partition("vendor"); p == nil || p.NewSize() != 4*DefaultBlockSize {
		t.Fatalf("Partition(vendor) = %+v", p)
	}
	if m.Partition("odm") != nil {
		t.Fatalf("unexpected partition odm")
	}
	if g := m.GroupOf("system"); g == nil || g.Name != "group" {
		t.Fatalf("GroupOf(system) = %+v", g)
	}
	if m.GroupOf("odm") != nil {
		t.Fatalf("unexpected group for odm")
	}
	if got := TotalBlocks(m.Partitions[0].Operations[0].DstExtents); got != 4 {
		t.Fatalf("TotalBlocks = %d", got)
	}
	if !(Extent{0, 4}).Overlaps(Extent{3, 2}) || (Extent{0, 4}).Overlaps(Extent{4, 2}) {
		t.Fatalf("Overlaps mismatch")
	}
	if !OpSourceCopy.ReadsSource() || OpReplace.ReadsSource() {
		t.Fatalf("ReadsSource mismatch")
	}
	if OpSourceCopy.String() != "SOURCE_COPY" || OperationType(42).String() != "OperationType(42)" {
		t.Fatalf("String mismatch")
	}
}
