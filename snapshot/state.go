// Package snapshot manages the copy-on-write snapshots of a Virtual A/B
// update: the persisted update state, the snapshot files receiving update
// data, and merging them into the base partitions after reboot.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/ankur-anand/otaengine/lp"
)

// State of the update as recorded on disk.
type State int

const (
	StateNone State = iota
	// StateInitiated snapshots exist and are being written.
	StateInitiated
	// StateUnverified writes are finished; the target slot has not booted
	// successfully yet.
	StateUnverified
	StateMerging
	StateMergeCompleted
	// StateMergeFailed the merge hit corrupted data and cannot be retried.
	StateMergeFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateNone:           "none",
	StateInitiated:      "initiated",
	StateUnverified:     "unverified",
	StateMerging:        "merging",
	StateMergeCompleted: "merge-completed",
	StateMergeFailed:    "merge-failed",
	StateCancelled:      "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("snapshot: unknown state %d", int(s))
	}
	return []byte(name), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("snapshot: unknown state %q", text)
}

var (
	ErrUpdateInProgress = errors.New("snapshot: update in progress")
	ErrMergeInProgress  = errors.New("snapshot: merge in progress")
	ErrWrongState       = errors.New("snapshot: operation not allowed in current state")
	ErrNoSuchSnapshot   = errors.New("snapshot: no such snapshot")
	ErrConflict         = errors.New("snapshot: concurrent state update")
	ErrCorrupted        = errors.New("snapshot: snapshot data corrupted")
	ErrNotEnoughSpace   = errors.New("snapshot: not enough space for snapshots")
)

// InsufficientSpaceError reports how much more free space the snapshots
// need.
type InsufficientSpaceError struct {
	Needed uint64
	Free   uint64
	// Required is the shortfall rounded up to the allocation granularity.
	Required uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("snapshot: need %d bytes for snapshots, %d free, %d more required", e.Needed, e.Free, e.Required)
}

func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrNotEnoughSpace
}

// Status is the persisted update state.
type Status struct {
	State              State  `json:"state"`
	UpdateID           string `json:"update_id,omitempty"`
	SourceSlot         uint32 `json:"source_slot"`
	TargetSlot         uint32 `json:"target_slot"`
	Compression        string `json:"compression,omitempty"`
	XorEnabled         bool   `json:"xor_enabled,omitempty"`
	UserspaceSnapshots bool   `json:"userspace_snapshots,omitempty"`
	WipeRequired       bool   `json:"wipe_required,omitempty"`
	// FinishedBootID is the boot during which writes finished.
	FinishedBootID string `json:"finished_boot_id,omitempty"`
}

// UsesCompression reports whether snapshots of this update compress
// blocks.
func (s Status) UsesCompression() bool {
	return s.Compression != "" && s.Compression != "none"
}

// SnapshotStatus describes one snapshot.
type SnapshotStatus struct {
	Name     string `json:"name"`
	UpdateID string `json:"update_id"`
	// DeviceSize is the partition size after the update.
	DeviceSize       uint64 `json:"device_size"`
	EstimatedCowSize uint64 `json:"estimated_cow_size"`
	CowFile          string `json:"cow_file"`
	// Base is the target partition on the super device that the snapshot
	// overlays and merges into.
	Base lp.Table `json:"base"`
}

// Plan requests one snapshot.
type Plan struct {
	Name       string
	DeviceSize uint64
	CowSize    uint64
	Base       lp.Table
}

type BeginOptions struct {
	SourceSlot         uint32
	TargetSlot         uint32
	Compression        string
	XorEnabled         bool
	UserspaceSnapshots bool
}

type WriterOptions struct {
	Append bool
	Label  *uint64
}
