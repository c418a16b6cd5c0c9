// Package bootcontrol is the boot-slot collaborator: which slot is running,
// which slot boots next and whether a slot has been marked good.
package bootcontrol

import (
	"errors"
	"fmt"
)

// InvalidSlot is returned where no slot applies.
const InvalidSlot = ^uint32(0)

// NumSlots is fixed for the lifetime of an A/B device.
const NumSlots = 2

var ErrInvalidSlot = errors.New("bootcontrol: invalid slot")

type BootControl interface {
	NumSlots() uint32
	CurrentSlot() uint32
	// SlotSuffix returns "_a", "_b", ... or "" for InvalidSlot.
	SlotSuffix(slot uint32) string
	IsSlotBootable(slot uint32) bool
	MarkSlotUnbootable(slot uint32) error
	// SetActiveBootSlot makes slot the one booted next. It also clears the
	// slot's successful marker.
	SetActiveBootSlot(slot uint32) error
	ActiveBootSlot() uint32
	// MarkBootSuccessful marks the current slot as good.
	MarkBootSuccessful() error
	IsSlotMarkedSuccessful(slot uint32) bool
	// BootID identifies the running boot. It changes on every reboot.
	BootID() string
}

// SlotSuffix maps slot n to "_" followed by the n-th lowercase letter.
func SlotSuffix(slot uint32) string {
	if slot == InvalidSlot || slot >= 26 {
		return ""
	}
	return "_" + string(rune('a'+slot))
}

func checkSlot(slot uint32) error {
	if slot >= NumSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}
