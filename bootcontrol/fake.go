package bootcontrol

import (
	"strconv"
	"sync"
)

// Fake is an in-memory BootControl. Reboot simulates booting the active slot.
type Fake struct {
	mu         sync.Mutex
	current    uint32
	active     uint32
	bootable   [NumSlots]bool
	successful [NumSlots]bool
	bootID     string
	boots      int
}

var _ BootControl = (*Fake)(nil)

// NewFake returns a device running current with both slots bootable and the
// current slot marked successful.
func NewFake(current uint32) *Fake {
	f := &Fake{current: current, active: current, bootID: "boot-0"}
	f.bootable = [NumSlots]bool{true, true}
	f.successful[current] = true
	return f
}

func (f *Fake) NumSlots() uint32 { return NumSlots }

func (f *Fake) CurrentSlot() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) SlotSuffix(slot uint32) string { return SlotSuffix(slot) }

func (f *Fake) IsSlotBootable(slot uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slot < NumSlots && f.bootable[slot]
}

func (f *Fake) MarkSlotUnbootable(slot uint32) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootable[slot] = false
	f.successful[slot] = false
	return nil
}

func (f *Fake) SetActiveBootSlot(slot uint32) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = slot
	f.bootable[slot] = true
	if slot != f.current {
		f.successful[slot] = false
	}
	return nil
}

func (f *Fake) ActiveBootSlot() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fake) MarkBootSuccessful() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successful[f.current] = true
	return nil
}

func (f *Fake) IsSlotMarkedSuccessful(slot uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slot < NumSlots && f.successful[slot]
}

func (f *Fake) BootID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bootID
}

// Reboot boots the active slot with a fresh boot id.
func (f *Fake) Reboot() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boots++
	f.current = f.active
	f.bootID = "boot-" + strconv.Itoa(f.boots)
}

// SetBootID overrides the boot id reported for the running boot.
func (f *Fake) SetBootID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootID = id
}
