package bootcontrol

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ankur-anand/otaengine/prefs"
)

const bootIDPath = "/proc/sys/kernel/random/boot_id"

// Persistent keeps slot markers in a preference store. It serves devices
// whose bootloader reads the markers from the same store, and hosts that
// emulate A/B slots.
type Persistent struct {
	prefs   prefs.Prefs
	current uint32
	bootID  string
}

var _ BootControl = (*Persistent)(nil)

// NewPersistent returns boot control for a device running current. An empty
// bootID is read from the kernel.
func NewPersistent(p prefs.Prefs, current uint32, bootID string) (*Persistent, error) {
	if p == nil {
		panic("bootcontrol: nil prefs")
	}
	if err := checkSlot(current); err != nil {
		return nil, err
	}
	if bootID == "" {
		data, err := os.ReadFile(bootIDPath)
		if err != nil {
			return nil, fmt.Errorf("bootcontrol: read boot id: %w", err)
		}
		bootID = strings.TrimSpace(string(data))
	}
	return &Persistent{prefs: p, current: current, bootID: bootID}, nil
}

func slotKey(slot uint32, field string) string {
	return "boot-control/slot-" + strconv.FormatUint(uint64(slot), 10) + "/" + field
}

const activeSlotKey = "boot-control/active-slot"

func (p *Persistent) NumSlots() uint32 { return NumSlots }

func (p *Persistent) CurrentSlot() uint32 { return p.current }

func (p *Persistent) SlotSuffix(slot uint32) string { return SlotSuffix(slot) }

// IsSlotBootable defaults to true for slots never marked.
func (p *Persistent) IsSlotBootable(slot uint32) bool {
	if slot >= NumSlots {
		return false
	}
	unbootable, found, err := p.prefs.GetBoolean(slotKey(slot, "unbootable"))
	if err != nil {
		slog.Warn("otaengine: read slot bootable marker", "slot", slot, "error", err)
		return false
	}
	return !found || !unbootable
}

func (p *Persistent) MarkSlotUnbootable(slot uint32) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := p.prefs.StartTransaction(); err != nil {
		return err
	}
	if err := p.prefs.SetBoolean(slotKey(slot, "unbootable"), true); err != nil {
		_ = p.prefs.CancelTransaction()
		return err
	}
	if err := p.prefs.Delete(slotKey(slot, "successful")); err != nil {
		_ = p.prefs.CancelTransaction()
		return err
	}
	return p.prefs.SubmitTransaction()
}

func (p *Persistent) SetActiveBootSlot(slot uint32) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := p.prefs.StartTransaction(); err != nil {
		return err
	}
	steps := []func() error{
		func() error { return p.prefs.SetInt64(activeSlotKey, int64(slot)) },
		func() error { return p.prefs.Delete(slotKey(slot, "unbootable")) },
	}
	if slot != p.current {
		steps = append(steps, func() error { return p.prefs.Delete(slotKey(slot, "successful")) })
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = p.prefs.CancelTransaction()
			return err
		}
	}
	return p.prefs.SubmitTransaction()
}

// ActiveBootSlot defaults to the current slot when never set.
func (p *Persistent) ActiveBootSlot() uint32 {
	v, found, err := p.prefs.GetInt64(activeSlotKey)
	if err != nil || !found || v < 0 || v >= NumSlots {
		return p.current
	}
	return uint32(v)
}

func (p *Persistent) MarkBootSuccessful() error {
	return p.prefs.SetBoolean(slotKey(p.current, "successful"), true)
}

func (p *Persistent) IsSlotMarkedSuccessful(slot uint32) bool {
	if slot >= NumSlots {
		return false
	}
	ok, found, err := p.prefs.GetBoolean(slotKey(slot, "successful"))
	return err == nil && found && ok
}

func (p *Persistent) BootID() string { return p.bootID }
