// Package device replaces the "struct device" common-prefix inheritance
// pattern (dc_create_device casts, etc.) with an explicit capability
// record: a plain struct of callbacks an emulated peripheral fills in and
// registers with a Bus. No base struct, no cast, no virtual dispatch table.
//
// The Bus also gives devices a stable way to refer to each other (a
// Handle, an opaque index) instead of holding pointers into one another,
// so the device graph never needs a cyclic object reference.
package device

import (
	"fmt"

	"github.com/slaminger/retrodream/pkg/addrspace"
)

// ReadFunc and WriteFunc match the signatures AddressSpace.MapMMIO expects:
// u32 read(userdata, addr, width) and void write(userdata, addr, width, value).
type ReadFunc = addrspace.ReadFunc
type WriteFunc = addrspace.WriteFunc

// Device is the capability record a peripheral fills in. Init and Tick are
// optional; Read and Write are required, since a device with neither isn't
// an MMIO device at all.
type Device struct {
	Name     string
	UserData interface{}

	Init  func(userdata interface{}) error
	Tick  func(userdata interface{}, cycles int)
	Read  ReadFunc
	Write WriteFunc
}

// Handle is a stable, opaque reference to a registered device. Devices that
// need to reach each other (the bus, a scheduler, a sibling peripheral)
// store a Handle and resolve it through the owning Bus, never an owning Go
// pointer to one another's struct.
type Handle int

type entry struct {
	dev    Device
	lo, hi uint32
}

// Bus is the central registry every device is installed through. It owns
// the mapping from Handle to Device and from MMIO window to Device, and is
// the single place that calls into AddressSpace.MapMMIO on a device's
// behalf.
type Bus struct {
	space   *addrspace.AddressSpace
	entries []entry
	byName  map[string]Handle
}

// NewBus creates a registry that installs devices into space.
func NewBus(space *addrspace.AddressSpace) *Bus {
	return &Bus{space: space, byName: make(map[string]Handle)}
}

// Register runs dev's Init hook (if any), maps [lo, hi) in the owning
// AddressSpace to dev's Read/Write callbacks, and returns a stable Handle
// for later lookup. The MMIO window's real estate is owned by AddressSpace;
// Bus only remembers the pairing so Tick and Device can find it again.
func (b *Bus) Register(dev Device, lo, hi uint32) (Handle, error) {
	if dev.Name == "" {
		return 0, fmt.Errorf("device: register: a device must have a Name")
	}
	if dev.Read == nil || dev.Write == nil {
		return 0, fmt.Errorf("device: register %q: Read and Write are both required", dev.Name)
	}
	if _, exists := b.byName[dev.Name]; exists {
		return 0, fmt.Errorf("device: register %q: already registered", dev.Name)
	}
	if dev.Init != nil {
		if err := dev.Init(dev.UserData); err != nil {
			return 0, fmt.Errorf("device: init %q: %w", dev.Name, err)
		}
	}
	if err := b.space.MapMMIO(lo, hi, dev.Read, dev.Write, dev.UserData); err != nil {
		return 0, fmt.Errorf("device: map %q [%#x,%#x): %w", dev.Name, lo, hi, err)
	}
	h := Handle(len(b.entries))
	b.entries = append(b.entries, entry{dev: dev, lo: lo, hi: hi})
	b.byName[dev.Name] = h
	return h, nil
}

// Lookup resolves a device by the name it was registered under.
func (b *Bus) Lookup(name string) (Handle, bool) {
	h, ok := b.byName[name]
	return h, ok
}

// Device returns the capability record for h, or nil if h is not a handle
// this Bus issued.
func (b *Bus) Device(h Handle) *Device {
	if int(h) < 0 || int(h) >= len(b.entries) {
		return nil
	}
	return &b.entries[h].dev
}

// Tick invokes every registered device's Tick callback, in registration
// order, with the number of guest cycles elapsed since the previous call.
// The dispatcher calls this once per block exit; devices with no Tick hook
// are skipped.
func (b *Bus) Tick(cycles int) {
	for i := range b.entries {
		if t := b.entries[i].dev.Tick; t != nil {
			t(b.entries[i].dev.UserData, cycles)
		}
	}
}

// Len reports how many devices are registered, mostly for the CLI's stats
// subcommand.
func (b *Bus) Len() int { return len(b.entries) }
