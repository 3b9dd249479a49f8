// Package serial is the illustrative device from the external-interfaces
// section: a port that forwards single characters to user-supplied
// getchar/putchar hooks, exposed to the JIT core through the same
// capability record every other MMIO device uses.
//
// Register layout (offsets within the device's MMIO window), a reduced
// model since the original source leaves this unspecified at the level
// this package operates:
//
//	+0  data    read pops one character via Getchar; write pushes one via Putchar
//	+4  status  read always reports ready (bit 0 set); writes are ignored
package serial

import "github.com/slaminger/retrodream/pkg/device"

const (
	regData   = 0x0
	regStatus = 0x4

	statusReady = 1 << 0
)

// GetCharFunc and PutCharFunc are the two user-supplied hooks a host
// embedding the core must provide: how to read and write one byte of
// terminal data.
type GetCharFunc func(userdata interface{}) int
type PutCharFunc func(userdata interface{}, c int)

// Port is one serial device instance. Multiple ports may exist; each gets
// its own userdata and hook pair.
type Port struct {
	userdata interface{}
	getchar  GetCharFunc
	putchar  PutCharFunc
}

// Create builds a Port. Destroy has no required cleanup today — it exists
// so callers have a symmetric create/destroy pair to hold, matching the
// device lifecycle the rest of the core follows.
func Create(userdata interface{}, getchar GetCharFunc, putchar PutCharFunc) *Port {
	return &Port{userdata: userdata, getchar: getchar, putchar: putchar}
}

// Destroy releases Port. A no-op today: Port owns no host resources beyond
// the caller-supplied hooks.
func (p *Port) Destroy() {}

// Getchar forwards to the user-supplied hook.
func (p *Port) Getchar() int { return p.getchar(p.userdata) }

// Putchar forwards to the user-supplied hook.
func (p *Port) Putchar(c int) { p.putchar(p.userdata, c) }

// Device returns the capability record a Bus registers this port under.
// UserData is the Port itself, so Read/Write can recover it without a
// package-level registry.
func (p *Port) Device() device.Device {
	return device.Device{
		Name:     "serial",
		UserData: p,
		Read:     readRegister,
		Write:    writeRegister,
	}
}

func readRegister(userdata interface{}, addr uint32, width int) uint32 {
	port := userdata.(*Port)
	switch addr & 0xf {
	case regData:
		return uint32(port.Getchar()) & 0xff
	case regStatus:
		return statusReady
	default:
		return 0
	}
}

func writeRegister(userdata interface{}, addr uint32, width int, value uint32) {
	port := userdata.(*Port)
	if addr&0xf == regData {
		port.Putchar(int(byte(value)))
	}
}
