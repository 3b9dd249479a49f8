package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slaminger/retrodream/pkg/addrspace"
)

func newTestSpace(t *testing.T) *addrspace.AddressSpace {
	t.Helper()
	a, err := addrspace.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestRegisterWiresReadWriteThroughAddressSpace(t *testing.T) {
	space := newTestSpace(t)
	bus := NewBus(space)

	var lastWrite uint32
	dev := Device{
		Name:     "counter",
		UserData: "user-state",
		Read: func(userdata interface{}, addr uint32, width int) uint32 {
			require.Equal(t, "user-state", userdata)
			return 0x42
		},
		Write: func(userdata interface{}, addr uint32, width int, value uint32) {
			require.Equal(t, "user-state", userdata)
			lastWrite = value
		},
	}

	h, err := bus.Register(dev, 0xA000_0000, 0xA000_1000)
	require.NoError(t, err)
	require.Equal(t, Handle(0), h)

	require.EqualValues(t, 0x42, space.Read32(0xA000_0000))
	space.Write32(0xA000_0004, 0xCAFE)
	require.EqualValues(t, 0xCAFE, lastWrite)
}

func TestRegisterRequiresNameAndCallbacks(t *testing.T) {
	bus := NewBus(newTestSpace(t))

	_, err := bus.Register(Device{Read: noopRead, Write: noopWrite}, 0, 0x1000)
	require.Error(t, err)

	_, err = bus.Register(Device{Name: "x"}, 0, 0x1000)
	require.Error(t, err)
}

func TestRegisterRunsInitAndRejectsInitFailure(t *testing.T) {
	bus := NewBus(newTestSpace(t))

	initCalled := false
	dev := Device{
		Name: "init-ok",
		Init: func(userdata interface{}) error {
			initCalled = true
			return nil
		},
		Read:  noopRead,
		Write: noopWrite,
	}
	_, err := bus.Register(dev, 0, 0x1000)
	require.NoError(t, err)
	require.True(t, initCalled)

	failing := Device{
		Name:  "init-fails",
		Init:  func(userdata interface{}) error { return errors.New("boom") },
		Read:  noopRead,
		Write: noopWrite,
	}
	_, err = bus.Register(failing, 0x2000, 0x3000)
	require.Error(t, err)
	_, ok := bus.Lookup("init-fails")
	require.False(t, ok, "a device whose Init fails must not be registered")
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	bus := NewBus(newTestSpace(t))
	dev := Device{Name: "dup", Read: noopRead, Write: noopWrite}
	_, err := bus.Register(dev, 0, 0x1000)
	require.NoError(t, err)
	_, err = bus.Register(dev, 0x2000, 0x3000)
	require.Error(t, err)
}

func TestTickInvokesEveryDeviceInRegistrationOrder(t *testing.T) {
	bus := NewBus(newTestSpace(t))
	var order []string

	mk := func(name string) Device {
		return Device{
			Name:  name,
			Read:  noopRead,
			Write: noopWrite,
			Tick: func(userdata interface{}, cycles int) {
				require.Equal(t, 7, cycles)
				order = append(order, name)
			},
		}
	}
	_, err := bus.Register(mk("a"), 0, 0x1000)
	require.NoError(t, err)
	_, err = bus.Register(mk("b"), 0x1000, 0x2000)
	require.NoError(t, err)
	// A device with no Tick hook must be skipped, not panic.
	_, err = bus.Register(Device{Name: "silent", Read: noopRead, Write: noopWrite}, 0x2000, 0x3000)
	require.NoError(t, err)

	bus.Tick(7)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestDeviceAndLookupResolveHandles(t *testing.T) {
	bus := NewBus(newTestSpace(t))
	dev := Device{Name: "x", Read: noopRead, Write: noopWrite}
	h, err := bus.Register(dev, 0, 0x1000)
	require.NoError(t, err)

	require.Equal(t, "x", bus.Device(h).Name)
	found, ok := bus.Lookup("x")
	require.True(t, ok)
	require.Equal(t, h, found)

	require.Nil(t, bus.Device(Handle(99)))
	require.Equal(t, 1, bus.Len())
}

func noopRead(userdata interface{}, addr uint32, width int) uint32 { return 0 }
func noopWrite(userdata interface{}, addr uint32, width int, value uint32) {}
