package serial

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slaminger/retrodream/pkg/addrspace"
	"github.com/slaminger/retrodream/pkg/device"
)

func TestPortForwardsGetcharAndPutchar(t *testing.T) {
	var written []byte
	input := []byte("hi")
	pos := 0

	p := Create(nil,
		func(userdata interface{}) int {
			if pos >= len(input) {
				return -1
			}
			c := int(input[pos])
			pos++
			return c
		},
		func(userdata interface{}, c int) {
			written = append(written, byte(c))
		},
	)

	require.Equal(t, int('h'), p.Getchar())
	require.Equal(t, int('i'), p.Getchar())
	require.Equal(t, -1, p.Getchar())

	p.Putchar('x')
	p.Putchar('y')
	require.Equal(t, []byte("xy"), written)
}

func TestDeviceRegistersThroughBusAndRespondsOverMMIO(t *testing.T) {
	space, err := addrspace.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Close() })
	bus := device.NewBus(space)

	input := []byte{0x41, 0x42}
	pos := 0
	var written []byte
	p := Create(nil,
		func(userdata interface{}) int {
			if pos >= len(input) {
				return -1
			}
			c := int(input[pos])
			pos++
			return c
		},
		func(userdata interface{}, c int) { written = append(written, byte(c)) },
	)

	_, err = bus.Register(p.Device(), 0xA000_0000, 0xA000_1000)
	require.NoError(t, err)

	require.EqualValues(t, statusReady, space.Read32(0xA000_0000+regStatus))
	require.EqualValues(t, 0x41, space.Read8(0xA000_0000+regData))
	require.EqualValues(t, 0x42, space.Read8(0xA000_0000+regData))

	space.Write8(0xA000_0000+regData, 'Z')
	require.Equal(t, []byte{'Z'}, written)
}
