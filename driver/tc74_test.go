package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cbus"
)

func TestTC74Temperature(t *testing.T) {
	sim := i2cbus.NewSim()
	endpoint := sim.AddEndpoint(TC74DefaultAddress)
	endpoint.SetRegister(0x01, 0x40)
	endpoint.SetRegister(0x00, 0xE7) // -25 C in 2's complement

	bus := i2cbus.New(sim, i2cbus.BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))
	id, err := bus.CreateDevice(ctx, i2cbus.DeviceConfig{Addr: TC74DefaultAddress})
	require.NoError(t, err)

	sensor := NewTC74(bus.Device(id))
	temp, err := sensor.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(-25), temp)

	// data not ready: the previous reading is served
	endpoint.SetRegister(0x01, 0x00)
	endpoint.SetRegister(0x00, 0x10)
	temp, err = sensor.Temperature(ctx)
	require.NoError(t, err)
	assert.Equal(t, float32(-25), temp)
}
