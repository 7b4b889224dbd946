package i2cbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMaster is a testify mock of the transport boundary, used where the
// simulator's behavior is too well-behaved (acquisition failures).
type MockMaster struct {
	mock.Mock
}

func (m *MockMaster) Open(ctx context.Context, cfg BusConfig) (BusPort, error) {
	args := m.Called(ctx, cfg)
	if port := args.Get(0); port != nil {
		return port.(BusPort), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestBusInitializeIdempotent(t *testing.T) {
	sim := NewSim()
	bus := New(sim, BusConfig{Port: 0})
	ctx := context.Background()

	require.NoError(t, bus.Initialize(ctx))
	require.NoError(t, bus.Initialize(ctx))

	assert.Equal(t, 1, sim.Opens(), "second Initialize must not reacquire the port")
	assert.True(t, bus.Initialized())
}

func TestBusInitializeFailure(t *testing.T) {
	master := new(MockMaster)
	master.On("Open", mock.Anything, mock.Anything).
		Return(nil, errors.New("port busy")).Once()

	bus := New(master, BusConfig{})
	ctx := context.Background()

	err := bus.Initialize(ctx)
	require.Error(t, err)
	assert.False(t, bus.Initialized())

	_, err = bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	assert.ErrorIs(t, err, ErrNotInitialized)
	master.AssertExpectations(t)
}

func TestBusCreateDeviceDuplicateAddress(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x48)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	id, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	assert.ErrorIs(t, err, ErrDeviceExists)
	assert.Equal(t, 1, bus.Len(), "failed create must not mutate the table")
	assert.Equal(t, 1, sim.DeviceAdds(), "duplicate address must not reach the transport")
}

func TestBusCreateDeviceValidation(t *testing.T) {
	sim := NewSim()
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	tests := []struct {
		name string
		cfg  DeviceConfig
	}{
		{name: "reserved 7-bit address", cfg: DeviceConfig{Addr: 0x03}},
		{name: "7-bit address above window", cfg: DeviceConfig{Addr: 0x78}},
		{name: "10-bit address overflow", cfg: DeviceConfig{Addr: 0x400, AddrBits: 10}},
		{name: "bad address width", cfg: DeviceConfig{Addr: 0x48, AddrBits: 8}},
		{name: "clock too slow", cfg: DeviceConfig{Addr: 0x48, ClockHz: 50_000}},
		{name: "clock too fast", cfg: DeviceConfig{Addr: 0x48, ClockHz: 2_000_000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bus.CreateDevice(ctx, tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
	assert.Zero(t, bus.Len())
}

func TestBusDeinitializeTearsDownDevices(t *testing.T) {
	sim := NewSim()
	for _, addr := range []uint16{0x20, 0x48, 0x70} {
		sim.AddEndpoint(addr)
	}
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	for _, addr := range []uint16{0x20, 0x48, 0x70} {
		_, err := bus.CreateDevice(ctx, DeviceConfig{Addr: addr})
		require.NoError(t, err)
	}
	require.Equal(t, 3, bus.Len())

	require.NoError(t, bus.Deinitialize(ctx))
	assert.Zero(t, bus.Len())
	assert.Equal(t, 3, sim.DeviceCloses(), "every device port released exactly once")
	assert.Equal(t, 1, sim.Closes())
	assert.False(t, bus.Initialized())

	// second call is a no-op
	require.NoError(t, bus.Deinitialize(ctx))
	assert.Equal(t, 1, sim.Closes())
}

func TestBusDeviceIDStability(t *testing.T) {
	sim := NewSim()
	for _, addr := range []uint16{0x20, 0x48, 0x70} {
		sim.AddEndpoint(addr)
	}
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	first, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x20})
	require.NoError(t, err)
	second, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	require.NoError(t, err)
	third, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x70})
	require.NoError(t, err)

	require.True(t, bus.RemoveDevice(ctx, second))

	// remaining handles survive the removal untouched
	require.NotNil(t, bus.Device(first))
	require.NotNil(t, bus.Device(third))
	assert.Equal(t, uint16(0x20), bus.Device(first).Addr())
	assert.Equal(t, uint16(0x70), bus.Device(third).Addr())
	assert.Nil(t, bus.Device(second))
	assert.Nil(t, bus.DeviceByAddress(0x48))

	assert.False(t, bus.RemoveDevice(ctx, second), "double remove reports false")
	assert.Equal(t, []uint16{0x20, 0x70}, bus.Addresses())
}

func TestBusRemoveDeviceByAddress(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x48)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	_, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	require.NoError(t, err)

	assert.False(t, bus.RemoveDeviceByAddress(ctx, 0x10))
	assert.True(t, bus.RemoveDeviceByAddress(ctx, 0x48))
	assert.Zero(t, bus.Len())
}

func TestBusScanRange(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x09)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	found, err := bus.Scan(ctx, 0x08, 0x0A)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x09}, found)

	info := bus.Info()
	assert.Equal(t, uint32(1), info.ScansRun)
	assert.Equal(t, 1, info.FoundLastScan)
}

func TestBusScanInvalidRange(t *testing.T) {
	sim := NewSim()
	bus := New(sim, BusConfig{})
	require.NoError(t, bus.Initialize(context.Background()))

	_, err := bus.Scan(context.Background(), 0x20, 0x10)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = bus.Scan(context.Background(), 0xFFF0, 0xFFFF)
	assert.ErrorIs(t, err, ErrInvalidParameter, "end beyond the address domain must be rejected")
}

func TestBusScanEndOfAddressDomain(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x3FF)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	// sweeping up to the last valid address must terminate, not wrap
	done := make(chan struct{})
	var found []uint16
	var err error
	go func() {
		defer close(done)
		found, err = bus.Scan(ctx, 0x3F0, 0x3FF)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Scan(0x3F0, 0x3FF) did not return")
	}
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x3FF}, found)
}

func TestBusProbe(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x48)
	bus := New(sim, BusConfig{})
	ctx := context.Background()

	// uninitialized bus never touches the transport
	assert.False(t, bus.Probe(ctx, 0x48))
	assert.Empty(t, sim.Calls())

	require.NoError(t, bus.Initialize(ctx))
	assert.True(t, bus.Probe(ctx, 0x48))
	assert.False(t, bus.Probe(ctx, 0x10))
}

func TestBusReset(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x48)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	id, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	require.NoError(t, err)
	dev := bus.Device(id)

	sim.SetStuck(true)
	err = dev.Write(ctx, []byte{0x00}, 0)
	require.ErrorIs(t, err, ErrBusError)

	require.NoError(t, bus.Reset(ctx))
	assert.Equal(t, 1, sim.Recovers())
	assert.Equal(t, 1, bus.Len(), "recovery must not touch the device table")
	assert.NoError(t, dev.Write(ctx, []byte{0x00}, 0))
}

func TestBusOperationsUninitialized(t *testing.T) {
	sim := NewSim()
	bus := New(sim, BusConfig{})
	ctx := context.Background()

	_, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = bus.Scan(ctx, ScanStart, ScanEnd)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, bus.Reset(ctx), ErrNotInitialized)
	assert.Empty(t, sim.Calls(), "no native calls before Initialize")
}

func TestBusDeviceUnusableAfterDeinitialize(t *testing.T) {
	sim := NewSim()
	sim.AddEndpoint(0x48)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	id, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48})
	require.NoError(t, err)
	dev := bus.Device(id)
	require.NoError(t, bus.Deinitialize(ctx))

	sim.ClearCalls()
	assert.ErrorIs(t, dev.Write(ctx, []byte{0x01}, 0), ErrNotInitialized)
	assert.ErrorIs(t, dev.Read(ctx, make([]byte, 1), 0), ErrNotInitialized)
	assert.Empty(t, sim.Calls())
}
