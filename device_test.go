package i2cbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, addr uint16) (*Sim, *Bus, *Device) {
	t.Helper()
	sim := NewSim()
	sim.AddEndpoint(addr)
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))
	id, err := bus.CreateDevice(ctx, DeviceConfig{Addr: addr})
	require.NoError(t, err)
	return sim, bus, bus.Device(id)
}

func TestDeviceWriteStatistics(t *testing.T) {
	sim, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	payload := []byte{0x00, 0x01, 0x02, 0x03}
	for i := 0; i < 3; i++ {
		require.NoError(t, dev.Write(ctx, payload, 0))
	}

	sim.Endpoint(0x48).FailNack(true)
	for i := 0; i < 2; i++ {
		require.ErrorIs(t, dev.Write(ctx, payload, 0), ErrNack)
	}

	stats, err := dev.Statistics()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats.Transactions)
	assert.Equal(t, uint64(3), stats.Successful)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(0), stats.Timeouts)
	assert.Equal(t, uint64(12), stats.BytesWritten, "failed attempts contribute no bytes")
	assert.Equal(t, uint64(0), stats.BytesRead)
	assert.GreaterOrEqual(t, stats.MaxTime, stats.MinTime)
}

func TestDeviceTimeoutCounted(t *testing.T) {
	sim, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	sim.Endpoint(0x48).FailTimeout(true)
	require.ErrorIs(t, dev.Write(ctx, []byte{0x00}, 50*time.Millisecond), ErrTimeout)

	stats, err := dev.Statistics()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Timeouts)

	diag, err := dev.Diagnostics()
	require.NoError(t, err)
	assert.Equal(t, CodeTimeout, diag.LastError)
}

func TestDeviceDiagnostics(t *testing.T) {
	sim, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	diag, err := dev.Diagnostics()
	require.NoError(t, err)
	assert.True(t, diag.Healthy)

	sim.Endpoint(0x48).FailNack(true)
	for i := 0; i < 3; i++ {
		require.Error(t, dev.Write(ctx, []byte{0x00}, 0))
	}
	diag, err = dev.Diagnostics()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), diag.ConsecutiveErrors)
	assert.Equal(t, CodeNack, diag.LastError)
	assert.False(t, diag.LastErrorAt.IsZero())
	assert.False(t, diag.Healthy)

	sim.Endpoint(0x48).FailNack(false)
	require.NoError(t, dev.Write(ctx, []byte{0x00}, 0))
	diag, err = dev.Diagnostics()
	require.NoError(t, err)
	assert.Zero(t, diag.ConsecutiveErrors)
	assert.True(t, diag.Healthy)
	assert.Equal(t, CodeNack, diag.LastError, "last error survives recovery")

	// counter reset keeps the diagnostics' error history
	dev.ResetStatistics()
	stats, err := dev.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.Transactions)
	diag, err = dev.Diagnostics()
	require.NoError(t, err)
	assert.Equal(t, CodeNack, diag.LastError)
}

func TestDeviceTransferValidation(t *testing.T) {
	_, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	assert.ErrorIs(t, dev.Write(ctx, nil, 0), ErrInvalidParameter)
	assert.ErrorIs(t, dev.Write(ctx, []byte{}, 0), ErrInvalidParameter)
	assert.ErrorIs(t, dev.Write(ctx, make([]byte, MaxTransfer+1), 0), ErrInvalidParameter)
	assert.ErrorIs(t, dev.Read(ctx, nil, 0), ErrInvalidParameter)
	assert.ErrorIs(t, dev.WriteRead(ctx, []byte{0x00}, nil, 0), ErrInvalidParameter)

	stats, err := dev.Statistics()
	require.NoError(t, err)
	assert.Zero(t, stats.Transactions, "rejected parameters never reach the wire")
}

func TestDeviceRegisterHelpers(t *testing.T) {
	sim, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	require.NoError(t, dev.WriteRegister(ctx, 0x10, 0xAB, 0))
	assert.Equal(t, byte(0xAB), sim.Endpoint(0x48).Register(0x10))

	value, err := dev.ReadRegister(ctx, 0x10, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), value)

	sim.Endpoint(0x48).SetRegister(0x11, 0xCD)
	regs, err := dev.ReadRegisters(ctx, 0x10, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xCD}, regs)

	_, err = dev.ReadRegisters(ctx, 0x10, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	require.NoError(t, dev.WriteByte(ctx, 0x20, 0))
	b, err := dev.ReadByte(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, sim.Endpoint(0x48).Register(0x20), b)
}

func TestDeviceWriteReadAtomicity(t *testing.T) {
	sim, bus, dev := newTestDevice(t, 0x48)
	sim.AddEndpoint(0x20)
	ctx := context.Background()

	otherID, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x20})
	require.NoError(t, err)
	other := bus.Device(otherID)

	sim.ClearCalls()
	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		rx := make([]byte, 2)
		for i := 0; i < rounds; i++ {
			assert.NoError(t, dev.WriteRead(ctx, []byte{0x00}, rx, 0))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, other.Write(ctx, []byte{0x00, 0x01}, 0))
		}
	}()
	wg.Wait()

	calls := sim.Calls()
	for i, call := range calls {
		if call.Txn == 0 || call.Op != "write" {
			continue
		}
		require.Less(t, i+1, len(calls), "write phase without its read phase")
		next := calls[i+1]
		assert.Equal(t, call.Txn, next.Txn, "transaction interleaved at call %d", i)
		assert.Equal(t, "read", next.Op)
	}
	assert.LessOrEqual(t, sim.MaxConcurrent(), int64(1), "bus mutex must serialize transfers")
}

func TestDeviceRemovedRefusesOperations(t *testing.T) {
	sim, bus, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	require.True(t, bus.RemoveDevice(ctx, dev.ID()))
	sim.ClearCalls()

	assert.ErrorIs(t, dev.Write(ctx, []byte{0x00}, 0), ErrNotInitialized)
	assert.ErrorIs(t, dev.Read(ctx, make([]byte, 1), 0), ErrNotInitialized)
	assert.ErrorIs(t, dev.WriteRead(ctx, []byte{0x00}, make([]byte, 1), 0), ErrNotInitialized)
	assert.Empty(t, sim.Calls())
}

func TestDeviceProbe(t *testing.T) {
	sim, _, dev := newTestDevice(t, 0x48)
	ctx := context.Background()

	assert.True(t, dev.Probe(ctx))
	sim.Endpoint(0x48).FailNack(true)
	assert.False(t, dev.Probe(ctx))
}

func TestDeviceAckCheckDisabled(t *testing.T) {
	sim := NewSim()
	bus := New(sim, BusConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Initialize(ctx))

	// no endpoint registered at the address: transmit succeeds only when
	// ACK verification is off
	id, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x48, DisableAckCheck: true})
	require.NoError(t, err)
	assert.NoError(t, bus.Device(id).Write(ctx, []byte{0x00}, 0))

	id2, err := bus.CreateDevice(ctx, DeviceConfig{Addr: 0x49})
	require.NoError(t, err)
	assert.ErrorIs(t, bus.Device(id2).Write(ctx, []byte{0x00}, 0), ErrNack)
}
