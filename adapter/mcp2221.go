package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/i2cbus"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

const (
	cmdStatus          byte = 0x10
	cmdI2CReadGetData  byte = 0x40
	cmdI2CWrite        byte = 0x90
	cmdI2CRead         byte = 0x91
	cmdI2CReadRepStart byte = 0x93
	cmdI2CWriteNoStop  byte = 0x94
)

// Internal I2C engine state machine values reported in byte 8 of the
// status response.
const (
	i2cStateIdle            byte = 0x00
	i2cStateStartTimeout    byte = 0x12
	i2cStateRepStartTimeout byte = 0x17
	i2cStateAddrTimeout     byte = 0x23
	i2cStateAddrNACK        byte = 0x25
	i2cStateWriteTimeout    byte = 0x44
	i2cStateWritingNoStop   byte = 0x45
	i2cStateReadTimeout     byte = 0x52
	i2cStateStopTimeout     byte = 0x62
)

func i2cStateTimeout(state byte) bool {
	switch state {
	case i2cStateStartTimeout, i2cStateRepStartTimeout, i2cStateAddrTimeout,
		i2cStateWriteTimeout, i2cStateReadTimeout, i2cStateStopTimeout:
		return true
	}
	return false
}

// MCP2221 drives a Microchip MCP2221(A) USB-to-I2C bridge over USB HID.
// The bridge frames every exchange as a 64-byte command and a 64-byte
// response report.
type MCP2221 struct {
	// ResponseWait is the pause between writing a command report and
	// reading its response. The bridge needs a few milliseconds to run
	// the I2C transaction before the response is meaningful.
	ResponseWait time.Duration
}

func NewMCP2221() *MCP2221 {
	return &MCP2221{ResponseWait: 50 * time.Millisecond}
}

// Open enumerates attached bridges and claims the one selected by
// cfg.Port (index into the enumeration order). Pin, clock source and
// queue settings from cfg do not apply to this hardware and are
// ignored.
func (m *MCP2221) Open(_ context.Context, cfg i2cbus.BusConfig) (i2cbus.BusPort, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, fmt.Errorf("MCP2221 device not found: %w", i2cbus.ErrNotInitialized)
	}
	if cfg.Port >= len(devs) {
		return nil, fmt.Errorf("no MCP2221 device with index %d (%d attached): %w",
			cfg.Port, len(devs), i2cbus.ErrInvalidParameter)
	}
	dev, err := devs[cfg.Port].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	p := &MCP2221Port{
		dev:          dev,
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: m.ResponseWait,
	}
	// cancel whatever transfer a previous owner left behind
	if _, err = p.releaseBus(); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return p, nil
}

// MCP2221Port is a claimed bridge. All transfers share the two 64-byte
// report buffers, serialized by the port mutex.
type MCP2221Port struct {
	mx           sync.Mutex
	dev          *hid.Device
	request      []byte
	response     []byte
	responseWait time.Duration
	closed       bool
}

// MCP2221Status is the decoded status/set-parameters response.
type MCP2221Status struct {
	I2CState               byte   `yaml:"i2c_state"`
	I2CDataBufferCounter   int    `yaml:"data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"speed_divider"`
	I2CTimeout             int    `yaml:"timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent"`
	ReadPending            int    `yaml:"read_pending"`
}

func (p *MCP2221Port) AddDevice(_ context.Context, cfg i2cbus.DeviceConfig) (i2cbus.DevicePort, error) {
	if cfg.AddrBits == 10 {
		return nil, fmt.Errorf("10-bit addressing: %w", i2cbus.ErrUnsupported)
	}
	return &mcpDevice{port: p, addr: byte(cfg.Addr), cfg: cfg}, nil
}

// Probe issues a zero-length write and inspects the engine state for an
// address ACK.
func (p *MCP2221Port) Probe(ctx context.Context, addr uint16, timeout time.Duration) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.transmit(ctx, cmdI2CWrite, byte(addr), nil, timeout)
}

// Recover cancels the current transfer and releases the bus, which
// clears a stuck I2C engine.
func (p *MCP2221Port) Recover(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	_, err := p.releaseBus()
	return err
}

func (p *MCP2221Port) Close(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.dev.Close()
}

// Status reads the bridge status report. Exposed for diagnostic
// tooling; not part of the port contract.
func (p *MCP2221Port) Status(context.Context) (*MCP2221Status, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.status()
}

func (p *MCP2221Port) status() (*MCP2221Status, error) {
	p.resetBuffers()
	p.request[0] = cmdStatus
	err := p.send()
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(p.response), nil
}

func (p *MCP2221Port) releaseBus() (*MCP2221Status, error) {
	p.resetBuffers()
	p.request[0] = cmdStatus
	p.request[2] = 0x10
	err := p.send()
	if err != nil {
		return nil, fmt.Errorf("bus release failed: %w", err)
	}
	return bufferToStatus(p.response), nil
}

// transmit runs a write-style command (0x90 or 0x94) and polls the
// engine until it settles or deadline expires.
func (p *MCP2221Port) transmit(ctx context.Context, cmd, addr byte, data []byte, timeout time.Duration) error {
	if p.closed {
		return i2cbus.ErrNotInitialized
	}
	p.resetBuffers()
	p.request[0] = cmd
	binary.LittleEndian.PutUint16(p.request[1:3], uint16(len(data)))
	p.request[3] = addr << 1
	copy(p.request[4:], data)
	err := p.send()
	if err != nil {
		return fmt.Errorf("write to %#02x failed: %w", addr, err)
	}
	if p.response[1] == 0x01 {
		return i2cbus.ErrBusBusy
	}
	return p.waitSettled(ctx, cmd, timeout)
}

// receive runs a read-style command (0x91 or 0x93) and collects the
// received bytes with a get-data command.
func (p *MCP2221Port) receive(ctx context.Context, cmd, addr byte, data []byte, timeout time.Duration) error {
	if p.closed {
		return i2cbus.ErrNotInitialized
	}
	p.resetBuffers()
	p.request[0] = cmd
	binary.LittleEndian.PutUint16(p.request[1:3], uint16(len(data)))
	p.request[3] = addr<<1 + 1
	err := p.send()
	if err != nil {
		return fmt.Errorf("bus read from %#02x failed: %w", addr, err)
	}
	if p.response[1] == 0x01 {
		return i2cbus.ErrBusBusy
	}
	deadline := time.Now().Add(timeout)
	for {
		p.resetBuffers()
		p.request[0] = cmdI2CReadGetData
		err = p.send()
		if err != nil {
			return fmt.Errorf("error getting read data from adapter: %w", err)
		}
		if p.response[2] == i2cStateAddrNACK {
			return fmt.Errorf("no ack from %#02x: %w", addr, i2cbus.ErrNack)
		}
		if p.response[1] != 0x41 && p.response[3] != 127 {
			break
		}
		// engine still clocking the slave in
		if err = waitRetry(ctx, deadline, p.responseWait); err != nil {
			return err
		}
	}
	if int(p.response[3]) != len(data) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d: %w",
			len(data), p.response[3], i2cbus.ErrBusError)
	}
	copy(data, p.response[4:])
	return nil
}

// waitSettled polls the status report until the engine returns to idle.
func (p *MCP2221Port) waitSettled(ctx context.Context, cmd byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := p.status()
		if err != nil {
			return err
		}
		switch {
		case status.I2CState == i2cStateIdle:
			return nil
		case cmd == cmdI2CWriteNoStop && status.I2CState == i2cStateWritingNoStop:
			// no-stop write parks the engine here on purpose
			return nil
		case status.I2CState == i2cStateAddrNACK:
			_, _ = p.releaseBus()
			return i2cbus.ErrNack
		case i2cStateTimeout(status.I2CState):
			_, _ = p.releaseBus()
			return i2cbus.ErrTimeout
		}
		if err = waitRetry(ctx, deadline, p.responseWait); err != nil {
			_, _ = p.releaseBus()
			return err
		}
	}
}

func waitRetry(ctx context.Context, deadline time.Time, wait time.Duration) error {
	if time.Now().After(deadline) {
		return i2cbus.ErrTimeout
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// send writes the request report and reads the response report.
func (p *MCP2221Port) send() error {
	slog.Debug("sending message to adapter", "request", hex.EncodeToString(p.request))
	n, err := p.dev.Write(p.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	time.Sleep(p.responseWait)
	n, err = p.dev.Read(p.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	slog.Debug("read message from adapter", "response", hex.EncodeToString(p.response))
	return nil
}

func (p *MCP2221Port) resetBuffers() {
	resetBuffer(p.request)
	resetBuffer(p.response)
}

func resetBuffer(buf []byte) {
	for i := range buf {
		buf[i] = 0x00
	}
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		8:  Internal I2C state machine value
		9:  Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11: Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12: Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13: Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16: Lower byte (16-bit value) of the I2C address being used
		17: Higher byte (16-bit value) of the I2C address being used
		25: Pending read count
	*/
	status := &MCP2221Status{
		I2CState:             buffer[8],
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

type mcpDevice struct {
	port *MCP2221Port
	addr byte
	cfg  i2cbus.DeviceConfig
}

func (d *mcpDevice) Transmit(ctx context.Context, data []byte, timeout time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	return d.port.transmit(ctx, cmdI2CWrite, d.addr, data, timeout)
}

func (d *mcpDevice) Receive(ctx context.Context, data []byte, timeout time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	return d.port.receive(ctx, cmdI2CRead, d.addr, data, timeout)
}

// TransmitReceive writes without a stop condition and reads back with a
// repeated start, so the register pointer set by the write phase cannot
// be disturbed by another master.
func (d *mcpDevice) TransmitReceive(ctx context.Context, tx, rx []byte, timeout time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	err := d.port.transmit(ctx, cmdI2CWriteNoStop, d.addr, tx, timeout)
	if err != nil {
		return err
	}
	return d.port.receive(ctx, cmdI2CReadRepStart, d.addr, rx, timeout)
}

func (d *mcpDevice) Close(context.Context) error { return nil }
