package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/i2cbus"
)

// Gobot bridges a gobot platform adaptor (nanopi, raspi, ...) into a
// bus master. The adaptor owns the kernel handles; Connect and
// Finalize, when set, are invoked around the port lifecycle.
type Gobot struct {
	Connector i2c.Connector
	Connect   func() error
	Finalize  func() error
}

func NewGobot(connector i2c.Connector) *Gobot {
	return &Gobot{Connector: connector}
}

func (g *Gobot) Open(_ context.Context, cfg i2cbus.BusConfig) (i2cbus.BusPort, error) {
	if g.Connector == nil {
		return nil, fmt.Errorf("no connector configured: %w", i2cbus.ErrInvalidParameter)
	}
	if g.Connect != nil {
		if err := g.Connect(); err != nil {
			return nil, fmt.Errorf("adaptor connect error: %w", err)
		}
	}
	busNum := cfg.Port
	if busNum == 0 {
		busNum = g.Connector.DefaultI2cBus()
	}
	return &gobotPort{connector: g.Connector, busNum: busNum, finalize: g.Finalize}, nil
}

type gobotPort struct {
	mx        sync.Mutex
	connector i2c.Connector
	busNum    int
	finalize  func() error
	closed    bool
}

func (p *gobotPort) AddDevice(_ context.Context, cfg i2cbus.DeviceConfig) (i2cbus.DevicePort, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil, i2cbus.ErrNotInitialized
	}
	if cfg.AddrBits == 10 {
		return nil, fmt.Errorf("10-bit addressing: %w", i2cbus.ErrUnsupported)
	}
	conn, err := p.connector.GetI2cConnection(int(cfg.Addr), p.busNum)
	if err != nil {
		return nil, fmt.Errorf("could not get i2c connection to %#02x: %w", cfg.Addr, err)
	}
	return &gobotDevice{port: p, conn: conn, addr: cfg.Addr}, nil
}

// Probe opens a transient connection and reads a single byte. The
// adaptor surfaces a missing ACK as a read error.
func (p *gobotPort) Probe(_ context.Context, addr uint16, _ time.Duration) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return i2cbus.ErrNotInitialized
	}
	conn, err := p.connector.GetI2cConnection(int(addr), p.busNum)
	if err != nil {
		return fmt.Errorf("could not get i2c connection to %#02x: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err = conn.ReadByte(); err != nil {
		return fmt.Errorf("%v: %w", err, i2cbus.ErrNack)
	}
	return nil
}

func (p *gobotPort) Recover(context.Context) error {
	return fmt.Errorf("bus recovery through gobot adaptors: %w", i2cbus.ErrUnsupported)
}

func (p *gobotPort) Close(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.finalize != nil {
		return p.finalize()
	}
	return nil
}

type gobotDevice struct {
	port *gobotPort
	conn i2c.Connection
	addr uint16
}

func (d *gobotDevice) Transmit(_ context.Context, data []byte, _ time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	if d.port.closed {
		return i2cbus.ErrNotInitialized
	}
	n, err := d.conn.Write(data)
	if err != nil {
		return fmt.Errorf("write to %#02x failed: %v: %w", d.addr, err, i2cbus.ErrNack)
	}
	if n != len(data) {
		return fmt.Errorf("short write to %#02x: %d of %d: %w", d.addr, n, len(data), i2cbus.ErrBusError)
	}
	return nil
}

func (d *gobotDevice) Receive(_ context.Context, data []byte, _ time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	if d.port.closed {
		return i2cbus.ErrNotInitialized
	}
	n, err := d.conn.Read(data)
	if err != nil {
		return fmt.Errorf("read from %#02x failed: %v: %w", d.addr, err, i2cbus.ErrNack)
	}
	if n != len(data) {
		return fmt.Errorf("short read from %#02x: %d of %d: %w", d.addr, n, len(data), i2cbus.ErrBusError)
	}
	return nil
}

// TransmitReceive issues the write and the read as two transactions.
// The adaptor API has no repeated-start primitive; callers hold the bus
// lock across both phases so no other transfer through this port
// interleaves.
func (d *gobotDevice) TransmitReceive(ctx context.Context, tx, rx []byte, timeout time.Duration) error {
	if err := d.Transmit(ctx, tx, timeout); err != nil {
		return err
	}
	return d.Receive(ctx, rx, timeout)
}

func (d *gobotDevice) Close(context.Context) error {
	return d.conn.Close()
}
