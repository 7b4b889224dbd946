package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/i2cbus"
)

// Periph opens kernel-backed I2C buses through periph.io host drivers.
// The bus is selected by name ("/dev/i2c-1", "1"); an empty name opens
// the first available bus.
type Periph struct{}

func NewPeriph() *Periph { return &Periph{} }

func (p *Periph) Open(_ context.Context, cfg i2cbus.BusConfig) (i2cbus.BusPort, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	bus, err := i2creg.Open(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus %q: %w", cfg.Name, err)
	}
	return &periphPort{name: cfg.Name, bus: bus}, nil
}

type periphPort struct {
	mx     sync.Mutex
	name   string
	bus    i2c.BusCloser
	closed bool
}

func (p *periphPort) AddDevice(_ context.Context, cfg i2cbus.DeviceConfig) (i2cbus.DevicePort, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil, i2cbus.ErrNotInitialized
	}
	if cfg.AddrBits == 10 {
		return nil, fmt.Errorf("10-bit addressing: %w", i2cbus.ErrUnsupported)
	}
	// SetSpeed applies to the whole bus; the last added device wins.
	if cfg.ClockHz != 0 {
		if err := p.bus.SetSpeed(physic.Frequency(cfg.ClockHz) * physic.Hertz); err != nil {
			return nil, fmt.Errorf("could not set bus speed: %w", err)
		}
	}
	return &periphDevice{port: p, dev: i2c.Dev{Bus: p.bus, Addr: cfg.Addr}}, nil
}

func (p *periphPort) Probe(_ context.Context, addr uint16, _ time.Duration) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return i2cbus.ErrNotInitialized
	}
	err := p.bus.Tx(addr, []byte{}, nil)
	if err != nil {
		return translatePeriph(err)
	}
	return nil
}

// Recover reopens the kernel bus handle. The i2c-dev driver clears its
// transfer state on open, which is the closest userspace equivalent of
// a bus reset.
func (p *periphPort) Recover(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return i2cbus.ErrNotInitialized
	}
	if err := p.bus.Close(); err != nil {
		return fmt.Errorf("could not close i2c bus: %w", err)
	}
	bus, err := i2creg.Open(p.name)
	if err != nil {
		p.closed = true
		return fmt.Errorf("could not reopen i2c bus %q: %w", p.name, err)
	}
	p.bus = bus
	return nil
}

func (p *periphPort) Close(context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.bus.Close()
}

type periphDevice struct {
	port *periphPort
	dev  i2c.Dev
}

func (d *periphDevice) Transmit(_ context.Context, data []byte, _ time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	if d.port.closed {
		return i2cbus.ErrNotInitialized
	}
	if err := d.dev.Tx(data, nil); err != nil {
		return translatePeriph(err)
	}
	return nil
}

func (d *periphDevice) Receive(_ context.Context, data []byte, _ time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	if d.port.closed {
		return i2cbus.ErrNotInitialized
	}
	if err := d.dev.Tx(nil, data); err != nil {
		return translatePeriph(err)
	}
	return nil
}

func (d *periphDevice) TransmitReceive(_ context.Context, tx, rx []byte, _ time.Duration) error {
	d.port.mx.Lock()
	defer d.port.mx.Unlock()
	if d.port.closed {
		return i2cbus.ErrNotInitialized
	}
	if err := d.dev.Tx(tx, rx); err != nil {
		return translatePeriph(err)
	}
	return nil
}

func (d *periphDevice) Close(context.Context) error { return nil }

// translatePeriph maps kernel errnos surfaced by the i2c-dev driver
// onto the bus error set.
func translatePeriph(err error) error {
	switch {
	case errors.Is(err, syscall.ENXIO) || errors.Is(err, syscall.EIO):
		return fmt.Errorf("%v: %w", err, i2cbus.ErrNack)
	case errors.Is(err, syscall.ETIMEDOUT):
		return fmt.Errorf("%v: %w", err, i2cbus.ErrTimeout)
	case errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN):
		return fmt.Errorf("%v: %w", err, i2cbus.ErrBusBusy)
	default:
		return fmt.Errorf("%v: %w", err, i2cbus.ErrBusError)
	}
}
