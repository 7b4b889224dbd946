package i2cbus

import (
	"context"
	"time"
)

// Master is the boundary between the bus manager and a concrete transport
// (Linux i2c-dev, USB bridge, simulator). Implementations live in the
// adapter package; the Bus never exposes the ports it acquires here.
type Master interface {
	// Open acquires the native bus resource. Called once per Initialize;
	// the returned port stays valid until its Close.
	Open(ctx context.Context, cfg BusConfig) (BusPort, error)
}

// BusPort is an acquired native bus handle.
type BusPort interface {
	// AddDevice binds an addressed endpoint and returns its port. The
	// manager guarantees at most one live port per address.
	AddDevice(ctx context.Context, cfg DeviceConfig) (DevicePort, error)

	// Probe issues a minimal transaction to the address and reports via the
	// error whether the endpoint acknowledged. A nil return means ACK;
	// ErrNack means silence; other errors mean the probe itself failed.
	Probe(ctx context.Context, addr uint16, timeout time.Duration) error

	// Recover runs the transport's bus recovery sequence (clock pulsing or
	// an equivalent bridge command) to release a stuck bus.
	Recover(ctx context.Context) error

	Close(ctx context.Context) error
}

// DevicePort is an acquired endpoint handle bound to one address.
//
// All three transfer methods block up to the given timeout. The manager
// serializes calls through the bus mutex; implementations need no locking
// of their own beyond protecting transport-internal buffers.
type DevicePort interface {
	Transmit(ctx context.Context, data []byte, timeout time.Duration) error
	Receive(ctx context.Context, data []byte, timeout time.Duration) error

	// TransmitReceive performs the write phase and the read phase as one
	// bus transaction (repeated start, no stop in between) where the
	// transport supports it. Transports that cannot guarantee a repeated
	// start document the weaker back-to-back behavior.
	TransmitReceive(ctx context.Context, tx, rx []byte, timeout time.Duration) error

	Close(ctx context.Context) error
}
