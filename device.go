package i2cbus

import (
	"context"
	"fmt"
	"time"
)

// Conn is the capability surface a device driver builds on: addressed
// transfers plus statistics and diagnostics accessors. *Device satisfies
// it; test doubles can too. Implementations that do not track statistics
// return the zero struct together with ErrUnsupported so callers can tell
// "not supported" from "supported and empty".
type Conn interface {
	Write(ctx context.Context, data []byte, timeout time.Duration) error
	Read(ctx context.Context, data []byte, timeout time.Duration) error
	WriteRead(ctx context.Context, tx, rx []byte, timeout time.Duration) error
	Addr() uint16
	Statistics() (Statistics, error)
	Diagnostics() (Diagnostics, error)
}

var _ Conn = (*Device)(nil)

// Device is one addressable endpoint on a Bus. Devices are created only
// through Bus.CreateDevice and become permanently unusable once removed
// or once the bus deinitializes. All fields are guarded by the owning
// bus's mutex; a Device never takes a lock of its own.
type Device struct {
	bus     *Bus
	id      DeviceID
	port    DevicePort
	cfg     DeviceConfig
	removed bool

	stats Statistics
	diag  Diagnostics
}

// ID returns the stable handle issued by CreateDevice.
func (d *Device) ID() DeviceID { return d.id }

// Addr returns the configured address.
func (d *Device) Addr() uint16 { return d.cfg.Addr }

// Config returns a copy of the device configuration.
func (d *Device) Config() DeviceConfig { return d.cfg }

// Write transmits data to the device, blocking up to timeout (0 means
// DefaultTimeout). Statistics and diagnostics update as part of the call.
func (d *Device) Write(ctx context.Context, data []byte, timeout time.Duration) error {
	if err := validateTransfer(data); err != nil {
		return err
	}
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	start := time.Now()
	err := d.port.Transmit(ctx, data, effectiveTimeout(timeout))
	d.recordLocked(err, len(data), 0, time.Since(start))
	if err != nil {
		return fmt.Errorf("write to %#02x failed: %w", d.cfg.Addr, err)
	}
	return nil
}

// Read receives len(data) bytes from the device.
func (d *Device) Read(ctx context.Context, data []byte, timeout time.Duration) error {
	if err := validateTransfer(data); err != nil {
		return err
	}
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	start := time.Now()
	err := d.port.Receive(ctx, data, effectiveTimeout(timeout))
	d.recordLocked(err, 0, len(data), time.Since(start))
	if err != nil {
		return fmt.Errorf("read from %#02x failed: %w", d.cfg.Addr, err)
	}
	return nil
}

// WriteRead transmits tx and receives into rx as a single bus transaction:
// no other transfer on this bus interleaves between the two phases. Used
// for register-style protocols that must not release arbitration between
// the address write and the value read.
func (d *Device) WriteRead(ctx context.Context, tx, rx []byte, timeout time.Duration) error {
	if err := validateTransfer(tx); err != nil {
		return err
	}
	if err := validateTransfer(rx); err != nil {
		return err
	}
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	if err := d.usableLocked(); err != nil {
		return err
	}
	start := time.Now()
	err := d.port.TransmitReceive(ctx, tx, rx, effectiveTimeout(timeout))
	d.recordLocked(err, len(tx), len(rx), time.Since(start))
	if err != nil {
		return fmt.Errorf("write-read on %#02x failed: %w", d.cfg.Addr, err)
	}
	return nil
}

// Probe delegates to the owning bus's probe for this device's address.
func (d *Device) Probe(ctx context.Context) bool {
	return d.bus.Probe(ctx, d.cfg.Addr)
}

// Statistics returns a copy of the counters.
func (d *Device) Statistics() (Statistics, error) {
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	return d.stats, nil
}

// Diagnostics returns a copy of the health record.
func (d *Device) Diagnostics() (Diagnostics, error) {
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	return d.diag, nil
}

// ResetStatistics zeroes the counters. The diagnostics' last error is
// deliberately preserved.
func (d *Device) ResetStatistics() {
	d.bus.mx.Lock()
	defer d.bus.mx.Unlock()
	d.stats = Statistics{}
}

// Convenience helpers below compose the core transfers and assume the
// common 8-bit register-address-then-data convention. They are shorthand,
// not part of the protocol surface; endpoints with wider register
// addressing need explicit Write/WriteRead calls.

func (d *Device) WriteByte(ctx context.Context, value byte, timeout time.Duration) error {
	return d.Write(ctx, []byte{value}, timeout)
}

func (d *Device) ReadByte(ctx context.Context, timeout time.Duration) (byte, error) {
	var buf [1]byte
	if err := d.Read(ctx, buf[:], timeout); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) WriteRegister(ctx context.Context, reg, value byte, timeout time.Duration) error {
	return d.Write(ctx, []byte{reg, value}, timeout)
}

func (d *Device) ReadRegister(ctx context.Context, reg byte, timeout time.Duration) (byte, error) {
	var buf [1]byte
	if err := d.WriteRead(ctx, []byte{reg}, buf[:], timeout); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (d *Device) ReadRegisters(ctx context.Context, reg byte, count int, timeout time.Duration) ([]byte, error) {
	if count <= 0 || count > MaxTransfer {
		return nil, fmt.Errorf("%w: register count %d", ErrInvalidParameter, count)
	}
	buf := make([]byte, count)
	if err := d.WriteRead(ctx, []byte{reg}, buf, timeout); err != nil {
		return nil, err
	}
	return buf, nil
}

// close releases the endpoint port. Caller holds the bus mutex.
func (d *Device) close(ctx context.Context) error {
	if d.removed {
		return nil
	}
	d.removed = true
	return d.port.Close(ctx)
}

func (d *Device) usableLocked() error {
	if d.removed || !d.bus.initialized {
		return ErrNotInitialized
	}
	return nil
}

// recordLocked folds one transaction outcome into statistics and
// diagnostics. Bytes and latency count only on success.
func (d *Device) recordLocked(err error, wrote, read int, elapsed time.Duration) {
	d.stats.Transactions++
	if err == nil {
		d.stats.Successful++
		d.stats.BytesWritten += uint64(wrote)
		d.stats.BytesRead += uint64(read)
		d.stats.TotalTime += elapsed
		if elapsed > d.stats.MaxTime {
			d.stats.MaxTime = elapsed
		}
		if elapsed < d.stats.MinTime || d.stats.MinTime == 0 {
			d.stats.MinTime = elapsed
		}
		d.diag.ConsecutiveErrors = 0
		d.diag.Healthy = true
		return
	}
	d.stats.Failed++
	code := CodeOf(err)
	if code == CodeTimeout {
		d.stats.Timeouts++
	}
	d.diag.LastError = code
	d.diag.LastErrorAt = time.Now()
	d.diag.ConsecutiveErrors++
	d.diag.Healthy = d.diag.ConsecutiveErrors < unhealthyAfter
	d.bus.lastError = code
}

func validateTransfer(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty transfer", ErrInvalidParameter)
	}
	if len(data) > MaxTransfer {
		return fmt.Errorf("%w: transfer of %d bytes exceeds %d", ErrInvalidParameter, len(data), MaxTransfer)
	}
	return nil
}
