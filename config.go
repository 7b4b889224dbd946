package i2cbus

import (
	"fmt"
	"time"
)

// Operational defaults and limits. Transfer size and address windows follow
// the usual controller constraints: 7-bit addresses below 0x08 and above
// 0x77 are reserved by the protocol.
const (
	DefaultClockSpeed = 100_000   // Hz, standard mode
	MinClockSpeed     = 100_000   // Hz
	MaxClockSpeed     = 1_000_000 // Hz, fast mode plus
	MaxTransfer       = 1024      // bytes per transaction

	DefaultTimeout      = time.Second
	DefaultProbeTimeout = 10 * time.Millisecond
	MaxProbeTimeout     = time.Second

	ScanStart uint16 = 0x08
	ScanEnd   uint16 = 0x77
)

// BusConfig describes the physical bus. Pin and filter fields matter to
// MCU-style transports; host-side transports (i2c-dev, USB bridges) select
// the bus by Name or Port and ignore the rest.
type BusConfig struct {
	// Name selects a host bus by registry name (e.g. "/dev/i2c-1").
	// Empty means the transport's default bus.
	Name string `yaml:"name"`
	Port int    `yaml:"port"`

	SDAPin int `yaml:"sda_pin"`
	SCLPin int `yaml:"scl_pin"`

	// ClockSource is an opaque transport hint ("default", "xtal", ...).
	ClockSource string `yaml:"clock_source"`

	GlitchFilterCount uint8 `yaml:"glitch_filter_count"`
	InternalPullup    bool  `yaml:"internal_pullup"`
	QueueDepth        int   `yaml:"queue_depth"`
	InterruptPriority int   `yaml:"interrupt_priority"`
}

// DeviceConfig describes one addressable endpoint.
type DeviceConfig struct {
	Addr uint16 `yaml:"addr"`

	// AddrBits is the address width, 7 or 10. Zero means 7.
	AddrBits uint8 `yaml:"addr_bits"`

	// ClockHz is the per-device clock speed. Zero means DefaultClockSpeed.
	ClockHz uint32 `yaml:"clock_hz"`

	// DisableAckCheck skips ACK verification on transmit for endpoints
	// that stretch acknowledgment beyond what the controller tolerates.
	DisableAckCheck bool `yaml:"disable_ack_check"`
}

// Validate checks the address window for the configured width and the
// clock speed range.
func (c DeviceConfig) Validate() error {
	switch c.AddrBits {
	case 0, 7:
		if c.Addr < 0x08 || c.Addr > 0x77 {
			return fmt.Errorf("%w: address %#02x outside 7-bit range [0x08, 0x77]", ErrInvalidParameter, c.Addr)
		}
	case 10:
		if c.Addr > 0x3FF {
			return fmt.Errorf("%w: address %#03x outside 10-bit range", ErrInvalidParameter, c.Addr)
		}
	default:
		return fmt.Errorf("%w: address width %d (want 7 or 10)", ErrInvalidParameter, c.AddrBits)
	}
	if c.ClockHz != 0 && (c.ClockHz < MinClockSpeed || c.ClockHz > MaxClockSpeed) {
		return fmt.Errorf("%w: clock speed %d Hz outside [%d, %d]", ErrInvalidParameter, c.ClockHz, MinClockSpeed, MaxClockSpeed)
	}
	return nil
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.AddrBits == 0 {
		c.AddrBits = 7
	}
	if c.ClockHz == 0 {
		c.ClockHz = DefaultClockSpeed
	}
	return c
}

func effectiveTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}
