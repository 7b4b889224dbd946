package i2cbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeviceID is an opaque, stable handle returned by CreateDevice. IDs are
// never reused and never shift when other devices are removed, so callers
// can cache them across arbitrary add/remove sequences.
type DeviceID uint32

// Bus owns one physical bus: the native port acquired from its Master, the
// table of created devices, and the single mutex that serializes every
// transaction on the shared wire pair.
type Bus struct {
	master Master
	cfg    BusConfig

	mx          sync.Mutex
	port        BusPort
	initialized bool
	nextID      DeviceID
	order       []DeviceID
	devices     map[DeviceID]*Device

	devicesAdded   uint32
	devicesRemoved uint32
	scansRun       uint32
	foundLastScan  int
	lastError      Code
}

// New creates a bus over the given transport. No hardware is touched until
// Initialize.
func New(master Master, cfg BusConfig) *Bus {
	return &Bus{
		master:  master,
		cfg:     cfg,
		nextID:  1,
		devices: make(map[DeviceID]*Device),
	}
}

// Initialize acquires the native bus port. Idempotent: a second call on an
// initialized bus returns nil without touching the transport. On failure
// the bus stays uninitialized.
func (b *Bus) Initialize(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.initialized {
		return nil
	}
	port, err := b.master.Open(ctx, b.cfg)
	if err != nil {
		b.lastError = CodeOf(err)
		return fmt.Errorf("could not acquire bus port: %w", err)
	}
	b.port = port
	b.initialized = true
	b.lastError = CodeSuccess
	slog.Debug("i2c bus initialized", "port", b.cfg.Port, "name", b.cfg.Name)
	return nil
}

// Deinitialize closes every device, clears the table and releases the bus
// port. Idempotent. Device teardown failures are logged and tolerated; a
// port release failure is returned but the bus is still marked
// uninitialized since the resource cannot be reused either way.
func (b *Bus) Deinitialize(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.initialized {
		return nil
	}
	for _, id := range b.order {
		dev := b.devices[id]
		if err := dev.close(ctx); err != nil {
			slog.Warn("device teardown failed", "addr", fmt.Sprintf("%#02x", dev.cfg.Addr), "error", err)
		}
		b.devicesRemoved++
	}
	b.order = nil
	b.devices = make(map[DeviceID]*Device)

	err := b.port.Close(ctx)
	b.port = nil
	b.initialized = false
	if err != nil {
		b.lastError = CodeOf(err)
		return fmt.Errorf("could not release bus port: %w", err)
	}
	b.lastError = CodeSuccess
	slog.Debug("i2c bus deinitialized", "port", b.cfg.Port)
	return nil
}

// Initialized reports whether the bus currently holds its native port.
func (b *Bus) Initialized() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.initialized
}

// CreateDevice validates the configuration, enforces address uniqueness,
// binds the endpoint on the transport and registers the device. On any
// failure the table is untouched.
func (b *Bus) CreateDevice(ctx context.Context, cfg DeviceConfig) (DeviceID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	cfg = cfg.withDefaults()

	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.initialized {
		return 0, ErrNotInitialized
	}
	if b.lookupAddrLocked(cfg.Addr) != nil {
		return 0, fmt.Errorf("%w: address %#02x", ErrDeviceExists, cfg.Addr)
	}
	port, err := b.port.AddDevice(ctx, cfg)
	if err != nil {
		b.lastError = CodeOf(err)
		return 0, fmt.Errorf("could not bind device %#02x: %w", cfg.Addr, err)
	}
	id := b.nextID
	b.nextID++
	dev := &Device{bus: b, id: id, port: port, cfg: cfg}
	dev.diag.Healthy = true
	b.devices[id] = dev
	b.order = append(b.order, id)
	b.devicesAdded++
	slog.Debug("i2c device created", "addr", fmt.Sprintf("%#02x", cfg.Addr), "id", id)
	return id, nil
}

// Device returns the device for a previously issued ID, or nil if the ID
// was never issued or the device has been removed.
func (b *Bus) Device(id DeviceID) *Device {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.devices[id]
}

// DeviceByAddress returns the device configured at addr, or nil.
func (b *Bus) DeviceByAddress(addr uint16) *Device {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.lookupAddrLocked(addr)
}

// Devices returns the live devices in creation order.
func (b *Bus) Devices() []*Device {
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]*Device, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.devices[id])
	}
	return out
}

// Addresses returns the configured addresses in creation order.
func (b *Bus) Addresses() []uint16 {
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]uint16, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.devices[id].cfg.Addr)
	}
	return out
}

// Len returns the number of live devices.
func (b *Bus) Len() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.order)
}

// RemoveDevice releases the device's endpoint and drops it from the table.
// The device refuses all further operations. Returns false for an unknown
// or already removed ID.
func (b *Bus) RemoveDevice(ctx context.Context, id DeviceID) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.removeLocked(ctx, id)
}

// RemoveDeviceByAddress removes the device configured at addr, if any.
func (b *Bus) RemoveDeviceByAddress(ctx context.Context, addr uint16) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	dev := b.lookupAddrLocked(addr)
	if dev == nil {
		return false
	}
	return b.removeLocked(ctx, dev.id)
}

func (b *Bus) removeLocked(ctx context.Context, id DeviceID) bool {
	dev, ok := b.devices[id]
	if !ok {
		return false
	}
	if err := dev.close(ctx); err != nil {
		slog.Warn("device teardown failed", "addr", fmt.Sprintf("%#02x", dev.cfg.Addr), "error", err)
	}
	delete(b.devices, id)
	for i, other := range b.order {
		if other == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.devicesRemoved++
	return true
}

// Probe tests whether an endpoint acknowledges at addr, using a short
// fixed timeout. A bus that has not been initialized never touches the
// transport and reports false.
func (b *Bus) Probe(ctx context.Context, addr uint16) bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.probeLocked(ctx, addr, DefaultProbeTimeout)
}

func (b *Bus) probeLocked(ctx context.Context, addr uint16, timeout time.Duration) bool {
	if !b.initialized {
		return false
	}
	if timeout <= 0 || timeout > MaxProbeTimeout {
		timeout = DefaultProbeTimeout
	}
	return b.port.Probe(ctx, addr, timeout) == nil
}

// Scan probes every address in the inclusive range and returns the subset
// that acknowledged. The bus lock is held for the whole sweep, so a scan
// is consistent against concurrent device creation at the price of
// blocking other callers; a full 7-bit sweep takes range x probe timeout.
func (b *Bus) Scan(ctx context.Context, start, end uint16) ([]uint16, error) {
	if start > end {
		return nil, fmt.Errorf("%w: scan range [%#02x, %#02x]", ErrInvalidParameter, start, end)
	}
	// 0x3FF is the top of the 10-bit address domain; it also keeps the
	// inclusive sweep below from wrapping at the uint16 ceiling.
	if end > 0x3FF {
		return nil, fmt.Errorf("%w: scan end %#02x outside address range", ErrInvalidParameter, end)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	var found []uint16
	for addr := start; addr <= end; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if b.probeLocked(ctx, addr, DefaultProbeTimeout) {
			found = append(found, addr)
		}
	}
	b.scansRun++
	b.foundLastScan = len(found)
	slog.Debug("i2c scan complete", "start", fmt.Sprintf("%#02x", start), "end", fmt.Sprintf("%#02x", end), "found", len(found))
	return found, nil
}

// Reset runs the transport's bus recovery sequence to release a stuck bus
// (an endpoint holding the data line low). The device table is untouched.
func (b *Bus) Reset(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.initialized {
		return ErrNotInitialized
	}
	if err := b.port.Recover(ctx); err != nil {
		b.lastError = CodeOf(err)
		return fmt.Errorf("bus recovery failed: %w", err)
	}
	b.lastError = CodeSuccess
	return nil
}

// Info returns a snapshot of bus state and counters.
func (b *Bus) Info() BusInfo {
	b.mx.Lock()
	defer b.mx.Unlock()
	return BusInfo{
		Initialized:    b.initialized,
		DeviceCount:    len(b.order),
		DevicesAdded:   b.devicesAdded,
		DevicesRemoved: b.devicesRemoved,
		ScansRun:       b.scansRun,
		FoundLastScan:  b.foundLastScan,
		LastError:      b.lastError,
	}
}

// Config returns the bus configuration.
func (b *Bus) Config() BusConfig {
	return b.cfg
}

func (b *Bus) lookupAddrLocked(addr uint16) *Device {
	for _, id := range b.order {
		if b.devices[id].cfg.Addr == addr {
			return b.devices[id]
		}
	}
	return nil
}
