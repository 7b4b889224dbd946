package i2cbus

import "time"

// Statistics accumulates per-device transfer counters. Byte counts only
// include successful transactions; a failed transfer contributes to the
// failure counters and nothing else.
type Statistics struct {
	Transactions uint64 `yaml:"transactions"`
	Successful   uint64 `yaml:"successful"`
	Failed       uint64 `yaml:"failed"`
	Timeouts     uint64 `yaml:"timeouts"`

	BytesWritten uint64 `yaml:"bytes_written"`
	BytesRead    uint64 `yaml:"bytes_read"`

	TotalTime time.Duration `yaml:"total_time"`
	MinTime   time.Duration `yaml:"min_time"`
	MaxTime   time.Duration `yaml:"max_time"`
}

// Diagnostics tracks per-device health. Healthy clears once the
// consecutive error count reaches unhealthyAfter and returns with the
// first success.
type Diagnostics struct {
	LastError         Code      `yaml:"last_error"`
	LastErrorAt       time.Time `yaml:"last_error_at"`
	ConsecutiveErrors uint32    `yaml:"consecutive_errors"`
	Healthy           bool      `yaml:"healthy"`
}

const unhealthyAfter = 3

// BusInfo is a snapshot of bus-level state and counters.
type BusInfo struct {
	Initialized    bool   `yaml:"initialized"`
	DeviceCount    int    `yaml:"device_count"`
	DevicesAdded   uint32 `yaml:"devices_added"`
	DevicesRemoved uint32 `yaml:"devices_removed"`
	ScansRun       uint32 `yaml:"scans_run"`
	FoundLastScan  int    `yaml:"found_last_scan"`
	LastError      Code   `yaml:"last_error"`
}
