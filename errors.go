package i2cbus

import (
	"context"
	"errors"
)

// Errors returned by bus and device operations. Backend adapters wrap their
// native failures with one of these sentinels so callers can classify every
// outcome with errors.Is or CodeOf regardless of the transport in use.
var (
	ErrNotInitialized     = errors.New("bus not initialized")
	ErrAlreadyInitialized = errors.New("bus already initialized")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrOutOfResources     = errors.New("out of resources")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceExists       = errors.New("device already exists")
	ErrTimeout            = errors.New("transaction timeout")
	ErrNack               = errors.New("device not responding (NACK)")
	ErrBusBusy            = errors.New("bus busy")
	ErrBusError           = errors.New("bus error")
	ErrArbitrationLost    = errors.New("arbitration lost")
	ErrUnsupported        = errors.New("operation not supported")
)

// Code is the closed error taxonomy. Every error produced by this module
// maps to exactly one code; unknown backend errors collapse to CodeFailure.
type Code uint8

const (
	CodeSuccess Code = iota
	CodeNotInitialized
	CodeAlreadyInitialized
	CodeInvalidParameter
	CodeOutOfResources
	CodeDeviceNotFound
	CodeDeviceExists
	CodeTimeout
	CodeNack
	CodeBusBusy
	CodeBusError
	CodeArbitrationLost
	CodeUnsupported
	CodeFailure
)

var codeNames = map[Code]string{
	CodeSuccess:            "success",
	CodeNotInitialized:     "not-initialized",
	CodeAlreadyInitialized: "already-initialized",
	CodeInvalidParameter:   "invalid-parameter",
	CodeOutOfResources:     "out-of-resources",
	CodeDeviceNotFound:     "device-not-found",
	CodeDeviceExists:       "device-exists",
	CodeTimeout:            "timeout",
	CodeNack:               "nack",
	CodeBusBusy:            "bus-busy",
	CodeBusError:           "bus-error",
	CodeArbitrationLost:    "arbitration-lost",
	CodeUnsupported:        "unsupported",
	CodeFailure:            "failure",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// CodeOf translates an error chain into the taxonomy. Context cancellation
// and deadline expiry count as timeouts since the caller's budget ran out
// mid-transaction either way.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, ErrAlreadyInitialized):
		return CodeAlreadyInitialized
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, ErrOutOfResources):
		return CodeOutOfResources
	case errors.Is(err, ErrDeviceNotFound):
		return CodeDeviceNotFound
	case errors.Is(err, ErrDeviceExists):
		return CodeDeviceExists
	case errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CodeTimeout
	case errors.Is(err, ErrNack):
		return CodeNack
	case errors.Is(err, ErrBusBusy):
		return CodeBusBusy
	case errors.Is(err, ErrArbitrationLost):
		return CodeArbitrationLost
	case errors.Is(err, ErrBusError):
		return CodeBusError
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	default:
		return CodeFailure
	}
}
