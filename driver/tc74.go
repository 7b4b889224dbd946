package driver

import (
	"context"
	"fmt"

	"github.com/mklimuk/i2cbus"
)

const TC74DefaultAddress = 0x4D

const tc74TempRegister = 0x00
const tc74ConfigRegister = 0x01

const tc74DataReady = 0x40

// TC74 reads a Microchip TC74 Digital Temperature Sensor over any bus
// connection. It doubles as a reference for writing device drivers on
// top of the connection interface.
// See: https://ww1.microchip.com/downloads/en/DeviceDoc/21462D.pdf
type TC74 struct {
	conn     i2cbus.Conn
	lastTemp float32
}

func NewTC74(conn i2cbus.Conn) *TC74 {
	return &TC74{conn: conn}
}

// Config reads the configuration register (0x01) and returns its value.
func (sensor *TC74) Config(ctx context.Context) (byte, error) {
	resp := make([]byte, 1)
	err := sensor.conn.WriteRead(ctx, []byte{tc74ConfigRegister}, resp, 0)
	if err != nil {
		return 0, fmt.Errorf("tc74: could not read config register: %w", err)
	}
	return resp[0], nil
}

// Temperature reads the current temperature in Celsius. When the
// DATA_RDY bit is not set yet the last read value is returned.
func (sensor *TC74) Temperature(ctx context.Context) (float32, error) {
	config, err := sensor.Config(ctx)
	if err != nil {
		return 0, fmt.Errorf("tc74: could not get config: %w", err)
	}
	if (config & tc74DataReady) == 0 {
		return sensor.lastTemp, nil
	}
	resp := make([]byte, 1)
	err = sensor.conn.WriteRead(ctx, []byte{tc74TempRegister}, resp, 0)
	if err != nil {
		return 0, fmt.Errorf("tc74: could not read temp register: %w", err)
	}
	// 2's complement 8-bit value
	sensor.lastTemp = float32(int8(resp[0]))
	return sensor.lastTemp, nil
}
