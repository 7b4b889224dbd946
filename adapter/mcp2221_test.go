package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferToStatus(t *testing.T) {
	buffer := make([]byte, 64)
	buffer[8] = i2cStateAddrNACK
	buffer[9] = 0x04
	buffer[11] = 0x02
	buffer[13] = 0x02
	buffer[14] = 0x75
	buffer[15] = 0x14
	buffer[16] = 0x90
	buffer[25] = 0x01

	status := bufferToStatus(buffer)
	assert.Equal(t, i2cStateAddrNACK, status.I2CState)
	assert.Equal(t, uint16(4), status.LastWriteRequestedSize)
	assert.Equal(t, uint16(2), status.LastWriteSentSize)
	assert.Equal(t, 2, status.I2CDataBufferCounter)
	assert.Equal(t, 0x75, status.I2CSpeedDivider)
	assert.Equal(t, 0x14, status.I2CTimeout)
	assert.Equal(t, "9000", status.CurrentAddress)
	assert.Equal(t, 1, status.ReadPending)
}

func TestI2CStateTimeout(t *testing.T) {
	for _, state := range []byte{
		i2cStateStartTimeout, i2cStateRepStartTimeout, i2cStateAddrTimeout,
		i2cStateWriteTimeout, i2cStateReadTimeout, i2cStateStopTimeout,
	} {
		assert.True(t, i2cStateTimeout(state), "state %#02x", state)
	}
	assert.False(t, i2cStateTimeout(i2cStateIdle))
	assert.False(t, i2cStateTimeout(i2cStateAddrNACK))
	assert.False(t, i2cStateTimeout(i2cStateWritingNoStop))
}
