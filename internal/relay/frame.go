package relay

import (
	"encoding/binary"
	"fmt"
)

const (
	START_BYTE      byte = 0x99
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
)

// AppendFrame appends one frame to buf: the start byte, the protocol byte, a
// little endian payload length, the payload and '\n'.
func AppendFrame(buf []byte, protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > 0xffff {
		return buf, fmt.Errorf("payload too large: %d", len(payload))
	}
	buf = append(buf, START_BYTE, protocol, 0, 0)
	binary.LittleEndian.PutUint16(buf[len(buf)-2:], uint16(len(payload)))
	buf = append(buf, payload...)
	return append(buf, '\n'), nil
}
