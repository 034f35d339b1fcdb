package service

import "encoding/binary"

// HID frame opcodes (appliance binary WebSocket protocol).
const (
	HidOpKey           = 0x01
	HidOpMouseButton   = 0x02
	HidOpMouseMove     = 0x03
	HidOpMouseRelative = 0x04
	HidOpMouseWheel    = 0x05
)

// Key/button state byte.
const (
	HidStateReleased = 0
	HidStatePressed  = 1
)

// The squash byte on relative-move and wheel frames is a reserved
// protocol field; the appliance firmware expects 0x00.
const hidSquashOff = 0x00

// EncodeKeyEvent builds a key frame.
// Layout: [0x01] [state:1] [key-name UTF-8 bytes]
func EncodeKeyEvent(key string, pressed bool) []byte {
	buf := make([]byte, 2+len(key))
	buf[0] = HidOpKey
	buf[1] = stateByte(pressed)
	copy(buf[2:], key)
	return buf
}

// EncodeMouseButton builds a mouse button frame.
// Layout: [0x02] [state:1] [button-name UTF-8 bytes]
func EncodeMouseButton(button string, pressed bool) []byte {
	buf := make([]byte, 2+len(button))
	buf[0] = HidOpMouseButton
	buf[1] = stateByte(pressed)
	copy(buf[2:], button)
	return buf
}

// EncodeMouseMove builds an absolute move frame. Coordinates are the
// device's native space: signed 16-bit, [-32767, 32767], 0 center.
// Layout: [0x03] [xHigh] [xLow] [yHigh] [yLow] big-endian
func EncodeMouseMove(x, y int16) []byte {
	buf := make([]byte, 5)
	buf[0] = HidOpMouseMove
	binary.BigEndian.PutUint16(buf[1:3], uint16(x))
	binary.BigEndian.PutUint16(buf[3:5], uint16(y))
	return buf
}

// EncodeMouseRelative builds a relative move frame.
// Layout: [0x04] [squash:1] [dx:int8] [dy:int8]
func EncodeMouseRelative(dx, dy int8) []byte {
	return []byte{HidOpMouseRelative, hidSquashOff, byte(dx), byte(dy)}
}

// EncodeMouseWheel builds a wheel frame.
// Layout: [0x05] [squash:1] [dx:int8] [dy:int8]
func EncodeMouseWheel(dx, dy int8) []byte {
	return []byte{HidOpMouseWheel, hidSquashOff, byte(dx), byte(dy)}
}

func stateByte(pressed bool) byte {
	if pressed {
		return HidStatePressed
	}
	return HidStateReleased
}

// clampDelta folds an arbitrary pixel delta into the int8 range the
// relative frames carry.
func clampDelta(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return int8(v)
}
