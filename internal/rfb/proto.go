// Package rfb implements the server side of the RFB 3.3/3.7/3.8 protocol:
// handshake, security negotiation, pixel-format negotiation and incremental
// framebuffer updates with Raw encoding.
package rfb

import "encoding/binary"

// serverBanner is the highest protocol version the server speaks.
const serverBanner = "RFB 003.008\n"

// Security types.
const (
	secTypeNone    uint8 = 1
	secTypeVNCAuth uint8 = 2
)

// SecurityResult values.
const (
	secResultOK     uint32 = 0
	secResultFailed uint32 = 1
)

// Client-to-server message types.
const (
	msgSetPixelFormat uint8 = 0
	msgSetEncodings   uint8 = 2
	msgUpdateRequest  uint8 = 3
	msgKeyEvent       uint8 = 4
	msgPointerEvent   uint8 = 5
	msgClientCutText  uint8 = 6
)

// Server-to-client message types.
const (
	msgFramebufferUpdate uint8 = 0
)

// Encodings.
const encodingRaw int32 = 0

// appendUpdateHeader appends a FramebufferUpdate header: message type,
// padding, big-endian rectangle count.
func appendUpdateHeader(buf []byte, rects int) []byte {
	buf = append(buf, msgFramebufferUpdate, 0)
	return binary.BigEndian.AppendUint16(buf, uint16(rects))
}

// appendRectHeader appends one rectangle header: x, y, w, h and the encoding
// type, all big-endian.
func appendRectHeader(buf []byte, x, y, w, h uint16, encoding int32) []byte {
	buf = binary.BigEndian.AppendUint16(buf, x)
	buf = binary.BigEndian.AppendUint16(buf, y)
	buf = binary.BigEndian.AppendUint16(buf, w)
	buf = binary.BigEndian.AppendUint16(buf, h)
	return binary.BigEndian.AppendUint32(buf, uint32(encoding))
}
