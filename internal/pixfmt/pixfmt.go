// Package pixfmt models RFB pixel formats and converts captured framebuffer
// tiles into a client's negotiated wire format.
package pixfmt

import (
	"fmt"

	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// PixelFormat describes how one pixel value encodes its channels. It covers
// both the server-side capture formats and the client-negotiated wire format
// from SetPixelFormat. For true-colour formats each channel is the bitfield
// (value >> Shift) & Max of the pixel value read in the format's endianness.
//
// AlphaMax/AlphaShift never appear on the wire; they are populated only for
// the internal capture formats that carry an alpha field.
type PixelFormat struct {
	BPP       uint8 // bits per pixel: 8, 16 or 32
	Depth     uint8
	BigEndian bool
	TrueColor bool

	RedMax   uint16
	GreenMax uint16
	BlueMax  uint16

	RedShift   uint8
	GreenShift uint8
	BlueShift  uint8

	AlphaMax   uint16
	AlphaShift uint8
}

// ServerDefault is the pixel format advertised in ServerInit: XRGB8888
// little-endian (bpp 32, depth 24, R=255@16, G=255@8, B=255@0).
func ServerDefault() PixelFormat {
	return PixelFormat{
		BPP:        32,
		Depth:      24,
		TrueColor:  true,
		RedMax:     255,
		GreenMax:   255,
		BlueMax:    255,
		RedShift:   16,
		GreenShift: 8,
		BlueShift:  0,
	}
}

// FromTag returns the memory layout of a capture format. All capture formats
// are little-endian, matching the DRM FourCC definitions.
func FromTag(tag types.PixelFormatTag) (PixelFormat, error) {
	switch tag {
	case types.FormatXRGB8888:
		return PixelFormat{BPP: 32, Depth: 24, TrueColor: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 16, GreenShift: 8, BlueShift: 0}, nil
	case types.FormatARGB8888:
		return PixelFormat{BPP: 32, Depth: 32, TrueColor: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 16, GreenShift: 8, BlueShift: 0,
			AlphaMax: 255, AlphaShift: 24}, nil
	case types.FormatXBGR8888:
		return PixelFormat{BPP: 32, Depth: 24, TrueColor: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 0, GreenShift: 8, BlueShift: 16}, nil
	case types.FormatABGR8888:
		return PixelFormat{BPP: 32, Depth: 32, TrueColor: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 0, GreenShift: 8, BlueShift: 16,
			AlphaMax: 255, AlphaShift: 24}, nil
	case types.FormatRGB565:
		return PixelFormat{BPP: 16, Depth: 16, TrueColor: true,
			RedMax: 31, GreenMax: 63, BlueMax: 31,
			RedShift: 11, GreenShift: 5, BlueShift: 0}, nil
	default:
		return PixelFormat{}, fmt.Errorf("no layout for format %s", tag)
	}
}

// BytesPerPixel returns the storage size of one pixel.
func (pf *PixelFormat) BytesPerPixel() int {
	return int(pf.BPP) / 8
}

// SameLayout reports whether two formats produce identical pixel bytes, i.e.
// whether conversion between them is a plain copy. A target carrying an
// alpha field the source lacks must go through conversion so alpha gets
// synthesized.
func (pf *PixelFormat) SameLayout(o *PixelFormat) bool {
	return pf.BPP == o.BPP &&
		pf.BigEndian == o.BigEndian &&
		pf.RedMax == o.RedMax && pf.GreenMax == o.GreenMax && pf.BlueMax == o.BlueMax &&
		pf.RedShift == o.RedShift && pf.GreenShift == o.GreenShift && pf.BlueShift == o.BlueShift &&
		pf.AlphaMax == o.AlphaMax && pf.AlphaShift == o.AlphaShift
}

// Validate rejects formats the conversion path cannot produce.
func (pf *PixelFormat) Validate() error {
	switch pf.BPP {
	case 8, 16, 32:
	default:
		return fmt.Errorf("unsupported bits-per-pixel %d", pf.BPP)
	}
	if !pf.TrueColor {
		return fmt.Errorf("colour-map pixel formats are not supported")
	}
	if pf.RedMax == 0 || pf.GreenMax == 0 || pf.BlueMax == 0 {
		return fmt.Errorf("zero channel maximum")
	}
	return nil
}

// Encode writes the 16-byte wire form of the format (RFC 6143 §7.4).
func (pf *PixelFormat) Encode(buf []byte) {
	_ = buf[15]
	buf[0] = pf.BPP
	buf[1] = pf.Depth
	buf[2] = boolByte(pf.BigEndian)
	buf[3] = boolByte(pf.TrueColor)
	buf[4] = byte(pf.RedMax >> 8)
	buf[5] = byte(pf.RedMax)
	buf[6] = byte(pf.GreenMax >> 8)
	buf[7] = byte(pf.GreenMax)
	buf[8] = byte(pf.BlueMax >> 8)
	buf[9] = byte(pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	buf[13], buf[14], buf[15] = 0, 0, 0
}

// Decode parses the 16-byte wire form.
func Decode(buf []byte) PixelFormat {
	_ = buf[15]
	return PixelFormat{
		BPP:        buf[0],
		Depth:      buf[1],
		BigEndian:  buf[2] != 0,
		TrueColor:  buf[3] != 0,
		RedMax:     uint16(buf[4])<<8 | uint16(buf[5]),
		GreenMax:   uint16(buf[6])<<8 | uint16(buf[7]),
		BlueMax:    uint16(buf[8])<<8 | uint16(buf[9]),
		RedShift:   buf[10],
		GreenShift: buf[11],
		BlueShift:  buf[12],
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
