package pixfmt

import (
	"encoding/binary"

	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// AppendTile converts the pixels of rect r in frame f to the target format
// and appends the wire bytes to dst, rows top to bottom with no padding.
// The rect must lie within the frame.
func AppendTile(dst []byte, f *types.Frame, r types.Rect, target *PixelFormat) ([]byte, error) {
	src, err := FromTag(f.Format)
	if err != nil {
		return dst, err
	}

	if src.SameLayout(target) {
		return appendTileCopy(dst, f, r), nil
	}
	return appendTileConvert(dst, f, r, &src, target), nil
}

// appendTileCopy is the fast path: identical layouts, row-wise copy that
// strips stride padding.
func appendTileCopy(dst []byte, f *types.Frame, r types.Rect) []byte {
	bpp := f.Format.BytesPerPixel()
	rowLen := int(r.W) * bpp
	for y := int(r.Y); y < int(r.Y)+int(r.H); y++ {
		start := y*f.Stride + int(r.X)*bpp
		dst = append(dst, f.Pix[start:start+rowLen]...)
	}
	return dst
}

func appendTileConvert(dst []byte, f *types.Frame, r types.Rect, src, target *PixelFormat) []byte {
	srcBPP := src.BytesPerPixel()
	dstBPP := target.BytesPerPixel()

	// Opaque alpha for targets that carry an alpha field the source lacks.
	var alphaBits uint32
	if target.AlphaMax != 0 && src.AlphaMax == 0 {
		alphaBits = uint32(target.AlphaMax) << target.AlphaShift
	}

	var out [4]byte
	for y := int(r.Y); y < int(r.Y)+int(r.H); y++ {
		rowStart := y*f.Stride + int(r.X)*srcBPP
		row := f.Pix[rowStart : rowStart+int(r.W)*srcBPP]
		for x := 0; x < int(r.W); x++ {
			var v uint32
			switch srcBPP {
			case 2:
				v = uint32(binary.LittleEndian.Uint16(row[x*2:]))
			default:
				v = binary.LittleEndian.Uint32(row[x*4:])
			}

			rv := (v >> src.RedShift) & uint32(src.RedMax)
			gv := (v >> src.GreenShift) & uint32(src.GreenMax)
			bv := (v >> src.BlueShift) & uint32(src.BlueMax)

			rv = scale(rv, uint32(src.RedMax), uint32(target.RedMax))
			gv = scale(gv, uint32(src.GreenMax), uint32(target.GreenMax))
			bv = scale(bv, uint32(src.BlueMax), uint32(target.BlueMax))

			pix := rv<<target.RedShift | gv<<target.GreenShift | bv<<target.BlueShift
			if alphaBits != 0 {
				pix |= alphaBits
			} else if target.AlphaMax != 0 && src.AlphaMax != 0 {
				av := (v >> src.AlphaShift) & uint32(src.AlphaMax)
				pix |= scale(av, uint32(src.AlphaMax), uint32(target.AlphaMax)) << target.AlphaShift
			}

			switch dstBPP {
			case 1:
				dst = append(dst, byte(pix))
			case 2:
				if target.BigEndian {
					binary.BigEndian.PutUint16(out[:2], uint16(pix))
				} else {
					binary.LittleEndian.PutUint16(out[:2], uint16(pix))
				}
				dst = append(dst, out[:2]...)
			default:
				if target.BigEndian {
					binary.BigEndian.PutUint32(out[:], pix)
				} else {
					binary.LittleEndian.PutUint32(out[:], pix)
				}
				dst = append(dst, out[:]...)
			}
		}
	}
	return dst
}

// scale maps a channel value from one maximum to another with rounding:
// vDst = (vSrc*maxDst + maxSrc/2) / maxSrc. Equal maxima pass through.
func scale(v, maxSrc, maxDst uint32) uint32 {
	if maxSrc == maxDst {
		return v
	}
	return (v*maxDst + maxSrc/2) / maxSrc
}
