package pixfmt

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// packPixel builds the little-endian memory bytes of one pixel in the given
// capture format. Alpha is forced opaque so conversions through alpha-less
// formats stay lossless.
func packPixel(t *testing.T, tag types.PixelFormatTag, r, g, b uint32) []byte {
	t.Helper()
	pf, err := FromTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	v := r<<pf.RedShift | g<<pf.GreenShift | b<<pf.BlueShift
	if pf.AlphaMax != 0 {
		v |= uint32(pf.AlphaMax) << pf.AlphaShift
	}
	out := make([]byte, pf.BytesPerPixel())
	if pf.BPP == 16 {
		binary.LittleEndian.PutUint16(out, uint16(v))
	} else {
		binary.LittleEndian.PutUint32(out, v)
	}
	return out
}

func makeFrame(t *testing.T, tag types.PixelFormatTag, w, h int, rng *rand.Rand) *types.Frame {
	t.Helper()
	pf, err := FromTag(tag)
	if err != nil {
		t.Fatal(err)
	}
	bpp := tag.BytesPerPixel()
	pix := make([]byte, w*h*bpp)
	for i := 0; i < w*h; i++ {
		r := rng.Uint32() & uint32(pf.RedMax)
		g := rng.Uint32() & uint32(pf.GreenMax)
		b := rng.Uint32() & uint32(pf.BlueMax)
		copy(pix[i*bpp:], packPixel(t, tag, r, g, b))
	}
	return &types.Frame{Width: w, Height: h, Stride: w * bpp, Format: tag, Pix: pix}
}

// Converting source → target → source must be the identity for format pairs
// with equal channel widths.
func TestRoundTripEqualWidths(t *testing.T) {
	formats := []types.PixelFormatTag{
		types.FormatXRGB8888,
		types.FormatARGB8888,
		types.FormatXBGR8888,
		types.FormatABGR8888,
	}
	rng := rand.New(rand.NewSource(1))
	const w, h = 8, 4
	full := types.Rect{X: 0, Y: 0, W: w, H: h}

	for _, srcTag := range formats {
		for _, dstTag := range formats {
			frame := makeFrame(t, srcTag, w, h, rng)

			dstPF, _ := FromTag(dstTag)
			wire, err := AppendTile(nil, frame, full, &dstPF)
			if err != nil {
				t.Fatalf("%s->%s: %v", srcTag, dstTag, err)
			}

			// Reinterpret the wire bytes as a frame in the target format and
			// convert back.
			mid := &types.Frame{Width: w, Height: h, Stride: w * dstTag.BytesPerPixel(), Format: dstTag, Pix: wire}
			srcPF, _ := FromTag(srcTag)
			back, err := AppendTile(nil, mid, full, &srcPF)
			if err != nil {
				t.Fatalf("%s->%s back: %v", srcTag, dstTag, err)
			}

			if !bytes.Equal(back, frame.Pix) {
				t.Errorf("%s -> %s -> %s is not the identity", srcTag, dstTag, srcTag)
			}
		}
	}
}

func TestRoundTripRGB565(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	const w, h = 7, 3
	full := types.Rect{X: 0, Y: 0, W: w, H: h}
	frame := makeFrame(t, types.FormatRGB565, w, h, rng)

	pf, _ := FromTag(types.FormatRGB565)
	wire, err := AppendTile(nil, frame, full, &pf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire, frame.Pix) {
		t.Error("RGB565 -> RGB565 should be a verbatim copy")
	}
}

func TestFastPathStripsStridePadding(t *testing.T) {
	// 2x2 XRGB8888 frame with 8 bytes of padding per row.
	const w, h, pad = 2, 2, 8
	stride := w*4 + pad
	pix := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint32(pix[y*stride+x*4:], uint32(0x00100000*(y*w+x+1)))
		}
	}
	frame := &types.Frame{Width: w, Height: h, Stride: stride, Format: types.FormatXRGB8888, Pix: pix}

	target := ServerDefault()
	out, err := AppendTile(nil, frame, types.Rect{W: w, H: h}, &target)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != w*h*4 {
		t.Fatalf("expected %d bytes, got %d", w*h*4, len(out))
	}
	for i := 0; i < w*h; i++ {
		got := binary.LittleEndian.Uint32(out[i*4:])
		want := uint32(0x00100000 * (i + 1))
		if got != want {
			t.Errorf("pixel %d: got %08x, want %08x", i, got, want)
		}
	}
}

func TestConvertXRGBToRGB565(t *testing.T) {
	// Pure red, pure green, pure blue, white.
	pix := make([]byte, 16)
	binary.LittleEndian.PutUint32(pix[0:], 0x00ff0000)
	binary.LittleEndian.PutUint32(pix[4:], 0x0000ff00)
	binary.LittleEndian.PutUint32(pix[8:], 0x000000ff)
	binary.LittleEndian.PutUint32(pix[12:], 0x00ffffff)
	frame := &types.Frame{Width: 4, Height: 1, Stride: 16, Format: types.FormatXRGB8888, Pix: pix}

	target, _ := FromTag(types.FormatRGB565)
	out, err := AppendTile(nil, frame, types.Rect{W: 4, H: 1}, &target)
	if err != nil {
		t.Fatal(err)
	}

	want := []uint16{0xf800, 0x07e0, 0x001f, 0xffff}
	for i, w := range want {
		got := binary.LittleEndian.Uint16(out[i*2:])
		if got != w {
			t.Errorf("pixel %d: got %04x, want %04x", i, got, w)
		}
	}
}

func TestConvertToBigEndianTarget(t *testing.T) {
	pix := make([]byte, 4)
	binary.LittleEndian.PutUint32(pix, 0x00aabbcc)
	frame := &types.Frame{Width: 1, Height: 1, Stride: 4, Format: types.FormatXRGB8888, Pix: pix}

	target := ServerDefault()
	target.BigEndian = true
	out, err := AppendTile(nil, frame, types.Rect{W: 1, H: 1}, &target)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(out); got != 0x00aabbcc {
		t.Errorf("got %08x, want 00aabbcc", got)
	}
}

func TestOpaqueAlphaSynthesis(t *testing.T) {
	pix := make([]byte, 4)
	binary.LittleEndian.PutUint32(pix, 0x00102030) // XRGB, X byte zero
	frame := &types.Frame{Width: 1, Height: 1, Stride: 4, Format: types.FormatXRGB8888, Pix: pix}

	target, _ := FromTag(types.FormatARGB8888)
	out, err := AppendTile(nil, frame, types.Rect{W: 1, H: 1}, &target)
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.LittleEndian.Uint32(out); got != 0xff102030 {
		t.Errorf("got %08x, want ff102030 (opaque alpha)", got)
	}
}

func TestWireEncodeDecode(t *testing.T) {
	pf := ServerDefault()
	var buf [16]byte
	pf.Encode(buf[:])

	want := [16]byte{32, 24, 0, 1, 0, 255, 0, 255, 0, 255, 16, 8, 0, 0, 0, 0}
	if buf != want {
		t.Errorf("encoded %v, want %v", buf, want)
	}

	got := Decode(buf[:])
	if got != pf {
		t.Errorf("decode mismatch: %+v vs %+v", got, pf)
	}
}

func TestValidateRejectsBadFormats(t *testing.T) {
	pf := ServerDefault()
	pf.BPP = 24
	if err := pf.Validate(); err == nil {
		t.Error("expected error for 24 bpp")
	}

	pf = ServerDefault()
	pf.TrueColor = false
	if err := pf.Validate(); err == nil {
		t.Error("expected error for colour-map format")
	}

	pf = ServerDefault()
	pf.RedMax = 0
	if err := pf.Validate(); err == nil {
		t.Error("expected error for zero channel max")
	}
}

func TestTagForFourCC(t *testing.T) {
	if tag, err := TagForFourCC(FourCCXRGB8888); err != nil || tag != types.FormatXRGB8888 {
		t.Errorf("XR24: got %v, %v", tag, err)
	}
	if _, err := TagForFourCC(0x3030314e); err == nil { // 'N100'
		t.Error("expected error for unknown fourcc")
	}
}
