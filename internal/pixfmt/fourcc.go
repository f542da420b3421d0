package pixfmt

import "github.com/kmsvnc/kmsvnc/pkg/types"

// DRM FourCC codes (drm_fourcc.h). The value is the four characters packed
// little-endian.
const (
	FourCCXRGB8888 uint32 = 0x34325258 // 'XR24'
	FourCCARGB8888 uint32 = 0x34325241 // 'AR24'
	FourCCXBGR8888 uint32 = 0x34324258 // 'XB24'
	FourCCABGR8888 uint32 = 0x34324241 // 'AB24'
	FourCCRGB565   uint32 = 0x36314752 // 'RG16'
)

// Format modifiers (drm_fourcc.h).
const (
	ModifierLinear  uint64 = 0
	ModifierInvalid uint64 = 0x00ffffffffffffff
)

// TagForFourCC maps a DRM FourCC to the internal format tag.
func TagForFourCC(fourcc uint32) (types.PixelFormatTag, error) {
	switch fourcc {
	case FourCCXRGB8888:
		return types.FormatXRGB8888, nil
	case FourCCARGB8888:
		return types.FormatARGB8888, nil
	case FourCCXBGR8888:
		return types.FormatXBGR8888, nil
	case FourCCABGR8888:
		return types.FormatABGR8888, nil
	case FourCCRGB565:
		return types.FormatRGB565, nil
	default:
		return types.FormatUnknown, types.UnknownFormatError{FourCC: fourcc}
	}
}

// TagForLegacyFB maps the bpp/depth pair reported by the pre-FB2 GETFB ioctl
// to a format tag. GETFB carries no channel order, so the RGB orderings are
// assumed; they are what every scanout driver uses for these depths.
func TagForLegacyFB(bpp, depth uint32) (types.PixelFormatTag, bool) {
	switch {
	case bpp == 32 && depth == 24:
		return types.FormatXRGB8888, true
	case bpp == 32 && depth == 32:
		return types.FormatARGB8888, true
	case bpp == 16 && depth == 16:
		return types.FormatRGB565, true
	default:
		return types.FormatUnknown, false
	}
}
