//go:build linux

package capture

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// fbdev ioctls (linux/fb.h). Legacy numbers, not _IO-encoded.
const (
	ioctlFBIOGetVScreenInfo uint = 0x4600
	ioctlFBIOGetFScreenInfo uint = 0x4602
)

type fbBitfield struct {
	offset   uint32
	length   uint32
	msbRight uint32
}

// fb_var_screeninfo (160 bytes)
type fbVarScreeninfo struct {
	xres         uint32
	yres         uint32
	xresVirtual  uint32
	yresVirtual  uint32
	xoffset      uint32
	yoffset      uint32
	bitsPerPixel uint32
	grayscale    uint32
	red          fbBitfield
	green        fbBitfield
	blue         fbBitfield
	transp       fbBitfield
	nonstd       uint32
	activate     uint32
	height       uint32
	width        uint32
	accelFlags   uint32
	pixclock     uint32
	leftMargin   uint32
	rightMargin  uint32
	upperMargin  uint32
	lowerMargin  uint32
	hsyncLen     uint32
	vsyncLen     uint32
	sync         uint32
	vmode        uint32
	rotate       uint32
	colorspace   uint32
	reserved     [4]uint32
}

// fb_fix_screeninfo
type fbFixScreeninfo struct {
	id           [16]byte
	smemStart    uint64
	smemLen      uint32
	typ          uint32
	typAux       uint32
	visual       uint32
	xpanstep     uint16
	ypanstep     uint16
	ywrapstep    uint16
	_            uint16
	lineLength   uint32
	mmioStart    uint64
	mmioLen      uint32
	accel        uint32
	capabilities uint16
	_            [2]uint16
	_            uint16
}

var _ [160]byte = [unsafe.Sizeof(fbVarScreeninfo{})]byte{}

// fbdevSource captures a legacy framebuffer device. The whole framebuffer is
// mapped once at open; every tick reuses the same mapping.
type fbdevSource struct {
	path    string
	file    *os.File
	mapping []byte

	width  uint16
	height uint16
	stride uint32
	offset int // start of the visible area within the mapping
	tag    types.PixelFormatTag
}

// openFbdev opens /dev/fbN and maps its pixel memory for the process
// lifetime.
func openFbdev(path string) (*fbdevSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fd := int(f.Fd())

	var vinfo fbVarScreeninfo
	if err := ioctlRetry(fd, ioctlFBIOGetVScreenInfo, unsafe.Pointer(&vinfo)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: FBIOGET_VSCREENINFO: %w", path, err)
	}
	var finfo fbFixScreeninfo
	if err := ioctlRetry(fd, ioctlFBIOGetFScreenInfo, unsafe.Pointer(&finfo)); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: FBIOGET_FSCREENINFO: %w", path, err)
	}

	tag, err := tagForBitfields(&vinfo)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	mapping, err := unix.Mmap(fd, 0, int(finfo.smemLen), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: mmap: %w", path, err)
	}

	offset := int(vinfo.yoffset)*int(finfo.lineLength) + int(vinfo.xoffset)*tag.BytesPerPixel()
	needed := offset + int(vinfo.yres)*int(finfo.lineLength)
	if needed > len(mapping) {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("%s: framebuffer mapping too small: need %d bytes, have %d", path, needed, len(mapping))
	}

	logging.Info("using fbdev",
		logging.Device(path),
		"width", vinfo.xres,
		"height", vinfo.yres,
		"format", tag.String(),
		"stride", finfo.lineLength,
	)

	return &fbdevSource{
		path:    path,
		file:    f,
		mapping: mapping,
		width:   uint16(vinfo.xres),
		height:  uint16(vinfo.yres),
		stride:  finfo.lineLength,
		offset:  offset,
		tag:     tag,
	}, nil
}

// tagForBitfields maps the fbdev channel bitfields onto a format tag.
func tagForBitfields(v *fbVarScreeninfo) (types.PixelFormatTag, error) {
	switch {
	case v.bitsPerPixel == 32 && v.red.offset == 16 && v.green.offset == 8 && v.blue.offset == 0 && v.transp.length == 0:
		return types.FormatXRGB8888, nil
	case v.bitsPerPixel == 32 && v.red.offset == 16 && v.green.offset == 8 && v.blue.offset == 0:
		return types.FormatARGB8888, nil
	case v.bitsPerPixel == 32 && v.red.offset == 0 && v.green.offset == 8 && v.blue.offset == 16 && v.transp.length == 0:
		return types.FormatXBGR8888, nil
	case v.bitsPerPixel == 32 && v.red.offset == 0 && v.green.offset == 8 && v.blue.offset == 16:
		return types.FormatABGR8888, nil
	case v.bitsPerPixel == 16 && v.red.offset == 11 && v.green.offset == 5 && v.blue.offset == 0:
		return types.FormatRGB565, nil
	default:
		return types.FormatUnknown, fmt.Errorf("unsupported fbdev pixel format: %dbpp red@%d green@%d blue@%d transp.length=%d",
			v.bitsPerPixel, v.red.offset, v.green.offset, v.blue.offset, v.transp.length)
	}
}

func (s *fbdevSource) DevicePath() string { return s.path }

// Tick republishes the stable mapping; fbdev geometry cannot change under us
// without a mode switch, which the session layer treats as fatal anyway.
func (s *fbdevSource) Tick() (types.Frame, error) {
	return types.Frame{
		Width:  int(s.width),
		Height: int(s.height),
		Stride: int(s.stride),
		Format: s.tag,
		Pix:    s.mapping[s.offset:],
	}, nil
}

func (s *fbdevSource) Close() error {
	if s.mapping != nil {
		unix.Munmap(s.mapping)
		s.mapping = nil
	}
	return s.file.Close()
}
