//go:build linux

package capture

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel ABI for the DRM mode-setting ioctls (drm.h, drm_mode.h). Only the
// ioctls the capture path needs are declared. Struct layouts must match the
// kernel exactly; the size assertions below fail the build on drift.
var (
	_ [64]byte  = [unsafe.Sizeof(drmModeCardRes{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(drmModeInfo{})]byte{}
	_ [80]byte  = [unsafe.Sizeof(drmModeGetConnector{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(drmModeGetEncoder{})]byte{}
	_ [104]byte = [unsafe.Sizeof(drmModeCrtc{})]byte{}
	_ [28]byte  = [unsafe.Sizeof(drmModeFBCmd{})]byte{}
	_ [104]byte = [unsafe.Sizeof(drmModeFBCmd2{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(drmModeMapDumb{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(drmModeCreateDumb{})]byte{}
	_ [4]byte   = [unsafe.Sizeof(drmModeDestroyDumb{})]byte{}
	_ [12]byte  = [unsafe.Sizeof(drmPrimeHandle{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(drmGemClose{})]byte{}
)

const (
	ioctlModeGetResources uint = 0xc04064a0 // DRM_IOCTL_MODE_GETRESOURCES
	ioctlModeGetCrtc      uint = 0xc06864a1 // DRM_IOCTL_MODE_GETCRTC
	ioctlModeGetEncoder   uint = 0xc01464a6 // DRM_IOCTL_MODE_GETENCODER
	ioctlModeGetConnector uint = 0xc05064a7 // DRM_IOCTL_MODE_GETCONNECTOR
	ioctlModeGetFB        uint = 0xc01c64ad // DRM_IOCTL_MODE_GETFB
	ioctlModeGetFB2       uint = 0xc06864ce // DRM_IOCTL_MODE_GETFB2
	ioctlModeCreateDumb   uint = 0xc02064b2 // DRM_IOCTL_MODE_CREATE_DUMB
	ioctlModeMapDumb      uint = 0xc01064b3 // DRM_IOCTL_MODE_MAP_DUMB
	ioctlModeDestroyDumb  uint = 0xc00464b4 // DRM_IOCTL_MODE_DESTROY_DUMB
	ioctlPrimeHandleToFD  uint = 0xc00c642d // DRM_IOCTL_PRIME_HANDLE_TO_FD
	ioctlGemClose         uint = 0x40086409 // DRM_IOCTL_GEM_CLOSE
)

// drm_mode_card_res
type drmModeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFBs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

// drm_mode_modeinfo
type drmModeInfo struct {
	clock      uint32
	hdisplay   uint16
	hsyncStart uint16
	hsyncEnd   uint16
	htotal     uint16
	hskew      uint16
	vdisplay   uint16
	vsyncStart uint16
	vsyncEnd   uint16
	vtotal     uint16
	vscan      uint16
	vrefresh   uint32
	flags      uint32
	typ        uint32
	name       [32]byte
}

// drm_mode_get_connector
type drmModeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

// drm_mode_get_encoder
type drmModeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

// drm_mode_crtc
type drmModeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             drmModeInfo
}

// drm_mode_fb_cmd (legacy GETFB)
type drmModeFBCmd struct {
	fbID   uint32
	width  uint32
	height uint32
	pitch  uint32
	bpp    uint32
	depth  uint32
	handle uint32
}

// drm_mode_fb_cmd2 (GETFB2). The compiler inserts 4 bytes of padding before
// modifier, matching the kernel's layout on 64-bit.
type drmModeFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	modifier    [4]uint64
}

// drm_mode_map_dumb
type drmModeMapDumb struct {
	handle uint32
	pad    uint32
	offset uint64
}

// drm_mode_create_dumb
type drmModeCreateDumb struct {
	height uint32
	width  uint32
	bpp    uint32
	flags  uint32
	handle uint32
	pitch  uint32
	size   uint64
}

// drm_mode_destroy_dumb
type drmModeDestroyDumb struct {
	handle uint32
}

// drm_prime_handle
type drmPrimeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

// drm_gem_close
type drmGemClose struct {
	handle uint32
	pad    uint32
}

// drm_mode_get_connector.connection values.
const (
	drmModeConnected = 1
)

// connectorTypeNames maps drm_mode_get_connector.connectorType to the name
// userspace tools print (DRM_MODE_CONNECTOR_*).
var connectorTypeNames = map[uint32]string{
	0:  "Unknown",
	1:  "VGA",
	2:  "DVI-I",
	3:  "DVI-D",
	4:  "DVI-A",
	5:  "Composite",
	6:  "SVIDEO",
	7:  "LVDS",
	8:  "Component",
	9:  "DIN",
	10: "DP",
	11: "HDMI-A",
	12: "HDMI-B",
	13: "TV",
	14: "eDP",
	15: "Virtual",
	16: "DSI",
	17: "DPI",
	18: "Writeback",
	19: "SPI",
	20: "USB",
}

func connectorName(typ, typeID uint32) string {
	name, ok := connectorTypeNames[typ]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("%s-%d", name, typeID)
}

// ioctlRetry issues a DRM ioctl, retrying on EINTR/EAGAIN as libdrm does.
func ioctlRetry(fd int, req uint, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func getResources(fd int) (*drmModeCardRes, []uint32, error) {
	// Two-call pattern: first fetch counts, then fill the connector array.
	// A hotplug between calls changes the counts; retry until stable.
	for {
		var res drmModeCardRes
		if err := ioctlRetry(fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, nil, fmt.Errorf("GETRESOURCES: %w", err)
		}
		if res.countConnectors == 0 {
			return &res, nil, nil
		}

		connectors := make([]uint32, res.countConnectors)
		req := drmModeCardRes{
			connectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectors[0]))),
			countConnectors: res.countConnectors,
		}
		if err := ioctlRetry(fd, ioctlModeGetResources, unsafe.Pointer(&req)); err != nil {
			return nil, nil, fmt.Errorf("GETRESOURCES: %w", err)
		}
		if req.countConnectors > res.countConnectors {
			continue
		}
		return &res, connectors[:req.countConnectors], nil
	}
}

func getConnector(fd int, id uint32) (*drmModeGetConnector, error) {
	// Counts-only call: encoder_id and connection are filled without the
	// mode/property arrays.
	conn := drmModeGetConnector{connectorID: id}
	if err := ioctlRetry(fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, fmt.Errorf("GETCONNECTOR %d: %w", id, err)
	}
	return &conn, nil
}

func getEncoder(fd int, id uint32) (*drmModeGetEncoder, error) {
	enc := drmModeGetEncoder{encoderID: id}
	if err := ioctlRetry(fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, fmt.Errorf("GETENCODER %d: %w", id, err)
	}
	return &enc, nil
}

func getCrtc(fd int, id uint32) (*drmModeCrtc, error) {
	crtc := drmModeCrtc{crtcID: id}
	if err := ioctlRetry(fd, ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, fmt.Errorf("GETCRTC %d: %w", id, err)
	}
	return &crtc, nil
}

func getFB(fd int, id uint32) (*drmModeFBCmd, error) {
	fb := drmModeFBCmd{fbID: id}
	if err := ioctlRetry(fd, ioctlModeGetFB, unsafe.Pointer(&fb)); err != nil {
		return nil, fmt.Errorf("GETFB %d: %w", id, err)
	}
	return &fb, nil
}

func getFB2(fd int, id uint32) (*drmModeFBCmd2, error) {
	fb := drmModeFBCmd2{fbID: id}
	if err := ioctlRetry(fd, ioctlModeGetFB2, unsafe.Pointer(&fb)); err != nil {
		return nil, fmt.Errorf("GETFB2 %d: %w", id, err)
	}
	return &fb, nil
}

func primeHandleToFD(fd int, handle uint32) (int, error) {
	prime := drmPrimeHandle{handle: handle, flags: unix.O_CLOEXEC}
	if err := ioctlRetry(fd, ioctlPrimeHandleToFD, unsafe.Pointer(&prime)); err != nil {
		return -1, fmt.Errorf("PRIME_HANDLE_TO_FD: %w", err)
	}
	return int(prime.fd), nil
}

func mapDumb(fd int, handle uint32) (uint64, error) {
	m := drmModeMapDumb{handle: handle}
	if err := ioctlRetry(fd, ioctlModeMapDumb, unsafe.Pointer(&m)); err != nil {
		return 0, fmt.Errorf("MAP_DUMB: %w", err)
	}
	return m.offset, nil
}

func createDumb(fd int, width, height, bpp uint32) (*drmModeCreateDumb, error) {
	c := drmModeCreateDumb{width: width, height: height, bpp: bpp}
	if err := ioctlRetry(fd, ioctlModeCreateDumb, unsafe.Pointer(&c)); err != nil {
		return nil, fmt.Errorf("CREATE_DUMB: %w", err)
	}
	return &c, nil
}

func destroyDumb(fd int, handle uint32) error {
	d := drmModeDestroyDumb{handle: handle}
	return ioctlRetry(fd, ioctlModeDestroyDumb, unsafe.Pointer(&d))
}

func gemClose(fd int, handle uint32) error {
	g := drmGemClose{handle: handle}
	return ioctlRetry(fd, ioctlGemClose, unsafe.Pointer(&g))
}
