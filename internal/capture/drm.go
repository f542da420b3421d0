//go:build linux

package capture

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/internal/pixfmt"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// DRM_MODE_FB_MODIFIERS: set in drm_mode_fb_cmd2.flags when the modifier
// fields are meaningful.
const fbModifiersFlag = 1 << 1

// drmBackend identifies how pixel memory is acquired for the active FB.
type drmBackend int

const (
	backendNone drmBackend = iota
	// backendPrime maps the dma-buf exported from the FB's GEM handle.
	backendPrime
	// backendDumb maps the GEM handle through MODE_MAP_DUMB.
	backendDumb
	// backendCopy stages pixels into a private dumb buffer each tick,
	// reading through the exported dma-buf.
	backendCopy
)

func (b drmBackend) String() string {
	switch b {
	case backendPrime:
		return "prime"
	case backendDumb:
		return "dumb"
	case backendCopy:
		return "copy"
	default:
		return "none"
	}
}

// output is one connected connector with an active CRTC and framebuffer.
type output struct {
	name        string
	connectorID uint32
	crtcID      uint32
	fbID        uint32
	width       uint16
	height      uint16
}

// drmSource captures the scanout buffer of one CRTC on a DRI card.
type drmSource struct {
	path string
	file *os.File
	out  output

	// state of the currently mapped framebuffer
	fbID    uint32
	tag     types.PixelFormatTag
	pitch   uint32
	width   uint16
	height  uint16
	backend drmBackend
	mapping []byte // prime or dumb mmap, pitch*height bytes

	gemHandle uint32
	primeFD   int

	// copy backend staging dumb buffer
	stageHandle  uint32
	stageMapping []byte
}

// openDRM opens a DRI card and binds to its first active output.
func openDRM(path string) (*drmSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	outputs, err := probeOutputs(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(outputs) == 0 {
		f.Close()
		return nil, fmt.Errorf("%s: no active outputs", path)
	}

	s := &drmSource{path: path, file: f, out: outputs[0], primeFD: -1}
	logging.Info("using DRM output",
		logging.Device(path),
		"connector", s.out.name,
		"width", s.out.width,
		"height", s.out.height,
	)

	// Map the initial framebuffer now so unusable set-ups fail start-up
	// instead of the first session.
	if err := s.remap(s.out.fbID); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// probeOutputs walks connector -> encoder -> CRTC and keeps every connected
// chain with a mode and a non-zero framebuffer.
func probeOutputs(fd int) ([]output, error) {
	_, connectors, err := getResources(fd)
	if err != nil {
		return nil, err
	}
	sort.Slice(connectors, func(i, j int) bool { return connectors[i] < connectors[j] })

	var outputs []output
	for _, id := range connectors {
		conn, err := getConnector(fd, id)
		if err != nil {
			logging.Debug("connector probe failed", "connector", id, logging.Err(err))
			continue
		}
		if conn.connection != drmModeConnected || conn.encoderID == 0 {
			continue
		}
		enc, err := getEncoder(fd, conn.encoderID)
		if err != nil || enc.crtcID == 0 {
			continue
		}
		crtc, err := getCrtc(fd, enc.crtcID)
		if err != nil || crtc.modeValid == 0 || crtc.fbID == 0 {
			continue
		}
		outputs = append(outputs, output{
			name:        connectorName(conn.connectorType, conn.connectorTypeID),
			connectorID: id,
			crtcID:      enc.crtcID,
			fbID:        crtc.fbID,
			width:       crtc.mode.hdisplay,
			height:      crtc.mode.vdisplay,
		})
	}
	return outputs, nil
}

func (s *drmSource) DevicePath() string { return s.path }

// Tick revalidates the active FB_ID and returns a descriptor over the
// current pixel memory. A changed FB_ID tears down the old mapping and
// re-runs the backend escalation.
func (s *drmSource) Tick() (types.Frame, error) {
	fd := int(s.file.Fd())

	crtc, err := getCrtc(fd, s.out.crtcID)
	if err != nil {
		return types.Frame{}, types.TransientError{Err: err}
	}
	fbID := crtc.fbID
	if fbID == 0 {
		fbID = s.out.fbID
	}

	if fbID != s.fbID || s.mapping == nil {
		if err := s.remap(fbID); err != nil {
			return types.Frame{}, err
		}
	}

	pix := s.mapping
	if s.backend == backendCopy {
		// Auxiliary path: pull the scanout bytes through the dma-buf into
		// the staging dumb buffer.
		if _, err := unix.Pread(s.primeFD, s.stageMapping, 0); err != nil {
			return types.Frame{}, types.TransientError{Err: fmt.Errorf("dma-buf read: %w", err)}
		}
		pix = s.stageMapping
	}

	return types.Frame{
		Width:  int(s.width),
		Height: int(s.height),
		Stride: int(s.pitch),
		Format: s.tag,
		Pix:    pix,
	}, nil
}

// fbInfo is the geometry and format of one framebuffer.
type fbInfo struct {
	width, height uint32
	pitch         uint32
	handle        uint32
	tag           types.PixelFormatTag
}

// remap tears down the previous mapping and acquires fbID through the
// escalation chain: PRIME dma-buf mmap, then MAP_DUMB, then staging copy.
func (s *drmSource) remap(fbID uint32) error {
	s.unmap()
	fd := int(s.file.Fd())

	info, err := s.queryFB(fd, fbID)
	if err != nil {
		return err
	}
	size := int(info.pitch) * int(info.height)

	s.fbID = fbID
	s.tag = info.tag
	s.pitch = info.pitch
	s.width = uint16(info.width)
	s.height = uint16(info.height)
	s.gemHandle = info.handle

	// (1) PRIME export + dma-buf mmap.
	primeFD, primeErr := primeHandleToFD(fd, info.handle)
	if primeErr == nil {
		s.primeFD = primeFD
		if err := s.mapPrime(size); err == nil {
			s.backend = backendPrime
			logging.Debug("framebuffer mapped", "fb", fbID, "backend", s.backend.String(),
				"format", s.tag.String(), "pitch", s.pitch)
			return nil
		} else {
			logging.Debug("PRIME mmap failed, trying dumb map", "fb", fbID, logging.Err(err))
		}
	} else {
		logging.Debug("PRIME export failed, trying dumb map", "fb", fbID, logging.Err(primeErr))
	}

	// (2) Plain GEM mmap through MAP_DUMB.
	if err := s.mapDumbBuffer(fd, size); err == nil {
		s.backend = backendDumb
		logging.Debug("framebuffer mapped", "fb", fbID, "backend", s.backend.String(),
			"format", s.tag.String(), "pitch", s.pitch)
		return nil
	} else {
		logging.Debug("dumb map failed", "fb", fbID, logging.Err(err))
	}

	// (3) Staging copy. Needs the dma-buf for reading even though its mmap
	// was unusable.
	if s.primeFD >= 0 {
		if err := s.setupCopyBackend(fd, info, size); err == nil {
			s.backend = backendCopy
			logging.Debug("framebuffer staged", "fb", fbID, "backend", s.backend.String(),
				"format", s.tag.String(), "pitch", s.pitch)
			return nil
		} else {
			logging.Debug("staging copy set-up failed", "fb", fbID, logging.Err(err))
		}
	}

	s.unmap()
	return fmt.Errorf("%s: cannot access framebuffer %d pixels; CAP_SYS_ADMIN is required for PRIME export (try: sudo setcap cap_sys_admin+ep %s)",
		s.path, fbID, exePath())
}

// queryFB fetches framebuffer geometry and format, preferring GETFB2 for its
// explicit FourCC and modifier.
func (s *drmSource) queryFB(fd int, fbID uint32) (fbInfo, error) {
	if fb2, err := getFB2(fd, fbID); err == nil {
		if fb2.flags&fbModifiersFlag != 0 && fb2.modifier[0] != pixfmt.ModifierLinear {
			return fbInfo{}, types.NonLinearModifierError{Modifier: fb2.modifier[0]}
		}
		tag, err := pixfmt.TagForFourCC(fb2.pixelFormat)
		if err != nil {
			return fbInfo{}, err
		}
		if fb2.handles[0] == 0 {
			return fbInfo{}, fmt.Errorf("GETFB2 returned no buffer handle; CAP_SYS_ADMIN is required (try: sudo setcap cap_sys_admin+ep %s)", exePath())
		}
		return fbInfo{
			width:  fb2.width,
			height: fb2.height,
			pitch:  fb2.pitches[0],
			handle: fb2.handles[0],
			tag:    tag,
		}, nil
	}

	// Older kernels: GETFB reports bpp/depth instead of a FourCC.
	fb, err := getFB(fd, fbID)
	if err != nil {
		return fbInfo{}, types.TransientError{Err: err}
	}
	tag, ok := pixfmt.TagForLegacyFB(fb.bpp, fb.depth)
	if !ok {
		return fbInfo{}, fmt.Errorf("unsupported framebuffer format: %dbpp depth=%d", fb.bpp, fb.depth)
	}
	if fb.handle == 0 {
		return fbInfo{}, fmt.Errorf("GETFB returned no buffer handle; CAP_SYS_ADMIN is required (try: sudo setcap cap_sys_admin+ep %s)", exePath())
	}
	return fbInfo{width: fb.width, height: fb.height, pitch: fb.pitch, handle: fb.handle, tag: tag}, nil
}

// mapPrime maps the exported dma-buf. Some drivers export a zero-length
// buffer and only fail at access time; comparing the dma-buf size (lseek to
// its end) with pitch*height catches those before a session faults on the
// mapping.
func (s *drmSource) mapPrime(size int) error {
	if end, err := unix.Seek(s.primeFD, 0, unix.SEEK_END); err == nil && end < int64(size) {
		return fmt.Errorf("dma-buf too small: %d bytes for %d needed", end, size)
	}
	m, err := unix.Mmap(s.primeFD, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("dma-buf mmap: %w", err)
	}
	s.mapping = m
	return nil
}

func (s *drmSource) mapDumbBuffer(fd, size int) error {
	offset, err := mapDumb(fd, s.gemHandle)
	if err != nil {
		return err
	}
	m, err := unix.Mmap(fd, int64(offset), size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("dumb mmap: %w", err)
	}
	s.mapping = m
	return nil
}

func (s *drmSource) setupCopyBackend(fd int, info fbInfo, size int) error {
	bpp := uint32(info.tag.BytesPerPixel() * 8)
	dumb, err := createDumb(fd, info.width, info.height, bpp)
	if err != nil {
		return err
	}
	offset, err := mapDumb(fd, dumb.handle)
	if err != nil {
		destroyDumb(fd, dumb.handle)
		return err
	}
	stageSize := int(dumb.size)
	if stageSize < size {
		stageSize = size
	}
	m, err := unix.Mmap(fd, int64(offset), stageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		destroyDumb(fd, dumb.handle)
		return fmt.Errorf("staging mmap: %w", err)
	}
	// The staging buffer has its own pitch.
	s.pitch = dumb.pitch
	s.stageHandle = dumb.handle
	s.stageMapping = m[:int(dumb.pitch)*int(info.height)]
	return nil
}

// unmap releases every per-framebuffer resource.
func (s *drmSource) unmap() {
	fd := int(s.file.Fd())
	if s.mapping != nil {
		unix.Munmap(s.mapping)
		s.mapping = nil
	}
	if s.stageMapping != nil {
		unix.Munmap(s.stageMapping[:cap(s.stageMapping)])
		s.stageMapping = nil
	}
	if s.stageHandle != 0 {
		destroyDumb(fd, s.stageHandle)
		s.stageHandle = 0
	}
	if s.primeFD >= 0 {
		unix.Close(s.primeFD)
		s.primeFD = -1
	}
	if s.gemHandle != 0 {
		gemClose(fd, s.gemHandle)
		s.gemHandle = 0
	}
	s.backend = backendNone
	s.fbID = 0
}

func (s *drmSource) Close() error {
	s.unmap()
	return s.file.Close()
}

func exePath() string {
	exe, err := os.Executable()
	if err != nil {
		return "<binary>"
	}
	return exe
}
