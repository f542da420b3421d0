package rfb

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/internal/metrics"
	"github.com/kmsvnc/kmsvnc/internal/pixfmt"
	"github.com/kmsvnc/kmsvnc/internal/util"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// FrameSource is the session's view of the capturer.
type FrameSource interface {
	// Tick refreshes the latest-frame descriptor.
	Tick() error
	// View runs fn with the latest frame under the capturer's reader lock.
	View(fn func(*types.Frame) error) error
	// Bounds returns the framebuffer geometry.
	Bounds() (w, h uint16)
}

// InputHandler receives the session's decoded input events.
type InputHandler interface {
	Pointer(ev types.PointerEvent) error
	Key(ev types.KeyEvent) error
	// Close releases everything the session still holds.
	Close()
}

// Config carries the per-server session parameters.
type Config struct {
	// Name is advertised in ServerInit.
	Name string
	// Password enables VNC Authentication when non-empty.
	Password string
	// FPS caps the update rate.
	FPS int
}

// maxCutTextLen bounds ClientCutText bodies; the text is discarded either
// way, this only stops a hostile length from pinning the reader.
const maxCutTextLen = 1 << 20

// transientLimit is how many consecutive capture transients a session
// tolerates before it gives up.
const transientLimit = 3

// Session drives the RFB state machine for one accepted connection:
// ProtocolVersion, Security, SecurityResult, ClientInit, ServerInit, then
// the Running message loop. Any I/O error or protocol violation is terminal
// for the session only.
type Session struct {
	id     uint64
	conn   io.ReadWriteCloser
	remote string
	br     *bufio.Reader

	frames FrameSource
	input  InputHandler
	cfg    Config
	m      *metrics.Metrics

	minor         int // negotiated minor version: 3, 7 or 8
	width, height uint16
	grid          *TileGrid
	limiter       *rate.Limiter

	mu         sync.Mutex
	clientPF   pixfmt.PixelFormat
	encodings  []int32
	pending    types.Rect
	pendingInc bool
	hasPending bool
	notify     chan struct{}

	transients int
	scratch    []byte
}

// NewSession wraps an accepted connection. remote is used for logging only.
func NewSession(id uint64, conn io.ReadWriteCloser, remote string, frames FrameSource, input InputHandler, cfg Config, m *metrics.Metrics) *Session {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Name == "" {
		cfg.Name = "kmsvnc"
	}
	return &Session{
		id:       id,
		conn:     conn,
		remote:   remote,
		br:       bufio.NewReaderSize(conn, 4096),
		frames:   frames,
		input:    input,
		cfg:      cfg,
		m:        m,
		clientPF: pixfmt.ServerDefault(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.FPS), 1),
		notify:   make(chan struct{}, 1),
	}
}

// Run performs the handshake and then serves the session until the client
// disconnects, the context is cancelled, or a protocol-fatal error occurs.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.input.Close()

	if err := s.handshake(); err != nil {
		return err
	}

	logging.Info("session running",
		logging.Session(s.id),
		"remote", s.remote,
		"version", fmt.Sprintf("3.%d", s.minor),
		"width", s.width,
		"height", s.height,
	)

	readErr := make(chan error, 1)
	util.SafeGoWithName("session-reader", func() {
		readErr <- s.readLoop()
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-s.notify:
			if err := s.sendUpdate(ctx); err != nil {
				// Closing the conn unblocks the reader; its error is
				// superseded by ours.
				s.conn.Close()
				<-readErr
				return err
			}
		}
	}
}

// --- handshake ---

func (s *Session) handshake() error {
	if _, err := s.conn.Write([]byte(serverBanner)); err != nil {
		return fmt.Errorf("send protocol version: %w", err)
	}

	var banner [12]byte
	if _, err := io.ReadFull(s.br, banner[:]); err != nil {
		return types.ProtocolError{Reason: "short client version banner"}
	}
	minor, err := parseBanner(banner)
	if err != nil {
		return err
	}
	// Downgrade to the common version. Anything newer than 3.8 speaks 3.8;
	// 3.4-3.6 never shipped as servers and are treated as 3.3.
	switch {
	case minor >= 8:
		s.minor = 8
	case minor == 7:
		s.minor = 7
	default:
		s.minor = 3
	}
	logging.Debug("client version", logging.Session(s.id), "minor", minor, "negotiated", s.minor)

	if err := s.negotiateSecurity(); err != nil {
		return err
	}

	// ClientInit: the shared flag is read and logged; this server always
	// shares.
	var shared [1]byte
	if _, err := io.ReadFull(s.br, shared[:]); err != nil {
		return types.ProtocolError{Reason: "short ClientInit"}
	}
	logging.Debug("client init", logging.Session(s.id), "shared", shared[0] != 0)

	return s.sendServerInit()
}

func parseBanner(b [12]byte) (int, error) {
	if string(b[:4]) != "RFB " || b[7] != '.' || b[11] != '\n' {
		return 0, types.ProtocolError{Reason: "malformed version banner"}
	}
	minor := 0
	for _, c := range b[8:11] {
		if c < '0' || c > '9' {
			return 0, types.ProtocolError{Reason: "malformed version banner"}
		}
		minor = minor*10 + int(c-'0')
	}
	return minor, nil
}

func (s *Session) negotiateSecurity() error {
	secType := secTypeNone
	if s.cfg.Password != "" {
		secType = secTypeVNCAuth
	}

	if s.minor == 3 {
		// 3.3: the server dictates the type as a u32.
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(secType))
		if _, err := s.conn.Write(buf[:]); err != nil {
			return fmt.Errorf("send security type: %w", err)
		}
	} else {
		// 3.7+: length-prefixed list, client selects.
		if _, err := s.conn.Write([]byte{1, secType}); err != nil {
			return fmt.Errorf("send security types: %w", err)
		}
		var sel [1]byte
		if _, err := io.ReadFull(s.br, sel[:]); err != nil {
			return types.ProtocolError{Reason: "short security selection"}
		}
		if sel[0] != secType {
			return types.ProtocolError{Reason: fmt.Sprintf("client selected unsupported security type %d", sel[0])}
		}
	}

	if secType == secTypeVNCAuth {
		return s.vncAuth()
	}

	// None: 3.8 still expects a SecurityResult; 3.3/3.7 go straight to
	// ClientInit.
	if s.minor >= 8 {
		return s.writeSecurityResult(secResultOK, "")
	}
	return nil
}

func (s *Session) vncAuth() error {
	challenge, err := newChallenge()
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(challenge[:]); err != nil {
		return fmt.Errorf("send auth challenge: %w", err)
	}

	var response [16]byte
	if _, err := io.ReadFull(s.br, response[:]); err != nil {
		return types.ProtocolError{Reason: "short auth response"}
	}

	if !verifyResponse(s.cfg.Password, challenge, response) {
		// 3.3 and 3.7 have no SecurityResult after VNC Authentication; the
		// connection just closes. Only 3.8 reports the failure and reason.
		if s.minor >= 8 {
			s.writeSecurityResult(secResultFailed, "Authentication failed")
		}
		logging.Warn("authentication failed", logging.Session(s.id), "remote", s.remote)
		return types.ErrAuthFailed
	}
	if s.minor >= 8 {
		return s.writeSecurityResult(secResultOK, "")
	}
	return nil
}

// writeSecurityResult sends the 4-byte status; on failure under 3.8 the
// length-prefixed reason string follows.
func (s *Session) writeSecurityResult(result uint32, reason string) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], result)
	if _, err := s.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("send security result: %w", err)
	}
	if result != secResultOK && s.minor >= 8 && reason != "" {
		msg := make([]byte, 4+len(reason))
		binary.BigEndian.PutUint32(msg, uint32(len(reason)))
		copy(msg[4:], reason)
		s.conn.Write(msg)
	}
	return nil
}

func (s *Session) sendServerInit() error {
	w, h := s.frames.Bounds()
	s.width, s.height = w, h
	s.grid = NewTileGrid(w, h)

	pf := pixfmt.ServerDefault()
	name := s.cfg.Name

	buf := make([]byte, 0, 24+len(name))
	buf = binary.BigEndian.AppendUint16(buf, w)
	buf = binary.BigEndian.AppendUint16(buf, h)
	var pfBytes [16]byte
	pf.Encode(pfBytes[:])
	buf = append(buf, pfBytes[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)

	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("send ServerInit: %w", err)
	}
	return nil
}

// --- running state: client messages ---

func (s *Session) readLoop() error {
	for {
		msgType, err := s.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read message type: %w", err)
		}

		switch msgType {
		case msgSetPixelFormat:
			if err := s.readSetPixelFormat(); err != nil {
				return err
			}
		case msgSetEncodings:
			if err := s.readSetEncodings(); err != nil {
				return err
			}
		case msgUpdateRequest:
			if err := s.readUpdateRequest(); err != nil {
				return err
			}
		case msgKeyEvent:
			if err := s.readKeyEvent(); err != nil {
				return err
			}
		case msgPointerEvent:
			if err := s.readPointerEvent(); err != nil {
				return err
			}
		case msgClientCutText:
			if err := s.readCutText(); err != nil {
				return err
			}
		default:
			return types.ProtocolError{Reason: fmt.Sprintf("unknown client message type %d", msgType)}
		}
	}
}

func (s *Session) readSetPixelFormat() error {
	var buf [19]byte // 3 bytes padding + 16-byte pixel format
	if _, err := io.ReadFull(s.br, buf[:]); err != nil {
		return types.ProtocolError{Reason: "short SetPixelFormat"}
	}
	pf := pixfmt.Decode(buf[3:19])
	if err := pf.Validate(); err != nil {
		return types.ProtocolError{Reason: fmt.Sprintf("unusable pixel format: %v", err)}
	}

	s.mu.Lock()
	s.clientPF = pf
	s.mu.Unlock()

	logging.Debug("client pixel format",
		logging.Session(s.id),
		"bpp", pf.BPP,
		"big_endian", pf.BigEndian,
		"rmax", pf.RedMax, "gmax", pf.GreenMax, "bmax", pf.BlueMax,
		"rshift", pf.RedShift, "gshift", pf.GreenShift, "bshift", pf.BlueShift,
	)
	return nil
}

func (s *Session) readSetEncodings() error {
	var hdr [3]byte // 1 byte padding + u16 count
	if _, err := io.ReadFull(s.br, hdr[:]); err != nil {
		return types.ProtocolError{Reason: "short SetEncodings"}
	}
	count := int(binary.BigEndian.Uint16(hdr[1:3]))

	encodings := make([]int32, 0, count)
	var enc [4]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(s.br, enc[:]); err != nil {
			return types.ProtocolError{Reason: "short SetEncodings body"}
		}
		encodings = append(encodings, int32(binary.BigEndian.Uint32(enc[:])))
	}

	s.mu.Lock()
	s.encodings = encodings
	s.mu.Unlock()

	logging.Debug("client encodings", logging.Session(s.id), "count", count)
	return nil
}

func (s *Session) readUpdateRequest() error {
	var buf [9]byte
	if _, err := io.ReadFull(s.br, buf[:]); err != nil {
		return types.ProtocolError{Reason: "short FramebufferUpdateRequest"}
	}
	incremental := buf[0] != 0
	rect := types.Rect{
		X: binary.BigEndian.Uint16(buf[1:3]),
		Y: binary.BigEndian.Uint16(buf[3:5]),
		W: binary.BigEndian.Uint16(buf[5:7]),
		H: binary.BigEndian.Uint16(buf[7:9]),
	}

	s.mu.Lock()
	if s.hasPending {
		s.pending = unionRect(s.pending, rect)
		s.pendingInc = s.pendingInc && incremental
	} else {
		s.pending = rect
		s.pendingInc = incremental
		s.hasPending = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func unionRect(a, b types.Rect) types.Rect {
	x0 := min(int(a.X), int(b.X))
	y0 := min(int(a.Y), int(b.Y))
	x1 := max(int(a.X)+int(a.W), int(b.X)+int(b.W))
	y1 := max(int(a.Y)+int(a.H), int(b.Y)+int(b.H))
	return types.Rect{X: uint16(x0), Y: uint16(y0), W: uint16(x1 - x0), H: uint16(y1 - y0)}
}

func (s *Session) readKeyEvent() error {
	var buf [7]byte
	if _, err := io.ReadFull(s.br, buf[:]); err != nil {
		return types.ProtocolError{Reason: "short KeyEvent"}
	}
	ev := types.KeyEvent{
		Down:   buf[0] != 0,
		Keysym: binary.BigEndian.Uint32(buf[3:7]),
	}
	s.m.RecordInput()
	if err := s.input.Key(ev); err != nil {
		logging.Warn("key event failed", logging.Session(s.id), logging.Err(err))
	}
	return nil
}

func (s *Session) readPointerEvent() error {
	var buf [5]byte
	if _, err := io.ReadFull(s.br, buf[:]); err != nil {
		return types.ProtocolError{Reason: "short PointerEvent"}
	}
	ev := types.PointerEvent{
		Buttons: buf[0],
		X:       binary.BigEndian.Uint16(buf[1:3]),
		Y:       binary.BigEndian.Uint16(buf[3:5]),
	}
	s.m.RecordInput()
	if err := s.input.Pointer(ev); err != nil {
		logging.Warn("pointer event failed", logging.Session(s.id), logging.Err(err))
	}
	return nil
}

// readCutText parses and discards ClientCutText; clipboard forwarding is
// not implemented.
func (s *Session) readCutText() error {
	var hdr [7]byte // 3 bytes padding + u32 length
	if _, err := io.ReadFull(s.br, hdr[:]); err != nil {
		return types.ProtocolError{Reason: "short ClientCutText"}
	}
	length := binary.BigEndian.Uint32(hdr[3:7])
	if length > maxCutTextLen {
		return types.ProtocolError{Reason: fmt.Sprintf("ClientCutText too large: %d bytes", length)}
	}
	if _, err := io.CopyN(io.Discard, s.br, int64(length)); err != nil {
		return types.ProtocolError{Reason: "short ClientCutText body"}
	}
	logging.Debug("client cut text discarded", logging.Session(s.id), "length", length)
	return nil
}

// --- running state: updates ---

// sendUpdate answers one outstanding FramebufferUpdateRequest with the tiles
// whose content changed since their last transmission.
func (s *Session) sendUpdate(ctx context.Context) error {
	s.mu.Lock()
	rect, incremental := s.pending, s.pendingInc
	s.hasPending = false
	pf := s.clientPF
	s.mu.Unlock()

	// Minimum inter-update spacing of 1/fps.
	if err := s.limiter.Wait(ctx); err != nil {
		return nil
	}

	if !incremental {
		s.grid.Invalidate(rect)
	}

	start := time.Now()
	if err := s.frames.Tick(); err != nil {
		if types.IsTransient(err) {
			s.transients++
			logging.Debug("capture tick failed, skipping update",
				logging.Session(s.id), "consecutive", s.transients, logging.Err(err))
			s.m.RecordCaptureError()
			if s.transients >= transientLimit {
				return fmt.Errorf("capture failing persistently: %w", err)
			}
			s.requeue(rect, incremental)
			return nil
		}
		return err
	}
	s.transients = 0

	var tiles []DirtyTile
	buf := s.scratch[:0]
	viewErr := s.frames.View(func(f *types.Frame) error {
		if uint16(f.Width) != s.width || uint16(f.Height) != s.height {
			return fmt.Errorf("framebuffer geometry changed from %dx%d to %dx%d; session must reconnect",
				s.width, s.height, f.Width, f.Height)
		}
		tiles = s.grid.Dirty(f, rect)

		var err error
		buf = appendUpdateHeader(buf, len(tiles))
		for _, t := range tiles {
			buf = appendRectHeader(buf, t.Rect.X, t.Rect.Y, t.Rect.W, t.Rect.H, encodingRaw)
			buf, err = pixfmt.AppendTile(buf, f, t.Rect, &pf)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if viewErr != nil {
		return viewErr
	}

	// The wire bytes are assembled; write outside the capturer lock so a
	// slow client cannot stall capture for other sessions.
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("write update: %w", err)
	}
	s.grid.Commit(tiles)
	s.scratch = buf[:0]

	s.m.RecordUpdate(len(tiles), len(buf), time.Since(start))
	return nil
}

// requeue restores a request that could not be served this tick.
func (s *Session) requeue(rect types.Rect, incremental bool) {
	s.mu.Lock()
	if s.hasPending {
		s.pending = unionRect(s.pending, rect)
		s.pendingInc = s.pendingInc && incremental
	} else {
		s.pending = rect
		s.pendingInc = incremental
		s.hasPending = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
