package rfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// memFrames is a FrameSource over an in-memory frame.
type memFrames struct {
	frame types.Frame
}

func newMemFrames(w, h int) *memFrames {
	return &memFrames{frame: types.Frame{
		Width:  w,
		Height: h,
		Stride: w * 4,
		Format: types.FormatXRGB8888,
		Pix:    make([]byte, w*h*4),
	}}
}

func (m *memFrames) Tick() error                          { return nil }
func (m *memFrames) View(fn func(*types.Frame) error) error { return fn(&m.frame) }
func (m *memFrames) Bounds() (uint16, uint16) {
	return uint16(m.frame.Width), uint16(m.frame.Height)
}

// nopInput records decoded events.
type nopInput struct {
	pointers []types.PointerEvent
	keys     []types.KeyEvent
	closed   bool
}

func (n *nopInput) Pointer(ev types.PointerEvent) error { n.pointers = append(n.pointers, ev); return nil }
func (n *nopInput) Key(ev types.KeyEvent) error         { n.keys = append(n.keys, ev); return nil }
func (n *nopInput) Close()                              { n.closed = true }

type sessionHarness struct {
	client net.Conn
	frames *memFrames
	input  *nopInput
	done   chan error
}

func startSession(t *testing.T, frames *memFrames, cfg Config) *sessionHarness {
	t.Helper()
	server, client := net.Pipe()
	input := &nopInput{}
	cfg.FPS = 1000 // keep pacing out of test timing
	sess := NewSession(1, server, "test", frames, input, cfg, nil)

	h := &sessionHarness{client: client, frames: frames, input: input, done: make(chan error, 1)}
	go func() {
		h.done <- sess.Run(context.Background())
		close(h.done)
	}()
	t.Cleanup(func() {
		client.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not terminate")
		}
	})
	return h
}

func (h *sessionHarness) mustRead(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	h.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(h.client, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func (h *sessionHarness) mustWrite(t *testing.T, data []byte) {
	t.Helper()
	h.client.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := h.client.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// handshake drives the client side through ServerInit and returns the
// advertised geometry.
func (h *sessionHarness) handshake(t *testing.T, clientBanner, password string) (w, h16 uint16) {
	t.Helper()
	banner := h.mustRead(t, 12)
	if string(banner) != "RFB 003.008\n" {
		t.Fatalf("server banner %q", banner)
	}
	h.mustWrite(t, []byte(clientBanner))

	if password == "" {
		list := h.mustRead(t, 2)
		if list[0] != 1 || list[1] != 1 {
			t.Fatalf("security list %v, want [1 1]", list)
		}
		h.mustWrite(t, []byte{1})
	} else {
		list := h.mustRead(t, 2)
		if list[0] != 1 || list[1] != 2 {
			t.Fatalf("security list %v, want [1 2]", list)
		}
		h.mustWrite(t, []byte{2})
		var challenge [16]byte
		copy(challenge[:], h.mustRead(t, 16))
		response := EncryptChallenge(password, challenge)
		h.mustWrite(t, response[:])
	}

	result := h.mustRead(t, 4)
	if binary.BigEndian.Uint32(result) != 0 {
		t.Fatalf("security result %v", result)
	}

	h.mustWrite(t, []byte{1}) // ClientInit, shared

	init := h.mustRead(t, 24)
	w = binary.BigEndian.Uint16(init[0:2])
	h16 = binary.BigEndian.Uint16(init[2:4])
	nameLen := binary.BigEndian.Uint32(init[20:24])
	h.mustRead(t, int(nameLen))
	return w, h16
}

func (h *sessionHarness) sendUpdateRequest(t *testing.T, incremental bool, r types.Rect) {
	t.Helper()
	msg := make([]byte, 10)
	msg[0] = 3
	if incremental {
		msg[1] = 1
	}
	binary.BigEndian.PutUint16(msg[2:], r.X)
	binary.BigEndian.PutUint16(msg[4:], r.Y)
	binary.BigEndian.PutUint16(msg[6:], r.W)
	binary.BigEndian.PutUint16(msg[8:], r.H)
	h.mustWrite(t, msg)
}

type wireRect struct {
	r        types.Rect
	encoding int32
	payload  []byte
}

func (h *sessionHarness) readUpdate(t *testing.T, bytesPerPixel int) []wireRect {
	t.Helper()
	hdr := h.mustRead(t, 4)
	if hdr[0] != 0 {
		t.Fatalf("message type %d, want 0", hdr[0])
	}
	n := int(binary.BigEndian.Uint16(hdr[2:4]))
	rects := make([]wireRect, 0, n)
	for i := 0; i < n; i++ {
		rh := h.mustRead(t, 12)
		r := types.Rect{
			X: binary.BigEndian.Uint16(rh[0:2]),
			Y: binary.BigEndian.Uint16(rh[2:4]),
			W: binary.BigEndian.Uint16(rh[4:6]),
			H: binary.BigEndian.Uint16(rh[6:8]),
		}
		enc := int32(binary.BigEndian.Uint32(rh[8:12]))
		payload := h.mustRead(t, int(r.W)*int(r.H)*bytesPerPixel)
		rects = append(rects, wireRect{r: r, encoding: enc, payload: payload})
	}
	return rects
}

// Scenario: no-auth handshake advertises security None, SecurityResult 0,
// and ServerInit with XRGB8888 little-endian.
func TestHandshakeNoAuth(t *testing.T) {
	h := startSession(t, newMemFrames(128, 64), Config{Name: "kmsvnc"})

	banner := h.mustRead(t, 12)
	if string(banner) != "RFB 003.008\n" {
		t.Fatalf("banner %q", banner)
	}
	h.mustWrite(t, []byte("RFB 003.008\n"))

	list := h.mustRead(t, 2)
	if list[0] != 1 || list[1] != 1 {
		t.Fatalf("security list %v, want [1 1] (None only)", list)
	}
	h.mustWrite(t, []byte{1})

	if result := binary.BigEndian.Uint32(h.mustRead(t, 4)); result != 0 {
		t.Fatalf("SecurityResult = %d, want 0", result)
	}

	h.mustWrite(t, []byte{0})

	init := h.mustRead(t, 24)
	if w := binary.BigEndian.Uint16(init[0:2]); w != 128 {
		t.Errorf("width %d, want 128", w)
	}
	if hh := binary.BigEndian.Uint16(init[2:4]); hh != 64 {
		t.Errorf("height %d, want 64", hh)
	}
	wantPF := []byte{32, 24, 0, 1, 0, 255, 0, 255, 0, 255, 16, 8, 0, 0, 0, 0}
	for i, b := range wantPF {
		if init[4+i] != b {
			t.Errorf("pixel format byte %d = %d, want %d", i, init[4+i], b)
		}
	}
	nameLen := binary.BigEndian.Uint32(init[20:24])
	name := h.mustRead(t, int(nameLen))
	if string(name) != "kmsvnc" {
		t.Errorf("name %q", name)
	}
}

func TestHandshakeRFB33(t *testing.T) {
	h := startSession(t, newMemFrames(64, 64), Config{})

	h.mustRead(t, 12)
	h.mustWrite(t, []byte("RFB 003.003\n"))

	// 3.3: single u32 security type, no SecurityResult for None.
	sec := h.mustRead(t, 4)
	if binary.BigEndian.Uint32(sec) != 1 {
		t.Fatalf("3.3 security type %v, want 1", sec)
	}
	h.mustWrite(t, []byte{1})

	init := h.mustRead(t, 24)
	if w := binary.BigEndian.Uint16(init[0:2]); w != 64 {
		t.Errorf("width %d", w)
	}
	nameLen := binary.BigEndian.Uint32(init[20:24])
	h.mustRead(t, int(nameLen))
}

func TestHandshakeRFB37(t *testing.T) {
	h := startSession(t, newMemFrames(64, 64), Config{})

	h.mustRead(t, 12)
	h.mustWrite(t, []byte("RFB 003.007\n"))

	list := h.mustRead(t, 2)
	if list[0] != 1 || list[1] != 1 {
		t.Fatalf("security list %v", list)
	}
	h.mustWrite(t, []byte{1})

	// 3.7 with None: no SecurityResult, straight to ServerInit after
	// ClientInit.
	h.mustWrite(t, []byte{1})
	init := h.mustRead(t, 24)
	if w := binary.BigEndian.Uint16(init[0:2]); w != 64 {
		t.Errorf("width %d", w)
	}
	nameLen := binary.BigEndian.Uint32(init[20:24])
	h.mustRead(t, int(nameLen))
}

// A client announcing a future minor version is treated as 3.8.
func TestVersionDowngradeFrom39(t *testing.T) {
	h := startSession(t, newMemFrames(64, 64), Config{})
	h.mustRead(t, 12)
	h.mustWrite(t, []byte("RFB 003.009\n"))

	list := h.mustRead(t, 2)
	if list[0] != 1 || list[1] != 1 {
		t.Fatalf("security list %v", list)
	}
	h.mustWrite(t, []byte{1})
	if result := binary.BigEndian.Uint32(h.mustRead(t, 4)); result != 0 {
		t.Fatalf("SecurityResult = %d", result)
	}
	h.mustWrite(t, []byte{0})
	init := h.mustRead(t, 24)
	nameLen := binary.BigEndian.Uint32(init[20:24])
	h.mustRead(t, int(nameLen))
}

// authHandshake walks the client through security negotiation for the given
// minor version, answering the challenge with the password, and stops right
// after the response bytes are on the wire.
func (h *sessionHarness) authHandshake(t *testing.T, minor int, password string) {
	t.Helper()
	h.mustRead(t, 12)
	h.mustWrite(t, []byte(fmt.Sprintf("RFB 003.%03d\n", minor)))

	if minor == 3 {
		// 3.3: the server dictates the type as a u32, no selection byte.
		sec := h.mustRead(t, 4)
		if binary.BigEndian.Uint32(sec) != 2 {
			t.Fatalf("3.3 security type %v, want 2", sec)
		}
	} else {
		list := h.mustRead(t, 2)
		if list[0] != 1 || list[1] != 2 {
			t.Fatalf("security list %v, want [1 2]", list)
		}
		h.mustWrite(t, []byte{2})
	}

	var challenge [16]byte
	copy(challenge[:], h.mustRead(t, 16))
	response := EncryptChallenge(password, challenge)
	h.mustWrite(t, response[:])
}

// Successful VNC auth reaches Running on every supported version. Only 3.8
// sends a SecurityResult after the response; 3.3 and 3.7 go straight to
// ClientInit.
func TestAuthSuccessPerVersion(t *testing.T) {
	for _, minor := range []int{3, 7, 8} {
		t.Run(fmt.Sprintf("3.%d", minor), func(t *testing.T) {
			h := startSession(t, newMemFrames(64, 64), Config{Password: "pass"})
			h.authHandshake(t, minor, "pass")

			if minor >= 8 {
				if result := binary.BigEndian.Uint32(h.mustRead(t, 4)); result != 0 {
					t.Fatalf("SecurityResult = %d, want 0", result)
				}
			}

			h.mustWrite(t, []byte{1}) // ClientInit

			init := h.mustRead(t, 24)
			if w := binary.BigEndian.Uint16(init[0:2]); w != 64 {
				t.Errorf("width %d, want 64", w)
			}
			nameLen := binary.BigEndian.Uint32(init[20:24])
			h.mustRead(t, int(nameLen))

			// Prove the session is really in Running state.
			h.sendUpdateRequest(t, false, types.Rect{W: 64, H: 64})
			h.readUpdate(t, 4)
		})
	}
}

// A mutated response is rejected on every version. 3.8 reports the failure
// with a reason string first; 3.3 and 3.7 just close.
func TestAuthFailurePerVersion(t *testing.T) {
	for _, minor := range []int{3, 7, 8} {
		t.Run(fmt.Sprintf("3.%d", minor), func(t *testing.T) {
			h := startSession(t, newMemFrames(64, 64), Config{Password: "pass"})

			h.mustRead(t, 12)
			h.mustWrite(t, []byte(fmt.Sprintf("RFB 003.%03d\n", minor)))

			if minor == 3 {
				h.mustRead(t, 4)
			} else {
				h.mustRead(t, 2)
				h.mustWrite(t, []byte{2})
			}

			var challenge [16]byte
			copy(challenge[:], h.mustRead(t, 16))
			response := EncryptChallenge("pass", challenge)
			response[0] ^= 0x01 // single-bit mutation
			h.mustWrite(t, response[:])

			if minor >= 8 {
				if result := binary.BigEndian.Uint32(h.mustRead(t, 4)); result != 1 {
					t.Fatalf("SecurityResult = %d, want 1", result)
				}
				reasonLen := binary.BigEndian.Uint32(h.mustRead(t, 4))
				h.mustRead(t, int(reasonLen))
			}

			select {
			case err := <-h.done:
				if err == nil {
					t.Error("expected an auth error")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("session did not close after auth failure")
			}
		})
	}
}

// Scenario: non-incremental request yields disjoint rectangles covering the
// full screen exactly once; a single changed pixel then yields exactly the
// containing tile.
func TestFullUpdateThenSingleTile(t *testing.T) {
	frames := newMemFrames(128, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	h.sendUpdateRequest(t, false, types.Rect{W: 128, H: 64})
	rects := h.readUpdate(t, 4)
	if len(rects) != 2 {
		t.Fatalf("full update has %d rects, want 2", len(rects))
	}
	area := 0
	for _, r := range rects {
		if r.encoding != 0 {
			t.Errorf("encoding %d, want Raw", r.encoding)
		}
		area += int(r.r.W) * int(r.r.H)
	}
	if area != 128*64 {
		t.Errorf("full update covers %d pixels, want %d", area, 128*64)
	}

	// Flip pixel (70, 10) to white.
	offset := 10*frames.frame.Stride + 70*4
	binary.LittleEndian.PutUint32(frames.frame.Pix[offset:], 0xffffffff)

	h.sendUpdateRequest(t, true, types.Rect{W: 128, H: 64})
	rects = h.readUpdate(t, 4)
	if len(rects) != 1 {
		t.Fatalf("incremental update has %d rects, want 1", len(rects))
	}
	want := types.Rect{X: 64, Y: 0, W: 64, H: 64}
	if rects[0].r != want {
		t.Errorf("rect %+v, want %+v", rects[0].r, want)
	}
}

func TestIncrementalWithNoChangeSendsEmptyUpdate(t *testing.T) {
	frames := newMemFrames(64, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	h.sendUpdateRequest(t, false, types.Rect{W: 64, H: 64})
	h.readUpdate(t, 4)

	h.sendUpdateRequest(t, true, types.Rect{W: 64, H: 64})
	rects := h.readUpdate(t, 4)
	if len(rects) != 0 {
		t.Errorf("expected empty update, got %d rects", len(rects))
	}
}

func TestSetPixelFormatChangesPayloadSize(t *testing.T) {
	frames := newMemFrames(64, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	// Negotiate RGB565 little-endian.
	msg := make([]byte, 20)
	msg[0] = 0 // SetPixelFormat
	pf := msg[4:]
	pf[0] = 16 // bpp
	pf[1] = 16 // depth
	pf[2] = 0  // little-endian
	pf[3] = 1  // true colour
	binary.BigEndian.PutUint16(pf[4:], 31)
	binary.BigEndian.PutUint16(pf[6:], 63)
	binary.BigEndian.PutUint16(pf[8:], 31)
	pf[10] = 11
	pf[11] = 5
	pf[12] = 0
	h.mustWrite(t, msg)

	h.sendUpdateRequest(t, false, types.Rect{W: 64, H: 64})
	rects := h.readUpdate(t, 2)
	if len(rects) != 1 {
		t.Fatalf("%d rects", len(rects))
	}
	if len(rects[0].payload) != 64*64*2 {
		t.Errorf("payload %d bytes, want %d", len(rects[0].payload), 64*64*2)
	}
}

func TestInputEventsForwarded(t *testing.T) {
	frames := newMemFrames(64, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	// PointerEvent(100, 50, left)
	ptr := []byte{5, 1, 0, 100, 0, 50}
	h.mustWrite(t, ptr)

	// KeyEvent down, keysym 'a'
	key := []byte{4, 1, 0, 0, 0, 0, 0, 0x61}
	h.mustWrite(t, key)

	// Ask for an update to synchronise with the reader having processed the
	// input messages.
	h.sendUpdateRequest(t, false, types.Rect{W: 64, H: 64})
	h.readUpdate(t, 4)

	if len(h.input.pointers) != 1 {
		t.Fatalf("%d pointer events", len(h.input.pointers))
	}
	got := h.input.pointers[0]
	if got.X != 100 || got.Y != 50 || got.Buttons != 1 {
		t.Errorf("pointer event %+v", got)
	}
	if len(h.input.keys) != 1 || !h.input.keys[0].Down || h.input.keys[0].Keysym != 0x61 {
		t.Errorf("key events %+v", h.input.keys)
	}
}

func TestClientCutTextDiscarded(t *testing.T) {
	frames := newMemFrames(64, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	text := "clipboard contents"
	msg := make([]byte, 8+len(text))
	msg[0] = 6
	binary.BigEndian.PutUint32(msg[4:], uint32(len(text)))
	copy(msg[8:], text)
	h.mustWrite(t, msg)

	// The session must still be alive and serving updates.
	h.sendUpdateRequest(t, false, types.Rect{W: 64, H: 64})
	h.readUpdate(t, 4)
}

func TestUnknownMessageTypeClosesSession(t *testing.T) {
	frames := newMemFrames(64, 64)
	h := startSession(t, frames, Config{})
	h.handshake(t, "RFB 003.008\n", "")

	h.mustWrite(t, []byte{0xaa})

	select {
	case err := <-h.done:
		if err == nil {
			t.Error("expected protocol error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session survived unknown message type")
	}
}

func TestMalformedBannerClosesSession(t *testing.T) {
	h := startSession(t, newMemFrames(64, 64), Config{})
	h.mustRead(t, 12)
	h.mustWrite(t, []byte("HTTP/1.1 200"))

	select {
	case err := <-h.done:
		if err == nil {
			t.Error("expected protocol error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session survived malformed banner")
	}
}
