// Package input creates synthetic uinput devices and routes RFB pointer and
// key events into them.
package input

import (
	"sync"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// Router owns the touch and keyboard uinput devices and the cross-session
// key bookkeeping. All device writes happen under one mutex so event order
// on the wire matches handler order.
type Router struct {
	mu       sync.Mutex
	touch    eventSink
	keyboard eventSink

	// heldKeys refcounts pressed keycodes across sessions: the first press
	// emits the down event, the last release emits the up.
	heldKeys map[uint16]int

	nextTracking int32
}

// New creates the uinput devices sized to the framebuffer geometry.
func New(width, height uint16) (*Router, error) {
	touch, err := newTouchDevice(width, height)
	if err != nil {
		return nil, err
	}
	keyboard, err := newKeyboardDevice()
	if err != nil {
		touch.Close()
		return nil, err
	}
	return newRouter(touch, keyboard), nil
}

// Disabled returns a router that drops every event. Used for view-only
// operation when uinput is unavailable.
func Disabled() *Router {
	return newRouter(nil, nil)
}

func newRouter(touch, keyboard eventSink) *Router {
	return &Router{
		touch:    touch,
		keyboard: keyboard,
		heldKeys: make(map[uint16]int),
	}
}

// Close destroys the devices. Sessions must be closed first.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.touch != nil {
		r.touch.Close()
		r.touch = nil
	}
	if r.keyboard != nil {
		r.keyboard.Close()
		r.keyboard = nil
	}
}

// Session returns a per-connection handle carrying that connection's cursor
// and held-key state.
func (r *Router) Session() *Session {
	return &Session{
		router: r,
		held:   make(map[uint16]int),
	}
}

// Session is one connection's view of the router.
type Session struct {
	router *Router

	buttons  uint8
	lastX    uint16
	lastY    uint16
	touching bool

	// held counts this session's presses per keycode, so Close can unwind
	// exactly what this session still holds.
	held map[uint16]int
}

// Pointer applies an RFB PointerEvent to the touch device. Mask bit 0 drives
// the multitouch contact, bits 1-2 the middle/right buttons, bits 3-4 the
// wheel.
func (s *Session) Pointer(ev types.PointerEvent) error {
	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := s.buttons
	s.buttons = ev.Buttons

	if r.touch == nil {
		s.lastX, s.lastY = ev.X, ev.Y
		return nil
	}

	var batch []event

	pressed := ev.Buttons &^ prev
	released := prev &^ ev.Buttons

	switch {
	case pressed&types.ButtonLeft != 0:
		// Begin a contact: fresh tracking id in slot 0.
		r.nextTracking = (r.nextTracking + 1) % 65536
		s.touching = true
		batch = append(batch,
			event{evAbs, absMTSlot, 0},
			event{evAbs, absMTTrackingID, r.nextTracking},
			event{evAbs, absMTPositionX, int32(ev.X)},
			event{evAbs, absMTPositionY, int32(ev.Y)},
			event{evKey, btnTouch, 1},
			event{evKey, btnLeft, 1},
		)
	case released&types.ButtonLeft != 0:
		s.touching = false
		batch = append(batch,
			event{evKey, btnTouch, 0},
			event{evKey, btnLeft, 0},
			event{evAbs, absMTTrackingID, -1},
		)
	case s.touching && (ev.X != s.lastX || ev.Y != s.lastY):
		batch = append(batch,
			event{evAbs, absMTSlot, 0},
			event{evAbs, absMTPositionX, int32(ev.X)},
			event{evAbs, absMTPositionY, int32(ev.Y)},
		)
	}

	if pressed&types.ButtonMiddle != 0 {
		batch = append(batch, event{evKey, btnMiddle, 1})
	}
	if released&types.ButtonMiddle != 0 {
		batch = append(batch, event{evKey, btnMiddle, 0})
	}
	if pressed&types.ButtonRight != 0 {
		batch = append(batch, event{evKey, btnRight, 1})
	}
	if released&types.ButtonRight != 0 {
		batch = append(batch, event{evKey, btnRight, 0})
	}

	// Wheel bits act on the rising edge only; no release event exists.
	if pressed&types.WheelUp != 0 {
		batch = append(batch, event{evRel, relWheel, 1})
	}
	if pressed&types.WheelDown != 0 {
		batch = append(batch, event{evRel, relWheel, -1})
	}

	s.lastX, s.lastY = ev.X, ev.Y

	if len(batch) == 0 {
		return nil
	}
	batch = append(batch, event{evSyn, synReport, 0})
	return r.touch.writeEvents(batch)
}

// Key applies an RFB KeyEvent to the keyboard device through the shared
// refcount table.
func (s *Session) Key(ev types.KeyEvent) error {
	code, ok := KeycodeForKeysym(ev.Keysym)
	if !ok {
		logging.Debug("unknown keysym", "keysym", ev.Keysym)
		return nil
	}

	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyboard == nil {
		return nil
	}

	if ev.Down {
		s.held[code]++
		r.heldKeys[code]++
		if r.heldKeys[code] > 1 {
			return nil
		}
		return r.keyboard.writeEvents([]event{
			{evKey, code, 1},
			{evSyn, synReport, 0},
		})
	}

	if s.held[code] == 0 {
		// Release without a matching press from this session.
		return nil
	}
	s.held[code]--
	if s.held[code] == 0 {
		delete(s.held, code)
	}
	r.heldKeys[code]--
	if r.heldKeys[code] > 0 {
		return nil
	}
	delete(r.heldKeys, code)
	return r.keyboard.writeEvents([]event{
		{evKey, code, 0},
		{evSyn, synReport, 0},
	})
}

// Close releases everything the session still holds: an active contact and
// all of its key presses. Keeps a disconnecting client from leaving keys
// stuck while another session holds them.
func (s *Session) Close() {
	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.touching && r.touch != nil {
		r.touch.writeEvents([]event{
			{evKey, btnTouch, 0},
			{evKey, btnLeft, 0},
			{evAbs, absMTTrackingID, -1},
			{evSyn, synReport, 0},
		})
	}
	s.touching = false
	s.buttons = 0

	if r.keyboard != nil {
		for code, n := range s.held {
			r.heldKeys[code] -= n
			if r.heldKeys[code] <= 0 {
				delete(r.heldKeys, code)
				r.keyboard.writeEvents([]event{
					{evKey, code, 0},
					{evSyn, synReport, 0},
				})
			}
		}
	}
	s.held = make(map[uint16]int)
}
