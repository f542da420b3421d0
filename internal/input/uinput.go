//go:build linux

package input

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// uinput ioctls (linux/uinput.h).
const (
	ioctlUIDevCreate  uint = 0x5501     // UI_DEV_CREATE
	ioctlUIDevDestroy uint = 0x5502     // UI_DEV_DESTROY
	ioctlUIDevSetup   uint = 0x405c5503 // UI_DEV_SETUP
	ioctlUIAbsSetup   uint = 0x401c5504 // UI_ABS_SETUP
	ioctlUISetEvBit   uint = 0x40045564 // UI_SET_EVBIT
	ioctlUISetKeyBit  uint = 0x40045565 // UI_SET_KEYBIT
	ioctlUISetRelBit  uint = 0x40045566 // UI_SET_RELBIT
	ioctlUISetAbsBit  uint = 0x40045567 // UI_SET_ABSBIT
	ioctlUISetPropBit uint = 0x4004556e // UI_SET_PROPBIT
)

// struct input_id
type inputID struct {
	bustype uint16
	vendor  uint16
	product uint16
	version uint16
}

// struct uinput_setup (92 bytes)
type uinputSetup struct {
	id           inputID
	name         [80]byte
	ffEffectsMax uint32
}

// struct input_absinfo
type inputAbsInfo struct {
	value      int32
	minimum    int32
	maximum    int32
	fuzz       int32
	flat       int32
	resolution int32
}

// struct uinput_abs_setup (28 bytes)
type uinputAbsSetup struct {
	code uint16
	_    uint16
	info inputAbsInfo
}

var (
	_ [92]byte = [unsafe.Sizeof(uinputSetup{})]byte{}
	_ [28]byte = [unsafe.Sizeof(uinputAbsSetup{})]byte{}
)

// struct input_event on 64-bit: struct timeval + type/code/value. The kernel
// fills the timestamp; writers leave it zero.
type rawInputEvent struct {
	sec   int64
	usec  int64
	typ   uint16
	code  uint16
	value int32
}

// event is one input event to emit; the router batches them and the device
// writes the batch as a single write(2) so the kernel sees it atomically.
type event struct {
	typ   uint16
	code  uint16
	value int32
}

// eventSink abstracts the uinput device for the router; tests substitute a
// recorder.
type eventSink interface {
	writeEvents(evs []event) error
	Close() error
}

// device is one created uinput device.
type device struct {
	name string
	file *os.File
}

func uiIoctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func uiIoctlInt(fd int, req uint, val int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(val))
	if errno != 0 {
		return errno
	}
	return nil
}

func openUinput() (*os.File, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (fix: sudo modprobe uinput; sudo usermod -aG input $USER)", types.ErrInputUnavailable, err)
	}
	return f, nil
}

// newTouchDevice creates the kmsvnc-touch multitouch device. Absolute axis
// ranges are fixed to the framebuffer geometry at creation; a resolution
// change requires recreating the device.
func newTouchDevice(width, height uint16) (*device, error) {
	f, err := openUinput()
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	setup := func() error {
		for _, ev := range []int{int(evKey), int(evAbs), int(evRel)} {
			if err := uiIoctlInt(fd, ioctlUISetEvBit, ev); err != nil {
				return fmt.Errorf("UI_SET_EVBIT %d: %w", ev, err)
			}
		}
		for _, key := range []uint16{btnTouch, btnLeft, btnRight, btnMiddle} {
			if err := uiIoctlInt(fd, ioctlUISetKeyBit, int(key)); err != nil {
				return fmt.Errorf("UI_SET_KEYBIT %#x: %w", key, err)
			}
		}
		if err := uiIoctlInt(fd, ioctlUISetRelBit, int(relWheel)); err != nil {
			return fmt.Errorf("UI_SET_RELBIT: %w", err)
		}
		for _, abs := range []uint16{absMTSlot, absMTTrackingID, absMTPositionX, absMTPositionY} {
			if err := uiIoctlInt(fd, ioctlUISetAbsBit, int(abs)); err != nil {
				return fmt.Errorf("UI_SET_ABSBIT %#x: %w", abs, err)
			}
		}
		if err := uiIoctlInt(fd, ioctlUISetPropBit, inputPropDirect); err != nil {
			return fmt.Errorf("UI_SET_PROPBIT: %w", err)
		}

		axes := []uinputAbsSetup{
			{code: absMTSlot, info: inputAbsInfo{maximum: 9}},
			{code: absMTTrackingID, info: inputAbsInfo{maximum: 65535}},
			{code: absMTPositionX, info: inputAbsInfo{maximum: int32(width) - 1}},
			{code: absMTPositionY, info: inputAbsInfo{maximum: int32(height) - 1}},
		}
		for i := range axes {
			if err := uiIoctl(fd, ioctlUIAbsSetup, unsafe.Pointer(&axes[i])); err != nil {
				return fmt.Errorf("UI_ABS_SETUP %#x: %w", axes[i].code, err)
			}
		}
		return devSetupAndCreate(fd, "kmsvnc-touch", 0x5678)
	}
	if err := setup(); err != nil {
		f.Close()
		return nil, err
	}

	logging.Info("created virtual touchscreen", "width", width, "height", height)
	// Give udev a moment to create the device node before events flow.
	time.Sleep(100 * time.Millisecond)
	return &device{name: "kmsvnc-touch", file: f}, nil
}

// newKeyboardDevice creates the kmsvnc-keyboard device declaring every
// keycode the keysym table can produce.
func newKeyboardDevice() (*device, error) {
	f, err := openUinput()
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())

	setup := func() error {
		if err := uiIoctlInt(fd, ioctlUISetEvBit, int(evKey)); err != nil {
			return fmt.Errorf("UI_SET_EVBIT: %w", err)
		}
		for _, code := range allKeycodes() {
			if err := uiIoctlInt(fd, ioctlUISetKeyBit, int(code)); err != nil {
				return fmt.Errorf("UI_SET_KEYBIT %d: %w", code, err)
			}
		}
		return devSetupAndCreate(fd, "kmsvnc-keyboard", 0x5679)
	}
	if err := setup(); err != nil {
		f.Close()
		return nil, err
	}

	logging.Info("created virtual keyboard")
	time.Sleep(100 * time.Millisecond)
	return &device{name: "kmsvnc-keyboard", file: f}, nil
}

func devSetupAndCreate(fd int, name string, product uint16) error {
	setup := uinputSetup{
		id: inputID{bustype: busVirtual, vendor: 0x1234, product: product, version: 1},
	}
	copy(setup.name[:], name)
	if err := uiIoctl(fd, ioctlUIDevSetup, unsafe.Pointer(&setup)); err != nil {
		return fmt.Errorf("UI_DEV_SETUP: %w", err)
	}
	if err := uiIoctlInt(fd, ioctlUIDevCreate, 0); err != nil {
		return fmt.Errorf("UI_DEV_CREATE: %w", err)
	}
	return nil
}

// writeEvents emits a batch as one write so ordering within the batch is
// preserved.
func (d *device) writeEvents(evs []event) error {
	buf := make([]byte, 0, len(evs)*int(unsafe.Sizeof(rawInputEvent{})))
	for _, ev := range evs {
		raw := rawInputEvent{typ: ev.typ, code: ev.code, value: ev.value}
		b := (*[unsafe.Sizeof(rawInputEvent{})]byte)(unsafe.Pointer(&raw))
		buf = append(buf, b[:]...)
	}
	if _, err := d.file.Write(buf); err != nil {
		return fmt.Errorf("uinput write %s: %w", d.name, err)
	}
	return nil
}

func (d *device) Close() error {
	if err := uiIoctlInt(int(d.file.Fd()), ioctlUIDevDestroy, 0); err != nil {
		logging.Warn("failed to destroy uinput device", "name", d.name, logging.Err(err))
	}
	return d.file.Close()
}
