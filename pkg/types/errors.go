package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNoCaptureDevice indicates no usable DRM card or fbdev was found.
	ErrNoCaptureDevice = errors.New("no usable capture device")

	// ErrAuthFailed indicates the client failed VNC Authentication.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInputUnavailable indicates /dev/uinput could not be opened.
	ErrInputUnavailable = errors.New("uinput unavailable")
)

// NonLinearModifierError is returned when the scanout framebuffer uses a
// tiled or compressed layout that cannot be read through a plain mmap.
type NonLinearModifierError struct {
	Modifier uint64
}

func (e NonLinearModifierError) Error() string {
	return fmt.Sprintf("framebuffer has non-linear modifier 0x%016x; tiled buffers cannot be read via mmap", e.Modifier)
}

// UnknownFormatError is returned for a scanout pixel format outside the
// supported set.
type UnknownFormatError struct {
	FourCC uint32
}

func (e UnknownFormatError) Error() string {
	return fmt.Sprintf("unsupported framebuffer format %q (0x%08x)", fourccString(e.FourCC), e.FourCC)
}

func fourccString(v uint32) string {
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// ProtocolError is a fatal RFB violation: a truncated read, a malformed
// message, or a message type the server does not accept.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// TransientError marks a single-tick capture failure. A bounded number of
// consecutive transients is tolerated per session before the session ends.
type TransientError struct {
	Err error
}

func (e TransientError) Error() string { return "transient capture error: " + e.Err.Error() }

func (e TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a single-tick capture failure.
func IsTransient(err error) bool {
	var t TransientError
	return errors.As(err, &t)
}
