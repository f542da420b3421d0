//go:build linux

// Package capture acquires the pixels of the active display through KMS/DRM
// or the legacy fbdev interface and republishes them as frame descriptors.
package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kmsvnc/kmsvnc/internal/config"
	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/pkg/types"
)

// Source is one capture backend bound to a device.
type Source interface {
	// Tick revalidates the backend and returns a descriptor over current
	// pixel memory. The descriptor is valid until the next Tick.
	Tick() (types.Frame, error)
	DevicePath() string
	Close() error
}

// Capturer owns the source and the process-wide latest-frame descriptor.
// The writer side of the lock covers backend revalidation and descriptor
// republish; sessions hold the reader side while scanning tiles. Pixel bytes
// behind the descriptor may still change mid-read (the GPU writes the
// mapping without locks); tile hashing absorbs the resulting tears.
type Capturer struct {
	mu    sync.RWMutex
	src   Source
	frame types.Frame

	minInterval time.Duration
	lastTick    time.Time

	closed bool
}

// Open detects a capture device per cfg and performs the initial capture.
// Failures here are start-up fatal.
func Open(cfg *config.CaptureConfig) (*Capturer, error) {
	if cfg.WaitDevice && cfg.Device != "" {
		if err := waitForDevice(cfg.Device); err != nil {
			return nil, err
		}
	}

	src, err := detect(cfg.Device)
	if err != nil {
		return nil, err
	}

	c := &Capturer{
		src:         src,
		minInterval: time.Second / time.Duration(cfg.FPS),
	}
	frame, err := src.Tick()
	if err != nil {
		src.Close()
		return nil, err
	}
	c.frame = frame
	c.lastTick = time.Now()
	return c, nil
}

// detect opens the configured device, or walks /dev/dri/card* then /dev/fb*.
// A path under /dev/dri selects DRM; anything else selects fbdev.
func detect(device string) (Source, error) {
	if device != "" {
		if strings.HasPrefix(device, "/dev/dri/") {
			return openDRM(device)
		}
		return openFbdev(device)
	}

	for _, path := range listDevices("/dev/dri", "card") {
		src, err := openDRM(path)
		if err == nil {
			return src, nil
		}
		logging.Debug("DRM candidate rejected", logging.Device(path), logging.Err(err))
		// A tiled scanout buffer cannot be fixed by trying another card on
		// the same GPU, and silently degrading to fbdev would hide it.
		var nl types.NonLinearModifierError
		if errors.As(err, &nl) {
			return nil, err
		}
	}

	for _, path := range listDevices("/dev", "fb") {
		src, err := openFbdev(path)
		if err == nil {
			return src, nil
		}
		logging.Debug("fbdev candidate rejected", logging.Device(path), logging.Err(err))
	}

	return nil, fmt.Errorf("%w: tried all /dev/dri/card* (DRM) and /dev/fb* (fbdev); ensure a display is active and the process has CAP_SYS_ADMIN (try: sudo setcap cap_sys_admin+ep %s)",
		types.ErrNoCaptureDevice, exePath())
}

func listDevices(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		// Skip cardN-connector sysfs-style names and renderD nodes.
		rest := name[len(prefix):]
		if rest == "" || strings.ContainsAny(rest, "-.") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths
}

// waitForDevice blocks until the device node exists, watching its parent
// directory. Lets the server start before the display driver has loaded.
func waitForDevice(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("device watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("device watch %s: %w", dir, err)
	}
	logging.Info("waiting for capture device", logging.Device(path))

	// Re-check after arming the watch: the node may have appeared in the
	// window before watcher.Add.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("device watch closed")
			}
			if ev.Name == path && ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("device watch closed")
			}
			return fmt.Errorf("device watch: %w", err)
		}
	}
}

// Bounds returns the current framebuffer geometry.
func (c *Capturer) Bounds() (w, h uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint16(c.frame.Width), uint16(c.frame.Height)
}

// DevicePath names the bound device.
func (c *Capturer) DevicePath() string {
	return c.src.DevicePath()
}

// Tick refreshes the latest-frame descriptor. Calls within the capture
// cadence reuse the current descriptor, so many sessions ticking at once
// collapse into one backend revalidation per interval.
func (c *Capturer) Tick() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("capturer closed")
	}
	if time.Since(c.lastTick) < c.minInterval {
		return nil
	}

	frame, err := c.src.Tick()
	if err != nil {
		return err
	}
	c.frame = frame
	c.lastTick = time.Now()
	return nil
}

// View runs fn with the latest frame descriptor under the reader lock.
func (c *Capturer) View(fn func(*types.Frame) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("capturer closed")
	}
	return fn(&c.frame)
}

// Close tears down the source. Outstanding readers finish first.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.src.Close()
}
