package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kmsvnc/kmsvnc/internal/capture"
	"github.com/kmsvnc/kmsvnc/internal/config"
	"github.com/kmsvnc/kmsvnc/internal/input"
	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/internal/metrics"
	"github.com/kmsvnc/kmsvnc/internal/server"
)

var (
	flagConfig         string
	flagDevice         string
	flagPort           int
	flagFPS            int
	flagListen         string
	flagPassword       string
	flagPasswordFile   string
	flagPasswordPrompt bool
	flagName           string
	flagMetricsListen  string
	flagWSListen       string
	flagMaxClients     int
	flagWaitDevice     bool
	flagRequireInput   bool
	flagLogLevel       string
	flagLogFormat      string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kmsvnc",
		Short: "VNC server for the Linux console framebuffer",
		Long: `kmsvnc exports the active KMS/DRM (or legacy fbdev) framebuffer as a VNC
server and injects remote pointer and keyboard input through uinput. It needs
no display server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	f := cmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	f.StringVarP(&flagDevice, "device", "d", "", "capture device (/dev/dri/card* or /dev/fb*); auto-detect if empty")
	f.IntVarP(&flagPort, "port", "p", 5900, "TCP listen port")
	f.IntVarP(&flagFPS, "fps", "f", 30, "maximum capture/update rate")
	f.StringVarP(&flagListen, "listen", "l", "0.0.0.0", "bind address")
	f.StringVar(&flagPassword, "password", "", "enable VNC Authentication with this password")
	f.StringVar(&flagPasswordFile, "password-file", "", "read the VNC password from a file")
	f.BoolVar(&flagPasswordPrompt, "password-prompt", false, "prompt for the VNC password on the terminal")
	f.StringVar(&flagName, "name", "kmsvnc", "desktop name advertised to clients")
	f.StringVar(&flagMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9109)")
	f.StringVar(&flagWSListen, "ws-listen", "", "serve RFB over WebSocket on this address (e.g. :5800)")
	f.IntVar(&flagMaxClients, "max-clients", 32, "maximum concurrent sessions")
	f.BoolVar(&flagWaitDevice, "wait-device", false, "wait for the capture device node to appear")
	f.BoolVar(&flagRequireInput, "require-input", false, "fail start-up when uinput is unavailable instead of running view-only")
	f.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (default from $"+logging.LevelEnvVar+")")
	f.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// mergeFlags overlays explicitly set flags onto the file/default config.
func mergeFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("device") {
		cfg.Capture.Device = flagDevice
	}
	if set("fps") {
		cfg.Capture.FPS = flagFPS
	}
	if set("wait-device") {
		cfg.Capture.WaitDevice = flagWaitDevice
	}
	if set("port") {
		cfg.Server.Port = flagPort
	}
	if set("listen") {
		cfg.Server.Listen = flagListen
	}
	if set("password") {
		cfg.Server.Password = flagPassword
	}
	if set("password-file") {
		cfg.Server.PasswordFile = flagPasswordFile
	}
	if set("name") {
		cfg.Server.Name = flagName
	}
	if set("metrics-listen") {
		cfg.Server.MetricsListen = flagMetricsListen
	}
	if set("ws-listen") {
		cfg.Server.WSListen = flagWSListen
	}
	if set("max-clients") {
		cfg.Server.MaxClients = flagMaxClients
	}
	if set("require-input") {
		cfg.Input.RequireInput = flagRequireInput
	}
	if set("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if set("log-format") {
		cfg.Log.Format = flagLogFormat
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	mergeFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := logging.LevelFromEnv()
	if cfg.Log.Level != "" {
		level = logging.ParseLevel(cfg.Log.Level)
	}
	logging.Setup(os.Stderr, cfg.Log.Format, level)

	password, err := cfg.ResolvePassword()
	if err != nil {
		return err
	}
	if flagPasswordPrompt {
		password, err = promptPassword()
		if err != nil {
			return err
		}
	}

	checkPermissions()

	capturer, err := capture.Open(&cfg.Capture)
	if err != nil {
		return fmt.Errorf("capture start-up failed: %w", err)
	}

	width, height := capturer.Bounds()

	router, err := input.New(width, height)
	if err != nil {
		if cfg.Input.RequireInput {
			capturer.Close()
			return fmt.Errorf("input start-up failed: %w", err)
		}
		logging.Warn("uinput unavailable, running view-only", logging.Err(err))
		router = input.Disabled()
	}
	// LIFO unwind: stop the capturer first, then destroy the uinput devices.
	defer router.Close()
	defer capturer.Close()

	m := metrics.New()
	m.SetGeometry(width, height)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, password, capturer, router, m)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logging.Info("shut down cleanly")
	return nil
}

func promptPassword() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("--password-prompt needs a terminal on stdin")
	}
	fmt.Fprint(os.Stderr, "VNC password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if len(pw) == 0 {
		return "", errors.New("empty password")
	}
	return string(pw), nil
}

// checkPermissions warns early about missing capabilities so the eventual
// failure mode is not a mystery ioctl error.
func checkPermissions() {
	if !hasCapSysAdmin() {
		exe, _ := os.Executable()
		if exe == "" {
			exe = "<binary>"
		}
		logging.Warn("process lacks CAP_SYS_ADMIN; DRM framebuffer access will likely fail",
			"fix", "run as root or: sudo setcap cap_sys_admin+ep "+exe)
	}

	if _, err := os.Stat("/dev/uinput"); err != nil {
		logging.Warn("/dev/uinput does not exist; input forwarding will be disabled",
			"fix", "sudo modprobe uinput")
		return
	}
	f, err := os.OpenFile("/dev/uinput", os.O_RDWR, 0)
	if err != nil {
		logging.Warn("/dev/uinput is not writable; input forwarding will be disabled",
			"fix", "sudo usermod -aG input $USER (then re-login), or: sudo chmod 0660 /dev/uinput")
		return
	}
	f.Close()
}

// hasCapSysAdmin reads CapEff from /proc/self/status; CAP_SYS_ADMIN is
// bit 21.
func hasCapSysAdmin() bool {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		hexCaps, ok := strings.CutPrefix(line, "CapEff:\t")
		if !ok {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(hexCaps), 16, 64)
		if err != nil {
			return false
		}
		return caps&(1<<21) != 0
	}
	return false
}
