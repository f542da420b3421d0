// Package server accepts VNC connections over TCP and WebSocket and runs one
// RFB session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"github.com/kmsvnc/kmsvnc/internal/config"
	"github.com/kmsvnc/kmsvnc/internal/input"
	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/internal/metrics"
	"github.com/kmsvnc/kmsvnc/internal/rfb"
	"github.com/kmsvnc/kmsvnc/internal/util"
)

// Server owns the listeners and fans accepted connections out to sessions.
type Server struct {
	cfg      *config.Config
	password string
	frames   rfb.FrameSource
	router   *input.Router
	m        *metrics.Metrics

	nextSessionID atomic.Uint64

	mu        sync.Mutex
	listener  net.Listener
	httpSrvs  []*http.Server
	sessions  sync.WaitGroup
	shutdown  bool
}

// New wires the server. The capturer and router must already be open.
func New(cfg *config.Config, password string, frames rfb.FrameSource, router *input.Router, m *metrics.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		password: password,
		frames:   frames,
		router:   router,
		m:        m,
	}
}

// Run binds the listeners and serves until ctx is cancelled. An accept error
// on the TCP socket is fatal for the process, per the error policy.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Listen, fmt.Sprintf("%d", s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, s.cfg.Server.MaxClients)

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Info("VNC server listening", "addr", addr, "max_clients", s.cfg.Server.MaxClients)

	if s.cfg.Server.MetricsListen != "" {
		s.startMetricsServer(s.cfg.Server.MetricsListen)
	}
	if s.cfg.Server.WSListen != "" {
		s.startWebSocketServer(s.cfg.Server.WSListen)
	}

	// Close listeners when the context ends so Accept unblocks.
	stop := make(chan struct{})
	defer close(stop)
	util.SafeGoWithName("listener-closer", func() {
		select {
		case <-ctx.Done():
			s.closeListeners()
		case <-stop:
		}
	})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isShutdown() {
				s.sessions.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.serveConn(ctx, conn, conn.RemoteAddr().String())
	}
}

// serveConn runs one session on its own goroutine (the session spawns its
// reader internally, completing the per-connection goroutine pair).
func (s *Server) serveConn(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	util.SafeGoWithName("session", func() {
		s.runSession(ctx, conn, remote)
	})
}

// runSession drives one connection to completion.
func (s *Server) runSession(ctx context.Context, conn io.ReadWriteCloser, remote string) {
	id := s.nextSessionID.Add(1)
	logging.Info("client connected", logging.Session(id), "remote", remote)
	s.m.SessionStarted()
	s.sessions.Add(1)
	defer s.sessions.Done()
	defer s.m.SessionEnded()

	sess := rfb.NewSession(id, conn, remote, s.frames, s.router.Session(), rfb.Config{
		Name:     s.cfg.Server.Name,
		Password: s.password,
		FPS:      s.cfg.Capture.FPS,
	}, s.m)

	if err := sess.Run(ctx); err != nil {
		logging.Info("client disconnected", logging.Session(id), "remote", remote, logging.Err(err))
	} else {
		logging.Info("client disconnected", logging.Session(id), "remote", remote)
	}
}

func (s *Server) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.m.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrvs = append(s.httpSrvs, srv)
	s.mu.Unlock()

	logging.Info("metrics endpoint listening", "addr", addr)
	util.SafeGoWithName("metrics-http", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("metrics server failed", logging.Err(err))
		}
	})
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	if s.listener != nil {
		s.listener.Close()
	}
	// Close rather than Shutdown: WebSocket sessions are long-lived, so a
	// graceful drain would never finish. Closing the underlying conns ends
	// their sessions the same way a TCP close does.
	for _, srv := range s.httpSrvs {
		srv.Close()
	}
}

// Addr returns the bound VNC listener address, or nil before Run has bound
// it. Mainly useful with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
