package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kmsvnc/kmsvnc/internal/logging"
	"github.com/kmsvnc/kmsvnc/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// RFB carries its own authentication; the bridge accepts any origin the
	// way the raw TCP listener accepts any source address.
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{"binary"},
}

// startWebSocketServer exposes the RFB byte stream over WebSocket binary
// messages so browser clients (noVNC) can connect without a proxy.
func (s *Server) startWebSocketServer(addr string) {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.wsHandler(),
		ReadTimeout: 0, // VNC sessions are long-lived
	}

	s.mu.Lock()
	s.httpSrvs = append(s.httpSrvs, srv)
	s.mu.Unlock()

	logging.Info("WebSocket endpoint listening", "addr", addr)
	util.SafeGoWithName("websocket-http", func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("websocket server failed", logging.Err(err))
		}
	})
}

func (s *Server) wsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "remote", r.RemoteAddr, logging.Err(err))
		return
	}
	// Run synchronously: the handler returning cancels r.Context and tears
	// the connection down.
	s.runSession(r.Context(), newWSConn(conn), r.RemoteAddr)
}

// wsConn adapts a websocket connection to the io.ReadWriteCloser the session
// consumes: reads concatenate binary messages, writes emit one binary
// message each.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, translateWSError(err)
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, translateWSError(err)
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// translateWSError folds websocket close frames into io.EOF so the session
// treats a browser disconnect like a TCP close.
func translateWSError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return io.EOF
	}
	if err == nil {
		return nil
	}
	return fmt.Errorf("websocket: %w", err)
}
