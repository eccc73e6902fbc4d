package live

import (
	"context"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

// Frame is one client message.
type Frame struct {
	// Binary frames carry audio; text frames carry init JSON or a control
	// string.
	Binary bool
	Data   []byte
}

// CloseKind says why the server closes a connection.
type CloseKind int

const (
	CloseNormal CloseKind = iota
	// CloseViolation follows a protocol error.
	CloseViolation
	// CloseShutdown is used while the server drains.
	CloseShutdown
)

// Conn is the transport of one live connection. Read returns io.EOF once the
// peer closed the connection cleanly.
type Conn interface {
	Read(ctx context.Context) (Frame, error)
	// Write sends one JSON-encoded server event.
	Write(ctx context.Context, data []byte) error
	Close(kind CloseKind, reason string) error
}

// maxCloseReason is the longest close reason a WebSocket control frame holds.
const maxCloseReason = 123

type wsConn struct {
	c *websocket.Conn
}

// NewWebSocketConn adapts a coder/websocket connection to [Conn].
func NewWebSocketConn(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) Read(ctx context.Context) (Frame, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(kind CloseKind, reason string) error {
	code := websocket.StatusNormalClosure
	switch kind {
	case CloseViolation:
		code = websocket.StatusPolicyViolation
	case CloseShutdown:
		code = websocket.StatusGoingAway
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return w.c.Close(code, reason)
}

// HandlerConfig configures the WebSocket endpoint.
type HandlerConfig struct {
	// OriginPatterns lists the cross-origin hosts browsers may connect from.
	// Same-origin requests are always accepted.
	OriginPatterns []string

	// ReadLimit caps a single client frame in bytes. Default: 1 MiB.
	ReadLimit int64
}

// Handler upgrades requests to WebSocket and serves them with m.
func (m *Manager) Handler(hc HandlerConfig) http.Handler {
	if hc.ReadLimit <= 0 {
		hc.ReadLimit = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: hc.OriginPatterns,
		})
		if err != nil {
			m.log.Warn("websocket accept failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		c.SetReadLimit(hc.ReadLimit)
		if err := m.Serve(r.Context(), NewWebSocketConn(c)); err != nil {
			m.log.Warn("live connection ended with error", "err", err, "remote", r.RemoteAddr)
		}
	})
}
