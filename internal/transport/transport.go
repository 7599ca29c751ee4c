// internal/transport/transport.go
// Package transport is the concrete duplex-socket implementation the rest
// of the listener treats as opaque per spec.md §1 (connect / read-text /
// write-text / write-binary / close). It wraps github.com/gorilla/websocket,
// the same library the teacher's internal/gateway/listener.go uses on the
// server side of its own WebSocket endpoint.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the minimal contract ControlConnection, AcceptPipeline and
// HttpRequestBridge need from a duplex byte stream. Implementations must be
// safe for one concurrent reader and one concurrent writer (never two
// concurrent writers — that discipline is enforced by the caller's write
// lock, not by Socket itself).
type Socket interface {
	// ReadText blocks until the next text frame arrives, or the socket
	// closes/errors.
	ReadText(ctx context.Context) ([]byte, error)
	// WriteText sends one text frame.
	WriteText(ctx context.Context, data []byte) error
	// WriteBinary sends one binary frame; the caller guarantees it
	// immediately follows a text frame under the same write lock.
	WriteBinary(ctx context.Context, data []byte) error
	// Close closes the socket with the given close code/reason.
	Close(code int, reason string) error
}

// Close codes per spec.md §6.
const (
	CloseNormalClosure      = websocket.CloseNormalClosure      // 1000
	CloseUnexpectedCondition = websocket.CloseInternalServerErr // 1011 (Unexpected Condition)
)

// wsSocket adapts a *websocket.Conn to Socket.
type wsSocket struct {
	conn *websocket.Conn
}

// Dial opens a WebSocket connection to rawURL with the given extra headers
// (e.g. ServiceBusAuthorization) and a connect timeout. It is used both for
// the long-lived control channel and for one-shot rendezvous/rejection
// sockets.
func Dial(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (Socket, *http.Response, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, nil, err
	}
	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(dialCtx, rawURL, header)
	if err != nil {
		return nil, resp, err
	}
	return &wsSocket{conn: conn}, resp, nil
}

func (s *wsSocket) ReadText(ctx context.Context) ([]byte, error) {
	_ = ctx // gorilla/websocket reads are cancelled via Close, not context
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteText(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) WriteBinary(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsSocket) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return s.conn.Close()
}
