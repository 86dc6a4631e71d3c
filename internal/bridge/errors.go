package bridge

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrHandshakeFailed     = errors.New("websocket handshake failed")
)

// IsExpectedCloseError reports whether err is an ordinary end of a
// session: EOF, a closed socket, a reset or broken pipe from a peer that
// went away, or a normal WebSocket close frame.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	// Copy loops can wrap the close error in a *net.OpError.
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
