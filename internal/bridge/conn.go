package bridge

import (
	"encoding/base64"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"vncproxy/internal/constants"
)

// wsReader turns the payloads of successive WebSocket data frames into a
// byte stream. Only the session's client→upstream loop reads from it.
type wsReader struct {
	conn    *websocket.Conn
	base64  bool
	reader  io.Reader
	session *Session
}

func (w *wsReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.reader == nil {
			var messageType int
			var r io.Reader
			messageType, r, err = w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.session.touchClient()
			if w.base64 && messageType == websocket.TextMessage {
				r = base64.NewDecoder(base64.StdEncoding, r)
			}
			w.reader = r
		}

		n, err = w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			err = nil
		}
		if n > 0 {
			w.session.bytesIn.Add(int64(n))
			w.session.touch()
			return n, err
		}
		if err != nil {
			return 0, err
		}
	}
}

// wsWriter sends each Write as one data frame. Only the session's
// upstream→client loop writes data; pings and the close frame go through
// WriteControl, which gorilla allows concurrently.
type wsWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	base64  bool
	session *Session
}

func (w *wsWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.base64 {
		err = w.conn.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString(p)))
	} else {
		err = w.conn.WriteMessage(websocket.BinaryMessage, p)
	}
	if err != nil {
		return 0, err
	}
	w.session.bytesOut.Add(int64(len(p)))
	return len(p), nil
}

// upstreamReader counts bytes and activity on the TCP side.
type upstreamReader struct {
	r       io.Reader
	session *Session
}

func (u *upstreamReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if n > 0 {
		u.session.touch()
	}
	return n, err
}

func encodingFor(subprotocol string) string {
	if subprotocol == constants.SubprotocolBase64 {
		return constants.SubprotocolBase64
	}
	return constants.SubprotocolBinary
}
