package bridge

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vncproxy/internal/clock"
	"vncproxy/internal/constants"
	"vncproxy/internal/token"
)

type State int32

const (
	StateConnecting State = iota
	StateBridging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBridging:
		return "bridging"
	default:
		return "closed"
	}
}

// Close reasons reported in Result.
const (
	ReasonClientClosed   = "client closed"
	ReasonUpstreamClosed = "upstream closed"
	ReasonClientError    = "client error"
	ReasonUpstreamError  = "upstream error"
	ReasonIdle           = "idle timeout"
	ReasonUnresponsive   = "client unresponsive"
	ReasonShutdown       = "shutdown"
)

// Session is one bridged console connection. It exclusively owns both
// sockets.
type Session struct {
	ID        string
	Target    token.Target
	Client    *websocket.Conn
	Upstream  net.Conn
	Encoding  string
	StartedAt time.Time

	clock        clock.Clock
	idleTimeout  time.Duration
	pingInterval time.Duration

	state          atomic.Int32
	bytesIn        atomic.Int64 // client -> upstream
	bytesOut       atomic.Int64 // upstream -> client
	lastActivity   atomic.Int64
	lastClientSeen atomic.Int64

	closeOnce   sync.Once
	closeReason string
	done        chan struct{}
}

// Result summarizes a finished session.
type Result struct {
	BytesIn  int64
	BytesOut int64
	Duration time.Duration
	Reason   string
	Err      error
}

func newSession(id string, target token.Target, client *websocket.Conn, upstream net.Conn, clk clock.Clock) *Session {
	s := &Session{
		ID:        id,
		Target:    target,
		Client:    client,
		Upstream:  upstream,
		Encoding:  encodingFor(client.Subprotocol()),
		StartedAt: clk.Now(),
		clock:     clk,
		done:      make(chan struct{}),
	}
	s.touchClient()
	client.SetPongHandler(func(string) error {
		s.touchClient()
		return nil
	})
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) BytesIn() int64 { return s.bytesIn.Load() }

func (s *Session) BytesOut() int64 { return s.bytesOut.Load() }

// Done is closed once both sockets have been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) touch() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

func (s *Session) touchClient() {
	now := s.clock.Now().UnixNano()
	s.lastActivity.Store(now)
	s.lastClientSeen.Store(now)
}

type pumpResult struct {
	fromClient bool
	err        error
}

// Pump relays bytes until either side ends, ctx is cancelled, or the idle
// watchdog fires. It returns after both loops have exited and both
// sockets are closed. Transport errors are not retried.
func (s *Session) Pump(ctx context.Context) Result {
	s.state.Store(int32(StateBridging))
	encoded := s.Encoding == constants.SubprotocolBase64

	results := make(chan pumpResult, 2)

	go func() {
		buf := GetBuffer()
		defer PutBuffer(buf)
		_, err := io.CopyBuffer(s.Upstream, &wsReader{conn: s.Client, base64: encoded, session: s}, *buf)
		results <- pumpResult{fromClient: true, err: err}
	}()

	go func() {
		buf := GetBuffer()
		defer PutBuffer(buf)
		_, err := io.CopyBuffer(&wsWriter{conn: s.Client, base64: encoded, session: s}, &upstreamReader{r: s.Upstream, session: s}, *buf)
		results <- pumpResult{fromClient: false, err: err}
	}()

	go s.watch(ctx)

	first := <-results
	s.Close(first.reason(), closeCodeFor(first))
	<-results

	var err error
	if first.err != nil && !IsExpectedCloseError(first.err) {
		err = first.err
	}
	return Result{
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
		Duration: s.clock.Now().Sub(s.StartedAt),
		Reason:   s.closeReason,
		Err:      err,
	}
}

func (r pumpResult) reason() string {
	expected := r.err == nil || IsExpectedCloseError(r.err)
	switch {
	case r.fromClient && expected:
		return ReasonClientClosed
	case r.fromClient:
		return ReasonClientError
	case expected:
		return ReasonUpstreamClosed
	default:
		return ReasonUpstreamError
	}
}

func closeCodeFor(r pumpResult) int {
	if r.err == nil || IsExpectedCloseError(r.err) {
		return websocket.CloseNormalClosure
	}
	return websocket.CloseInternalServerErr
}

// watch enforces cancellation, the idle timeout and client liveness.
func (s *Session) watch(ctx context.Context) {
	interval := s.pingInterval
	if interval <= 0 || (s.idleTimeout > 0 && s.idleTimeout < interval) {
		interval = s.idleTimeout
	}
	if interval <= 0 {
		select {
		case <-ctx.Done():
			s.Close(ReasonShutdown, websocket.CloseGoingAway)
		case <-s.done:
		}
		return
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close(ReasonShutdown, websocket.CloseGoingAway)
			return
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.idleTimeout > 0 && now.Sub(time.Unix(0, s.lastActivity.Load())) >= s.idleTimeout {
				s.Close(ReasonIdle, websocket.CloseGoingAway)
				return
			}
			if s.pingInterval > 0 {
				if now.Sub(time.Unix(0, s.lastClientSeen.Load())) >= 2*s.pingInterval {
					s.Close(ReasonUnresponsive, websocket.CloseGoingAway)
					return
				}
				deadline := time.Now().Add(constants.CloseGracePeriod)
				if err := s.Client.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					s.Close(ReasonClientError, websocket.CloseGoingAway)
					return
				}
			}
		}
	}
}

// Close sends a best-effort close frame and closes both sockets. Only the
// first call has an effect.
func (s *Session) Close(reason string, code int) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		deadline := time.Now().Add(constants.CloseGracePeriod)
		s.Client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		s.Client.Close()
		s.Upstream.Close()
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
