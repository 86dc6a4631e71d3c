// Package audit writes security-relevant events as JSON lines.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vncproxy/internal/clock"
	"vncproxy/internal/constants"
)

type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	IP          string    `json:"ip,omitempty"`
	Fingerprint string    `json:"token_fp,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Target      string    `json:"target,omitempty"`
	Details     string    `json:"details"`
	Severity    string    `json:"severity"`
}

// Logger is safe for concurrent use. At most MaxAuditLogsPerMinute events
// are written per one-minute window; the rest are dropped.
type Logger struct {
	mu          sync.Mutex
	out         io.Writer
	closer      io.Closer
	enc         *json.Encoder
	clock       clock.Clock
	written     int
	dropped     int
	windowStart time.Time
}

func New(w io.Writer, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.Real()
	}
	return &Logger{
		out:         w,
		enc:         json.NewEncoder(w),
		clock:       clk,
		windowStart: clk.Now(),
	}
}

// Open returns a Logger for path. An empty path discards events and "-"
// writes to stderr.
func Open(path string) (*Logger, error) {
	switch path {
	case "":
		return New(io.Discard, nil), nil
	case "-":
		return New(os.Stderr, nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("audit log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	l := New(file, nil)
	l.closer = file
	return l, nil
}

func (l *Logger) Log(event Event) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.written = 0
		l.dropped = 0
	}

	if l.written >= constants.MaxAuditLogsPerMinute {
		l.dropped++
		return
	}

	l.written++
	event.Timestamp = now.UTC()
	l.enc.Encode(event)
}

func (l *Logger) AuthFailure(ip, fingerprint, reason string) {
	l.Log(Event{
		EventType:   "auth_failure",
		IP:          ip,
		Fingerprint: fingerprint,
		Details:     reason,
		Severity:    "warning",
	})
}

func (l *Logger) AuthSuccess(ip, fingerprint, target string) {
	l.Log(Event{
		EventType:   "auth_success",
		IP:          ip,
		Fingerprint: fingerprint,
		Target:      target,
		Details:     "Authentication successful",
		Severity:    "info",
	})
}

func (l *Logger) BruteForce(ip string) {
	l.Log(Event{
		EventType: "brute_force",
		IP:        ip,
		Details:   "Too many failed authentication attempts",
		Severity:  "critical",
	})
}

func (l *Logger) RateLimit(ip string) {
	l.Log(Event{
		EventType: "rate_limit",
		IP:        ip,
		Details:   "Upgrade rate limit exceeded",
		Severity:  "warning",
	})
}

func (l *Logger) ConnectionLimit(ip string) {
	l.Log(Event{
		EventType: "connection_limit",
		IP:        ip,
		Details:   "Connection limit exceeded",
		Severity:  "warning",
	})
}

func (l *Logger) SessionOpen(ip, sessionID, target string) {
	l.Log(Event{
		EventType: "session_open",
		IP:        ip,
		SessionID: sessionID,
		Target:    target,
		Details:   "Console session opened",
		Severity:  "info",
	})
}

func (l *Logger) SessionClose(ip, sessionID, target, reason string, bytesIn, bytesOut int64, d time.Duration) {
	l.Log(Event{
		EventType: "session_close",
		IP:        ip,
		SessionID: sessionID,
		Target:    target,
		Details:   fmt.Sprintf("%s (in=%d out=%d duration=%v)", reason, bytesIn, bytesOut, d.Round(time.Millisecond)),
		Severity:  "info",
	})
}

func (l *Logger) UpstreamFailure(ip, target string, err error) {
	l.Log(Event{
		EventType: "upstream_failure",
		IP:        ip,
		Target:    target,
		Details:   err.Error(),
		Severity:  "error",
	})
}

func (l *Logger) TokenRegistered(ip, fingerprint, target string, expiresAt time.Time) {
	l.Log(Event{
		EventType:   "token_register",
		IP:          ip,
		Fingerprint: fingerprint,
		Target:      target,
		Details:     "expires " + expiresAt.UTC().Format(time.RFC3339),
		Severity:    "info",
	})
}

func (l *Logger) TokenRevoked(ip, fingerprint string) {
	l.Log(Event{
		EventType:   "token_revoke",
		IP:          ip,
		Fingerprint: fingerprint,
		Details:     "Token revoked",
		Severity:    "info",
	})
}

// Request records a rejected or failed request.
func (l *Logger) Request(ip, method, path string, status int, outcome string, d time.Duration) {
	severity := "warning"
	if outcome == "error" {
		severity = "error"
	}
	l.Log(Event{
		EventType: "request_" + outcome,
		IP:        ip,
		Details:   fmt.Sprintf("%s %s -> %d (%v)", method, path, status, d.Round(time.Millisecond)),
		Severity:  severity,
	})
}

// Dropped returns the number of events dropped in the current window.
func (l *Logger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
