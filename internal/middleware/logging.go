package middleware

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"vncproxy/internal/audit"
	"vncproxy/internal/metrics"
	"vncproxy/internal/security"
)

type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.hijacked = true
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Logging writes one line per request with method, path, status, outcome,
// duration and client IP. The query string is never logged since it
// carries the token. Rejected and failed requests also go to the audit
// sink.
func Logging(auditLog *audit.Logger, m *metrics.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			o := &outcome{}
			r = r.WithContext(context.WithValue(r.Context(), outcomeKey{}, o))
			rec := &statusRecorder{ResponseWriter: w}

			defer func() {
				p := recover()
				status := rec.status
				if p != nil {
					status = http.StatusInternalServerError
					SetOutcome(r.Context(), metrics.OutcomeError, "panic")
				}
				logRequest(r, status, o, time.Since(start), auditLog, m)
				if p != nil {
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

func logRequest(r *http.Request, status int, o *outcome, duration time.Duration, auditLog *audit.Logger, m *metrics.Metrics) {
	if status == 0 {
		status = http.StatusOK
	}
	value, reason := o.get()
	if value == "" {
		value = outcomeForStatus(status)
	}
	ip := security.ClientIP(r)
	path := loggedPath(r)

	if reason != "" {
		log.Printf("📥 %s %s %d %s (%s) %v %s", r.Method, path, status, value, reason, duration.Round(time.Millisecond), ip)
	} else {
		log.Printf("📥 %s %s %d %s %v %s", r.Method, path, status, value, duration.Round(time.Millisecond), ip)
	}

	if value != metrics.OutcomeSuccess {
		auditLog.Request(ip, r.Method, path, status, value, duration)
	}
	if m != nil {
		m.RequestsTotal.WithLabelValues(value).Inc()
	}
}

// loggedPath prefers the matched mux pattern so path parameters such as
// a token being revoked stay out of the logs.
func loggedPath(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if i := strings.IndexByte(p, ' '); i >= 0 {
			p = p[i+1:]
		}
		return p
	}
	return r.URL.Path
}
