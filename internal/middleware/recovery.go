package middleware

import (
	"log"
	"net/http"
	"runtime/debug"

	"vncproxy/internal/metrics"
)

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				log.Printf("🔥 PANIC RECOVERED: %v\nStack Trace:\n%s", err, string(debug.Stack()))
				SetOutcome(r.Context(), metrics.OutcomeError, "panic")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
