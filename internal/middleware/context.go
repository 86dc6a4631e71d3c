package middleware

import (
	"context"
	"sync"

	"vncproxy/internal/metrics"
	"vncproxy/internal/token"
)

// Grant is what an authentication layer hands to dispatch.
type Grant struct {
	Descriptor  token.Descriptor
	Fingerprint string
	Debug       bool
}

type grantKey struct{}

func WithGrant(ctx context.Context, g Grant) context.Context {
	return context.WithValue(ctx, grantKey{}, g)
}

func GrantFromContext(ctx context.Context) (Grant, bool) {
	g, ok := ctx.Value(grantKey{}).(Grant)
	return g, ok
}

type outcome struct {
	mu     sync.Mutex
	value  string
	reason string
}

type outcomeKey struct{}

// SetOutcome annotates the request with its result for the logging layer.
// Later calls overwrite earlier ones. Without a logging layer it does
// nothing.
func SetOutcome(ctx context.Context, value, reason string) {
	o, ok := ctx.Value(outcomeKey{}).(*outcome)
	if !ok {
		return
	}
	o.mu.Lock()
	o.value = value
	o.reason = reason
	o.mu.Unlock()
}

func (o *outcome) get() (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value, o.reason
}

func outcomeForStatus(status int) string {
	switch {
	case status >= 500:
		return metrics.OutcomeError
	case status >= 400:
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeSuccess
	}
}
