package token

import (
	"context"
	"log"
	"strings"

	"vncproxy/internal/clock"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend string // "memory" or "redis"
	Policy  Policy
	Clock   clock.Clock
	Redis   RedisOptions
}

// NewStore builds the configured backend. An unreachable Redis falls back
// to the in-memory store so the proxy still starts.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	if strings.EqualFold(opts.Backend, "redis") {
		store, err := NewRedisStore(ctx, opts.Redis, opts.Policy, opts.Clock)
		if err != nil {
			log.Printf("⚠️  Redis connection failed: %v", err)
			log.Println("💾 Falling back to in-memory token store")
			return NewMemoryStore(opts.Policy, opts.Clock), nil
		}
		log.Printf("💾 Using Redis token store: %s (policy %s)", opts.Redis.Addr, opts.Policy)
		return store, nil
	}

	log.Printf("💾 Using in-memory token store (policy %s)", opts.Policy)
	return NewMemoryStore(opts.Policy, opts.Clock), nil
}
