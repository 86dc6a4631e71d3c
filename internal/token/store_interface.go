package token

import (
	"context"
	"time"
)

// Store maps token values to console targets. Implementations are safe
// for concurrent use.
type Store interface {
	// Register inserts t. It fails with ErrDuplicateToken while an entry
	// with the same value is still valid; an expired entry is replaced.
	Register(ctx context.Context, t Token) error
	// ValidateAndConsume returns the target for value, or ErrTokenNotFound
	// or ErrTokenExpired. Under SingleUse the entry is removed on success.
	ValidateAndConsume(ctx context.Context, value string) (Descriptor, error)
	Revoke(ctx context.Context, value string) error
	// Sweep deletes every entry expired at now and reports how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Len() int
	Close() error
}
