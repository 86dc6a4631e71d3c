package token

import (
	"context"
	"log"
	"time"

	"vncproxy/internal/clock"
)

// RunSweeper calls store.Sweep every interval until ctx is done. onSwept,
// when set, receives the number of entries removed by each pass.
func RunSweeper(ctx context.Context, store Store, clk clock.Clock, interval time.Duration, onSwept func(int)) {
	if clk == nil {
		clk = clock.Real()
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.Sweep(ctx, now)
			if err != nil && ctx.Err() == nil {
				log.Printf("Token sweep error: %v", err)
			}
			if removed > 0 {
				log.Printf("🗑 Expired tokens cleaned up: %d", removed)
			}
			if onSwept != nil {
				onSwept(removed)
			}
		}
	}
}
