// Package clock lets time-dependent code (token expiry, sweeps, idle
// watchdogs) run against a fake clock in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker mirrors time.Ticker. C has capacity 1; ticks are dropped when
// the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
