// Package freshness bounds how old (or how far in the future) an accepted relay
// message may be.
package freshness

import (
	"fmt"
	"time"

	"github.com/pilacorp/go-proof-relay/common/relayerr"
)

// DefaultMaxAge is the production freshness window. It covers opening the target
// tab and loading the page after the sender stamps the message.
const DefaultMaxAge = 60 * time.Second

// IsFresh reports whether |now - issuedAt| <= maxAgeMs. All values are
// milliseconds. A difference that overflows int64 is never fresh.
func IsFresh(issuedAt, now, maxAgeMs int64) bool {
	if maxAgeMs < 0 {
		return false
	}
	var diff int64
	if now >= issuedAt {
		diff = now - issuedAt
	} else {
		diff = issuedAt - now
	}
	if diff < 0 {
		return false
	}
	return diff <= maxAgeMs
}

// Guard applies IsFresh against a clock.
//
// The symmetric window tolerates clock skew in both directions, which also lets a
// future-dated message through for up to maxAge. WithMaxFutureSkew narrows the
// future side independently.
type Guard struct {
	maxAge        time.Duration
	maxFutureSkew time.Duration
	now           func() time.Time
}

type Option func(*Guard)

func WithMaxAge(d time.Duration) Option {
	return func(g *Guard) { g.maxAge = d }
}

// WithMaxFutureSkew limits how far ahead of the clock a timestamp may be. A
// negative value means "same as max age".
func WithMaxFutureSkew(d time.Duration) Option {
	return func(g *Guard) { g.maxFutureSkew = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		maxAge:        DefaultMaxAge,
		maxFutureSkew: -1,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxAge returns the configured window.
func (g *Guard) MaxAge() time.Duration {
	return g.maxAge
}

// Check returns an error wrapping relayerr.ErrStaleMessage when issuedAt (ms since
// epoch) is outside the window.
func (g *Guard) Check(issuedAt int64) error {
	now := g.now().UnixMilli()
	if !IsFresh(issuedAt, now, g.maxAge.Milliseconds()) {
		return fmt.Errorf("%w: issued at %d, now %d, window %s", relayerr.ErrStaleMessage, issuedAt, now, g.maxAge)
	}
	if g.maxFutureSkew >= 0 && issuedAt > now && issuedAt-now > g.maxFutureSkew.Milliseconds() {
		return fmt.Errorf("%w: issued %dms in the future", relayerr.ErrStaleMessage, issuedAt-now)
	}
	return nil
}
