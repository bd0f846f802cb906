package mixnet

import (
	"context"

	"golang.org/x/time/rate"
)

// Ping-traffic and main-traffic SURB upstream levels (spec.md §4.2
// step 8: "increase SURB buffers to main-traffic levels"). A session
// starts at the Ping rate the moment it opens and is raised to the
// Main rate once AdjustToMain runs.
const (
	PingSurbRate  = 4
	PingSurbBurst = 8

	MainSurbRate  = 64
	MainSurbBurst = 128
)

// SurbLimiter token-bucket limits how fast SURBs (single-use reply
// blocks, spec.md GLOSSARY) are pushed upstream for one session, per
// the `max_surb_upstream` bandwidth config (spec.md §6). One limiter
// is attached per session; AdjustToMain (spec.md §4.2 step 8) raises
// that limiter's rate in place (SetRate) when upgrading from ping to
// main traffic levels.
type SurbLimiter struct {
	limiter *rate.Limiter
}

// NewSurbLimiter builds a limiter that allows ratePerSecond SURBs to
// be pushed upstream per second, bursting up to burst.
func NewSurbLimiter(ratePerSecond float64, burst int) *SurbLimiter {
	return &SurbLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Wait blocks until one SURB may be pushed, or ctx is cancelled.
func (s *SurbLimiter) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// SetRate adjusts the limiter's rate in place, used by AdjustToMain to
// enlarge SURB buffers without tearing down the session (spec.md
// §4.2 step 8: "send an in-band reconfiguration request to the node
// session to increase SURB buffers to main-traffic levels").
func (s *SurbLimiter) SetRate(ratePerSecond float64, burst int) {
	s.limiter.SetLimit(rate.Limit(ratePerSecond))
	s.limiter.SetBurst(burst)
}
