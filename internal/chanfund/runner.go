// Package chanfund implements the channel-funding runner (spec.md
// §4.4): given a relay chain address, a ticket value, and a handle on
// the mixnet node, idempotently ensure an outgoing channel exists and
// is funded to at least funding_amount(ticket_value).
package chanfund

import (
	"context"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gnosis/gnosisvpn/internal/log"
)

var fundLog = log.RegisterSubsystem("FUND")

// ManyTicketBuffer is the fixed multiple of ticket value spec.md §4.4
// names ("a many-ticket buffer"): a channel is funded to cover this
// many expected tickets before the orchestrator considers it
// sufficiently funded.
const ManyTicketBuffer = 100

// FundingAmount computes funding_amount(ticket_value) (spec.md §4.4).
func FundingAmount(ticketValue *big.Int) *big.Int {
	return new(big.Int).Mul(ticketValue, big.NewInt(ManyTicketBuffer))
}

// ChannelOps is the subset of node operations the funding runner
// needs, narrowed from the full mixnet.Node so this package can be
// unit-tested against a fake.
type ChannelOps interface {
	// ChannelBalance returns the current balance of the outgoing
	// channel to addr, or nil if no channel exists yet.
	ChannelBalance(ctx context.Context, addr string) (*big.Int, error)
	// OpenOrFundChannel opens a channel to addr if none exists, or
	// tops it up to at least amount if one already does. Must be
	// safe to re-invoke after a partial success (spec.md §9:
	// "ensure_channel_open_and_funded must be safe to re-invoke").
	OpenOrFundChannel(ctx context.Context, addr string, amount *big.Int) error
}

// RetryAfterFailure is spec.md §4.4's "the orchestrator retries the
// same runner after 60s" on terminal failure.
const RetryAfterFailure = 60 * time.Second

// EnsureFunded idempotently ensures the channel to addr is funded to
// at least amount, retrying transient chain/RPC failures internally
// with exponential backoff.
func EnsureFunded(ctx context.Context, ops ChannelOps, addr string, amount *big.Int) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	return backoff.Retry(func() error {
		balance, err := ops.ChannelBalance(ctx, addr)
		if err != nil {
			return err
		}
		if balance != nil && balance.Cmp(amount) >= 0 {
			fundLog.Debugf("channel to %s already funded (%s >= %s)", addr, balance, amount)
			return nil
		}

		fundLog.Infof("funding channel to %s (target %s)", addr, amount)
		if err := ops.OpenOrFundChannel(ctx, addr, amount); err != nil {
			return goerrors.Errorf("chanfund: %s: %w", addr, err)
		}
		return nil
	}, b)
}

// EnsureFundedForTargets fans out one EnsureFunded call per configured
// channel target (spec.md §4.1 startup step 5: "spawn one
// channel-funding runner per configured channel target"), using
// errgroup the way htlcswitch/switch.go's worker pool construction
// fans out concurrent work and collects the first fatal error,
// instead of a hand-rolled sync.WaitGroup + error slice.
func EnsureFundedForTargets(ctx context.Context, ops ChannelOps, targets []string, amount *big.Int) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range targets {
		addr := addr
		g.Go(func() error {
			return EnsureFunded(gctx, ops, addr, amount)
		})
	}
	return g.Wait()
}
