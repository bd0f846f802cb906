// Package disconnect implements the disconnection runner (spec.md
// §4.3): the inverse of internal/connect, tearing down a connection
// that is Up (or was cancelled mid-establishment) back to nothing.
//
// Grounded on contractcourt/htlc_timeout_resolver.go's Resolve()
// pattern: each step is guarded by a field of State that says whether
// its resource was ever acquired, so a Runner built from a
// partially-established Up record (one that never made it past
// OpenBridge, or one cancelled halfway through establishment) skips
// the teardown of resources that never existed. Run records no
// progress of its own; a second Run over the same State repeats every
// guarded step.
package disconnect

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/log"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
)

var discLog = log.RegisterSubsystem("DISC")

// Phase enumerates the Down record's teardown phases (spec.md §3):
// Disconnecting -> DisconnectingWg -> OpeningBridge -> UnregisteringWg
// -> ClosingBridge.
type Phase int

const (
	Disconnecting Phase = iota
	DisconnectingWg
	OpeningBridge
	UnregisteringWg
	ClosingBridge
)

func (p Phase) String() string {
	switch p {
	case Disconnecting:
		return "Disconnecting"
	case DisconnectingWg:
		return "DisconnectingWg"
	case OpeningBridge:
		return "OpeningBridge"
	case UnregisteringWg:
		return "UnregisteringWg"
	case ClosingBridge:
		return "ClosingBridge"
	default:
		return "Unknown"
	}
}

// Progress is emitted before/at each teardown milestone, timestamped
// for operator diagnostics (spec.md §3: "Each transition records a
// timestamp").
type Progress struct {
	Phase Phase
	At    time.Time
}

// Events receives teardown progress. The OpeningBridge progress event
// is the one spec.md §5 "Ordering across attempts" singles out: it
// fires once the local WireGuard tunnel is confirmed down (or was
// never brought up), which is the earliest safe point to start a new
// connection attempt to a different destination — well before the
// high-latency bridge-reopen/unregister/close steps that follow.
type Events interface {
	Progress(Progress)
}

// State is the subset of an Up record the runner needs in order to
// know which teardown steps still have side effects to undo (spec.md
// §4.3: "disconnection must be safe to invoke against a connection
// that never finished establishing"). Nil/zero fields mean the
// corresponding resource was never acquired.
type State struct {
	// WgLive is true once a DynamicWgRouting or StaticWgRouting root
	// request completed successfully (spec.md §4.2 steps 6/6b).
	WgLive bool

	// Bridge is the still-open bridge session, if any (spec.md §4.2
	// step 2, re-opened for the unregister call if step 4 already
	// closed it — see Run).
	Bridge *mixnet.Session

	// BridgeHost is needed to re-open a bridge session for the
	// unregister call when Bridge is nil but registration happened
	// (the ordinary case: CloseBridge already ran as step 4 of
	// connect.Runner.Run).
	BridgeHost string

	// Registered is true once RegisterWg (spec.md §4.2 step 3)
	// succeeded, meaning the exit holds a registration that must be
	// explicitly unregistered.
	Registered bool

	// PublicKey is the WireGuard public key that was registered with
	// the exit (spec.md §3's Down record: "the WireGuard public key to
	// unregister"). Set whenever Registered is true; the exit needs it
	// to know which registration to forget (spec.md §4.3 step 2).
	PublicKey string

	// Ping is the still-open ping session, if any (spec.md §4.2 step
	// 5), closed as part of teardown.
	Ping *mixnet.Session
}

// RootSender is the subset of the worker<->root link teardown needs.
type RootSender interface {
	TearDownWg(ctx context.Context) error
}

// Runner executes the disconnection sequence for one Up record.
type Runner struct {
	Node   *mixnet.Node
	Root   RootSender
	Client *http.Client
}

// Result is the terminal DisconnectionResult (spec.md §4.3).
type Result struct {
	Destination string
	Err         error
}

// Run tears down st: WireGuard first (so traffic stops immediately),
// then the ping session, then the exit registration, then the bridge
// session. Every step treats "already gone" as success —
// RegistrationNotFound and mixnet.IsSessionNotFound are not failures,
// mirroring the teacher resolver's re-invocation safety. ev may be nil
// (tests exercising individual steps don't need progress reporting).
func (r *Runner) Run(ctx context.Context, destination string, st State, ev Events) Result {
	emit := func(p Phase) {
		if ev != nil {
			ev.Progress(Progress{Phase: p, At: time.Now()})
		}
	}

	emit(Disconnecting)

	if st.WgLive {
		emit(DisconnectingWg)
		discLog.Infof("%s: tearing down wireguard interface", destination)
		if err := r.tearDownWg(ctx); err != nil {
			return r.fail(destination, err)
		}
	}

	// The local tunnel is down (or never came up) from this point on —
	// safe for the orchestrator to start a new connection attempt to a
	// different destination without waiting for the remaining,
	// higher-latency steps below.
	emit(OpeningBridge)

	if st.Ping != nil {
		discLog.Debugf("%s: closing ping session", destination)
		if err := r.Node.CloseSession(st.Ping); err != nil && !mixnet.IsSessionNotFound(err) {
			return r.fail(destination, err)
		}
	}

	if st.Registered {
		emit(UnregisteringWg)
		discLog.Infof("%s: unregistering from exit", destination)
		if err := r.unregister(ctx, destination, st); err != nil {
			return r.fail(destination, err)
		}
	}

	if st.Bridge != nil {
		emit(ClosingBridge)
		discLog.Debugf("%s: closing bridge session", destination)
		if err := r.Node.CloseSession(st.Bridge); err != nil && !mixnet.IsSessionNotFound(err) {
			return r.fail(destination, err)
		}
	}

	return Result{Destination: destination}
}

func (r *Runner) fail(destination string, err error) Result {
	return Result{Destination: destination, Err: err}
}

func (r *Runner) tearDownWg(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		return r.Root.TearDownWg(ctx)
	}, b)
}

// unregister re-opens a bridge session if one isn't already open (the
// ordinary path: connect.Runner's CloseBridge already ran), POSTs the
// unregister request, and treats a 404/"not found" exit response as
// success — spec.md §4.3: "an unregister against an exit that has
// already forgotten the registration is not an error."
func (r *Runner) unregister(ctx context.Context, destination string, st State) error {
	bridge := st.Bridge
	if bridge == nil {
		sess, err := r.Node.OpenSession(ctx, mixnet.ProtocolBridge, st.BridgeHost, 0, destination, nil)
		if err != nil {
			return goerrors.Errorf("disconnect: reopen bridge: %w", err)
		}
		defer func() {
			if err := r.Node.CloseSession(sess); err != nil && !mixnet.IsSessionNotFound(err) {
				discLog.Warnf("%s: closing reopened bridge session: %v", destination, err)
			}
		}()
		bridge = sess
	}

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	notFound, err := postUnregister(ctx, client, bridge.LocalPort, st.PublicKey)
	if notFound {
		discLog.Debugf("%s: exit already forgot registration", destination)
		return nil
	}
	return err
}
