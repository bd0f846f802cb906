// Package connect implements the connection establishment protocol
// (spec.md §4.2): an ordered, retryable, cancelable 8-step pipeline
// that brings up a WireGuard tunnel to a destination through the
// mixnet.
//
// Grounded on contractcourt/htlc_timeout_resolver.go's
// do-the-step-then-checkpoint-immediately pattern: every pipeline
// step here emits a Progress event before performing its side effect
// (mirroring the resolver's `h.Checkpoint(h)` call immediately after
// each state change), so the orchestrator's Up record is updated even
// if the step then fails or is cancelled (spec.md §4.2, §9).
package connect

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/log"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/rootproto"
	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

var connLog = log.RegisterSubsystem("CONN")

// Phase enumerates ConnectionPhase (spec.md §3): the ordered states of
// one connection attempt.
type Phase int

const (
	Init Phase = iota
	GeneratingWg
	OpeningBridge
	RegisteringWg
	ClosingBridge
	OpeningPing
	EstablishingDynamicTunnel
	FallbackGatherPeerIps
	EstablishingStaticTunnel
	VerifyingPing
	AdjustingToMain
	Established
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "Init"
	case GeneratingWg:
		return "GeneratingWg"
	case OpeningBridge:
		return "OpeningBridge"
	case RegisteringWg:
		return "RegisteringWg"
	case ClosingBridge:
		return "ClosingBridge"
	case OpeningPing:
		return "OpeningPing"
	case EstablishingDynamicTunnel:
		return "EstablishingDynamicTunnel"
	case FallbackGatherPeerIps:
		return "FallbackGatherPeerIps"
	case EstablishingStaticTunnel:
		return "EstablishingStaticTunnel"
	case VerifyingPing:
		return "VerifyingPing"
	case AdjustingToMain:
		return "AdjustingToMain"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Progress is emitted before every side-effecting step, carrying a
// timestamp for operator diagnostics (spec.md §3 ConnectionPhase:
// "Each transition records a timestamp").
type Progress struct {
	Phase Phase
	At    time.Time
}

// Registration is the exit's response to RegisterWg (spec.md §4.2
// step 3): assigned tunnel IP, a "newly-registered" flag, and the
// exit's WireGuard public key.
type Registration struct {
	TunnelIP        net.IP
	NewlyRegistered bool
	ExitPublicKey   wireguard.PublicKey
}

// Setback is published by VerifyPing on each failed retry attempt
// (spec.md §4.2 step 7: "each attempt publishes a Setback::Ping event
// so the UI can show 'still trying'").
type Setback struct {
	Kind string
	Err  error
}

// Events is how the runner reports progressively-acquired artifacts
// back to the orchestrator, which owns the authoritative Up record
// (spec.md §9: "the runner never owns the only copy of a partially-
// established resource").
type Events interface {
	Progress(Progress)
	WireGuardGenerated(wireguard.KeyPair)
	Registered(Registration)
	BridgeSessionOpened(*mixnet.Session)
	PingSessionOpened(*mixnet.Session)
	Setback(Setback)
}

// RootSender is the subset of the worker<->root link the runner needs:
// dispatch a request and block for its typed reply. *rootproto.Client
// implements it.
type RootSender interface {
	DynamicWgRouting(ctx context.Context, wg rootproto.WgInterfaceData) error
	StaticWgRouting(ctx context.Context, wg rootproto.WgInterfaceData, peerIPs []string) error
	Ping(ctx context.Context, opts rootproto.PingOptions) (time.Duration, error)
}

// Config bundles the per-connection-attempt parameters read from the
// TOML config (spec.md §6 `connection` table).
type Config struct {
	Destination   string
	RoutingHops   []string
	BridgeHost    string
	PingHost      string
	HTTPTimeout   time.Duration
	PingOptions   rootproto.PingOptions
	ListenPort    *uint16
	AllowedIPs    string
}

// Result is the terminal ConnectionResult (spec.md §4.2): either the
// measured RTT on success, or a display-ready error.
type Result struct {
	Destination string
	RTT         time.Duration
	Err         error
}

// Runner executes one connection attempt. A fresh Runner is
// constructed per attempt; it holds only a shared mixnet.Node handle
// and a RootSender, per spec.md §9: "Runners hold a shared handle to
// the mixnet node (cheaply cloneable) ... they never observe
// orchestrator state."
type Runner struct {
	Node   *mixnet.Node
	Root   RootSender
	Client *http.Client
}

// maxPingRetries bounds VerifyPing's Fibonacci backoff, per spec.md
// §7: "the retry budget is finite."
const maxPingRetries = 12

// Run executes the 8-step pipeline for cfg, reporting progress and
// artifacts through ev, and honoring ctx cancellation at every
// suspension point (spec.md §5: "Every .await is a potential
// cancellation point").
func (r *Runner) Run(ctx context.Context, cfg Config, ev Events) Result {
	if err := ctx.Err(); err != nil {
		return Result{Destination: cfg.Destination, Err: err}
	}

	// 1. GenerateWg
	ev.Progress(Progress{Phase: GeneratingWg, At: now()})
	kp, err := wireguard.GenerateKeyPair()
	if err != nil {
		return r.fail(cfg, err)
	}
	ev.WireGuardGenerated(kp)

	// 2. OpenBridge
	ev.Progress(Progress{Phase: OpeningBridge, At: now()})
	bridge, err := r.retryOpenSession(ctx, mixnet.ProtocolBridge, cfg.BridgeHost, cfg)
	if err != nil {
		return r.fail(cfg, err)
	}
	ev.BridgeSessionOpened(bridge)

	// 3. RegisterWg
	ev.Progress(Progress{Phase: RegisteringWg, At: now()})
	reg, err := r.retryRegister(ctx, bridge, kp, cfg)
	if err != nil {
		return r.fail(cfg, err)
	}
	ev.Registered(reg)

	// 4. CloseBridge — SessionNotFound treated as success.
	ev.Progress(Progress{Phase: ClosingBridge, At: now()})
	if err := r.Node.CloseSession(bridge); err != nil && !mixnet.IsSessionNotFound(err) {
		return r.fail(cfg, err)
	}

	// 5. OpenPing
	ev.Progress(Progress{Phase: OpeningPing, At: now()})
	ping, err := r.retryOpenSession(ctx, mixnet.ProtocolPing, cfg.PingHost, cfg)
	if err != nil {
		return r.fail(cfg, err)
	}
	ev.PingSessionOpened(ping)

	// 6 / 6b. EstablishDynamicWgTunnel, falling back to static.
	wgData := rootproto.WgInterfaceData{
		InterfaceINI: wireguard.RenderINI(
			wireguard.InterfaceConfig{PrivateKey: kp.Private, Address: reg.TunnelIP, ListenPort: cfg.ListenPort},
			wireguard.PeerConfig{PublicKey: reg.ExitPublicKey, BridgePort: ping.LocalPort, AllowedIPs: cfg.AllowedIPs},
		),
	}

	ev.Progress(Progress{Phase: EstablishingDynamicTunnel, At: now()})
	dynErr := r.Root.DynamicWgRouting(ctx, wgData)
	if dynErr != nil {
		if err := ctx.Err(); err != nil {
			return r.fail(cfg, err)
		}

		ev.Progress(Progress{Phase: FallbackGatherPeerIps, At: now()})
		peerIPs := r.Node.AnnouncedPeerIPs()

		ev.Progress(Progress{Phase: EstablishingStaticTunnel, At: now()})
		if err := r.Root.StaticWgRouting(ctx, wgData, peerIPs); err != nil {
			return r.fail(cfg, err)
		}
	}

	// 7. VerifyPing
	ev.Progress(Progress{Phase: VerifyingPing, At: now()})
	rtt, err := r.verifyPing(ctx, cfg, ev)
	if err != nil {
		return r.fail(cfg, err)
	}

	// 8. AdjustToMain
	ev.Progress(Progress{Phase: AdjustingToMain, At: now()})
	if err := r.adjustToMain(ping); err != nil {
		return r.fail(cfg, err)
	}

	ev.Progress(Progress{Phase: Established, At: now()})
	return Result{Destination: cfg.Destination, RTT: rtt}
}

func (r *Runner) fail(cfg Config, err error) Result {
	return Result{Destination: cfg.Destination, Err: err}
}

func (r *Runner) retryOpenSession(ctx context.Context, proto mixnet.Protocol, host string, cfg Config) (*mixnet.Session, error) {
	var sess *mixnet.Session
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		s, err := r.Node.OpenSession(ctx, proto, host, 0, cfg.Destination, cfg.RoutingHops)
		if err != nil {
			return err
		}
		sess = s
		return nil
	}, b)
	if err != nil {
		return nil, goerrors.Errorf("connect: open %s session: %w", proto, err)
	}
	return sess, nil
}

func (r *Runner) retryRegister(ctx context.Context, bridge *mixnet.Session, kp wireguard.KeyPair, cfg Config) (Registration, error) {
	var reg Registration
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var regErr error
		reg, regErr = registerWithExit(ctx, r.Client, bridge.LocalPort, kp, cfg.HTTPTimeout)
		return regErr
	}, b)
	if err != nil {
		return Registration{}, goerrors.Errorf("connect: register with exit: %w", err)
	}
	return reg, nil
}

func (r *Runner) verifyPing(ctx context.Context, cfg Config, ev Events) (time.Duration, error) {
	var delay = fibonacci()
	var lastErr error
	for attempt := 0; attempt < maxPingRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		rtt, err := r.Root.Ping(ctx, cfg.PingOptions)
		if err == nil {
			return rtt, nil
		}
		lastErr = err
		ev.Setback(Setback{Kind: "ping", Err: err})

		select {
		case <-time.After(delay()):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, goerrors.Errorf("connect: ping verification exhausted retries: %w", lastErr)
}

func (r *Runner) adjustToMain(ping *mixnet.Session) error {
	// In-band reconfiguration request to the node session (spec.md
	// §4.2 step 8): the session itself tracks its SURB buffer level;
	// nothing crosses the root boundary for this step.
	connLog.Debugf("adjusting session %s to main-traffic SURB levels", ping.Key)
	if ping.Surb == nil {
		ping.Surb = mixnet.NewSurbLimiter(mixnet.MainSurbRate, mixnet.MainSurbBurst)
		return nil
	}
	ping.Surb.SetRate(mixnet.MainSurbRate, mixnet.MainSurbBurst)
	return nil
}

// fibonacci returns a generator of successive Fibonacci-spaced
// delays (in seconds, capped) for VerifyPing's retry backoff (spec.md
// §7: "Ping-verification failure ... retried with Fibonacci backoff").
func fibonacci() func() time.Duration {
	a, b := 1, 1
	return func() time.Duration {
		d := time.Duration(a) * time.Second
		a, b = b, a+b
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
}

func now() time.Time { return time.Now() }
