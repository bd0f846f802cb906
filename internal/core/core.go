// Package core implements the session orchestrator (spec.md §4.1):
// the single-threaded state machine that sequences onboarding, node
// warm-up, channel funding, and per-destination connection lifecycles,
// and is the sole mutator of all orchestration state.
//
// Grounded on server.go's server type: an atomically-guarded
// started/shutdown pair, a `queries chan interface{}` serialized by a
// single `queryHandler` goroutine, and synchronous-looking public
// methods that push a message with a reply channel and block for the
// answer. Runner results here play the role server.go's newPeers/
// donePeers channels play for asynchronously-arriving peer events:
// a second channel, read by the same select statement, so results
// and commands interleave in arrival order without racing the
// package's mutable state (spec.md §5: "Events on the orchestrator's
// queue are processed strictly in arrival order").
package core

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/chain"
	"github.com/gnosis/gnosisvpn/internal/chanfund"
	"github.com/gnosis/gnosisvpn/internal/config"
	"github.com/gnosis/gnosisvpn/internal/connect"
	"github.com/gnosis/gnosisvpn/internal/disconnect"
	"github.com/gnosis/gnosisvpn/internal/health"
	"github.com/gnosis/gnosisvpn/internal/log"
	"github.com/gnosis/gnosisvpn/internal/metrics"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/persist"
	"github.com/gnosis/gnosisvpn/internal/rootproto"
	"github.com/gnosis/gnosisvpn/internal/routingpolicy"
	"github.com/gnosis/gnosisvpn/internal/socket"
	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

var coreLog = log.RegisterSubsystem("CORE")

// Phase is the orchestrator's coarse-grained state (spec.md §3):
// Initial, CreatingSafe, Starting, HoprSyncing, HoprRunning,
// HoprChannelsFunded, Connecting, Connected, ShuttingDown.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseCreatingSafe
	PhaseStarting
	PhaseHoprSyncing
	PhaseHoprRunning
	PhaseHoprChannelsFunded
	PhaseConnecting
	PhaseConnected
	PhaseShuttingDown
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "Initial"
	case PhaseCreatingSafe:
		return "CreatingSafe"
	case PhaseStarting:
		return "Starting"
	case PhaseHoprSyncing:
		return "HoprSyncing"
	case PhaseHoprRunning:
		return "HoprRunning"
	case PhaseHoprChannelsFunded:
		return "HoprChannelsFunded"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// runMode maps the orchestrator's Phase onto the coarse run-mode the
// control socket reports (spec.md §6). HoprSyncing, and Starting once
// ticket stats are ready, map to RunModeWarmup; Connecting/Connected
// both read as "running" since the
// per-destination connection state is reported separately in the
// destination list.
func (p Phase) runMode(ticketStatsReady bool) socket.RunMode {
	switch p {
	case PhaseInitial:
		return socket.RunModeInit
	case PhaseCreatingSafe:
		return socket.RunModePreparingSafe
	case PhaseStarting:
		if !ticketStatsReady {
			return socket.RunModeValuingTicket
		}
		return socket.RunModeWarmup
	case PhaseHoprSyncing:
		return socket.RunModeWarmup
	case PhaseShuttingDown:
		return socket.RunModeShutdown
	default:
		return socket.RunModeRunning
	}
}

// rootSender is the union of the two narrow RootSender interfaces the
// connection and disconnection runners each declare; *rootproto.Client
// satisfies it directly.
type rootSender interface {
	connect.RootSender
	disconnect.RootSender
}

// Dependencies bundles every externally-owned collaborator the
// orchestrator needs, constructed once by cmd/gnosisvpn-worker and
// handed to New.
type Dependencies struct {
	Node    *mixnet.Node
	Chain   *chain.Registry
	Root    rootSender
	Metrics *metrics.Collectors

	HTTPClient *http.Client

	SafeStatePath string
	RPCURL        string

	NodeAddress         common.Address
	PaymentTokenAddress common.Address
	FactoryAddress      common.Address
	SafeFactoryAmount   *big.Int

	FundingToolEndpoint string

	// TicketOracleQuery abstracts the oracle-contract call chain.
	// TicketStatsRunner wraps with its own retry/backoff.
	TicketOracleQuery func(ctx context.Context) (chain.TicketStats, error)

	// SafeAuth supplies the signer SafeDeployment submits its
	// transaction with. Nil-checked: when it is nil, a cold start logs a
	// critical error after PreSafe and startup goes no further; the
	// process keeps running.
	SafeAuth func(ctx context.Context) (*bind.TransactOpts, error)
}

// Core is the orchestrator. A single instance is constructed per
// worker process lifetime.
type Core struct {
	started  int32
	shutdown int32

	deps Dependencies

	queries chan interface{}
	results chan interface{}
	quit    chan struct{}
	wg      sync.WaitGroup

	// globalCtx/globalCancel implements cancel_for_shutdown (spec.md
	// §4.1): cancelling it cancels every derived context below.
	globalCtx    context.Context
	globalCancel context.CancelFunc

	balancesCancel       context.CancelFunc
	channelFundingCancel context.CancelFunc
	connectingCancel     context.CancelFunc

	// Mutable orchestration state. Touched only inside queryHandler's
	// goroutine (spec.md §4.1: "no component mutates orchestrator
	// state directly; all mutation is serialized by the loop").
	cfg         *config.Config
	cfgPath     string
	phase       Phase
	firstRun    bool
	target      *string
	up          *upRecord
	down        map[string]*downRecord
	peers       health.PeerSet
	funded      health.FundedSet
	healthByDst map[string]health.Status

	fundedTargets map[string]struct{}

	balances           chain.Balances
	ticketStats        chain.TicketStats
	ticketStatsReady   bool
	safe               *persist.SafeState
	lastConnErrors     map[string]string
	hoprRunningWaiting bool
}

// New constructs a Core bound to deps. Call Start to begin the event
// loop.
func New(deps Dependencies) *Core {
	ctx, cancel := context.WithCancel(context.Background())
	return &Core{
		deps:           deps,
		queries:        make(chan interface{}),
		results:        make(chan interface{}, 32), // spec.md §5: "bounded result queue (capacity 32)"
		quit:           make(chan struct{}),
		globalCtx:      ctx,
		globalCancel:   cancel,
		phase:          PhaseInitial,
		down:           make(map[string]*downRecord),
		peers:          make(health.PeerSet),
		funded:         make(health.FundedSet),
		healthByDst:    make(map[string]health.Status),
		fundedTargets:  make(map[string]struct{}),
		lastConnErrors: make(map[string]string),
	}
}

// Start loads cfg, launches the startup sequence (spec.md §4.1 steps
// 1-5), and starts the event-loop goroutine.
func (c *Core) Start(cfg *config.Config, cfgPath string) error {
	if atomic.AddInt32(&c.started, 1) != 1 {
		return nil
	}

	c.cfg = cfg
	c.cfgPath = cfgPath
	c.firstRun = !persist.Exists(c.deps.SafeStatePath)

	c.wg.Add(1)
	go c.queryHandler()

	c.beginStartup()

	return nil
}

// Stop requests a graceful shutdown and blocks until it completes
// (spec.md §4.1 "Shutdown semantics").
func (c *Core) Stop() error {
	if atomic.AddInt32(&c.shutdown, 1) != 1 {
		return nil
	}

	resp := make(chan struct{})
	select {
	case c.queries <- shutdownMsg{resp: resp}:
		<-resp
	case <-c.quit:
	}
	return nil
}

// WaitForShutdown blocks until the event loop has exited.
func (c *Core) WaitForShutdown() {
	c.wg.Wait()
}

// HandleCommand services one control-socket command synchronously
// from the caller's perspective, the same blocking-request-over-a-
// channel shape server.go's ConnectToPeer/OpenChannel/Peers use.
func (c *Core) HandleCommand(cmd socket.Command) socket.Response {
	resp := make(chan socket.Response, 1)
	select {
	case c.queries <- commandMsg{cmd: cmd, resp: resp}:
		return <-resp
	case <-c.quit:
		return socket.Response{OK: false, Error: "core: shut down"}
	}
}

// ReloadConfig pushes a config reload event (spec.md §4.1 "Config
// reload semantics").
func (c *Core) ReloadConfig(cfg *config.Config, path string) error {
	resp := make(chan error, 1)
	select {
	case c.queries <- configReloadMsg{cfg: cfg, path: path, resp: resp}:
		return <-resp
	case <-c.quit:
		return nil
	}
}

// NotifyPeered and NotifyFunded let a node-event listener push
// peer-set and funded-channel changes into the health tracker without
// reaching into Core's private state directly. cmd/gnosisvpn-worker
// does not call them.
func (c *Core) NotifyPeered(addr string, peered bool) {
	select {
	case c.results <- resultPeerEvent{address: addr, peered: peered}:
	case <-c.quit:
	}
}

func (c *Core) NotifyFunded(addr string, funded bool) {
	select {
	case c.results <- resultFundedEvent{address: addr, funded: funded}:
	case <-c.quit:
	}
}

// queryHandler is the orchestrator's single event loop. Grounded
// directly on server.go's queryHandler: a select across the command
// channel, the result channel, and quit, dispatching each message by
// concrete type.
//
// NOTE: This MUST be run as a goroutine.
func (c *Core) queryHandler() {
out:
	for {
		select {
		case msg := <-c.queries:
			switch m := msg.(type) {
			case shutdownMsg:
				c.handleShutdown(m)
				break out
			case configReloadMsg:
				c.handleConfigReload(m)
			case commandMsg:
				c.handleCommandMsg(m)
			}

		case res := <-c.results:
			c.dispatchResult(res)

		case <-c.quit:
			break out
		}
	}

	c.wg.Done()
}

func (c *Core) dispatchResult(res interface{}) {
	switch r := res.(type) {
	case resultPreSafe:
		c.handlePreSafe(r)
	case resultTicketStats:
		c.handleTicketStats(r)
	case resultSafeDeployment:
		c.handleSafeDeployment(r)
	case resultSafePersisted:
		c.handleSafePersisted(r)
	case resultHoprInit:
		c.handleHoprInit(r)
	case resultHoprRunning:
		c.handleHoprRunning(r)
	case resultFundChannel:
		c.handleFundChannel(r)
	case resultBalances:
		c.handleBalances(r)
	case resultConnectionProgress:
		c.handleConnectionProgress(r)
	case resultConnectionResult:
		c.handleConnectionResult(r)
	case resultDisconnectionProgress:
		c.handleDisconnectionProgress(r)
	case resultDisconnectionResult:
		c.handleDisconnectionResult(r)
	case resultPeerEvent:
		c.handlePeerEvent(r)
	case resultFundedEvent:
		c.handleFundedEvent(r)
	default:
		coreLog.Warnf("unrecognized result message %T", res)
	}
}

// sendResult delivers res to the event loop, discarding it silently
// once the orchestrator has shut down (spec.md §8: "after Shutdown, no
// further runner emits a terminal result whose effect would mutate
// orchestrator state").
func (c *Core) sendResult(res interface{}) {
	select {
	case c.results <- res:
	case <-c.quit:
	}
}

// upRecord is spec.md §3's Up record.
type upRecord struct {
	destination string
	phase       connect.Phase
	since       time.Time

	keyPair      *wireguard.KeyPair // set once WireGuardGenerated fired
	registration *connect.Registration
	bridge       *mixnet.Session
	ping         *mixnet.Session
}

// downRecord is spec.md §3's Down record.
type downRecord struct {
	destination string
	phase       disconnect.Phase
	since       time.Time
}

func (c *Core) destinationPolicy(addr string) (routingpolicy.Policy, error) {
	d, ok := c.cfg.Destinations[addr]
	if !ok {
		return nil, goerrors.Errorf("core: unknown destination %s", addr)
	}
	return d.Policy(addr)
}
