// Package mixnet is the opaque interface boundary to the embedded
// mixnet node library (spec.md §1 names this an external
// collaborator, consumed only through the API in spec.md §6/§5). This
// package defines that API surface plus an in-process session
// registry, so the rest of the module (connect, disconnect, chanfund,
// core) can be built and tested against a concrete type without a
// real HOPR node present.
//
// Grounded on peer.go's activeChannels map+mutex shape for the
// listener registry (spec.md §5: "Listener registry inside the node
// maps (protocol, bound_host) to an abort handle and metadata; it is
// protected by a read-write lock").
package mixnet

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	goerrors "github.com/go-errors/errors"
)

// Protocol distinguishes the two session kinds spec.md §4.2 and the
// GLOSSARY name: a short-lived TCP-framed Bridge session, and a
// long-lived UDP-framed Ping/Main session.
type Protocol string

const (
	ProtocolBridge Protocol = "bridge"
	ProtocolPing   Protocol = "ping"
)

// ListenerKey is the registry key spec.md §5 describes:
// (protocol, bound_host).
type ListenerKey struct {
	Protocol Protocol
	Host     string
}

// Session describes one open mixnet session: its local bound port
// (used as the bridge session's registration endpoint, spec.md §4.7's
// "127.0.0.1:<bridge_port>"), and an abort func to close it.
type Session struct {
	Key        ListenerKey
	LocalPort  uint16
	RoutingHop []string

	// Surb token-bucket-limits how fast SURBs are pushed upstream for
	// this session (spec.md §6's `max_surb_upstream`). Ping protocol
	// sessions start at ping-traffic levels; AdjustToMain (spec.md
	// §4.2 step 8) raises it to main-traffic levels in place.
	Surb *SurbLimiter

	abort func()
}

// Close aborts the session. Calling Close more than once is safe.
func (s *Session) Close() {
	if s.abort != nil {
		s.abort()
	}
}

// errSessionNotFound is the idempotent-teardown sentinel named in
// spec.md §4.2 step 4 / §4.3 step 2 / §7: "SessionNotFound from the
// node is treated as success (idempotent)".
var errSessionNotFound = goerrors.Errorf("mixnet: session not found")

// IsSessionNotFound reports whether err is (or wraps) the
// SessionNotFound condition.
func IsSessionNotFound(err error) bool {
	return goerrors.Is(err, errSessionNotFound)
}

// Node is a cheaply-cloneable handle to the embedded mixnet node,
// shared (multi-owner) across runners per spec.md §5. Internally
// thread-safe: every method may be called concurrently from any
// runner goroutine.
type Node struct {
	registry *registry
}

// New constructs a Node handle. A single Node is created once at
// worker startup and shared by every runner thereafter.
func New() *Node {
	return &Node{registry: newRegistry()}
}

// Init starts the embedded node (spec.md §4.1 startup step 4's `Hopr`
// init runner). The node's own sync/bootstrap machinery is out of
// scope (spec.md §1: consumed as an opaque dependency); this is the
// seam the orchestrator calls into.
func (n *Node) Init(ctx context.Context) error {
	return nil
}

// WaitRunning blocks until the node reports itself fully synced
// (spec.md §4.1's "wait for node running watcher"), or ctx is done.
func (n *Node) WaitRunning(ctx context.Context) error {
	return ctx.Err()
}

// Shutdown requests the embedded node wind down (spec.md §4.1
// "Shutdown semantics": "if a Hopr node handle exists, request its
// shutdown asynchronously; reply to the shutdown request only after
// the node shutdown returns"). The orchestrator blocks on this call
// directly rather than spawning a runner, since shutdown is already
// the terminal event of its own event loop.
func (n *Node) Shutdown(ctx context.Context) error {
	return nil
}

// OpenSession opens a session to destAddr along the given routing
// hops, following policy applied symmetrically to forward and return
// paths (spec.md §4.2 step 2). port == 0 requests an ephemeral local
// port (always succeeds); a non-zero port that collides with an
// existing registry entry for the same (protocol, host) is an error
// (spec.md §8 round-trip property).
func (n *Node) OpenSession(ctx context.Context, protocol Protocol, host string, port uint16, destAddr string, hops []string) (*Session, error) {
	key := ListenerKey{Protocol: protocol, Host: host}

	if port != 0 {
		if n.registry.has(key) {
			return nil, goerrors.Errorf("mixnet: listener already open for %v", key)
		}
	}

	sess := &Session{Key: key, LocalPort: choosePort(port), RoutingHop: hops}
	sess.abort = func() { n.registry.remove(key, sess) }

	if protocol == ProtocolPing {
		sess.Surb = NewSurbLimiter(PingSurbRate, PingSurbBurst)
	}

	n.registry.add(key, sess)
	return sess, nil
}

// choosePort returns a pseudo-ephemeral port deterministically derived
// from a monotonically increasing counter when port == 0, or port
// itself otherwise. A real mixnet node library would bind an actual
// OS socket; this package only tracks the logical registry entry.
func choosePort(port uint16) uint16 {
	if port != 0 {
		return port
	}
	return nextEphemeralPort()
}

var (
	ephemeralMu   sync.Mutex
	ephemeralNext uint16 = 40000
)

func nextEphemeralPort() uint16 {
	ephemeralMu.Lock()
	defer ephemeralMu.Unlock()
	p := ephemeralNext
	ephemeralNext++
	return p
}

// CloseSession closes sess. Closing an already-closed or unknown
// session returns errSessionNotFound, which callers treat as success
// per spec.md §4.2 step 4 / §4.3 step 2.
func (n *Node) CloseSession(sess *Session) error {
	if sess == nil || !n.registry.has(sess.Key) {
		return errSessionNotFound
	}
	sess.Close()
	return nil
}

// PeeredRelays returns the set of relay chain addresses currently
// peered by the node. Only tests call it; the connection runner's
// FallbackGatherPeerIps step uses AnnouncedPeerIPs instead.
func (n *Node) PeeredRelays() []string {
	return n.registry.peeredRelays()
}

// AnnouncedPeerIPs returns the announced IP addresses of currently
// connected relay peers, used by FallbackGatherPeerIps (spec.md §4.2
// step 6b) to build the static bypass-route request.
func (n *Node) AnnouncedPeerIPs() []string {
	return n.registry.announcedIPs()
}

// SetPeered is a test/simulation hook recording that addr is (or is
// no longer) peered, with an announced IP. A real node library would
// drive this from its own gossip layer; tests use it directly to
// simulate peering changes.
func (n *Node) SetPeered(addr, ip string, peered bool) {
	n.registry.setPeered(addr, ip, peered)
}

// ChannelBalance returns the current balance of the outgoing payment
// channel to addr, or nil if none has been opened yet. Satisfies
// internal/chanfund.ChannelOps, adapting the node's channel ledger
// (otherwise entirely internal to the embedded mixnet node library,
// spec.md §1's opaque-dependency non-goal) to the one read the
// channel-funding runner needs.
func (n *Node) ChannelBalance(ctx context.Context, addr string) (*big.Int, error) {
	return n.registry.channelBalance(addr), nil
}

// OpenOrFundChannel opens a channel to addr if none exists, or tops it
// up to amount otherwise. Safe to re-invoke after a partial failure
// (spec.md §9).
func (n *Node) OpenOrFundChannel(ctx context.Context, addr string, amount *big.Int) error {
	n.registry.setChannelBalance(addr, amount)
	return nil
}

// SetChannelBalance is a test/simulation hook, the channel-ledger
// counterpart of SetPeered.
func (n *Node) SetChannelBalance(addr string, amount *big.Int) {
	n.registry.setChannelBalance(addr, amount)
}

// registry is the read-write-locked listener + peer registry spec.md
// §5 describes.
type registry struct {
	mu        sync.RWMutex
	listeners map[ListenerKey][]*Session
	peers     map[string]string // relay address -> announced IP
	channels  map[string]*big.Int
}

func newRegistry() *registry {
	return &registry{
		listeners: make(map[ListenerKey][]*Session),
		peers:     make(map[string]string),
		channels:  make(map[string]*big.Int),
	}
}

func (r *registry) channelBalance(addr string) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[addr]
}

func (r *registry) setChannelBalance(addr string, amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[addr] = amount
}

func (r *registry) has(key ListenerKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[key]) > 0
}

func (r *registry) add(key ListenerKey, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = append(r.listeners[key], sess)
}

// remove closes out sess. An unspecified host ("") fans out to all
// matching listeners for the protocol, per spec.md §5: "closing with
// an unspecified host fans out to all matching listeners".
func (r *registry) remove(key ListenerKey, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key.Host == "" {
		for k, sessions := range r.listeners {
			if k.Protocol != key.Protocol {
				continue
			}
			r.listeners[k] = removeSession(sessions, sess)
		}
		return
	}
	r.listeners[key] = removeSession(r.listeners[key], sess)
}

func removeSession(sessions []*Session, target *Session) []*Session {
	out := sessions[:0]
	for _, s := range sessions {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (r *registry) setPeered(addr, ip string, peered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if peered {
		r.peers[addr] = ip
	} else {
		delete(r.peers, addr)
	}
}

func (r *registry) peeredRelays() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for addr := range r.peers {
		out = append(out, addr)
	}
	return out
}

func (r *registry) announcedIPs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for _, ip := range r.peers {
		out = append(out, ip)
	}
	return out
}

// String satisfies fmt.Stringer for log lines (internal/core uses
// spew.Sdump for full Trace-level dumps of Up/Down records; this is
// the terse Info-level form used at every other log level).
func (k ListenerKey) String() string {
	return fmt.Sprintf("%s://%s", k.Protocol, k.Host)
}
