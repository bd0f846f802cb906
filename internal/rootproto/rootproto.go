// Package rootproto implements the typed request/response bridge from
// the connection/disconnection runners to the privileged root
// process (spec.md §4.7). Grounded on htlcswitch.go's typed-message-
// with-reply-channel idiom (registerLinkMsg, closeLinkReq): every
// request here is a small struct carrying its own one-shot reply
// channel, dispatched by the worker's demultiplexer
// (internal/socket.RootLink) when the matching response arrives from
// root.
package rootproto

import (
	"context"
	"time"

	goerrors "github.com/go-errors/errors"
)

// ReplyTimeout is the fixed 60s budget spec.md §4.7 gives a root
// request before it fails with a timeout error (dropped reply
// channel).
const ReplyTimeout = 60 * time.Second

// RequestKind distinguishes the four root-request payload shapes of
// spec.md §4.7. Declared here rather than in internal/socket so that
// both socket.RootLink (the wire demultiplexer) and Client below (the
// connect.RootSender adapter) can share one type without either
// package importing the other.
type RequestKind string

const (
	ReqDynamicWgRouting RequestKind = "dynamic_wg_routing"
	ReqStaticWgRouting  RequestKind = "static_wg_routing"
	ReqTearDownWg       RequestKind = "tear_down_wg"
	ReqPing             RequestKind = "ping"
)

// WgInterfaceData is the `wg_data` payload described in spec.md §4.7:
// the WireGuard interface descriptor (private key, assigned address)
// and peer descriptor (exit's public key, 127.0.0.1:<bridge_port>),
// pre-rendered to the INI text root expects (internal/wireguard).
type WgInterfaceData struct {
	InterfaceINI string
}

// PingOptions configures the VerifyPing step's ICMP probe (spec.md
// §4.2 step 7): address/TTL/count, all overridable from config.
type PingOptions struct {
	Address string
	TTL     int
	Count   int
	Timeout time.Duration
}

// Response is the generic result envelope every request kind
// resolves to: either a value (interpreted per request kind) or an
// error string (root always converts its errors to a display string
// before replying, per spec.md §7's propagation policy).
type Response struct {
	Ack     bool
	Value   string
	RTT     time.Duration
	ErrText string
}

func (r Response) err() error {
	if r.ErrText == "" {
		return nil
	}
	return goerrors.Errorf("root: %s", r.ErrText)
}

// request is the common shape every typed request below embeds: a
// one-shot reply channel the worker's demultiplexer fulfills exactly
// once. Modeled directly on closeLinkReq{resp chan X, err chan error}
// from htlcswitch.go, collapsed into a single Response channel since
// every root reply already carries its own error text.
type request struct {
	reply chan Response
}

func newRequest() request {
	return request{reply: make(chan Response, 1)}
}

// await blocks for up to ReplyTimeout for a reply on req's channel,
// implementing spec.md §4.7's "a request that does not get a response
// within 60s fails with a timeout error (the reply channel is
// dropped)".
func (req request) await() (Response, error) {
	select {
	case resp := <-req.reply:
		return resp, resp.err()
	case <-time.After(ReplyTimeout):
		return Response{}, goerrors.Errorf("rootproto: timed out waiting for root response")
	}
}

// DynamicWgRoutingRequest installs policy-based (per-UID fwmark)
// routing for the given WireGuard interface (spec.md §4.2 step 6).
type DynamicWgRoutingRequest struct {
	request
	WgData WgInterfaceData
}

func NewDynamicWgRoutingRequest(wg WgInterfaceData) *DynamicWgRoutingRequest {
	return &DynamicWgRoutingRequest{request: newRequest(), WgData: wg}
}

// StaticWgRoutingRequest installs explicit bypass routes to every
// announced relay peer IP plus RFC1918 networks (spec.md §4.2 step
// 6b fallback).
type StaticWgRoutingRequest struct {
	request
	WgData  WgInterfaceData
	PeerIPs []string
}

func NewStaticWgRoutingRequest(wg WgInterfaceData, peerIPs []string) *StaticWgRoutingRequest {
	return &StaticWgRoutingRequest{request: newRequest(), WgData: wg, PeerIPs: peerIPs}
}

// TearDownWgRequest asks root to remove the WireGuard interface and
// any routes/fwmarks it installed. Fire-and-forget per spec.md §4.7,
// but still acknowledged so the disconnection runner can confirm the
// tunnel is actually down before proceeding (spec.md §4.3 step 1).
type TearDownWgRequest struct {
	request
}

func NewTearDownWgRequest() *TearDownWgRequest {
	return &TearDownWgRequest{request: newRequest()}
}

// PingRequest asks root to issue an ICMP echo through the tunnel
// (root owns the network namespace / raw socket privilege) and
// report the measured RTT (spec.md §4.2 step 7).
type PingRequest struct {
	request
	Options PingOptions
}

func NewPingRequest(opts PingOptions) *PingRequest {
	return &PingRequest{request: newRequest(), Options: opts}
}

// awaiter is satisfied by every *XxxRequest type above via its
// exported Await and Fulfill methods.
type awaiter interface {
	Await() (Response, error)
	Fulfill(Response)
}

// fulfill delivers resp to a request's reply channel without blocking,
// called by the worker's demultiplexer when a ResponseFromRoot frame
// arrives that correlates to req. If the caller already gave up
// (timed out), the channel's buffer-of-1 absorbs the late reply and
// it is simply never read — never blocks the demultiplexer.
func fulfill(reply chan Response, resp Response) {
	select {
	case reply <- resp:
	default:
	}
}

func (r *DynamicWgRoutingRequest) Fulfill(resp Response) { fulfill(r.reply, resp) }
func (r *StaticWgRoutingRequest) Fulfill(resp Response)  { fulfill(r.reply, resp) }
func (r *TearDownWgRequest) Fulfill(resp Response)       { fulfill(r.reply, resp) }
func (r *PingRequest) Fulfill(resp Response)             { fulfill(r.reply, resp) }

func (r *DynamicWgRoutingRequest) Await() (Response, error) { return r.await() }
func (r *StaticWgRoutingRequest) Await() (Response, error)  { return r.await() }
func (r *TearDownWgRequest) Await() (Response, error)       { return r.await() }
func (r *PingRequest) Await() (Response, error)             { return r.await() }

// Dispatcher is the worker-side send half of the root link: submit a
// typed request and register a callback for its eventual reply. It is
// exactly the method socket.RootLink.Dispatch already implements,
// named here so this package can depend on the shape without importing
// internal/socket (which imports this package for the frame payload
// types, so the reverse import would cycle).
type Dispatcher interface {
	Dispatch(kind RequestKind, wgData WgInterfaceData, peerIPs []string, pingOpts PingOptions, fulfill func(Response)) error
}

// Client adapts a Dispatcher into the connect.RootSender interface
// (DynamicWgRouting/StaticWgRouting/Ping), handling the
// dispatch-then-block-on-a-oneshot-channel plumbing every request kind
// here already implements via await().
type Client struct {
	Link Dispatcher
}

// NewClient wraps link (typically a *socket.RootLink) as a Client.
func NewClient(link Dispatcher) *Client {
	return &Client{Link: link}
}

func (c *Client) DynamicWgRouting(ctx context.Context, wg WgInterfaceData) error {
	req := NewDynamicWgRoutingRequest(wg)
	_, err := c.dispatch(ctx, ReqDynamicWgRouting, req, wg, nil, PingOptions{})
	return err
}

func (c *Client) StaticWgRouting(ctx context.Context, wg WgInterfaceData, peerIPs []string) error {
	req := NewStaticWgRoutingRequest(wg, peerIPs)
	_, err := c.dispatch(ctx, ReqStaticWgRouting, req, wg, peerIPs, PingOptions{})
	return err
}

func (c *Client) TearDownWg(ctx context.Context) error {
	req := NewTearDownWgRequest()
	_, err := c.dispatch(ctx, ReqTearDownWg, req, WgInterfaceData{}, nil, PingOptions{})
	return err
}

func (c *Client) Ping(ctx context.Context, opts PingOptions) (time.Duration, error) {
	req := NewPingRequest(opts)
	resp, err := c.dispatch(ctx, ReqPing, req, WgInterfaceData{}, nil, opts)
	if err != nil {
		return 0, err
	}
	return resp.RTT, nil
}

// dispatch submits req via c.Link and blocks on req's own 60s-bounded
// Await, the same way htlcswitch.go's request helpers send a typed
// message then wait on its embedded reply channel.
func (c *Client) dispatch(ctx context.Context, kind RequestKind, req awaiter,
	wg WgInterfaceData, peerIPs []string, opts PingOptions) (Response, error) {

	if err := c.Link.Dispatch(kind, wg, peerIPs, opts, req.Fulfill); err != nil {
		return Response{}, goerrors.Errorf("rootproto: dispatch %s: %w", kind, err)
	}

	type awaitResult struct {
		resp Response
		err  error
	}
	done := make(chan awaitResult, 1)
	go func() {
		resp, err := req.Await()
		done <- awaitResult{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
