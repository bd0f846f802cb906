package socket

import (
	"encoding/json"
	"io"
	"sync"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/gnosis/gnosisvpn/internal/rootproto"
)

// RootFrameKind tags the worker<->root wire messages (spec.md §6):
// root->worker bootstrap (HoprParams, Config), worker->root (Command,
// Response, RequestToRoot, OutOfSync), root->worker (ResponseFromRoot).
type RootFrameKind string

const (
	FrameHoprParams       RootFrameKind = "hopr_params"
	FrameConfig           RootFrameKind = "config"
	FrameCommand          RootFrameKind = "command"
	FrameResponse         RootFrameKind = "response"
	FrameRequestToRoot    RootFrameKind = "request_to_root"
	FrameResponseFromRoot RootFrameKind = "response_from_root"
	FrameOutOfSync        RootFrameKind = "out_of_sync"
)

// RootRequestKind distinguishes the four root-request payload shapes
// of spec.md §4.7. Defined in internal/rootproto so both this package
// and rootproto.Client can share it without an import cycle.
type RootRequestKind = rootproto.RequestKind

const (
	ReqDynamicWgRouting = rootproto.ReqDynamicWgRouting
	ReqStaticWgRouting  = rootproto.ReqStaticWgRouting
	ReqTearDownWg       = rootproto.ReqTearDownWg
	ReqPing             = rootproto.ReqPing
)

// RootFrame is the envelope every frame on the worker<->root socket
// carries. Exactly one of the payload fields is populated, selected
// by Kind — a plain tagged union, following lnwire/message.go's
// MsgType-plus-payload shape from the teacher pack (see DESIGN.md).
type RootFrame struct {
	Kind RootFrameKind `json:"kind"`

	RequestID   string                    `json:"request_id,omitempty"`
	RequestKind RootRequestKind           `json:"request_kind,omitempty"`
	WgData      rootproto.WgInterfaceData `json:"wg_data,omitempty"`
	PeerIPs     []string                  `json:"peer_ips,omitempty"`
	PingOptions rootproto.PingOptions     `json:"ping_options,omitempty"`

	Response rootproto.Response `json:"response,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// RootLink is the worker-side demultiplexer for the worker<->root
// socket: it owns the raw connection, assigns correlation IDs to
// outbound requests, and fulfills the matching rootproto request's
// reply channel when a ResponseFromRoot frame arrives. Grounded on
// htlcswitch.go's htlcPlex/networkAdmin split: one goroutine reads
// frames off the wire (the "data plane"), one map under a mutex
// tracks in-flight requests awaiting a reply (the "control plane"
// state the teacher protects with chanIndexMtx-style locking).
type RootLink struct {
	conn io.ReadWriteCloser

	mu      sync.Mutex
	pending map[string]func(rootproto.Response)
}

// NewRootLink wraps an already-connected socket (inherited across
// fork/exec per spec.md §6) in a RootLink.
func NewRootLink(conn io.ReadWriteCloser) *RootLink {
	return &RootLink{
		conn:    conn,
		pending: make(map[string]func(rootproto.Response)),
	}
}

// Run reads frames until the connection closes or a fatal decode
// error occurs, dispatching ResponseFromRoot frames to their
// correlated request and returning any other frame kind to onFrame
// for the caller (cmd/gnosisvpn-worker) to handle — HoprParams/Config
// bootstrap frames in particular.
func (l *RootLink) Run(onFrame func(RootFrame)) error {
	for {
		raw, err := ReadRawFrame(l.conn)
		if err != nil {
			return err
		}

		var frame RootFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return goerrors.Errorf("rootlink: decode frame: %w", err)
		}

		if frame.Kind == FrameResponseFromRoot {
			l.fulfill(frame.RequestID, frame.Response)
			continue
		}

		onFrame(frame)
	}
}

func (l *RootLink) fulfill(id string, resp rootproto.Response) {
	l.mu.Lock()
	cb, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if ok {
		cb(resp)
	}
}

// Dispatch sends req to root as a RequestToRoot frame and registers
// its reply channel under a fresh correlation ID, so that a later
// ResponseFromRoot frame is routed back to req.Fulfill. The caller
// still owns waiting on req's own 60s timeout (spec.md §4.7); a late
// reply that arrives after the caller gave up is absorbed harmlessly
// by Fulfill's non-blocking send.
func (l *RootLink) Dispatch(kind RootRequestKind, wgData rootproto.WgInterfaceData,
	peerIPs []string, pingOpts rootproto.PingOptions, fulfill func(rootproto.Response)) error {

	id := uuid.NewString()

	l.mu.Lock()
	l.pending[id] = fulfill
	l.mu.Unlock()

	frame := RootFrame{
		Kind:        FrameRequestToRoot,
		RequestID:   id,
		RequestKind: kind,
		WgData:      wgData,
		PeerIPs:     peerIPs,
		PingOptions: pingOpts,
	}
	return WriteFrame(l.conn, frame)
}

// SendOutOfSync reports a fatal protocol desync to root (spec.md
// §6), after which the worker is expected to exit.
func (l *RootLink) SendOutOfSync(reason string) error {
	return WriteFrame(l.conn, RootFrame{Kind: FrameOutOfSync, Reason: reason})
}
