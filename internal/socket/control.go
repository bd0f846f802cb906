package socket

import (
	"net"
	"os"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/log"
)

var sockLog = log.RegisterSubsystem("SOCK")

// ErrBind and ErrChmod let a caller of Serve tell a listen failure
// apart from a chmod failure (spec.md §6's OSFILE vs NOPERM exit
// codes), without Serve itself knowing anything about exit codes.
var (
	ErrBind  = goerrors.Errorf("socket: bind control socket")
	ErrChmod = goerrors.Errorf("socket: chmod control socket")
)

// CommandKind enumerates the control-socket commands spec.md §6
// names: Ping, Status, Connect(address), Disconnect, Balance,
// RefreshNode, FundingTool(secret), Metrics.
type CommandKind string

const (
	CmdPing        CommandKind = "ping"
	CmdStatus      CommandKind = "status"
	CmdConnect     CommandKind = "connect"
	CmdDisconnect  CommandKind = "disconnect"
	CmdBalance     CommandKind = "balance"
	CmdRefreshNode CommandKind = "refresh_node"
	CmdFundingTool CommandKind = "funding_tool"
	CmdMetrics     CommandKind = "metrics"
)

// Command is the request half of the control-socket protocol: one
// command per connection, one response, then close (spec.md §6).
type Command struct {
	Kind    CommandKind `json:"kind"`
	Address string      `json:"address,omitempty"`
	Secret  string      `json:"secret,omitempty"`
}

// RunMode is the worker's coarse run-mode, reported in every Status
// response (spec.md §6): init/preparing-safe/valuing-ticket/warmup/
// running/shutdown.
type RunMode string

const (
	RunModeInit           RunMode = "init"
	RunModePreparingSafe  RunMode = "preparing-safe"
	RunModeValuingTicket  RunMode = "valuing-ticket"
	RunModeWarmup         RunMode = "warmup"
	RunModeRunning        RunMode = "running"
	RunModeShutdown       RunMode = "shutdown"
)

// ConnectionStateKind tags a destination's per-connection state
// (spec.md §6's Status response: None/Connecting(since,phase)/
// Connected(since)/Disconnecting(since,phase)).
type ConnectionStateKind string

const (
	ConnNone          ConnectionStateKind = "none"
	ConnConnecting    ConnectionStateKind = "connecting"
	ConnConnected     ConnectionStateKind = "connected"
	ConnDisconnecting ConnectionStateKind = "disconnecting"
)

// ConnectionState is one destination's reported connection state.
type ConnectionState struct {
	Kind  ConnectionStateKind `json:"kind"`
	Since time.Time           `json:"since,omitempty"`
	Phase string              `json:"phase,omitempty"`
}

// DestinationStatus is one row of a Status response's destination
// list.
type DestinationStatus struct {
	Address         string          `json:"address"`
	State           ConnectionState `json:"state"`
	LastError       string          `json:"last_error,omitempty"`
}

// BalancesView mirrors spec.md §3's Balances record for the Balance
// command's response.
type BalancesView struct {
	NativeToken  string `json:"native_token"`
	PaymentToken string `json:"payment_token"`
	ChannelsSum  string `json:"channels_sum"`
}

// Response is the tagged-union reply to a Command. Only the fields
// relevant to the originating Kind are populated.
type Response struct {
	Kind         CommandKind          `json:"kind"`
	OK           bool                 `json:"ok"`
	Error        string               `json:"error,omitempty"`
	RunMode      RunMode              `json:"run_mode,omitempty"`
	FirstRun     bool                 `json:"first_run,omitempty"`
	Destinations []DestinationStatus  `json:"destinations,omitempty"`
	Balances     *BalancesView        `json:"balances,omitempty"`
	MetricsText  string               `json:"metrics_text,omitempty"`
	RTT          time.Duration        `json:"rtt,omitempty"`
}

// Handler services one decoded Command and produces its Response. The
// orchestrator (internal/core) implements this by pushing a typed
// message with a reply channel onto its own event queue and blocking
// for the reply, the same synchronous-looking-API-over-a-channel shape
// server.go uses for ConnectToPeer/OpenChannel.
type Handler func(Command) Response

// Serve listens on the Unix domain socket at sockPath and services
// one Command per accepted connection until ctx-like stop channel
// closes. Grounded on server.go's `s.listener(l)` per-listener accept
// loop, simplified to the control socket's one-shot request/response
// shape (no persistent per-peer goroutine is needed here).
func Serve(sockPath string, stop <-chan struct{}, handle Handler) error {
	_ = os.Remove(sockPath)

	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return goerrors.Errorf("%w: %w", ErrBind, err)
	}
	if err := os.Chmod(sockPath, 0o660); err != nil {
		l.Close()
		return goerrors.Errorf("%w: %w", ErrChmod, err)
	}

	go func() {
		<-stop
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				sockLog.Errorf("control socket accept: %v", err)
				continue
			}
		}
		go serveOne(conn, handle)
	}
}

func serveOne(conn net.Conn, handle Handler) {
	defer conn.Close()

	var cmd Command
	if err := ReadFrame(conn, &cmd); err != nil {
		sockLog.Warnf("control socket: read command: %v", err)
		return
	}

	resp := handle(cmd)
	resp.Kind = cmd.Kind

	if err := WriteFrame(conn, resp); err != nil {
		sockLog.Warnf("control socket: write response: %v", err)
	}
}
