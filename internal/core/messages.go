package core

import (
	"github.com/gnosis/gnosisvpn/internal/chain"
	"github.com/gnosis/gnosisvpn/internal/config"
	"github.com/gnosis/gnosisvpn/internal/connect"
	"github.com/gnosis/gnosisvpn/internal/disconnect"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/socket"
	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

// shutdownMsg is spec.md §4.1's Shutdown{resp} external event.
type shutdownMsg struct {
	resp chan struct{}
}

// configReloadMsg is spec.md §4.1's ConfigReload{path} external event.
type configReloadMsg struct {
	cfg  *config.Config
	path string
	resp chan error
}

// commandMsg is spec.md §4.1's Command{cmd, resp} external event,
// carrying a decoded control-socket command.
type commandMsg struct {
	cmd  socket.Command
	resp chan socket.Response
}

// --- Runner result messages (spec.md §4.1's "Runner results" list) ---

type resultPreSafe struct {
	balances chain.Balances
	err      error
}

type resultTicketStats struct {
	stats chain.TicketStats
	err   error
}

type resultSafeDeployment struct {
	result chain.SafeDeployResult
	err    error
}

type resultSafePersisted struct {
	err error
}

type resultHoprInit struct {
	err error
}

type resultHoprRunning struct {
	err error
}

type resultFundChannel struct {
	address string
	err     error
}

type resultBalances struct {
	balances chain.Balances
	err      error
}

type resultConnectionProgress struct {
	destination string
	progress    connect.Progress
	keyPair     *wireguard.KeyPair
	registered  *connect.Registration
	bridge      *mixnet.Session
	ping        *mixnet.Session
	setback     *connect.Setback
}

type resultConnectionResult struct {
	res connect.Result
}

type resultDisconnectionProgress struct {
	destination string
	progress    disconnect.Progress
}

type resultDisconnectionResult struct {
	res disconnect.Result
}

type resultPeerEvent struct {
	address string
	peered  bool
}

type resultFundedEvent struct {
	address string
	funded  bool
}
