package core

import (
	"context"
	"math/big"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	"github.com/gnosis/gnosisvpn/internal/chain"
	"github.com/gnosis/gnosisvpn/internal/config"
	"github.com/gnosis/gnosisvpn/internal/connect"
	"github.com/gnosis/gnosisvpn/internal/disconnect"
	"github.com/gnosis/gnosisvpn/internal/health"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/rootproto"
	"github.com/gnosis/gnosisvpn/internal/socket"
	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

// fakeRoot answers every worker<->root request immediately, so the
// connect/disconnect runners these tests spawn in the background
// finish fast without touching a real root process.
type fakeRoot struct{}

func (fakeRoot) DynamicWgRouting(ctx context.Context, wg rootproto.WgInterfaceData) error {
	return nil
}

func (fakeRoot) StaticWgRouting(ctx context.Context, wg rootproto.WgInterfaceData, peerIPs []string) error {
	return nil
}

func (fakeRoot) Ping(ctx context.Context, opts rootproto.PingOptions) (time.Duration, error) {
	return time.Millisecond, nil
}

func (fakeRoot) TearDownWg(ctx context.Context) error {
	return nil
}

const (
	addrA = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	addrB = "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
	addrC = "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
	addrD = "0xDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDDD"
	addrE = "0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE"
)

// newTestCore builds a Core with a fake node and root, its cfg
// preloaded with two valid hop-routed destinations and one that can
// never validate (an insecure 0-hop request), without driving it
// through Start/beginStartup — the reconciliation tests below exercise
// queryHandler's message handlers directly against hand-set state.
func newTestCore(t *testing.T) *Core {
	t.Helper()

	c := New(Dependencies{
		Node:       mixnet.New(),
		Root:       fakeRoot{},
		HTTPClient: http.DefaultClient,
	})
	c.cfg = &config.Config{
		Destinations: map[string]config.Destination{
			addrA: {Hops: intPtr(1)},
			addrC: {Path: []string{addrD}},
			addrE: {Hops: intPtr(0)}, // allow_insecure unset: never a valid policy
		},
	}
	// A non-nil Price keeps chanfund.FundingAmount (via
	// chain.TicketStats.Value) from dereferencing a nil *big.Int whenever
	// a test's path reaches beginChannelFunding.
	c.ticketStats = chain.TicketStats{Price: big.NewInt(1000), WinProbability: 0.1}
	c.ticketStatsReady = true

	t.Cleanup(c.globalCancel)
	return c
}

func intPtr(v int) *int { return &v }

func TestReconcileTargetSpawnsConnectionWhenChannelsFunded(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseHoprChannelsFunded
	c.target = &dest

	c.reconcileTarget()

	require.Equal(t, PhaseConnecting, c.phase)
	require.NotNil(t, c.up)
	require.Equal(t, dest, c.up.destination)
	require.NotNil(t, c.connectingCancel)
}

func TestReconcileTargetClearsTargetOnInvalidDestination(t *testing.T) {
	c := newTestCore(t)
	dest := addrE
	c.phase = PhaseHoprChannelsFunded
	c.target = &dest

	c.reconcileTarget()

	require.Nil(t, c.target)
	require.Nil(t, c.up)
	require.Equal(t, PhaseHoprChannelsFunded, c.phase)
}

func TestRecomputeHealthDistinguishesInvalidAddressFromInvalidPath(t *testing.T) {
	c := newTestCore(t)
	c.cfg.Destinations["off-chain"] = config.Destination{Path: []string{"not-a-chain-address"}}
	c.cfg.Destinations["too-many-hops"] = config.Destination{Hops: intPtr(4)}

	c.recomputeHealth()

	require.Equal(t, health.InvalidAddress, c.healthByDst["off-chain"].Health)
	require.Equal(t, health.NotAllowed, c.healthByDst[addrE].Health)
	require.Equal(t, health.InvalidPath, c.healthByDst["too-many-hops"].Health)
}

func TestReconcileTargetNoOpWhenAlreadyConnectedToTarget(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnected
	c.target = &dest
	c.up = &upRecord{destination: dest, phase: connect.Established, since: time.Now()}

	c.reconcileTarget()

	require.Equal(t, PhaseConnected, c.phase)
	require.NotNil(t, c.up)
	require.Equal(t, dest, c.up.destination)
}

func TestReconcileTargetTearsDownWhenSwitchingDestination(t *testing.T) {
	c := newTestCore(t)
	current := addrA
	next := addrC
	c.phase = PhaseConnected
	c.target = &next
	c.up = &upRecord{destination: current, phase: connect.Established, since: time.Now()}

	c.reconcileTarget()

	require.Equal(t, PhaseHoprChannelsFunded, c.phase)
	require.Nil(t, c.up)
	require.Contains(t, c.down, current)
}

func TestReconcileTargetClearsTargetOnDisconnectCommand(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnected
	c.target = nil
	c.up = &upRecord{destination: dest, phase: connect.Established, since: time.Now()}

	c.reconcileTarget()

	require.Equal(t, PhaseHoprChannelsFunded, c.phase)
	require.Nil(t, c.up)
	require.Contains(t, c.down, dest)
}

func TestReconcileTargetCancelsConnectingForDifferentTarget(t *testing.T) {
	c := newTestCore(t)
	current := addrA
	next := addrC
	_, cancel := context.WithCancel(context.Background())
	c.connectingCancel = cancel
	c.phase = PhaseConnecting
	c.target = &next
	c.up = &upRecord{destination: current, phase: connect.OpeningBridge, since: time.Now(), keyPair: &wireguard.KeyPair{}}

	c.reconcileTarget()

	// The old attempt is cancelled and rewound, and a fresh attempt
	// against the new target is spawned immediately.
	require.Equal(t, PhaseConnecting, c.phase)
	require.NotNil(t, c.up)
	require.Equal(t, next, c.up.destination)
	require.Contains(t, c.down, current)
}

func TestHandleConnectionResultTransitionsToConnected(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnecting
	c.target = &dest
	c.up = &upRecord{destination: dest, phase: connect.VerifyingPing, since: time.Now()}

	c.handleConnectionResult(resultConnectionResult{res: connect.Result{Destination: dest, RTT: 5 * time.Millisecond}})

	require.Equal(t, PhaseConnected, c.phase)
	require.NotNil(t, c.up)
	require.Equal(t, connect.Established, c.up.phase)
}

func TestHandleConnectionResultErrorRecordsErrorAndTearsDown(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnecting
	c.target = &dest
	c.up = &upRecord{destination: dest, phase: connect.VerifyingPing, since: time.Now()}

	c.handleConnectionResult(resultConnectionResult{
		res: connect.Result{Destination: dest, Err: goerrors.Errorf("ping verification exhausted")},
	})

	require.Nil(t, c.target)
	require.Nil(t, c.up)
	require.Equal(t, PhaseHoprChannelsFunded, c.phase)
	require.Equal(t, "ping verification exhausted", c.lastConnErrors[dest])
	require.Contains(t, c.down, dest)
}

func TestHandleConnectionResultIgnoresStaleResult(t *testing.T) {
	c := newTestCore(t)
	c.phase = PhaseConnecting
	c.up = &upRecord{destination: addrA, phase: connect.VerifyingPing, since: time.Now()}

	// A result for a destination that isn't the current Up record (a
	// cancelled attempt's runner reporting in after a newer one already
	// replaced it) must be dropped, not applied.
	c.handleConnectionResult(resultConnectionResult{res: connect.Result{Destination: addrC, RTT: time.Millisecond}})

	require.Equal(t, PhaseConnecting, c.phase)
	require.Equal(t, addrA, c.up.destination)
}

func TestHandleDisconnectionResultRemovesRecordAndReconciles(t *testing.T) {
	c := newTestCore(t)
	c.down[addrA] = &downRecord{destination: addrA, phase: disconnect.ClosingBridge, since: time.Now()}
	c.phase = PhaseHoprChannelsFunded

	c.handleDisconnectionResult(resultDisconnectionResult{res: disconnect.Result{Destination: addrA}})

	require.NotContains(t, c.down, addrA)
}

func TestHandleDisconnectionProgressOpeningBridgeReconciles(t *testing.T) {
	c := newTestCore(t)
	c.down[addrA] = &downRecord{destination: addrA, phase: disconnect.Disconnecting, since: time.Now()}
	c.phase = PhaseHoprChannelsFunded
	next := addrC
	c.target = &next

	c.handleDisconnectionProgress(resultDisconnectionProgress{
		destination: addrA,
		progress:    disconnect.Progress{Phase: disconnect.OpeningBridge, At: time.Now()},
	})

	require.Equal(t, disconnect.OpeningBridge, c.down[addrA].phase)
	// OpeningBridge is the teardown milestone that unblocks starting a
	// new connection attempt; it should have spawned one for addrC.
	require.NotNil(t, c.up)
	require.Equal(t, next, c.up.destination)
	require.Equal(t, PhaseConnecting, c.phase)
}

func TestBuildStatusResponseReportsConnectionStates(t *testing.T) {
	c := newTestCore(t)
	c.phase = PhaseConnected
	c.up = &upRecord{destination: addrA, since: time.Now()}
	c.down[addrC] = &downRecord{destination: addrC, phase: disconnect.UnregisteringWg, since: time.Now()}
	c.lastConnErrors[addrC] = "boom"

	resp := c.buildStatusResponse()
	require.True(t, resp.OK)

	var gotConnected, gotDisconnecting bool
	for _, d := range resp.Destinations {
		switch d.Address {
		case addrA:
			require.Equal(t, socket.ConnConnected, d.State.Kind)
			gotConnected = true
		case addrC:
			require.Equal(t, socket.ConnDisconnecting, d.State.Kind)
			require.Equal(t, disconnect.UnregisteringWg.String(), d.State.Phase)
			require.Equal(t, "boom", d.LastError)
			gotDisconnecting = true
		}
	}
	require.True(t, gotConnected)
	require.True(t, gotDisconnecting)
}

func TestHandleCommandMsgPing(t *testing.T) {
	c := newTestCore(t)
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{cmd: socket.Command{Kind: socket.CmdPing}, resp: resp})

	r := <-resp
	require.True(t, r.OK)
}

func TestHandleCommandMsgConnectUnknownDestination(t *testing.T) {
	c := newTestCore(t)
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{
		cmd:  socket.Command{Kind: socket.CmdConnect, Address: "0xFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"},
		resp: resp,
	})

	r := <-resp
	require.False(t, r.OK)
	require.Nil(t, c.target)
}

func TestHandleCommandMsgConnectKnownDestinationSetsTarget(t *testing.T) {
	c := newTestCore(t)
	c.phase = PhaseHoprChannelsFunded
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{cmd: socket.Command{Kind: socket.CmdConnect, Address: addrA}, resp: resp})

	r := <-resp
	require.True(t, r.OK)
	require.NotNil(t, c.target)
	require.Equal(t, addrA, *c.target)
	require.Equal(t, PhaseConnecting, c.phase)
}

func TestHandleCommandMsgDisconnectClearsTarget(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnected
	c.target = &dest
	c.up = &upRecord{destination: dest, phase: connect.Established, since: time.Now()}
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{cmd: socket.Command{Kind: socket.CmdDisconnect}, resp: resp})

	r := <-resp
	require.True(t, r.OK)
	require.Nil(t, c.target)
	require.Contains(t, c.down, dest)
}

func TestHandleCommandMsgBalance(t *testing.T) {
	c := newTestCore(t)
	c.balances = chain.Balances{
		NativeToken:  big.NewInt(1),
		PaymentToken: big.NewInt(2),
		ChannelsSum:  big.NewInt(3),
	}
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{cmd: socket.Command{Kind: socket.CmdBalance}, resp: resp})

	r := <-resp
	require.True(t, r.OK)
	require.NotNil(t, r.Balances)
	require.Equal(t, "1", r.Balances.NativeToken)
	require.Equal(t, "2", r.Balances.PaymentToken)
	require.Equal(t, "3", r.Balances.ChannelsSum)
}

func TestHandleCommandMsgUnknownCommand(t *testing.T) {
	c := newTestCore(t)
	resp := make(chan socket.Response, 1)

	c.handleCommandMsg(commandMsg{cmd: socket.Command{Kind: socket.CommandKind("bogus")}, resp: resp})

	r := <-resp
	require.False(t, r.OK)
}

func TestHandleConfigReloadKeepsTargetWhenStillPresent(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseInitial
	c.target = &dest

	newCfg := &config.Config{Destinations: map[string]config.Destination{addrA: {Hops: intPtr(1)}}}
	resp := make(chan error, 1)

	c.handleConfigReload(configReloadMsg{cfg: newCfg, path: "new.toml", resp: resp})

	require.NoError(t, <-resp)
	require.NotNil(t, c.target)
	require.Equal(t, addrA, *c.target)
}

func TestHandleConfigReloadClearsTargetWhenRemoved(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseInitial
	c.target = &dest

	newCfg := &config.Config{Destinations: map[string]config.Destination{addrC: {Path: []string{addrD}}}}
	resp := make(chan error, 1)

	c.handleConfigReload(configReloadMsg{cfg: newCfg, path: "new.toml", resp: resp})

	require.NoError(t, <-resp)
	require.Nil(t, c.target)
}

func TestHandleConfigReloadDuringConnectedTearsDownAndResets(t *testing.T) {
	c := newTestCore(t)
	dest := addrA
	c.phase = PhaseConnected
	c.target = &dest
	c.up = &upRecord{destination: dest, phase: connect.Established, since: time.Now()}
	c.funded[dest] = struct{}{}
	c.fundedTargets[dest] = struct{}{}
	c.lastConnErrors[dest] = "stale"

	newCfg := &config.Config{Destinations: map[string]config.Destination{}}
	resp := make(chan error, 1)

	c.handleConfigReload(configReloadMsg{cfg: newCfg, path: "new.toml", resp: resp})

	require.NoError(t, <-resp)
	require.Nil(t, c.up)
	require.Nil(t, c.target)
	require.Contains(t, c.down, dest)
	require.Empty(t, c.lastConnErrors)
	require.Equal(t, PhaseHoprChannelsFunded, c.phase)
}
