package core

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/gnosis/gnosisvpn/internal/chain"
	"github.com/gnosis/gnosisvpn/internal/connect"
	"github.com/gnosis/gnosisvpn/internal/disconnect"
	"github.com/gnosis/gnosisvpn/internal/health"
	"github.com/gnosis/gnosisvpn/internal/rootproto"
	"github.com/gnosis/gnosisvpn/internal/routingpolicy"
	"github.com/gnosis/gnosisvpn/internal/socket"
)

// handleShutdown implements spec.md §4.1's "Shutdown semantics":
// transition to ShuttingDown, cancel every token, ask the node to shut
// down if one exists, and only then reply. Shutdown is the terminal
// event of queryHandler's loop, so blocking here (on the node's own
// shutdown, bounded by a local timeout) does not stall any other
// orchestrator work.
func (c *Core) handleShutdown(m shutdownMsg) {
	c.phase = PhaseShuttingDown
	close(c.quit)
	c.globalCancel()

	if c.deps.Node != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.deps.Node.Shutdown(ctx); err != nil {
			coreLog.Warnf("node shutdown: %v", err)
		}
		cancel()
	}

	if c.deps.Chain != nil {
		c.deps.Chain.Close()
	}

	close(m.resp)
}

// handleConfigReload implements spec.md §4.1's "Config reload
// semantics". A reload before HoprRunning just replaces cfg and
// recomputes health; a reload during or after HoprRunning additionally
// cancels every in-flight connection/channel-funding runner, clears
// FundedChannel and last_connection_errors, drops back to
// HoprRunning, and respawns channel-funding for the new target set.
func (c *Core) handleConfigReload(m configReloadMsg) {
	oldTarget := c.target

	c.cfg = m.cfg
	c.cfgPath = m.path

	// Restore (or clear) the target before any phase-handling below,
	// since the empty-channel-target fast path of beginChannelFunding
	// calls reconcileTarget itself; it must see the reloaded target,
	// not the stale pre-reload one.
	if oldTarget != nil {
		if _, ok := c.cfg.Destinations[*oldTarget]; ok {
			c.target = oldTarget
		} else {
			c.target = nil
		}
	}

	switch c.phase {
	case PhaseHoprRunning, PhaseHoprChannelsFunded, PhaseConnecting, PhaseConnected:
		if c.connectingCancel != nil {
			c.connectingCancel()
			c.connectingCancel = nil
		}
		if c.channelFundingCancel != nil {
			c.channelFundingCancel()
			c.channelFundingCancel = nil
		}
		if c.up != nil {
			c.startDisconnectionFromUp(c.up)
			c.up = nil
		}

		c.funded = make(health.FundedSet)
		c.fundedTargets = make(map[string]struct{})
		c.lastConnErrors = make(map[string]string)
		c.phase = PhaseHoprRunning

		c.recomputeHealth()
		c.beginChannelFunding()
	default:
		c.recomputeHealth()
	}

	m.resp <- nil
	c.reconcileTarget()
}

// reconcileTarget runs the decision table of spec.md §4.1 "Target
// reconciliation": it is called after every phase change, every
// config reload, every disconnection result, and on every
// Connect/Disconnect command.
func (c *Core) reconcileTarget() {
	switch c.phase {
	case PhaseHoprChannelsFunded:
		if c.target == nil || c.up != nil {
			return
		}
		c.tryStartConnection(*c.target)

	case PhaseConnected:
		if c.up == nil {
			return
		}
		if c.target == nil {
			c.startDisconnectionFromUp(c.up)
			c.up = nil
			c.phase = PhaseHoprChannelsFunded
			return
		}
		if *c.target != c.up.destination {
			c.startDisconnectionFromUp(c.up)
			c.up = nil
			c.phase = PhaseHoprChannelsFunded
			return
		}
		// Already connected to the current target: no-op.

	case PhaseConnecting:
		if c.up == nil {
			return
		}
		if c.target == nil || *c.target != c.up.destination {
			c.cancelConnectingAndTeardown()
		}
		// Already connecting to the current target: no-op.

	default:
		// Any earlier phase: the target is merely remembered (or
		// cleared) by the caller that set it; there is nothing else
		// to do until HoprChannelsFunded is reached.
	}
}

// tryStartConnection enforces spec.md §4.1's refusal rule (a 0-hop
// target without allow_insecure is refused, not spawned, and the
// target is cleared) before handing off to spawnConnection.
func (c *Core) tryStartConnection(destination string) {
	policy, err := c.destinationPolicy(destination)
	if err != nil {
		coreLog.Errorf("reconcile: %s: %v", destination, err)
		c.target = nil
		return
	}

	if hops, ok := policy.(routingpolicy.Hops); ok && hops.Count == 0 && !hops.AllowInsecure {
		coreLog.Warnf("reconcile: refusing insecure 0-hop target %s", destination)
		c.target = nil
		return
	}

	c.spawnConnection(destination, policy)
}

// cancelConnectingAndTeardown implements the table's Connecting rows:
// cancel cancel_connecting; start disconnection if any WireGuard key
// was generated, else drop straight to HoprChannelsFunded and
// re-reconcile (the still-pending target, if any, is picked up there).
func (c *Core) cancelConnectingAndTeardown() {
	if c.connectingCancel != nil {
		c.connectingCancel()
		c.connectingCancel = nil
	}

	up := c.up
	c.up = nil
	c.phase = PhaseHoprChannelsFunded

	if up != nil && up.keyPair != nil {
		c.startDisconnectionFromUp(up)
	}

	c.reconcileTarget()
}

// spawnConnection starts a connection runner for destination, the
// single spot both initial reconciliation and retries-after-error
// funnel through.
func (c *Core) spawnConnection(destination string, policy routingpolicy.Policy) {
	ctx, cancel := context.WithCancel(c.globalCtx)
	c.connectingCancel = cancel

	c.up = &upRecord{destination: destination, phase: connect.Init, since: time.Now()}
	c.phase = PhaseConnecting

	cfg := c.buildConnectConfig(destination, policy)
	runner := &connect.Runner{Node: c.deps.Node, Root: c.deps.Root, Client: c.deps.HTTPClient}
	ev := &connectEventSink{core: c, destination: destination}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := runner.Run(ctx, cfg, ev)
		c.sendResult(resultConnectionResult{res: res})
	}()
}

// buildConnectConfig derives a connect.Config from the current TOML
// config's `connection`/`wireguard` tables (spec.md §6) plus the
// destination's resolved routing policy.
func (c *Core) buildConnectConfig(destination string, policy routingpolicy.Policy) connect.Config {
	conn := c.cfg.Connection

	pingAddr := conn.Ping.Address
	if pingAddr == "" {
		pingAddr = destination
	}

	return connect.Config{
		Destination: destination,
		RoutingHops: policyHops(policy),
		BridgeHost:  conn.Bridge.Target,
		PingHost:    conn.WG.Target,
		HTTPTimeout: time.Duration(conn.HTTPTimeoutSeconds) * time.Second,
		PingOptions: rootproto.PingOptions{
			Address: pingAddr,
			TTL:     conn.Ping.TTL,
			Count:   conn.Ping.SeqCount,
			Timeout: time.Duration(conn.Ping.TimeoutMillis) * time.Millisecond,
		},
		ListenPort: c.cfg.WireGuard.ListenPort,
		AllowedIPs: c.cfg.WireGuard.AllowedIPs,
	}
}

// policyHops extracts the explicit relay address list an
// IntermediatePath policy names; a Hops(n) policy has no explicit
// addresses for the node to apply, so it resolves its own n random
// hops internally.
func policyHops(policy routingpolicy.Policy) []string {
	if ip, ok := policy.(routingpolicy.IntermediatePath); ok {
		return ip.Addresses
	}
	return nil
}

// handleConnectionProgress folds one connection runner event into the
// orchestrator's Up record. Each resultConnectionProgress carries
// exactly one of a phase transition or a progressively-acquired
// artifact (spec.md §9: "the runner never owns the only copy of a
// partially-established resource"); stale events from an attempt that
// is no longer the current one are discarded by matching on
// destination, per spec.md §5's "the orchestrator may discard an
// out-of-order progress event ... by matching on the current phase".
func (c *Core) handleConnectionProgress(r resultConnectionProgress) {
	if c.up == nil || c.up.destination != r.destination {
		return
	}

	switch {
	case r.keyPair != nil:
		c.up.keyPair = r.keyPair
	case r.registered != nil:
		c.up.registration = r.registered
	case r.bridge != nil:
		c.up.bridge = r.bridge
	case r.ping != nil:
		c.up.ping = r.ping
	case r.setback != nil:
		coreLog.Warnf("%s: setback during %s: %v", r.destination, r.setback.Kind, r.setback.Err)
	default:
		c.up.phase = r.progress.Phase
		if c.deps.Metrics != nil {
			c.deps.Metrics.SetConnectionPhase(r.destination, int(r.progress.Phase))
		}
	}
}

// handleConnectionResult implements spec.md §4.2's terminal handling:
// on error, the display string is recorded per destination, the
// target is cleared if it still names this destination, whatever
// partial resources were acquired are rewound by a disconnection
// runner, and the orchestrator reconciles; on success the connection
// becomes Established and Connected.
func (c *Core) handleConnectionResult(r resultConnectionResult) {
	res := r.res
	if c.up == nil || c.up.destination != res.Destination {
		return
	}
	c.connectingCancel = nil

	if res.Err != nil {
		coreLog.Errorf("connection to %s failed: %v", res.Destination, res.Err)
		c.lastConnErrors[res.Destination] = res.Err.Error()
		if c.target != nil && *c.target == res.Destination {
			c.target = nil
		}

		up := c.up
		c.up = nil
		c.phase = PhaseHoprChannelsFunded
		c.startDisconnectionFromUp(up)
		c.reconcileTarget()
		return
	}

	c.up.phase = connect.Established
	c.phase = PhaseConnected
	delete(c.lastConnErrors, res.Destination)
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObservePing(res.RTT.Seconds())
		c.deps.Metrics.SetConnectionPhase(res.Destination, int(connect.Established))
	}
	coreLog.Tracef("established up record for %s:\n%s", res.Destination, spew.Sdump(c.up))
	c.reconcileTarget()
}

// startDisconnectionFromUp spawns a disconnection runner that rewinds
// up, whatever phase it reached. Disconnection state is derived from
// up's progressively-populated fields (spec.md §4.3, §9): a nil
// keyPair/registration/session means that resource was never acquired
// and the corresponding teardown step is skipped.
func (c *Core) startDisconnectionFromUp(up *upRecord) {
	if up == nil {
		return
	}

	rec := &downRecord{destination: up.destination, phase: disconnect.Disconnecting, since: time.Now()}
	c.down[up.destination] = rec

	var publicKey string
	if up.keyPair != nil {
		publicKey = up.keyPair.Public.String()
	}

	// connect.Runner.Run closes the bridge session in its CloseBridge
	// step; past that phase the recorded session is no longer open.
	bridge := up.bridge
	if up.phase > connect.ClosingBridge {
		bridge = nil
	}

	if c.deps.Metrics != nil {
		c.deps.Metrics.SetConnectionPhase(up.destination, -1)
	}

	st := disconnect.State{
		WgLive:     up.phase >= connect.VerifyingPing,
		Bridge:     bridge,
		BridgeHost: c.cfg.Connection.Bridge.Target,
		Registered: up.registration != nil,
		PublicKey:  publicKey,
		Ping:       up.ping,
	}

	coreLog.Tracef("tearing down up record for %s:\n%s", up.destination, spew.Sdump(up))
	coreLog.Tracef("down record for %s:\n%s", up.destination, spew.Sdump(rec))

	ctx := c.globalCtx
	runner := &disconnect.Runner{Node: c.deps.Node, Root: c.deps.Root, Client: c.deps.HTTPClient}
	ev := &disconnectEventSink{core: c, destination: up.destination}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := runner.Run(ctx, up.destination, st, ev)
		c.sendResult(resultDisconnectionResult{res: res})
	}()
}

// handleDisconnectionProgress updates the Down record and, on the
// OpeningBridge milestone, re-runs target reconciliation: that
// milestone fires once the local WireGuard tunnel is confirmed down,
// the earliest point at which a new connection to a different
// destination is safe to start (spec.md §5 "Ordering across
// attempts").
func (c *Core) handleDisconnectionProgress(r resultDisconnectionProgress) {
	rec, ok := c.down[r.destination]
	if !ok {
		return
	}
	rec.phase = r.progress.Phase

	if r.progress.Phase == disconnect.OpeningBridge {
		c.reconcileTarget()
	}
}

// handleDisconnectionResult removes the Down record and reconciles
// target again (spec.md §4.3: "The orchestrator removes the Down
// record on result and reconciles target again").
func (c *Core) handleDisconnectionResult(r resultDisconnectionResult) {
	delete(c.down, r.res.Destination)
	if r.res.Err != nil {
		coreLog.Errorf("disconnection from %s failed: %v", r.res.Destination, r.res.Err)
	}
	c.reconcileTarget()
}

// handleCommandMsg services one control-socket command (spec.md §6).
// Every kind replies synchronously except FundingTool, which spawns a
// bounded background call and lets it write the reply directly so a
// slow or down funding-tool endpoint cannot stall the event loop.
func (c *Core) handleCommandMsg(m commandMsg) {
	switch m.cmd.Kind {
	case socket.CmdPing:
		m.resp <- socket.Response{OK: true}

	case socket.CmdStatus:
		m.resp <- c.buildStatusResponse()

	case socket.CmdConnect:
		addr := m.cmd.Address
		if _, ok := c.cfg.Destinations[addr]; !ok {
			m.resp <- socket.Response{OK: false, Error: "core: unknown destination " + addr}
			return
		}
		t := addr
		c.target = &t
		c.reconcileTarget()
		m.resp <- socket.Response{OK: true}

	case socket.CmdDisconnect:
		c.target = nil
		c.reconcileTarget()
		m.resp <- socket.Response{OK: true}

	case socket.CmdBalance:
		m.resp <- socket.Response{
			OK: true,
			Balances: &socket.BalancesView{
				NativeToken:  bigString(c.balances.NativeToken),
				PaymentToken: bigString(c.balances.PaymentToken),
				ChannelsSum:  bigString(c.balances.ChannelsSum),
			},
		}

	case socket.CmdRefreshNode:
		c.spawnBalancePoll()
		m.resp <- socket.Response{OK: true}

	case socket.CmdFundingTool:
		c.spawnFundingTool(m.cmd.Secret, m.resp)

	case socket.CmdMetrics:
		if c.deps.Metrics == nil {
			m.resp <- socket.Response{OK: false, Error: "core: metrics not enabled"}
			return
		}
		text, err := c.deps.Metrics.GatherText()
		if err != nil {
			m.resp <- socket.Response{OK: false, Error: err.Error()}
			return
		}
		m.resp <- socket.Response{OK: true, MetricsText: text}

	default:
		m.resp <- socket.Response{OK: false, Error: "core: unknown command"}
	}
}

// spawnFundingTool services CmdFundingTool in the background, bounded
// by a fixed timeout so a stuck endpoint cannot block the orchestrator
// (spec.md §4.5 FundingTool: 401 distinguishes "stop retrying" from
// transient failure).
func (c *Core) spawnFundingTool(secret string, resp chan socket.Response) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.globalCtx, 30*time.Second)
		defer cancel()

		result, err := chain.FundingTool(ctx, c.deps.HTTPClient, c.deps.FundingToolEndpoint, secret)
		if err != nil {
			resp <- socket.Response{OK: false, Error: err.Error()}
			return
		}
		if result.Unauthorized {
			resp <- socket.Response{OK: false, Error: result.ServerError}
			return
		}
		resp <- socket.Response{OK: true}
	}()
}

// buildStatusResponse implements spec.md §6's Status response: the
// run-mode, the destination list each with its current connection
// state and last error, and whether this is the node's first run.
func (c *Core) buildStatusResponse() socket.Response {
	dsts := make([]socket.DestinationStatus, 0, len(c.cfg.Destinations))
	for addr := range c.cfg.Destinations {
		st := socket.DestinationStatus{Address: addr, State: socket.ConnectionState{Kind: socket.ConnNone}}

		switch {
		case c.up != nil && c.up.destination == addr:
			if c.phase == PhaseConnected {
				st.State = socket.ConnectionState{Kind: socket.ConnConnected, Since: c.up.since}
			} else {
				st.State = socket.ConnectionState{Kind: socket.ConnConnecting, Since: c.up.since, Phase: c.up.phase.String()}
			}
		case c.down[addr] != nil:
			down := c.down[addr]
			st.State = socket.ConnectionState{Kind: socket.ConnDisconnecting, Since: down.since, Phase: down.phase.String()}
		}

		if errText, ok := c.lastConnErrors[addr]; ok {
			st.LastError = errText
		}
		dsts = append(dsts, st)
	}
	sort.Slice(dsts, func(i, j int) bool { return dsts[i].Address < dsts[j].Address })

	return socket.Response{
		OK:           true,
		RunMode:      c.phase.runMode(c.ticketStatsReady),
		FirstRun:     c.firstRun,
		Destinations: dsts,
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
