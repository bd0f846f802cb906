package core

import (
	"github.com/gnosis/gnosisvpn/internal/connect"
	"github.com/gnosis/gnosisvpn/internal/disconnect"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/wireguard"
)

// connectEventSink adapts a connect.Runner's Events calls into
// resultConnectionProgress messages on Core's result channel, so the
// runner never touches orchestrator state directly (spec.md §9: "the
// runner never owns the only copy of a partially-established
// resource").
type connectEventSink struct {
	core        *Core
	destination string
}

func (s *connectEventSink) Progress(p connect.Progress) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, progress: p})
}

func (s *connectEventSink) WireGuardGenerated(kp wireguard.KeyPair) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, keyPair: &kp})
}

func (s *connectEventSink) Registered(reg connect.Registration) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, registered: &reg})
}

func (s *connectEventSink) BridgeSessionOpened(sess *mixnet.Session) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, bridge: sess})
}

func (s *connectEventSink) PingSessionOpened(sess *mixnet.Session) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, ping: sess})
}

func (s *connectEventSink) Setback(sb connect.Setback) {
	s.core.sendResult(resultConnectionProgress{destination: s.destination, setback: &sb})
}

// disconnectEventSink adapts a disconnect.Runner's Events calls.
type disconnectEventSink struct {
	core        *Core
	destination string
}

func (s *disconnectEventSink) Progress(p disconnect.Progress) {
	s.core.sendResult(resultDisconnectionProgress{destination: s.destination, progress: p})
}
