// Package health implements the destination-health tracker: a pure
// function of a destination's routing policy, the set of currently
// peered relay addresses, and the set of funded channel addresses.
//
// Grounded on spec.md §4.6 (the reconciled table; the older
// core/destination_health.rs AnyChannel branch is explicitly not
// followed, per spec.md §9 item 3).
package health

import "github.com/gnosis/gnosisvpn/internal/routingpolicy"

// Health is the coarse readiness classification of a destination.
type Health int

const (
	ReadyToConnect Health = iota
	MissingPeeredFundedChannel
	MissingPeeredChannel
	MissingFundedChannel
	NotPeered
	NotAllowed
	InvalidAddress
	InvalidPath
)

func (h Health) String() string {
	switch h {
	case ReadyToConnect:
		return "ReadyToConnect"
	case MissingPeeredFundedChannel:
		return "MissingPeeredFundedChannel"
	case MissingPeeredChannel:
		return "MissingPeeredChannel"
	case MissingFundedChannel:
		return "MissingFundedChannel"
	case NotPeered:
		return "NotPeered"
	case NotAllowed:
		return "NotAllowed"
	case InvalidAddress:
		return "InvalidAddress"
	case InvalidPath:
		return "InvalidPath"
	default:
		return "Unknown"
	}
}

// NeedKind tags what a destination still requires before it can
// transition to ReadyToConnect.
type NeedKind int

const (
	NeedNothing NeedKind = iota
	NeedChannel
	NeedAnyChannel
	NeedPeering
)

// Need pairs a NeedKind with the address it targets, when applicable
// (NeedChannel and NeedPeering carry Address; NeedAnyChannel and
// NeedNothing do not).
type Need struct {
	Kind    NeedKind
	Address string
}

func (n Need) String() string {
	switch n.Kind {
	case NeedChannel:
		return "Channel(" + n.Address + ")"
	case NeedAnyChannel:
		return "AnyChannel"
	case NeedPeering:
		return "Peering(" + n.Address + ")"
	default:
		return "Nothing"
	}
}

// Status is the derived view of one destination, spec.md §3's
// DestinationHealth record.
type Status struct {
	Health    Health
	Need      Need
	LastError string
}

// Invariant (enforced by construction, checked in tests): Health ==
// ReadyToConnect implies Need == {NeedNothing}.

// PeerSet and FundedSet are sets of relay chain addresses, keyed by
// address string for O(1) membership tests.
type PeerSet map[string]struct{}
type FundedSet map[string]struct{}

func (s PeerSet) Has(addr string) bool   { _, ok := s[addr]; return ok }
func (s FundedSet) Has(addr string) bool { _, ok := s[addr]; return ok }

// Derive computes the base Status of a destination from scratch,
// given the current peer set and funded-channel set. This is the
// function the orchestrator calls whenever a destination is first
// observed (config load/reload); afterwards, ApplyPeerEvent and
// ApplyFundedEvent are used to transition incrementally per spec.md
// §4.6, rather than re-deriving from scratch on every event.
func Derive(policy routingpolicy.Policy, peers PeerSet, funded FundedSet) Status {
	switch p := policy.(type) {
	case routingpolicy.Hops:
		if p.Count == 0 {
			if !p.AllowInsecure {
				return Status{Health: NotAllowed, Need: Need{Kind: NeedNothing}}
			}
			if peers.Has(policy.DestinationAddress()) {
				return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
			}
			return Status{
				Health: NotPeered,
				Need:   Need{Kind: NeedPeering, Address: policy.DestinationAddress()},
			}
		}

		// Hops(n>=1): needs any one funded, peered channel; we
		// don't know which address in advance.
		return deriveAnyChannel(peers, funded)

	case routingpolicy.IntermediatePath:
		if len(p.Addresses) == 0 {
			return Status{Health: InvalidPath, Need: Need{Kind: NeedNothing}}
		}
		first := p.Addresses[0]
		if !routingpolicy.IsChainAddress(first) {
			return Status{Health: InvalidAddress, Need: Need{Kind: NeedNothing}}
		}
		return deriveChannel(first, peers, funded)
	}
	return Status{Health: InvalidPath, Need: Need{Kind: NeedNothing}}
}

func deriveAnyChannel(peers PeerSet, funded FundedSet) Status {
	// Base health per spec.md §4.6's Hops(n>=1) row; the transition
	// tables in ApplyPeerEvent/ApplyFundedEvent refine this once a
	// specific address is known to be peered+funded.
	if len(peers) == 0 {
		return Status{Health: MissingPeeredFundedChannel, Need: Need{Kind: NeedAnyChannel}}
	}
	for addr := range peers {
		if funded.Has(addr) {
			return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
		}
	}
	return Status{Health: MissingFundedChannel, Need: Need{Kind: NeedAnyChannel}}
}

func deriveChannel(addr string, peers PeerSet, funded FundedSet) Status {
	peered := peers.Has(addr)
	isFunded := funded.Has(addr)
	switch {
	case peered && isFunded:
		return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
	case peered && !isFunded:
		return Status{Health: MissingFundedChannel, Need: Need{Kind: NeedChannel, Address: addr}}
	default:
		return Status{Health: MissingPeeredFundedChannel, Need: Need{Kind: NeedChannel, Address: addr}}
	}
}

// ApplyPeerEvent transitions a Status in response to the peer set S
// changing such that `gained` reports whether addr is now in S
// (true) or has just left S (false). Mirrors spec.md §4.6's
// "Transitions on peers(S)" table.
func ApplyPeerEvent(s Status, addr string, gained bool) Status {
	switch s.Need.Kind {
	case NeedChannel:
		if s.Need.Address != addr {
			return s
		}
		if gained {
			switch s.Health {
			case MissingPeeredChannel:
				return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
			case MissingPeeredFundedChannel:
				return Status{Health: MissingFundedChannel, Need: s.Need}
			}
			return s
		}
		switch s.Health {
		case ReadyToConnect:
			return Status{Health: MissingPeeredChannel, Need: s.Need}
		case MissingFundedChannel:
			return Status{Health: MissingPeeredFundedChannel, Need: s.Need}
		}
		return s

	case NeedPeering:
		if s.Need.Address != addr {
			return s
		}
		if gained {
			return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
		}
		return Status{Health: NotPeered, Need: s.Need}

	case NeedAnyChannel:
		// spec.md §4.6: "Need::AnyChannel, S = ∅: same as losing
		// the peer. S ≠ ∅: same as gaining the peer." For this need,
		// gained reports whether S as a whole is non-empty after the
		// change (internal/core derives it from its peer set), not
		// whether addr itself joined or left.
		if gained {
			switch s.Health {
			case MissingPeeredChannel:
				return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
			case MissingPeeredFundedChannel:
				return Status{Health: MissingFundedChannel, Need: s.Need}
			}
			return s
		}
		if s.Health == MissingFundedChannel {
			return Status{Health: MissingPeeredFundedChannel, Need: s.Need}
		}
		return s

	default:
		return s
	}
}

// ApplyFundedEvent mirrors ApplyPeerEvent along the funding axis:
// "Transitions on channel_funded(a) mirror peering transitions along
// the funding axis" (spec.md §4.6).
func ApplyFundedEvent(s Status, addr string, funded bool) Status {
	switch s.Need.Kind {
	case NeedChannel:
		if s.Need.Address != addr {
			return s
		}
		if funded {
			switch s.Health {
			case MissingFundedChannel:
				return Status{Health: ReadyToConnect, Need: Need{Kind: NeedNothing}}
			case MissingPeeredFundedChannel:
				return Status{Health: MissingPeeredChannel, Need: s.Need}
			}
			return s
		}
		switch s.Health {
		case ReadyToConnect:
			return Status{Health: MissingFundedChannel, Need: s.Need}
		case MissingPeeredChannel:
			return Status{Health: MissingPeeredFundedChannel, Need: s.Need}
		}
		return s

	case NeedAnyChannel:
		if funded {
			return Status{Health: MissingPeeredChannel, Need: s.Need}
		}
		return Status{Health: MissingPeeredFundedChannel, Need: s.Need}

	default:
		return s
	}
}

// NeedsPeerDiscovery answers "does any destination still need peer
// discovery?" (spec.md §4.6 aggregate query).
func NeedsPeerDiscovery(all map[string]Status) bool {
	for _, s := range all {
		switch s.Need.Kind {
		case NeedChannel, NeedPeering, NeedAnyChannel:
			return true
		}
	}
	return false
}

// NeededChannelCount answers "how many distinct channels are needed?"
// — cardinality of explicit Channel(a) addresses, with AnyChannel
// counted as 1 only when no explicit-channel destination exists
// (spec.md §4.6 aggregate query).
func NeededChannelCount(all map[string]Status) int {
	explicit := make(map[string]struct{})
	anyChannel := false
	for _, s := range all {
		switch s.Need.Kind {
		case NeedChannel:
			explicit[s.Need.Address] = struct{}{}
		case NeedAnyChannel:
			anyChannel = true
		}
	}
	if len(explicit) > 0 {
		return len(explicit)
	}
	if anyChannel {
		return 1
	}
	return 0
}
