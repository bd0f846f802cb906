package health

import (
	"testing"

	"github.com/gnosis/gnosisvpn/internal/routingpolicy"
	"github.com/stretchr/testify/require"
)

const (
	destAddr = "0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"
	relayA   = "0xD880123456789abcdef0123456789abcdef0B6BA"
	relayB   = "0xAaAa0000000000000000000000000000000001"
)

// spec.md §8: "For all destinations d with d.routing = Hops(0) and
// ¬allow_insecure: health_of(d) = NotAllowed at every orchestrator
// state." NewHops itself refuses to construct such a policy, so the
// invariant is enforced at the type-construction boundary; this test
// documents that boundary.
func TestHops0RequiresAllowInsecure(t *testing.T) {
	_, err := routingpolicy.NewHops(destAddr, 0, false)
	require.Error(t, err)

	_, err = routingpolicy.NewHops(destAddr, 0, true)
	require.NoError(t, err)

	// A 0-hop value built without the constructor and without
	// allow_insecure is classified NotAllowed by Derive itself.
	s := Derive(routingpolicy.Hops{Count: 0}, PeerSet{}, FundedSet{})
	require.Equal(t, NotAllowed, s.Health)
	require.Equal(t, NeedNothing, s.Need.Kind)
}

// spec.md §8: "For all destinations d: health_of(d) = ReadyToConnect
// => need_of(d) = Nothing." Checked across every reachable state in
// the transition tables below, not just the base cases.
func requireInvariant(t *testing.T, s Status) {
	t.Helper()
	if s.Health == ReadyToConnect {
		require.Equal(t, NeedNothing, s.Need.Kind, "ReadyToConnect must imply Need=Nothing")
	}
}

func TestDeriveIntermediatePath(t *testing.T) {
	t.Run("empty path is invalid", func(t *testing.T) {
		p := routingpolicy.IntermediatePath{Addresses: nil}
		s := Derive(p, PeerSet{}, FundedSet{})
		require.Equal(t, InvalidPath, s.Health)
	})

	t.Run("off-chain first hop is invalid address", func(t *testing.T) {
		_, err := routingpolicy.NewIntermediatePath(destAddr, []string{"not-a-chain-address"})
		require.Error(t, err)

		s := Derive(routingpolicy.IntermediatePath{Addresses: []string{"not-a-chain-address"}}, PeerSet{}, FundedSet{})
		require.Equal(t, InvalidAddress, s.Health)
	})

	t.Run("chain-addressed path needs its own channel", func(t *testing.T) {
		p, err := routingpolicy.NewIntermediatePath(destAddr, []string{relayA})
		require.NoError(t, err)

		s := Derive(p, PeerSet{}, FundedSet{})
		require.Equal(t, MissingPeeredFundedChannel, s.Health)
		require.Equal(t, NeedChannel, s.Need.Kind)
		require.Equal(t, relayA, s.Need.Address)
		requireInvariant(t, s)

		s = Derive(p, PeerSet{relayA: {}}, FundedSet{})
		require.Equal(t, MissingFundedChannel, s.Health)

		s = Derive(p, PeerSet{relayA: {}}, FundedSet{relayA: {}})
		require.Equal(t, ReadyToConnect, s.Health)
		requireInvariant(t, s)
	})
}

func TestApplyPeerEventChannelAxis(t *testing.T) {
	p, err := routingpolicy.NewIntermediatePath(destAddr, []string{relayA})
	require.NoError(t, err)

	s := Derive(p, PeerSet{}, FundedSet{relayA: {}})
	require.Equal(t, MissingPeeredFundedChannel, s.Health)

	// gaining the peer leaves only the funded channel missing
	s2 := ApplyPeerEvent(s, relayA, true)
	require.Equal(t, MissingFundedChannel, s2.Health)

	s3 := ApplyFundedEvent(s2, relayA, true)
	require.Equal(t, ReadyToConnect, s3.Health)
	requireInvariant(t, s3)

	// losing the peer afterwards must leave ReadyToConnect
	s4 := ApplyPeerEvent(s3, relayA, false)
	require.Equal(t, MissingPeeredChannel, s4.Health)
	requireInvariant(t, s4)
}

func TestApplyPeerEventPeeringAxis(t *testing.T) {
	p, err := routingpolicy.NewHops(destAddr, 0, true)
	require.NoError(t, err)

	s := Derive(p, PeerSet{}, FundedSet{})
	require.Equal(t, NotPeered, s.Health)
	require.Equal(t, NeedPeering, s.Need.Kind)

	s2 := ApplyPeerEvent(s, destAddr, true)
	require.Equal(t, ReadyToConnect, s2.Health)
	requireInvariant(t, s2)

	s3 := ApplyPeerEvent(s2, destAddr, false)
	require.Equal(t, NotPeered, s3.Health)
}

func TestAnyChannelAxis(t *testing.T) {
	p, err := routingpolicy.NewHops(destAddr, 2, false)
	require.NoError(t, err)

	s := Derive(p, PeerSet{}, FundedSet{})
	require.Equal(t, MissingPeeredFundedChannel, s.Health)
	require.Equal(t, NeedAnyChannel, s.Need.Kind)

	s2 := ApplyPeerEvent(s, relayA, true)
	require.Equal(t, MissingFundedChannel, s2.Health)

	s3 := ApplyPeerEvent(s2, relayA, false)
	require.Equal(t, MissingPeeredFundedChannel, s3.Health)

	// funded directly from Derive with a non-empty peer set
	s4 := Derive(p, PeerSet{relayA: {}, relayB: {}}, FundedSet{relayB: {}})
	require.Equal(t, ReadyToConnect, s4.Health)
	requireInvariant(t, s4)
}

func TestAggregateQueries(t *testing.T) {
	pA, err := routingpolicy.NewIntermediatePath(destAddr, []string{relayA})
	require.NoError(t, err)
	pB, err := routingpolicy.NewIntermediatePath("0xBBBB0000000000000000000000000000000002", []string{relayA})
	require.NoError(t, err)

	all := map[string]Status{
		"a": Derive(pA, PeerSet{}, FundedSet{}),
		"b": Derive(pB, PeerSet{}, FundedSet{}),
	}
	require.True(t, NeedsPeerDiscovery(all))
	// Both destinations need the same explicit channel, so the
	// distinct-channel count is 1, not 2.
	require.Equal(t, 1, NeededChannelCount(all))

	ready := map[string]Status{
		"a": {Health: ReadyToConnect, Need: Need{Kind: NeedNothing}},
	}
	require.False(t, NeedsPeerDiscovery(ready))
	require.Equal(t, 0, NeededChannelCount(ready))
}
