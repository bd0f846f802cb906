package mixnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// spec.md §8: "Opening a second session on the same (protocol,
// bound_host) with port > 0 fails; with port = 0 (ephemeral) always
// succeeds."
func TestOpenSessionPortCollision(t *testing.T) {
	n := New()
	ctx := context.Background()

	_, err := n.OpenSession(ctx, ProtocolBridge, "127.0.0.1", 9000, "0xDEST", nil)
	require.NoError(t, err)

	_, err = n.OpenSession(ctx, ProtocolBridge, "127.0.0.1", 9000, "0xDEST", nil)
	require.Error(t, err)

	_, err = n.OpenSession(ctx, ProtocolBridge, "127.0.0.1", 0, "0xDEST", nil)
	require.NoError(t, err)
	_, err = n.OpenSession(ctx, ProtocolBridge, "127.0.0.1", 0, "0xDEST", nil)
	require.NoError(t, err)
}

// spec.md §4.2/§4.3: SessionNotFound from the node is treated as
// success (idempotent close).
func TestCloseSessionIdempotent(t *testing.T) {
	n := New()
	ctx := context.Background()

	sess, err := n.OpenSession(ctx, ProtocolBridge, "127.0.0.1", 0, "0xDEST", nil)
	require.NoError(t, err)

	require.NoError(t, n.CloseSession(sess))

	err = n.CloseSession(sess)
	require.Error(t, err)
	require.True(t, IsSessionNotFound(err))
}

func TestPeeredRelaysAndAnnouncedIPs(t *testing.T) {
	n := New()
	n.SetPeered("0xAAAA", "10.0.0.1", true)
	n.SetPeered("0xBBBB", "10.0.0.2", true)

	require.ElementsMatch(t, []string{"0xAAAA", "0xBBBB"}, n.PeeredRelays())
	require.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, n.AnnouncedPeerIPs())

	n.SetPeered("0xAAAA", "10.0.0.1", false)
	require.ElementsMatch(t, []string{"0xBBBB"}, n.PeeredRelays())
}
