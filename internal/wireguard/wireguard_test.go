package wireguard

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairProducesDistinctKeys(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NotEqual(t, kp1.Private, kp2.Private)
	require.Equal(t, kp1.Private.PublicKey(), kp1.Public)
}

func TestRenderINIDefaultsAllowedIPs(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	peerKp, err := GenerateKeyPair()
	require.NoError(t, err)

	out := RenderINI(
		InterfaceConfig{PrivateKey: kp.Private, Address: net.ParseIP("10.0.0.2")},
		PeerConfig{PublicKey: peerKp.Public, BridgePort: 51820},
	)

	require.Contains(t, out, "[Interface]")
	require.Contains(t, out, "Address    = 10.0.0.2/32")
	require.Contains(t, out, "[Peer]")
	require.Contains(t, out, "Endpoint   = 127.0.0.1:51820")
	require.Contains(t, out, "AllowedIPs = "+DefaultAllowedIPs)
	require.Contains(t, out, "PersistentKeepalive = 30")
	require.NotContains(t, out, "ListenPort")
}

func TestRenderINIWithListenPort(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	port := uint16(51821)

	out := RenderINI(
		InterfaceConfig{PrivateKey: kp.Private, Address: net.ParseIP("10.0.0.3"), ListenPort: &port},
		PeerConfig{PublicKey: kp.Public, BridgePort: 1, AllowedIPs: "10.0.0.0/8"},
	)

	require.Contains(t, out, "ListenPort = 51821")
	require.Contains(t, out, "AllowedIPs = 10.0.0.0/8")
}
