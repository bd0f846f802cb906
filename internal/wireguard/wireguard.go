// Package wireguard generates ephemeral WireGuard key pairs (the
// connection runner's GenerateWg step, spec.md §4.2) and renders the
// INI-style interface/peer block handed to the privileged root
// process (spec.md §6). Grounded on getployz-ployz's
// wgtypes.GeneratePrivateKey() call and the broader other_examples/
// manifests that all depend on golang.zx2c4.com/wireguard/wgctrl for
// exactly this.
package wireguard

import (
	"bytes"
	"fmt"
	"net"

	goerrors "github.com/go-errors/errors"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is an ephemeral WireGuard key pair generated fresh for each
// connection attempt (spec.md §3 Up record: "a WireGuard key pair
// (once generated)").
type KeyPair struct {
	Private wgtypes.Key
	Public  wgtypes.Key
}

// PublicKey names wgtypes.Key at the boundary where a value is known
// to carry only the public half of a pair (e.g. the exit's key
// returned by RegisterWg, spec.md §4.2 step 3), so callers outside
// this package don't need to import wgctrl/wgtypes directly.
type PublicKey = wgtypes.Key

// GenerateKeyPair produces a fresh ephemeral key pair. This is the
// whole of the connection runner's GenerateWg pipeline step (spec.md
// §4.2 step 1); it never fails in practice (wgtypes only returns an
// error on a broken system RNG) but the error is still surfaced so a
// broken entropy source aborts the connection attempt cleanly instead
// of silently producing a zero key.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, goerrors.Errorf("wireguard: generate key: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// InterfaceConfig is the local side of the WireGuard config block
// (spec.md §6): PrivateKey, Address, optional ListenPort.
type InterfaceConfig struct {
	PrivateKey wgtypes.Key
	Address    net.IP
	ListenPort *uint16
}

// PeerConfig is the remote (exit) side: PublicKey, Endpoint (always
// 127.0.0.1:<bridge_port> per spec.md §4.7's wg_data contract),
// AllowedIPs, and the fixed 30s keepalive.
type PeerConfig struct {
	PublicKey  wgtypes.Key
	BridgePort uint16
	AllowedIPs string
}

// DefaultAllowedIPs is used when config does not override it (spec.md
// §6's WireGuard config block: "AllowedIPs = <cidr, default
// 0.0.0.0/0>").
const DefaultAllowedIPs = "0.0.0.0/0"

// PersistentKeepaliveSeconds is fixed by spec.md §6's emitted block.
const PersistentKeepaliveSeconds = 30

// RenderINI renders the `[Interface]`/`[Peer]` block exactly as
// spec.md §6 shows it, to be sent as the wg_data payload of a
// DynamicWgRouting or StaticWgRouting root request (spec.md §4.7).
func RenderINI(iface InterfaceConfig, peer PeerConfig) string {
	var b bytes.Buffer

	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", iface.PrivateKey.String())
	fmt.Fprintf(&b, "Address    = %s/32\n", iface.Address.String())
	if iface.ListenPort != nil {
		fmt.Fprintf(&b, "ListenPort = %d\n", *iface.ListenPort)
	}

	allowed := peer.AllowedIPs
	if allowed == "" {
		allowed = DefaultAllowedIPs
	}

	fmt.Fprintf(&b, "[Peer]\n")
	fmt.Fprintf(&b, "PublicKey  = %s\n", peer.PublicKey.String())
	fmt.Fprintf(&b, "Endpoint   = 127.0.0.1:%d\n", peer.BridgePort)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", allowed)
	fmt.Fprintf(&b, "PersistentKeepalive = %d\n", PersistentKeepaliveSeconds)

	return b.String()
}
