// Package routingpolicy implements the routing-policy half of
// spec.md §3's Destination data model: a destination is routed either
// by hop count (0-3) or by an explicit ordered list of intermediate
// relay chain addresses.
package routingpolicy

import (
	"strings"

	goerrors "github.com/go-errors/errors"
)

// Policy is implemented by Hops and IntermediatePath.
type Policy interface {
	// DestinationAddress is the chain address of the destination
	// itself (not an intermediate hop), used by the Hops(0) case of
	// the destination-health tracker.
	DestinationAddress() string
	isPolicy()
}

// Hops selects routing by hop count. Count == 0 means a direct,
// single-hop-free connection to the exit and is rejected at parse
// time unless AllowInsecure is set (spec.md §3 routing policy
// invariants).
type Hops struct {
	Count         int
	AllowInsecure bool
	destAddr      string
}

func (h Hops) DestinationAddress() string { return h.destAddr }
func (Hops) isPolicy()                    {}

// IntermediatePath selects routing through an explicit, ordered list
// of relay chain addresses. Must be non-empty and contain only
// chain-addressed nodes (spec.md §3).
type IntermediatePath struct {
	Addresses []string
	destAddr  string
}

func (p IntermediatePath) DestinationAddress() string { return p.destAddr }
func (IntermediatePath) isPolicy()                     {}

// MaxHops is the routing hop count boundary named in spec.md §8: 3
// accepted, 4 rejected at config parse.
const MaxHops = 3

// NewHops validates and constructs a Hops policy, enforcing the hop
// count and 0-hop/allow_insecure invariants from spec.md §3.
func NewHops(destAddr string, count int, allowInsecure bool) (Hops, error) {
	if count < 0 || count > MaxHops {
		return Hops{}, goerrors.Errorf("routing: hop count %d out of range [0,%d]", count, MaxHops)
	}
	if count == 0 && !allowInsecure {
		return Hops{}, goerrors.Errorf("routing: 0-hop policy for %s requires allow_insecure", destAddr)
	}
	return Hops{Count: count, AllowInsecure: allowInsecure, destAddr: destAddr}, nil
}

// ErrEmptyPath is returned by NewIntermediatePath when the path has no
// hops at all, distinct from ErrOffChainHop below so callers (notably
// the destination-health tracker, spec.md §4.6) can classify the two
// cases differently: an empty path is InvalidPath, a path whose first
// hop isn't chain-addressed is InvalidAddress.
var ErrEmptyPath = goerrors.Errorf("routing: intermediate path is empty")

// ErrOffChainHop is returned by NewIntermediatePath when one of the
// named hops does not look like a chain address.
var ErrOffChainHop = goerrors.Errorf("routing: intermediate hop is not a chain address")

// NewIntermediatePath validates and constructs an IntermediatePath
// policy.
func NewIntermediatePath(destAddr string, addrs []string) (IntermediatePath, error) {
	if len(addrs) == 0 {
		return IntermediatePath{}, goerrors.Errorf("routing: intermediate path for %s is empty: %w", destAddr, ErrEmptyPath)
	}
	for _, a := range addrs {
		if !IsChainAddress(a) {
			return IntermediatePath{}, goerrors.Errorf("routing: intermediate hop %q for %s is not a chain address: %w", a, destAddr, ErrOffChainHop)
		}
	}
	return IntermediatePath{Addresses: addrs, destAddr: destAddr}, nil
}

// IsChainAddress reports whether s looks like a 20-byte hex chain
// address (0x-prefixed, 40 hex digits). Off-chain node identifiers
// (e.g. bare peer IDs) fail this check, which is how the
// destination-health tracker distinguishes
// "IntermediatePath starting with off-chain node" (spec.md §4.6,
// classified InvalidAddress).
func IsChainAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") {
		return false
	}
	hex := s[2:]
	if len(hex) != 40 {
		return false
	}
	for _, r := range hex {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
