package routingpolicy

import (
	"testing"

	goerrors "github.com/go-errors/errors"
	"github.com/stretchr/testify/require"
)

func TestNewIntermediatePathEmptyIsErrEmptyPath(t *testing.T) {
	_, err := NewIntermediatePath("dest", nil)
	require.Error(t, err)
	require.True(t, goerrors.Is(err, ErrEmptyPath))
	require.False(t, goerrors.Is(err, ErrOffChainHop))
}

func TestNewIntermediatePathOffChainHopIsErrOffChainHop(t *testing.T) {
	_, err := NewIntermediatePath("dest", []string{"not-a-chain-address"})
	require.Error(t, err)
	require.True(t, goerrors.Is(err, ErrOffChainHop))
	require.False(t, goerrors.Is(err, ErrEmptyPath))
}

func TestNewIntermediatePathValid(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"
	p, err := NewIntermediatePath("dest", []string{addr})
	require.NoError(t, err)
	require.Equal(t, []string{addr}, p.Addresses)
	require.Equal(t, "dest", p.DestinationAddress())
}

func TestNewHopsZeroRequiresAllowInsecure(t *testing.T) {
	_, err := NewHops("dest", 0, false)
	require.Error(t, err)

	h, err := NewHops("dest", 0, true)
	require.NoError(t, err)
	require.Equal(t, 0, h.Count)
}

func TestNewHopsOutOfRange(t *testing.T) {
	_, err := NewHops("dest", MaxHops+1, true)
	require.Error(t, err)
}
