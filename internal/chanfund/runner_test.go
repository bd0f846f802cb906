package chanfund

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeOps struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	fundErr  error
}

func (f *fakeOps) ChannelBalance(ctx context.Context, addr string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[addr], nil
}

func (f *fakeOps) OpenOrFundChannel(ctx context.Context, addr string, amount *big.Int) error {
	if f.fundErr != nil {
		return f.fundErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances == nil {
		f.balances = make(map[string]*big.Int)
	}
	f.balances[addr] = amount
	return nil
}

func TestEnsureFundedIsIdempotent(t *testing.T) {
	ops := &fakeOps{balances: map[string]*big.Int{"0xA": big.NewInt(1000)}}
	require.NoError(t, EnsureFunded(context.Background(), ops, "0xA", big.NewInt(1000)))
	require.Equal(t, big.NewInt(1000), ops.balances["0xA"])
}

func TestEnsureFundedOpensWhenMissing(t *testing.T) {
	ops := &fakeOps{}
	require.NoError(t, EnsureFunded(context.Background(), ops, "0xA", big.NewInt(500)))
	require.Equal(t, 0, ops.balances["0xA"].Cmp(big.NewInt(500)))
}

func TestEnsureFundedForTargetsFansOut(t *testing.T) {
	ops := &fakeOps{}
	targets := []string{"0xA", "0xB", "0xC"}
	require.NoError(t, EnsureFundedForTargets(context.Background(), ops, targets, big.NewInt(10)))

	for _, addr := range targets {
		require.Equal(t, 0, ops.balances[addr].Cmp(big.NewInt(10)))
	}
}

func TestFundingAmountAppliesBuffer(t *testing.T) {
	got := FundingAmount(big.NewInt(7))
	require.Equal(t, big.NewInt(7*ManyTicketBuffer).String(), got.String())
}
