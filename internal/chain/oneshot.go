package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/persist"
)

// erc20BalanceABI is the minimal ERC-20 surface PreSafe needs: a
// read-only balanceOf query against the payment-token contract.
const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}]`

// safeModuleDeployABI is the payment-token contract's `send` hook
// used to trigger safe+module deployment (spec.md §4.5
// SafeDeployment: "construct and submit the ABI-encoded safe-module
// deployment transaction through the payment-token contract's send
// hook").
const safeModuleDeployABI = `[
  {"constant":false,"inputs":[{"name":"recipient","type":"address"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"name":"send","outputs":[],"type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"safe","type":"address"}],"name":"SafeDeployed","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"module","type":"address"}],"name":"ModuleDeployed","type":"event"}
]`

// Balances is spec.md §3's Balances record: node native-token balance,
// safe payment-token balance, sum of outgoing-channel balances.
type Balances struct {
	NativeToken  *big.Int
	PaymentToken *big.Int
	ChannelsSum  *big.Int
}

// TicketStats is spec.md §3's TicketStats record: current ticket
// price and winning probability. Value is price * probability
// (spec.md GLOSSARY: "Ticket value").
type TicketStats struct {
	Price          *big.Int
	WinProbability float64
}

// Value computes the expected relay payment per mixnet hop, used to
// size channel funding (internal/chanfund).
func (t TicketStats) Value() *big.Int {
	priceF := new(big.Float).SetInt(t.Price)
	valueF := new(big.Float).Mul(priceF, big.NewFloat(t.WinProbability))
	value, _ := valueF.Int(nil)
	return value
}

// SafeDeployResult carries the two addresses SafeDeployment recovers
// from emitted events.
type SafeDeployResult struct {
	SafeAddress   common.Address
	ModuleAddress common.Address
}

// retryForever runs op under exponential backoff with no maximum
// elapsed time, the shape every chain one-shot runner in spec.md §4.5
// uses ("retries with exponential backoff"); call sites that need a
// bound wrap ctx with a deadline instead of limiting the backoff
// itself, so cancellation (spec.md §5) still works uniformly.
func retryForever(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, b)
}

// PreSafe reads the node's native-token and payment-token balances
// before a safe is deployed (spec.md §4.5).
func PreSafe(ctx context.Context, reg *Registry, rpcURL string, nodeAddr, paymentTokenAddr common.Address) (Balances, error) {
	var bal Balances

	err := retryForever(ctx, func() error {
		client, err := reg.Client(rpcURL)
		if err != nil {
			return err
		}

		native, err := client.BalanceAt(ctx, nodeAddr, nil)
		if err != nil {
			return err
		}

		payment, err := readERC20Balance(ctx, client, paymentTokenAddr, nodeAddr)
		if err != nil {
			return err
		}

		bal = Balances{NativeToken: native, PaymentToken: payment, ChannelsSum: big.NewInt(0)}
		return nil
	})
	if err != nil {
		return Balances{}, goerrors.Errorf("chain: PreSafe: %w", err)
	}
	return bal, nil
}

func readERC20Balance(ctx context.Context, client *ethclient.Client, tokenAddr, account common.Address) (*big.Int, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		return nil, err
	}

	data, err := parsed.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{To: &tokenAddr, Data: data}
	out, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	results, err := parsed.Unpack("balanceOf", out)
	if err != nil || len(results) != 1 {
		return nil, goerrors.Errorf("chain: unpack balanceOf: %w", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, goerrors.Errorf("chain: balanceOf did not decode to *big.Int")
	}
	return balance, nil
}

// TicketStatsRunner reads current ticket price and winning probability
// from the chain oracles (spec.md §4.5). oracleQuery abstracts the
// actual oracle contract call so this runner's retry/backoff shape is
// reusable without pinning a specific oracle ABI here.
func TicketStatsRunner(ctx context.Context, oracleQuery func(context.Context) (TicketStats, error)) (TicketStats, error) {
	var stats TicketStats
	err := retryForever(ctx, func() error {
		s, err := oracleQuery(ctx)
		if err != nil {
			return err
		}
		stats = s
		return nil
	})
	if err != nil {
		return TicketStats{}, goerrors.Errorf("chain: TicketStats: %w", err)
	}
	return stats, nil
}

// SafeDeployment constructs and submits the ABI-encoded safe-module
// deployment transaction through the payment-token contract's send
// hook, then parses the emitted SafeDeployed/ModuleDeployed events to
// recover the two addresses (spec.md §4.5).
func SafeDeployment(ctx context.Context, reg *Registry, rpcURL string, auth *bind.TransactOpts, paymentTokenAddr, factoryAddr common.Address, amount *big.Int) (SafeDeployResult, error) {
	parsed, err := abi.JSON(strings.NewReader(safeModuleDeployABI))
	if err != nil {
		return SafeDeployResult{}, err
	}

	var result SafeDeployResult
	err = retryForever(ctx, func() error {
		client, err := reg.Client(rpcURL)
		if err != nil {
			return err
		}

		contract := bind.NewBoundContract(paymentTokenAddr, parsed, client, client, client)

		tx, err := contract.Transact(auth, "send", factoryAddr, amount, []byte{})
		if err != nil {
			return err
		}

		receipt, err := bind.WaitMined(ctx, client, tx)
		if err != nil {
			return err
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			return goerrors.Errorf("chain: safe deployment tx reverted")
		}

		result, err = parseDeployEvents(parsed, receipt)
		return err
	})
	if err != nil {
		return SafeDeployResult{}, goerrors.Errorf("chain: SafeDeployment: %w", err)
	}
	return result, nil
}

func parseDeployEvents(parsed abi.ABI, receipt *ethtypes.Receipt) (SafeDeployResult, error) {
	var result SafeDeployResult
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case parsed.Events["SafeDeployed"].ID:
			result.SafeAddress = common.BytesToAddress(lg.Topics[len(lg.Topics)-1].Bytes())
		case parsed.Events["ModuleDeployed"].ID:
			result.ModuleAddress = common.BytesToAddress(lg.Topics[len(lg.Topics)-1].Bytes())
		}
	}
	if result.SafeAddress == (common.Address{}) || result.ModuleAddress == (common.Address{}) {
		return SafeDeployResult{}, goerrors.Errorf("chain: deployment receipt missing safe/module event")
	}
	return result, nil
}

// FundingToolResult is the Ok-or-Err outcome of a FundingTool call.
// spec.md §4.5: "distinguish HTTP 401 (returns the server's error
// string in the Ok variant, to stop retrying) from other failures
// (Err, backoff)."
type FundingToolResult struct {
	Unauthorized bool
	ServerError  string
}

// FundingTool POSTs an airdrop request carrying the caller's secret
// as JSON to a fixed HTTPS endpoint (spec.md §4.5). The request body
// is not signed.
func FundingTool(ctx context.Context, httpClient *http.Client, endpoint, secret string) (FundingToolResult, error) {
	var result FundingToolResult

	err := retryForever(ctx, func() error {
		body, _ := json.Marshal(map[string]string{"secret": secret})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			result = FundingToolResult{Unauthorized: true, ServerError: body.Error}
			return nil
		}

		if resp.StatusCode/100 != 2 {
			return goerrors.Errorf("chain: funding tool returned %d", resp.StatusCode)
		}

		result = FundingToolResult{}
		return nil
	})
	if err != nil {
		return FundingToolResult{}, goerrors.Errorf("chain: FundingTool: %w", err)
	}
	return result, nil
}

// SafePersisted serializes the deployed safe+module configuration to
// disk, retrying forever on I/O error (spec.md §4.5).
func SafePersisted(ctx context.Context, path string, state persist.SafeState) error {
	return retryForever(ctx, func() error {
		return persist.Save(path, state)
	})
}
