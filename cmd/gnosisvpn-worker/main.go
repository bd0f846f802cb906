// Command gnosisvpn-worker is the unprivileged process described in
// spec.md §2: it hosts the session orchestrator (internal/core) and
// the embedded mixnet node, and services the control socket directly.
// It is normally exec'd by cmd/gnosisvpn-root with its end of a
// worker<->root socket pair already open on fd 3 (spec.md §6: "a
// socket pair inherited across fork/exec"); it can also be pointed at
// an already-running root process for local development via
// GNOSISVPN_ROOTLINK_FD.
//
// Grounded on lnd.go's lndMain/main split: load config (and set up
// logging as a side effect), bring up the core subsystem, then block
// on a shutdown channel fed by both a graceful stop and the interrupt
// handler, returning a plain error from the inner function so
// top-level deferred cleanup (log flush) always runs before os.Exit.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	goerrors "github.com/go-errors/errors"

	"github.com/gnosis/gnosisvpn/internal/chain"
	"github.com/gnosis/gnosisvpn/internal/config"
	"github.com/gnosis/gnosisvpn/internal/core"
	"github.com/gnosis/gnosisvpn/internal/exitcode"
	"github.com/gnosis/gnosisvpn/internal/log"
	"github.com/gnosis/gnosisvpn/internal/metrics"
	"github.com/gnosis/gnosisvpn/internal/mixnet"
	"github.com/gnosis/gnosisvpn/internal/rootproto"
	"github.com/gnosis/gnosisvpn/internal/socket"
)

var workerLog = log.RegisterSubsystem("WRKR")

// fatalError pairs a process exit code with the error that caused it,
// mirroring lnd.go's *flags.Error-vs-plain-error split in main(): the
// inner run() always returns a plain error, and main() alone decides
// the process's fate.
type fatalError struct {
	code int
	err  error
}

func (f *fatalError) Error() string { return f.err.Error() }

func fatal(code int, err error) error {
	return &fatalError{code: code, err: err}
}

func main() {
	if err := run(); err != nil {
		if fe, ok := err.(*fatalError); ok {
			fmt.Fprintln(os.Stderr, fe.err)
			log.Flush()
			os.Exit(fe.code)
		}
		fmt.Fprintln(os.Stderr, err)
		log.Flush()
		os.Exit(exitcode.OSErr)
	}
}

func run() error {
	home := envOr("GNOSISVPN_HOME", ".")
	logFile := os.Getenv("GNOSISVPN_LOG_FILE")
	sockPath := envOr("GNOSISVPN_SOCKET_PATH", filepath.Join(home, "gnosisvpn.sock"))

	if logFile != "" {
		if err := log.InitLogRotator(logFile, 10, 3); err != nil {
			return fatal(exitcode.IOErr, fmt.Errorf("worker: init log rotator: %w", err))
		}
	} else {
		log.InitStderr()
	}
	workerLog.Infof("gnosisvpn-worker starting, home=%s", home)

	if _, err := exec.LookPath("wg"); err != nil {
		return fatal(exitcode.Unavailable, fmt.Errorf("worker: WireGuard tooling not found: %w", err))
	}

	cfgPath := filepath.Join(home, "gnosisvpn.toml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fatal(exitcode.NoInput, fmt.Errorf("worker: load config: %w", err))
	}
	if len(cfg.WrongKeys) > 0 {
		workerLog.Warnf("config: unrecognized keys: %v", cfg.WrongKeys)
	}

	if err := guardSingleInstance(sockPath); err != nil {
		return err
	}

	rootConn, err := dialRootLink()
	if err != nil {
		return fatal(exitcode.DataErr, fmt.Errorf("worker: root link: %w", err))
	}
	rootLink := socket.NewRootLink(rootConn)
	go func() {
		err := rootLink.Run(func(frame socket.RootFrame) {
			workerLog.Debugf("root bootstrap frame: %s", frame.Kind)
		})
		if err != nil {
			workerLog.Errorf("root link closed: %v", err)
		}
	}()

	deps, err := buildDependencies(home, rootLink)
	if err != nil {
		return fatal(exitcode.OSErr, fmt.Errorf("worker: build dependencies: %w", err))
	}

	c := core.New(deps)
	if err := c.Start(cfg, cfgPath); err != nil {
		return fatal(exitcode.OSErr, fmt.Errorf("worker: core start: %w", err))
	}

	stop := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- socket.Serve(sockPath, stop, c.HandleCommand)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case s := <-sig:
			if s == syscall.SIGHUP {
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					workerLog.Warnf("config reload: %v (keeping previous config)", err)
					continue
				}
				if err := c.ReloadConfig(newCfg, cfgPath); err != nil {
					workerLog.Errorf("config reload: %v", err)
				}
				continue
			}

			workerLog.Infof("received %s, shutting down", s)
			close(stop)
			c.Stop()
			c.WaitForShutdown()
			return nil

		case err := <-serveErr:
			if goerrors.Is(err, socket.ErrBind) {
				return fatal(exitcode.OSFile, err)
			}
			if goerrors.Is(err, socket.ErrChmod) {
				return fatal(exitcode.NoPerm, err)
			}
			if err != nil {
				return fatal(exitcode.OSErr, err)
			}
		}
	}
}

// guardSingleInstance implements spec.md §6's TEMPFAIL exit code: if a
// live worker is already listening on sockPath, connecting to it
// succeeds and this instance should refuse to start rather than steal
// the socket. A stale socket file (nothing listening) is removed so
// socket.Serve's bind can proceed.
func guardSingleInstance(sockPath string) error {
	conn, err := net.Dial("unix", sockPath)
	if err == nil {
		conn.Close()
		return fatal(exitcode.TempFail, fmt.Errorf("worker: another instance is already listening on %s", sockPath))
	}
	_ = os.Remove(sockPath)
	return nil
}

// dialRootLink wraps the worker's end of the worker<->root socket
// pair. cmd/gnosisvpn-root exec's this binary with that end already
// open on the fd named by GNOSISVPN_ROOTLINK_FD (3 by default); a
// worker started by hand during development can instead point the
// variable at a socket already held open by a manually-started root
// process.
func dialRootLink() (net.Conn, error) {
	fdStr := envOr("GNOSISVPN_ROOTLINK_FD", "3")
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GNOSISVPN_ROOTLINK_FD %q: %w", fdStr, err)
	}
	f := os.NewFile(uintptr(fd), "rootlink")
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap inherited root-link fd %d: %w", fd, err)
	}
	return conn, nil
}

// ticketOracleABI is the minimal read-only surface the ticket-stats
// oracle contract exposes: current price and winning probability,
// expressed as a per-mille (per-thousand) integer so the call
// returns plain integers rather than a fixed-point encoding.
const ticketOracleABI = `[
  {"constant":true,"inputs":[],"name":"ticketPrice","outputs":[{"name":"","type":"uint256"}],"type":"function"},
  {"constant":true,"inputs":[],"name":"winProbPerMille","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// buildDependencies constructs the core.Dependencies bundle: the
// mixnet node handle, chain registry, root-request client, metrics
// collectors, and the addresses/signer the chain one-shot runners
// need. The signing key itself is read as an already-derived 32-byte
// hex private key from GNOSISVPN_HOME/identity.key; the derivation of
// that key from an identity file is the out-of-scope collaborator
// named in spec.md §1 — this reads its output, not its input.
func buildDependencies(home string, link *socket.RootLink) (core.Dependencies, error) {
	rpcURL := envOr("GNOSISVPN_RPC_URL", "https://rpc.gnosischain.com")

	identityPath := filepath.Join(home, "identity.key")
	keyHex, err := os.ReadFile(identityPath)
	if err != nil {
		return core.Dependencies{}, fmt.Errorf("read identity key %s: %w", identityPath, err)
	}
	privKey, err := crypto.HexToECDSA(strings.TrimSpace(string(keyHex)))
	if err != nil {
		return core.Dependencies{}, fmt.Errorf("parse identity key: %w", err)
	}
	nodeAddr := crypto.PubkeyToAddress(privKey.PublicKey)

	paymentToken := common.HexToAddress(envOr("GNOSISVPN_PAYMENT_TOKEN_ADDRESS", "0x0000000000000000000000000000000000000000"))
	factory := common.HexToAddress(envOr("GNOSISVPN_SAFE_FACTORY_ADDRESS", "0x0000000000000000000000000000000000000000"))
	ticketOracleAddr := common.HexToAddress(envOr("GNOSISVPN_TICKET_ORACLE_ADDRESS", "0x0000000000000000000000000000000000000000"))

	oracleABI, err := abi.JSON(strings.NewReader(ticketOracleABI))
	if err != nil {
		return core.Dependencies{}, fmt.Errorf("parse ticket oracle ABI: %w", err)
	}

	registry := chain.NewRegistry()

	deps := core.Dependencies{
		Node:                mixnet.New(),
		Chain:               registry,
		Root:                rootproto.NewClient(link),
		Metrics:             metrics.New(),
		HTTPClient:          nil,
		SafeStatePath:       filepath.Join(home, "safe-state.yaml"),
		RPCURL:              rpcURL,
		NodeAddress:         nodeAddr,
		PaymentTokenAddress: paymentToken,
		FactoryAddress:      factory,
		SafeFactoryAmount:   big.NewInt(0),
		FundingToolEndpoint: envOr("GNOSISVPN_FUNDING_TOOL_ENDPOINT", "https://funding-tool.gnosisvpn.com/api/faucet"),
		SafeAuth: func(ctx context.Context) (*bind.TransactOpts, error) {
			client, err := registry.Client(rpcURL)
			if err != nil {
				return nil, err
			}
			chainID, err := client.ChainID(ctx)
			if err != nil {
				return nil, fmt.Errorf("read chain id: %w", err)
			}
			return bind.NewKeyedTransactorWithChainID(privKey, chainID)
		},
		TicketOracleQuery: func(ctx context.Context) (chain.TicketStats, error) {
			client, err := registry.Client(rpcURL)
			if err != nil {
				return chain.TicketStats{}, err
			}
			return readTicketOracle(ctx, client, oracleABI, ticketOracleAddr)
		},
	}
	return deps, nil
}

// readTicketOracle performs the single oracle call TicketStatsRunner
// (internal/chain) wraps with its own exponential backoff.
func readTicketOracle(ctx context.Context, client *ethclient.Client, oracleABI abi.ABI, oracle common.Address) (chain.TicketStats, error) {
	caller := bind.NewBoundContract(oracle, oracleABI, client, nil, nil)

	var priceOut []interface{}
	if err := caller.Call(&bind.CallOpts{Context: ctx}, &priceOut, "ticketPrice"); err != nil {
		return chain.TicketStats{}, fmt.Errorf("ticketPrice call: %w", err)
	}
	var probOut []interface{}
	if err := caller.Call(&bind.CallOpts{Context: ctx}, &probOut, "winProbPerMille"); err != nil {
		return chain.TicketStats{}, fmt.Errorf("winProbPerMille call: %w", err)
	}

	price, ok := priceOut[0].(*big.Int)
	if !ok {
		return chain.TicketStats{}, fmt.Errorf("ticketPrice: unexpected return type")
	}
	perMille, ok := probOut[0].(*big.Int)
	if !ok {
		return chain.TicketStats{}, fmt.Errorf("winProbPerMille: unexpected return type")
	}

	return chain.TicketStats{
		Price:          price,
		WinProbability: float64(perMille.Int64()) / 1000.0,
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
