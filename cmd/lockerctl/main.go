package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"cryptobazaar/cmd/internal/passphrase"
	"cryptobazaar/core/types"
	"cryptobazaar/crypto"
	"cryptobazaar/native/locker"
	"cryptobazaar/services/marketplace/chain"
)

const (
	envRPC      = "LOCKERCTL_RPC"
	envLocker   = "LOCKERCTL_LOCKER"
	envToken    = "LOCKERCTL_TOKEN"
	envKeystore = "LOCKERCTL_KEYSTORE"
	envPass     = "LOCKERCTL_PASSPHRASE"
)

// backend is what lockerctl needs from an Ethereum node.
type backend interface {
	chain.Backend
	chain.EVMClient
	Close()
}

// keystoreScrypt is the derivation cost of keys written by keygen.
var keystoreScrypt = crypto.StandardScrypt

var dialBackend = func(ctx context.Context, url string) (backend, error) {
	client, err := chain.DialEVMClient(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage() string {
	return strings.Join([]string{
		"Usage: lockerctl <command> [flags]",
		"",
		"Commands:",
		"  keygen     create an encrypted signing key at --keystore",
		"  balance    token balance of an address",
		"  allowance  amount the locker may pull from an address",
		"  approve    approve the locker to pull --amount",
		"  lock       lock --amount for --duration",
		"  unlock     withdraw a matured lock",
		"  settle     release --depositor's lock to --recipient (operator key)",
		"  status     live lock slot of an address",
		"  wait       block until --tx is a final lock or settlement",
	}, "\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	var cmd func([]string, io.Writer, io.Writer) int
	switch args[0] {
	case "keygen":
		cmd = runKeygen
	case "balance":
		cmd = runBalance
	case "allowance":
		cmd = runAllowance
	case "approve":
		cmd = runApprove
	case "lock":
		cmd = runLock
	case "unlock":
		cmd = runUnlock
	case "settle":
		cmd = runSettle
	case "status":
		cmd = runStatus
	case "wait":
		cmd = runWait
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return cmd(args[1:], stdout, stderr)
}

type commonFlags struct {
	rpc      string
	locker   string
	token    string
	keystore string
	passEnv  string
	timeout  time.Duration
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	c := &commonFlags{}
	fs.StringVar(&c.rpc, "rpc", os.Getenv(envRPC), "Ethereum JSON-RPC endpoint")
	fs.StringVar(&c.locker, "locker", os.Getenv(envLocker), "escrow contract address")
	fs.StringVar(&c.token, "token", os.Getenv(envToken), "token contract address")
	fs.StringVar(&c.keystore, "keystore", os.Getenv(envKeystore), "path to the signing key keystore")
	fs.StringVar(&c.passEnv, "pass-env", envPass, "environment variable holding the keystore passphrase")
	fs.DurationVar(&c.timeout, "timeout", 2*time.Minute, "overall command timeout")
	return fs, c
}

type session struct {
	backend backend
	client  *chain.LockerClient
	locker  common.Address
	cancel  context.CancelFunc
	ctx     context.Context
}

func (s *session) close() {
	s.cancel()
	s.backend.Close()
}

// open dials the node and prepares a locker client. The keystore is only
// decrypted when signing is required.
func (c *commonFlags) open(signing bool) (*session, error) {
	if strings.TrimSpace(c.rpc) == "" {
		return nil, errors.New("--rpc is required")
	}
	lockerAddr, err := crypto.ParseAddress(c.locker)
	if err != nil {
		return nil, fmt.Errorf("--locker: %w", err)
	}
	tokenAddr, err := crypto.ParseAddress(c.token)
	if err != nil {
		return nil, fmt.Errorf("--token: %w", err)
	}
	cfg := chain.ClientConfig{Locker: lockerAddr, Token: tokenAddr}
	if signing {
		key, err := c.loadKey()
		if err != nil {
			return nil, err
		}
		cfg.Key = key
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	b, err := dialBackend(ctx, c.rpc)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial %s: %w", c.rpc, err)
	}
	client, err := chain.NewLockerClient(ctx, b, cfg)
	if err != nil {
		cancel()
		b.Close()
		return nil, err
	}
	return &session{backend: b, client: client, locker: lockerAddr, cancel: cancel, ctx: ctx}, nil
}

func (c *commonFlags) loadKey() (*crypto.PrivateKey, error) {
	if strings.TrimSpace(c.keystore) == "" {
		return nil, errors.New("--keystore is required to sign")
	}
	pass, err := passphrase.NewSource(c.passEnv, "wallet").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(c.keystore, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("keystore", os.Getenv(envKeystore), "path of the keystore file to create")
	passEnv := fs.String("pass-env", envPass, "environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*path) == "" {
		return printError(stderr, errors.New("--keystore is required"))
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return printError(stderr, fmt.Errorf("%s already exists; pass --force to overwrite", *path))
	}
	pass, err := passphrase.NewSource(*passEnv, "wallet").Get()
	if err != nil {
		return printError(stderr, err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err)
	}
	if err := crypto.SaveToKeystoreWith(*path, key, pass, keystoreScrypt); err != nil {
		return printError(stderr, fmt.Errorf("save keystore: %w", err))
	}
	return printJSON(stdout, map[string]string{
		"address":  key.Address().Hex(),
		"keystore": *path,
	})
}

// resolveAddress returns --address, or the keystore address when it is unset.
func (c *commonFlags) resolveAddress(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) != "" {
		return crypto.ParseAddress(raw)
	}
	key, err := c.loadKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("--address or --keystore required: %w", err)
	}
	return key.Address(), nil
}

func printError(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func printJSON(stdout io.Writer, v interface{}) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return 1
	}
	return 0
}

func parseAmount(raw string) (*big.Int, error) {
	amount, err := types.ParseFixed(raw, locker.Decimals)
	if err != nil {
		return nil, fmt.Errorf("--amount: %w", err)
	}
	if amount.Sign() <= 0 {
		return nil, errors.New("--amount must be positive")
	}
	return amount, nil
}

func runReadAmount(name string, args []string, stdout, stderr io.Writer, read func(*chain.LockerClient, context.Context, common.Address) (*big.Int, error)) int {
	fs, opts := newFlagSet(name, stderr)
	address := fs.String("address", "", "address to query (defaults to the keystore address)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := opts.resolveAddress(*address)
	if err != nil {
		return printError(stderr, err)
	}
	sess, err := opts.open(false)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	value, err := read(sess.client, sess.ctx, addr)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, map[string]string{
		"address": addr.Hex(),
		name:      types.FormatFixed(value, locker.Decimals),
	})
}

func runBalance(args []string, stdout, stderr io.Writer) int {
	return runReadAmount("balance", args, stdout, stderr, func(c *chain.LockerClient, ctx context.Context, addr common.Address) (*big.Int, error) {
		return c.BalanceOf(ctx, addr)
	})
}

func runAllowance(args []string, stdout, stderr io.Writer) int {
	return runReadAmount("allowance", args, stdout, stderr, func(c *chain.LockerClient, ctx context.Context, addr common.Address) (*big.Int, error) {
		return c.Allowance(ctx, addr)
	})
}

func printTx(stdout io.Writer, method string, hash common.Hash) int {
	return printJSON(stdout, map[string]string{"method": method, "tx_hash": hash.Hex()})
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("approve", stderr)
	amountRaw := fs.String("amount", "", "token amount to approve")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	amount, err := parseAmount(*amountRaw)
	if err != nil {
		return printError(stderr, err)
	}
	sess, err := opts.open(true)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	hash, err := sess.client.Approve(sess.ctx, amount)
	if err != nil {
		return printError(stderr, err)
	}
	return printTx(stdout, locker.MethodApprove, hash)
}

func runLock(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("lock", stderr)
	amountRaw := fs.String("amount", "", "token amount to lock")
	duration := fs.Duration("duration", 0, "lock duration, at most 168h")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	amount, err := parseAmount(*amountRaw)
	if err != nil {
		return printError(stderr, err)
	}
	seconds := uint64(*duration / time.Second)
	if seconds < locker.MinDuration || seconds > locker.MaxDuration {
		return printError(stderr, fmt.Errorf("--duration must be between 1s and %s", time.Duration(locker.MaxDuration)*time.Second))
	}
	sess, err := opts.open(true)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	hash, err := sess.client.Lock(sess.ctx, amount, *duration)
	if err != nil {
		return printError(stderr, err)
	}
	return printTx(stdout, locker.MethodLock, hash)
}

func runUnlock(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("unlock", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	sess, err := opts.open(true)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	hash, err := sess.client.Unlock(sess.ctx)
	if err != nil {
		return printError(stderr, err)
	}
	return printTx(stdout, locker.MethodRelease, hash)
}

func runSettle(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("settle", stderr)
	depositorRaw := fs.String("depositor", "", "seller whose lock is settled")
	recipientRaw := fs.String("recipient", "", "buyer receiving the tokens")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	depositor, err := crypto.ParseAddress(*depositorRaw)
	if err != nil {
		return printError(stderr, fmt.Errorf("--depositor: %w", err))
	}
	recipient, err := crypto.ParseAddress(*recipientRaw)
	if err != nil {
		return printError(stderr, fmt.Errorf("--recipient: %w", err))
	}
	sess, err := opts.open(true)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	hash, err := sess.client.Settle(sess.ctx, depositor, recipient)
	if err != nil {
		return printError(stderr, err)
	}
	return printTx(stdout, locker.MethodSettle, hash)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("status", stderr)
	address := fs.String("address", "", "depositor to query (defaults to the keystore address)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := opts.resolveAddress(*address)
	if err != nil {
		return printError(stderr, err)
	}
	sess, err := opts.open(false)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()
	state, err := sess.client.LockOf(sess.ctx, addr)
	if err != nil {
		return printError(stderr, err)
	}
	out := map[string]interface{}{
		"address": addr.Hex(),
		"active":  state.Active(),
		"amount":  types.FormatFixed(state.Amount, locker.Decimals),
	}
	if state.Active() {
		out["unlock_time"] = state.UnlockTime.Format(time.RFC3339)
		out["matured"] = !time.Now().Before(state.UnlockTime)
	}
	return printJSON(stdout, out)
}

func runWait(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("wait", stderr)
	txRaw := fs.String("tx", "", "transaction hash to wait for")
	depositorRaw := fs.String("depositor", "", "seller the lock belongs to")
	kind := fs.String("kind", "lock", "transaction kind: lock or settle")
	confirmations := fs.Uint64("confirmations", 12, "blocks required including the receipt block")
	finalized := fs.Bool("finalized", false, "wait for the finalized block tag instead of confirmations")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	raw, err := hexutil.Decode(strings.TrimSpace(*txRaw))
	if err != nil || len(raw) != common.HashLength {
		return printError(stderr, errors.New("--tx must be a 32-byte 0x-prefixed hash"))
	}
	txHash := common.BytesToHash(raw)
	depositor, err := crypto.ParseAddress(*depositorRaw)
	if err != nil {
		return printError(stderr, fmt.Errorf("--depositor: %w", err))
	}
	if *kind != "lock" && *kind != "settle" {
		return printError(stderr, errors.New("--kind must be lock or settle"))
	}
	sess, err := opts.open(false)
	if err != nil {
		return printError(stderr, err)
	}
	defer sess.close()

	verifier := chain.NewEVMVerifier(sess.backend, sess.locker, chain.Finality{
		Confirmations:   *confirmations,
		UseFinalizedTag: *finalized,
	})
	waiter := chain.NewWaiter(verifier, *interval, 0)
	if *kind == "settle" {
		proof, err := waiter.WaitSettlement(sess.ctx, txHash, depositor)
		if err != nil {
			return printError(stderr, err)
		}
		return printJSON(stdout, map[string]interface{}{
			"tx_hash":     proof.TxHash.Hex(),
			"depositor":   proof.Depositor.Hex(),
			"recipient":   proof.Recipient.Hex(),
			"amount":      types.FormatFixed(proof.Amount, locker.Decimals),
			"unlock_time": proof.UnlockTime.Format(time.RFC3339),
			"block":       proof.Position.Block,
		})
	}
	proof, err := waiter.WaitLock(sess.ctx, txHash, depositor)
	if err != nil {
		return printError(stderr, err)
	}
	return printJSON(stdout, map[string]interface{}{
		"tx_hash":     proof.TxHash.Hex(),
		"depositor":   proof.Depositor.Hex(),
		"amount":      types.FormatFixed(proof.Amount, locker.Decimals),
		"unlock_time": proof.UnlockTime.Format(time.RFC3339),
		"block":       proof.Position.Block,
	})
}
