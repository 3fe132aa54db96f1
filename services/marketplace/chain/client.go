package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"cryptobazaar/crypto"
	"cryptobazaar/native/locker"
)

// CallBackend is the read side of an Ethereum node.
type CallBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Backend is the subset of *ethclient.Client the locker client needs.
type Backend interface {
	CallBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// ClientConfig configures a LockerClient. Key may be nil for a read-only
// client; ChainID is fetched from the node when nil.
type ClientConfig struct {
	Locker  common.Address
	Token   common.Address
	Key     *crypto.PrivateKey
	ChainID *big.Int
}

// LockerClient drives the escrow contract and the token it custodies on an
// EVM chain.
type LockerClient struct {
	backend Backend
	locker  common.Address
	token   common.Address
	key     *crypto.PrivateKey
	chainID *big.Int
}

// NewLockerClient prepares a client for the configured deployment.
func NewLockerClient(ctx context.Context, backend Backend, cfg ClientConfig) (*LockerClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain backend required")
	}
	if cfg.Locker == (common.Address{}) {
		return nil, fmt.Errorf("locker address required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("token address required")
	}
	chainID := cfg.ChainID
	if chainID == nil && cfg.Key != nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		chainID = id
	}
	return &LockerClient{
		backend: backend,
		locker:  cfg.Locker,
		token:   cfg.Token,
		key:     cfg.Key,
		chainID: chainID,
	}, nil
}

// Address returns the signer address, or the zero address for read-only
// clients.
func (c *LockerClient) Address() common.Address {
	if c == nil || c.key == nil {
		return common.Address{}
	}
	return c.key.Address()
}

// Approve authorises the locker to pull amount from the signer.
func (c *LockerClient) Approve(ctx context.Context, amount *big.Int) (common.Hash, error) {
	data, err := ERC20ABI.Pack("approve", c.locker, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.token, data)
}

// Lock escrows amount for duration. Durations are validated locally so an
// out-of-range request never costs gas.
func (c *LockerClient) Lock(ctx context.Context, amount *big.Int, duration time.Duration) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("amount must be positive")
	}
	seconds := uint64(duration / time.Second)
	if duration < 0 || seconds < locker.MinDuration || seconds > locker.MaxDuration {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrInvalidDuration, duration)
	}
	data, err := LockerABI.Pack("lockTokens", amount, new(big.Int).SetUint64(seconds))
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.locker, data)
}

// Unlock withdraws the signer's matured lock.
func (c *LockerClient) Unlock(ctx context.Context) (common.Hash, error) {
	data, err := LockerABI.Pack("unlockTokens")
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.locker, data)
}

// Settle releases depositor's live lock to recipient. The signer must be the
// contract's settlement operator.
func (c *LockerClient) Settle(ctx context.Context, depositor, recipient common.Address) (common.Hash, error) {
	data, err := LockerABI.Pack("settle", depositor, recipient)
	if err != nil {
		return common.Hash{}, err
	}
	return c.send(ctx, c.locker, data)
}

// BalanceOf returns the token balance of owner.
func (c *LockerClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.token, data, ERC20ABI, "balanceOf")
	if err != nil {
		return nil, err
	}
	return firstBig(out)
}

// Allowance returns how much the locker may still pull from owner.
func (c *LockerClient) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := ERC20ABI.Pack("allowance", owner, c.locker)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.token, data, ERC20ABI, "allowance")
	if err != nil {
		return nil, err
	}
	return firstBig(out)
}

// LockOf reads the live lock slot of depositor.
func (c *LockerClient) LockOf(ctx context.Context, depositor common.Address) (*LockState, error) {
	data, err := LockerABI.Pack("locks", depositor)
	if err != nil {
		return nil, err
	}
	out, err := c.call(ctx, c.locker, data, LockerABI, "locks")
	if err != nil {
		return nil, err
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("locks: unexpected output arity %d", len(out))
	}
	amount, okAmount := out[0].(*big.Int)
	unlock, okUnlock := out[1].(*big.Int)
	if !okAmount || !okUnlock || !unlock.IsInt64() {
		return nil, fmt.Errorf("locks: malformed output")
	}
	state := &LockState{Amount: new(big.Int).Set(amount)}
	if unlock.Sign() > 0 {
		state.UnlockTime = time.Unix(unlock.Int64(), 0).UTC()
	}
	return state, nil
}

func (c *LockerClient) call(ctx context.Context, to common.Address, data []byte, contract abi.ABI, method string) ([]interface{}, error) {
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return contract.Unpack(method, raw)
}

func (c *LockerClient) send(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	if c == nil || c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	if c.chainID == nil {
		return common.Hash{}, fmt.Errorf("chain id unknown")
	}
	from := c.key.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		// A failing estimate means the call would revert.
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return signed.Hash(), nil
}

func firstBig(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected output arity %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T", out[0])
	}
	return new(big.Int).Set(v), nil
}
