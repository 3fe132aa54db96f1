package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EVMClient defines the subset of the Ethereum RPC used by the verifier.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Finality selects when a mined transaction counts as final. With
// UseFinalizedTag the node's finalized block must have reached the receipt's
// block; otherwise the receipt needs Confirmations blocks including its own.
type Finality struct {
	Confirmations   uint64
	UseFinalizedTag bool
}

// EVMVerifier implements Verifier against an Ethereum node.
type EVMVerifier struct {
	client   EVMClient
	locker   common.Address
	finality Finality
}

// NewEVMVerifier constructs a verifier for the locker deployed at locker.
func NewEVMVerifier(client EVMClient, locker common.Address, finality Finality) *EVMVerifier {
	return &EVMVerifier{client: client, locker: locker, finality: finality}
}

func (v *EVMVerifier) receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if v == nil || v.client == nil {
		return nil, fmt.Errorf("evm verifier not initialised")
	}
	if (txHash == common.Hash{}) {
		return nil, fmt.Errorf("tx hash required")
	}
	receipt, err := v.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash.Hex())
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txHash.Hex())
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
	}
	if err := v.checkFinal(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

func (v *EVMVerifier) checkFinal(ctx context.Context, receipt *gethtypes.Receipt) error {
	if receipt.BlockNumber == nil {
		return fmt.Errorf("%w: receipt has no block", ErrNotFinalized)
	}
	if v.finality.UseFinalizedTag {
		header, err := v.client.HeaderByNumber(ctx, big.NewInt(rpc.FinalizedBlockNumber.Int64()))
		if err != nil {
			return fmt.Errorf("fetch finalized head: %w", err)
		}
		if header == nil || header.Number == nil {
			return fmt.Errorf("finalized block metadata unavailable")
		}
		if header.Number.Cmp(receipt.BlockNumber) < 0 {
			return fmt.Errorf("%w: finalized %s below block %s", ErrNotFinalized, header.Number, receipt.BlockNumber)
		}
		return nil
	}
	if v.finality.Confirmations == 0 {
		return nil
	}
	header, err := v.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return fmt.Errorf("%w: transaction block ahead of head", ErrNotFinalized)
	}
	confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	confirmed.Add(confirmed, big.NewInt(1))
	if confirmed.Cmp(new(big.Int).SetUint64(v.finality.Confirmations)) < 0 {
		return fmt.Errorf("%w: have %s confirmations want %d", ErrNotFinalized, confirmed.String(), v.finality.Confirmations)
	}
	return nil
}

// VerifyLock checks that txHash is a final, successful lockTokens call on the
// configured locker made by depositor.
func (v *EVMVerifier) VerifyLock(ctx context.Context, txHash common.Hash, depositor common.Address) (*LockProof, error) {
	receipt, err := v.receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	event := LockerABI.Events["TokensLocked"]
	sawLock := false
	for _, log := range receipt.Logs {
		if log == nil || log.Address != v.locker {
			continue
		}
		if len(log.Topics) != 2 || log.Topics[0] != TokensLockedTopic {
			continue
		}
		sawLock = true
		user := common.BytesToAddress(log.Topics[1].Bytes())
		if user != depositor {
			continue
		}
		values, err := event.Inputs.Unpack(log.Data)
		if err != nil || len(values) != 2 {
			return nil, fmt.Errorf("%w: malformed TokensLocked data", ErrNotLockTransaction)
		}
		amount, okAmount := values[0].(*big.Int)
		unlock, okUnlock := values[1].(*big.Int)
		if !okAmount || !okUnlock || !unlock.IsInt64() {
			return nil, fmt.Errorf("%w: malformed TokensLocked data", ErrNotLockTransaction)
		}
		return &LockProof{
			TxHash:     txHash,
			Depositor:  user,
			Amount:     new(big.Int).Set(amount),
			UnlockTime: time.Unix(unlock.Int64(), 0).UTC(),
			Position:   receiptPosition(receipt),
		}, nil
	}
	if sawLock {
		return nil, fmt.Errorf("%w: %s", ErrDepositorMismatch, txHash.Hex())
	}
	return nil, fmt.Errorf("%w: %s", ErrNotLockTransaction, txHash.Hex())
}

// VerifySettlement checks that txHash is a final settle call releasing the
// lock of depositor.
func (v *EVMVerifier) VerifySettlement(ctx context.Context, txHash common.Hash, depositor common.Address) (*SettlementProof, error) {
	receipt, err := v.receipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	event := LockerABI.Events["TokensSettled"]
	sawSettle := false
	for _, log := range receipt.Logs {
		if log == nil || log.Address != v.locker {
			continue
		}
		if len(log.Topics) != 3 || log.Topics[0] != TokensSettledTopic {
			continue
		}
		sawSettle = true
		from := common.BytesToAddress(log.Topics[1].Bytes())
		if from != depositor {
			continue
		}
		values, err := event.Inputs.Unpack(log.Data)
		if err != nil || len(values) != 2 {
			return nil, fmt.Errorf("%w: malformed TokensSettled data", ErrNotSettlementTransaction)
		}
		amount, okAmount := values[0].(*big.Int)
		unlock, okUnlock := values[1].(*big.Int)
		if !okAmount || !okUnlock || !unlock.IsInt64() {
			return nil, fmt.Errorf("%w: malformed TokensSettled data", ErrNotSettlementTransaction)
		}
		return &SettlementProof{
			TxHash:     txHash,
			Depositor:  from,
			Recipient:  common.BytesToAddress(log.Topics[2].Bytes()),
			Amount:     new(big.Int).Set(amount),
			UnlockTime: time.Unix(unlock.Int64(), 0).UTC(),
			Position:   receiptPosition(receipt),
		}, nil
	}
	if sawSettle {
		return nil, fmt.Errorf("%w: %s", ErrDepositorMismatch, txHash.Hex())
	}
	return nil, fmt.Errorf("%w: %s", ErrNotSettlementTransaction, txHash.Hex())
}

func receiptPosition(receipt *gethtypes.Receipt) Position {
	pos := Position{Index: uint64(receipt.TransactionIndex)}
	if receipt.BlockNumber != nil {
		pos.Block = receipt.BlockNumber.Uint64()
	}
	return pos
}
