package locker

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"cryptobazaar/storage"
)

var (
	balancePrefix   = []byte("locker/balance/")
	allowancePrefix = []byte("locker/allowance/")
	lockPrefix      = []byte("locker/lock/")
	noncePrefix     = []byte("locker/nonce/")
	receiptPrefix   = []byte("locker/receipt/")
	supplyKey       = []byte("locker/supply")
	heightKey       = []byte("locker/height")
)

func balanceKey(addr common.Address) []byte {
	return append(append([]byte{}, balancePrefix...), addr.Bytes()...)
}

func allowanceKey(owner, spender common.Address) []byte {
	key := append(append([]byte{}, allowancePrefix...), owner.Bytes()...)
	return append(key, spender.Bytes()...)
}

func lockKey(addr common.Address) []byte {
	return append(append([]byte{}, lockPrefix...), addr.Bytes()...)
}

func nonceKey(addr common.Address) []byte {
	return append(append([]byte{}, noncePrefix...), addr.Bytes()...)
}

func receiptKey(hash common.Hash) []byte {
	return append(append([]byte{}, receiptPrefix...), hash.Bytes()...)
}

type lockRecord struct {
	Amount     *big.Int
	UnlockTime uint64
	TxHash     common.Hash `rlp:"optional"`
}

type receiptRecord struct {
	TxHash     common.Hash
	Method     string
	Caller     common.Address
	Nonce      uint64
	Status     uint64
	Revert     string
	Timestamp  uint64
	Amount     *big.Int
	UnlockTime uint64
	Depositor  common.Address
	Recipient  common.Address
	Height     uint64      `rlp:"optional"`
	LockTxHash common.Hash `rlp:"optional"`
}

// overlay stages the writes of a single call on top of the backing database.
// Reads observe staged values first. Nothing reaches the database until
// commit writes every staged mutation in one batch.
type overlay struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]struct{}
	order   []string
}

func newOverlay(db storage.Database) *overlay {
	return &overlay{
		db:      db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *overlay) get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if _, gone := o.deletes[k]; gone {
		return nil, false, nil
	}
	if v, ok := o.writes[k]; ok {
		return v, true, nil
	}
	v, err := o.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (o *overlay) touch(k string) {
	for _, existing := range o.order {
		if existing == k {
			return
		}
	}
	o.order = append(o.order, k)
}

func (o *overlay) put(key, value []byte) {
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = value
	o.touch(k)
}

func (o *overlay) del(key []byte) {
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	o.touch(k)
}

func (o *overlay) commit() error {
	batch := o.db.NewBatch()
	for _, k := range o.order {
		if _, gone := o.deletes[k]; gone {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), o.writes[k])
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func (o *overlay) getUint(key []byte) (*uint256.Int, error) {
	raw, ok, err := o.get(key)
	if err != nil || !ok {
		return new(uint256.Int), err
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("locker: corrupt value at %x", key)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func (o *overlay) putUint(key []byte, v *uint256.Int) {
	if v == nil || v.IsZero() {
		o.del(key)
		return
	}
	o.put(key, v.Bytes())
}

func (o *overlay) balance(addr common.Address) (*uint256.Int, error) {
	return o.getUint(balanceKey(addr))
}

func (o *overlay) setBalance(addr common.Address, v *uint256.Int) {
	o.putUint(balanceKey(addr), v)
}

func (o *overlay) allowance(owner, spender common.Address) (*uint256.Int, error) {
	return o.getUint(allowanceKey(owner, spender))
}

func (o *overlay) setAllowance(owner, spender common.Address, v *uint256.Int) {
	o.putUint(allowanceKey(owner, spender), v)
}

func (o *overlay) supply() (*uint256.Int, error) {
	return o.getUint(supplyKey)
}

func (o *overlay) setSupply(v *uint256.Int) {
	o.putUint(supplyKey, v)
}

func (o *overlay) nonce(addr common.Address) (uint64, error) {
	v, err := o.getUint(nonceKey(addr))
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (o *overlay) setNonce(addr common.Address, n uint64) {
	o.putUint(nonceKey(addr), uint256.NewInt(n))
}

func (o *overlay) height() (uint64, error) {
	v, err := o.getUint(heightKey)
	if err != nil {
		return 0, err
	}
	return v.Uint64(), nil
}

func (o *overlay) setHeight(h uint64) {
	o.putUint(heightKey, uint256.NewInt(h))
}

func (o *overlay) lock(addr common.Address) (Lock, error) {
	raw, ok, err := o.get(lockKey(addr))
	if err != nil {
		return Lock{}, err
	}
	if !ok {
		return Lock{Amount: new(uint256.Int)}, nil
	}
	var rec lockRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return Lock{}, fmt.Errorf("locker: decode lock: %w", err)
	}
	amount, overflow := uint256.FromBig(rec.Amount)
	if overflow {
		return Lock{}, fmt.Errorf("locker: corrupt lock amount for %s", addr.Hex())
	}
	return Lock{Amount: amount, UnlockTime: rec.UnlockTime, TxHash: rec.TxHash}, nil
}

func (o *overlay) setLock(addr common.Address, l Lock) error {
	if !l.Active() {
		o.del(lockKey(addr))
		return nil
	}
	raw, err := rlp.EncodeToBytes(&lockRecord{Amount: l.Amount.ToBig(), UnlockTime: l.UnlockTime, TxHash: l.TxHash})
	if err != nil {
		return err
	}
	o.put(lockKey(addr), raw)
	return nil
}

func (o *overlay) receipt(hash common.Hash) (*Receipt, error) {
	raw, ok, err := o.get(receiptKey(hash))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrReceiptNotFound
	}
	var rec receiptRecord
	if err := rlp.DecodeBytes(raw, &rec); err != nil {
		return nil, fmt.Errorf("locker: decode receipt: %w", err)
	}
	amount, overflow := uint256.FromBig(rec.Amount)
	if overflow {
		return nil, fmt.Errorf("locker: corrupt receipt amount for %s", hash.Hex())
	}
	return &Receipt{
		TxHash:     rec.TxHash,
		Method:     rec.Method,
		Caller:     rec.Caller,
		Nonce:      rec.Nonce,
		Status:     rec.Status,
		Revert:     rec.Revert,
		Timestamp:  rec.Timestamp,
		Amount:     amount,
		UnlockTime: rec.UnlockTime,
		Depositor:  rec.Depositor,
		Recipient:  rec.Recipient,
		Height:     rec.Height,
		LockTxHash: rec.LockTxHash,
	}, nil
}

func (o *overlay) setReceipt(r *Receipt) error {
	amount := new(big.Int)
	if r.Amount != nil {
		amount = r.Amount.ToBig()
	}
	raw, err := rlp.EncodeToBytes(&receiptRecord{
		TxHash:     r.TxHash,
		Method:     r.Method,
		Caller:     r.Caller,
		Nonce:      r.Nonce,
		Status:     r.Status,
		Revert:     r.Revert,
		Timestamp:  r.Timestamp,
		Amount:     amount,
		UnlockTime: r.UnlockTime,
		Depositor:  r.Depositor,
		Recipient:  r.Recipient,
		Height:     r.Height,
		LockTxHash: r.LockTxHash,
	})
	if err != nil {
		return err
	}
	o.put(receiptKey(r.TxHash), raw)
	return nil
}
