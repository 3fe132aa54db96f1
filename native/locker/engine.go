package locker

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"cryptobazaar/core/events"
	"cryptobazaar/storage"
)

// Engine runs the lock/release/settle state machine over a key-value store.
// Calls are applied one at a time: every call commits its mutations, the
// caller nonce and its receipt in a single batch, so a reverted call leaves
// only the nonce bump and the failed receipt behind.
type Engine struct {
	mu       sync.RWMutex
	db       storage.Database
	emitter  events.Emitter
	operator common.Address
	nowFn    func() int64
}

// NewEngine creates a ledger engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine(db storage.Database) *Engine {
	return &Engine{
		db:      db,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetOperator configures the only address allowed to settle live locks. The
// zero address disables settlement.
func (e *Engine) SetOperator(addr common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operator = addr
}

// Operator returns the configured settlement operator.
func (e *Engine) Operator() common.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.operator
}

func (e *Engine) now() uint64 {
	if e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	ts := e.nowFn()
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// TxHash derives the deterministic transaction hash of a call.
func TxHash(caller common.Address, nonce uint64, method string, args ...interface{}) common.Hash {
	if args == nil {
		args = []interface{}{}
	}
	payload, err := rlp.EncodeToBytes([]interface{}{caller, nonce, method, args})
	if err != nil {
		// Only encodable argument types reach this point.
		panic(fmt.Sprintf("locker: encode tx payload: %v", err))
	}
	return crypto.Keccak256Hash(payload)
}

type callFunc func(o *overlay, receipt *Receipt, now uint64) ([]events.Event, error)

func (e *Engine) apply(caller common.Address, method string, args []interface{}, fn callFunc) (*Receipt, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	base := newOverlay(e.db)
	nonce, err := base.nonce(caller)
	if err != nil {
		return nil, err
	}
	height, err := base.height()
	if err != nil {
		return nil, err
	}
	height++
	now := e.now()
	receipt := &Receipt{
		TxHash:    TxHash(caller, nonce, method, args...),
		Method:    method,
		Caller:    caller,
		Nonce:     nonce,
		Height:    height,
		Timestamp: now,
		Amount:    new(uint256.Int),
	}

	work := newOverlay(e.db)
	emitted, callErr := fn(work, receipt, now)
	if callErr != nil {
		work = newOverlay(e.db)
		receipt.Status = ReceiptStatusFailed
		receipt.Revert = callErr.Error()
		emitted = nil
	} else {
		receipt.Status = ReceiptStatusSuccessful
	}
	work.setNonce(caller, nonce+1)
	work.setHeight(height)
	if err := work.setReceipt(receipt); err != nil {
		return nil, err
	}
	if err := work.commit(); err != nil {
		return nil, fmt.Errorf("locker: commit %s: %w", method, err)
	}
	for _, evt := range emitted {
		e.emitter.Emit(evt)
	}
	return receipt.Clone(), callErr
}

func transfer(o *overlay, from, to common.Address, amount *uint256.Int) error {
	fromBal, err := o.balance(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	toBal, err := o.balance(to)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	newTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	o.setBalance(from, new(uint256.Int).Sub(fromBal, amount))
	o.setBalance(to, newTo)
	return nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// Mint credits newly issued tokens to an account. It is used to apply genesis
// allocations and does not produce a receipt.
func (e *Engine) Mint(to common.Address, amount *uint256.Int) error {
	if e == nil || e.db == nil {
		return errNilState
	}
	if to == (common.Address{}) {
		return ErrInvalidAddress
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o := newOverlay(e.db)
	supply, err := o.supply()
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return ErrSupplyOverflow
	}
	bal, err := o.balance(to)
	if err != nil {
		return err
	}
	o.setSupply(newSupply)
	o.setBalance(to, new(uint256.Int).Add(bal, amount))
	return o.commit()
}

// Approve sets the allowance spender may pull from owner. The new value
// replaces any prior allowance.
func (e *Engine) Approve(owner, spender common.Address, amount *uint256.Int) (*Receipt, error) {
	amt := cloneAmount(amount)
	return e.apply(owner, MethodApprove, []interface{}{spender, amt.ToBig()}, func(o *overlay, r *Receipt, _ uint64) ([]events.Event, error) {
		r.Amount = amt
		r.Recipient = spender
		if owner == (common.Address{}) || spender == (common.Address{}) {
			return nil, ErrInvalidAddress
		}
		o.setAllowance(owner, spender, amt)
		return nil, nil
	})
}

// Lock pulls amount from the caller into the vault and opens a lock that
// matures durationSeconds from now. The caller must have approved the vault
// for at least amount beforehand.
func (e *Engine) Lock(caller common.Address, amount *uint256.Int, durationSeconds uint64) (*Receipt, error) {
	amt := cloneAmount(amount)
	return e.apply(caller, MethodLock, []interface{}{amt.ToBig(), durationSeconds}, func(o *overlay, r *Receipt, now uint64) ([]events.Event, error) {
		r.Amount = amt
		r.Depositor = caller
		if amt.IsZero() {
			return nil, ErrInvalidAmount
		}
		if durationSeconds < MinDuration || durationSeconds > MaxDuration {
			return nil, ErrInvalidDuration
		}
		existing, err := o.lock(caller)
		if err != nil {
			return nil, err
		}
		if existing.Active() {
			return nil, ErrLockAlreadyActive
		}
		allowance, err := o.allowance(caller, VaultAddress)
		if err != nil {
			return nil, err
		}
		if allowance.Lt(amt) {
			return nil, ErrInsufficientAllowance
		}
		if err := transfer(o, caller, VaultAddress, amt); err != nil {
			return nil, err
		}
		o.setAllowance(caller, VaultAddress, new(uint256.Int).Sub(allowance, amt))
		unlock := now + durationSeconds
		if err := o.setLock(caller, Lock{Amount: amt, UnlockTime: unlock, TxHash: r.TxHash}); err != nil {
			return nil, err
		}
		r.UnlockTime = unlock
		return []events.Event{events.TokensLocked{User: caller, Amount: cloneAmount(amt), UnlockTime: unlock}}, nil
	})
}

// Release returns a matured lock in full to its depositor and empties the
// slot.
func (e *Engine) Release(caller common.Address) (*Receipt, error) {
	return e.apply(caller, MethodRelease, nil, func(o *overlay, r *Receipt, now uint64) ([]events.Event, error) {
		r.Depositor = caller
		current, err := o.lock(caller)
		if err != nil {
			return nil, err
		}
		if !current.Active() {
			return nil, ErrNoActiveLock
		}
		r.Amount = cloneAmount(current.Amount)
		r.UnlockTime = current.UnlockTime
		r.LockTxHash = current.TxHash
		if !current.Matured(now) {
			return nil, ErrLockNotMatured
		}
		if err := transfer(o, VaultAddress, caller, current.Amount); err != nil {
			return nil, err
		}
		if err := o.setLock(caller, Lock{}); err != nil {
			return nil, err
		}
		r.Recipient = caller
		return []events.Event{events.TokensUnlocked{User: caller, Amount: cloneAmount(current.Amount)}}, nil
	})
}

// Settle releases a live lock to recipient on behalf of the depositor. Only
// the configured operator may settle, and only before the lock matures; after
// maturity the tokens belong to the depositor's own Release.
func (e *Engine) Settle(operator, depositor, recipient common.Address) (*Receipt, error) {
	return e.apply(operator, MethodSettle, []interface{}{depositor, recipient}, func(o *overlay, r *Receipt, now uint64) ([]events.Event, error) {
		r.Depositor = depositor
		r.Recipient = recipient
		if e.operator == (common.Address{}) || operator != e.operator {
			return nil, ErrUnauthorized
		}
		if recipient == (common.Address{}) || recipient == VaultAddress {
			return nil, ErrInvalidRecipient
		}
		current, err := o.lock(depositor)
		if err != nil {
			return nil, err
		}
		if !current.Active() {
			return nil, ErrNoActiveLock
		}
		r.Amount = cloneAmount(current.Amount)
		r.UnlockTime = current.UnlockTime
		r.LockTxHash = current.TxHash
		if current.Matured(now) {
			return nil, ErrLockExpired
		}
		if err := transfer(o, VaultAddress, recipient, current.Amount); err != nil {
			return nil, err
		}
		if err := o.setLock(depositor, Lock{}); err != nil {
			return nil, err
		}
		return []events.Event{events.TokensSettled{Depositor: depositor, Recipient: recipient, Amount: cloneAmount(current.Amount), UnlockTime: current.UnlockTime}}, nil
	})
}

// LockOf returns the lock slot of depositor. An empty slot is returned with a
// zero amount and zero unlock time.
func (e *Engine) LockOf(depositor common.Address) (Lock, error) {
	if e == nil || e.db == nil {
		return Lock{}, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).lock(depositor)
}

// Receipt returns the stored outcome of a call.
func (e *Engine) Receipt(hash common.Hash) (*Receipt, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).receipt(hash)
}

// BalanceOf returns the free token balance of an account.
func (e *Engine) BalanceOf(addr common.Address) (*uint256.Int, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).balance(addr)
}

// Allowance returns how much spender may still pull from owner.
func (e *Engine) Allowance(owner, spender common.Address) (*uint256.Int, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).allowance(owner, spender)
}

// Nonce returns the number of calls the account has submitted.
func (e *Engine) Nonce(addr common.Address) (uint64, error) {
	if e == nil || e.db == nil {
		return 0, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).nonce(addr)
}

// TotalSupply returns the amount minted so far.
func (e *Engine) TotalSupply() (*uint256.Int, error) {
	if e == nil || e.db == nil {
		return nil, errNilState
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return newOverlay(e.db).supply()
}
