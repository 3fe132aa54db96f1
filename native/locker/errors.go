package locker

import "errors"

var (
	ErrInvalidAmount         = errors.New("locker: amount must be greater than zero")
	ErrInvalidDuration       = errors.New("locker: lock duration out of range")
	ErrLockAlreadyActive     = errors.New("locker: lock already active")
	ErrInsufficientAllowance = errors.New("locker: insufficient allowance")
	ErrInsufficientBalance   = errors.New("locker: insufficient balance")
	ErrNoActiveLock          = errors.New("locker: no active lock")
	ErrLockNotMatured        = errors.New("locker: lock not matured")
	ErrLockExpired           = errors.New("locker: lock expired")
	ErrUnauthorized          = errors.New("locker: caller not authorised")
	ErrInvalidRecipient      = errors.New("locker: invalid recipient")
	ErrInvalidAddress        = errors.New("locker: invalid address")
	ErrReceiptNotFound       = errors.New("locker: receipt not found")
	ErrSupplyOverflow        = errors.New("locker: supply overflow")

	errNilState = errors.New("locker engine: state not configured")
)
