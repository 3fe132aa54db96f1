package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cryptobazaar/core/types"
)

const (
	TypeTokensLocked   = "TokensLocked"
	TypeTokensUnlocked = "TokensUnlocked"
	TypeTokensSettled  = "TokensSettled"
)

type TokensLocked struct {
	User       common.Address
	Amount     *uint256.Int
	UnlockTime uint64
}

func (TokensLocked) EventType() string { return TypeTokensLocked }

func (e TokensLocked) Event() *types.Event {
	return &types.Event{
		Type: TypeTokensLocked,
		Attributes: map[string]string{
			"user":       e.User.Hex(),
			"amount":     formatAmount(e.Amount),
			"unlockTime": strconv.FormatUint(e.UnlockTime, 10),
		},
	}
}

type TokensUnlocked struct {
	User   common.Address
	Amount *uint256.Int
}

func (TokensUnlocked) EventType() string { return TypeTokensUnlocked }

func (e TokensUnlocked) Event() *types.Event {
	return &types.Event{
		Type: TypeTokensUnlocked,
		Attributes: map[string]string{
			"user":   e.User.Hex(),
			"amount": formatAmount(e.Amount),
		},
	}
}

// TokensSettled records an operator-directed release of a live lock to a
// buyer. UnlockTime identifies the lock that was settled.
type TokensSettled struct {
	Depositor  common.Address
	Recipient  common.Address
	Amount     *uint256.Int
	UnlockTime uint64
}

func (TokensSettled) EventType() string { return TypeTokensSettled }

func (e TokensSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeTokensSettled,
		Attributes: map[string]string{
			"depositor":  e.Depositor.Hex(),
			"recipient":  e.Recipient.Hex(),
			"amount":     formatAmount(e.Amount),
			"unlockTime": strconv.FormatUint(e.UnlockTime, 10),
		},
	}
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
