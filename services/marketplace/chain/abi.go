package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// LockerABIJSON describes the escrow contract surface consumed by the
// marketplace.
const LockerABIJSON = `[
  {"type":"function","name":"lockTokens","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"},{"name":"lockDuration","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"unlockTokens","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[{"name":"depositor","type":"address"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"locks","stateMutability":"view","inputs":[{"name":"depositor","type":"address"}],"outputs":[{"name":"amount","type":"uint256"},{"name":"unlockTime","type":"uint256"}]},
  {"type":"event","name":"TokensLocked","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"unlockTime","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokensUnlocked","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"TokensSettled","anonymous":false,"inputs":[{"name":"depositor","type":"address","indexed":true},{"name":"recipient","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"unlockTime","type":"uint256","indexed":false}]}
]`

// ERC20ABIJSON is the subset of the token standard the marketplace calls.
const ERC20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	LockerABI = mustParseABI(LockerABIJSON)
	ERC20ABI  = mustParseABI(ERC20ABIJSON)

	TokensLockedTopic   = LockerABI.Events["TokensLocked"].ID
	TokensUnlockedTopic = LockerABI.Events["TokensUnlocked"].ID
	TokensSettledTopic  = LockerABI.Events["TokensSettled"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
