package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Minimal ABI covering the ERC-20 surface the engine touches plus the
// wrapped-asset deposit entry point.
const wrappedAssetABIJSON = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"deposit","type":"function","stateMutability":"payable","inputs":[],"outputs":[]}
]`

var wrappedAssetABI = mustParseABI(wrappedAssetABIJSON)

// MaxApproval is the allowance granted on first use of a spender, amortising
// the approval cost across future trades.
var MaxApproval = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse wrapped asset abi: %v", err))
	}
	return parsed
}

// PackBalanceOf encodes an ERC-20 balanceOf call.
func PackBalanceOf(owner common.Address) ([]byte, error) {
	return wrappedAssetABI.Pack("balanceOf", owner)
}

// PackAllowance encodes an ERC-20 allowance call.
func PackAllowance(owner, spender common.Address) ([]byte, error) {
	return wrappedAssetABI.Pack("allowance", owner, spender)
}

// PackApprove encodes an ERC-20 approve call.
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return wrappedAssetABI.Pack("approve", spender, amount)
}

// PackTransfer encodes an ERC-20 transfer call.
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return wrappedAssetABI.Pack("transfer", to, amount)
}

// PackDeposit encodes the wrapped asset's deposit call. The native value to
// convert rides on the call's Value field.
func PackDeposit() ([]byte, error) {
	return wrappedAssetABI.Pack("deposit")
}

func unpackUint256(method string, data []byte) (*big.Int, error) {
	values, err := wrappedAssetABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: unexpected output arity %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected output type %T", method, values[0])
	}
	return value, nil
}
