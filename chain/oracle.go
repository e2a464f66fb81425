package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EVMBackend is the subset of the Ethereum RPC surface the oracle uses.
type EVMBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialBackend initialises an EVM RPC client for the provided endpoint.
func DialBackend(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMOracle reads native and wrapped asset balances from an Ethereum node.
type EVMOracle struct {
	backend EVMBackend
	wrapped common.Address
}

// NewEVMOracle constructs an oracle bound to the wrapped asset contract.
func NewEVMOracle(backend EVMBackend, wrapped common.Address) *EVMOracle {
	return &EVMOracle{backend: backend, wrapped: wrapped}
}

// NativeBalance returns the address's native asset balance at head.
func (o *EVMOracle) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if o == nil || o.backend == nil {
		return nil, fmt.Errorf("oracle not configured")
	}
	balance, err := o.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", addr.Hex(), err)
	}
	return balance, nil
}

// WrappedBalance returns the address's wrapped asset balance at head.
func (o *EVMOracle) WrappedBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(addr)
	if err != nil {
		return nil, err
	}
	raw, err := o.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("wrapped balance of %s: %w", addr.Hex(), err)
	}
	return unpackUint256("balanceOf", raw)
}

// Allowance returns the wrapped asset allowance granted by owner to spender.
func (o *EVMOracle) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	data, err := PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	raw, err := o.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("allowance %s->%s: %w", owner.Hex(), spender.Hex(), err)
	}
	return unpackUint256("allowance", raw)
}

func (o *EVMOracle) call(ctx context.Context, data []byte) ([]byte, error) {
	if o == nil || o.backend == nil {
		return nil, fmt.Errorf("oracle not configured")
	}
	msg := ethereum.CallMsg{To: &o.wrapped, Data: data}
	return o.backend.CallContract(ctx, msg, nil)
}
