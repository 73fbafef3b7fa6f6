package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wnt/chainswap/internal/chain"
)

const (
	fallbackSymbol   = "TOKEN"
	fallbackDecimals = 18
)

// Balance is a formatted balance read for display.
type Balance struct {
	Address   string   `json:"address"`
	Token     string   `json:"token,omitempty"`
	Symbol    string   `json:"symbol"`
	Decimals  uint8    `json:"decimals"`
	Raw       *big.Int `json:"raw"`
	Formatted string   `json:"formatted"`
}

// GetNativeBalance reads the native coin balance of an address.
func (e *Engine) GetNativeBalance(ctx context.Context, address string) (*Balance, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	addr := common.HexToAddress(address)

	raw, err := e.chain.NativeBalance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", addr.Hex(), err)
	}
	return &Balance{
		Address:   addr.Hex(),
		Symbol:    e.nativeSymbol,
		Decimals:  18,
		Raw:       raw,
		Formatted: formatNative(raw),
	}, nil
}

// GetTokenBalance reads an ERC-20 balance. Tokens with unreadable
// metadata still produce a result using placeholder symbol and
// 18 decimals.
func (e *Engine) GetTokenBalance(ctx context.Context, address, token string) (*Balance, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	addr := common.HexToAddress(address)
	tokenAddr := common.HexToAddress(token)

	raw, err := e.chain.TokenBalance(ctx, tokenAddr, addr)
	if err != nil {
		return nil, fmt.Errorf("token balance of %s: %w", addr.Hex(), err)
	}

	symbol, err := e.chain.TokenSymbol(ctx, tokenAddr)
	if err != nil || symbol == "" {
		symbol = fallbackSymbol
	}
	decimals, err := e.chain.TokenDecimals(ctx, tokenAddr)
	if err != nil {
		decimals = fallbackDecimals
	}

	return &Balance{
		Address:   addr.Hex(),
		Token:     tokenAddr.Hex(),
		Symbol:    symbol,
		Decimals:  decimals,
		Raw:       raw,
		Formatted: chain.FormatUnits(raw, int(decimals)),
	}, nil
}

func formatNative(wei *big.Int) string {
	return chain.FormatUnits(wei, 18)
}
