package chain

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// 4-byte selectors for the ERC-20 reads and writes the engine needs.
var (
	selDecimals  = common.FromHex("0x313ce567") // decimals()
	selSymbol    = common.FromHex("0x95d89b41") // symbol()
	selBalanceOf = common.FromHex("0x70a08231") // balanceOf(address)
	selAllowance = common.FromHex("0xdd62ed3e") // allowance(address,address)
	selApprove   = common.FromHex("0x095ea7b3") // approve(address,uint256)
)

// TokenDecimals reads a token's decimals, defaulting to 18 when the
// contract does not answer usably.
func (g *Gateway) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	res, err := g.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selDecimals})
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 18, nil
	}
	// ABI uint8 encoded as 32 bytes (big-endian)
	if len(res) < 32 {
		return uint8(new(big.Int).SetBytes(res).Uint64()), nil
	}
	return uint8(new(big.Int).SetBytes(res[len(res)-32:]).Uint64()), nil
}

// TokenSymbol reads a token's symbol, handling both dynamic-string and
// bytes32 encodings.
func (g *Gateway) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	out, err := g.CallContract(ctx, ethereum.CallMsg{To: &token, Data: selSymbol})
	if err != nil || len(out) == 0 {
		return "", err
	}
	// Dynamic string: offset @32, length @64, bytes after
	if len(out) >= 64 {
		l := new(big.Int).SetBytes(out[32:64]).Int64()
		if l > 0 && 64+int(l) <= len(out) {
			return string(out[64 : 64+int(l)]), nil
		}
	}
	// Fallback: bytes32 right-padded with zeros
	return strings.TrimRight(string(out), "\x00"), nil
}

// TokenBalance reads a token balance for an owner.
func (g *Gateway) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(owner.Bytes(), 32)...)
	res, err := g.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(res), nil
}

// TokenAllowance reads the amount a spender may move on the owner's behalf.
func (g *Gateway) TokenAllowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selAllowance...), common.LeftPadBytes(owner.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	res, err := g.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data})
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(res), nil
}

// ApproveCalldata builds the calldata for approve(spender, amount).
func ApproveCalldata(spender common.Address, amount *big.Int) []byte {
	data := append(append([]byte{}, selApprove...), common.LeftPadBytes(spender.Bytes(), 32)...)
	return append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
}
