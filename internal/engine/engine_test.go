package engine

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wnt/chainswap/internal/chain"
	"github.com/wnt/chainswap/internal/funding"
	"github.com/wnt/chainswap/internal/ledger"
	"github.com/wnt/chainswap/internal/models"
	"github.com/wnt/chainswap/internal/quote"
	"github.com/wnt/chainswap/internal/wallets"
)

type fakeChain struct {
	mu sync.Mutex

	chainID        *big.Int
	nativeBalances map[common.Address]*big.Int
	decimals       map[common.Address]uint8
	symbols        map[common.Address]string
	tokenBalances  map[string]*big.Int
	allowances     map[string]*big.Int

	nonce       uint64
	sent        []*coretypes.Transaction
	sendErr     error
	revertAll   bool
	decimalsErr error
	symbolErr   error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:        big.NewInt(1074),
		nativeBalances: map[common.Address]*big.Int{},
		decimals:       map[common.Address]uint8{},
		symbols:        map[common.Address]string{},
		tokenBalances:  map[string]*big.Int{},
		allowances:     map[string]*big.Int{},
	}
}

func (c *fakeChain) ChainID() *big.Int { return c.chainID }

func (c *fakeChain) NativeBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.nativeBalances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) TokenDecimals(_ context.Context, token common.Address) (uint8, error) {
	if c.decimalsErr != nil {
		return 0, c.decimalsErr
	}
	return c.decimals[token], nil
}

func (c *fakeChain) TokenSymbol(_ context.Context, token common.Address) (string, error) {
	if c.symbolErr != nil {
		return "", c.symbolErr
	}
	return c.symbols[token], nil
}

func (c *fakeChain) TokenBalance(_ context.Context, token, owner common.Address) (*big.Int, error) {
	if b, ok := c.tokenBalances[token.Hex()+"|"+owner.Hex()]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) TokenAllowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if a, ok := c.allowances[token.Hex()+"|"+owner.Hex()+"|"+spender.Hex()]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (c *fakeChain) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	c.nonce++
	return nil
}

func (c *fakeChain) WaitMined(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	status := uint64(1)
	if c.revertAll {
		status = 0
	}
	return &coretypes.Receipt{Status: status, TxHash: hash}, nil
}

type fakeQuoter struct {
	quote   *quote.Quote
	err     error
	lastReq quote.Params
}

func (q *fakeQuoter) GetQuote(_ context.Context, p quote.Params) (*quote.Quote, error) {
	q.lastReq = p
	if q.err != nil {
		return nil, q.err
	}
	return q.quote, nil
}

func (q *fakeQuoter) Native(token string) bool {
	upper := strings.ToUpper(strings.TrimSpace(token))
	return upper == "ETH" || upper == "SMR"
}

type fundingCall struct {
	addr common.Address
	min  *big.Int
}

type fakeFunder struct {
	calls  []fundingCall
	err    error
	master common.Address
}

func (f *fakeFunder) EnsureFunded(_ context.Context, addr common.Address, minBalance *big.Int) (funding.FundingResult, error) {
	f.calls = append(f.calls, fundingCall{addr: addr, min: new(big.Int).Set(minBalance)})
	if f.err != nil {
		return funding.FundingResult{}, f.err
	}
	return funding.FundingResult{Funded: true, TxHash: "0xfund"}, nil
}

func (f *fakeFunder) MasterAddress() common.Address { return f.master }

func (f *fakeFunder) MasterBalance(_ context.Context) (*big.Int, error) {
	return big.NewInt(5e18), nil
}

type fakeVault struct {
	keys      map[string]*ecdsa.PrivateKey
	generated int
}

func newFakeVault() *fakeVault {
	return &fakeVault{keys: map[string]*ecdsa.PrivateKey{}}
}

func (v *fakeVault) Generate() (common.Address, string, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, "", err
	}
	v.generated++
	material := fmt.Sprintf("material-%d", v.generated)
	v.keys[material] = priv
	return crypto.PubkeyToAddress(priv.PublicKey), material, nil
}

func (v *fakeVault) Decrypt(material string) (*ecdsa.PrivateKey, error) {
	priv, ok := v.keys[material]
	if !ok {
		return nil, errors.New("unknown key material")
	}
	// Hand out a copy so scrubbing after use does not corrupt the vault.
	return crypto.ToECDSA(crypto.FromECDSA(priv))
}

type testRig struct {
	engine  *Engine
	chain   *fakeChain
	quoter  *fakeQuoter
	funder  *fakeFunder
	vault   *fakeVault
	entries *ledger.MemoryStore
	wallets *wallets.MemoryStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	swapTarget := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	rig := &testRig{
		chain: newFakeChain(),
		quoter: &fakeQuoter{quote: &quote.Quote{
			To:              swapTarget.Hex(),
			Data:            "0xdeadbeef",
			Value:           "0",
			BuyAmount:       "123450000",
			EstimatedGas:    "210000",
			AllowanceTarget: spender.Hex(),
		}},
		funder:  &fakeFunder{master: common.HexToAddress("0x00000000000000000000000000000000000000ff")},
		vault:   newFakeVault(),
		entries: ledger.NewMemoryStore(),
		wallets: wallets.NewMemoryStore(),
	}

	gasReserve, err := chain.ParseUnits("0.002", 18)
	require.NoError(t, err)
	fundingMin, err := chain.ParseUnits("0.02", 18)
	require.NoError(t, err)

	eng, err := New(rig.chain, rig.quoter, rig.funder, rig.vault, rig.entries, rig.wallets, Config{
		GasReserve:             gasReserve,
		FundingMin:             fundingMin,
		NativeSymbol:           "SMR",
		DefaultSlippagePercent: 1.0,
		SubmitTimeout:          5 * time.Second,
	}, zerolog.New(&bytes.Buffer{}))
	require.NoError(t, err)
	rig.engine = eng
	return rig
}

func (r *testRig) custodialWallet(t *testing.T, userID string) *models.Wallet {
	t.Helper()
	addr, material, err := r.vault.Generate()
	require.NoError(t, err)
	w, err := r.wallets.SaveCustodial(context.Background(), userID, addr.Hex(), material)
	require.NoError(t, err)
	return w
}

func (r *testRig) soleEntry(t *testing.T, userID string) *models.LedgerEntry {
	t.Helper()
	entries, err := r.entries.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return &entries[0]
}

func TestSwapNativeCompleted(t *testing.T) {
	rig := newTestRig(t)
	w := rig.custodialWallet(t, "user-1")
	rig.quoter.quote.Value = "50000000000000000" // 0.05 native

	res, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.05", 1.0)
	require.NoError(t, err)
	assert.Equal(t, "123450000", res.BuyAmount)
	assert.NotEmpty(t, res.TxHash)

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusCompleted, entry.Status)
	assert.Equal(t, res.TxHash, entry.TxHash)
	assert.Equal(t, models.KindSwap, entry.Kind)
	assert.Equal(t, w.Address, entry.FromWallet)
	require.NotNil(t, entry.CompletedAt)

	// Exactly one transaction carrying the quote's value and calldata.
	require.Len(t, rig.chain.sent, 1)
	tx := rig.chain.sent[0]
	assert.Equal(t, "50000000000000000", tx.Value().String())
	assert.Equal(t, common.FromHex("0xdeadbeef"), tx.Data())

	// Funding was asked for gas reserve plus the sold native amount.
	require.Len(t, rig.funder.calls, 1)
	want, _ := chain.ParseUnits("0.052", 18)
	assert.Equal(t, want, rig.funder.calls[0].min)
}

func TestSwapTokenSkipsApprovalWhenCovered(t *testing.T) {
	rig := newTestRig(t)
	w := rig.custodialWallet(t, "user-1")

	token := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	spender := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	rig.chain.decimals[token] = 6
	amount := big.NewInt(2_500_000) // 2.5 at 6 decimals
	rig.chain.allowances[token.Hex()+"|"+common.HexToAddress(w.Address).Hex()+"|"+spender.Hex()] = new(big.Int).Set(amount)

	_, err := rig.engine.Swap(context.Background(), "user-1", token.Hex(), "SMR", "2.5", 1.0)
	require.NoError(t, err)

	require.Len(t, rig.chain.sent, 1)
	assert.Equal(t, amount, rig.quoter.lastReq.SellAmount)

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusCompleted, entry.Status)
}

func TestSwapTokenApprovesWhenShort(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")

	token := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	rig.chain.decimals[token] = 6

	_, err := rig.engine.Swap(context.Background(), "user-1", token.Hex(), "SMR", "2.5", 1.0)
	require.NoError(t, err)

	// Approval first, then the swap itself.
	require.Len(t, rig.chain.sent, 2)
	approval := rig.chain.sent[0]
	assert.Equal(t, token, *approval.To())
	assert.Equal(t, common.FromHex("0x095ea7b3"), approval.Data()[:4])
	assert.Less(t, approval.Nonce(), rig.chain.sent[1].Nonce())
}

func TestSwapBroadcastFailureMarksEntryFailed(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")
	rig.chain.sendErr = errors.New("connection reset")

	_, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)
	require.Error(t, err)

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusFailed, entry.Status)
	assert.Contains(t, entry.ErrorDetail, "connection reset")
}

func TestSwapRevertMarksEntryFailed(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")
	rig.chain.revertAll = true

	_, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)

	var reverted *TransactionRevertedError
	require.ErrorAs(t, err, &reverted)

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusFailed, entry.Status)
	assert.Equal(t, reverted.TxHash, entry.TxHash)
}

func TestSwapQuoteFailureLeavesNoEntry(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")
	rig.quoter.err = &quote.NoQuoteAvailableError{LastErr: errors.New("all endpoints down")}

	_, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)
	require.Error(t, err)

	entries, err := rig.entries.ListByUser(context.Background(), "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSwapFundingShortfallSurfaces(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")
	rig.funder.err = &funding.MasterWalletUnderfundedError{
		MasterAddress: rig.funder.master,
		Shortfall:     big.NewInt(1),
		Balance:       big.NewInt(0),
	}

	_, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)
	require.Error(t, err)

	var underfunded *funding.MasterWalletUnderfundedError
	assert.ErrorAs(t, err, &underfunded)
	assert.Empty(t, rig.chain.sent)
}

func TestSwapWithoutWallet(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)
	assert.ErrorIs(t, err, ErrNoWallet)
}

func TestSwapExternalWalletRejected(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.wallets.ConnectExternal(context.Background(), "user-1", "0x00000000000000000000000000000000000000ee")
	require.NoError(t, err)

	_, err = rig.engine.Swap(context.Background(), "user-1", "SMR", "0x00000000000000000000000000000000000000cc", "0.01", 1.0)
	assert.ErrorIs(t, err, ErrNotCustodial)
}

func TestCreateOrConnectWalletGeneratesOnce(t *testing.T) {
	rig := newTestRig(t)

	first, err := rig.engine.CreateOrConnectWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, first.IsConnected)
	assert.Equal(t, models.WalletCustodial, first.WalletType)

	// Fresh wallets get a best-effort top-up to the funding minimum.
	require.Len(t, rig.funder.calls, 1)
	want, _ := chain.ParseUnits("0.02", 18)
	assert.Equal(t, want, rig.funder.calls[0].min)

	second, err := rig.engine.CreateOrConnectWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.Address, second.Address)
	assert.Equal(t, 1, rig.vault.generated)
	assert.Len(t, rig.funder.calls, 1)
}

func TestCreateOrConnectWalletSurvivesFundingFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.funder.err = errors.New("master unreachable")

	w, err := rig.engine.CreateOrConnectWallet(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, w.IsConnected)
}

func TestWithdrawToFiatCompletes(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")

	res, err := rig.engine.WithdrawToFiat(context.Background(), "user-1", "150.00")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Reference, "sim_withdraw_"))

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusCompleted, entry.Status)
	assert.Equal(t, models.KindWithdraw, entry.Kind)
	assert.Equal(t, "USD", entry.Token)
	assert.Equal(t, res.Reference, entry.TxHash)
}

// failingCompleteStore simulates a store whose terminal update breaks
// after the entry was created.
type failingCompleteStore struct {
	ledger.Store
	completeErr error
}

func (s *failingCompleteStore) MarkCompleted(_ context.Context, _, _ string) error {
	return s.completeErr
}

func TestWithdrawToFiatStoreFailureLeavesNoPendingEntry(t *testing.T) {
	rig := newTestRig(t)
	wrapped := &failingCompleteStore{Store: rig.entries, completeErr: errors.New("db connection lost")}

	eng, err := New(rig.chain, rig.quoter, rig.funder, rig.vault, wrapped, rig.wallets, Config{}, zerolog.New(&bytes.Buffer{}))
	require.NoError(t, err)

	_, err = eng.WithdrawToFiat(context.Background(), "user-1", "25.00")
	require.Error(t, err)

	entry := rig.soleEntry(t, "user-1")
	assert.Equal(t, models.StatusFailed, entry.Status)
	assert.Contains(t, entry.ErrorDetail, "db connection lost")
}

func TestSwapZeroDecimalsToken(t *testing.T) {
	rig := newTestRig(t)
	rig.custodialWallet(t, "user-1")

	// The token genuinely reports zero decimals; one whole unit is one
	// base unit.
	token := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	rig.chain.decimals[token] = 0

	_, err := rig.engine.Swap(context.Background(), "user-1", token.Hex(), "SMR", "5", 1.0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), rig.quoter.lastReq.SellAmount)
}

func TestGetTokenBalanceZeroDecimals(t *testing.T) {
	rig := newTestRig(t)

	owner := common.HexToAddress("0x0000000000000000000000000000000000000011")
	token := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	rig.chain.decimals[token] = 0
	rig.chain.symbols[token] = "TKT"
	rig.chain.tokenBalances[token.Hex()+"|"+owner.Hex()] = big.NewInt(7)

	bal, err := rig.engine.GetTokenBalance(context.Background(), owner.Hex(), token.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint8(0), bal.Decimals)
	assert.Equal(t, "7", bal.Formatted)
	assert.Equal(t, "TKT", bal.Symbol)
}

func TestGetTokenBalanceFallbacks(t *testing.T) {
	rig := newTestRig(t)
	rig.chain.symbolErr = errors.New("execution reverted")
	rig.chain.decimalsErr = errors.New("execution reverted")

	owner := common.HexToAddress("0x0000000000000000000000000000000000000011")
	token := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	rig.chain.tokenBalances[token.Hex()+"|"+owner.Hex()] = big.NewInt(1e18)

	bal, err := rig.engine.GetTokenBalance(context.Background(), owner.Hex(), token.Hex())
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", bal.Symbol)
	assert.Equal(t, uint8(18), bal.Decimals)
	assert.Equal(t, "1", bal.Formatted)
}

func TestStatusWithoutWallet(t *testing.T) {
	rig := newTestRig(t)

	st, err := rig.engine.Status(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestMasterStatus(t *testing.T) {
	rig := newTestRig(t)

	st, err := rig.engine.Master(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rig.funder.master.Hex(), st.Address)
	assert.Equal(t, "5", st.Balance)
}
