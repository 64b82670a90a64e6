package settlement_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"facilitatord/internal/bondledger"
	"facilitatord/internal/eip712"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/settlement"
	"facilitatord/internal/types"
	"facilitatord/internal/verification"
)

type fakeChain struct {
	mu sync.Mutex

	balance *big.Int

	submitErr    error
	submitHandle string
	submitCount  int

	receipt    *types.Receipt
	receiptErr error

	height uint64
}

func (f *fakeChain) BalanceOf(ctx context.Context, token, address string) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.balance, nil
}

func (f *fakeChain) IsAuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	return false, nil
}

func (f *fakeChain) SubmitTransfer(ctx context.Context, p types.PaymentAuthorization) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCount++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitHandle, nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, handle string, confirmations uint64) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (uint64, error) { return f.height, nil }

func (f *fakeChain) CurrentGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

type fakeBondChain struct {
	available *big.Int
}

func (f *fakeBondChain) CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int, deadline time.Time) error {
	return nil
}
func (f *fakeBondChain) ReleasePayment(ctx context.Context, paymentID string) error { return nil }
func (f *fakeBondChain) ClaimPayment(ctx context.Context, paymentID, provider string) error {
	return nil
}
func (f *fakeBondChain) Exposure(ctx context.Context) (*big.Int, error) { return big.NewInt(0), nil }
func (f *fakeBondChain) AvailableBond(ctx context.Context) (*big.Int, error) {
	return f.available, nil
}

func testDomain() eip712.Domain {
	return eip712.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           8453,
		VerifyingContract: "0x0000000000000000000000000000000000000099",
	}
}

func testLimits() riskstate.Limits {
	return riskstate.Limits{
		MaxPerTransaction:   big.NewInt(100_000_000),
		MaxPendingPerWallet: big.NewInt(500_000_000),
		DailyLimitPerWallet: big.NewInt(1_000_000_000),
		TierCapsUSD:         map[types.Tier]int64{types.TierUnknown: 100000},
		TokenDecimals:       6,
	}
}

func buildAuth(t *testing.T, value *big.Int, now time.Time) types.PaymentAuthorization {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	a := types.PaymentAuthorization{
		Token:       "0x0000000000000000000000000000000000000099",
		From:        from,
		To:          "0x0000000000000000000000000000000000000abc",
		Value:       value,
		ValidAfter:  now.Add(-time.Minute).Unix(),
		ValidBefore: now.Add(10 * time.Minute).Unix(),
		Nonce:       "0xabcd1234",
	}
	digest, err := eip712.TransferAuthDigest(testDomain(), a)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27
	a.Signature = "0x" + common.Bytes2Hex(sig)
	return a
}

func testRequirements() types.PaymentRequirements {
	return types.PaymentRequirements{
		PayTo:             "0x0000000000000000000000000000000000000abc",
		MaxAmountRequired: big.NewInt(1_000_000),
		TokenAddress:      "0x0000000000000000000000000000000000000099",
	}
}

func newEngine(chain *fakeChain, opts ...settlement.Option) (*settlement.Engine, *riskstate.Ledger) {
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), chain, risk)
	engine := settlement.New(risk, pipeline, chain, testDomain(), opts...)
	return engine, risk
}

func TestSettle_HappyPathSubmitsSuccessfully(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitHandle: "0xtxhash"}
	engine, risk := newEngine(chain)

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, "0xtxhash", resp.TransactionHandle)

	record, ok := risk.GetSettlement(resp.PaymentID)
	require.True(t, ok)
	require.Equal(t, types.SettlementSubmitted, record.Status)
}

func TestSettle_DuplicatePaymentRejected(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitHandle: "0xtxhash"}
	engine, _ := newEngine(chain)

	first := engine.Settle(context.Background(), auth, testRequirements())
	require.True(t, first.Success)

	second := engine.Settle(context.Background(), auth, testRequirements())
	require.False(t, second.Success)
	require.Equal(t, "payment_already_submitted", second.Error)
}

func TestSettle_SubmitFailureMarksRetry(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitErr: errors.New("rpc unreachable")}
	engine, risk := newEngine(chain)

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.False(t, resp.Success)
	require.Equal(t, "submission_failed", resp.Error)

	record, ok := risk.GetSettlement(resp.PaymentID)
	require.True(t, ok)
	require.Equal(t, types.SettlementRetry, record.Status)
	require.Equal(t, 1, record.Attempts)
}

func TestSettle_BondCapacityInsufficientBlocksSubmission(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitHandle: "0xtxhash"}
	bond := bondledger.New(&fakeBondChain{available: big.NewInt(100)})
	engine, _ := newEngine(chain, settlement.WithBond(bond))

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.False(t, resp.Success)
	require.Equal(t, "insufficient_bond_capacity", resp.Error)
	require.Equal(t, 0, chain.submitCount)
}

func TestSettle_BondCapacitySufficientCommitsAndSubmits(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitHandle: "0xtxhash"}
	bond := bondledger.New(&fakeBondChain{available: big.NewInt(10_000_000)})
	engine, _ := newEngine(chain, settlement.WithBond(bond))

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.True(t, resp.Success, resp.Error)
	require.Equal(t, 1, chain.submitCount)
}

func TestWorker_ConfirmsSuccessfulReceiptAndReleasesCredit(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitHandle: "0xtxhash", receipt: &types.Receipt{Status: 1}}
	engine, risk := newEngine(chain, settlement.WithRetryDelay(10*time.Millisecond))

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.True(t, resp.Success)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go engine.RunWorker(ctx)

	require.Eventually(t, func() bool {
		record, ok := risk.GetSettlement(resp.PaymentID)
		return ok && record.Status == types.SettlementConfirmed
	}, 500*time.Millisecond, 10*time.Millisecond)

	require.Equal(t, int64(0), risk.PendingForWallet(auth.From).Int64())
}

func TestWorker_ExhaustsRetriesAndMarksFailed(t *testing.T) {
	now := time.Now()
	auth := buildAuth(t, big.NewInt(1_000_000), now)
	chain := &fakeChain{submitErr: errors.New("rpc unreachable")}
	engine, risk := newEngine(chain, settlement.WithRetryDelay(10*time.Millisecond), settlement.WithMaxAttempts(1))

	resp := engine.Settle(context.Background(), auth, testRequirements())
	require.False(t, resp.Success)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go engine.RunWorker(ctx)

	require.Eventually(t, func() bool {
		record, ok := risk.GetSettlement(resp.PaymentID)
		return ok && record.Status == types.SettlementFailed
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestGetSettlement_UnknownIDNotFound(t *testing.T) {
	chain := &fakeChain{}
	engine, _ := newEngine(chain)
	_, ok := engine.GetSettlement("does-not-exist")
	require.False(t, ok)
}
