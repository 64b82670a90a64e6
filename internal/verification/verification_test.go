package verification_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"facilitatord/internal/eip712"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/types"
	"facilitatord/internal/verification"
)

type fakeChain struct {
	balance      *big.Int
	balanceErr   error
	nonceUsed    bool
	nonceUsedErr error
}

func (f *fakeChain) BalanceOf(ctx context.Context, token, address string) (*big.Int, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.balance, nil
}

func (f *fakeChain) IsAuthorizationUsed(ctx context.Context, token, authorizer, nonce string) (bool, error) {
	return f.nonceUsed, f.nonceUsedErr
}

func (f *fakeChain) SubmitTransfer(ctx context.Context, p types.PaymentAuthorization) (string, error) {
	return "", nil
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, handle string, confirmations uint64) (*types.Receipt, error) {
	return nil, nil
}

func (f *fakeChain) CurrentHeight(ctx context.Context) (uint64, error) { return 0, nil }

func (f *fakeChain) CurrentGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(0), nil }

func testDomain() eip712.Domain {
	return eip712.Domain{
		Name:              "USD Coin",
		Version:           "2",
		ChainID:           8453,
		VerifyingContract: "0x0000000000000000000000000000000000000099",
	}
}

// signedAuthorization builds a PaymentAuthorization signed by a freshly
// generated key, valid for the given window relative to now.
func signedAuthorization(t *testing.T, to string, value *big.Int, now time.Time, validAfter, validBefore time.Duration) (types.PaymentAuthorization, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	auth := types.PaymentAuthorization{
		Token:       "0x0000000000000000000000000000000000000099",
		From:        from,
		To:          to,
		Value:       value,
		ValidAfter:  now.Add(validAfter).Unix(),
		ValidBefore: now.Add(validBefore).Unix(),
		Nonce:       "0xabcd1234",
	}

	digest, err := eip712.TransferAuthDigest(testDomain(), auth)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sig[64] += 27
	auth.Signature = "0x" + common.Bytes2Hex(sig)
	return auth, from
}

func testLimits() riskstate.Limits {
	return riskstate.Limits{
		MaxPerTransaction:   big.NewInt(10_000_000),
		MaxPendingPerWallet: big.NewInt(50_000_000),
		DailyLimitPerWallet: big.NewInt(100_000_000),
		TierCapsUSD: map[types.Tier]int64{
			types.TierUnknown: 1000,
		},
		TokenDecimals: 6,
	}
}

func testRequirements(from string) types.PaymentRequirements {
	return types.PaymentRequirements{
		PayTo:             "0x0000000000000000000000000000000000000abc",
		MaxAmountRequired: big.NewInt(1_000_000),
		TokenAddress:      "0x0000000000000000000000000000000000000099",
	}
}

func TestVerify_HappyPath(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 10*time.Minute)
	risk := riskstate.New(testLimits())
	chain := &fakeChain{balance: big.NewInt(5_000_000)}
	pipeline := verification.New(testDomain(), chain, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.True(t, result.Valid, result.Reason)
	require.Equal(t, 0, result.WalletBalance.Cmp(big.NewInt(5_000_000)))
}

func TestVerify_TokenMismatch(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 10*time.Minute)
	auth.Token = "0x0000000000000000000000000000000000000fff"
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), &fakeChain{}, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrTokenMismatch)
}

func TestVerify_InsufficientAmount(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(500_000), now, -time.Minute, 10*time.Minute)
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), &fakeChain{}, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrInsufficientAmount)
}

func TestVerify_ExpiresTooSoonWithinHeadroom(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 60*time.Second)
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), &fakeChain{}, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrExpiresTooSoon)
}

func TestVerify_NotYetValid(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, time.Hour, 2*time.Hour)
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), &fakeChain{}, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrExpiredOrNotYet)
}

func TestVerify_NonceAlreadyUsed(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 10*time.Minute)
	risk := riskstate.New(testLimits())
	chain := &fakeChain{balance: big.NewInt(5_000_000), nonceUsed: true}
	pipeline := verification.New(testDomain(), chain, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrNonceAlreadyUsed)
}

func TestVerify_InsufficientBalance(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 10*time.Minute)
	risk := riskstate.New(testLimits())
	chain := &fakeChain{balance: big.NewInt(100)}
	pipeline := verification.New(testDomain(), chain, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrInsufficientBalance)
}

func TestVerify_RiskGateRejectsOverPerTransactionCap(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(20_000_000), now, -time.Minute, 10*time.Minute)
	limits := testLimits()
	risk := riskstate.New(limits)
	chain := &fakeChain{balance: big.NewInt(50_000_000)}
	pipeline := verification.New(testDomain(), chain, risk)
	pipeline.Clock = func() time.Time { return now }

	req := testRequirements(auth.From)
	req.MaxAmountRequired = big.NewInt(1_000_000)
	result := pipeline.Verify(context.Background(), auth, req)
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrExceedsPerTx)
}

func TestVerify_BadSignatureRejected(t *testing.T) {
	now := time.Now()
	auth, _ := signedAuthorization(t, "0x0000000000000000000000000000000000000abc", big.NewInt(1_000_000), now, -time.Minute, 10*time.Minute)
	sig := common.FromHex(auth.Signature)
	sig[0] ^= 0xff
	auth.Signature = "0x" + common.Bytes2Hex(sig)
	risk := riskstate.New(testLimits())
	pipeline := verification.New(testDomain(), &fakeChain{balance: big.NewInt(5_000_000)}, risk)
	pipeline.Clock = func() time.Time { return now }

	result := pipeline.Verify(context.Background(), auth, testRequirements(auth.From))
	require.False(t, result.Valid)
	require.ErrorIs(t, result.Reason, types.ErrInvalidSignature)
}

func TestReasonString_MapsKnownErrors(t *testing.T) {
	require.Equal(t, "token_mismatch", verification.ReasonString(types.ErrTokenMismatch))
	require.Equal(t, "exceeds_daily", verification.ReasonString(types.ErrExceedsDaily))
	require.Equal(t, "internal_error", verification.ReasonString(nil))
}
