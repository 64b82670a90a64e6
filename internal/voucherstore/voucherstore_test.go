package voucherstore_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"facilitatord/internal/types"
	"facilitatord/internal/voucherstore"
)

type fakeEscrow struct {
	collectHandle string
	collectErr    error
	collected     []types.Voucher
	settledNonce  uint64
	account       types.BuyerAccount
}

func (f *fakeEscrow) Collect(ctx context.Context, v types.Voucher) (string, error) {
	if f.collectErr != nil {
		return "", f.collectErr
	}
	f.collected = append(f.collected, v)
	return f.collectHandle, nil
}

func (f *fakeEscrow) GetAccount(ctx context.Context, buyer string) (types.BuyerAccount, error) {
	return f.account, nil
}

func (f *fakeEscrow) GetSettledNonce(ctx context.Context, id string) (uint64, error) {
	return f.settledNonce, nil
}

func (f *fakeEscrow) GetCollectedValue(ctx context.Context, id string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func voucher(id string, nonce uint64) types.Voucher {
	return types.Voucher{
		ID:             id,
		Buyer:          "0xBuyer",
		Seller:         "0xSeller",
		ValueAggregate: big.NewInt(1000),
		Asset:          "USDC",
		Nonce:          nonce,
		Signature:      "0xsig",
	}
}

func TestStoreVoucher_RejectsNonIncreasingNonce(t *testing.T) {
	store := voucherstore.New(&fakeEscrow{})
	require.NoError(t, store.StoreVoucher(voucher("v1", 5)))

	err := store.StoreVoucher(voucher("v1", 5))
	require.ErrorIs(t, err, types.ErrStaleVoucher)

	err = store.StoreVoucher(voucher("v1", 3))
	require.ErrorIs(t, err, types.ErrStaleVoucher)
}

func TestStoreVoucher_AcceptsHigherNonce(t *testing.T) {
	store := voucherstore.New(&fakeEscrow{})
	require.NoError(t, store.StoreVoucher(voucher("v1", 5)))
	next := voucher("v1", 6)
	next.ValueAggregate = big.NewInt(2000)
	require.NoError(t, store.StoreVoucher(next))

	latest, ok := store.GetLatest("v1", "0xBuyer", "0xSeller")
	require.True(t, ok)
	require.Equal(t, uint64(6), latest.Nonce)
}

func TestSettleVoucher_NotFound(t *testing.T) {
	store := voucherstore.New(&fakeEscrow{})
	_, err := store.SettleVoucher(context.Background(), "missing", "0xBuyer", "0xSeller")
	require.ErrorIs(t, err, types.ErrVoucherNotFound)
}

func TestSettleVoucher_AlreadySettledRejected(t *testing.T) {
	escrow := &fakeEscrow{collectHandle: "0xtx1"}
	store := voucherstore.New(escrow)
	require.NoError(t, store.StoreVoucher(voucher("v1", 1)))

	handle, err := store.SettleVoucher(context.Background(), "v1", "0xBuyer", "0xSeller")
	require.NoError(t, err)
	require.Equal(t, "0xtx1", handle)

	_, err = store.SettleVoucher(context.Background(), "v1", "0xBuyer", "0xSeller")
	require.ErrorIs(t, err, types.ErrVoucherSettled)
	require.Len(t, escrow.collected, 1)
}

func TestSettleVoucher_CollectFailureLeavesUnsettled(t *testing.T) {
	failing := &fakeEscrow{collectErr: errNotAvailable{}}
	store := voucherstore.New(failing)
	require.NoError(t, store.StoreVoucher(voucher("v1", 1)))

	_, err := store.SettleVoucher(context.Background(), "v1", "0xBuyer", "0xSeller")
	require.Error(t, err)

	latest, ok := store.GetLatest("v1", "0xBuyer", "0xSeller")
	require.True(t, ok)
	require.False(t, latest.Settled)
}

type errNotAvailable struct{}

func (errNotAvailable) Error() string { return "escrow unavailable" }

func TestListByBuyer_PurgesExpiredUnsettledVouchers(t *testing.T) {
	store := voucherstore.New(&fakeEscrow{})
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	require.NoError(t, store.StoreVoucher(voucher("v1", 1)))

	store.SetClock(func() time.Time { return now.Add(voucherstore.VoucherTTL + time.Hour) })
	vouchers := store.ListByBuyer("0xBuyer")
	require.Empty(t, vouchers)

	_, ok := store.GetLatest("v1", "0xBuyer", "0xSeller")
	require.False(t, ok)
}

func TestListByBuyer_KeepsSettledVouchersPastTTL(t *testing.T) {
	escrow := &fakeEscrow{collectHandle: "0xtx1"}
	store := voucherstore.New(escrow)
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	require.NoError(t, store.StoreVoucher(voucher("v1", 1)))
	_, err := store.SettleVoucher(context.Background(), "v1", "0xBuyer", "0xSeller")
	require.NoError(t, err)

	store.SetClock(func() time.Time { return now.Add(voucherstore.VoucherTTL + time.Hour) })
	vouchers := store.ListByBuyer("0xBuyer")
	require.Len(t, vouchers, 1)
	require.True(t, vouchers[0].Settled)
}

func TestGetAccount_DelegatesToEscrow(t *testing.T) {
	escrow := &fakeEscrow{account: types.BuyerAccount{Balance: big.NewInt(500)}}
	store := voucherstore.New(escrow)

	account, err := store.GetAccount(context.Background(), "0xBuyer")
	require.NoError(t, err)
	require.Equal(t, int64(500), account.Balance.Int64())
}
