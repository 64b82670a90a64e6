package kvstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"facilitatord/internal/kvstore"
)

func openStore(t *testing.T) *kvstore.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "db")
	store, err := kvstore.Open(dir, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	_, err := kvstore.Open("   ", "test")
	require.Error(t, err)
}

func TestPendingRoundTrip(t *testing.T) {
	store := openStore(t)

	_, ok, err := store.GetPending("0xAlice")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.PutPending("0xAlice", "1500000"))
	amount, ok, err := store.GetPending("0xalice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1500000", amount)
}

func TestDailyRoundTrip(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.PutDaily("0xAlice", "2026-08-06", "900000"))

	amount, ok, err := store.GetDaily("0xAlice", "2026-08-06")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "900000", amount)

	_, ok, err = store.GetDaily("0xAlice", "2026-08-07")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFirstSeenRoundTrip(t *testing.T) {
	store := openStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.PutFirstSeen("0xAlice", now))

	got, ok, err := store.GetFirstSeen("0xAlice")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, now.Equal(got))
}

type settlementRecord struct {
	ID     string
	Status string
}

func TestSettlementPendingSetLifecycle(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.PutSettlement("pay-1", settlementRecord{ID: "pay-1", Status: "pending"}))
	require.NoError(t, store.PutSettlement("pay-2", settlementRecord{ID: "pay-2", Status: "pending"}))

	var record settlementRecord
	ok, err := store.GetSettlement("pay-1", &record)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "pending", record.Status)

	ids, err := store.PendingSettlementIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"pay-1", "pay-2"}, ids)

	require.NoError(t, store.RemoveFromPendingSet("pay-1"))
	ids, err = store.PendingSettlementIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"pay-2"}, ids)
}

type voucherRecord struct {
	ID    string
	Nonce uint64
}

func TestVoucherIndexByBuyer(t *testing.T) {
	store := openStore(t)

	require.NoError(t, store.PutVoucher("v1", "0xBuyer", "0xSeller", voucherRecord{ID: "v1", Nonce: 1}))
	require.NoError(t, store.PutVoucher("v2", "0xBuyer", "0xOtherSeller", voucherRecord{ID: "v2", Nonce: 1}))

	var record voucherRecord
	ok, err := store.GetVoucher("v1", "0xBuyer", "0xSeller", &record)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), record.Nonce)

	keys, err := store.VoucherKeysByBuyer("0xBuyer")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestLock_SecondAcquireFailsUntilExpiry(t *testing.T) {
	store := openStore(t)

	token, acquired, err := store.Lock("resource-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)

	_, acquired, err = store.Lock("resource-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, acquired)

	time.Sleep(100 * time.Millisecond)
	token2, acquired, err := store.Lock("resource-1", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEqual(t, token, token2)
}

func TestUnlock_MismatchedTokenIsNoop(t *testing.T) {
	store := openStore(t)

	token, acquired, err := store.Lock("resource-1", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, store.Unlock("resource-1", "wrong-token"))

	_, acquired, err = store.Lock("resource-1", time.Second)
	require.NoError(t, err)
	require.False(t, acquired)

	require.NoError(t, store.Unlock("resource-1", token))
	_, acquired, err = store.Lock("resource-1", time.Second)
	require.NoError(t, err)
	require.True(t, acquired)
}

func TestLock_TTLClampedToMax(t *testing.T) {
	store := openStore(t)
	token, acquired, err := store.Lock("resource-1", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NotEmpty(t, token)
}
