package bondledger_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"facilitatord/internal/bondledger"
	"facilitatord/internal/types"
)

type fakeChain struct {
	mu        sync.Mutex
	available *big.Int
	committed map[string]bool
	released  map[string]bool
	claimed   map[string]bool
}

func newFakeChain(available int64) *fakeChain {
	return &fakeChain{
		available: big.NewInt(available),
		committed: map[string]bool{},
		released:  map[string]bool{},
		claimed:   map[string]bool{},
	}
}

func (f *fakeChain) CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[paymentID] = true
	f.available = new(big.Int).Sub(f.available, amount)
	return nil
}

func (f *fakeChain) ReleasePayment(ctx context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[paymentID] = true
	return nil
}

func (f *fakeChain) ClaimPayment(ctx context.Context, paymentID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[paymentID] = true
	return nil
}

func (f *fakeChain) Exposure(ctx context.Context) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (f *fakeChain) AvailableBond(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.available), nil
}

func TestCommitPayment_RejectsDuplicateID(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)

	err := ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100))
	require.NoError(t, err)

	err = ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100))
	require.ErrorIs(t, err, types.ErrBondAlreadyExists)
}

func TestReleasePayment_SecondCallReturnsAlreadyResolved(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)

	require.NoError(t, ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100)))
	require.NoError(t, ledger.ReleasePayment(context.Background(), "pay-1", "USDC"))

	err := ledger.ReleasePayment(context.Background(), "pay-1", "USDC")
	require.ErrorIs(t, err, types.ErrBondAlreadyResolved)
}

func TestClaimPayment_RejectsBeforeDeadline(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)
	now := time.Now()
	ledger.SetNowFunc(func() time.Time { return now })

	require.NoError(t, ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100)))

	err := ledger.ClaimPayment(context.Background(), "pay-1", "0xprovider", "USDC")
	require.ErrorIs(t, err, types.ErrBondDeadlineNotPassed)
}

func TestClaimPayment_SucceedsPastDeadline(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)
	now := time.Now()
	ledger.SetNowFunc(func() time.Time { return now })

	require.NoError(t, ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100)))

	ledger.SetNowFunc(func() time.Time { return now.Add(bondledger.CommitDeadline + time.Second) })
	err := ledger.ClaimPayment(context.Background(), "pay-1", "0xprovider", "USDC")
	require.NoError(t, err)

	err = ledger.ClaimPayment(context.Background(), "pay-1", "0xprovider", "USDC")
	require.ErrorIs(t, err, types.ErrBondAlreadyResolved)
}

func TestClaimPayment_RejectsWrongProvider(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)
	now := time.Now()
	ledger.SetNowFunc(func() time.Time { return now })

	require.NoError(t, ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100)))
	ledger.SetNowFunc(func() time.Time { return now.Add(bondledger.CommitDeadline + time.Second) })

	err := ledger.ClaimPayment(context.Background(), "pay-1", "0xsomeoneelse", "USDC")
	require.ErrorIs(t, err, types.ErrBondUnauthorized)
}

func TestHasCapacity(t *testing.T) {
	chain := newFakeChain(500)
	ledger := bondledger.New(chain)

	ok, err := ledger.HasCapacity(context.Background(), big.NewInt(400))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.HasCapacity(context.Background(), big.NewInt(600))
	require.NoError(t, err)
	require.False(t, ok)
}

type emitterSpy struct {
	commits, releases, claims int
}

func (e *emitterSpy) OnCommit(string, string, *big.Int) { e.commits++ }
func (e *emitterSpy) OnRelease(string, string)          { e.releases++ }
func (e *emitterSpy) OnClaim(string, string)            { e.claims++ }

func TestSetEmitter_ReceivesLifecycleEvents(t *testing.T) {
	chain := newFakeChain(1_000_000)
	ledger := bondledger.New(chain)
	spy := &emitterSpy{}
	ledger.SetEmitter(spy)

	require.NoError(t, ledger.CommitPayment(context.Background(), "pay-1", "0xprovider", "USDC", big.NewInt(100)))
	require.NoError(t, ledger.ReleasePayment(context.Background(), "pay-1", "USDC"))

	require.Equal(t, 1, spy.commits)
	require.Equal(t, 1, spy.releases)
	require.Equal(t, 0, spy.claims)
}
