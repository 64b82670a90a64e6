// Package voucherstore persists the latest deferred-payment voucher per
// (id, buyer, seller) and settles it against an escrow contract's collect
// entry point. The store only ever advances monotonically: a voucher with a
// non-increasing nonce or value aggregate is rejected before it reaches the
// escrow contract.
package voucherstore

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"facilitatord/internal/types"
)

// VoucherTTL bounds how long a stored, unsettled voucher is retained.
const VoucherTTL = 7 * 24 * time.Hour

// Escrow is the capability set the on-chain escrow contract binding exposes.
// Production code implements this against the contract's ABI; tests
// substitute an in-memory fake.
type Escrow interface {
	Collect(ctx context.Context, v types.Voucher) (string, error)
	GetAccount(ctx context.Context, buyer string) (types.BuyerAccount, error)
	GetSettledNonce(ctx context.Context, id string) (uint64, error)
	GetCollectedValue(ctx context.Context, id string) (*big.Int, error)
}

type storeKey struct {
	id     string
	buyer  string
	seller string
}

func keyFor(id, buyer, seller string) storeKey {
	return storeKey{id: id, buyer: strings.ToLower(strings.TrimSpace(buyer)), seller: strings.ToLower(strings.TrimSpace(seller))}
}

// Store tracks the latest voucher per (id, buyer, seller) and mediates its
// settlement against Escrow.
type Store struct {
	escrow Escrow
	clock  func() time.Time

	mu       sync.RWMutex
	vouchers map[storeKey]*types.Voucher
	byBuyer  map[string]map[storeKey]struct{}
}

// New constructs a voucher store against the given escrow binding.
func New(escrow Escrow) *Store {
	return &Store{
		escrow:   escrow,
		clock:    time.Now,
		vouchers: make(map[storeKey]*types.Voucher),
		byBuyer:  make(map[string]map[storeKey]struct{}),
	}
}

// SetClock overrides the time source, primarily for tests.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

// StoreVoucher persists v as the latest voucher for its (id, buyer, seller)
// tuple, rejecting it as stale if a voucher with an equal or higher nonce, or
// an equal or higher value aggregate, is already stored for that tuple.
func (s *Store) StoreVoucher(v types.Voucher) error {
	key := keyFor(v.ID, v.Buyer, v.Seller)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.vouchers[key]; ok {
		if existing.Nonce >= v.Nonce {
			return types.ErrStaleVoucher
		}
		if existing.ValueAggregate != nil && v.ValueAggregate != nil && v.ValueAggregate.Cmp(existing.ValueAggregate) <= 0 {
			return types.ErrStaleVoucher
		}
	}

	stored := v
	stored.StoredAt = s.clock().UTC()
	s.vouchers[key] = &stored

	buyer := strings.ToLower(strings.TrimSpace(v.Buyer))
	if s.byBuyer[buyer] == nil {
		s.byBuyer[buyer] = make(map[storeKey]struct{})
	}
	s.byBuyer[buyer][key] = struct{}{}

	return nil
}

// SettleVoucher looks up the latest voucher for the tuple and, if present and
// unsettled, submits it to the escrow contract's collect entry point.
func (s *Store) SettleVoucher(ctx context.Context, id, buyer, seller string) (string, error) {
	key := keyFor(id, buyer, seller)

	s.mu.Lock()
	voucher, ok := s.vouchers[key]
	if !ok {
		s.mu.Unlock()
		return "", types.ErrVoucherNotFound
	}
	if voucher.Settled {
		s.mu.Unlock()
		return "", types.ErrVoucherSettled
	}
	snapshot := *voucher
	s.mu.Unlock()

	handle, err := s.escrow.Collect(ctx, snapshot)
	if err != nil {
		return "", fmt.Errorf("voucherstore: collect: %w", err)
	}

	s.mu.Lock()
	if current, ok := s.vouchers[key]; ok && current.Nonce == snapshot.Nonce {
		current.Settled = true
		current.SettledTxHandle = handle
	}
	s.mu.Unlock()

	return handle, nil
}

// GetLatest returns the currently stored voucher for a tuple, if any.
func (s *Store) GetLatest(id, buyer, seller string) (types.Voucher, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vouchers[keyFor(id, buyer, seller)]
	if !ok {
		return types.Voucher{}, false
	}
	return *v, true
}

// ListByBuyer returns every stored voucher indexed under buyer, purging any
// that have aged past VoucherTTL and remain unsettled.
func (s *Store) ListByBuyer(buyer string) []types.Voucher {
	buyer = strings.ToLower(strings.TrimSpace(buyer))
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.byBuyer[buyer]
	if !ok {
		return nil
	}
	out := make([]types.Voucher, 0, len(keys))
	for key := range keys {
		v, ok := s.vouchers[key]
		if !ok {
			delete(keys, key)
			continue
		}
		if !v.Settled && now.Sub(v.StoredAt) > VoucherTTL {
			delete(keys, key)
			delete(s.vouchers, key)
			continue
		}
		out = append(out, *v)
	}
	return out
}

// GetAccount reads the buyer's escrow balance state through to the contract.
func (s *Store) GetAccount(ctx context.Context, buyer string) (types.BuyerAccount, error) {
	return s.escrow.GetAccount(ctx, buyer)
}

// GetSettledNonce reads the on-chain settled nonce for a voucher id.
func (s *Store) GetSettledNonce(ctx context.Context, id string) (uint64, error) {
	return s.escrow.GetSettledNonce(ctx, id)
}

// GetCollectedValue reads the on-chain collected value aggregate for a
// voucher id, used to compute the delta a settlement will transfer.
func (s *Store) GetCollectedValue(ctx context.Context, id string) (*big.Int, error) {
	return s.escrow.GetCollectedValue(ctx, id)
}
