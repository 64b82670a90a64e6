// Package bondledger translates the facilitator's commit/release/claim intent
// into calls against an on-chain bond contract. At-most-one resolution per
// payment id, deadline monotonicity, and ledger conservation are safety
// properties the contract enforces; the Ledger also refuses, from its local
// view, a second release or claim of a commitment it has already seen
// resolved. The adapter treats the contract as an authoritative remote
// resource whose operations may fail and must be retried only with care.
package bondledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"facilitatord/internal/types"
)

// CommitDeadline is the on-chain window after which a provider may claim an
// unresolved bond commitment.
const CommitDeadline = 10 * time.Minute

// Chain is the capability set a bond contract binding must expose. Production
// code implements this against the bond contract's ABI; tests substitute an
// in-memory fake.
type Chain interface {
	CommitPayment(ctx context.Context, paymentID, provider string, amount *big.Int, deadline time.Time) error
	ReleasePayment(ctx context.Context, paymentID string) error
	ClaimPayment(ctx context.Context, paymentID, provider string) error
	Exposure(ctx context.Context) (*big.Int, error)
	AvailableBond(ctx context.Context) (*big.Int, error)
}

// Emitter observes bond lifecycle transitions for metrics/audit purposes.
type Emitter interface {
	OnCommit(paymentID, asset string, amount *big.Int)
	OnRelease(paymentID, asset string)
	OnClaim(paymentID, asset string)
}

type noopEmitter struct{}

func (noopEmitter) OnCommit(string, string, *big.Int) {}
func (noopEmitter) OnRelease(string, string)          {}
func (noopEmitter) OnClaim(string, string)             {}

// Ledger tracks the facilitator's local view of bond commitments, mirroring
// on-chain state for fast reads while delegating all mutating operations to
// the chain binding.
type Ledger struct {
	chain   Chain
	emitter Emitter
	nowFn   func() time.Time

	mu          sync.RWMutex
	commitments map[string]*types.BondCommitment
}

// New constructs a bond ledger against the given chain binding.
func New(chain Chain) *Ledger {
	return &Ledger{
		chain:       chain,
		emitter:     noopEmitter{},
		nowFn:       time.Now,
		commitments: make(map[string]*types.BondCommitment),
	}
}

// SetEmitter configures the lifecycle observer. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(e Emitter) {
	if e == nil {
		e = noopEmitter{}
	}
	l.emitter = e
}

// SetNowFunc overrides the time source, primarily for tests.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.nowFn = now
}

// CommitPayment opens a bond commitment for id. Not safe to retry blindly: the
// contract's id-uniqueness guard means a retried call after a transport
// failure whose write actually landed will fail with ErrBondAlreadyExists.
func (l *Ledger) CommitPayment(ctx context.Context, id, provider, asset string, amount *big.Int) error {
	l.mu.Lock()
	if _, exists := l.commitments[id]; exists {
		l.mu.Unlock()
		return types.ErrBondAlreadyExists
	}
	l.mu.Unlock()

	deadline := l.nowFn().Add(CommitDeadline)
	if err := l.chain.CommitPayment(ctx, id, provider, amount, deadline); err != nil {
		return fmt.Errorf("bondledger: commit: %w", err)
	}

	l.mu.Lock()
	l.commitments[id] = &types.BondCommitment{
		PaymentID:   id,
		Provider:    provider,
		Amount:      new(big.Int).Set(amount),
		CommittedAt: l.nowFn().UTC(),
		Deadline:    deadline,
	}
	l.mu.Unlock()

	l.emitter.OnCommit(id, asset, amount)
	return nil
}

// ReleasePayment releases a bond commitment back to the facilitator. Idempotent
// in the failure direction: a second call against an already-released
// commitment returns ErrBondAlreadyResolved rather than mutating state twice.
func (l *Ledger) ReleasePayment(ctx context.Context, id, asset string) error {
	l.mu.Lock()
	commitment, ok := l.commitments[id]
	if !ok {
		l.mu.Unlock()
		return types.ErrBondNotFound
	}
	if commitment.Settled || commitment.Claimed {
		l.mu.Unlock()
		return types.ErrBondAlreadyResolved
	}
	l.mu.Unlock()

	if err := l.chain.ReleasePayment(ctx, id); err != nil {
		return fmt.Errorf("bondledger: release: %w", err)
	}

	l.mu.Lock()
	commitment.Settled = true
	l.mu.Unlock()

	l.emitter.OnRelease(id, asset)
	return nil
}

// ClaimPayment lets the provider claim a commitment past its deadline. Only
// valid once the deadline has passed and the commitment has not already been
// settled or claimed.
func (l *Ledger) ClaimPayment(ctx context.Context, id, provider, asset string) error {
	l.mu.Lock()
	commitment, ok := l.commitments[id]
	if !ok {
		l.mu.Unlock()
		return types.ErrBondNotFound
	}
	if !strings.EqualFold(commitment.Provider, provider) {
		l.mu.Unlock()
		return types.ErrBondUnauthorized
	}
	if commitment.Settled || commitment.Claimed {
		l.mu.Unlock()
		return types.ErrBondAlreadyResolved
	}
	if l.nowFn().Before(commitment.Deadline) {
		l.mu.Unlock()
		return types.ErrBondDeadlineNotPassed
	}
	l.mu.Unlock()

	if err := l.chain.ClaimPayment(ctx, id, provider); err != nil {
		return fmt.Errorf("bondledger: claim: %w", err)
	}

	l.mu.Lock()
	commitment.Claimed = true
	l.mu.Unlock()

	l.emitter.OnClaim(id, asset)
	return nil
}

// GetExposure reads the aggregate outstanding collateral from the chain.
func (l *Ledger) GetExposure(ctx context.Context) (*big.Int, error) {
	return l.chain.Exposure(ctx)
}

// GetAvailableBond reads the remaining uncommitted bond balance.
func (l *Ledger) GetAvailableBond(ctx context.Context) (*big.Int, error) {
	return l.chain.AvailableBond(ctx)
}

// HasCapacity reports whether the available bond covers amount.
func (l *Ledger) HasCapacity(ctx context.Context, amount *big.Int) (bool, error) {
	available, err := l.chain.AvailableBond(ctx)
	if err != nil {
		return false, err
	}
	return available.Cmp(amount) >= 0, nil
}

// Get returns the local view of a commitment, if any.
func (l *Ledger) Get(id string) (types.BondCommitment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	commitment, ok := l.commitments[id]
	if !ok {
		return types.BondCommitment{}, false
	}
	return *commitment, true
}
