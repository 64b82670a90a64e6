// Package riskstate maintains the per-wallet pending/daily/tier ledger and the
// settlement record map under wallet- and settlement-scoped locking, closing
// the TOCTOU window between a risk check and its corresponding reservation.
package riskstate

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"facilitatord/internal/types"
)

// Limits configures the absolute and tiered risk gates.
type Limits struct {
	MaxPerTransaction   *big.Int
	MaxPendingPerWallet *big.Int
	DailyLimitPerWallet *big.Int
	TierCapsUSD         map[types.Tier]int64
	TokenDecimals       uint8
}

// tokenCapForTier returns the configured USD cap for a tier converted to token units.
func (l Limits) tokenCapForTier(t types.Tier) *big.Int {
	usd, ok := l.TierCapsUSD[t]
	if !ok {
		usd = l.TierCapsUSD[types.TierUnknown]
	}
	multiplier := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(l.TokenDecimals)), nil)
	return new(big.Int).Mul(big.NewInt(usd), multiplier)
}

// CheckResult is the outcome of a pure risk gate evaluation.
type CheckResult struct {
	Allowed bool
	Reason  error
	Score   int
	Detail  string
}

// Ledger is the risk state machine: three wallet-keyed maps, a settlement map,
// and a set of non-terminal payment ids, each protected by scoped locks.
type Ledger struct {
	limits Limits

	walletMu sync.Map // addr -> *sync.Mutex
	wallets  sync.Map // addr -> *walletState

	settlementMu sync.Map // paymentID -> *sync.Mutex
	settlements  sync.Map // paymentID -> *types.SettlementRecord

	nonTerminalMu sync.Mutex
	nonTerminal   map[string]struct{}

	clock func() time.Time
}

type walletState struct {
	pending      *big.Int
	daily        *big.Int
	dailyDateKey string
	firstSeen    time.Time
	tierOverride *types.Tier
}

// New constructs an empty ledger with the supplied limits.
func New(limits Limits) *Ledger {
	return &Ledger{
		limits:      limits,
		nonTerminal: make(map[string]struct{}),
		clock:       time.Now,
	}
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func (l *Ledger) walletLock(addr string) *sync.Mutex {
	actual, _ := l.walletMu.LoadOrStore(addr, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (l *Ledger) settlementLock(id string) *sync.Mutex {
	actual, _ := l.settlementMu.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (l *Ledger) loadOrInitWallet(addr string) *walletState {
	actual, loaded := l.wallets.Load(addr)
	if loaded {
		return actual.(*walletState)
	}
	fresh := &walletState{
		pending:   big.NewInt(0),
		daily:     big.NewInt(0),
		firstSeen: l.clock().UTC(),
	}
	actual, _ = l.wallets.LoadOrStore(addr, fresh)
	return actual.(*walletState)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (l *Ledger) tierFor(w *walletState) types.Tier {
	if w.tierOverride != nil {
		return *w.tierOverride
	}
	age := l.clock().Sub(w.firstSeen)
	switch {
	case age >= 30*24*time.Hour:
		return types.TierHistory30D
	case age >= 7*24*time.Hour:
		return types.TierHistory7D
	default:
		return types.TierUnknown
	}
}

func (l *Ledger) effectiveDailyCap(tier types.Tier) *big.Int {
	tierCap := l.limits.tokenCapForTier(tier)
	if l.limits.DailyLimitPerWallet == nil {
		return tierCap
	}
	if tierCap.Cmp(l.limits.DailyLimitPerWallet) < 0 {
		return tierCap
	}
	return l.limits.DailyLimitPerWallet
}

// CheckPayment runs the three risk gates in order under the wallet lock and
// returns the first failure, or an allowed result. Callers that intend to
// reserve credit on an allowed result must call CheckAndReserve instead to
// avoid a TOCTOU race with a concurrent reservation on the same wallet.
func (l *Ledger) CheckPayment(addr string, value *big.Int) CheckResult {
	addr = normalize(addr)
	mu := l.walletLock(addr)
	mu.Lock()
	defer mu.Unlock()
	return l.checkLocked(addr, value)
}

func (l *Ledger) checkLocked(addr string, value *big.Int) CheckResult {
	w := l.loadOrInitWallet(addr)

	if l.limits.MaxPerTransaction != nil && value.Cmp(l.limits.MaxPerTransaction) > 0 {
		return CheckResult{Allowed: false, Reason: types.ErrExceedsPerTx, Score: 80,
			Detail: fmt.Sprintf("max per transaction is %s", l.limits.MaxPerTransaction.String())}
	}

	prospectivePending := new(big.Int).Add(w.pending, value)
	if l.limits.MaxPendingPerWallet != nil && prospectivePending.Cmp(l.limits.MaxPendingPerWallet) > 0 {
		return CheckResult{Allowed: false, Reason: types.ErrExceedsPending, Score: 70,
			Detail: fmt.Sprintf("max pending per wallet is %s", l.limits.MaxPendingPerWallet.String())}
	}

	today := dateKey(l.clock())
	dailyUsed := w.daily
	if w.dailyDateKey != today {
		dailyUsed = big.NewInt(0)
	}
	tier := l.tierFor(w)
	cap := l.effectiveDailyCap(tier)
	prospectiveDaily := new(big.Int).Add(dailyUsed, value)
	if cap != nil && prospectiveDaily.Cmp(cap) > 0 {
		return CheckResult{Allowed: false, Reason: types.ErrExceedsDaily, Score: 60,
			Detail: fmt.Sprintf("effective daily cap is %s", cap.String())}
	}

	return CheckResult{Allowed: true, Score: 0}
}

// ReserveCredit inserts a pending settlement record and reserves credit
// against the wallet's pending total. Call under the same wallet lock as any
// preceding CheckPayment via CheckAndReserve to close the TOCTOU window.
func (l *Ledger) ReserveCredit(id string, p types.PaymentAuthorization, req types.PaymentRequirements, maxAttempts int) {
	addr := normalize(p.From)
	mu := l.walletLock(addr)
	mu.Lock()
	defer mu.Unlock()
	l.reserveLocked(id, addr, p, req, maxAttempts)
}

func (l *Ledger) reserveLocked(id, addr string, p types.PaymentAuthorization, req types.PaymentRequirements, maxAttempts int) {
	w := l.loadOrInitWallet(addr)
	w.pending = new(big.Int).Add(w.pending, p.Value)

	now := l.clock().UTC()
	record := &types.SettlementRecord{
		PaymentID:    id,
		Payment:      p,
		Requirements: req,
		Status:       types.SettlementPending,
		Attempts:     0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.settlements.Store(id, record)

	l.nonTerminalMu.Lock()
	l.nonTerminal[id] = struct{}{}
	l.nonTerminalMu.Unlock()
}

// CheckAndReserve atomically evaluates CheckPayment and, if allowed, performs
// ReserveCredit under a single hold of the wallet lock, closing the TOCTOU
// window between the two operations.
func (l *Ledger) CheckAndReserve(id string, p types.PaymentAuthorization, req types.PaymentRequirements, maxAttempts int) CheckResult {
	addr := normalize(p.From)
	mu := l.walletLock(addr)
	mu.Lock()
	defer mu.Unlock()

	result := l.checkLocked(addr, p.Value)
	if !result.Allowed {
		return result
	}
	l.reserveLocked(id, addr, p, req, maxAttempts)
	return result
}

// ReleaseCredit subtracts the reserved value from pending, rolls the value
// into the daily bucket on success, and transitions the settlement to a
// terminal state.
func (l *Ledger) ReleaseCredit(id string, success bool) error {
	recordAny, ok := l.settlements.Load(id)
	if !ok {
		return types.ErrSettlementNotFound
	}
	record := recordAny.(*types.SettlementRecord)
	addr := normalize(record.Payment.From)

	mu := l.walletLock(addr)
	mu.Lock()
	defer mu.Unlock()

	sMu := l.settlementLock(id)
	sMu.Lock()
	defer sMu.Unlock()

	w := l.loadOrInitWallet(addr)
	w.pending = new(big.Int).Sub(w.pending, record.Payment.Value)
	if w.pending.Sign() < 0 {
		w.pending = big.NewInt(0)
	}

	if success {
		today := dateKey(l.clock())
		if w.dailyDateKey != today {
			w.daily = big.NewInt(0)
			w.dailyDateKey = today
		}
		w.daily = new(big.Int).Add(w.daily, record.Payment.Value)
	}

	now := l.clock().UTC()
	record.UpdatedAt = now
	if success {
		record.Status = types.SettlementConfirmed
	} else {
		record.Status = types.SettlementFailed
	}

	l.nonTerminalMu.Lock()
	delete(l.nonTerminal, id)
	l.nonTerminalMu.Unlock()

	return nil
}

// UpdatePendingSettlement applies a shallow patch to a settlement record under
// its per-id lock. Must be called only from the settlement engine or the FCR
// updater; concurrent patches on the same id serialize on the lock.
func (l *Ledger) UpdatePendingSettlement(id string, patch types.SettlementPatch) error {
	recordAny, ok := l.settlements.Load(id)
	if !ok {
		return types.ErrSettlementNotFound
	}
	record := recordAny.(*types.SettlementRecord)

	sMu := l.settlementLock(id)
	sMu.Lock()
	defer sMu.Unlock()

	if patch.Status != nil {
		record.Status = *patch.Status
	}
	if patch.TxHandle != nil {
		record.TxHandle = *patch.TxHandle
	}
	if patch.Attempts != nil {
		record.Attempts = *patch.Attempts
	}
	if patch.LastError != nil {
		record.LastError = *patch.LastError
	}
	if patch.TipsetHeight != nil {
		record.TipsetHeight = *patch.TipsetHeight
	}
	if patch.ConfirmationLevel != nil {
		record.ConfirmationLevel = *patch.ConfirmationLevel
	}
	if patch.F3Instance != nil {
		record.F3Instance = *patch.F3Instance
	}
	if patch.F3Round != nil {
		record.F3Round = *patch.F3Round
	}
	if patch.F3Phase != nil {
		record.F3Phase = *patch.F3Phase
	}
	if patch.ConfirmedAt != nil {
		record.ConfirmedAt = patch.ConfirmedAt
	}
	record.UpdatedAt = l.clock().UTC()
	return nil
}

// GetSettlement returns a copy of the settlement record for id.
func (l *Ledger) GetSettlement(id string) (types.SettlementRecord, bool) {
	recordAny, ok := l.settlements.Load(id)
	if !ok {
		return types.SettlementRecord{}, false
	}
	sMu := l.settlementLock(id)
	sMu.Lock()
	defer sMu.Unlock()
	return *recordAny.(*types.SettlementRecord), true
}

// NonTerminalIDs returns a snapshot of payment ids still in flight.
func (l *Ledger) NonTerminalIDs() []string {
	l.nonTerminalMu.Lock()
	defer l.nonTerminalMu.Unlock()
	ids := make([]string, 0, len(l.nonTerminal))
	for id := range l.nonTerminal {
		ids = append(ids, id)
	}
	return ids
}

// PendingForWallet returns the current pending total for a wallet.
func (l *Ledger) PendingForWallet(addr string) *big.Int {
	w := l.loadOrInitWallet(normalize(addr))
	return new(big.Int).Set(w.pending)
}

// SetTierOverride pins a wallet's tier regardless of age.
func (l *Ledger) SetTierOverride(addr string, tier types.Tier) {
	addr = normalize(addr)
	mu := l.walletLock(addr)
	mu.Lock()
	defer mu.Unlock()
	w := l.loadOrInitWallet(addr)
	t := tier
	w.tierOverride = &t
}

// HealthSnapshot summarizes ledger-wide counters for the health endpoint.
type HealthSnapshot struct {
	PendingSettlements int
	TotalPendingAmount *big.Int
	DistinctWallets    int
}

// Snapshot computes a point-in-time summary across all non-terminal
// settlements. It is read-only and does not hold any single lock for its
// whole duration, so it is only approximately consistent under concurrent
// mutation — sufficient for a health endpoint, not for invariant checks.
func (l *Ledger) Snapshot() HealthSnapshot {
	ids := l.NonTerminalIDs()
	total := big.NewInt(0)
	wallets := make(map[string]struct{})
	for _, id := range ids {
		record, ok := l.GetSettlement(id)
		if !ok {
			continue
		}
		total = new(big.Int).Add(total, record.Payment.Value)
		wallets[normalize(record.Payment.From)] = struct{}{}
	}
	return HealthSnapshot{
		PendingSettlements: len(ids),
		TotalPendingAmount: total,
		DistinctWallets:    len(wallets),
	}
}
