// Package settlement implements the synchronous submit path and the
// background confirmation worker that together move a payment from
// verification through bond commit, on-chain submission, retry, and FCR
// tracking to a terminal state.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"facilitatord/internal/bondledger"
	"facilitatord/internal/chainrpc"
	"facilitatord/internal/eip712"
	"facilitatord/internal/fcr"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/types"
	"facilitatord/internal/verification"
)

// DefaultMaxAttempts is the settlement retry ceiling absent configuration.
const DefaultMaxAttempts = 5

// DefaultRetryDelay is the background worker's tick interval absent configuration.
const DefaultRetryDelay = 5 * time.Second

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxAttempts overrides the default retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay overrides the background worker's tick interval.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryDelay = d
		}
	}
}

// WithBond enables bond commitment for settlements against provider addresses.
func WithBond(ledger *bondledger.Ledger) Option {
	return func(e *Engine) {
		e.bond = ledger
		e.bondEnabled = true
	}
}

// WithFCR wires the FCR monitor for confirmation level tracking.
func WithFCR(monitor *fcr.Monitor) Option {
	return func(e *Engine) {
		e.fcr = monitor
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics wires an observer for settlement lifecycle events.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Metrics is the observer interface the engine reports lifecycle events to.
type Metrics interface {
	RecordSubmit(asset string, d time.Duration)
	RecordConfirmed(level string, sinceSubmit time.Duration)
	RecordFailure(reason string)
	RecordRetry(reason string)
	SetPending(n int)
	TickWorker()
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmit(string, time.Duration)      {}
func (noopMetrics) RecordConfirmed(string, time.Duration)   {}
func (noopMetrics) RecordFailure(string)                    {}
func (noopMetrics) RecordRetry(string)                      {}
func (noopMetrics) SetPending(int)                          {}
func (noopMetrics) TickWorker()                             {}

// SettleResponse is the synchronous reply to a settle request.
type SettleResponse struct {
	Success         bool
	PaymentID       string
	TransactionHandle string
	Error           string
	FCR             *types.ConfirmationStatus
}

// Engine coordinates the risk ledger, verification pipeline, bond ledger,
// chain RPC client, and FCR monitor into the submit and confirmation paths.
type Engine struct {
	risk    *riskstate.Ledger
	verify  *verification.Pipeline
	chain   chainrpc.Client
	bond    *bondledger.Ledger
	fcr     *fcr.Monitor
	domain  eip712.Domain

	bondEnabled bool
	maxAttempts int
	retryDelay  time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	metrics     Metrics

	ticking int32 // atomic guard: 0 idle, 1 ticking

	submitTimes sync.Map // paymentID -> time.Time, for confirm-latency metrics
}

// New constructs a settlement engine from its required collaborators.
func New(risk *riskstate.Ledger, verifyPipeline *verification.Pipeline, chain chainrpc.Client, domain eip712.Domain, opts ...Option) *Engine {
	e := &Engine{
		risk:        risk,
		verify:      verifyPipeline,
		chain:       chain,
		domain:      domain,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		clock:       time.Now,
		logger:      slog.Default(),
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Settle runs the synchronous submit path: verify, reserve credit, commit
// bond, submit on-chain, and record the initial FCR reading.
func (e *Engine) Settle(ctx context.Context, payment types.PaymentAuthorization, req types.PaymentRequirements) SettleResponse {
	id, err := eip712.PaymentID(payment.Signature)
	if err != nil {
		return SettleResponse{Success: false, Error: "internal_error"}
	}

	if existing, ok := e.risk.GetSettlement(id); ok {
		return SettleResponse{
			Success:           false,
			PaymentID:         id,
			Error:             "payment_already_submitted",
			TransactionHandle: existing.TxHandle,
		}
	}

	result := e.verify.Verify(ctx, payment, req)
	if !result.Valid {
		return SettleResponse{Success: false, PaymentID: id, Error: verification.ReasonString(result.Reason)}
	}

	check := e.risk.CheckAndReserve(id, payment, req, e.maxAttempts)
	if !check.Allowed {
		return SettleResponse{Success: false, PaymentID: id, Error: verification.ReasonString(check.Reason)}
	}

	if e.bondEnabled {
		hasCapacity, capErr := e.bond.HasCapacity(ctx, payment.Value)
		if capErr != nil || !hasCapacity {
			return SettleResponse{Success: false, PaymentID: id, Error: "insufficient_bond_capacity"}
		}
		if err := e.bond.CommitPayment(ctx, id, req.PayTo, req.TokenAddress, payment.Value); err != nil {
			return SettleResponse{Success: false, PaymentID: id, Error: fmt.Sprintf("bond_commit_failed: %v", err)}
		}
	}

	submitStart := e.clock()
	handle, err := e.chain.SubmitTransfer(ctx, payment)
	if err != nil {
		attempts := 1
		errStr := err.Error()
		status := types.SettlementRetry
		_ = e.risk.UpdatePendingSettlement(id, types.SettlementPatch{
			Status: &status, Attempts: &attempts, LastError: &errStr,
		})
		e.metrics.RecordFailure("submission_failed")
		return SettleResponse{Success: false, PaymentID: id, Error: "submission_failed"}
	}
	e.metrics.RecordSubmit(req.TokenAddress, e.clock().Sub(submitStart))
	e.submitTimes.Store(id, submitStart)

	var tipsetHeight uint64
	if h, hErr := e.chain.CurrentHeight(ctx); hErr == nil {
		tipsetHeight = h
	}

	var level types.ConfirmationLevel = types.LevelL0
	var instance uint64
	if e.fcr != nil && tipsetHeight > 0 {
		status := e.fcr.Evaluate(ctx, tipsetHeight)
		level = status.Level
		instance = status.Instance
	}

	attempts := 1
	status := types.SettlementSubmitted
	patch := types.SettlementPatch{
		Status:            &status,
		TxHandle:          &handle,
		Attempts:          &attempts,
		TipsetHeight:      &tipsetHeight,
		ConfirmationLevel: &level,
		F3Instance:        &instance,
	}
	_ = e.risk.UpdatePendingSettlement(id, patch)

	confStatus := types.ConfirmationStatus{Level: level, Instance: instance}
	return SettleResponse{
		Success:           true,
		PaymentID:         id,
		TransactionHandle: handle,
		FCR:               &confStatus,
	}
}

// GetSettlement returns the current view of a settlement record.
func (e *Engine) GetSettlement(id string) (types.SettlementRecord, bool) {
	return e.risk.GetSettlement(id)
}

// RunWorker starts the background confirmation loop, blocking until ctx is
// cancelled. Each tick processes all non-terminal settlements; overlapping
// ticks are suppressed by an atomic guard rather than allowed to pile up.
func (e *Engine) RunWorker(ctx context.Context) {
	ticker := time.NewTicker(e.retryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.ticking, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.ticking, 0)

	e.metrics.TickWorker()
	ids := e.risk.NonTerminalIDs()
	e.metrics.SetPending(len(ids))
	for _, id := range ids {
		e.processOne(ctx, id)
	}
}

func (e *Engine) processOne(ctx context.Context, id string) {
	record, ok := e.risk.GetSettlement(id)
	if !ok {
		return
	}

	switch record.Status {
	case types.SettlementSubmitted:
		e.processSubmitted(ctx, id, record)
	case types.SettlementRetry:
		e.processRetry(ctx, id, record)
	}

	e.updateFCR(ctx, id)
}

func (e *Engine) processSubmitted(ctx context.Context, id string, record types.SettlementRecord) {
	if record.TxHandle == "" {
		return
	}
	innerCtx, cancel := context.WithTimeout(ctx, e.retryDelay/2)
	defer cancel()

	receipt, err := e.chain.WaitForReceipt(innerCtx, record.TxHandle, 1)
	if err != nil {
		return // still pending; leave as submitted for the next tick.
	}

	if receipt.Status == 1 {
		if e.bondEnabled {
			if relErr := e.bond.ReleasePayment(ctx, id, record.Requirements.TokenAddress); relErr != nil {
				e.logger.Warn("settlement: bond release failed", slog.String("paymentId", id), slog.String("error", relErr.Error()))
			}
		}
		if relErr := e.risk.ReleaseCredit(id, true); relErr != nil {
			e.logger.Warn("settlement: release credit failed", slog.String("paymentId", id), slog.String("error", relErr.Error()))
		}
		if startAny, ok := e.submitTimes.Load(id); ok {
			e.metrics.RecordConfirmed(string(record.ConfirmationLevel), e.clock().Sub(startAny.(time.Time)))
			e.submitTimes.Delete(id)
		}
		return
	}

	errStr := "transaction_reverted"
	status := types.SettlementRetry
	_ = e.risk.UpdatePendingSettlement(id, types.SettlementPatch{Status: &status, LastError: &errStr})
	e.metrics.RecordRetry("transaction_reverted")
}

func (e *Engine) processRetry(ctx context.Context, id string, record types.SettlementRecord) {
	if record.Attempts >= record.MaxAttempts {
		if err := e.risk.ReleaseCredit(id, false); err != nil {
			e.logger.Warn("settlement: release credit failed", slog.String("paymentId", id), slog.String("error", err.Error()))
		}
		e.metrics.RecordFailure("max_attempts_exhausted")
		return
	}
	if e.clock().Unix() >= record.Payment.ValidBefore {
		if err := e.risk.ReleaseCredit(id, false); err != nil {
			e.logger.Warn("settlement: release credit failed", slog.String("paymentId", id), slog.String("error", err.Error()))
		}
		e.metrics.RecordFailure("authorization_expired")
		return
	}

	handle, err := e.chain.SubmitTransfer(ctx, record.Payment)
	attempts := record.Attempts + 1
	if err != nil {
		errStr := err.Error()
		status := types.SettlementRetry
		_ = e.risk.UpdatePendingSettlement(id, types.SettlementPatch{Status: &status, Attempts: &attempts, LastError: &errStr})
		e.metrics.RecordRetry("resubmit_failed")
		return
	}
	status := types.SettlementSubmitted
	_ = e.risk.UpdatePendingSettlement(id, types.SettlementPatch{Status: &status, TxHandle: &handle, Attempts: &attempts})
}

func (e *Engine) updateFCR(ctx context.Context, id string) {
	if e.fcr == nil {
		return
	}
	record, ok := e.risk.GetSettlement(id)
	if !ok || record.TipsetHeight == 0 || record.ConfirmationLevel == types.LevelL3 {
		return
	}

	newStatus := e.fcr.Evaluate(ctx, record.TipsetHeight)
	if !newStatus.Level.AtLeast(record.ConfirmationLevel) || newStatus.Level == record.ConfirmationLevel {
		return
	}

	level := newStatus.Level
	patch := types.SettlementPatch{ConfirmationLevel: &level, F3Instance: &newStatus.Instance}
	if level == types.LevelL3 {
		now := e.clock().UTC()
		patch.ConfirmedAt = &now
	}
	_ = e.risk.UpdatePendingSettlement(id, patch)
}
