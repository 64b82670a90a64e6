// Package verification runs the strictly ordered gate that classifies a
// payment authorization against a counter-party's requirements, chain state,
// and the risk ledger. A payment is valid only if every gate passes; failures
// short-circuit with the first matching reason.
package verification

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"facilitatord/internal/chainrpc"
	"facilitatord/internal/eip712"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/types"
)

// ExpiryHeadroom is the minimum remaining validity window required to accept
// a payment, so the settlement engine has time to submit and confirm it.
const ExpiryHeadroom = 120 * time.Second

// Result is the outcome of running the pipeline.
type Result struct {
	Valid         bool
	Reason        error
	Detail        string
	Score         int
	WalletBalance *big.Int
	PendingAmount *big.Int
}

// Pipeline wires the signature/digest, chain RPC, and risk ledger surfaces
// into the nine ordered gates described for a payment authorization.
type Pipeline struct {
	Domain eip712.Domain
	Chain  chainrpc.Client
	Risk   *riskstate.Ledger
	Clock  func() time.Time
}

// New constructs a Pipeline. Clock defaults to time.Now if nil.
func New(domain eip712.Domain, chain chainrpc.Client, risk *riskstate.Ledger) *Pipeline {
	return &Pipeline{Domain: domain, Chain: chain, Risk: risk, Clock: time.Now}
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}

func equalFoldAddr(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Verify runs the ordered gates and returns the first failure or a successful
// result carrying the wallet's on-chain balance and current pending exposure.
func (p *Pipeline) Verify(ctx context.Context, payment types.PaymentAuthorization, req types.PaymentRequirements) Result {
	// 1. Token match.
	if !equalFoldAddr(payment.Token, req.TokenAddress) {
		return Result{Valid: false, Reason: types.ErrTokenMismatch}
	}

	// 2. Recipient match.
	if !equalFoldAddr(payment.To, req.PayTo) {
		return Result{Valid: false, Reason: types.ErrRecipientMismatch}
	}

	// 3. Amount sufficiency.
	if payment.Value == nil || payment.Value.Cmp(req.MaxAmountRequired) < 0 {
		return Result{Valid: false, Reason: types.ErrInsufficientAmount}
	}

	// 4. Signature validity.
	digest, err := eip712.TransferAuthDigest(p.Domain, payment)
	if err != nil {
		return Result{Valid: false, Reason: types.ErrInvalidSignature, Detail: err.Error()}
	}
	sigBytes, err := decodeSignature(payment.Signature)
	if err != nil {
		return Result{Valid: false, Reason: types.ErrInvalidSignature, Detail: err.Error()}
	}
	signer, err := eip712.RecoverSigner(digest, sigBytes)
	if err != nil || !equalFoldAddr(signer.Hex(), payment.From) {
		return Result{Valid: false, Reason: types.ErrInvalidSignature}
	}

	// 5. Window validity.
	now := p.now().Unix()
	if now < payment.ValidAfter || now >= payment.ValidBefore {
		return Result{Valid: false, Reason: types.ErrExpiredOrNotYet}
	}

	// 6. Expiry headroom.
	remaining := time.Duration(payment.ValidBefore-now) * time.Second
	if remaining < ExpiryHeadroom {
		return Result{Valid: false, Reason: types.ErrExpiresTooSoon}
	}

	// 7. Nonce uniqueness (best-effort; non-fatal on transport error).
	if p.Chain != nil {
		used, chainErr := p.Chain.IsAuthorizationUsed(ctx, payment.Token, payment.From, payment.Nonce)
		if chainErr == nil && used {
			return Result{Valid: false, Reason: types.ErrNonceAlreadyUsed}
		}
	}

	// 8. Balance sufficiency.
	var balance *big.Int
	if p.Chain != nil {
		balance, err = p.Chain.BalanceOf(ctx, payment.Token, payment.From)
		if err != nil {
			return Result{Valid: false, Reason: types.ErrBalanceCheckFailed, Detail: err.Error()}
		}
		if balance.Cmp(payment.Value) < 0 {
			return Result{Valid: false, Reason: types.ErrInsufficientBalance, WalletBalance: balance}
		}
	}

	// 9. Risk gate.
	check := p.Risk.CheckPayment(payment.From, payment.Value)
	if !check.Allowed {
		return Result{Valid: false, Reason: check.Reason, Detail: check.Detail, Score: check.Score}
	}

	pending := p.Risk.PendingForWallet(payment.From)
	return Result{
		Valid:         true,
		Score:         0,
		WalletBalance: balance,
		PendingAmount: pending,
	}
}

func decodeSignature(sigHex string) ([]byte, error) {
	trimmed := strings.TrimPrefix(sigHex, "0x")
	if len(trimmed) != 130 {
		return nil, fmt.Errorf("verification: signature must encode 65 bytes, got %d hex chars", len(trimmed))
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}
	return out, nil
}

// ReasonString maps a gate failure to the stable string returned across the
// HTTP boundary.
func ReasonString(err error) string {
	switch err {
	case types.ErrTokenMismatch:
		return "token_mismatch"
	case types.ErrRecipientMismatch:
		return "recipient_mismatch"
	case types.ErrInsufficientAmount:
		return "insufficient_amount"
	case types.ErrInvalidSignature:
		return "invalid_signature"
	case types.ErrExpiredOrNotYet:
		return "expired_or_not_yet_valid"
	case types.ErrExpiresTooSoon:
		return "expires_too_soon"
	case types.ErrNonceAlreadyUsed:
		return "nonce_already_used"
	case types.ErrBalanceCheckFailed:
		return "balance_check_failed"
	case types.ErrInsufficientBalance:
		return "insufficient_balance"
	case types.ErrExceedsPerTx:
		return "exceeds_per_transaction"
	case types.ErrExceedsPending:
		return "exceeds_pending"
	case types.ErrExceedsDaily:
		return "exceeds_daily"
	default:
		return "internal_error"
	}
}
