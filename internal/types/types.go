// Package types holds the data model shared across the facilitator's
// components: payment authorizations, settlement records, risk ledgers,
// FCR instance state, vouchers, and bond commitments.
package types

import (
	"math/big"
	"time"
)

// PaymentAuthorization is an off-chain-signed EIP-3009 transferWithAuthorization
// intent. Value travels the wire as a decimal string (ValueStr) and is
// normalized to *big.Int for internal arithmetic; ValidAfter and ValidBefore
// are JSON integers.
type PaymentAuthorization struct {
	Token       string   `json:"token"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"-"`
	ValueStr    string   `json:"value"`
	ValidAfter  int64    `json:"validAfter"`
	ValidBefore int64    `json:"validBefore"`
	Nonce       string   `json:"nonce"`
	Signature   string   `json:"signature"`
}

// PaymentRequirements is the counter-party's demand attached to a payment.
type PaymentRequirements struct {
	PayTo             string   `json:"payTo"`
	MaxAmountRequired *big.Int `json:"-"`
	MaxAmountStr      string   `json:"maxAmountRequired"`
	TokenAddress      string   `json:"tokenAddress"`
	ChainID           int64    `json:"chainId"`
	Resource          string   `json:"resource,omitempty"`
	Description       string   `json:"description,omitempty"`
}

// SettlementStatus enumerates the settlement record state machine.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementSubmitted SettlementStatus = "submitted"
	SettlementRetry     SettlementStatus = "retry"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// ConfirmationLevel is a point in the FCR confirmation lattice.
type ConfirmationLevel string

const (
	LevelL0 ConfirmationLevel = "L0"
	LevelL1 ConfirmationLevel = "L1"
	LevelL2 ConfirmationLevel = "L2"
	LevelL3 ConfirmationLevel = "L3"
	LevelLB ConfirmationLevel = "LB"
)

// levelRank gives the confirmation lattice a total order for monotonicity checks.
var levelRank = map[ConfirmationLevel]int{
	LevelL0: 0,
	LevelL1: 1,
	LevelL2: 2,
	LevelL3: 3,
	LevelLB: 4,
}

// AtLeast reports whether level a is at or above level b in the lattice.
func (a ConfirmationLevel) AtLeast(b ConfirmationLevel) bool {
	return levelRank[a] >= levelRank[b]
}

// Phase is a step within a consensus subprotocol round.
type Phase string

const (
	PhaseQuality  Phase = "QUALITY"
	PhaseConverge Phase = "CONVERGE"
	PhasePrepare  Phase = "PREPARE"
	PhaseCommit   Phase = "COMMIT"
	PhaseDecide   Phase = "DECIDE"
)

var phaseRank = map[Phase]int{
	PhaseQuality:  0,
	PhaseConverge: 1,
	PhasePrepare:  2,
	PhaseCommit:   3,
	PhaseDecide:   4,
}

// AtLeast reports whether phase p is at or after phase other in a round.
func (p Phase) AtLeast(other Phase) bool {
	return phaseRank[p] >= phaseRank[other]
}

// SettlementRecord is the state machine attached to a payment id.
type SettlementRecord struct {
	PaymentID   string
	Payment     PaymentAuthorization
	Requirements PaymentRequirements
	Status      SettlementStatus
	TxHandle    string
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string

	TipsetHeight      uint64
	ConfirmationLevel ConfirmationLevel
	F3Instance        uint64
	F3Round           uint64
	F3Phase           Phase
	ConfirmedAt       *time.Time
}

// SettlementPatch is a shallow field update applied under per-id serialization.
type SettlementPatch struct {
	Status            *SettlementStatus
	TxHandle          *string
	Attempts          *int
	LastError         *string
	TipsetHeight      *uint64
	ConfirmationLevel *ConfirmationLevel
	F3Instance        *uint64
	F3Round           *uint64
	F3Phase           *Phase
	ConfirmedAt       *time.Time
}

// Tier is the age-derived risk class of a wallet.
type Tier string

const (
	TierUnknown    Tier = "UNKNOWN"
	TierHistory7D  Tier = "HISTORY_7D"
	TierHistory30D Tier = "HISTORY_30D"
	TierVerified   Tier = "VERIFIED"
)

// WalletRiskRecord is the per-payer aggregation maintained by the risk engine.
type WalletRiskRecord struct {
	Address      string
	Pending      *big.Int
	Daily        *big.Int
	DailyDateKey string
	FirstSeen    time.Time
	TierOverride *Tier
}

// InstanceState is the FCR monitor's view of the consensus subprotocol.
type InstanceState struct {
	Instance       uint64
	Round          uint64
	Phase          Phase
	PhaseStartTime time.Time
	RoundBumps     int
}

// TipsetRef identifies an entry within a consensus certificate's chain segment.
type TipsetRef struct {
	Epoch uint64
	Key   string
}

// Certificate is a committed record issued by the consensus subprotocol for a
// given instance.
type Certificate struct {
	Instance       uint64
	ECChain        []TipsetRef
	FinalizedHeight uint64
	ObservedAt     time.Time
}

// InstanceStatus is the coarse placement of a tipset height relative to the
// monitor's current view.
type InstanceStatus string

const (
	StatusFinalized InstanceStatus = "finalized"
	StatusActive    InstanceStatus = "active"
	StatusPending   InstanceStatus = "pending"
)

// ConfirmationStatus is the result of evaluating a tipset height against the
// FCR monitor's current state.
type ConfirmationStatus struct {
	Level         ConfirmationLevel
	Instance      uint64
	CertificateID uint64
	Status        InstanceStatus
}

// Voucher is an off-chain promise by a buyer to a seller settled as deltas.
type Voucher struct {
	ID            string
	Buyer         string
	Seller        string
	ValueAggregate *big.Int
	Asset         string
	Timestamp     int64
	Nonce         uint64
	Escrow        string
	ChainID       int64
	Signature     string

	Settled       bool
	SettledTxHandle string
	StoredAt      time.Time
}

// VoucherKey identifies a voucher lineage by (id, buyer, seller).
type VoucherKey struct {
	ID     string
	Buyer  string
	Seller string
}

// BuyerAccount mirrors the escrow contract's per-buyer accounting.
type BuyerAccount struct {
	Balance        *big.Int
	ThawingAmount  *big.Int
	ThawEndTime    int64
}

// BondCommitment is the facilitator's local view of an on-chain bond row.
type BondCommitment struct {
	PaymentID   string
	Provider    string
	Amount      *big.Int
	CommittedAt time.Time
	Deadline    time.Time
	Settled     bool
	Claimed     bool
}

// Receipt is the outcome of waiting on a submitted transaction.
type Receipt struct {
	TxHandle string
	Status   int // 1 success, 0 reverted
	Height   uint64
}
