package httpapi

import "facilitatord/internal/types"

// verifyRequest mirrors POST /verify's request body.
type verifyRequest struct {
	Payment      paymentWire      `json:"payment"`
	Requirements requirementsWire `json:"requirements"`
}

// paymentWire is the wire shape of a PaymentAuthorization: amounts travel as
// decimal strings to survive 256-bit values in JSON.
type paymentWire struct {
	Token       string `json:"token"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

type requirementsWire struct {
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	TokenAddress      string `json:"tokenAddress"`
	ChainID           int64  `json:"chainId"`
	Resource          string `json:"resource,omitempty"`
	Description       string `json:"description,omitempty"`
}

type verifyResponse struct {
	Valid         bool   `json:"valid"`
	RiskScore     int    `json:"riskScore"`
	Reason        string `json:"reason,omitempty"`
	WalletBalance string `json:"walletBalance,omitempty"`
	PendingAmount string `json:"pendingAmount,omitempty"`
}

type settleRequest struct {
	Payment      paymentWire      `json:"payment"`
	Requirements requirementsWire `json:"requirements"`
}

type settleResponse struct {
	Success           bool           `json:"success"`
	PaymentID         string         `json:"paymentId,omitempty"`
	TransactionHandle string         `json:"transactionHandle,omitempty"`
	Error             string         `json:"error,omitempty"`
	FCR               *fcrStatusWire `json:"fcr,omitempty"`
}

type fcrStatusWire struct {
	Level    string `json:"level"`
	Instance uint64 `json:"instance"`
}

type settlementStatusResponse struct {
	PaymentID         string         `json:"paymentId"`
	Status            string         `json:"status"`
	TransactionHandle string         `json:"transactionHandle,omitempty"`
	Attempts          int            `json:"attempts"`
	CreatedAt         string         `json:"createdAt"`
	UpdatedAt         string         `json:"updatedAt"`
	Error             string         `json:"error,omitempty"`
	FCR               *fcrStatusWire `json:"fcr,omitempty"`
}

type healthResponse struct {
	ChainID              int64  `json:"chainId"`
	ChainName            string `json:"chainName"`
	ChainConnected       bool   `json:"chainConnected"`
	PendingSettlements   int    `json:"pendingSettlements"`
	TotalPendingAmount   string `json:"totalPendingAmount"`
	DistinctPendingWallets int  `json:"distinctPendingWallets"`
	MaxPerTransaction    string `json:"maxPerTransaction"`
	MaxPendingPerWallet  string `json:"maxPendingPerWallet"`
	DailyLimitPerWallet  string `json:"dailyLimitPerWallet"`
}

type fcrStatusResponse struct {
	Instance uint64 `json:"instance"`
	Round    uint64 `json:"round"`
	Phase    string `json:"phase"`
	Level    string `json:"level"`
}

type fcrLevelEntry struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Latency     string `json:"latency"`
}

type fcrWaitResponse struct {
	Level    string `json:"level"`
	Instance uint64 `json:"instance"`
	Status   string `json:"status"`
}

type buyerAccountResponse struct {
	Balance       string        `json:"balance"`
	ThawingAmount string        `json:"thawingAmount"`
	ThawEndTime   int64         `json:"thawEndTime"`
	VoucherCount  int           `json:"voucherCount"`
	Vouchers      []voucherWire `json:"vouchers"`
}

type voucherWire struct {
	ID             string `json:"id"`
	Buyer          string `json:"buyer"`
	Seller         string `json:"seller"`
	ValueAggregate string `json:"valueAggregate"`
	Asset          string `json:"asset"`
	Timestamp      int64  `json:"timestamp"`
	Nonce          uint64 `json:"nonce"`
	Escrow         string `json:"escrow"`
	ChainID        int64  `json:"chainId"`
	Signature      string `json:"signature"`
	Settled        bool   `json:"settled"`
}

type storeVoucherRequest struct {
	Voucher voucherWire `json:"voucher"`
}

type settleVoucherRequest struct {
	Buyer  string `json:"buyer"`
	Seller string `json:"seller"`
}

type settleVoucherResponse struct {
	Success           bool   `json:"success"`
	VoucherID         string `json:"voucherId"`
	TransactionHandle string `json:"transactionHandle,omitempty"`
	Error             string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// feeEstimateRequest is the body for the debug fee-estimate endpoint. Amount
// is a human-readable decimal string, not a base-unit integer.
type feeEstimateRequest struct {
	Amount string     `json:"amount"`
	Tier   types.Tier `json:"tier,omitempty"`
}

type feeEstimateResponse struct {
	Amount      string `json:"amount"`
	BaseFee     string `json:"baseFee"`
	RiskFee     string `json:"riskFee"`
	ProviderFee string `json:"providerFee"`
	Discount    string `json:"discount"`
	Total       string `json:"total"`
}
