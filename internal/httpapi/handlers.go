package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"facilitatord/internal/bondledger"
	"facilitatord/internal/fcr"
	"facilitatord/internal/feeschedule"
	"facilitatord/internal/riskstate"
	"facilitatord/internal/settlement"
	"facilitatord/internal/types"
	"facilitatord/internal/verification"
	"facilitatord/internal/voucherstore"
)

// Handlers wires the core components into HTTP endpoints matching the
// documented external interface.
type Handlers struct {
	Verify   *verification.Pipeline
	Settle   *settlement.Engine
	Risk     *riskstate.Ledger
	Bond     *bondledger.Ledger
	FCR      *fcr.Monitor
	Vouchers *voucherstore.Store

	ChainID   int64
	ChainName string

	Idempotency *IdempotencyStore
	Audit       *AuditLog
	Logger      *slog.Logger

	Fees feeschedule.Schedule
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, errorResponse{Error: reason})
}

func toWirePayment(w paymentWire) (types.PaymentAuthorization, error) {
	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return types.PaymentAuthorization{}, errBadAmount
	}
	return types.PaymentAuthorization{
		Token:       w.Token,
		From:        w.From,
		To:          w.To,
		Value:       value,
		ValueStr:    w.Value,
		ValidAfter:  w.ValidAfter,
		ValidBefore: w.ValidBefore,
		Nonce:       w.Nonce,
		Signature:   w.Signature,
	}, nil
}

func toWireRequirements(r requirementsWire) (types.PaymentRequirements, error) {
	amount, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok {
		return types.PaymentRequirements{}, errBadAmount
	}
	return types.PaymentRequirements{
		PayTo:             r.PayTo,
		MaxAmountRequired: amount,
		MaxAmountStr:      r.MaxAmountRequired,
		TokenAddress:      r.TokenAddress,
		ChainID:           r.ChainID,
		Resource:          r.Resource,
		Description:       r.Description,
	}, nil
}

var errBadAmount = &decodeError{"amount must be a base-10 integer string"}

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// HandleVerify implements POST /verify.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}

	payment, err := toWirePayment(req.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "insufficient_amount")
		return
	}
	requirements, err := toWireRequirements(req.Requirements)
	if err != nil {
		writeError(w, http.StatusBadRequest, "insufficient_amount")
		return
	}

	result := h.Verify.Verify(r.Context(), payment, requirements)

	resp := verifyResponse{Valid: result.Valid, RiskScore: result.Score}
	status := http.StatusOK
	if !result.Valid {
		resp.Reason = verification.ReasonString(result.Reason)
		status = http.StatusBadRequest
	}
	if result.WalletBalance != nil {
		resp.WalletBalance = bigString(result.WalletBalance)
	}
	if result.PendingAmount != nil {
		resp.PendingAmount = bigString(result.PendingAmount)
	}

	h.recordAudit(r, body, status, resp)
	writeJSON(w, status, resp)
}

// HandleSettle implements POST /settle, including Idempotency-Key replay.
func (h *Handlers) HandleSettle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	hash := HashRequest(body)
	if idemKey != "" && h.Idempotency != nil {
		stored, lookupErr := h.Idempotency.Lookup(idemKey, hash)
		if lookupErr == ErrIdempotencyConflict {
			writeError(w, http.StatusConflict, "idempotency_key_conflict")
			return
		}
		if stored != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replayed", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	var req settleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	payment, err := toWirePayment(req.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "insufficient_amount")
		return
	}
	requirements, err := toWireRequirements(req.Requirements)
	if err != nil {
		writeError(w, http.StatusBadRequest, "insufficient_amount")
		return
	}

	result := h.Settle.Settle(r.Context(), payment, requirements)

	resp := settleResponse{
		Success:           result.Success,
		PaymentID:         result.PaymentID,
		TransactionHandle: result.TransactionHandle,
		Error:             result.Error,
	}
	if result.FCR != nil {
		resp.FCR = &fcrStatusWire{Level: string(result.FCR.Level), Instance: result.FCR.Instance}
	}

	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}

	respBody, _ := json.Marshal(resp)
	if idemKey != "" && h.Idempotency != nil {
		h.Idempotency.Save(idemKey, hash, status, respBody)
	}

	h.recordAudit(r, body, status, resp)
	writeJSON(w, status, resp)
}

// HandleGetSettlement implements GET /settle/{paymentId}.
func (h *Handlers) HandleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "paymentId")
	record, ok := h.Settle.GetSettlement(id)
	if !ok {
		writeError(w, http.StatusNotFound, "settlement_not_found")
		return
	}

	resp := settlementStatusResponse{
		PaymentID:         record.PaymentID,
		Status:            string(record.Status),
		TransactionHandle: record.TxHandle,
		Attempts:          record.Attempts,
		CreatedAt:         record.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         record.UpdatedAt.Format(time.RFC3339),
		Error:             record.LastError,
	}
	if record.ConfirmationLevel != "" {
		resp.FCR = &fcrStatusWire{Level: string(record.ConfirmationLevel), Instance: record.F3Instance}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleHealth implements GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := h.Risk.Snapshot()
	resp := healthResponse{
		ChainID:                h.ChainID,
		ChainName:              h.ChainName,
		ChainConnected:         true,
		PendingSettlements:     snapshot.PendingSettlements,
		TotalPendingAmount:     bigString(snapshot.TotalPendingAmount),
		DistinctPendingWallets: snapshot.DistinctWallets,
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleFCRStatus implements GET /fcr/status.
func (h *Handlers) HandleFCRStatus(w http.ResponseWriter, r *http.Request) {
	if h.FCR == nil {
		writeError(w, http.StatusServiceUnavailable, "fcr_disabled")
		return
	}
	state := h.FCR.State()
	status := h.FCR.Evaluate(r.Context(), 0)
	writeJSON(w, http.StatusOK, fcrStatusResponse{
		Instance: state.Instance,
		Round:    state.Round,
		Phase:    string(state.Phase),
		Level:    string(status.Level),
	})
}

// levelCatalogue is the static description behind GET /fcr/levels.
// HandleFCRStatus does not use it; its response carries no latency.
var levelCatalogue = []fcrLevelEntry{
	{Code: "L0", Name: "Unsubmitted", Description: "no transaction observed on chain yet", Latency: "n/a"},
	{Code: "L1", Name: "Included", Description: "transaction included in the active instance, not yet safe", Latency: "seconds"},
	{Code: "L2", Name: "Safe", Description: "phase at or past COMMIT, or PREPARE held past the propagation window", Latency: "~5-15s"},
	{Code: "L3", Name: "Finalized", Description: "covered by a finality certificate", Latency: "~30-60s"},
	{Code: "LB", Name: "Bond-backed", Description: "backstopped by bond collateral regardless of on-chain confirmation", Latency: "immediate"},
}

// HandleFCRLevels implements GET /fcr/levels.
func (h *Handlers) HandleFCRLevels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, levelCatalogue)
}

// HandleFCRWait implements GET /fcr/wait/{level}?timeout=ms.
func (h *Handlers) HandleFCRWait(w http.ResponseWriter, r *http.Request) {
	if h.FCR == nil {
		writeError(w, http.StatusServiceUnavailable, "fcr_disabled")
		return
	}
	level := types.ConfirmationLevel(chi.URLParam(r, "level"))
	timeoutMs := 5000
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if parsed, err := time.ParseDuration(raw + "ms"); err == nil {
			timeoutMs = int(parsed.Milliseconds())
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	height, _ := heightFromQuery(r)
	status, err := h.FCR.WaitForLevel(ctx, height, level)
	if err != nil {
		writeJSON(w, http.StatusRequestTimeout, fcrWaitResponse{
			Level:    string(status.Level),
			Instance: status.Instance,
			Status:   string(status.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, fcrWaitResponse{
		Level:    string(status.Level),
		Instance: status.Instance,
		Status:   string(status.Status),
	})
}

func heightFromQuery(r *http.Request) (uint64, bool) {
	raw := r.URL.Query().Get("height")
	if raw == "" {
		return 0, false
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return 0, false
	}
	return n.Uint64(), true
}

// HandleGetBuyerAccount implements GET /deferred/buyers/{addr}.
func (h *Handlers) HandleGetBuyerAccount(w http.ResponseWriter, r *http.Request) {
	if h.Vouchers == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred_disabled")
		return
	}
	addr := chi.URLParam(r, "addr")
	account, err := h.Vouchers.GetAccount(r.Context(), addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	vouchers := h.Vouchers.ListByBuyer(addr)
	wire := make([]voucherWire, 0, len(vouchers))
	for _, v := range vouchers {
		wire = append(wire, voucherWire{
			ID: v.ID, Buyer: v.Buyer, Seller: v.Seller,
			ValueAggregate: bigString(v.ValueAggregate), Asset: v.Asset,
			Timestamp: v.Timestamp, Nonce: v.Nonce, Escrow: v.Escrow,
			ChainID: v.ChainID, Signature: v.Signature, Settled: v.Settled,
		})
	}
	writeJSON(w, http.StatusOK, buyerAccountResponse{
		Balance:       bigString(account.Balance),
		ThawingAmount: bigString(account.ThawingAmount),
		ThawEndTime:   account.ThawEndTime,
		VoucherCount:  len(wire),
		Vouchers:      wire,
	})
}

// HandleStoreVoucher implements POST /deferred/vouchers.
func (h *Handlers) HandleStoreVoucher(w http.ResponseWriter, r *http.Request) {
	if h.Vouchers == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred_disabled")
		return
	}
	var req storeVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	value, ok := new(big.Int).SetString(req.Voucher.ValueAggregate, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	voucher := types.Voucher{
		ID: req.Voucher.ID, Buyer: req.Voucher.Buyer, Seller: req.Voucher.Seller,
		ValueAggregate: value, Asset: req.Voucher.Asset, Timestamp: req.Voucher.Timestamp,
		Nonce: req.Voucher.Nonce, Escrow: req.Voucher.Escrow, ChainID: req.Voucher.ChainID,
		Signature: req.Voucher.Signature,
	}
	if err := h.Vouchers.StoreVoucher(voucher); err != nil {
		if err == types.ErrStaleVoucher {
			writeError(w, http.StatusBadRequest, "stale_voucher")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stored": true})
}

// HandleSettleVoucher implements POST /deferred/vouchers/{id}/settle.
func (h *Handlers) HandleSettleVoucher(w http.ResponseWriter, r *http.Request) {
	if h.Vouchers == nil {
		writeError(w, http.StatusServiceUnavailable, "deferred_disabled")
		return
	}
	id := chi.URLParam(r, "id")
	var req settleVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	handle, err := h.Vouchers.SettleVoucher(r.Context(), id, req.Buyer, req.Seller)
	if err != nil {
		resp := settleVoucherResponse{Success: false, VoucherID: id, Error: err.Error()}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, settleVoucherResponse{Success: true, VoucherID: id, TransactionHandle: handle})
}

// HandleFeeEstimate implements POST /internal/fee-estimate, a debug endpoint
// that never influences a settlement amount.
func (h *Handlers) HandleFeeEstimate(w http.ResponseWriter, r *http.Request) {
	var req feeEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	if req.Tier == "" {
		req.Tier = types.TierUnknown
	}
	breakdown, err := h.Fees.Estimate(req.Amount, req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, feeEstimateResponse{
		Amount:      breakdown.Amount.String(),
		BaseFee:     breakdown.BaseFee.String(),
		RiskFee:     breakdown.RiskFee.String(),
		ProviderFee: breakdown.ProviderFee.String(),
		Discount:    breakdown.Discount.String(),
		Total:       breakdown.Total.String(),
	})
}

func (h *Handlers) recordAudit(r *http.Request, reqBody []byte, status int, resp interface{}) {
	if h.Audit == nil {
		return
	}
	respBody, _ := json.Marshal(resp)
	h.Audit.Record(AuditEntry{
		Method:         r.Method,
		Path:           r.URL.Path,
		RequestBody:    reqBody,
		ResponseStatus: status,
		ResponseBody:   respBody,
		Timestamp:      time.Now().UTC(),
	})
}
