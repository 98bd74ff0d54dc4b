/*
handlers.go - HTTP API handlers for the kilometers engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response and JSON
  serialization, and delegates every rule to the kilometers package.

ENDPOINTS:
  Customers:
    POST   /api/customers                          Register or update participation
    GET    /api/customers/{id}                     Balances, next expiration, recent entries
    GET    /api/customers/{id}/entries             Full ledger of the customer
    POST   /api/customers/{id}/accruals            Credit points
    POST   /api/customers/{id}/purchases           Credit points for a sale total
    POST   /api/customers/{id}/redemptions         Spend points on a sale
    GET    /api/customers/{id}/redemption-limit    Max redeemable for ?sale_total=
    POST   /api/customers/{id}/birthday-bonus      Yearly birthday bonus
    POST   /api/customers/{id}/adjustments         Operator adjustment

  Sales:
    POST   /api/sales/{ref}/referral-bonus         Credit the buyer's referrer
    POST   /api/sales/{ref}/cancel                 Reverse everything linked to the sale
    POST   /api/sales/{ref}/promotions             Re-apply promotions after a change

  Admin:
    POST   /api/admin/sweep                        Run the expiration sweep now
    GET    /api/admin/sweep/runs                   Sweep history
    GET    /api/admin/validate                     Audit every customer
    GET    /api/admin/customers/{id}/validate      Audit one customer
    POST   /api/admin/customers/{id}/reconcile     Rewrite aggregates from the ledger
    GET    /api/admin/metrics                      Program dashboard

  Demo (scenarios.go):
    GET    /api/scenarios                          Available scenarios
    POST   /api/scenarios/load                     Load one scenario

ERROR HANDLING:
  - 400: invalid input
  - 404: customer or entry not found
  - 409: concurrent modification, retry
  - 422: business rule (balance, cap, bonus already granted)
  - 500: everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *kilometers.Engine
	Sweep  kilometers.SweepConfig
	Log    *zap.Logger
}

func NewHandler(engine *kilometers.Engine, sweep kilometers.SweepConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Engine: engine, Sweep: sweep, Log: log}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

func (h *Handler) RegisterCustomer(w http.ResponseWriter, r *http.Request) {
	var req RegisterCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}

	profile := ledger.Profile{ID: ledger.CustomerID(req.ID), Participates: req.Participates}
	if req.ReferredBy != nil && *req.ReferredBy != "" {
		ref := ledger.CustomerID(*req.ReferredBy)
		profile.ReferredBy = &ref
	}
	c, err := h.Engine.Store.RegisterCustomer(r.Context(), profile)
	if err != nil {
		h.fail(w, "Failed to register customer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerDTO(*c))
}

// GetCustomer returns the cashier summary of a customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	s, err := h.Engine.CustomerSummary(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}

	dto := CustomerSummaryDTO{
		Customer:       toCustomerDTO(s.Customer),
		SpendableValue: s.SpendableValue,
		Recent:         toEntryDTOs(s.Recent),
	}
	if s.NextExpiration != nil {
		dto.NextExpiration = &LotDTO{
			EntryID:   string(s.NextExpiration.EntryID),
			ExpiresAt: s.NextExpiration.ExpiresAt,
			Remaining: s.NextExpiration.Remaining,
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := customerID(r)
	if _, err := h.Engine.Store.GetCustomer(r.Context(), id); err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	entries, err := h.Engine.Store.Entries(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind, err := ledger.ParseEventKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid kind", err)
		return
	}

	res, err := h.Engine.Accrue(r.Context(), kilometers.AccrualRequest{
		Customer:       customerID(r),
		Points:         req.Points,
		Kind:           kind,
		Sale:           ledger.SaleRef(req.Sale),
		Promotion:      ledger.PromotionRef(req.Promotion),
		Description:    req.Description,
		Multiplier:     req.Multiplier,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.fail(w, "Accrual failed", err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) AccruePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.AccruePurchase(r.Context(), customerID(r), ledger.SaleRef(req.Sale), req.Total, req.Multiplier)
	if err != nil {
		h.fail(w, "Purchase accrual failed", err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.Redeem(r.Context(), kilometers.RedemptionRequest{
		Customer:       customerID(r),
		Points:         req.Points,
		SaleTotal:      req.SaleTotal,
		Sale:           ledger.SaleRef(req.Sale),
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, "Redemption failed", err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) RedemptionLimit(w http.ResponseWriter, r *http.Request) {
	total, err := decimal.NewFromString(r.URL.Query().Get("sale_total"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sale_total", err)
		return
	}
	limit, err := h.Engine.RedemptionLimit(r.Context(), customerID(r), total)
	if err != nil {
		h.fail(w, "Failed to compute redemption limit", err)
		return
	}
	writeJSON(w, http.StatusOK, RedemptionLimitDTO{
		CapPoints: limit.CapPoints,
		CapValue:  limit.CapValue,
		MaxPoints: limit.MaxPoints,
		MaxValue:  limit.MaxValue,
		Spendable: limit.Spendable,
	})
}

func (h *Handler) BirthdayBonus(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.GrantBirthdayBonus(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Birthday bonus failed", err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}
	res, err := h.Engine.Adjust(r.Context(), customerID(r), req.Points, req.Reason)
	if err != nil {
		h.fail(w, "Adjustment failed", err)
		return
	}
	writeResult(w, res)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

func (h *Handler) ReferralBonus(w http.ResponseWriter, r *http.Request) {
	var req ReferralBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.GrantReferralBonus(r.Context(), ledger.CustomerID(req.Buyer), saleRef(r))
	if err != nil {
		h.fail(w, "Referral bonus failed", err)
		return
	}
	writeResult(w, res)
}

func (h *Handler) CancelSale(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.ReverseForCancelledSale(r.Context(), saleRef(r))
	if err != nil {
		h.fail(w, "Cancellation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReversalSummaryDTO{
		Sale:                    string(summary.Sale),
		TotalReversedCredits:    summary.TotalReversedCredits,
		TotalRedemptionRefunded: summary.TotalRedemptionRefunded,
		ShortfallForgiven:       summary.ShortfallForgiven,
		Entries:                 toEntryDTOs(summary.Entries),
	})
}

func (h *Handler) ModifySale(w http.ResponseWriter, r *http.Request) {
	var req ModifySaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Customer == "" {
		writeError(w, http.StatusBadRequest, "customer is required", nil)
		return
	}
	summary, err := h.Engine.ReverseForModifiedSale(r.Context(), req.toModifiedSale(chi.URLParam(r, "ref")))
	if err != nil {
		h.fail(w, "Promotion update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PromotionChangeDTO{
		Sale:     string(summary.Sale),
		Reversed: summary.Reversed,
		Accrued:  summary.Accrued,
		Entries:  toEntryDTOs(summary.Entries),
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	run, err := h.Engine.RunSweep(r.Context(), h.Sweep)
	if err != nil {
		h.fail(w, "Expiration sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(*run))
}

func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Engine.Store.SweepRuns(r.Context(), ledger.SweepStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.fail(w, "Failed to list sweep runs", err)
		return
	}
	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) ValidateAll(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	summary, err := h.Engine.ValidateAll(r.Context(), verbose)
	if err != nil {
		h.fail(w, "Validation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditSummaryDTO(summary))
}

func (h *Handler) ValidateCustomer(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.ValidateCustomer(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Validation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriftReportDTO(*report))
}

func (h *Handler) ReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	res, err := h.Engine.ReconcileCustomer(r.Context(), customerID(r), force)
	if err != nil {
		h.fail(w, "Reconciliation failed", err)
		return
	}
	dto := ReconcileDTO{Report: toDriftReportDTO(res.Report), Reconciled: res.Reconciled}
	if res.Correction != nil {
		e := toEntryDTO(*res.Correction)
		dto.Correction = &e
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.Engine.MetricsSnapshot(r.Context())
	if err != nil {
		h.fail(w, "Failed to compute metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, toMetricsDTO(m))
}

// =============================================================================
// HELPERS
// =============================================================================

func customerID(r *http.Request) ledger.CustomerID {
	return ledger.CustomerID(chi.URLParam(r, "id"))
}

func saleRef(r *http.Request) ledger.SaleRef {
	return ledger.SaleRef(chi.URLParam(r, "ref"))
}

func toAuditSummaryDTO(s *kilometers.AuditSummary) AuditSummaryDTO {
	dto := AuditSummaryDTO{
		Total:        s.Total,
		Consistent:   s.Consistent,
		Inconsistent: s.Inconsistent,
		Reconciled:   s.Reconciled,
		Details:      make([]DriftReportDTO, len(s.Details)),
	}
	for i, d := range s.Details {
		dto.Details[i] = toDriftReportDTO(d)
	}
	return dto
}

// writeResult answers 201 for a new entry and 200 for everything else.
func writeResult(w http.ResponseWriter, res *kilometers.Result) {
	status := http.StatusOK
	if res.Status == kilometers.StatusApplied {
		status = http.StatusCreated
	}
	writeJSON(w, status, toResultDTO(res))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err):
		return http.StatusConflict
	case ledger.IsBusinessRule(err):
		return http.StatusUnprocessableEntity
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
