/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API. Points and money travel as decimal strings
  ("12.50") so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engine. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/kilometers-engine/kilometers"
	"github.com/warp/kilometers-engine/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

type RegisterCustomerRequest struct {
	ID           string  `json:"id"`
	Participates bool    `json:"participates"`
	ReferredBy   *string `json:"referred_by,omitempty"`
}

type AccrualRequest struct {
	Points         decimal.Decimal   `json:"points"`
	Kind           string            `json:"kind"`
	Sale           string            `json:"sale,omitempty"`
	Promotion      string            `json:"promotion,omitempty"`
	Description    string            `json:"description,omitempty"`
	Multiplier     decimal.Decimal   `json:"multiplier,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type PurchaseRequest struct {
	Sale       string          `json:"sale"`
	Total      decimal.Decimal `json:"total"`
	Multiplier decimal.Decimal `json:"multiplier,omitempty"`
}

type RedemptionRequest struct {
	Points         decimal.Decimal `json:"points"`
	SaleTotal      decimal.Decimal `json:"sale_total"`
	Sale           string          `json:"sale"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type AdjustmentRequest struct {
	Points decimal.Decimal `json:"points"`
	Reason string          `json:"reason"`
}

type ReferralBonusRequest struct {
	Buyer string `json:"buyer"`
}

type PromotionDTO struct {
	Promotion      string          `json:"promotion"`
	BonusPoints    decimal.Decimal `json:"bonus_points"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type ModifySaleRequest struct {
	Customer string         `json:"customer"`
	Previous []PromotionDTO `json:"previous"`
	Current  []PromotionDTO `json:"current"`
}

func (r ModifySaleRequest) toModifiedSale(sale string) kilometers.ModifiedSale {
	conv := func(in []PromotionDTO) []ledger.PromotionResult {
		out := make([]ledger.PromotionResult, len(in))
		for i, p := range in {
			out[i] = ledger.PromotionResult{
				Promotion:      ledger.PromotionRef(p.Promotion),
				BonusPoints:    p.BonusPoints,
				DiscountAmount: p.DiscountAmount,
			}
		}
		return out
	}
	return kilometers.ModifiedSale{
		Sale:     ledger.SaleRef(sale),
		Customer: ledger.CustomerID(r.Customer),
		Previous: conv(r.Previous),
		Current:  conv(r.Current),
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type CustomerDTO struct {
	ID                string          `json:"id"`
	Participates      bool            `json:"participates"`
	LifetimeEarned    decimal.Decimal `json:"lifetime_earned"`
	SpendableBalance  decimal.Decimal `json:"spendable_balance"`
	LastAccrualAt     *time.Time      `json:"last_accrual_at,omitempty"`
	LastBirthdayBonus int             `json:"last_birthday_bonus_year,omitempty"`
	ReferredBy        *string         `json:"referred_by,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toCustomerDTO(c ledger.Customer) CustomerDTO {
	dto := CustomerDTO{
		ID:                string(c.ID),
		Participates:      c.Participates,
		LifetimeEarned:    c.LifetimeEarned,
		SpendableBalance:  c.SpendableBalance,
		LastAccrualAt:     c.LastAccrualAt,
		LastBirthdayBonus: c.BirthdayBonusYear(),
		Version:           c.Version,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
	if c.ReferredBy != nil {
		ref := string(*c.ReferredBy)
		dto.ReferredBy = &ref
	}
	return dto
}

type EntryDTO struct {
	ID                  string            `json:"id"`
	Seq                 int64             `json:"seq"`
	CustomerID          string            `json:"customer_id"`
	Kind                ledger.EventKind  `json:"kind"`
	Points              decimal.Decimal   `json:"points"`
	Sale                string            `json:"sale,omitempty"`
	Promotion           string            `json:"promotion,omitempty"`
	ReferenceEntryID    string            `json:"reference_entry_id,omitempty"`
	IsRedemption        bool              `json:"is_redemption"`
	ExpiresAt           *time.Time        `json:"expires_at,omitempty"`
	ClosedForExpiration bool              `json:"closed_for_expiration"`
	MonetaryEquivalent  *decimal.Decimal  `json:"monetary_equivalent,omitempty"`
	Multiplier          decimal.Decimal   `json:"multiplier"`
	Correction          bool              `json:"correction,omitempty"`
	Description         string            `json:"description,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:                  string(e.ID),
		Seq:                 e.Seq,
		CustomerID:          string(e.CustomerID),
		Kind:                e.Kind,
		Points:              e.Points,
		Sale:                string(e.Sale),
		Promotion:           string(e.Promotion),
		ReferenceEntryID:    string(e.ReferenceEntryID),
		IsRedemption:        e.IsRedemption,
		ExpiresAt:           e.ExpiresAt,
		ClosedForExpiration: e.ClosedForExpiration,
		MonetaryEquivalent:  e.MonetaryEquivalent,
		Multiplier:          e.Multiplier,
		Correction:          e.Correction,
		Description:         e.Description,
		Metadata:            e.Metadata,
		CreatedAt:           e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

type ResultDTO struct {
	Status   kilometers.Status `json:"status"`
	Entry    *EntryDTO         `json:"entry,omitempty"`
	Customer CustomerDTO       `json:"customer"`
}

func toResultDTO(r *kilometers.Result) ResultDTO {
	dto := ResultDTO{Status: r.Status, Customer: toCustomerDTO(r.Customer)}
	if r.Entry != nil {
		e := toEntryDTO(*r.Entry)
		dto.Entry = &e
	}
	return dto
}

type CustomerSummaryDTO struct {
	Customer       CustomerDTO     `json:"customer"`
	SpendableValue decimal.Decimal `json:"spendable_value"`
	NextExpiration *LotDTO         `json:"next_expiration,omitempty"`
	Recent         []EntryDTO      `json:"recent"`
}

type LotDTO struct {
	EntryID   string          `json:"entry_id"`
	ExpiresAt *time.Time      `json:"expires_at"`
	Remaining decimal.Decimal `json:"remaining"`
}

type RedemptionLimitDTO struct {
	CapPoints decimal.Decimal `json:"cap_points"`
	CapValue  decimal.Decimal `json:"cap_value"`
	MaxPoints decimal.Decimal `json:"max_points"`
	MaxValue  decimal.Decimal `json:"max_value"`
	Spendable decimal.Decimal `json:"spendable"`
}

type ReversalSummaryDTO struct {
	Sale                    string          `json:"sale"`
	TotalReversedCredits    decimal.Decimal `json:"total_reversed_credits"`
	TotalRedemptionRefunded decimal.Decimal `json:"total_redemption_refunded"`
	ShortfallForgiven       decimal.Decimal `json:"shortfall_forgiven"`
	Entries                 []EntryDTO      `json:"entries"`
}

type PromotionChangeDTO struct {
	Sale     string          `json:"sale"`
	Reversed decimal.Decimal `json:"reversed"`
	Accrued  decimal.Decimal `json:"accrued"`
	Entries  []EntryDTO      `json:"entries"`
}

type SweepRunDTO struct {
	ID            string             `json:"id"`
	AsOf          time.Time          `json:"as_of"`
	Status        ledger.SweepStatus `json:"status"`
	Cursor        string             `json:"cursor,omitempty"`
	Customers     int                `json:"customers"`
	EntriesClosed int                `json:"entries_closed"`
	PointsExpired decimal.Decimal    `json:"points_expired"`
	Failed        int                `json:"failed"`
	Error         string             `json:"error,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

func toSweepRunDTO(r ledger.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:            r.ID,
		AsOf:          r.AsOf,
		Status:        r.Status,
		Cursor:        string(r.Cursor),
		Customers:     r.Customers,
		EntriesClosed: r.EntriesClosed,
		PointsExpired: r.PointsExpired,
		Failed:        r.Failed,
		Error:         r.Error,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
	}
}

type DriftReportDTO struct {
	CustomerID        string          `json:"customer_id"`
	StoredSpendable   decimal.Decimal `json:"stored_spendable"`
	ExpectedSpendable decimal.Decimal `json:"expected_spendable"`
	StoredLifetime    decimal.Decimal `json:"stored_lifetime"`
	ExpectedLifetime  decimal.Decimal `json:"expected_lifetime"`
	SpendableDiff     decimal.Decimal `json:"spendable_diff"`
	LifetimeDiff      decimal.Decimal `json:"lifetime_diff"`
	Consistent        bool            `json:"consistent"`
}

func toDriftReportDTO(r kilometers.DriftReport) DriftReportDTO {
	return DriftReportDTO{
		CustomerID:        string(r.CustomerID),
		StoredSpendable:   r.Stored.Spendable,
		ExpectedSpendable: r.Expected.Spendable,
		StoredLifetime:    r.Stored.Lifetime,
		ExpectedLifetime:  r.Expected.Lifetime,
		SpendableDiff:     r.SpendableDiff,
		LifetimeDiff:      r.LifetimeDiff,
		Consistent:        r.Consistent,
	}
}

type AuditSummaryDTO struct {
	Total        int              `json:"total"`
	Consistent   int              `json:"consistent"`
	Inconsistent int              `json:"inconsistent"`
	Reconciled   int              `json:"reconciled,omitempty"`
	Details      []DriftReportDTO `json:"details"`
}

type ReconcileDTO struct {
	Report     DriftReportDTO `json:"report"`
	Reconciled bool           `json:"reconciled"`
	Correction *EntryDTO      `json:"correction,omitempty"`
}

type MetricsDTO struct {
	TotalCustomers  int             `json:"total_customers"`
	TotalLifetime   decimal.Decimal `json:"total_lifetime"`
	TotalSpendable  decimal.Decimal `json:"total_spendable"`
	TotalRedeemed   decimal.Decimal `json:"total_redeemed"`
	TotalExpired    decimal.Decimal `json:"total_expired"`
	SpendableValue  decimal.Decimal `json:"spendable_value"`
	AverageLifetime decimal.Decimal `json:"average_lifetime"`
	Activity30d     struct {
		Movements int             `json:"movements"`
		Accrued   decimal.Decimal `json:"accrued"`
		Redeemed  decimal.Decimal `json:"redeemed"`
	} `json:"activity_30d"`
	Promotions90d struct {
		Count  int             `json:"count"`
		Points decimal.Decimal `json:"points"`
	} `json:"promotions_90d"`
	GeneratedAt time.Time `json:"generated_at"`
}

func toMetricsDTO(m *kilometers.ProgramMetrics) MetricsDTO {
	dto := MetricsDTO{
		TotalCustomers:  m.TotalCustomers,
		TotalLifetime:   m.TotalLifetime,
		TotalSpendable:  m.TotalSpendable,
		TotalRedeemed:   m.TotalRedeemed,
		TotalExpired:    m.TotalExpired,
		SpendableValue:  m.SpendableValue,
		AverageLifetime: m.AverageLifetime,
		GeneratedAt:     m.GeneratedAt,
	}
	dto.Activity30d.Movements = m.Activity30d.Movements
	dto.Activity30d.Accrued = m.Activity30d.Accrued
	dto.Activity30d.Redeemed = m.Activity30d.Redeemed
	dto.Promotions90d.Count = m.Promotions90d.Count
	dto.Promotions90d.Points = m.Promotions90d.Points
	return dto
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
