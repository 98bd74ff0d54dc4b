/*
errors.go - Centralized error types for the kilometers ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; structured errors unwrap to
  their sentinel.

ERROR CATEGORIES:
  1. Business rule rejections - nothing written, caller shows a message
  2. Store errors - conflicts and missing records
  3. Audit findings - drift between aggregate and ledger

SEE ALSO:
  - kilometers/engine.go: returns these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a redemption exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrRedemptionCapExceeded is returned when the redeemed value exceeds the
	// allowed share of the sale total.
	ErrRedemptionCapExceeded = errors.New("redemption cap exceeded")

	// ErrBonusCapExceeded is returned when a referral or birthday bonus was
	// already granted in its period.
	ErrBonusCapExceeded = errors.New("bonus cap exceeded")

	// ErrConsistencyDrift is reported by the auditor, never by normal operations.
	ErrConsistencyDrift = errors.New("aggregate drifted from ledger")

	// ErrDuplicateIdempotencyKey is returned by stores when the key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when the customer version changed under us.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrCustomerNotFound = errors.New("customer not found")
	ErrEntryNotFound    = errors.New("entry not found")
	ErrInvalidPoints    = errors.New("points must be positive")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidKind      = errors.New("invalid event kind")
	ErrMissingSale      = errors.New("sale reference required")
	ErrMissingPromotion = errors.New("promotion reference required")
	ErrNoReferrer       = errors.New("customer has no referrer")
	ErrCustomerUnlocked = errors.New("customer not locked in this transaction")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	CustomerID CustomerID
	Available  decimal.Decimal
	Requested  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available, e.Requested, e.Requested.Sub(e.Available))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// RedemptionCapError reports a redemption worth more than the allowed share of a sale.
type RedemptionCapError struct {
	Sale           SaleRef
	SaleTotal      decimal.Decimal
	MaxValue       decimal.Decimal
	RequestedValue decimal.Decimal
}

func (e *RedemptionCapError) Error() string {
	return fmt.Sprintf("cannot redeem %s worth of points on sale %s: limit is %s of %s",
		e.RequestedValue.StringFixed(2), e.Sale, e.MaxValue.StringFixed(2), e.SaleTotal.StringFixed(2))
}

func (e *RedemptionCapError) Unwrap() error {
	return ErrRedemptionCapExceeded
}

// BonusCapError reports a bonus already granted in its period.
type BonusCapError struct {
	CustomerID CustomerID
	Kind       EventKind
	Period     string // sale ref or calendar year
	ExistingID EntryID
}

func (e *BonusCapError) Error() string {
	return fmt.Sprintf("%s already granted to %s for %s (entry %s)",
		e.Kind, e.CustomerID, e.Period, e.ExistingID)
}

func (e *BonusCapError) Unwrap() error {
	return ErrBonusCapExceeded
}

// DriftError describes a disagreement between cached aggregates and the ledger.
type DriftError struct {
	CustomerID    CustomerID
	SpendableDiff decimal.Decimal
	LifetimeDiff  decimal.Decimal
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("customer %s drifted: spendable %s, lifetime %s",
		e.CustomerID, e.SpendableDiff, e.LifetimeDiff)
}

func (e *DriftError) Unwrap() error {
	return ErrConsistencyDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsBusinessRule returns true for rejections the customer or cashier can act on.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrRedemptionCapExceeded) ||
		errors.Is(err, ErrBonusCapExceeded) ||
		errors.Is(err, ErrNoReferrer)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return IsBusinessRule(err) ||
		errors.Is(err, ErrInvalidPoints) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrMissingSale) ||
		errors.Is(err, ErrMissingPromotion) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCustomerNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
