/*
Package ledger provides the append-only kilometers ledger and its storage contracts.

PURPOSE:
  Every change to a customer's loyalty balance is recorded as an immutable,
  signed Entry. The two totals kept on the Customer record (lifetime earned and
  spendable) are a cached projection of those entries and can be recomputed at
  any time (see projection.go).

KEY CONCEPTS IN THIS FILE (types.go):
  - EventKind: closed set of ledger event kinds
  - Entry: one immutable point movement
  - Customer: the loyalty fields of a CRM customer
  - PromotionResult: resolved promotion outcome handed in by the sale workflow

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only compensated
  2. Precision: points and money use decimal.Decimal
  3. Type Safety: customer, sale and entry ids are distinct types

SEE ALSO:
  - projection.go: aggregates and lots derived from entries
  - store.go: persistence contracts
  - errors.go: error taxonomy
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type CustomerID string
type SaleRef string
type PromotionRef string
type EntryID string

// =============================================================================
// EVENT KIND - Closed enum
// =============================================================================

// EventKind identifies what produced a ledger entry.
type EventKind uint8

const (
	KindPurchase EventKind = iota + 1
	KindReferralBonus
	KindBirthdayBonus
	KindCampaignBonus
	KindPromotionBonus
	KindAdjustment
	KindRedemption
	KindExpiration
	KindReversalOfAccrual
	KindReversalOfRedemption
)

// AllKinds lists every event kind in declaration order.
var AllKinds = []EventKind{
	KindPurchase,
	KindReferralBonus,
	KindBirthdayBonus,
	KindCampaignBonus,
	KindPromotionBonus,
	KindAdjustment,
	KindRedemption,
	KindExpiration,
	KindReversalOfAccrual,
	KindReversalOfRedemption,
}

func (k EventKind) String() string {
	switch k {
	case KindPurchase:
		return "PURCHASE"
	case KindReferralBonus:
		return "REFERRAL_BONUS"
	case KindBirthdayBonus:
		return "BIRTHDAY_BONUS"
	case KindCampaignBonus:
		return "CAMPAIGN_BONUS"
	case KindPromotionBonus:
		return "PROMOTION_BONUS"
	case KindAdjustment:
		return "ADJUSTMENT"
	case KindRedemption:
		return "REDEMPTION"
	case KindExpiration:
		return "EXPIRATION"
	case KindReversalOfAccrual:
		return "REVERSAL_OF_ACCRUAL"
	case KindReversalOfRedemption:
		return "REVERSAL_OF_REDEMPTION"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// ParseEventKind is the inverse of String.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range AllKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

func (k EventKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKind, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEventKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Valid reports whether k is one of the declared kinds.
func (k EventKind) Valid() bool {
	return k >= KindPurchase && k <= KindReversalOfRedemption
}

// IsAccrual reports whether entries of this kind count as earned points.
func (k EventKind) IsAccrual() bool {
	switch k {
	case KindPurchase, KindReferralBonus, KindBirthdayBonus, KindCampaignBonus, KindPromotionBonus:
		return true
	case KindAdjustment, KindRedemption, KindExpiration, KindReversalOfAccrual, KindReversalOfRedemption:
		return false
	default:
		return false
	}
}

// AffectsLifetime reports whether entries of this kind move lifetime earned.
func (k EventKind) AffectsLifetime() bool {
	switch k {
	case KindPurchase, KindReferralBonus, KindBirthdayBonus, KindCampaignBonus, KindPromotionBonus,
		KindReversalOfAccrual:
		return true
	case KindAdjustment, KindRedemption, KindExpiration, KindReversalOfRedemption:
		return false
	default:
		return false
	}
}

// =============================================================================
// ENTRY - Immutable point movement
// =============================================================================

// Entry is one signed point movement. Positive points credit the balance.
// The only field ever changed after creation is ClosedForExpiration.
type Entry struct {
	ID         EntryID
	Seq        int64 // assigned by the store
	CustomerID CustomerID
	Kind       EventKind
	Points     decimal.Decimal

	Sale             SaleRef
	Promotion        PromotionRef
	ReferenceEntryID EntryID // entry compensated by this one

	IsRedemption        bool
	ExpiresAt           *time.Time
	ClosedForExpiration bool
	MonetaryEquivalent  *decimal.Decimal
	Multiplier          decimal.Decimal

	// Correction marks auditor records that document a rewrite of the
	// cached aggregate. They are not balance movements.
	Correction bool

	Description    string
	IdempotencyKey string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// IsCredit reports whether the entry adds to the balance.
func (e Entry) IsCredit() bool {
	return e.Points.IsPositive()
}

// Expirable reports whether the sweep should consider this entry at asOf.
func (e Entry) Expirable(asOf time.Time) bool {
	return !e.Correction &&
		!e.ClosedForExpiration &&
		e.Points.IsPositive() &&
		e.ExpiresAt != nil &&
		!e.ExpiresAt.After(asOf)
}

// =============================================================================
// CUSTOMER - Loyalty fields of the CRM customer
// =============================================================================

type Customer struct {
	ID                    CustomerID
	Participates          bool
	LifetimeEarned        decimal.Decimal
	SpendableBalance      decimal.Decimal
	LastAccrualAt         *time.Time
	LastBirthdayBonusYear *time.Time
	ReferredBy            *CustomerID

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BirthdayBonusYear returns the calendar year of the last birthday bonus, or 0.
func (c Customer) BirthdayBonusYear() int {
	if c.LastBirthdayBonusYear == nil {
		return 0
	}
	return c.LastBirthdayBonusYear.Year()
}

// Profile is what the CRM hands over when registering a customer.
type Profile struct {
	ID           CustomerID
	Participates bool
	ReferredBy   *CustomerID
}

// =============================================================================
// PROMOTION RESULT - resolved by the promotion component, consumed here
// =============================================================================

type PromotionResult struct {
	Promotion      PromotionRef
	BonusPoints    decimal.Decimal // KM-type promotions
	DiscountAmount decimal.Decimal // discount-type promotions, no ledger effect
}

// IsKilometers reports whether the promotion grants points.
func (p PromotionResult) IsKilometers() bool {
	return p.BonusPoints.IsPositive()
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
