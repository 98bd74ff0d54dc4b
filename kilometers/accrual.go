package kilometers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/ledger"
)

// AccrualRequest credits points to a customer.
type AccrualRequest struct {
	Customer       ledger.CustomerID
	Points         decimal.Decimal
	Kind           ledger.EventKind
	Sale           ledger.SaleRef      // required for REFERRAL_BONUS
	Promotion      ledger.PromotionRef // required for PROMOTION_BONUS
	Description    string
	Multiplier     decimal.Decimal // informational, defaults to 1
	IdempotencyKey string
	Metadata       map[string]string
}

func (r AccrualRequest) validate() error {
	if !r.Kind.IsAccrual() {
		return fmt.Errorf("%w: %s is not an accrual kind", ledger.ErrInvalidKind, r.Kind)
	}
	if !r.Points.IsPositive() {
		return fmt.Errorf("%w: got %s", ledger.ErrInvalidPoints, r.Points)
	}
	if r.Kind == ledger.KindReferralBonus && r.Sale == "" {
		return ledger.ErrMissingSale
	}
	if r.Kind == ledger.KindPromotionBonus && r.Promotion == "" {
		return ledger.ErrMissingPromotion
	}
	return nil
}

// Accrue appends one credit entry and raises both aggregates atomically.
//
// A non-participating customer gets StatusNotParticipating and nothing is
// written. A retry for the same sale and kind (and promotion) returns
// StatusDuplicate with the existing entry.
func (e *Engine) Accrue(ctx context.Context, req AccrualRequest) (*Result, error) {
	if err := req.validate(); err != nil {
		e.record("accrue", "", err)
		return nil, err
	}

	var res Result
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{req.Customer}, func(tx ledger.Tx) error {
		r, err := e.accrueTx(ctx, tx, req, e.Now())
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	e.record("accrue", res.Status, err)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (e *Engine) accrueTx(ctx context.Context, tx ledger.Tx, req AccrualRequest, now time.Time) (Result, error) {
	c, err := tx.Customer(ctx, req.Customer)
	if err != nil {
		return Result{}, err
	}
	if !c.Participates {
		return Result{Status: StatusNotParticipating, Customer: *c}, nil
	}

	entries, err := tx.Entries(ctx, c.ID)
	if err != nil {
		return Result{}, err
	}
	if dup := byIdempotencyKey(entries, req.IdempotencyKey); dup != nil {
		return Result{Status: StatusDuplicate, Entry: dup, Customer: *c}, nil
	}
	if dup := findAccrualDuplicate(entries, req); dup != nil {
		e.Log.Info("accrual already recorded",
			zap.String("customer", string(c.ID)),
			zap.String("sale", string(req.Sale)),
			zap.Stringer("kind", req.Kind),
			zap.String("entry", string(dup.ID)))
		return Result{Status: StatusDuplicate, Entry: dup, Customer: *c}, nil
	}
	if err := checkBonusCap(c.ID, entries, req, now); err != nil {
		return Result{}, err
	}

	entry := e.newEntry(c.ID, req.Kind, req.Points, now)
	entry.Sale = req.Sale
	entry.Promotion = req.Promotion
	entry.Description = req.Description
	entry.IdempotencyKey = req.IdempotencyKey
	entry.ExpiresAt = e.expiry(now)
	entry.Metadata = req.Metadata
	if req.Multiplier.IsPositive() {
		entry.Multiplier = req.Multiplier
	}

	written, err := e.apply(ctx, tx, c, entry)
	if err != nil {
		return Result{}, err
	}
	if req.Kind == ledger.KindBirthdayBonus {
		year := time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		c.LastBirthdayBonusYear = &year
	}
	if err := e.save(ctx, tx, c); err != nil {
		return Result{}, err
	}
	recordEntries(written)
	return Result{Status: StatusApplied, Entry: &written, Customer: *c}, nil
}

// findAccrualDuplicate looks for an uncompensated entry of the same sale and
// kind. Referral and birthday bonuses are governed by their caps instead.
func findAccrualDuplicate(entries []ledger.Entry, req AccrualRequest) *ledger.Entry {
	if req.Sale == "" || req.Kind == ledger.KindReferralBonus || req.Kind == ledger.KindBirthdayBonus {
		return nil
	}
	matches := uncompensated(entries, func(en ledger.Entry) bool {
		return en.Kind == req.Kind &&
			en.Sale == req.Sale &&
			(req.Kind != ledger.KindPromotionBonus || en.Promotion == req.Promotion)
	})
	if len(matches) == 0 {
		return nil
	}
	return &matches[0]
}

func checkBonusCap(customer ledger.CustomerID, entries []ledger.Entry, req AccrualRequest, now time.Time) error {
	switch req.Kind {
	case ledger.KindReferralBonus:
		granted := uncompensated(entries, func(en ledger.Entry) bool {
			return en.Kind == ledger.KindReferralBonus && en.Sale == req.Sale
		})
		if len(granted) > 0 {
			return &ledger.BonusCapError{
				CustomerID: customer,
				Kind:       req.Kind,
				Period:     "sale " + string(req.Sale),
				ExistingID: granted[0].ID,
			}
		}
	case ledger.KindBirthdayBonus:
		granted := uncompensated(entries, func(en ledger.Entry) bool {
			return en.Kind == ledger.KindBirthdayBonus && en.CreatedAt.Year() == now.Year()
		})
		if len(granted) > 0 {
			return &ledger.BonusCapError{
				CustomerID: customer,
				Kind:       req.Kind,
				Period:     "year " + strconv.Itoa(now.Year()),
				ExistingID: granted[0].ID,
			}
		}
	}
	return nil
}

// =============================================================================
// CONVENIENCE ACCRUALS
// =============================================================================

// AccruePurchase credits points for a sale: total * points-per-currency * multiplier.
func (e *Engine) AccruePurchase(ctx context.Context, customer ledger.CustomerID, sale ledger.SaleRef, total, multiplier decimal.Decimal) (*Result, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: sale total %s", ledger.ErrInvalidAmount, total)
	}
	if !multiplier.IsPositive() {
		multiplier = decimal.NewFromInt(1)
	}
	points := e.Policy.PointsFor(total, multiplier)
	desc := fmt.Sprintf("Purchase of %s", total.StringFixed(2))
	if !multiplier.Equal(decimal.NewFromInt(1)) {
		desc += fmt.Sprintf(" (x%s)", multiplier)
	}
	return e.Accrue(ctx, AccrualRequest{
		Customer:    customer,
		Points:      points,
		Kind:        ledger.KindPurchase,
		Sale:        sale,
		Description: desc,
		Multiplier:  multiplier,
	})
}

// GrantReferralBonus credits the referrer of the buying customer.
func (e *Engine) GrantReferralBonus(ctx context.Context, buyer ledger.CustomerID, sale ledger.SaleRef) (*Result, error) {
	c, err := e.Store.GetCustomer(ctx, buyer)
	if err != nil {
		return nil, err
	}
	if c.ReferredBy == nil || *c.ReferredBy == "" {
		return nil, fmt.Errorf("customer %s: %w", buyer, ledger.ErrNoReferrer)
	}
	return e.Accrue(ctx, AccrualRequest{
		Customer:    *c.ReferredBy,
		Points:      e.Policy.ReferralBonus,
		Kind:        ledger.KindReferralBonus,
		Sale:        sale,
		Description: fmt.Sprintf("Referral bonus for %s", buyer),
		Metadata:    map[string]string{"referred_customer": string(buyer)},
	})
}

// GrantBirthdayBonus credits the yearly birthday bonus.
func (e *Engine) GrantBirthdayBonus(ctx context.Context, customer ledger.CustomerID) (*Result, error) {
	return e.Accrue(ctx, AccrualRequest{
		Customer:    customer,
		Points:      e.Policy.BirthdayBonus,
		Kind:        ledger.KindBirthdayBonus,
		Description: fmt.Sprintf("Birthday bonus %d", e.Now().Year()),
	})
}
