package kilometers

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/ledger"
)

// RedemptionRequest spends points against a sale.
type RedemptionRequest struct {
	Customer       ledger.CustomerID
	Points         decimal.Decimal
	SaleTotal      decimal.Decimal
	Sale           ledger.SaleRef
	Description    string
	IdempotencyKey string
}

// Redeem debits spendable points. The monetary value of everything redeemed
// on the sale may not exceed the policy cap of the sale total, and the points
// may not exceed the spendable balance. Nothing is clamped.
func (e *Engine) Redeem(ctx context.Context, req RedemptionRequest) (*Result, error) {
	if err := validateRedemption(req); err != nil {
		e.record("redeem", "", err)
		return nil, err
	}

	var res Result
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{req.Customer}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, req.Customer)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, c.ID)
		if err != nil {
			return err
		}
		if dup := byIdempotencyKey(entries, req.IdempotencyKey); dup != nil {
			res = Result{Status: StatusDuplicate, Entry: dup, Customer: *c}
			return nil
		}

		onSale := uncompensated(entries, func(en ledger.Entry) bool {
			return en.Kind == ledger.KindRedemption && en.Sale == req.Sale
		})
		alreadyRedeemed := decimal.Zero
		for _, en := range onSale {
			if req.IdempotencyKey == "" && en.Points.Neg().Equal(req.Points) {
				res = Result{Status: StatusDuplicate, Entry: &en, Customer: *c}
				return nil
			}
			alreadyRedeemed = alreadyRedeemed.Add(en.Points.Neg())
		}

		maxValue := e.Policy.MaxRedeemableValue(req.SaleTotal)
		requested := e.Policy.MonetaryValue(req.Points.Add(alreadyRedeemed))
		if requested.GreaterThan(maxValue) {
			return &ledger.RedemptionCapError{
				Sale:           req.Sale,
				SaleTotal:      req.SaleTotal,
				MaxValue:       maxValue,
				RequestedValue: requested,
			}
		}
		if req.Points.GreaterThan(c.SpendableBalance) {
			return &ledger.InsufficientBalanceError{
				CustomerID: c.ID,
				Available:  c.SpendableBalance,
				Requested:  req.Points,
			}
		}

		now := e.Now()
		entry := e.newEntry(c.ID, ledger.KindRedemption, req.Points.Neg(), now)
		entry.Sale = req.Sale
		entry.IdempotencyKey = req.IdempotencyKey
		entry.Description = req.Description
		if entry.Description == "" {
			entry.Description = fmt.Sprintf("Redemption on sale %s", req.Sale)
		}

		written, err := e.apply(ctx, tx, c, entry)
		if err != nil {
			return err
		}
		if err := e.save(ctx, tx, c); err != nil {
			return err
		}
		recordEntries(written)
		res = Result{Status: StatusApplied, Entry: &written, Customer: *c}
		return nil
	})
	e.record("redeem", res.Status, err)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func validateRedemption(req RedemptionRequest) error {
	if !req.Points.IsPositive() {
		return fmt.Errorf("%w: got %s", ledger.ErrInvalidPoints, req.Points)
	}
	if !req.SaleTotal.IsPositive() {
		return fmt.Errorf("%w: sale total %s", ledger.ErrInvalidAmount, req.SaleTotal)
	}
	if req.Sale == "" {
		return ledger.ErrMissingSale
	}
	return nil
}

// =============================================================================
// REDEMPTION LIMIT
// =============================================================================

// RedemptionLimit tells the cashier how much can be paid with points.
type RedemptionLimit struct {
	CapPoints decimal.Decimal // allowed by the sale cap alone
	CapValue  decimal.Decimal
	MaxPoints decimal.Decimal // also bounded by the spendable balance
	MaxValue  decimal.Decimal
	Spendable decimal.Decimal
}

// RedemptionLimit computes the redeemable points for a prospective sale,
// rounded to two decimals.
func (e *Engine) RedemptionLimit(ctx context.Context, customer ledger.CustomerID, saleTotal decimal.Decimal) (*RedemptionLimit, error) {
	c, err := e.Store.GetCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}

	limit := &RedemptionLimit{
		CapPoints: decimal.Zero,
		CapValue:  decimal.Zero,
		MaxPoints: decimal.Zero,
		MaxValue:  decimal.Zero,
		Spendable: c.SpendableBalance,
	}
	if !saleTotal.IsPositive() {
		return limit, nil
	}

	limit.CapValue = e.Policy.MaxRedeemableValue(saleTotal).Round(2)
	limit.CapPoints = limit.CapValue.Div(e.Policy.CurrencyPerPoint).Round(2)
	limit.MaxPoints = decimal.Min(limit.CapPoints, c.SpendableBalance).Round(2)
	limit.MaxValue = e.Policy.MonetaryValue(limit.MaxPoints).Round(2)
	return limit, nil
}

// =============================================================================
// MANUAL ADJUSTMENT
// =============================================================================

// Adjust records an operator adjustment of the spendable balance. Credits
// expire like any other credit; debits may not overdraw.
func (e *Engine) Adjust(ctx context.Context, customer ledger.CustomerID, points decimal.Decimal, reason string) (*Result, error) {
	if points.IsZero() {
		return nil, fmt.Errorf("%w: adjustment of zero", ledger.ErrInvalidPoints)
	}

	var res Result
	err := e.Store.WithCustomers(ctx, []ledger.CustomerID{customer}, func(tx ledger.Tx) error {
		c, err := tx.Customer(ctx, customer)
		if err != nil {
			return err
		}
		if c.SpendableBalance.Add(points).IsNegative() {
			return &ledger.InsufficientBalanceError{
				CustomerID: c.ID,
				Available:  c.SpendableBalance,
				Requested:  points.Neg(),
			}
		}

		now := e.Now()
		entry := e.newEntry(c.ID, ledger.KindAdjustment, points, now)
		entry.Description = reason
		if points.IsPositive() {
			entry.ExpiresAt = e.expiry(now)
		}
		written, err := e.apply(ctx, tx, c, entry)
		if err != nil {
			return err
		}
		if err := e.save(ctx, tx, c); err != nil {
			return err
		}
		recordEntries(written)
		res = Result{Status: StatusApplied, Entry: &written, Customer: *c}
		return nil
	})
	e.record("adjust", res.Status, err)
	if err != nil {
		return nil, err
	}
	e.Log.Info("manual adjustment",
		zap.String("customer", string(customer)),
		zap.String("points", points.String()),
		zap.String("reason", reason))
	return &res, nil
}
