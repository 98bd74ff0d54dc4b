package kilometers

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the program's conversion constants. They are configuration,
// loaded through the config package.
type Policy struct {
	PointsPerCurrency decimal.Decimal // points earned per currency unit spent
	CurrencyPerPoint  decimal.Decimal // monetary value of one point
	RedemptionCap     decimal.Decimal // max share of a sale payable with points
	Validity          time.Duration   // lifetime of a credit before it expires
	ReferralBonus     decimal.Decimal
	BirthdayBonus     decimal.Decimal
	Tolerance         decimal.Decimal // auditor drift tolerance
}

// DefaultPolicy returns the program defaults.
func DefaultPolicy() Policy {
	return Policy{
		PointsPerCurrency: decimal.RequireFromString("0.5"),
		CurrencyPerPoint:  decimal.RequireFromString("0.05"),
		RedemptionCap:     decimal.RequireFromString("0.10"),
		Validity:          730 * 24 * time.Hour,
		ReferralBonus:     decimal.NewFromInt(2000),
		BirthdayBonus:     decimal.NewFromInt(1000),
		Tolerance:         decimal.RequireFromString("0.01"),
	}
}

// Validate rejects policies the engine cannot run with.
func (p Policy) Validate() error {
	switch {
	case !p.PointsPerCurrency.IsPositive():
		return fmt.Errorf("points per currency must be positive, got %s", p.PointsPerCurrency)
	case !p.CurrencyPerPoint.IsPositive():
		return fmt.Errorf("currency per point must be positive, got %s", p.CurrencyPerPoint)
	case !p.RedemptionCap.IsPositive() || p.RedemptionCap.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("redemption cap must be in (0, 1], got %s", p.RedemptionCap)
	case p.Validity <= 0:
		return fmt.Errorf("validity must be positive, got %s", p.Validity)
	case p.ReferralBonus.IsNegative() || p.BirthdayBonus.IsNegative():
		return fmt.Errorf("bonuses must not be negative")
	case p.Tolerance.IsNegative():
		return fmt.Errorf("tolerance must not be negative, got %s", p.Tolerance)
	}
	return nil
}

// MonetaryValue converts points into currency.
func (p Policy) MonetaryValue(points decimal.Decimal) decimal.Decimal {
	return points.Mul(p.CurrencyPerPoint)
}

// PointsFor converts a purchase amount into earned points.
func (p Policy) PointsFor(amount, multiplier decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.PointsPerCurrency).Mul(multiplier)
}

// MaxRedeemableValue is the largest monetary value payable with points on a sale.
func (p Policy) MaxRedeemableValue(saleTotal decimal.Decimal) decimal.Decimal {
	if !saleTotal.IsPositive() {
		return decimal.Zero
	}
	return saleTotal.Mul(p.RedemptionCap)
}
