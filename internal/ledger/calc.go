package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates line discount kinds.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed_amount"
)

var (
	oneHundred = decimal.NewFromInt(100)
)

// LineAmounts holds the derived monetary fields of a single line.
// Tax is charged on the post-discount amount, not the gross subtotal.
type LineAmounts struct {
	Subtotal           decimal.Decimal
	DiscountAmount     decimal.Decimal
	TotalAfterDiscount decimal.Decimal
	TaxAmount          decimal.Decimal
	Total              decimal.Decimal
}

// ComputeLineAmounts derives a line's totals from quantity, unit price,
// discount spec, and tax rate. All arithmetic stays in the decimal domain;
// rounding happens only at presentation boundaries.
//
// A percentage discount above 100 is a validation error; a fixed discount
// larger than the subtotal is silently capped, never negative.
func ComputeLineAmounts(quantity, unitPrice decimal.Decimal, discountType DiscountType, discountValue, taxRate decimal.Decimal) (LineAmounts, error) {
	if !quantity.IsPositive() {
		return LineAmounts{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if unitPrice.IsNegative() {
		return LineAmounts{}, fmt.Errorf("%w: unit price must not be negative", ErrValidation)
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(oneHundred) {
		return LineAmounts{}, fmt.Errorf("%w: tax rate must be between 0 and 100", ErrValidation)
	}
	if discountValue.IsNegative() {
		return LineAmounts{}, fmt.Errorf("%w: discount value must not be negative", ErrValidation)
	}

	subtotal := quantity.Mul(unitPrice)

	var discount decimal.Decimal
	switch discountType {
	case DiscountPercentage:
		if discountValue.GreaterThan(oneHundred) {
			return LineAmounts{}, fmt.Errorf("%w: percentage discount must not exceed 100", ErrValidation)
		}
		discount = subtotal.Mul(discountValue).Div(oneHundred)
	case DiscountFixed:
		discount = decimal.Min(discountValue, subtotal)
	default:
		return LineAmounts{}, fmt.Errorf("%w: unknown discount type %q", ErrValidation, discountType)
	}

	afterDiscount := subtotal.Sub(discount)
	tax := afterDiscount.Mul(taxRate).Div(oneHundred)

	return LineAmounts{
		Subtotal:           subtotal,
		DiscountAmount:     discount,
		TotalAfterDiscount: afterDiscount,
		TaxAmount:          tax,
		Total:              afterDiscount.Add(tax),
	}, nil
}

// SumLineTotals aggregates invoice-level totals over the given lines.
func SumLineTotals(lines []InvoiceLine) (subtotal, discount, tax, total decimal.Decimal) {
	for _, line := range lines {
		subtotal = subtotal.Add(line.Subtotal)
		discount = discount.Add(line.DiscountAmount)
		tax = tax.Add(line.TaxAmount)
		total = total.Add(line.Total)
	}
	return subtotal, discount, tax, total
}
