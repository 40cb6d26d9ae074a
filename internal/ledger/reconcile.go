package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileOutcome carries the aggregates and status derived from an
// invoice's confirmed payment history.
type ReconcileOutcome struct {
	TotalPaid       decimal.Decimal
	RemainingAmount decimal.Decimal
	LastPaymentDate *time.Time
	Status          InvoiceStatus
	PaidAt          *time.Time
	StatusChanged   bool
}

// ReconcileInvoice recomputes totalPaid, remainingAmount, lastPaymentDate,
// and status from the full payment set. Only confirmed payments count.
// The function is pure and idempotent: applying its outcome and reconciling
// again yields the same outcome.
func ReconcileInvoice(inv *Invoice, payments []Payment, now time.Time) ReconcileOutcome {
	var totalPaid decimal.Decimal
	var lastPayment *time.Time
	for _, p := range payments {
		if p.Status != PaymentStatusConfirmed {
			continue
		}
		totalPaid = totalPaid.Add(p.Amount)
		if lastPayment == nil || p.PaymentDate.After(*lastPayment) {
			t := p.PaymentDate
			lastPayment = &t
		}
	}

	out := ReconcileOutcome{
		TotalPaid:       totalPaid,
		RemainingAmount: inv.Total.Sub(totalPaid),
		LastPaymentDate: lastPayment,
		Status:          inv.Status,
		PaidAt:          inv.PaidAt,
	}

	// Draft and cancelled invoices keep their status; aggregates still sync.
	if inv.Status != InvoiceStatusDraft && inv.Status != InvoiceStatusCancelled {
		switch {
		case inv.Total.IsPositive() && totalPaid.GreaterThanOrEqual(inv.Total):
			out.Status = InvoiceStatusPaid
			if out.PaidAt == nil {
				if lastPayment != nil {
					out.PaidAt = lastPayment
				} else {
					t := now
					out.PaidAt = &t
				}
			}
		case totalPaid.IsPositive():
			out.Status = InvoiceStatusPartiallyPaid
			out.PaidAt = nil
		case now.After(inv.DueDate):
			out.Status = InvoiceStatusOverdue
			out.PaidAt = nil
		default:
			// No confirmed coverage left: a previously paid or partially
			// paid invoice reverts to sent.
			out.Status = InvoiceStatusSent
			out.PaidAt = nil
		}
	}

	out.StatusChanged = out.Status != inv.Status
	return out
}

// Apply writes the outcome back onto the invoice.
func (o ReconcileOutcome) Apply(inv *Invoice) {
	inv.TotalPaid = o.TotalPaid
	inv.RemainingAmount = o.RemainingAmount
	inv.LastPaymentDate = o.LastPaymentDate
	inv.Status = o.Status
	inv.PaidAt = o.PaidAt
}
