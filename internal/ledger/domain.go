package ledger

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusSent          InvoiceStatus = "sent"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusCancelled     InvoiceStatus = "cancelled"
)

// PaymentStatus enumerates payment lifecycle states.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentMethod enumerates accepted payment methods.
type PaymentMethod string

const (
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	PaymentMethodCheck        PaymentMethod = "check"
	PaymentMethodCash         PaymentMethod = "cash"
	PaymentMethodCreditCard   PaymentMethod = "credit_card"
	PaymentMethodOther        PaymentMethod = "other"
)

// ValidPaymentMethod reports whether m is one of the accepted methods.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodBankTransfer, PaymentMethodCheck, PaymentMethodCash, PaymentMethodCreditCard, PaymentMethodOther:
		return true
	}
	return false
}

// Sentinel errors for the ledger domain.
var (
	ErrNotFound                = errors.New("ledger: not found")
	ErrValidation              = errors.New("ledger: validation failed")
	ErrInstitutionNotFound     = errors.New("ledger: institution not found")
	ErrInvoiceNotModifiable    = errors.New("ledger: invoice not modifiable")
	ErrInvalidStatus           = errors.New("ledger: invalid status transition")
	ErrCannotReceivePayments   = errors.New("ledger: invoice cannot receive payments")
	ErrInvalidPaymentAmount    = errors.New("ledger: invalid payment amount")
	ErrPaymentExceedsRemaining = errors.New("ledger: payment exceeds remaining amount")
	ErrNumberConflict          = errors.New("ledger: invoice number conflict")
)

// ErrorCode returns the machine-readable code for a ledger error, or
// "INTERNAL" when the error does not belong to the ledger taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInstitutionNotFound):
		return "INSTITUTION_NOT_FOUND"
	case errors.Is(err, ErrInvoiceNotModifiable):
		return "INVOICE_NOT_MODIFIABLE"
	case errors.Is(err, ErrCannotReceivePayments):
		return "INVOICE_CANNOT_RECEIVE_PAYMENTS"
	case errors.Is(err, ErrPaymentExceedsRemaining):
		return "PAYMENT_EXCEEDS_REMAINING"
	case errors.Is(err, ErrInvalidPaymentAmount):
		return "INVALID_PAYMENT_AMOUNT"
	case errors.Is(err, ErrInvalidStatus):
		return "INVALID_STATUS"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrNumberConflict):
		return "NUMBER_CONFLICT"
	}
	return "INTERNAL"
}

// Invoice is a billing document owned by one institution and one assigned user.
// Monetary aggregates are derived from the attached lines and confirmed
// payments, never set directly by callers.
type Invoice struct {
	ID              int64
	Number          string
	InstitutionID   int64
	AssignedUserID  int64
	Title           string
	Description     string
	Status          InvoiceStatus
	Subtotal        decimal.Decimal
	TotalDiscount   decimal.Decimal
	TotalTax        decimal.Decimal
	Total           decimal.Decimal
	TotalPaid       decimal.Decimal
	RemainingAmount decimal.Decimal
	DueDate         time.Time
	SentAt          *time.Time
	PaidAt          *time.Time
	LastPaymentDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsModifiable reports whether lines may still be added, changed, or removed.
func (i *Invoice) IsModifiable() bool {
	return i.Status == InvoiceStatusDraft
}

// CanReceivePayments reports whether a payment may be recorded against the invoice.
func (i *Invoice) CanReceivePayments() bool {
	switch i.Status {
	case InvoiceStatusSent, InvoiceStatusPartiallyPaid, InvoiceStatusOverdue:
		return true
	}
	return false
}

// IsOverdue reports whether the invoice is past due and not fully paid.
func (i *Invoice) IsOverdue(now time.Time) bool {
	return i.Status != InvoiceStatusPaid && now.After(i.DueDate)
}

// DaysOverdue returns the number of days past due, or nil when not overdue.
func (i *Invoice) DaysOverdue(now time.Time) *int {
	if !i.IsOverdue(now) {
		return nil
	}
	days := int(math.Ceil(now.Sub(i.DueDate).Hours() / 24))
	return &days
}

// DaysUntilDue returns the days until the due date (negative when past due),
// or nil once the invoice is paid.
func (i *Invoice) DaysUntilDue(now time.Time) *int {
	if i.Status == InvoiceStatusPaid {
		return nil
	}
	days := int(math.Ceil(i.DueDate.Sub(now).Hours() / 24))
	return &days
}

// InvoiceLine is one billable item on an invoice. OrderIndex is 1-based and
// contiguous per invoice; it defines display and print order.
type InvoiceLine struct {
	ID                 int64
	InvoiceID          int64
	OrderIndex         int
	Description        string
	Quantity           decimal.Decimal
	UnitPrice          decimal.Decimal
	DiscountType       DiscountType
	DiscountValue      decimal.Decimal
	TaxRate            decimal.Decimal
	Subtotal           decimal.Decimal
	DiscountAmount     decimal.Decimal
	TotalAfterDiscount decimal.Decimal
	TaxAmount          decimal.Decimal
	Total              decimal.Decimal
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Payment is one payment event applied to exactly one invoice.
type Payment struct {
	ID          string
	InvoiceID   int64
	Amount      decimal.Decimal
	PaymentDate time.Time
	Method      PaymentMethod
	Reference   string
	Status      PaymentStatus
	Notes       string
	RecordedBy  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsRecent reports whether the payment date falls within the last seven days.
func (p *Payment) IsRecent(now time.Time) bool {
	return !p.PaymentDate.Before(now.AddDate(0, 0, -7)) && !p.PaymentDate.After(now)
}

// FormattedReference returns the stored reference, or a synthetic one derived
// from the payment method and the last eight characters of the ID.
func (p *Payment) FormattedReference() string {
	if p.Reference != "" {
		return p.Reference
	}
	id := p.ID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return strings.ToUpper(string(p.Method)) + "-" + id
}

// InvoiceWithDetails bundles an invoice with its lines and payments.
type InvoiceWithDetails struct {
	Invoice
	InstitutionName string
	Lines           []InvoiceLine
	Payments        []Payment
}

// ListInvoicesRequest filters invoice listings.
type ListInvoicesRequest struct {
	Status        InvoiceStatus
	InstitutionID int64
	FromDate      time.Time
	ToDate        time.Time
	Limit         int
	Offset        int
}
