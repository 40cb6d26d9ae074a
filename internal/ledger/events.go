package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceSentEvent fires when a draft invoice is sent.
type InvoiceSentEvent struct {
	InvoiceID     int64
	Number        string
	InstitutionID int64
	Total         decimal.Decimal
	DueDate       time.Time
	SentAt        time.Time
}

// PaymentConfirmedEvent fires when a pending payment is confirmed.
type PaymentConfirmedEvent struct {
	PaymentID     string
	InvoiceID     int64
	InvoiceNumber string
	InstitutionID int64
	Amount        decimal.Decimal
	Method        PaymentMethod
	PaymentDate   time.Time
}

// InvoicePaidEvent fires when reconciliation derives full coverage.
type InvoicePaidEvent struct {
	InvoiceID     int64
	Number        string
	InstitutionID int64
	Total         decimal.Decimal
	PaidAt        time.Time
}

// PaymentReversedEvent fires when a confirmed payment is refunded.
type PaymentReversedEvent struct {
	PaymentID     string
	InvoiceID     int64
	InvoiceNumber string
	InstitutionID int64
	Amount        decimal.Decimal
	Reason        string
}

// EventSink receives ledger domain events after the owning transaction
// commits. Subscribers handle delivery (notifications, documents); the
// ledger never calls transport-layer code directly.
type EventSink interface {
	HandleInvoiceSent(ctx context.Context, evt InvoiceSentEvent) error
	HandlePaymentConfirmed(ctx context.Context, evt PaymentConfirmedEvent) error
	HandleInvoicePaid(ctx context.Context, evt InvoicePaidEvent) error
	HandlePaymentReversed(ctx context.Context, evt PaymentReversedEvent) error
}
