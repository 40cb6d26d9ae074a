package notify

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/praxisbill/praxisbill/internal/ledger"
	"github.com/praxisbill/praxisbill/jobs"
)

type captureEnqueuer struct {
	payloads []jobs.SendEmailPayload
}

func (c *captureEnqueuer) EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error) {
	c.payloads = append(c.payloads, payload)
	return &asynq.TaskInfo{}, nil
}

type staticContacts map[int64]string

func (s staticContacts) BillingEmail(ctx context.Context, institutionID int64) (string, error) {
	return s[institutionID], nil
}

func TestNotifierInvoiceSent(t *testing.T) {
	enq := &captureEnqueuer{}
	n := NewNotifier(enq, staticContacts{1: "billing@stmary.example"}, nil)

	err := n.HandleInvoiceSent(context.Background(), ledger.InvoiceSentEvent{
		InvoiceID:     10,
		Number:        "INV2026090001",
		InstitutionID: 1,
		Total:         decimal.NewFromInt(216),
		DueDate:       time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, enq.payloads, 1)
	require.Equal(t, "billing@stmary.example", enq.payloads[0].To)
	require.Contains(t, enq.payloads[0].Subject, "INV2026090001")
	require.Contains(t, enq.payloads[0].Body, "216.00")
	require.Contains(t, enq.payloads[0].Body, "2026-09-30")
}

func TestNotifierSkipsWithoutBillingEmail(t *testing.T) {
	enq := &captureEnqueuer{}
	n := NewNotifier(enq, staticContacts{}, nil)

	err := n.HandleInvoicePaid(context.Background(), ledger.InvoicePaidEvent{
		InvoiceID:     10,
		Number:        "INV2026090001",
		InstitutionID: 42,
		Total:         decimal.NewFromInt(216),
		PaidAt:        time.Now(),
	})
	require.NoError(t, err)
	require.Empty(t, enq.payloads)
}

func TestNotifierPaymentReversedIncludesReason(t *testing.T) {
	enq := &captureEnqueuer{}
	n := NewNotifier(enq, staticContacts{1: "billing@stmary.example"}, nil)

	err := n.HandlePaymentReversed(context.Background(), ledger.PaymentReversedEvent{
		PaymentID:     "abc",
		InvoiceNumber: "INV2026090001",
		InstitutionID: 1,
		Amount:        decimal.NewFromInt(400),
		Reason:        "duplicate charge",
	})
	require.NoError(t, err)
	require.Len(t, enq.payloads, 1)
	require.Contains(t, enq.payloads[0].Body, "duplicate charge")
	require.Contains(t, enq.payloads[0].Body, "400.00")
}
