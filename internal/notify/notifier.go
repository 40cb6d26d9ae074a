// Package notify turns ledger events into queued transactional emails.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/praxisbill/praxisbill/internal/ledger"
	"github.com/praxisbill/praxisbill/jobs"
)

// Enqueuer submits email tasks to the job queue.
type Enqueuer interface {
	EnqueueSendEmail(ctx context.Context, payload jobs.SendEmailPayload) (*asynq.TaskInfo, error)
}

// ContactResolver finds the billing address for an institution. An empty
// address with a nil error means the institution opted out.
type ContactResolver interface {
	BillingEmail(ctx context.Context, institutionID int64) (string, error)
}

// Notifier implements the ledger's event sink by enqueueing emails. Events
// arrive after commit, so a failed enqueue loses one notification, never
// ledger state.
type Notifier struct {
	enqueuer Enqueuer
	contacts ContactResolver
	logger   *slog.Logger
}

// NewNotifier builds a Notifier.
func NewNotifier(enqueuer Enqueuer, contacts ContactResolver, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{enqueuer: enqueuer, contacts: contacts, logger: logger}
}

func (n *Notifier) HandleInvoiceSent(ctx context.Context, evt ledger.InvoiceSentEvent) error {
	return n.send(ctx, evt.InstitutionID, jobs.SendEmailPayload{
		Subject: fmt.Sprintf("Invoice %s issued", evt.Number),
		Body: fmt.Sprintf("Invoice %s for %s is due on %s.",
			evt.Number, evt.Total.StringFixed(2), evt.DueDate.Format("2006-01-02")),
	})
}

func (n *Notifier) HandlePaymentConfirmed(ctx context.Context, evt ledger.PaymentConfirmedEvent) error {
	return n.send(ctx, evt.InstitutionID, jobs.SendEmailPayload{
		Subject: fmt.Sprintf("Payment received for invoice %s", evt.InvoiceNumber),
		Body: fmt.Sprintf("We received your %s payment of %s dated %s against invoice %s.",
			evt.Method, evt.Amount.StringFixed(2), evt.PaymentDate.Format("2006-01-02"), evt.InvoiceNumber),
	})
}

func (n *Notifier) HandleInvoicePaid(ctx context.Context, evt ledger.InvoicePaidEvent) error {
	return n.send(ctx, evt.InstitutionID, jobs.SendEmailPayload{
		Subject: fmt.Sprintf("Invoice %s settled", evt.Number),
		Body: fmt.Sprintf("Invoice %s is paid in full (%s) as of %s. Thank you.",
			evt.Number, evt.Total.StringFixed(2), evt.PaidAt.Format("2006-01-02")),
	})
}

func (n *Notifier) HandlePaymentReversed(ctx context.Context, evt ledger.PaymentReversedEvent) error {
	body := fmt.Sprintf("A payment of %s against invoice %s was refunded.",
		evt.Amount.StringFixed(2), evt.InvoiceNumber)
	if evt.Reason != "" {
		body += " Reason: " + evt.Reason
	}
	return n.send(ctx, evt.InstitutionID, jobs.SendEmailPayload{
		Subject: fmt.Sprintf("Payment refunded on invoice %s", evt.InvoiceNumber),
		Body:    body,
	})
}

func (n *Notifier) send(ctx context.Context, institutionID int64, payload jobs.SendEmailPayload) error {
	to, err := n.contacts.BillingEmail(ctx, institutionID)
	if err != nil {
		return fmt.Errorf("notify: resolve billing email: %w", err)
	}
	if to == "" {
		n.logger.Debug("no billing email on file", slog.Int64("institution_id", institutionID))
		return nil
	}
	payload.To = to
	if _, err := n.enqueuer.EnqueueSendEmail(ctx, payload); err != nil {
		return fmt.Errorf("notify: enqueue email: %w", err)
	}
	return nil
}
