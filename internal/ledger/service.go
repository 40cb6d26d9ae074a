package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/praxisbill/praxisbill/internal/shared"
)

// RepositoryPort defines data access methods required by the ledger service.
// Mutations go through WithTx so every state change runs under a row lock on
// the owning invoice.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error)
	ListLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetInstitutionName(ctx context.Context, id int64) (string, error)
}

// TxRepository exposes the operations available inside a ledger transaction.
type TxRepository interface {
	GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error)
	InsertInvoice(ctx context.Context, inv *Invoice) (int64, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	NextInvoiceSequence(ctx context.Context, prefix string) (int, error)
	ListLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error)
	InsertLine(ctx context.Context, line *InvoiceLine) (int64, error)
	UpdateLine(ctx context.Context, line *InvoiceLine) error
	DeleteLine(ctx context.Context, invoiceID, lineID int64) error
	SetLineOrder(ctx context.Context, invoiceID, lineID int64, orderIndex int) error
	GetPaymentForUpdate(ctx context.Context, id string) (*Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
}

// InstitutionDirectory answers institution-existence checks. The ledger never
// reads institution data beyond existence and display name.
type InstitutionDirectory interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// AuditRecorder persists an activity trail entry.
type AuditRecorder interface {
	Record(ctx context.Context, entry shared.AuditEntry) error
}

// IdempotencyGuard claims and releases request keys for retried mutations.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, scope string) error
	Release(ctx context.Context, key string) error
}

// Service handles invoice and payment business logic.
type Service struct {
	repo         RepositoryPort
	institutions InstitutionDirectory
	events       EventSink
	audit        AuditRecorder
	idems        IdempotencyGuard
	logger       *slog.Logger
}

// NewService builds a Service instance. The event sink, audit recorder, and
// idempotency guard may each be nil.
func NewService(repo RepositoryPort, institutions InstitutionDirectory, events EventSink, audit AuditRecorder, idems IdempotencyGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		institutions: institutions,
		events:       events,
		audit:        audit,
		idems:        idems,
		logger:       logger,
	}
}

// ============================================================================
// INVOICE OPERATIONS
// ============================================================================

// LineInput describes a line to create. OrderIndex 0 means auto-assign.
type LineInput struct {
	Description   string
	Quantity      decimal.Decimal
	UnitPrice     decimal.Decimal
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	TaxRate       decimal.Decimal
	OrderIndex    int
}

// CreateInvoiceInput carries everything needed to create a draft invoice.
type CreateInvoiceInput struct {
	InstitutionID  int64
	AssignedUserID int64
	Title          string
	Description    string
	DueDate        time.Time
	Lines          []LineInput
}

// CreateInvoice creates a draft invoice with its lines and recomputed
// aggregates. The invoice number is generated inside the transaction; on a
// number collision the whole transaction retries a bounded number of times.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if input.InstitutionID == 0 {
		return nil, fmt.Errorf("%w: institution ID required", ErrValidation)
	}
	if input.Title == "" {
		return nil, fmt.Errorf("%w: title required", ErrValidation)
	}
	if input.DueDate.IsZero() {
		return nil, fmt.Errorf("%w: due date required", ErrValidation)
	}

	ok, err := s.institutions.Exists(ctx, input.InstitutionID)
	if err != nil {
		return nil, fmt.Errorf("verify institution: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrInstitutionNotFound, input.InstitutionID)
	}

	var invoice *Invoice
	for attempt := 0; ; attempt++ {
		invoice, err = s.createInvoiceOnce(ctx, input)
		if err == nil {
			s.recordAudit(ctx, "invoice.create", "invoice", invoice.Number, map[string]any{
				"institution_id": invoice.InstitutionID,
				"total":          invoice.Total.String(),
			})
			return invoice, nil
		}
		if !isNumberConflict(err) || attempt >= numberRetryLimit-1 {
			return nil, err
		}
		s.logger.Warn("invoice number collision, retrying",
			slog.Int("attempt", attempt+1))
	}
}

func (s *Service) createInvoiceOnce(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	now := time.Now()
	var invoice Invoice

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextInvoiceSequence(ctx, InvoiceNumberPrefix(now))
		if err != nil {
			return fmt.Errorf("next invoice sequence: %w", err)
		}

		invoice = Invoice{
			Number:         FormatInvoiceNumber(now, seq),
			InstitutionID:  input.InstitutionID,
			AssignedUserID: input.AssignedUserID,
			Title:          input.Title,
			Description:    input.Description,
			Status:         InvoiceStatusDraft,
			DueDate:        input.DueDate,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		id, err := tx.InsertInvoice(ctx, &invoice)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		invoice.ID = id

		for i, lineInput := range input.Lines {
			line, err := buildLine(id, lineInput, i+1, now)
			if err != nil {
				return err
			}
			if _, err := tx.InsertLine(ctx, line); err != nil {
				return fmt.Errorf("insert invoice line: %w", err)
			}
		}

		lines, err := tx.ListLines(ctx, id)
		if err != nil {
			return fmt.Errorf("list invoice lines: %w", err)
		}
		applyLineAggregates(&invoice, lines)
		if err := tx.UpdateInvoice(ctx, &invoice); err != nil {
			return fmt.Errorf("update invoice aggregates: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// buildLine validates and computes a new line's totals.
func buildLine(invoiceID int64, input LineInput, defaultOrder int, now time.Time) (*InvoiceLine, error) {
	if input.Description == "" {
		return nil, fmt.Errorf("%w: line description required", ErrValidation)
	}
	amounts, err := ComputeLineAmounts(input.Quantity, input.UnitPrice, input.DiscountType, input.DiscountValue, input.TaxRate)
	if err != nil {
		return nil, err
	}
	orderIndex := input.OrderIndex
	if orderIndex <= 0 {
		orderIndex = defaultOrder
	}
	return &InvoiceLine{
		InvoiceID:          invoiceID,
		OrderIndex:         orderIndex,
		Description:        input.Description,
		Quantity:           input.Quantity,
		UnitPrice:          input.UnitPrice,
		DiscountType:       input.DiscountType,
		DiscountValue:      input.DiscountValue,
		TaxRate:            input.TaxRate,
		Subtotal:           amounts.Subtotal,
		DiscountAmount:     amounts.DiscountAmount,
		TotalAfterDiscount: amounts.TotalAfterDiscount,
		TaxAmount:          amounts.TaxAmount,
		Total:              amounts.Total,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// applyLineAggregates recomputes invoice-level totals from the line set and
// keeps remainingAmount = total - totalPaid.
func applyLineAggregates(inv *Invoice, lines []InvoiceLine) {
	subtotal, discount, tax, total := SumLineTotals(lines)
	inv.Subtotal = subtotal
	inv.TotalDiscount = discount
	inv.TotalTax = tax
	inv.Total = total
	inv.RemainingAmount = total.Sub(inv.TotalPaid)
}

// AddLine appends a line to a draft invoice and returns the full line set.
func (s *Service) AddLine(ctx context.Context, invoiceID int64, input LineInput) ([]InvoiceLine, error) {
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.IsModifiable() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotModifiable, inv.Number, inv.Status)
		}

		existing, err := tx.ListLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		maxOrder := 0
		for _, l := range existing {
			if l.OrderIndex > maxOrder {
				maxOrder = l.OrderIndex
			}
		}
		if input.OrderIndex <= 0 {
			input.OrderIndex = maxOrder + 1
		}

		line, err := buildLine(invoiceID, input, maxOrder+1, time.Now())
		if err != nil {
			return err
		}
		if _, err := tx.InsertLine(ctx, line); err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
		lines, err = s.refreshAggregates(ctx, tx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// UpdateLineInput carries optional field changes for an existing line.
type UpdateLineInput struct {
	Description   *string
	Quantity      *decimal.Decimal
	UnitPrice     *decimal.Decimal
	DiscountType  *DiscountType
	DiscountValue *decimal.Decimal
	TaxRate       *decimal.Decimal
}

// UpdateLine changes a line on a draft invoice, recomputes its totals, and
// returns the full line set.
func (s *Service) UpdateLine(ctx context.Context, invoiceID, lineID int64, input UpdateLineInput) ([]InvoiceLine, error) {
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.IsModifiable() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotModifiable, inv.Number, inv.Status)
		}

		existing, err := tx.ListLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		var line *InvoiceLine
		for i := range existing {
			if existing[i].ID == lineID {
				line = &existing[i]
				break
			}
		}
		if line == nil {
			return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
		}

		if input.Description != nil {
			if *input.Description == "" {
				return fmt.Errorf("%w: line description required", ErrValidation)
			}
			line.Description = *input.Description
		}
		if input.Quantity != nil {
			line.Quantity = *input.Quantity
		}
		if input.UnitPrice != nil {
			line.UnitPrice = *input.UnitPrice
		}
		if input.DiscountType != nil {
			line.DiscountType = *input.DiscountType
		}
		if input.DiscountValue != nil {
			line.DiscountValue = *input.DiscountValue
		}
		if input.TaxRate != nil {
			line.TaxRate = *input.TaxRate
		}

		amounts, err := ComputeLineAmounts(line.Quantity, line.UnitPrice, line.DiscountType, line.DiscountValue, line.TaxRate)
		if err != nil {
			return err
		}
		line.Subtotal = amounts.Subtotal
		line.DiscountAmount = amounts.DiscountAmount
		line.TotalAfterDiscount = amounts.TotalAfterDiscount
		line.TaxAmount = amounts.TaxAmount
		line.Total = amounts.Total
		line.UpdatedAt = time.Now()

		if err := tx.UpdateLine(ctx, line); err != nil {
			return fmt.Errorf("update invoice line: %w", err)
		}
		lines, err = s.refreshAggregates(ctx, tx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// DeleteLine removes a line from a draft invoice and renumbers the remaining
// lines so order indexes stay contiguous.
func (s *Service) DeleteLine(ctx context.Context, invoiceID, lineID int64) ([]InvoiceLine, error) {
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.IsModifiable() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotModifiable, inv.Number, inv.Status)
		}

		if err := tx.DeleteLine(ctx, invoiceID, lineID); err != nil {
			return err
		}

		remaining, err := tx.ListLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		for i := range remaining {
			want := i + 1
			if remaining[i].OrderIndex != want {
				if err := tx.SetLineOrder(ctx, invoiceID, remaining[i].ID, want); err != nil {
					return fmt.Errorf("renumber invoice lines: %w", err)
				}
			}
		}
		lines, err = s.refreshAggregates(ctx, tx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// ReorderLines assigns new contiguous order indexes following the given ID
// sequence, which must cover exactly the invoice's current lines.
func (s *Service) ReorderLines(ctx context.Context, invoiceID int64, orderedIDs []int64) ([]InvoiceLine, error) {
	var lines []InvoiceLine
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !inv.IsModifiable() {
			return fmt.Errorf("%w: invoice %s is %s", ErrInvoiceNotModifiable, inv.Number, inv.Status)
		}

		existing, err := tx.ListLines(ctx, invoiceID)
		if err != nil {
			return err
		}
		if len(orderedIDs) != len(existing) {
			return fmt.Errorf("%w: reorder must include every line exactly once", ErrValidation)
		}
		known := make(map[int64]bool, len(existing))
		for _, l := range existing {
			known[l.ID] = true
		}
		seen := make(map[int64]bool, len(orderedIDs))
		for _, id := range orderedIDs {
			if !known[id] || seen[id] {
				return fmt.Errorf("%w: reorder must include every line exactly once", ErrValidation)
			}
			seen[id] = true
		}

		for i, id := range orderedIDs {
			if err := tx.SetLineOrder(ctx, invoiceID, id, i+1); err != nil {
				return fmt.Errorf("reorder invoice lines: %w", err)
			}
		}
		lines, err = s.refreshAggregates(ctx, tx, inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// refreshAggregates reloads the line set, recomputes invoice totals, and
// persists the invoice.
func (s *Service) refreshAggregates(ctx context.Context, tx TxRepository, inv *Invoice) ([]InvoiceLine, error) {
	lines, err := tx.ListLines(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	applyLineAggregates(inv, lines)
	inv.UpdatedAt = time.Now()
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("update invoice aggregates: %w", err)
	}
	return lines, nil
}

// SendInvoice transitions a draft invoice to sent.
func (s *Service) SendInvoice(ctx context.Context, id int64) (*Invoice, error) {
	var invoice Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusDraft {
			return fmt.Errorf("%w: only draft invoices can be sent, invoice %s is %s", ErrInvalidStatus, inv.Number, inv.Status)
		}
		now := time.Now()
		inv.Status = InvoiceStatusSent
		inv.SentAt = &now
		inv.UpdatedAt = now
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		invoice = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "invoice.send", "invoice", invoice.Number, nil)
	s.emit(ctx, "invoice sent", func(sink EventSink) error {
		return sink.HandleInvoiceSent(ctx, InvoiceSentEvent{
			InvoiceID:     invoice.ID,
			Number:        invoice.Number,
			InstitutionID: invoice.InstitutionID,
			Total:         invoice.Total,
			DueDate:       invoice.DueDate,
			SentAt:        *invoice.SentAt,
		})
	})
	return &invoice, nil
}

// CancelInvoice cancels a draft or sent invoice. Existing payments are left
// untouched; cancelling an invoice with recorded payments is caller policy.
func (s *Service) CancelInvoice(ctx context.Context, id int64) (*Invoice, error) {
	var invoice Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceStatusDraft && inv.Status != InvoiceStatusSent {
			return fmt.Errorf("%w: only draft or sent invoices can be cancelled, invoice %s is %s", ErrInvalidStatus, inv.Number, inv.Status)
		}
		inv.Status = InvoiceStatusCancelled
		inv.UpdatedAt = time.Now()
		if err := tx.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice: %w", err)
		}
		invoice = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, "invoice.cancel", "invoice", invoice.Number, nil)
	return &invoice, nil
}

// MarkOverdueBatch transitions every sent or partially paid invoice past its
// due date to overdue and returns the count affected. Intended as a periodic
// sweep, not a per-request operation.
func (s *Service) MarkOverdueBatch(ctx context.Context) (int64, error) {
	var affected int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		affected, err = tx.MarkOverdue(ctx, time.Now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark overdue batch: %w", err)
	}
	return affected, nil
}

// GetInvoice retrieves an invoice with lines and payments.
func (s *Service) GetInvoice(ctx context.Context, id int64) (*InvoiceWithDetails, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := s.repo.ListLines(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	name, err := s.repo.GetInstitutionName(ctx, inv.InstitutionID)
	if err != nil {
		return nil, err
	}
	return &InvoiceWithDetails{
		Invoice:         *inv,
		InstitutionName: name,
		Lines:           lines,
		Payments:        payments,
	}, nil
}

// ListInvoices returns invoices matching the filter.
func (s *Service) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, req)
}

// ListPayments returns all payments recorded against an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return s.repo.ListPayments(ctx, invoiceID)
}

// ============================================================================
// PAYMENT OPERATIONS
// ============================================================================

// RecordPaymentInput carries everything needed to record a pending payment.
// IdempotencyKey, when set, guards the record against client retries.
type RecordPaymentInput struct {
	InvoiceID      int64
	Amount         decimal.Decimal
	PaymentDate    time.Time
	Method         PaymentMethod
	Reference      string
	Notes          string
	RecordedBy     int64
	IdempotencyKey string
}

// RecordPayment creates a pending payment against an invoice able to receive
// one. The amount check runs under the invoice row lock so concurrent records
// cannot overbook the remaining balance.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if !ValidPaymentMethod(input.Method) {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, input.Method)
	}
	if input.PaymentDate.IsZero() {
		input.PaymentDate = time.Now()
	}

	if input.IdempotencyKey != "" && s.idems != nil {
		if err := s.idems.CheckAndInsert(ctx, input.IdempotencyKey, "ledger.payment"); err != nil {
			return nil, err
		}
	}

	var payment Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if !inv.CanReceivePayments() {
			return fmt.Errorf("%w: invoice %s is %s", ErrCannotReceivePayments, inv.Number, inv.Status)
		}
		if !input.Amount.IsPositive() {
			return fmt.Errorf("%w: amount must be positive", ErrInvalidPaymentAmount)
		}
		if input.Amount.GreaterThan(inv.RemainingAmount) {
			return fmt.Errorf("%w: amount %s exceeds remaining %s on invoice %s",
				ErrPaymentExceedsRemaining, input.Amount, inv.RemainingAmount, inv.Number)
		}

		now := time.Now()
		payment = Payment{
			ID:          uuid.NewString(),
			InvoiceID:   input.InvoiceID,
			Amount:      input.Amount,
			PaymentDate: input.PaymentDate,
			Method:      input.Method,
			Reference:   input.Reference,
			Status:      PaymentStatusPending,
			Notes:       input.Notes,
			RecordedBy:  input.RecordedBy,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertPayment(ctx, &payment); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}

		// Pending payments do not move totals; reconciling keeps the
		// aggregates provably in sync regardless.
		_, err = s.reconcileLocked(ctx, tx, inv, now)
		return err
	})
	if err != nil {
		if input.IdempotencyKey != "" && s.idems != nil {
			if relErr := s.idems.Release(ctx, input.IdempotencyKey); relErr != nil {
				s.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		return nil, err
	}
	s.recordAudit(ctx, "payment.record", "payment", payment.ID, map[string]any{
		"invoice_id": payment.InvoiceID,
		"amount":     payment.Amount.String(),
		"method":     string(payment.Method),
	})
	return &payment, nil
}

// ConfirmPayment transitions a pending payment to confirmed and reconciles
// the owning invoice inside the same transaction.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var (
		payment Payment
		invoice Invoice
		outcome ReconcileOutcome
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentStatusPending {
			return fmt.Errorf("%w: only pending payments can be confirmed, payment is %s", ErrInvalidStatus, p.Status)
		}
		p.Status = PaymentStatusConfirmed
		p.UpdatedAt = time.Now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		payment = *p

		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		outcome, err = s.reconcileLocked(ctx, tx, inv, time.Now())
		if err != nil {
			return err
		}
		invoice = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "payment.confirm", "payment", payment.ID, map[string]any{
		"invoice_id": invoice.ID,
		"amount":     payment.Amount.String(),
	})
	s.emit(ctx, "payment confirmed", func(sink EventSink) error {
		return sink.HandlePaymentConfirmed(ctx, PaymentConfirmedEvent{
			PaymentID:     payment.ID,
			InvoiceID:     invoice.ID,
			InvoiceNumber: invoice.Number,
			InstitutionID: invoice.InstitutionID,
			Amount:        payment.Amount,
			Method:        payment.Method,
			PaymentDate:   payment.PaymentDate,
		})
	})
	if outcome.StatusChanged && invoice.Status == InvoiceStatusPaid {
		s.emit(ctx, "invoice paid", func(sink EventSink) error {
			return sink.HandleInvoicePaid(ctx, InvoicePaidEvent{
				InvoiceID:     invoice.ID,
				Number:        invoice.Number,
				InstitutionID: invoice.InstitutionID,
				Total:         invoice.Total,
				PaidAt:        *invoice.PaidAt,
			})
		})
	}
	return &payment, nil
}

// FailPayment transitions a pending payment to failed, appending the reason
// to its notes.
func (s *Service) FailPayment(ctx context.Context, paymentID, reason string) (*Payment, error) {
	return s.closePending(ctx, paymentID, PaymentStatusFailed, "Failed", reason)
}

// actionForStatus maps a closing payment status to its audit action name.
func actionForStatus(status PaymentStatus) string {
	if status == PaymentStatusFailed {
		return "payment.fail"
	}
	return "payment.cancel"
}

// CancelPayment transitions a pending payment to cancelled, appending the
// reason to its notes. Confirmed payments cannot be cancelled; use
// RefundPayment for the reversal path.
func (s *Service) CancelPayment(ctx context.Context, paymentID, reason string) (*Payment, error) {
	return s.closePending(ctx, paymentID, PaymentStatusCancelled, "Cancelled", reason)
}

func (s *Service) closePending(ctx context.Context, paymentID string, status PaymentStatus, label, reason string) (*Payment, error) {
	var payment Payment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentStatusPending {
			return fmt.Errorf("%w: only pending payments can be %s, payment is %s", ErrInvalidStatus, status, p.Status)
		}
		p.Status = status
		p.Notes = appendNote(p.Notes, label, reason)
		p.UpdatedAt = time.Now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		payment = *p

		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		_, err = s.reconcileLocked(ctx, tx, inv, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, actionForStatus(status), "payment", payment.ID, map[string]any{
		"invoice_id": payment.InvoiceID,
		"reason":     reason,
	})
	return &payment, nil
}

// RefundPayment reverses a confirmed payment into the refunded terminal
// state and reconciles the owning invoice, which may revert from paid.
func (s *Service) RefundPayment(ctx context.Context, paymentID, reason string) (*Payment, error) {
	var (
		payment Payment
		invoice Invoice
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if p.Status != PaymentStatusConfirmed {
			return fmt.Errorf("%w: only confirmed payments can be refunded, payment is %s", ErrInvalidStatus, p.Status)
		}
		p.Status = PaymentStatusRefunded
		p.Notes = appendNote(p.Notes, "Refunded", reason)
		p.UpdatedAt = time.Now()
		if err := tx.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment: %w", err)
		}
		payment = *p

		inv, err := tx.GetInvoiceForUpdate(ctx, p.InvoiceID)
		if err != nil {
			return err
		}
		if _, err := s.reconcileLocked(ctx, tx, inv, time.Now()); err != nil {
			return err
		}
		invoice = *inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, "payment.refund", "payment", payment.ID, map[string]any{
		"invoice_id": invoice.ID,
		"amount":     payment.Amount.String(),
		"reason":     reason,
	})
	s.emit(ctx, "payment reversed", func(sink EventSink) error {
		return sink.HandlePaymentReversed(ctx, PaymentReversedEvent{
			PaymentID:     payment.ID,
			InvoiceID:     invoice.ID,
			InvoiceNumber: invoice.Number,
			InstitutionID: invoice.InstitutionID,
			Amount:        payment.Amount,
			Reason:        reason,
		})
	})
	return &payment, nil
}

// ============================================================================
// RECONCILIATION
// ============================================================================

// ReconcileResult reports the outcome of an explicit reconciliation.
type ReconcileResult struct {
	Invoice         Invoice
	TotalPaid       decimal.Decimal
	RemainingAmount decimal.Decimal
	StatusChanged   bool
}

// Reconcile re-derives an invoice's paid/remaining aggregates and status from
// its full payment history. Safe to call repeatedly as a repair operation.
func (s *Service) Reconcile(ctx context.Context, invoiceID int64) (*ReconcileResult, error) {
	var result ReconcileResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		outcome, err := s.reconcileLocked(ctx, tx, inv, time.Now())
		if err != nil {
			return err
		}
		result = ReconcileResult{
			Invoice:         *inv,
			TotalPaid:       outcome.TotalPaid,
			RemainingAmount: outcome.RemainingAmount,
			StatusChanged:   outcome.StatusChanged,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// reconcileLocked recomputes and persists the invoice aggregates. The caller
// must already hold the invoice row lock.
func (s *Service) reconcileLocked(ctx context.Context, tx TxRepository, inv *Invoice, now time.Time) (ReconcileOutcome, error) {
	payments, err := tx.ListPayments(ctx, inv.ID)
	if err != nil {
		return ReconcileOutcome{}, fmt.Errorf("list payments: %w", err)
	}
	outcome := ReconcileInvoice(inv, payments, now)
	outcome.Apply(inv)
	inv.UpdatedAt = now
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return ReconcileOutcome{}, fmt.Errorf("update invoice: %w", err)
	}
	return outcome, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func appendNote(notes, label, reason string) string {
	entry := label
	if reason != "" {
		entry += ": " + reason
	}
	if notes == "" {
		return entry
	}
	return notes + "\n" + entry
}

// recordAudit writes an activity trail entry. Audit failures never fail the
// operation they describe.
func (s *Service) recordAudit(ctx context.Context, action, entity, ref string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	caller := shared.CallerFromContext(ctx)
	err := s.audit.Record(ctx, shared.AuditEntry{
		ActorID:   caller.UserID,
		Action:    action,
		Entity:    entity,
		EntityRef: ref,
		Detail:    detail,
	})
	if err != nil {
		s.logger.Warn("record audit entry", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) emit(ctx context.Context, name string, fn func(EventSink) error) {
	if s.events == nil {
		return
	}
	if err := fn(s.events); err != nil {
		s.logger.Warn("emit ledger event", slog.String("event", name), slog.Any("error", err))
	}
}

func isNumberConflict(err error) bool {
	return errors.Is(err, ErrNumberConflict)
}
