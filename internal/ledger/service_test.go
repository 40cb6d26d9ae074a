package ledger

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/praxisbill/praxisbill/internal/shared"
	_ "github.com/praxisbill/praxisbill/testing"
)

// memoryLedgerRepo implements RepositoryPort and TxRepository against maps.
// WithTx hands the repo itself to the callback; the single-goroutine tests
// need no isolation.
type memoryLedgerRepo struct {
	invoices     map[int64]*Invoice
	lines        map[int64][]InvoiceLine
	payments     map[string]*Payment
	institutions map[int64]string
	nextInvoice  int64
	nextLine     int64

	// forcedConflicts makes that many InsertInvoice calls fail with a
	// number conflict before succeeding.
	forcedConflicts int
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{
		invoices:     make(map[int64]*Invoice),
		lines:        make(map[int64][]InvoiceLine),
		payments:     make(map[string]*Payment),
		institutions: map[int64]string{1: "St. Mary Hospital"},
	}
}

func (r *memoryLedgerRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryLedgerRepo) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (r *memoryLedgerRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return r.GetInvoice(ctx, id)
}

func (r *memoryLedgerRepo) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range r.invoices {
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		if req.InstitutionID != 0 && inv.InstitutionID != req.InstitutionID {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryLedgerRepo) InsertInvoice(ctx context.Context, inv *Invoice) (int64, error) {
	if r.forcedConflicts > 0 {
		r.forcedConflicts--
		return 0, fmt.Errorf("%w: %s", ErrNumberConflict, inv.Number)
	}
	for _, existing := range r.invoices {
		if existing.Number == inv.Number {
			return 0, fmt.Errorf("%w: %s", ErrNumberConflict, inv.Number)
		}
	}
	r.nextInvoice++
	cp := *inv
	cp.ID = r.nextInvoice
	r.invoices[cp.ID] = &cp
	return cp.ID, nil
}

func (r *memoryLedgerRepo) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	if _, ok := r.invoices[inv.ID]; !ok {
		return ErrNotFound
	}
	cp := *inv
	r.invoices[inv.ID] = &cp
	return nil
}

func (r *memoryLedgerRepo) NextInvoiceSequence(ctx context.Context, prefix string) (int, error) {
	max := 0
	for _, inv := range r.invoices {
		if seq, ok := SequenceFromNumber(inv.Number, prefix); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

func (r *memoryLedgerRepo) ListLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	lines := append([]InvoiceLine(nil), r.lines[invoiceID]...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].OrderIndex < lines[j].OrderIndex })
	return lines, nil
}

func (r *memoryLedgerRepo) InsertLine(ctx context.Context, line *InvoiceLine) (int64, error) {
	r.nextLine++
	line.ID = r.nextLine
	r.lines[line.InvoiceID] = append(r.lines[line.InvoiceID], *line)
	return line.ID, nil
}

func (r *memoryLedgerRepo) UpdateLine(ctx context.Context, line *InvoiceLine) error {
	lines := r.lines[line.InvoiceID]
	for i := range lines {
		if lines[i].ID == line.ID {
			lines[i] = *line
			return nil
		}
	}
	return ErrNotFound
}

func (r *memoryLedgerRepo) DeleteLine(ctx context.Context, invoiceID, lineID int64) error {
	lines := r.lines[invoiceID]
	for i := range lines {
		if lines[i].ID == lineID {
			r.lines[invoiceID] = append(lines[:i], lines[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
}

func (r *memoryLedgerRepo) SetLineOrder(ctx context.Context, invoiceID, lineID int64, orderIndex int) error {
	lines := r.lines[invoiceID]
	for i := range lines {
		if lines[i].ID == lineID {
			lines[i].OrderIndex = orderIndex
			return nil
		}
	}
	return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
}

func (r *memoryLedgerRepo) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, ok := r.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memoryLedgerRepo) GetPaymentForUpdate(ctx context.Context, id string) (*Payment, error) {
	return r.GetPayment(ctx, id)
}

func (r *memoryLedgerRepo) InsertPayment(ctx context.Context, p *Payment) error {
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memoryLedgerRepo) UpdatePayment(ctx context.Context, p *Payment) error {
	if _, ok := r.payments[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *memoryLedgerRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	var out []Payment
	for _, p := range r.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memoryLedgerRepo) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	for _, inv := range r.invoices {
		if (inv.Status == InvoiceStatusSent || inv.Status == InvoiceStatusPartiallyPaid) && inv.DueDate.Before(now) {
			inv.Status = InvoiceStatusOverdue
			inv.UpdatedAt = now
			affected++
		}
	}
	return affected, nil
}

func (r *memoryLedgerRepo) GetInstitutionName(ctx context.Context, id int64) (string, error) {
	return r.institutions[id], nil
}

type staticDirectory map[int64]bool

func (d staticDirectory) Exists(ctx context.Context, id int64) (bool, error) {
	return d[id], nil
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	sent      []InvoiceSentEvent
	confirmed []PaymentConfirmedEvent
	paid      []InvoicePaidEvent
	reversed  []PaymentReversedEvent
}

func (s *recordingSink) HandleInvoiceSent(ctx context.Context, evt InvoiceSentEvent) error {
	s.sent = append(s.sent, evt)
	return nil
}

func (s *recordingSink) HandlePaymentConfirmed(ctx context.Context, evt PaymentConfirmedEvent) error {
	s.confirmed = append(s.confirmed, evt)
	return nil
}

func (s *recordingSink) HandleInvoicePaid(ctx context.Context, evt InvoicePaidEvent) error {
	s.paid = append(s.paid, evt)
	return nil
}

func (s *recordingSink) HandlePaymentReversed(ctx context.Context, evt PaymentReversedEvent) error {
	s.reversed = append(s.reversed, evt)
	return nil
}

// recordingAudit captures audit entries for assertions.
type recordingAudit struct {
	entries []shared.AuditEntry
}

func (a *recordingAudit) Record(ctx context.Context, entry shared.AuditEntry) error {
	a.entries = append(a.entries, entry)
	return nil
}

// memoryIdempotencyGuard tracks claimed keys in memory.
type memoryIdempotencyGuard struct {
	keys map[string]bool
}

func (g *memoryIdempotencyGuard) CheckAndInsert(ctx context.Context, key, scope string) error {
	if g.keys == nil {
		g.keys = make(map[string]bool)
	}
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memoryIdempotencyGuard) Release(ctx context.Context, key string) error {
	delete(g.keys, key)
	return nil
}

func newTestService() (*Service, *memoryLedgerRepo, *recordingSink) {
	repo := newMemoryLedgerRepo()
	sink := &recordingSink{}
	svc := NewService(repo, staticDirectory{1: true}, sink, nil, nil, nil)
	return svc, repo, sink
}

func createTestInvoice(t *testing.T, svc *Service, lines ...LineInput) *Invoice {
	t.Helper()
	if len(lines) == 0 {
		lines = []LineInput{
			{Description: "Consultation hours", Quantity: dec("10"), UnitPrice: dec("100"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		}
	}
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		InstitutionID:  1,
		AssignedUserID: 7,
		Title:          "Monthly services",
		DueDate:        time.Now().AddDate(0, 0, 30),
		Lines:          lines,
	})
	require.NoError(t, err)
	return inv
}

func sendTestInvoice(t *testing.T, svc *Service, id int64) *Invoice {
	t.Helper()
	inv, err := svc.SendInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func recordConfirmed(t *testing.T, svc *Service, invoiceID int64, amount string) *Payment {
	t.Helper()
	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:   invoiceID,
		Amount:      dec(amount),
		PaymentDate: time.Now(),
		Method:      PaymentMethodBankTransfer,
		RecordedBy:  7,
	})
	require.NoError(t, err)
	confirmed, err := svc.ConfirmPayment(context.Background(), p.ID)
	require.NoError(t, err)
	return confirmed
}

func TestCreateInvoiceGeneratesNumberAndAggregates(t *testing.T) {
	svc, repo, _ := newTestService()

	inv := createTestInvoice(t, svc,
		LineInput{Description: "Lab work", Quantity: dec("2"), UnitPrice: dec("100"), DiscountType: DiscountPercentage, DiscountValue: dec("10"), TaxRate: dec("20")},
		LineInput{Description: "Supplies", Quantity: dec("1"), UnitPrice: dec("50"), DiscountType: DiscountFixed, DiscountValue: dec("100"), TaxRate: dec("20")},
	)

	require.Equal(t, FormatInvoiceNumber(time.Now(), 1), inv.Number)
	require.Equal(t, InvoiceStatusDraft, inv.Status)
	require.Equal(t, "250", inv.Subtotal.String())
	require.Equal(t, "70", inv.TotalDiscount.String())
	require.Equal(t, "36", inv.TotalTax.String())
	require.Equal(t, "216", inv.Total.String())
	require.Equal(t, "0", inv.TotalPaid.String())
	require.Equal(t, "216", inv.RemainingAmount.String())

	lines := repo.lines[inv.ID]
	require.Len(t, lines, 2)
	require.Equal(t, 1, lines[0].OrderIndex)
	require.Equal(t, 2, lines[1].OrderIndex)
}

func TestCreateInvoiceSequenceIncrements(t *testing.T) {
	svc, _, _ := newTestService()

	first := createTestInvoice(t, svc)
	second := createTestInvoice(t, svc)

	require.Equal(t, FormatInvoiceNumber(time.Now(), 1), first.Number)
	require.Equal(t, FormatInvoiceNumber(time.Now(), 2), second.Number)
}

func TestCreateInvoiceUnknownInstitution(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		InstitutionID: 999,
		Title:         "Nope",
		DueDate:       time.Now().AddDate(0, 0, 30),
	})
	require.ErrorIs(t, err, ErrInstitutionNotFound)
}

func TestCreateInvoiceRetriesOnNumberConflict(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.forcedConflicts = 2

	inv := createTestInvoice(t, svc)
	require.NotZero(t, inv.ID)
	require.Equal(t, 0, repo.forcedConflicts)
}

func TestCreateInvoiceGivesUpAfterRetryLimit(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.forcedConflicts = numberRetryLimit + 1

	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceInput{
		InstitutionID: 1,
		Title:         "Colliding",
		DueDate:       time.Now().AddDate(0, 0, 30),
	})
	require.ErrorIs(t, err, ErrNumberConflict)
}

func TestAddLineRecomputesAggregates(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)

	lines, err := svc.AddLine(context.Background(), inv.ID, LineInput{
		Description: "Extra visit", Quantity: dec("1"), UnitPrice: dec("250"),
		DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0"),
	})
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, 2, lines[1].OrderIndex)

	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, "1250", updated.Total.String())
	require.Equal(t, "1250", updated.RemainingAmount.String())
}

func TestAddLineRejectedAfterSend(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	_, err := svc.AddLine(context.Background(), inv.ID, LineInput{
		Description: "Too late", Quantity: dec("1"), UnitPrice: dec("10"),
		DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0"),
	})
	require.ErrorIs(t, err, ErrInvoiceNotModifiable)
}

func TestUpdateLineRecomputesTotals(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc)
	lineID := repo.lines[inv.ID][0].ID

	qty := dec("5")
	lines, err := svc.UpdateLine(context.Background(), inv.ID, lineID, UpdateLineInput{Quantity: &qty})
	require.NoError(t, err)
	require.Equal(t, "500", lines[0].Total.String())

	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, "500", updated.Total.String())
}

func TestDeleteLineRenumbersContiguously(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc,
		LineInput{Description: "A", Quantity: dec("1"), UnitPrice: dec("10"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		LineInput{Description: "B", Quantity: dec("1"), UnitPrice: dec("20"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		LineInput{Description: "C", Quantity: dec("1"), UnitPrice: dec("30"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
	)
	middle := repo.lines[inv.ID][1].ID

	lines, err := svc.DeleteLine(context.Background(), inv.ID, middle)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "A", lines[0].Description)
	require.Equal(t, 1, lines[0].OrderIndex)
	require.Equal(t, "C", lines[1].Description)
	require.Equal(t, 2, lines[1].OrderIndex)

	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, "40", updated.Total.String())
}

func TestReorderLines(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc,
		LineInput{Description: "A", Quantity: dec("1"), UnitPrice: dec("10"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		LineInput{Description: "B", Quantity: dec("1"), UnitPrice: dec("20"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
	)
	ids := []int64{repo.lines[inv.ID][1].ID, repo.lines[inv.ID][0].ID}

	lines, err := svc.ReorderLines(context.Background(), inv.ID, ids)
	require.NoError(t, err)
	require.Equal(t, "B", lines[0].Description)
	require.Equal(t, 1, lines[0].OrderIndex)
	require.Equal(t, "A", lines[1].Description)
	require.Equal(t, 2, lines[1].OrderIndex)
}

func TestReorderLinesRejectsPartialIDSet(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc,
		LineInput{Description: "A", Quantity: dec("1"), UnitPrice: dec("10"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		LineInput{Description: "B", Quantity: dec("1"), UnitPrice: dec("20"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
	)

	_, err := svc.ReorderLines(context.Background(), inv.ID, []int64{repo.lines[inv.ID][0].ID})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSendInvoice(t *testing.T) {
	svc, _, sink := newTestService()
	inv := createTestInvoice(t, svc)

	sent := sendTestInvoice(t, svc, inv.ID)
	require.Equal(t, InvoiceStatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	require.Len(t, sink.sent, 1)
	require.Equal(t, inv.Number, sink.sent[0].Number)

	_, err := svc.SendInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCancelInvoice(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	cancelled, err := svc.CancelInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusCancelled, cancelled.Status)
}

func TestCancelInvoiceRejectsPaid(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	recordConfirmed(t, svc, inv.ID, "1000")

	_, err := svc.CancelInvoice(context.Background(), inv.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecordPaymentStaysPending(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID:   inv.ID,
		Amount:      dec("400"),
		PaymentDate: time.Now(),
		Method:      PaymentMethodCheck,
		RecordedBy:  7,
	})
	require.NoError(t, err)
	require.Equal(t, PaymentStatusPending, p.Status)
	require.NotEmpty(t, p.ID)

	// Pending money never moves invoice aggregates.
	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, "0", updated.TotalPaid.String())
	require.Equal(t, "1000", updated.RemainingAmount.String())
	require.Equal(t, InvoiceStatusSent, updated.Status)
}

func TestRecordPaymentRejectsDraftInvoice(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: inv.ID, Amount: dec("100"), Method: PaymentMethodCash, RecordedBy: 7,
	})
	require.ErrorIs(t, err, ErrCannotReceivePayments)
}

func TestRecordPaymentRejectsNonPositiveAmount(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: inv.ID, Amount: dec("0"), Method: PaymentMethodCash, RecordedBy: 7,
	})
	require.ErrorIs(t, err, ErrInvalidPaymentAmount)
}

func TestRecordPaymentRejectsOverbooking(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: inv.ID, Amount: dec("1000.01"), Method: PaymentMethodCash, RecordedBy: 7,
	})
	require.ErrorIs(t, err, ErrPaymentExceedsRemaining)
}

func TestRecordPaymentRejectsUnknownMethod(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: inv.ID, Amount: dec("100"), Method: PaymentMethod("barter"), RecordedBy: 7,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestConfirmPaymentPartialThenPaid(t *testing.T) {
	svc, _, sink := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	recordConfirmed(t, svc, inv.ID, "400")
	mid, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPartiallyPaid, mid.Status)
	require.Equal(t, "400", mid.TotalPaid.String())
	require.Equal(t, "600", mid.RemainingAmount.String())
	require.Empty(t, sink.paid)

	recordConfirmed(t, svc, inv.ID, "600")
	final, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, final.Status)
	require.Equal(t, "0", final.RemainingAmount.String())
	require.NotNil(t, final.PaidAt)
	require.NotNil(t, final.LastPaymentDate)

	require.Len(t, sink.confirmed, 2)
	require.Len(t, sink.paid, 1)
	require.Equal(t, inv.Number, sink.paid[0].Number)
}

func TestConfirmPaymentTwiceRejected(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	p := recordConfirmed(t, svc, inv.ID, "400")

	_, err := svc.ConfirmPayment(context.Background(), p.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestFailPaymentAppendsReason(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	p, err := svc.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: inv.ID, Amount: dec("400"), Method: PaymentMethodCreditCard, RecordedBy: 7,
	})
	require.NoError(t, err)

	failed, err := svc.FailPayment(context.Background(), p.ID, "card declined")
	require.NoError(t, err)
	require.Equal(t, PaymentStatusFailed, failed.Status)
	require.Equal(t, "Failed: card declined", failed.Notes)

	// A failed payment leaves the invoice untouched.
	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusSent, updated.Status)
	require.Equal(t, "0", updated.TotalPaid.String())
}

func TestCancelPaymentRejectsConfirmed(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	p := recordConfirmed(t, svc, inv.ID, "400")

	_, err := svc.CancelPayment(context.Background(), p.ID, "wrong invoice")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRefundPaymentRevertsInvoice(t *testing.T) {
	svc, _, sink := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	p := recordConfirmed(t, svc, inv.ID, "1000")

	paid, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusPaid, paid.Status)

	refunded, err := svc.RefundPayment(context.Background(), p.ID, "duplicate charge")
	require.NoError(t, err)
	require.Equal(t, PaymentStatusRefunded, refunded.Status)
	require.Equal(t, "Refunded: duplicate charge", refunded.Notes)

	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusSent, updated.Status)
	require.Nil(t, updated.PaidAt)
	require.Equal(t, "0", updated.TotalPaid.String())
	require.Equal(t, "1000", updated.RemainingAmount.String())

	require.Len(t, sink.reversed, 1)
	require.Equal(t, "duplicate charge", sink.reversed[0].Reason)

	_, err = svc.RefundPayment(context.Background(), p.ID, "again")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMarkOverdueBatch(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	repo.invoices[inv.ID].DueDate = time.Now().AddDate(0, 0, -10)

	affected, err := svc.MarkOverdueBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	updated, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, InvoiceStatusOverdue, updated.Status)
}

func TestReconcileRepairsDriftedAggregates(t *testing.T) {
	svc, repo, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	recordConfirmed(t, svc, inv.ID, "400")

	// Simulate drift written by a buggy migration.
	repo.invoices[inv.ID].TotalPaid = decimal.Zero
	repo.invoices[inv.ID].RemainingAmount = dec("1000")
	repo.invoices[inv.ID].Status = InvoiceStatusSent

	result, err := svc.Reconcile(context.Background(), inv.ID)
	require.NoError(t, err)
	require.True(t, result.StatusChanged)
	require.Equal(t, "400", result.TotalPaid.String())
	require.Equal(t, "600", result.RemainingAmount.String())
	require.Equal(t, InvoiceStatusPartiallyPaid, result.Invoice.Status)
}

func TestGetInvoiceWithDetails(t *testing.T) {
	svc, _, _ := newTestService()
	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)
	recordConfirmed(t, svc, inv.ID, "250")

	details, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Equal(t, "St. Mary Hospital", details.InstitutionName)
	require.Len(t, details.Lines, 1)
	require.Len(t, details.Payments, 1)
}

func TestRecordPaymentIdempotencyKey(t *testing.T) {
	repo := newMemoryLedgerRepo()
	guard := &memoryIdempotencyGuard{}
	svc := NewService(repo, staticDirectory{1: true}, nil, nil, guard, nil)

	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	input := RecordPaymentInput{
		InvoiceID:      inv.ID,
		Amount:         dec("100"),
		PaymentDate:    time.Now(),
		Method:         PaymentMethodBankTransfer,
		RecordedBy:     7,
		IdempotencyKey: "pay-req-42",
	}
	_, err := svc.RecordPayment(context.Background(), input)
	require.NoError(t, err)

	_, err = svc.RecordPayment(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, repo.payments, 1)
}

func TestRecordPaymentReleasesKeyOnFailure(t *testing.T) {
	repo := newMemoryLedgerRepo()
	guard := &memoryIdempotencyGuard{}
	svc := NewService(repo, staticDirectory{1: true}, nil, nil, guard, nil)

	inv := createTestInvoice(t, svc)
	sendTestInvoice(t, svc, inv.ID)

	input := RecordPaymentInput{
		InvoiceID:      inv.ID,
		Amount:         dec("5000"),
		PaymentDate:    time.Now(),
		Method:         PaymentMethodBankTransfer,
		RecordedBy:     7,
		IdempotencyKey: "pay-req-43",
	}
	_, err := svc.RecordPayment(context.Background(), input)
	require.ErrorIs(t, err, ErrPaymentExceedsRemaining)

	// The key is released, so a corrected retry with the same key succeeds.
	input.Amount = dec("500")
	_, err = svc.RecordPayment(context.Background(), input)
	require.NoError(t, err)
}

func TestAuditTrailRecordsLifecycleActions(t *testing.T) {
	repo := newMemoryLedgerRepo()
	audit := &recordingAudit{}
	svc := NewService(repo, staticDirectory{1: true}, nil, audit, nil, nil)

	ctx := shared.ContextWithCaller(context.Background(), shared.Caller{UserID: 31})
	inv, err := svc.CreateInvoice(ctx, CreateInvoiceInput{
		InstitutionID: 1,
		Title:         "Quarterly services",
		DueDate:       time.Now().AddDate(0, 1, 0),
		Lines: []LineInput{
			{Description: "Screening", Quantity: dec("1"), UnitPrice: dec("300"), DiscountType: DiscountPercentage, DiscountValue: dec("0"), TaxRate: dec("0")},
		},
	})
	require.NoError(t, err)
	_, err = svc.SendInvoice(ctx, inv.ID)
	require.NoError(t, err)

	p, err := svc.RecordPayment(ctx, RecordPaymentInput{
		InvoiceID:   inv.ID,
		Amount:      dec("300"),
		PaymentDate: time.Now(),
		Method:      PaymentMethodCash,
		RecordedBy:  31,
	})
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, p.ID)
	require.NoError(t, err)

	require.Len(t, audit.entries, 4)
	actions := make([]string, 0, len(audit.entries))
	for _, e := range audit.entries {
		require.Equal(t, int64(31), e.ActorID)
		actions = append(actions, e.Action)
	}
	require.Equal(t, []string{"invoice.create", "invoice.send", "payment.record", "payment.confirm"}, actions)
	require.Equal(t, inv.Number, audit.entries[0].EntityRef)
	require.Equal(t, p.ID, audit.entries[2].EntityRef)
}
