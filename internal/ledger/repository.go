package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/praxisbill/praxisbill/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const uniqueViolation = "23505"

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const invoiceColumns = `
	id, number, institution_id, assigned_user_id, title, description, status,
	subtotal, total_discount, total_tax, total, total_paid, remaining_amount,
	due_date, sent_at, paid_at, last_payment_date, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var sentAt, paidAt, lastPayment pgtype.Timestamptz
	err := row.Scan(
		&inv.ID, &inv.Number, &inv.InstitutionID, &inv.AssignedUserID, &inv.Title, &inv.Description, &inv.Status,
		&inv.Subtotal, &inv.TotalDiscount, &inv.TotalTax, &inv.Total, &inv.TotalPaid, &inv.RemainingAmount,
		&inv.DueDate, &sentAt, &paidAt, &lastPayment, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		inv.SentAt = &sentAt.Time
	}
	if paidAt.Valid {
		inv.PaidAt = &paidAt.Time
	}
	if lastPayment.Valid {
		inv.LastPaymentDate = &lastPayment.Time
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(r.pool.QueryRow(ctx, query, id))
}

// ListInvoices returns invoices with optional filtering.
func (r *Repository) ListInvoices(ctx context.Context, req ListInvoicesRequest) ([]Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices WHERE 1=1`
	args := []any{}
	argNum := 1

	if req.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(req.Status))
		argNum++
	}
	if req.InstitutionID > 0 {
		query += fmt.Sprintf(" AND institution_id = $%d", argNum)
		args = append(args, req.InstitutionID)
		argNum++
	}
	if !req.FromDate.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, req.FromDate)
		argNum++
	}
	if !req.ToDate.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argNum)
		args = append(args, req.ToDate)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if req.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, req.Limit)
		argNum++
	}
	if req.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, req.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// ListLines returns the line items for an invoice in display order.
func (r *Repository) ListLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	return listLines(ctx, r.pool, invoiceID)
}

// ListPayments returns payments for an invoice ordered by payment date.
func (r *Repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return listPayments(ctx, r.pool, invoiceID)
}

// GetPayment retrieves a payment by ID.
func (r *Repository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.pool.QueryRow(ctx, query, id))
}

// GetInstitutionName resolves an institution's display name.
func (r *Repository) GetInstitutionName(ctx context.Context, id int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM institutions WHERE id = $1`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return name, err
}

// queryer covers both pool and transaction query surfaces.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const lineColumns = `
	id, invoice_id, order_index, description, quantity, unit_price,
	discount_type, discount_value, tax_rate,
	subtotal, discount_amount, total_after_discount, tax_amount, total,
	created_at, updated_at`

func listLines(ctx context.Context, q queryer, invoiceID int64) ([]InvoiceLine, error) {
	query := `SELECT` + lineColumns + ` FROM invoice_lines WHERE invoice_id = $1 ORDER BY order_index`
	rows, err := q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []InvoiceLine
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(
			&line.ID, &line.InvoiceID, &line.OrderIndex, &line.Description, &line.Quantity, &line.UnitPrice,
			&line.DiscountType, &line.DiscountValue, &line.TaxRate,
			&line.Subtotal, &line.DiscountAmount, &line.TotalAfterDiscount, &line.TaxAmount, &line.Total,
			&line.CreatedAt, &line.UpdatedAt,
		); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

const paymentColumns = `
	id, invoice_id, amount, payment_date, method, reference, status, notes,
	recorded_by, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.Amount, &p.PaymentDate, &p.Method, &p.Reference, &p.Status, &p.Notes,
		&p.RecordedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func listPayments(ctx context.Context, q queryer, invoiceID int64) ([]Payment, error) {
	query := `SELECT` + paymentColumns + ` FROM payments WHERE invoice_id = $1 ORDER BY payment_date, created_at`
	rows, err := q.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(
			&p.ID, &p.InvoiceID, &p.Amount, &p.PaymentDate, &p.Method, &p.Reference, &p.Status, &p.Notes,
			&p.RecordedBy, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// --- Transaction Support ---

type txRepo struct {
	tx pgx.Tx
}

// GetInvoiceForUpdate loads an invoice under a row lock.
func (t *txRepo) GetInvoiceForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT` + invoiceColumns + ` FROM invoices WHERE id = $1 FOR UPDATE`
	return scanInvoice(t.tx.QueryRow(ctx, query, id))
}

// InsertInvoice creates a new invoice row. A duplicate number surfaces as
// ErrNumberConflict so the caller can regenerate and retry.
func (t *txRepo) InsertInvoice(ctx context.Context, inv *Invoice) (int64, error) {
	query := `
		INSERT INTO invoices (
			number, institution_id, assigned_user_id, title, description, status,
			subtotal, total_discount, total_tax, total, total_paid, remaining_amount,
			due_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	var id int64
	err := t.tx.QueryRow(ctx, query,
		inv.Number, inv.InstitutionID, inv.AssignedUserID, inv.Title, inv.Description, inv.Status,
		inv.Subtotal, inv.TotalDiscount, inv.TotalTax, inv.Total, inv.TotalPaid, inv.RemainingAmount,
		inv.DueDate, inv.CreatedAt, inv.UpdatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrNumberConflict, inv.Number)
		}
		return 0, err
	}
	return id, nil
}

// UpdateInvoice persists the invoice's mutable and derived fields.
func (t *txRepo) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	query := `
		UPDATE invoices SET
			title = $2, description = $3, status = $4,
			subtotal = $5, total_discount = $6, total_tax = $7, total = $8,
			total_paid = $9, remaining_amount = $10,
			due_date = $11, sent_at = $12, paid_at = $13, last_payment_date = $14,
			updated_at = $15
		WHERE id = $1`

	result, err := t.tx.Exec(ctx, query,
		inv.ID, inv.Title, inv.Description, inv.Status,
		inv.Subtotal, inv.TotalDiscount, inv.TotalTax, inv.Total,
		inv.TotalPaid, inv.RemainingAmount,
		inv.DueDate, inv.SentAt, inv.PaidAt, inv.LastPaymentDate,
		inv.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// NextInvoiceSequence finds the highest sequence for the month prefix under a
// row lock and returns the increment.
func (t *txRepo) NextInvoiceSequence(ctx context.Context, prefix string) (int, error) {
	var number string
	err := t.tx.QueryRow(ctx,
		`SELECT number FROM invoices WHERE number LIKE $1 || '%' ORDER BY number DESC LIMIT 1 FOR UPDATE`,
		prefix,
	).Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	seq, ok := SequenceFromNumber(number, prefix)
	if !ok {
		return 0, fmt.Errorf("ledger: malformed invoice number %q", number)
	}
	return seq + 1, nil
}

func (t *txRepo) ListLines(ctx context.Context, invoiceID int64) ([]InvoiceLine, error) {
	return listLines(ctx, t.tx, invoiceID)
}

// InsertLine creates a line item row.
func (t *txRepo) InsertLine(ctx context.Context, line *InvoiceLine) (int64, error) {
	query := `
		INSERT INTO invoice_lines (
			invoice_id, order_index, description, quantity, unit_price,
			discount_type, discount_value, tax_rate,
			subtotal, discount_amount, total_after_discount, tax_amount, total,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id`

	var id int64
	err := t.tx.QueryRow(ctx, query,
		line.InvoiceID, line.OrderIndex, line.Description, line.Quantity, line.UnitPrice,
		line.DiscountType, line.DiscountValue, line.TaxRate,
		line.Subtotal, line.DiscountAmount, line.TotalAfterDiscount, line.TaxAmount, line.Total,
		line.CreatedAt, line.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	line.ID = id
	return id, nil
}

// UpdateLine persists a line's fields and derived totals.
func (t *txRepo) UpdateLine(ctx context.Context, line *InvoiceLine) error {
	query := `
		UPDATE invoice_lines SET
			order_index = $3, description = $4, quantity = $5, unit_price = $6,
			discount_type = $7, discount_value = $8, tax_rate = $9,
			subtotal = $10, discount_amount = $11, total_after_discount = $12,
			tax_amount = $13, total = $14, updated_at = $15
		WHERE id = $1 AND invoice_id = $2`

	result, err := t.tx.Exec(ctx, query,
		line.ID, line.InvoiceID, line.OrderIndex, line.Description, line.Quantity, line.UnitPrice,
		line.DiscountType, line.DiscountValue, line.TaxRate,
		line.Subtotal, line.DiscountAmount, line.TotalAfterDiscount,
		line.TaxAmount, line.Total, line.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) DeleteLine(ctx context.Context, invoiceID, lineID int64) error {
	result, err := t.tx.Exec(ctx,
		`DELETE FROM invoice_lines WHERE id = $1 AND invoice_id = $2`, lineID, invoiceID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	return nil
}

func (t *txRepo) SetLineOrder(ctx context.Context, invoiceID, lineID int64, orderIndex int) error {
	result, err := t.tx.Exec(ctx,
		`UPDATE invoice_lines SET order_index = $3, updated_at = NOW() WHERE id = $1 AND invoice_id = $2`,
		lineID, invoiceID, orderIndex)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	return nil
}

// GetPaymentForUpdate loads a payment under a row lock.
func (t *txRepo) GetPaymentForUpdate(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT` + paymentColumns + ` FROM payments WHERE id = $1 FOR UPDATE`
	return scanPayment(t.tx.QueryRow(ctx, query, id))
}

// InsertPayment creates a payment row.
func (t *txRepo) InsertPayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (
			id, invoice_id, amount, payment_date, method, reference, status, notes,
			recorded_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := t.tx.Exec(ctx, query,
		p.ID, p.InvoiceID, p.Amount, p.PaymentDate, p.Method, p.Reference, p.Status, p.Notes,
		p.RecordedBy, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// UpdatePayment persists a payment's status and notes.
func (t *txRepo) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments SET
			status = $2, reference = $3, notes = $4, updated_at = $5
		WHERE id = $1`

	result, err := t.tx.Exec(ctx, query, p.ID, p.Status, p.Reference, p.Notes, p.UpdatedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	return listPayments(ctx, t.tx, invoiceID)
}

// MarkOverdue bulk-transitions past-due open invoices.
func (t *txRepo) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE invoices
		SET status = 'overdue', updated_at = $1
		WHERE status IN ('sent', 'partially_paid') AND due_date < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
