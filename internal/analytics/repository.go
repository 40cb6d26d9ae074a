package analytics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the PostgreSQL analytics repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) OutstandingInvoices(ctx context.Context, asOf time.Time, institutionID int64) ([]OutstandingInvoice, error) {
	query := `
		SELECT i.id, i.number, i.institution_id, COALESCE(inst.name, ''), i.remaining_amount, i.due_date
		FROM invoices i
		LEFT JOIN institutions inst ON inst.id = i.institution_id
		WHERE i.status IN ('sent', 'partially_paid', 'overdue')
		  AND i.remaining_amount > 0
		  AND i.created_at <= $1`
	args := []any{asOf}
	if institutionID > 0 {
		query += ` AND i.institution_id = $2`
		args = append(args, institutionID)
	}
	query += ` ORDER BY i.due_date`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutstandingInvoice
	for rows.Next() {
		var inv OutstandingInvoice
		if err := rows.Scan(&inv.InvoiceID, &inv.Number, &inv.InstitutionID, &inv.InstitutionName, &inv.Remaining, &inv.DueDate); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// StatementRows merges invoice debits and confirmed payment credits into a
// single window-scoped result. Ordering is left to the service.
func (r *repository) StatementRows(ctx context.Context, institutionID int64, from, to time.Time) ([]StatementRow, error) {
	query := `
		SELECT i.created_at AS entry_date, 'invoice' AS kind, i.number AS reference, i.title AS description,
		       i.total AS debit, 0 AS credit
		FROM invoices i
		WHERE i.institution_id = $1 AND i.status <> 'draft' AND i.status <> 'cancelled'
		  AND i.created_at BETWEEN $2 AND $3
		UNION ALL
		SELECT p.payment_date, 'payment', COALESCE(NULLIF(p.reference, ''), p.id::text), i.number,
		       0, p.amount
		FROM payments p
		JOIN invoices i ON i.id = p.invoice_id
		WHERE i.institution_id = $1 AND p.status = 'confirmed'
		  AND p.payment_date BETWEEN $2 AND $3`

	rows, err := r.pool.Query(ctx, query, institutionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatementRow
	for rows.Next() {
		var row StatementRow
		if err := rows.Scan(&row.Date, &row.Kind, &row.Reference, &row.Description, &row.Debit, &row.Credit); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *repository) InstitutionName(ctx context.Context, institutionID int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM institutions WHERE id = $1`, institutionID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return name, err
}
