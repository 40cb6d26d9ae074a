package analytics

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Repository exposes the read queries the analytics layer relies on.
type Repository interface {
	OutstandingInvoices(ctx context.Context, asOf time.Time, institutionID int64) ([]OutstandingInvoice, error)
	StatementRows(ctx context.Context, institutionID int64, from, to time.Time) ([]StatementRow, error)
	InstitutionName(ctx context.Context, institutionID int64) (string, error)
}

// Service coordinates analytics query execution with the cache layer.
type Service struct {
	repo  Repository
	cache *Cache
	group singleflight.Group
}

// NewService wires a Repository with a Cache helper.
func NewService(repo Repository, cache *Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// OutstandingInvoice is the slice of an open invoice the aging report needs.
type OutstandingInvoice struct {
	InvoiceID       int64           `json:"invoice_id"`
	Number          string          `json:"number"`
	InstitutionID   int64           `json:"institution_id"`
	InstitutionName string          `json:"institution_name"`
	Remaining       decimal.Decimal `json:"remaining"`
	DueDate         time.Time       `json:"due_date"`
}

// AgingBucket summarises outstanding amounts inside one time bucket.
type AgingBucket struct {
	Bucket string          `json:"bucket"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// AgingReport is the receivable aging breakdown as of a reference date.
type AgingReport struct {
	AsOf             time.Time       `json:"as_of"`
	Buckets          []AgingBucket   `json:"buckets"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
}

var bucketNames = []string{"current", "1-30", "31-60", "61-90", "90+"}

// GetAging computes the receivable aging report. institutionID 0 covers all
// institutions. Results are cached per day and institution.
func (s *Service) GetAging(ctx context.Context, asOf time.Time, institutionID int64) (AgingReport, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC().Truncate(24 * time.Hour)
	}

	loader := func(ctx context.Context) (interface{}, error) {
		invoices, err := s.repo.OutstandingInvoices(ctx, asOf, institutionID)
		if err != nil {
			return nil, err
		}
		return buildAgingReport(asOf, invoices), nil
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return AgingReport{}, err
		}
		return value.(AgingReport), nil
	}

	key, err := s.cache.BuildKey(ctx, keyAging(institutionID, asOf))
	if err != nil {
		return AgingReport{}, err
	}
	// Collapse concurrent misses for the same key into one load.
	value, err, _ := s.group.Do(key, func() (interface{}, error) {
		var report AgingReport
		if err := s.cache.FetchJSON(ctx, key, &report, loader); err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return AgingReport{}, err
	}
	return value.(AgingReport), nil
}

// buildAgingReport sorts outstanding amounts into the standard buckets.
// An invoice not yet past due as of the reference date counts as current.
func buildAgingReport(asOf time.Time, invoices []OutstandingInvoice) AgingReport {
	amounts := make(map[string]decimal.Decimal, len(bucketNames))
	counts := make(map[string]int, len(bucketNames))
	var total decimal.Decimal

	for _, inv := range invoices {
		if !inv.Remaining.IsPositive() {
			continue
		}
		bucket := bucketFor(asOf, inv.DueDate)
		amounts[bucket] = amounts[bucket].Add(inv.Remaining)
		counts[bucket]++
		total = total.Add(inv.Remaining)
	}

	report := AgingReport{AsOf: asOf, TotalOutstanding: total}
	for _, name := range bucketNames {
		report.Buckets = append(report.Buckets, AgingBucket{
			Bucket: name,
			Amount: amounts[name],
			Count:  counts[name],
		})
	}
	return report
}

func bucketFor(asOf, dueDate time.Time) string {
	days := int(asOf.Sub(dueDate).Hours() / 24)
	switch {
	case days <= 0:
		return "current"
	case days <= 30:
		return "1-30"
	case days <= 60:
		return "31-60"
	case days <= 90:
		return "61-90"
	default:
		return "90+"
	}
}

// StatementRow is one chronological entry on an institution statement.
// Invoices debit the balance, confirmed payments credit it.
type StatementRow struct {
	Date        time.Time       `json:"date"`
	Kind        string          `json:"kind"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

// Statement is an institution's activity over a date window.
type Statement struct {
	InstitutionID   int64           `json:"institution_id"`
	InstitutionName string          `json:"institution_name"`
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	Rows            []StatementRow  `json:"rows"`
	ClosingBalance  decimal.Decimal `json:"closing_balance"`
}

// GetStatement builds the chronological statement with a running balance.
// The window defaults to the trailing three months.
func (s *Service) GetStatement(ctx context.Context, institutionID int64, from, to time.Time) (Statement, error) {
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, -3, 0)
	}

	name, err := s.repo.InstitutionName(ctx, institutionID)
	if err != nil {
		return Statement{}, err
	}
	rows, err := s.repo.StatementRows(ctx, institutionID, from, to)
	if err != nil {
		return Statement{}, err
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	var balance decimal.Decimal
	for i := range rows {
		balance = balance.Add(rows[i].Debit).Sub(rows[i].Credit)
		rows[i].Balance = balance
	}

	return Statement{
		InstitutionID:   institutionID,
		InstitutionName: name,
		From:            from,
		To:              to,
		Rows:            rows,
		ClosingBalance:  balance,
	}, nil
}

func keyAging(institutionID int64, asOf time.Time) string {
	return "analytics:aging:" + strconv.FormatInt(institutionID, 10) + ":" + asOf.Format("2006-01-02")
}
