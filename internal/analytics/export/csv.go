// Package export serialises analytics results for download.
package export

import (
	"encoding/csv"
	"io"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/praxisbill/praxisbill/internal/analytics"
)

var printer = message.NewPrinter(language.English)

// Writer satisfies the analytics handler's StatementWriter.
type Writer struct{}

func (Writer) WriteAging(w io.Writer, report analytics.AgingReport) error {
	return WriteAgingCSV(w, report)
}

func (Writer) WriteStatement(w io.Writer, stmt analytics.Statement) error {
	return WriteStatementCSV(w, stmt)
}

// formatAmount renders a monetary value with thousands separators and two
// decimal places, the rounding boundary for presentation output.
func formatAmount(d decimal.Decimal) string {
	return printer.Sprintf("%.2f", d.InexactFloat64())
}

// WriteAgingCSV prints the aging report to CSV.
func WriteAgingCSV(w io.Writer, report analytics.AgingReport) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"Bucket", "Invoices", "Amount"}); err != nil {
		return err
	}
	for _, bucket := range report.Buckets {
		if err := writer.Write([]string{
			bucket.Bucket,
			printer.Sprintf("%d", bucket.Count),
			formatAmount(bucket.Amount),
		}); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{"Total", "", formatAmount(report.TotalOutstanding)}); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// WriteStatementCSV emits an institution statement as CSV.
func WriteStatementCSV(w io.Writer, stmt analytics.Statement) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if err := writer.Write([]string{"Date", "Kind", "Reference", "Description", "Debit", "Credit", "Balance"}); err != nil {
		return err
	}
	for _, row := range stmt.Rows {
		if err := writer.Write([]string{
			row.Date.Format("2006-01-02"),
			row.Kind,
			row.Reference,
			row.Description,
			formatAmount(row.Debit),
			formatAmount(row.Credit),
			formatAmount(row.Balance),
		}); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{"", "", "", "Closing balance", "", "", formatAmount(stmt.ClosingBalance)}); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}
