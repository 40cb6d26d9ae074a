package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Invoice numbers follow INV{YYYY}{MM}{NNNN}. The four-digit sequence resets
// each calendar month; the next value is the highest existing sequence for the
// month prefix plus one, resolved under a row lock inside the creating
// transaction. A unique constraint on the number column backs the generator;
// creation retries a bounded number of times on conflict.

const (
	invoiceNumberTag = "INV"
	// numberRetryLimit bounds INSERT retries on a number collision.
	numberRetryLimit = 5
)

// InvoiceNumberPrefix returns the year+month prefix for t, e.g. "INV202609".
func InvoiceNumberPrefix(t time.Time) string {
	return invoiceNumberTag + t.Format("200601")
}

// FormatInvoiceNumber renders the full number for a month window and sequence.
func FormatInvoiceNumber(t time.Time, seq int) string {
	return fmt.Sprintf("%s%04d", InvoiceNumberPrefix(t), seq)
}

// SequenceFromNumber extracts the numeric sequence from an invoice number
// carrying the given prefix. Returns false for foreign or malformed numbers.
func SequenceFromNumber(number, prefix string) (int, bool) {
	if !strings.HasPrefix(number, prefix) {
		return 0, false
	}
	seq, err := strconv.Atoi(number[len(prefix):])
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}
