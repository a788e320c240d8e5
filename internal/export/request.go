// Package export drives the portal's "download spreadsheet" flow: it arms the
// download and request listeners, fires the trigger, races the download against
// an export dialog, runs recovery heuristics when neither shows up, and moves
// the captured file into the data directory.
package export

import "time"

// DateLayout is how the portal's date fields expect their values.
const DateLayout = "02-01-2006"

// FormatXLS is the only export format requested.
const FormatXLS = "xls"

// Request is the date range and format asked of the export dialog.
type Request struct {
	From   time.Time
	To     time.Time
	Format string
}

// NewRequest returns the current calendar month of now, first to last day inclusive.
func NewRequest(now time.Time) Request {
	y, m, _ := now.Date()
	from := time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	to := from.AddDate(0, 1, -1)
	return Request{From: from, To: to, Format: FormatXLS}
}

// FromValue is the from-date as typed into the form.
func (r Request) FromValue() string { return r.From.Format(DateLayout) }

// ToValue is the to-date as typed into the form.
func (r Request) ToValue() string { return r.To.Format(DateLayout) }
