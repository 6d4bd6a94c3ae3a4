package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH KEYS - Calendar-month buckets for consumption metrics
// =============================================================================

// MonthKey identifies a calendar month, e.g. "2026-07".
type MonthKey string

// MonthKeyOf buckets a timestamp into its calendar month.
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())))
}

// CompletedMonths returns the n most recently completed calendar months
// ending at the month before now's month, oldest first. The current
// partial month is always excluded. n <= 0 yields nil.
func CompletedMonths(now time.Time, n int) []MonthKey {
	if n <= 0 {
		return nil
	}
	keys := make([]MonthKey, 0, n)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -n, 0)
	for i := 0; i < n; i++ {
		keys = append(keys, MonthKeyOf(first.AddDate(0, i, 0)))
	}
	return keys
}

// MonthWindow returns the [from, to] span covering the n most recently
// completed months: the first instant of the oldest month through the
// last instant before the current month begins.
func MonthWindow(now time.Time, n int) (from, to time.Time) {
	currentStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from = currentStart.AddDate(0, -n, 0)
	to = currentStart.Add(-time.Nanosecond)
	return from, to
}
