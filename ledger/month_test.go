package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsupply/stock-engine/ledger"
)

func TestMonthKeyOf(t *testing.T) {
	assert.Equal(t, ledger.MonthKey("2026-07"),
		ledger.MonthKeyOf(time.Date(2026, time.July, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, ledger.MonthKey("2026-01"),
		ledger.MonthKeyOf(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCompletedMonths_ExcludesCurrentMonth(t *testing.T) {
	// GIVEN: Now is mid-August
	// WHEN: Asking for the three most recently completed months
	// THEN: May, June, July - oldest first, August excluded

	now := time.Date(2026, time.August, 15, 10, 0, 0, 0, time.UTC)

	keys := ledger.CompletedMonths(now, 3)

	assert.Equal(t, []ledger.MonthKey{"2026-05", "2026-06", "2026-07"}, keys)
}

func TestCompletedMonths_CrossesYearBoundary(t *testing.T) {
	// GIVEN: Now is February 2026
	// WHEN: Asking for three completed months
	// THEN: The window reaches back into 2025

	now := time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC)

	keys := ledger.CompletedMonths(now, 3)

	assert.Equal(t, []ledger.MonthKey{"2025-11", "2025-12", "2026-01"}, keys)
}

func TestCompletedMonths_NonPositiveYieldsNil(t *testing.T) {
	now := time.Date(2026, time.August, 15, 0, 0, 0, 0, time.UTC)
	assert.Nil(t, ledger.CompletedMonths(now, 0))
	assert.Nil(t, ledger.CompletedMonths(now, -1))
}

func TestMonthWindow_SpansCompletedMonthsExactly(t *testing.T) {
	// GIVEN: Now is mid-August
	// WHEN: Computing the three month window
	// THEN: From the first instant of May through the last instant of July

	now := time.Date(2026, time.August, 15, 10, 30, 0, 0, time.UTC)

	from, to := ledger.MonthWindow(now, 3)

	assert.Equal(t, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC), from)
	august1 := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, to.Before(august1), "window must end before the current month")
	assert.Equal(t, time.Nanosecond, august1.Sub(to))
}
