package core

import "time"

// Advance returns the next due date after one interval step from date.
// It is pure: the same (date, interval) pair always yields the same
// result. Monthly and yearly steps use calendar arithmetic, so Jan 31
// + MONTHLY normalizes per time.AddDate (into early March on non-leap
// years), matching the underlying date arithmetic of the ledger.
func Advance(date time.Time, interval RecurringInterval) time.Time {
	switch interval {
	case Daily:
		return date.AddDate(0, 0, 1)
	case Weekly:
		return date.AddDate(0, 0, 7)
	case Monthly:
		return date.AddDate(0, 1, 0)
	case Yearly:
		return date.AddDate(1, 0, 0)
	}
	return date
}

// MonthWindow returns the half-open window [start, end) of the calendar
// month containing now, in now's location. Expense aggregation for
// budget checks uses this window.
func MonthWindow(now time.Time) (start, end time.Time) {
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end = start.AddDate(0, 1, 0)
	return start, end
}

// SameMonth reports whether a and b fall in the same calendar month of
// the same year. A zero a never matches: a budget that has never been
// alerted is always eligible. This predicate is the only alert
// de-duplication mechanism.
func SameMonth(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return a.Year() == b.Year() && a.Month() == b.Month()
}
