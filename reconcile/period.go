package reconcile

import (
	"regexp"
	"strconv"
	"time"
)

var (
	periodYear    = regexp.MustCompile(`^(\d{4})$`)
	periodQuarter = regexp.MustCompile(`^(\d{4})-Q([1-4])$`)
	periodMonth   = regexp.MustCompile(`^(\d{4})-(0[1-9]|1[0-2])$`)
)

// FiscalPeriod is a half-open [Start, End) date range keyed like "2024", "2024-Q1" or "2024-03".
type FiscalPeriod struct {
	Key   string    `json:"key"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func ParsePeriod(key string) (FiscalPeriod, error) {
	if m := periodQuarter.FindStringSubmatch(key); m != nil {
		year, _ := strconv.Atoi(m[1])
		q, _ := strconv.Atoi(m[2])
		start := time.Date(year, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
		return FiscalPeriod{Key: key, Start: start, End: start.AddDate(0, 3, 0)}, nil
	}
	if m := periodMonth.FindStringSubmatch(key); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		return FiscalPeriod{Key: key, Start: start, End: start.AddDate(0, 1, 0)}, nil
	}
	if m := periodYear.FindStringSubmatch(key); m != nil {
		year, _ := strconv.Atoi(m[1])
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return FiscalPeriod{Key: key, Start: start, End: start.AddDate(1, 0, 0)}, nil
	}
	return FiscalPeriod{}, Validationf("invalid fiscal period %q (want YYYY, YYYY-Qn or YYYY-MM)", key)
}

// Contains compares calendar dates only.
func (p FiscalPeriod) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(p.Start) && d.Before(p.End)
}

// DateOf truncates to the calendar date in the value's own location, expressed in UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween is the signed number of calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}
