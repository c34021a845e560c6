package models

import (
	"fmt"
	"time"
)

// DayLayout is the UTC calendar-day key format shared by the ledger and the send counters.
const DayLayout = "2006-01-02"

// DayKey returns the UTC calendar day of t.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// HourKey returns the zero-padded UTC hour of t.
func HourKey(t time.Time) string {
	return t.UTC().Format("15")
}

// DayBounds returns the half-open [start, end) UTC interval of a day key.
func DayBounds(day string) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DayLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse day %q: %w", day, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}
