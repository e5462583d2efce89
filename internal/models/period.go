package models

import (
	"fmt"
	"time"
)

// MonthLayout is the canonical month key format.
const MonthLayout = "2006-01"

// WeekNumber returns the ISO week of t encoded as year*100+week (e.g. 202411).
func WeekNumber(t time.Time) int {
	year, week := t.UTC().ISOWeek()
	return year*100 + week
}

// WeekStart returns the Monday 00:00 UTC of the ISO week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// MonthKey returns the YYYY-MM key of t.
func MonthKey(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// ParseMonth parses a YYYY-MM key into the first instant of that month (UTC).
func ParseMonth(month string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, month)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, expected YYYY-MM: %w", month, err)
	}
	return t, nil
}

// MonthBounds returns [start, end) of a month key.
func MonthBounds(month string) (time.Time, time.Time, error) {
	start, err := ParseMonth(month)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

// PrecedingMonths returns the n month keys immediately before month, most recent first.
func PrecedingMonths(month string, n int) ([]string, error) {
	start, err := ParseMonth(month)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		keys = append(keys, MonthKey(start.AddDate(0, -i, 0)))
	}
	return keys, nil
}
