package model

import (
	"fmt"
	"time"
)

// Period 统计时间范围
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
	PeriodAll Period = "all"
)

// ParsePeriod accepts 24h, 7d, 30d and all. An empty string means 24h.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return Period24h, nil
	case Period24h, Period7d, Period30d, PeriodAll:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q (want 24h, 7d, 30d or all)", s)
}

// Since returns the start of the period ending at now. ok is false for all.
func (p Period) Since(now time.Time) (start time.Time, ok bool) {
	switch p {
	case Period24h:
		return now.Add(-24 * time.Hour), true
	case Period7d:
		return now.AddDate(0, 0, -7), true
	case Period30d:
		return now.AddDate(0, 0, -30), true
	}
	return time.Time{}, false
}

// Hourly reports whether trend buckets for the period are one hour wide.
func (p Period) Hourly() bool { return p == Period24h }
