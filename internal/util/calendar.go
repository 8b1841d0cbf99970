package util

import (
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day expressed in minutes after midnight.
type ClockTime int

// ParseClockTime parses "HH:MM" (24-hour).
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing clock time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// String formats c as "HH:MM".
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// TradingCalendar answers trading-window questions in a fixed timezone.
// Windows are half-open: [start, end).
type TradingCalendar struct {
	loc           *time.Location
	windowStart   ClockTime
	windowEnd     ClockTime
	marketClose   ClockTime
	flattenBuffer time.Duration
}

// CalendarConfig holds the parameters for NewTradingCalendar. Times are
// "HH:MM" in Timezone.
type CalendarConfig struct {
	Timezone      string
	WindowStart   string
	WindowEnd     string
	MarketClose   string
	FlattenBuffer time.Duration
}

// NewTradingCalendar creates a TradingCalendar. Empty fields default to
// America/New_York with a 04:00-16:00 window and a 16:00 close.
func NewTradingCalendar(cfg CalendarConfig) (*TradingCalendar, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	parse := func(s, def string) (ClockTime, error) {
		if s == "" {
			s = def
		}
		return ParseClockTime(s)
	}
	start, err := parse(cfg.WindowStart, "04:00")
	if err != nil {
		return nil, err
	}
	end, err := parse(cfg.WindowEnd, "16:00")
	if err != nil {
		return nil, err
	}
	closeAt, err := parse(cfg.MarketClose, "16:00")
	if err != nil {
		return nil, err
	}
	if end <= start {
		return nil, fmt.Errorf("trading window end %s must be after start %s", end, start)
	}

	return &TradingCalendar{
		loc:           loc,
		windowStart:   start,
		windowEnd:     end,
		marketClose:   closeAt,
		flattenBuffer: cfg.FlattenBuffer,
	}, nil
}

// Location returns the calendar's timezone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsTradingDay reports whether t falls on a weekday in the calendar's zone.
// Exchange holidays are not modelled.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	wd := t.In(tc.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// InTradingWindow reports whether t is inside the allowed trading window.
func (tc *TradingCalendar) InTradingWindow(t time.Time) bool {
	if !tc.IsTradingDay(t) {
		return false
	}
	m := tc.minuteOfDay(t)
	return m >= tc.windowStart && m < tc.windowEnd
}

// InFlattenWindow reports whether t is within the flatten buffer before the
// market close. A zero buffer disables the window.
func (tc *TradingCalendar) InFlattenWindow(t time.Time) bool {
	if tc.flattenBuffer <= 0 || !tc.IsTradingDay(t) {
		return false
	}
	local := t.In(tc.loc)
	closeAt := tc.at(local, tc.marketClose)
	return !local.Before(closeAt.Add(-tc.flattenBuffer)) && local.Before(closeAt)
}

// NextClose returns the next market close at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	local := t.In(tc.loc)
	for i := 0; i < 8; i++ {
		day := local.AddDate(0, 0, i)
		c := tc.at(day, tc.marketClose)
		if tc.IsTradingDay(c) && !c.Before(local) {
			return c
		}
	}
	return time.Time{}
}

// DateKey returns t's calendar date in the calendar's zone as YYYY-MM-DD.
func (tc *TradingCalendar) DateKey(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

func (tc *TradingCalendar) minuteOfDay(t time.Time) ClockTime {
	local := t.In(tc.loc)
	return ClockTime(local.Hour()*60 + local.Minute())
}

func (tc *TradingCalendar) at(day time.Time, c ClockTime) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, int(c)/60, int(c)%60, 0, 0, tc.loc)
}
