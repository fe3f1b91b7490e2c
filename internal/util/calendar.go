package util

import (
	"time"

	"quantlab/internal/domain"
)

// TradingCalendar answers calendar questions for one market. Holidays are not
// modelled; only weekends are closed.
type TradingCalendar struct {
	market domain.Market
}

// NewTradingCalendar creates a TradingCalendar for the given market.
func NewTradingCalendar(market domain.Market) *TradingCalendar {
	return &TradingCalendar{
		market: market,
	}
}

// Market returns the calendar's market.
func (tc *TradingCalendar) Market() domain.Market {
	return tc.market
}

// PeriodsPerYear is the number of daily bars in a trading year, used to
// annualise per-bar ratios.
func (tc *TradingCalendar) PeriodsPerYear() float64 {
	if tc.market == domain.MarketCN {
		return 242
	}
	return 252
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	name := "America/New_York"
	if tc.market == domain.MarketCN {
		name = "Asia/Shanghai"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsTradingDay reports whether t falls on a weekday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// TradingDays counts trading days in the inclusive range [start, end].
func (tc *TradingCalendar) TradingDays(start, end time.Time) int {
	n := 0
	for d := truncateDay(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			n++
		}
	}
	return n
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
