package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition selects the direction an alert watches.
type Condition string

const (
	ConditionAbove Condition = "above"
	ConditionBelow Condition = "below"
)

// ParseCondition validates a textual condition.
func ParseCondition(s string) (Condition, error) {
	switch c := Condition(strings.ToLower(strings.TrimSpace(s))); c {
	case ConditionAbove, ConditionBelow:
		return c, nil
	default:
		return "", fmt.Errorf("unknown condition %q (want above or below)", s)
	}
}

// Met reports whether rate satisfies the condition against target. Boundaries are inclusive.
func (c Condition) Met(rate, target decimal.Decimal) bool {
	switch c {
	case ConditionAbove:
		return rate.GreaterThanOrEqual(target)
	case ConditionBelow:
		return rate.LessThanOrEqual(target)
	default:
		return false
	}
}

// AlertSetting is a user-defined threshold on a currency pair.
type AlertSetting struct {
	ID           string
	OwnerID      string
	CurrencyFrom string
	CurrencyTo   string
	TargetRate   decimal.Decimal
	Condition    Condition
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Pair renders the alert's pair as FROM/TO.
func (a AlertSetting) Pair() string {
	return a.CurrencyFrom + "/" + a.CurrencyTo
}

// AlertPatch carries optional updates; nil fields are left untouched.
type AlertPatch struct {
	TargetRate *decimal.Decimal
	Condition  *Condition
	Active     *bool
}

// NotificationRecord captures a dispatched notification. Records are never updated.
type NotificationRecord struct {
	ID            string
	OwnerID       string
	AlertID       string
	TriggeredRate decimal.Decimal
	Channel       string
	SentAt        time.Time
}

// DailyRate is one snapshot row, unique per (Date, CurrencyFrom, CurrencyTo).
type DailyRate struct {
	Date         time.Time
	CurrencyFrom string
	CurrencyTo   string
	Rate         decimal.Decimal
	PreviousRate *decimal.Decimal
	ChangeAmount *decimal.Decimal
	ChangePct    *decimal.Decimal
	CreatedAt    time.Time
}

// Pair renders the row's pair as FROM/TO.
func (r DailyRate) Pair() string {
	return r.CurrencyFrom + "/" + r.CurrencyTo
}

// DateOf returns the calendar date of t in loc, expressed as midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD into a calendar date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}
