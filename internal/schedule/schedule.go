// Package schedule decides whether a stored schedule expression is due.
//
// Only four shapes are supported, all encoded in the 5-field cron form so
// stored rows stay readable by regular cron tooling:
//
//	"* * * * *"   every minute
//	"0 * * * *"   hourly (minute 0)
//	"0 0 * * *"   daily (00:00)
//	"MM HH * * *" at HH:MM
//
// Evaluation has minute granularity and no catch-up: the caller is expected
// to evaluate at least once per minute, and a minute it skips is missed.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Expression is a stored schedule expression.
type Expression string

const (
	EveryMinute Expression = "* * * * *"
	Hourly      Expression = "0 * * * *"
	Daily       Expression = "0 0 * * *"
)

// Kind is the normalized shape of an Expression.
type Kind int

const (
	KindUnknown Kind = iota
	KindEveryMinute
	KindHourly
	KindDaily
	KindAt
)

var reAt = regexp.MustCompile(`^(\d+) (\d+) \* \* \*$`)

// At returns the expression for a daily run at hour:minute.
func At(hour, minute int) Expression {
	return Expression(fmt.Sprintf("%d %d * * *", minute, hour))
}

// Classify returns the shape of expr and, for KindAt (and KindDaily), the
// hour and minute it fires at.
func Classify(expr Expression) (kind Kind, hour, minute int) {
	switch expr {
	case EveryMinute:
		return KindEveryMinute, 0, 0
	case Hourly:
		return KindHourly, 0, 0
	case Daily:
		return KindDaily, 0, 0
	}
	m := reAt.FindStringSubmatch(string(expr))
	if m == nil {
		return KindUnknown, 0, 0
	}
	mm, err1 := strconv.Atoi(m[1])
	hh, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return KindUnknown, 0, 0
	}
	return KindAt, hh, mm
}

// IsDue reports whether expr matches now. Unrecognized expressions are never due.
func IsDue(expr Expression, now time.Time) bool {
	minute := now.Minute()
	hour := now.Hour()

	kind, hh, mm := Classify(expr)
	switch kind {
	case KindEveryMinute:
		return true
	case KindHourly:
		return minute == 0
	case KindDaily:
		return hour == 0 && minute == 0
	case KindAt:
		return hour == hh && minute == mm
	default:
		return false
	}
}

// Describe renders expr for humans.
func Describe(expr Expression) string {
	kind, hh, mm := Classify(expr)
	switch kind {
	case KindEveryMinute:
		return "every minute"
	case KindHourly:
		return "hourly"
	case KindDaily:
		return "daily"
	case KindAt:
		return fmt.Sprintf("at %02d:%02d", hh, mm)
	default:
		return string(expr)
	}
}
