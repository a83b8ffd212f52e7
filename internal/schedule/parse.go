package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronkeeper/internal/fault"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseFrequency converts the registration vocabulary into an Expression.
//
// Supported forms:
//   - "everyMinute" (also "every-minute", "every_minute", "minutely")
//   - "hourly"
//   - "daily"
//   - "at:HH:MM" (24h clock, evaluated in the scheduler timezone)
func ParseFrequency(raw string) (Expression, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fault.Validationf("frequency required")
	}

	switch strings.ToLower(s) {
	case "everyminute", "every-minute", "every_minute", "minutely":
		return EveryMinute, nil
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "at:") {
		hh, mm, err := parseHHMM(s[len("at:"):])
		if err != nil {
			return "", fault.Validation(err)
		}
		return At(hh, mm), nil
	}

	return "", fault.Validationf(
		"invalid frequency %q (use daily, hourly, everyMinute or at:HH:MM)", raw,
	)
}

func parseHHMM(v string) (int, int, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if hh > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	if mm > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return hh, mm, nil
}

// Validate rejects expressions outside the supported shapes. Accepted
// expressions are also checked with the standard cron parser so stored rows
// stay valid cron.
func Validate(expr Expression) error {
	kind, hh, mm := Classify(expr)
	if kind == KindUnknown {
		return fault.Validationf("unsupported schedule expression %q", string(expr))
	}
	if kind == KindAt && (hh > 23 || mm > 59) {
		return fault.Validationf("schedule expression %q out of range", string(expr))
	}
	if _, err := cron.ParseStandard(string(expr)); err != nil {
		return fault.Validation(fmt.Errorf("schedule expression %q: %w", string(expr), err))
	}
	return nil
}

// Next returns the first activation strictly after from, or false when expr
// is not a valid expression.
func Next(expr Expression, from time.Time) (time.Time, bool) {
	if Validate(expr) != nil {
		return time.Time{}, false
	}
	sched, err := cron.ParseStandard(string(expr))
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(from), true
}
